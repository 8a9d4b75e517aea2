// Package server implements the trollbox relay: credential verification,
// the per-connection session state machine, the shared bounded history, and
// hub-driven broadcast over WebSocket connections.
//
// The implementation is organized into specialized files for authentication,
// history, keepalive timers, hub management, sessions, configuration, and
// HTTP handlers to keep the codebase maintainable and testable as the
// project grows.
package server
