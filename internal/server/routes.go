// Package server wires HTTP handlers into a ServeMux for the trollbox
// relay via routing helpers.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application
// routes: health check, WebSocket endpoint, development token endpoint, and
// the test page.
func SetupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/ws", WebSocketHandler)
	mux.HandleFunc("/test-make-auth-token", TokenMintHandler)
	mux.HandleFunc("/test", TestPageHandler)
	return mux
}
