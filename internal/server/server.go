// Package server constructs and starts the trollbox HTTP service with
// helpers that apply sensible production defaults.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"
)

// CreateServer creates and configures an HTTP server with the specified port and handler.
// It sets reasonable timeout values for production use.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// StartHub builds the global hub from the active configuration and starts
// its event loop in a separate goroutine. This should be called after
// SetConfig and before starting the HTTP server.
func StartHub() {
	cfg := currentConfig()
	hub = NewHub(NewHistory(cfg.HistoryLimit))
	go hub.Run()
	log.Println("Hub started and ready to manage trollbox sessions")
}

// StartServer starts the HTTP server and begins listening for connections.
// It returns an error if the server fails to start.
func StartServer(server *http.Server) error {
	fmt.Printf("Server listening on port %s\n", server.Addr)
	return server.ListenAndServe()
}

// StartServerTLS starts the HTTPS server using the given certificate and
// key files. The TLS layer sits beneath the same handshake and session
// logic and changes no protocol contract.
func StartServerTLS(server *http.Server, certFile, keyFile string) error {
	fmt.Printf("Server listening on port %s (TLS)\n", server.Addr)
	return server.ListenAndServeTLS(certFile, keyFile)
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active connections.
// It waits for active connections to close or until the timeout is reached.
func ShutdownServer(server *http.Server, timeout time.Duration) error {
	log.Println("Shutting down HTTP server...")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		return err
	}

	log.Println("HTTP server shutdown completed")
	return nil
}

// GetHub returns the global hub instance for shutdown coordination
func GetHub() *Hub {
	return hub
}
