package main

import (
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hexbay/trollbox/internal/server"
	"github.com/joho/godotenv"
)

const shutdownTimeout = 10 * time.Second

func main() {
	log.Println("Starting trollbox relay...")

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Skipping .env file: %v", err)
	}

	cfg, err := server.NewConfigFromEnv()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	server.SetConfig(cfg)

	server.StartHub()

	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes())

	serverErr := make(chan error, 1)
	go func() {
		if cfg.TLSCertFile != "" {
			serverErr <- server.StartServerTLS(httpServer, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			serverErr <- server.StartServer(httpServer)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	case sig := <-stop:
		log.Printf("Received signal %s; shutting down", sig)
	}

	if err := server.ShutdownServer(httpServer, shutdownTimeout); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	if err := server.GetHub().Shutdown(shutdownTimeout); err != nil {
		log.Printf("Hub shutdown error: %v", err)
	}
}
