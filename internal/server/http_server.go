// Package server constructs, starts, and stops the HTTP gateway with
// production timeouts.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// CreateServer creates an HTTP server for addr. There is no write timeout:
// WebSocket sessions are long-lived and bound their own writes.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StartServer listens and serves until the server is shut down. A clean
// shutdown returns nil.
func StartServer(server *http.Server) error {
	slog.Info("http: listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownServer gracefully shuts down the HTTP server. Hijacked WebSocket
// connections are not tracked by net/http; Server.Shutdown ends them.
func ShutdownServer(server *http.Server, timeout time.Duration) error {
	slog.Info("http: shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("http: shutdown error", "err", err)
		return err
	}

	slog.Info("http: shutdown completed")
	return nil
}
