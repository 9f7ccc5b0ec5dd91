// Package server exposes HTTP handlers: the WebSocket chat endpoint, the
// health check, and the metrics page.
package server

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// WebSocketHandler upgrades GET requests and runs a chat session over the
// WebSocket using the same line protocol as the TCP listener. It blocks
// until the session ends.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		slog.Warn("ws: upgrade failed", "addr", r.RemoteAddr, "err", err)
		return
	}

	s.ServeConn(NewWSConn(conn, r.RemoteAddr, connOptionsFrom(currentConfig())))
}

// HealthHandler responds with a plain text status line.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "relaychat is running: %d sessions\n", s.SessionCount())
}

// MetricsHandler writes the Prometheus text exposition.
func (s *Server) MetricsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", `text/plain; version=0.0.4; charset=utf-8`)
	if err := s.metrics.WriteText(w, s.room); err != nil {
		slog.Error("metrics: encode failed", "err", err)
	}
}
