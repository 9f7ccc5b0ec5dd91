// Package server wires HTTP handlers into a router for the relay chat
// gateway.
package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

// SetupRoutes returns the HTTP router for the WebSocket gateway, health
// check, and metrics.
func SetupRoutes(s *Server) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.WebSocketHandler)
	r.HandleFunc("/health", s.HealthHandler).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/metrics", s.MetricsHandler).Methods(http.MethodGet)
	r.HandleFunc("/", s.HealthHandler).Methods(http.MethodGet)
	return r
}
