// Package server implements the chat service that every ingress (TCP,
// WebSocket, SSH) hands its connections to.
package server

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// fullLine is sent to a connection refused by the connection cap.
const fullLine = "Chat is full, try again later."

// Server owns the shared room and tracks every running session.
type Server struct {
	room    *Room
	history *History
	hub     *Hub
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// New creates a Server sized by cfg. History capacity and hub options are
// fixed for the life of the Server.
func New(cfg Config) *Server {
	cfg = sanitizeConfig(cfg)
	history := NewHistory(cfg.HistoryCapacity)
	hub := NewHub(HubOptions{Buffer: cfg.SubscriberBuffer, Overflow: cfg.Overflow()})
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		room:     NewRoom(history, hub),
		history:  history,
		hub:      hub,
		metrics:  NewMetrics(),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[*Session]struct{}),
	}
}

// Room returns the shared room.
func (s *Server) Room() *Room { return s.room }

// Metrics returns the server counters.
func (s *Server) Metrics() *Metrics { return s.metrics }

// ServeConn runs a session for conn and blocks until it ends. A connection
// over the configured cap receives fullLine and is closed. Errors are
// contained here: they are logged and counted, never returned to the ingress.
func (s *Server) ServeConn(conn LineConn) {
	session, ok := s.admit(conn)
	if !ok {
		return
	}
	defer s.release(session)

	if err := session.Run(s.ctx); err != nil {
		s.metrics.incSessionErrors()
		session.logger.Warn("session: closed with error", "err", err)
		return
	}
	session.logger.Debug("session: closed")
}

func (s *Server) admit(conn LineConn) (*Session, bool) {
	limit := currentConfig().MaxConnections

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return nil, false
	}
	if limit > 0 && len(s.sessions) >= limit {
		s.mu.Unlock()
		s.metrics.incRejected()
		slog.Warn("server: connection refused, chat is full", "addr", conn.RemoteAddr(), "limit", limit)
		_ = conn.WriteLines(fullLine)
		_ = conn.Close()
		return nil, false
	}
	session := NewSession(conn, s.room)
	session.metrics = s.metrics
	s.sessions[session] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.incAccepted()
	s.metrics.sessionStarted()
	session.logger.Info("server: connection accepted")
	return session, true
}

func (s *Server) release(session *Session) {
	s.mu.Lock()
	delete(s.sessions, session)
	s.mu.Unlock()
	s.metrics.sessionEnded()
	s.wg.Done()
}

// SessionCount returns the number of admitted sessions still running.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown closes the hub, cancels every session, and waits for them to
// finish. It returns context.DeadlineExceeded if timeout elapses first.
func (s *Server) Shutdown(timeout time.Duration) error {
	slog.Info("server: shutting down sessions", "sessions", s.SessionCount())

	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	s.hub.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("server: shutdown completed")
		return nil
	case <-time.After(timeout):
		slog.Warn("server: shutdown timeout reached, some sessions may still be running")
		return context.DeadlineExceeded
	}
}
