// Package server drives one client connection through the join handshake and
// the concurrent relay loop between its transport and the hub.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// WelcomeLine is the first line a client receives after sending its name.
const WelcomeLine = "Welcome to chat! Type a message"

// SessionState is the lifecycle position of a Session.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateHandshaking
	StateActive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
}

// Session is the protocol driver for one connection.
type Session struct {
	id      ConnectionID
	conn    LineConn
	room    *Room
	limiter *rateLimiter
	logger  *slog.Logger
	metrics *Metrics

	state atomic.Int32
}

// inbound is one ReadLine result handed from the reader goroutine to the loop.
type inbound struct {
	line string
	err  error
}

// NewSession creates a session for conn bound to room. The rate limit is
// taken from the active configuration.
func NewSession(conn LineConn, room *Room) *Session {
	id := NewConnectionID()
	return &Session{
		id:      id,
		conn:    conn,
		room:    room,
		limiter: newRateLimiter(currentConfig().RateLimit),
		logger:  slog.With("id", id, "addr", conn.RemoteAddr()),
	}
}

// ID returns the session's connection identity.
func (s *Session) ID() ConnectionID {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(st SessionState) {
	s.state.Store(int32(st))
}

// Run performs the handshake and relays traffic until the client leaves, the
// transport fails, the hub closes, or ctx is cancelled. A nil result means a
// normal close. The transport is always closed when Run returns.
func (s *Session) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer func() {
		stop()
		_ = s.conn.Close()
		s.setState(StateClosed)
	}()

	s.setState(StateHandshaking)
	name, err := s.conn.ReadLine()
	if err != nil {
		if isDisconnect(err) {
			s.logger.Debug("session: closed before sending a name")
			return nil
		}
		return fmt.Errorf("read name: %w", err)
	}
	s.logger = s.logger.With("name", name)

	history, sub, err := s.room.Join(s.id)
	if err != nil {
		if errors.Is(err, ErrHubClosed) {
			return nil
		}
		return fmt.Errorf("join: %w", err)
	}
	defer sub.Close()

	greeting := make([]string, 0, len(history)+1)
	greeting = append(greeting, WelcomeLine)
	greeting = append(greeting, history...)
	if err := s.conn.WriteLines(greeting...); err != nil {
		return fmt.Errorf("write welcome: %w", err)
	}

	s.setState(StateActive)
	s.logger.Info("session: joined", "history", len(history))
	return s.relay(ctx, name, sub)
}

// relay is the Active state. Only this goroutine writes to the transport.
func (s *Session) relay(ctx context.Context, name string, sub *Subscription) error {
	lines := make(chan inbound)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.readPump(lines, done)
	}()
	defer func() {
		close(done)
		_ = s.conn.Close()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case in := <-lines:
			if in.err != nil {
				if isDisconnect(in.err) {
					s.logger.Info("session: client disconnected")
					return nil
				}
				return fmt.Errorf("read: %w", in.err)
			}
			s.handleLine(name, in.line)

		case msg, ok := <-sub.C():
			if !ok {
				if err := sub.Err(); errors.Is(err, ErrSlowConsumer) {
					return err
				}
				return nil
			}
			if msg.Origin == s.id {
				continue
			}
			if err := s.conn.WriteLines(msg.Text); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

// readPump forwards transport lines to the relay loop until a read fails or
// the loop is done.
func (s *Session) readPump(lines chan<- inbound, done <-chan struct{}) {
	for {
		line, err := s.conn.ReadLine()
		select {
		case lines <- inbound{line: line, err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

// handleLine renders a client line, records it, and broadcasts it.
func (s *Session) handleLine(name, text string) {
	if !s.limiter.allow() {
		s.logger.Warn("session: rate limit exceeded; discarding line")
		s.metrics.incRateLimited()
		return
	}
	delivered := s.room.Post(Message{Origin: s.id, Text: render(name, text)})
	s.logger.Debug("session: line relayed", "deliveries", delivered)
}

// isDisconnect reports errors that mean the stream ended rather than failed.
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
