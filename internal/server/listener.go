package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Listener accepts TCP connections and hands each one to the Server as a
// newline-framed session.
type Listener struct {
	ln     net.Listener
	server *Server
	opts   ConnOptions

	mu     sync.Mutex
	closed bool
}

// Listen binds addr. A bind failure is returned to the caller, which treats
// it as fatal.
func Listen(addr string, srv *Server) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return NewListener(ln, srv), nil
}

// NewListener serves sessions from an existing net.Listener.
func NewListener(ln net.Listener, srv *Server) *Listener {
	return &Listener{
		ln:     ln,
		server: srv,
		opts:   connOptionsFrom(currentConfig()),
	}
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve accepts until Close is called or ctx is cancelled, then returns
// ErrServerClosed. Accept errors are logged and retried with exponential
// backoff; they never stop the loop.
func (l *Listener) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	slog.Info("listener: accepting connections", "addr", l.ln.Addr().String())

	var backoff time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.isClosed() || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			backoff = nextBackoff(backoff)
			slog.Error("listener: accept failed; retrying", "err", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return ErrServerClosed
			}
		}
		backoff = 0

		go l.server.ServeConn(NewStreamConn(conn, conn.RemoteAddr().String(), l.opts))
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptBackoff
	}
	d *= 2
	if d > maxAcceptBackoff {
		d = maxAcceptBackoff
	}
	return d
}

// Close stops accepting. Running sessions are left to Server.Shutdown.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.ln.Close()
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
