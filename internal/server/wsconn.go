// Package server adapts gorilla WebSocket connections to the line transport
// used by chat sessions.
package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// pongWait is how long to wait for a pong before treating the peer as dead.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// WSConn is a LineConn over a WebSocket. Every text or binary frame carries
// one or more newline-separated lines; every written line is one text frame.
type WSConn struct {
	conn *websocket.Conn
	addr string
	opts ConnOptions

	pending []string

	wmu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewWSConn wraps conn and starts its ping keepalive.
func NewWSConn(conn *websocket.Conn, remoteAddr string, opts ConnOptions) *WSConn {
	if opts.MaxLineSize <= 0 {
		opts.MaxLineSize = defaultMaxLineSize
	}
	c := &WSConn{
		conn: conn,
		addr: remoteAddr,
		opts: opts,
		done: make(chan struct{}),
	}
	c.setupReadConnection()
	go c.keepAlive()
	return c
}

// setupReadConnection configures the read limit, read deadline and pong handler.
func (c *WSConn) setupReadConnection() {
	c.conn.SetReadLimit(c.opts.MaxLineSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		slog.Warn("ws: set initial read deadline", "addr", c.addr, "err", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// ReadLine returns the next line, reading a new frame when none are buffered.
func (c *WSConn) ReadLine() (string, error) {
	for len(c.pending) == 0 {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return "", c.translateReadError(err)
		}
		text := strings.TrimSuffix(string(data), "\n")
		for _, line := range strings.Split(text, "\n") {
			c.pending = append(c.pending, strings.TrimSuffix(line, "\r"))
		}
	}

	line := c.pending[0]
	c.pending = c.pending[1:]
	return strings.ToValidUTF8(line, "�"), nil
}

// translateReadError maps orderly close frames to io.EOF.
func (c *WSConn) translateReadError(err error) error {
	if errors.Is(err, websocket.ErrReadLimit) {
		return fmt.Errorf("%w: frame over %d bytes", ErrLineTooLong, c.opts.MaxLineSize)
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) {
		return io.EOF
	}
	return err
}

// WriteLines sends each line as its own text frame. Frames of one call are
// never interleaved with frames of another.
func (c *WSConn) WriteLines(lines ...string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.opts.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
			return err
		}
	}
	for _, line := range lines {
		if err := c.conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			return err
		}
	}
	return nil
}

// keepAlive sends ping frames until the connection is closed. WriteControl
// may run concurrently with WriteLines.
func (c *WSConn) keepAlive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.writeTimeout())
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				if !isExpectedCloseError(err) {
					slog.Warn("ws: ping failed", "addr", c.addr, "err", err)
				}
				return
			}
		}
	}
}

func (c *WSConn) writeTimeout() time.Duration {
	if c.opts.WriteTimeout > 0 {
		return c.opts.WriteTimeout
	}
	return defaultWriteTimeout
}

// Close sends a close frame when possible and closes the socket once.
func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the peer address recorded at upgrade time.
func (c *WSConn) RemoteAddr() string {
	return c.addr
}
