// Package server defines shared message types, sentinel errors, and utility
// helpers that are reused across hub, session, and transport logic.
package server

import (
	"errors"
	"io"
	"net"
	"strings"

	"github.com/google/uuid"
)

// ConnectionID identifies one live connection. It is only used to keep a
// sender from receiving its own broadcast, never for addressing.
type ConnectionID string

// NewConnectionID returns a fresh, process-unique ConnectionID.
func NewConnectionID() ConnectionID {
	return ConnectionID(uuid.NewString())
}

// Message is a rendered chat line together with the connection that sent it.
type Message struct {
	Origin ConnectionID
	Text   string
}

var (
	// ErrHubClosed is returned once the hub has been shut down.
	ErrHubClosed = errors.New("hub closed")

	// ErrUnsubscribed is reported by a subscription closed by its owner.
	ErrUnsubscribed = errors.New("subscription closed")

	// ErrSlowConsumer is returned to a subscriber evicted by the Disconnect
	// overflow policy.
	ErrSlowConsumer = errors.New("subscriber evicted: send queue full")

	// ErrLineTooLong is returned when a peer sends a line over MaxLineSize.
	ErrLineTooLong = errors.New("line exceeds maximum size")

	// ErrServerClosed is returned by Serve after Shutdown.
	ErrServerClosed = errors.New("server closed")
)

// render formats a chat line the way it is stored in history and sent on the wire.
func render(name, text string) string {
	return name + ": " + text
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "connection reset by peer") ||
		strings.Contains(errStr, "broken pipe")
}
