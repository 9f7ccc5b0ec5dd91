// Package testhelpers provides common utilities and helper functions for testing the relaychat server.
//
// It offers line-protocol clients for TCP, WebSocket dialing, and HTTP
// assertions shared between the server and client package tests.
package testhelpers

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultTimeout bounds every blocking helper.
const DefaultTimeout = 2 * time.Second

// LineClient is a raw TCP client speaking the newline protocol.
type LineClient struct {
	Conn net.Conn
	r    *bufio.Reader
}

// DialLine connects to addr and fails the test on error.
func DialLine(t *testing.T, addr string) *LineClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, DefaultTimeout)
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", addr, err)
	}
	return NewLineClient(t, conn)
}

// NewLineClient wraps an already connected conn, such as one end of net.Pipe.
func NewLineClient(t *testing.T, conn net.Conn) *LineClient {
	t.Helper()
	t.Cleanup(func() { _ = conn.Close() })
	return &LineClient{Conn: conn, r: bufio.NewReader(conn)}
}

// Join sends name and consumes the welcome line plus historyLen history
// lines, which it returns.
func (c *LineClient) Join(t *testing.T, name string, historyLen int) []string {
	t.Helper()
	c.Send(t, name)
	if welcome := c.ReadLine(t); welcome != "Welcome to chat! Type a message" {
		t.Fatalf("Expected welcome line, got %q", welcome)
	}
	return c.ReadLines(t, historyLen)
}

// Send writes one line.
func (c *LineClient) Send(t *testing.T, line string) {
	t.Helper()
	if err := c.Conn.SetWriteDeadline(time.Now().Add(DefaultTimeout)); err != nil {
		t.Fatalf("Failed to set write deadline: %v", err)
	}
	if _, err := c.Conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("Failed to send %q: %v", line, err)
	}
}

// ReadLine reads one line within DefaultTimeout.
func (c *LineClient) ReadLine(t *testing.T) string {
	t.Helper()
	line, err := c.TryReadLine(DefaultTimeout)
	if err != nil {
		t.Fatalf("Failed to read line: %v", err)
	}
	return line
}

// TryReadLine reads one line, returning the error instead of failing.
func (c *LineClient) TryReadLine(timeout time.Duration) (string, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

// ReadLines reads exactly n lines.
func (c *LineClient) ReadLines(t *testing.T, n int) []string {
	t.Helper()
	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		lines = append(lines, c.ReadLine(t))
	}
	return lines
}

// ExpectLine fails unless the next line equals want.
func (c *LineClient) ExpectLine(t *testing.T, want string) {
	t.Helper()
	if got := c.ReadLine(t); got != want {
		t.Errorf("Expected line %q, got %q", want, got)
	}
}

// ExpectNoLine fails if any line arrives within wait.
func (c *LineClient) ExpectNoLine(t *testing.T, wait time.Duration) {
	t.Helper()
	line, err := c.TryReadLine(wait)
	if err == nil {
		t.Errorf("Expected no line, got %q", line)
		return
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Errorf("Expected read timeout, got %v", err)
	}
}

// ExpectClosed fails unless the server closes the connection within DefaultTimeout.
func (c *LineClient) ExpectClosed(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(DefaultTimeout)
	for time.Now().Before(deadline) {
		_, err := c.TryReadLine(time.Until(deadline))
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			break
		}
		return
	}
	t.Error("Expected connection to be closed by the server")
}

// Eventually polls cond until it holds or DefaultTimeout passes.
func Eventually(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(DefaultTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Condition not met within %s: %s", DefaultTimeout, msg)
}

// ConnectWebSocket creates a WebSocket connection to the specified URL.
// origin is sent as the Origin header when non-empty.
func ConnectWebSocket(url, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// ReadWebSocketLine reads one text frame within DefaultTimeout.
func ReadWebSocketLine(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(DefaultTimeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read WebSocket frame: %v", err)
	}
	return string(data)
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response Content-Type starts with expected.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, expected) {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest creates and executes an HTTP request, returning the response.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}

	return resp
}
