// Package client is the terminal side of relaychat: a TCP line connection
// that announces a name and streams received lines.
package client

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
)

const maxLineSize = 64 * 1024

// Conn is a joined chat connection.
type Conn struct {
	conn  net.Conn
	lines chan string

	wmu sync.Mutex
	w   *bufio.Writer

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

// Dial connects to addr and sends name as the first line.
func Dial(ctx context.Context, addr, name string) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := &Conn{
		conn:  nc,
		lines: make(chan string, 64),
		w:     bufio.NewWriter(nc),
	}
	if err := c.writeLine(singleLine(name)); err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("send name: %w", err)
	}

	go c.readLoop()
	return c, nil
}

func (c *Conn) readLoop() {
	defer close(c.lines)

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 4096), maxLineSize)
	for scanner.Scan() {
		c.lines <- strings.TrimSuffix(scanner.Text(), "\r")
	}
	if err := scanner.Err(); err != nil {
		c.setErr(err)
	}
}

// Lines delivers every line the server sends. It is closed when the
// connection ends; Err then reports a read failure, if any.
func (c *Conn) Lines() <-chan string {
	return c.lines
}

// Err returns the read error that ended the connection, or nil.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Send transmits text as one chat line. Embedded newlines become spaces.
func (c *Conn) Send(text string) error {
	return c.writeLine(singleLine(text))
}

func (c *Conn) writeLine(line string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if _, err := c.w.WriteString(line); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	return c.w.Flush()
}

// Close ends the connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// DefaultName picks the display name from $USERNAME, then $USER, then "Unknown".
func DefaultName() string {
	if name := os.Getenv("USERNAME"); name != "" {
		return name
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "Unknown"
}

func singleLine(s string) string {
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
}
