// Package server implements newline-framed line transports over byte
// streams such as TCP connections and SSH channels.
package server

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"time"
)

// LineConn is a bidirectional, newline-delimited text transport for one
// client. WriteLines must deliver all of its lines as one uninterrupted
// write; ReadLine returns io.EOF once the peer has finished sending.
type LineConn interface {
	ReadLine() (string, error)
	WriteLines(lines ...string) error
	Close() error
	RemoteAddr() string
}

// ConnOptions bounds a line transport.
type ConnOptions struct {
	MaxLineSize  int64
	WriteTimeout time.Duration
}

func connOptionsFrom(cfg Config) ConnOptions {
	return ConnOptions{MaxLineSize: cfg.MaxLineSize, WriteTimeout: cfg.WriteTimeout}
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// StreamConn frames an io.ReadWriteCloser into lines.
type StreamConn struct {
	rwc  io.ReadWriteCloser
	addr string
	opts ConnOptions

	r *bufio.Reader

	wmu sync.Mutex
	w   *bufio.Writer

	closeOnce sync.Once
	closeErr  error
}

// NewStreamConn wraps rwc. Write deadlines are applied when rwc supports them.
func NewStreamConn(rwc io.ReadWriteCloser, remoteAddr string, opts ConnOptions) *StreamConn {
	if opts.MaxLineSize <= 0 {
		opts.MaxLineSize = defaultMaxLineSize
	}
	return &StreamConn{
		rwc:  rwc,
		addr: remoteAddr,
		opts: opts,
		r:    bufio.NewReader(rwc),
		w:    bufio.NewWriter(rwc),
	}
}

// ReadLine returns the next line without its terminator. A trailing "\r" is
// dropped and invalid UTF-8 is replaced. A final line without a newline is
// returned before io.EOF.
func (c *StreamConn) ReadLine() (string, error) {
	var line []byte
	for {
		chunk, err := c.r.ReadSlice('\n')
		line = append(line, chunk...)
		if int64(len(line)) > c.opts.MaxLineSize+2 {
			return "", ErrLineTooLong
		}

		switch {
		case err == nil:
			return c.finishLine(line)
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			return c.finishLine(line)
		default:
			return "", err
		}
	}
}

func (c *StreamConn) finishLine(line []byte) (string, error) {
	line = bytes.TrimSuffix(line, []byte{'\n'})
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if int64(len(line)) > c.opts.MaxLineSize {
		return "", ErrLineTooLong
	}
	return strings.ToValidUTF8(string(line), "�"), nil
}

// WriteLines writes every line followed by "\n" and flushes once.
func (c *StreamConn) WriteLines(lines ...string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if d, ok := c.rwc.(writeDeadliner); ok && c.opts.WriteTimeout > 0 {
		if err := d.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
			return err
		}
	}

	for _, line := range lines {
		if _, err := c.w.WriteString(line); err != nil {
			return err
		}
		if err := c.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return c.w.Flush()
}

// Close closes the underlying stream once.
func (c *StreamConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rwc.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the peer address given at construction.
func (c *StreamConn) RemoteAddr() string {
	return c.addr
}
