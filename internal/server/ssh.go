// Package server implements the SSH gateway: every SSH shell or exec session
// becomes a chat connection speaking the line protocol.
package server

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

const sshHandshakeTimeout = 10 * time.Second

// SSHGateway accepts SSH connections without client authentication. The
// pty-req is refused so clients stay in line-buffered mode; connect with
// `ssh -T -p <port> host`.
type SSHGateway struct {
	config *ssh.ServerConfig
	ln     net.Listener
	server *Server
	opts   ConnOptions

	mu     sync.Mutex
	closed bool
	conns  map[*ssh.ServerConn]struct{}
}

// ListenSSH binds addr for the SSH gateway.
func ListenSSH(addr string, hostKey ssh.Signer, srv *Server) (*SSHGateway, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen ssh %s: %w", addr, err)
	}
	return NewSSHGateway(ln, hostKey, srv), nil
}

// NewSSHGateway serves SSH on an existing listener.
func NewSSHGateway(ln net.Listener, hostKey ssh.Signer, srv *Server) *SSHGateway {
	config := &ssh.ServerConfig{NoClientAuth: true}
	config.AddHostKey(hostKey)
	return &SSHGateway{
		config: config,
		ln:     ln,
		server: srv,
		opts:   connOptionsFrom(currentConfig()),
		conns:  make(map[*ssh.ServerConn]struct{}),
	}
}

// Addr returns the bound address.
func (g *SSHGateway) Addr() net.Addr {
	return g.ln.Addr()
}

// Serve accepts SSH connections until ctx is cancelled or Close is called,
// then returns ErrServerClosed.
func (g *SSHGateway) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = g.Close() })
	defer stop()

	slog.Info("ssh: listening", "addr", g.ln.Addr().String())

	var backoff time.Duration
	for {
		conn, err := g.ln.Accept()
		if err != nil {
			if g.isClosed() || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			backoff = nextBackoff(backoff)
			slog.Error("ssh: accept failed; retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		go g.handleConnection(conn)
	}
}

// handleConnection upgrades conn to SSH and serves its session channels.
func (g *SSHGateway) handleConnection(conn net.Conn) {
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(sshHandshakeTimeout))
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, g.config)
	if err != nil {
		slog.Warn("ssh: handshake failed", "addr", conn.RemoteAddr().String(), "err", err)
		return
	}
	_ = conn.SetDeadline(time.Time{})
	defer sshConn.Close()

	if !g.track(sshConn) {
		return
	}
	defer g.untrack(sshConn)

	addr := sshConn.RemoteAddr().String()
	slog.Debug("ssh: connection established", "addr", addr, "user", sshConn.User())

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			slog.Warn("ssh: accept channel failed", "addr", addr, "err", err)
			continue
		}

		go g.handleSession(channel, requests, addr)
	}
}

// handleSession waits for a shell or exec request, then runs a chat session
// on the channel.
func (g *SSHGateway) handleSession(channel ssh.Channel, requests <-chan *ssh.Request, addr string) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "shell", "exec":
			_ = req.Reply(true, nil)
			go ssh.DiscardRequests(requests)

			g.server.ServeConn(NewStreamConn(channel, addr, g.opts))
			return
		case "pty-req":
			_ = req.Reply(false, nil)
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (g *SSHGateway) track(c *ssh.ServerConn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.conns[c] = struct{}{}
	return true
}

func (g *SSHGateway) untrack(c *ssh.ServerConn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, c)
}

// Close stops accepting and drops every open SSH connection.
func (g *SSHGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	for c := range g.conns {
		_ = c.Close()
	}
	return g.ln.Close()
}

func (g *SSHGateway) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// LoadOrGenerateHostKey loads the PEM host key at path, creating an ed25519
// key there (mode 0600) when the file does not exist.
func LoadOrGenerateHostKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		slog.Info("ssh: loading host key", "path", path)
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse host key %q: %w", path, err)
		}
		return signer, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read host key %q: %w", path, err)
	}

	slog.Info("ssh: generating host key", "path", path)
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "relaychat host key")
	if err != nil {
		return nil, fmt.Errorf("marshal host key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create host key directory: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("write host key %q: %w", path, err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("create signer from key: %w", err)
	}
	return signer, nil
}
