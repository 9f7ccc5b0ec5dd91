package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/Tyrowin/relaychat/internal/testhelpers"
)

// startTCPServer applies cfg, binds an ephemeral port and serves it until the
// test ends.
func startTCPServer(t *testing.T, cfg *Config) (*Server, *Listener) {
	t.Helper()
	if cfg == nil {
		cfg = NewConfig()
	}
	cfg.Addr = "127.0.0.1:0"
	SetConfig(cfg)

	srv := New(CurrentConfig())
	ln, err := Listen(cfg.Addr, srv)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- ln.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-served:
		case <-time.After(testhelpers.DefaultTimeout):
			t.Error("Serve did not return after cancel")
		}
		if err := srv.Shutdown(testhelpers.DefaultTimeout); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
		SetConfig(nil)
	})
	return srv, ln
}

// TestChatScenario walks three clients through join, history replay and
// broadcast over real TCP connections.
func TestChatScenario(t *testing.T) {
	srv, ln := startTCPServer(t, nil)
	addr := ln.Addr().String()

	ann := testhelpers.DialLine(t, addr)
	ann.Join(t, "Ann", 0)
	bob := testhelpers.DialLine(t, addr)
	bob.Join(t, "Bob", 0)
	testhelpers.Eventually(t, "two subscribers", func() bool { return srv.Room().Hub().Count() == 2 })

	ann.Send(t, "hi")
	bob.ExpectLine(t, "Ann: hi")
	ann.ExpectNoLine(t, 100*time.Millisecond)

	bob.Send(t, "hello Ann")
	ann.ExpectLine(t, "Bob: hello Ann")

	carl := testhelpers.DialLine(t, addr)
	history := carl.Join(t, "Carl", 2)
	if want := []string{"Ann: hi", "Bob: hello Ann"}; !reflect.DeepEqual(history, want) {
		t.Errorf("Carl's history = %q, want %q", history, want)
	}

	carl.Send(t, "hey")
	ann.ExpectLine(t, "Carl: hey")
	bob.ExpectLine(t, "Carl: hey")
}

// TestHistoryCapacityOverTCP sends 150 lines and expects a newcomer to see
// only the last 100.
func TestHistoryCapacityOverTCP(t *testing.T) {
	srv, ln := startTCPServer(t, nil)
	addr := ln.Addr().String()

	ann := testhelpers.DialLine(t, addr)
	ann.Join(t, "Ann", 0)
	for i := 1; i <= 150; i++ {
		ann.Send(t, fmt.Sprintf("message %d", i))
	}
	testhelpers.Eventually(t, "150 messages published", func() bool {
		return srv.Room().Hub().Stats().Published == 150
	})

	bob := testhelpers.DialLine(t, addr)
	history := bob.Join(t, "Bob", 100)
	if history[0] != "Ann: message 51" || history[99] != "Ann: message 150" {
		t.Errorf("History spans %q..%q, want message 51..150", history[0], history[99])
	}
	bob.ExpectNoLine(t, 100*time.Millisecond)
}

// TestMaxConnections refuses a connection over the cap with a notice.
func TestMaxConnections(t *testing.T) {
	cfg := NewConfig()
	cfg.MaxConnections = 1
	srv, ln := startTCPServer(t, cfg)
	addr := ln.Addr().String()

	first := testhelpers.DialLine(t, addr)
	first.Join(t, "Ann", 0)
	testhelpers.Eventually(t, "first session admitted", func() bool { return srv.SessionCount() == 1 })

	second := testhelpers.DialLine(t, addr)
	second.ExpectLine(t, fullLine)
	second.ExpectClosed(t)

	if got := srv.Metrics().rejected.Load(); got != 1 {
		t.Errorf("Rejected counter = %d, want 1", got)
	}

	_ = first.Conn.Close()
	testhelpers.Eventually(t, "slot freed", func() bool { return srv.SessionCount() == 0 })

	third := testhelpers.DialLine(t, addr)
	third.Join(t, "Carl", 0)
}

// TestListenBindFailure returns an error when the address is taken.
func TestListenBindFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to reserve a port: %v", err)
	}
	defer taken.Close()

	if _, err := Listen(taken.Addr().String(), New(*NewConfig())); err == nil {
		t.Error("Listen on a bound address succeeded, want error")
	}
}

// TestServeReturnsErrServerClosed verifies Close stops Serve with the
// sentinel error.
func TestServeReturnsErrServerClosed(t *testing.T) {
	srv := New(*NewConfig())
	ln, err := Listen("127.0.0.1:0", srv)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	served := make(chan error, 1)
	go func() { served <- ln.Serve(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	if err := ln.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := ln.Close(); err != nil {
		t.Errorf("Second Close returned %v, want nil", err)
	}

	select {
	case err := <-served:
		if !errors.Is(err, ErrServerClosed) {
			t.Errorf("Serve returned %v, want ErrServerClosed", err)
		}
	case <-time.After(testhelpers.DefaultTimeout):
		t.Fatal("Serve did not return after Close")
	}
}

// TestShutdownClosesClients verifies server shutdown ends every session and
// refuses late connections handed to ServeConn.
func TestShutdownClosesClients(t *testing.T) {
	srv, ln := startTCPServer(t, nil)
	addr := ln.Addr().String()

	ann := testhelpers.DialLine(t, addr)
	ann.Join(t, "Ann", 0)
	bob := testhelpers.DialLine(t, addr)
	bob.Join(t, "Bob", 0)
	testhelpers.Eventually(t, "two sessions", func() bool { return srv.SessionCount() == 2 })

	if err := srv.Shutdown(testhelpers.DefaultTimeout); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	ann.ExpectClosed(t)
	bob.ExpectClosed(t)
	if srv.SessionCount() != 0 {
		t.Errorf("SessionCount() = %d after shutdown, want 0", srv.SessionCount())
	}

	late := testhelpers.DialLine(t, addr)
	late.ExpectClosed(t)
}

// TestNextBackoff doubles from the minimum and caps at the maximum.
func TestNextBackoff(t *testing.T) {
	var d time.Duration
	want := []time.Duration{
		5 * time.Millisecond,
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
	}
	for i, w := range want {
		d = nextBackoff(d)
		if d != w {
			t.Errorf("Step %d: nextBackoff = %s, want %s", i, d, w)
		}
	}
	for i := 0; i < 20; i++ {
		d = nextBackoff(d)
	}
	if d != maxAcceptBackoff {
		t.Errorf("nextBackoff did not cap: got %s, want %s", d, maxAcceptBackoff)
	}
}
