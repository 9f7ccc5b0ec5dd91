package server

import (
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/Tyrowin/relaychat/internal/testhelpers"
)

// TestCreateServerTimeouts keeps header and idle timeouts and leaves writes
// unbounded for long-lived WebSocket sessions.
func TestCreateServerTimeouts(t *testing.T) {
	s := CreateServer(":0", http.NotFoundHandler())

	if s.ReadHeaderTimeout != 15*time.Second || s.IdleTimeout != 60*time.Second {
		t.Errorf("Timeouts = %s/%s, want 15s/60s", s.ReadHeaderTimeout, s.IdleTimeout)
	}
	if s.WriteTimeout != 0 {
		t.Errorf("WriteTimeout = %s, want none", s.WriteTimeout)
	}
}

// TestStartAndShutdownServer serves the routes and stops cleanly.
func TestStartAndShutdownServer(t *testing.T) {
	reserve, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to reserve a port: %v", err)
	}
	addr := reserve.Addr().String()
	_ = reserve.Close()

	srv := New(*NewConfig())
	httpSrv := CreateServer(addr, SetupRoutes(srv))

	started := make(chan error, 1)
	go func() { started <- StartServer(httpSrv) }()

	testhelpers.Eventually(t, "HTTP server answers", func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	if err := ShutdownServer(httpSrv, time.Second); err != nil {
		t.Fatalf("ShutdownServer failed: %v", err)
	}
	select {
	case err := <-started:
		if err != nil {
			t.Errorf("StartServer returned %v after shutdown, want nil", err)
		}
	case <-time.After(testhelpers.DefaultTimeout):
		t.Fatal("StartServer did not return after shutdown")
	}
}
