package server

import (
	"context"
	"errors"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/Tyrowin/relaychat/internal/testhelpers"
)

type sessionHarness struct {
	room    *Room
	history *History
	session *Session
	client  *testhelpers.LineClient
	done    chan error
	cancel  context.CancelFunc
}

// startSession runs a Session over one end of a net.Pipe and returns the
// harness with a line client on the other end.
func startSession(t *testing.T, room *Room) *sessionHarness {
	t.Helper()
	serverSide, clientSide := net.Pipe()

	session := NewSession(NewStreamConn(serverSide, "pipe", ConnOptions{WriteTimeout: time.Second}), room)
	ctx, cancel := context.WithCancel(context.Background())
	h := &sessionHarness{
		room:    room,
		session: session,
		client:  testhelpers.NewLineClient(t, clientSide),
		done:    make(chan error, 1),
		cancel:  cancel,
	}
	if hist, ok := room.History().(*History); ok {
		h.history = hist
	}
	go func() { h.done <- session.Run(ctx) }()
	t.Cleanup(cancel)
	return h
}

func (h *sessionHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(testhelpers.DefaultTimeout):
		t.Fatal("Session did not finish in time")
		return nil
	}
}

func newTestRoom() *Room {
	return NewRoom(NewHistory(DefaultHistoryCapacity), NewHub(HubOptions{}))
}

// TestSessionClosesQuietlyWithoutName verifies a client that leaves before
// naming itself ends the session normally without touching the room.
func TestSessionClosesQuietlyWithoutName(t *testing.T) {
	h := startSession(t, newTestRoom())

	_ = h.client.Conn.Close()

	if err := h.wait(t); err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}
	if h.session.State() != StateClosed {
		t.Errorf("State() = %v, want closed", h.session.State())
	}
	if h.room.Hub().Count() != 0 || h.history.Len() != 0 {
		t.Error("Session without a name changed the room")
	}
}

// TestSessionJoinReplaysHistory verifies the welcome line is followed by the
// full history, oldest first.
func TestSessionJoinReplaysHistory(t *testing.T) {
	room := newTestRoom()
	room.Post(Message{Origin: "x", Text: "Xena: one"})
	room.Post(Message{Origin: "y", Text: "Yuri: two"})

	h := startSession(t, room)
	got := h.client.Join(t, "Ann", 2)

	if want := []string{"Xena: one", "Yuri: two"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Replayed history = %q, want %q", got, want)
	}
	testhelpers.Eventually(t, "session becomes active", func() bool {
		return h.session.State() == StateActive
	})
}

// TestSessionNameThenDisconnect checks that naming yourself and leaving
// produces no broadcast and no history entry.
func TestSessionNameThenDisconnect(t *testing.T) {
	room := newTestRoom()
	_, observer, err := room.Join("observer")
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	h := startSession(t, room)
	h.client.Join(t, "Ann", 0)
	_ = h.client.Conn.Close()

	if err := h.wait(t); err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}
	expectEmpty(t, observer)
	if h.history.Len() != 0 {
		t.Errorf("History has %d entries, want 0", h.history.Len())
	}
	if room.Hub().Count() != 1 {
		t.Errorf("Hub has %d subscribers after the session ended, want 1", room.Hub().Count())
	}
}

// TestSessionRelaysRenderedLine verifies an inbound line is rendered as
// "<name>: <text>", stored, and published.
func TestSessionRelaysRenderedLine(t *testing.T) {
	room := newTestRoom()
	_, observer, err := room.Join("observer")
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	h := startSession(t, room)
	h.client.Join(t, "Ann", 0)
	h.client.Send(t, "hi")

	msg, err := recvWithin(t, observer, testhelpers.DefaultTimeout)
	if err != nil {
		t.Fatalf("Observer did not receive the line: %v", err)
	}
	if msg.Text != "Ann: hi" || msg.Origin != h.session.ID() {
		t.Errorf("Published %+v, want text %q from %q", msg, "Ann: hi", h.session.ID())
	}
	if got := h.history.Snapshot(); !reflect.DeepEqual(got, []string{"Ann: hi"}) {
		t.Errorf("History = %q, want [Ann: hi]", got)
	}
	h.client.ExpectNoLine(t, 100*time.Millisecond)
}

// TestSessionAcceptsAnyName keeps empty and duplicate names verbatim.
func TestSessionAcceptsAnyName(t *testing.T) {
	room := newTestRoom()
	_, observer, err := room.Join("observer")
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	first := startSession(t, room)
	first.client.Join(t, "", 0)
	second := startSession(t, room)
	second.client.Join(t, "", 0)

	first.client.Send(t, "one")
	expectQueued(t, observer, ": one")
	second.client.ExpectLine(t, ": one")
	second.client.Send(t, "two")
	expectQueued(t, observer, ": two")
}

// TestSessionDeliversOtherMessages verifies broadcasts from other origins
// are written to the client.
func TestSessionDeliversOtherMessages(t *testing.T) {
	room := newTestRoom()
	h := startSession(t, room)
	h.client.Join(t, "Ann", 0)

	room.Post(Message{Origin: "bob", Text: "Bob: hello"})
	h.client.ExpectLine(t, "Bob: hello")

	room.Post(Message{Origin: h.session.ID(), Text: "Ann: echo?"})
	h.client.ExpectNoLine(t, 100*time.Millisecond)
}

// TestSessionEndsOnHubClose verifies hub shutdown ends the session normally.
func TestSessionEndsOnHubClose(t *testing.T) {
	room := newTestRoom()
	h := startSession(t, room)
	h.client.Join(t, "Ann", 0)

	room.Hub().Close()

	if err := h.wait(t); err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}
	h.client.ExpectClosed(t)
}

// TestSessionEndsOnContextCancel verifies cancellation closes the transport
// and returns promptly, even during the handshake.
func TestSessionEndsOnContextCancel(t *testing.T) {
	h := startSession(t, newTestRoom())

	h.cancel()

	if err := h.wait(t); err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}
	h.client.ExpectClosed(t)
}

// TestSessionLineTooLong ends the session with an error.
func TestSessionLineTooLong(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	session := NewSession(NewStreamConn(serverSide, "pipe", ConnOptions{MaxLineSize: 8}), newTestRoom())
	client := testhelpers.NewLineClient(t, clientSide)

	done := make(chan error, 1)
	go func() { done <- session.Run(context.Background()) }()

	client.Join(t, "Ann", 0)
	go func() { _, _ = clientSide.Write([]byte("this line is far too long\n")) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrLineTooLong) {
			t.Errorf("Run returned %v, want ErrLineTooLong", err)
		}
	case <-time.After(testhelpers.DefaultTimeout):
		t.Fatal("Session did not end on an oversized line")
	}
}

// TestSessionRateLimit discards lines beyond the configured burst.
func TestSessionRateLimit(t *testing.T) {
	SetConfig(&Config{RateLimit: RateLimitConfig{Burst: 1, RefillInterval: time.Hour}})
	t.Cleanup(func() { SetConfig(nil) })

	room := newTestRoom()
	h := startSession(t, room)
	h.client.Join(t, "Ann", 0)

	h.client.Send(t, "first")
	h.client.Send(t, "second")
	_ = h.client.Conn.Close()
	_ = h.wait(t)

	if got := h.history.Snapshot(); !reflect.DeepEqual(got, []string{"Ann: first"}) {
		t.Errorf("History = %q, want only the first line", got)
	}
}

// TestSessionSlowConsumerEvicted verifies the Disconnect policy ends a
// session that stops reading.
func TestSessionSlowConsumerEvicted(t *testing.T) {
	room := NewRoom(NewHistory(10), NewHub(HubOptions{Buffer: 1, Overflow: Disconnect}))
	h := startSession(t, room)
	h.client.Join(t, "Ann", 0)

	// The client never reads, so the session blocks writing the first message
	// and its one-slot queue overflows on the third.
	for i := 0; i < 3; i++ {
		room.Post(Message{Origin: "bob", Text: "Bob: flood"})
	}

	testhelpers.Eventually(t, "subscriber evicted", func() bool {
		return room.Hub().Stats().Evicted == 1
	})
	_ = h.client.Conn.Close()

	if err := h.wait(t); err == nil {
		t.Error("Run returned nil, want an error for the evicted session")
	}
}
