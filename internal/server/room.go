package server

import "sync"

// Room ties the shared history to the hub. Every session of a server is
// bound to the same Room.
type Room struct {
	mu      sync.Mutex
	history HistoryStore
	hub     *Hub
}

// NewRoom creates a Room over the given history and hub.
func NewRoom(history HistoryStore, hub *Hub) *Room {
	return &Room{history: history, hub: hub}
}

// Hub returns the room's hub.
func (r *Room) Hub() *Hub {
	return r.hub
}

// History returns the room's history store.
func (r *Room) History() HistoryStore {
	return r.history
}

// Post appends msg.Text to history and then publishes msg. Both happen under
// one lock so history order matches delivery order. It returns the number
// of subscribers the message was queued for.
func (r *Room) Post(msg Message) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.history.Append(msg.Text)
	return r.hub.Publish(msg)
}

// Join snapshots history and subscribes id in one step, so every message is
// either part of the returned history or delivered on the subscription,
// never both.
func (r *Room) Join(id ConnectionID) ([]string, *Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, err := r.hub.Subscribe(id)
	if err != nil {
		return nil, nil, err
	}
	return r.history.Snapshot(), sub, nil
}
