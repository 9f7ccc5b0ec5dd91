// Package server keeps the bounded chat history that is replayed to every
// newly joined connection.
package server

import "sync"

// DefaultHistoryCapacity is the number of rendered messages kept for replay.
const DefaultHistoryCapacity = 100

// HistoryStore is the storage a Room appends rendered messages to and
// snapshots from when a connection joins.
type HistoryStore interface {
	Append(rendered string)
	Snapshot() []string
}

// History is a fixed-capacity FIFO ring of rendered messages. It is safe for
// concurrent use by any number of appenders and readers.
type History struct {
	mu       sync.RWMutex
	entries  []string
	head     int
	size     int
	capacity int
}

// NewHistory creates an empty History holding at most capacity entries.
// A non-positive capacity falls back to DefaultHistoryCapacity.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{
		entries:  make([]string, capacity),
		capacity: capacity,
	}
}

// Append stores rendered at the tail, evicting the oldest entry when full.
func (h *History) Append(rendered string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.size < h.capacity {
		h.entries[(h.head+h.size)%h.capacity] = rendered
		h.size++
		return
	}

	h.entries[h.head] = rendered
	h.head = (h.head + 1) % h.capacity
}

// Snapshot returns a copy of all stored entries, oldest first.
func (h *History) Snapshot() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.entries[(h.head+i)%h.capacity]
	}
	return out
}

// Len reports how many entries are stored.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Capacity reports the maximum number of entries kept.
func (h *History) Capacity() int {
	return h.capacity
}
