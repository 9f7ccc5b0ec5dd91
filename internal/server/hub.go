// Package server coordinates subscription, lossy fan-out, and shutdown for
// the chat broadcast via the Hub type.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// DefaultSubscriberBuffer is the per-subscription queue depth.
const DefaultSubscriberBuffer = 16

// OverflowPolicy decides what happens when a subscriber's queue is full at
// publish time. Every policy is lossy: Publish never waits for a consumer.
type OverflowPolicy int

const (
	// DropNewest discards the incoming message for the full subscriber.
	DropNewest OverflowPolicy = iota
	// DropOldest discards the oldest queued message to make room.
	DropOldest
	// Disconnect evicts the full subscriber; its Recv returns ErrSlowConsumer.
	Disconnect
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropNewest:
		return "drop-newest"
	case DropOldest:
		return "drop-oldest"
	case Disconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("OverflowPolicy(%d)", int(p))
	}
}

// ParseOverflowPolicy parses the names produced by OverflowPolicy.String.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop-newest":
		return DropNewest, nil
	case "drop-oldest":
		return DropOldest, nil
	case "disconnect":
		return Disconnect, nil
	default:
		return DropNewest, fmt.Errorf("unknown overflow policy %q: want drop-newest|drop-oldest|disconnect", s)
	}
}

// HubOptions configures a Hub.
type HubOptions struct {
	// Buffer is the queue depth of each subscription. Defaults to 16.
	Buffer int
	// Overflow is applied when a subscription queue is full.
	Overflow OverflowPolicy
}

// HubStats is a point-in-time view of hub counters.
type HubStats struct {
	Subscribers int
	Published   uint64
	Delivered   uint64
	Dropped     uint64
	Evicted     uint64
}

// Hub fans published messages out to every subscription except the one
// that sent them. Subscribe, Publish, and Close are safe for concurrent use;
// publishes are serialized so every subscriber sees the same relative order.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool

	publishMu sync.Mutex

	buffer   int
	overflow OverflowPolicy

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	evicted   atomic.Uint64
}

// NewHub creates a Hub ready to accept subscriptions.
func NewHub(opts HubOptions) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultSubscriberBuffer
	}
	return &Hub{
		subs:     make(map[*Subscription]struct{}),
		buffer:   opts.Buffer,
		overflow: opts.Overflow,
	}
}

// Subscribe registers a new subscription for the connection id. Messages
// whose Origin equals id are never delivered to it.
func (h *Hub) Subscribe(id ConnectionID) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}

	sub := &Subscription{
		id:  id,
		ch:  make(chan Message, h.buffer),
		hub: h,
	}
	h.subs[sub] = struct{}{}
	slog.Debug("hub: subscribed", "id", id, "subscribers", len(h.subs))
	return sub, nil
}

// Publish delivers msg to every subscriber other than msg.Origin and returns
// the number of queues it landed in. It never blocks on consumers. Having no
// other subscriber is not an error: the broadcast succeeds with zero deliveries.
func (h *Hub) Publish(msg Message) int {
	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	h.published.Add(1)

	var evict []*Subscription
	delivered := 0

	h.mu.RLock()
	for sub := range h.subs {
		if sub.id == msg.Origin {
			continue
		}
		if h.safeSend(sub, msg) {
			delivered++
		} else if h.overflow == Disconnect {
			evict = append(evict, sub)
		}
	}
	h.mu.RUnlock()

	h.delivered.Add(uint64(delivered))
	h.removeFailedSubscribers(evict)
	return delivered
}

// safeSend queues msg on sub without blocking. It must be called with h.mu
// held for reading so sub.ch cannot be closed underneath it.
func (h *Hub) safeSend(sub *Subscription, msg Message) bool {
	select {
	case sub.ch <- msg:
		return true
	default:
	}

	if h.overflow == DropOldest {
		// publishMu makes this the only producer, so after one receive there is room.
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
			h.dropped.Add(1)
		default:
		}
		select {
		case sub.ch <- msg:
			return true
		default:
		}
	}

	sub.dropped.Add(1)
	h.dropped.Add(1)
	return false
}

// removeFailedSubscribers evicts subscribers whose queue was full under the
// Disconnect policy.
func (h *Hub) removeFailedSubscribers(subs []*Subscription) {
	for _, sub := range subs {
		if h.remove(sub, ErrSlowConsumer) {
			h.evicted.Add(1)
			slog.Warn("hub: subscriber removed due to full send queue", "id", sub.id)
		}
	}
}

// remove unregisters sub and closes its channel with cause. It reports
// whether sub was still registered.
func (h *Hub) remove(sub *Subscription, cause error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub]; !ok {
		return false
	}
	delete(h.subs, sub)
	sub.err = cause
	close(sub.ch)
	return true
}

// Close shuts the hub down. Every subscription's Recv returns ErrHubClosed
// once its queue drains, and later Subscribe calls fail.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		sub.err = ErrHubClosed
		close(sub.ch)
	}
	slog.Info("hub: closed")
}

// Count returns the number of live subscriptions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Stats returns the hub counters.
func (h *Hub) Stats() HubStats {
	return HubStats{
		Subscribers: h.Count(),
		Published:   h.published.Load(),
		Delivered:   h.delivered.Load(),
		Dropped:     h.dropped.Load(),
		Evicted:     h.evicted.Load(),
	}
}

// Subscription is the receiving end of a Hub for one connection.
type Subscription struct {
	id      ConnectionID
	ch      chan Message
	hub     *Hub
	err     error // written under hub.mu before ch is closed
	dropped atomic.Uint64
}

// ID returns the connection the subscription belongs to.
func (s *Subscription) ID() ConnectionID {
	return s.id
}

// C exposes the delivery channel for use in select statements. It is closed
// when the subscription ends; Err then reports why.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Recv waits for the next message. It returns ErrHubClosed after hub
// shutdown, ErrSlowConsumer after eviction, or ctx.Err() on cancellation.
func (s *Subscription) Recv(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return Message{}, s.Err()
		}
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Err reports why the subscription channel was closed, or nil while it is open.
func (s *Subscription) Err() error {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	return s.err
}

// Dropped returns how many messages were lost for this subscription.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	if s.hub.remove(s, ErrUnsubscribed) {
		slog.Debug("hub: unsubscribed", "id", s.id)
	}
}
