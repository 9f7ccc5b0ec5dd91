package server

import (
	"testing"
	"time"
)

// TestRateLimiterDisabled returns nil, and a nil limiter allows everything.
func TestRateLimiterDisabled(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{})
	if rl != nil {
		t.Fatal("newRateLimiter with zero burst returned a limiter")
	}
	for i := 0; i < 100; i++ {
		if !rl.allow() {
			t.Fatal("nil limiter refused a line")
		}
	}
}

// TestRateLimiterBurstAndRefill spends the burst, then refills over time.
func TestRateLimiterBurstAndRefill(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := newRateLimiter(RateLimitConfig{Burst: 3, RefillInterval: 3 * time.Second})
	rl.now = func() time.Time { return now }
	rl.lastCheck = now

	for i := 0; i < 3; i++ {
		if !rl.allow() {
			t.Fatalf("Line %d of the burst refused", i+1)
		}
	}
	if rl.allow() {
		t.Error("Line beyond the burst allowed")
	}

	now = now.Add(time.Second)
	if !rl.allow() {
		t.Error("Token not refilled after one second")
	}
	if rl.allow() {
		t.Error("More than one token refilled after one second")
	}

	now = now.Add(time.Hour)
	allowed := 0
	for i := 0; i < 10; i++ {
		if rl.allow() {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("After a long idle %d lines allowed, want the burst of 3", allowed)
	}
}
