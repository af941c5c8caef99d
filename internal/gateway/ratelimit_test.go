package gateway

import (
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestRateLimiterAllowsWithinWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Close()

	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if !rl.Allow("u1") || !rl.Allow("u1") {
		t.Fatal("expected first two requests to be allowed")
	}
	if rl.Allow("u1") {
		t.Fatal("expected third request to be limited")
	}
	if !rl.Allow("u2") {
		t.Fatal("expected other users to be unaffected")
	}

	now = now.Add(time.Minute + time.Second)
	if !rl.Allow("u1") {
		t.Fatal("expected request after window to be allowed")
	}
}

func TestRateLimiterEvictsIdleKeys(t *testing.T) {
	rl := NewRateLimiter(1, time.Hour)
	defer rl.Close()

	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	rl.Allow("u1")

	now = now.Add(2 * time.Hour)
	rl.evict()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.requests["u1"]; ok {
		t.Fatal("expected idle key to be evicted")
	}
}

func TestRateLimiterCloseIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(1, time.Second)
	rl.Close()
	rl.Close()
}

func TestConnRegistryUnregisterStale(t *testing.T) {
	reg := newConnRegistry()
	// Zero-value conns are only compared here, never used.
	conn1 := &websocket.Conn{}
	conn2 := &websocket.Conn{}

	reg.register("user", "tab-1", conn1)
	reg.register("user", "tab-2", conn2)
	reg.unregister("user", "tab-2", conn1)

	if reg.count() != 2 {
		t.Fatalf("stale unregister removed a live connection, count = %d", reg.count())
	}

	reg.unregister("user", "tab-1", conn1)
	reg.unregister("user", "tab-2", conn2)
	if reg.count() != 0 {
		t.Fatalf("expected empty registry, got %d", reg.count())
	}
}
