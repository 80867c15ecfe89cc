package routing

import (
	"testing"
	"time"
)

func TestSeenCacheExpiry(t *testing.T) {
	c := newSeenCache(4, 20*time.Millisecond)
	key := [32]byte{1}
	c.set(key, seenQueued)
	if got := c.get(key); got != seenQueued {
		t.Fatalf("expected queued, got %d", got)
	}
	time.Sleep(60 * time.Millisecond)
	if got := c.get(key); got != seenNone {
		t.Fatalf("expected expiry, got %d", got)
	}
}

func TestSeenCacheEvictsOldest(t *testing.T) {
	c := newSeenCache(2, time.Hour)
	a, b, d := [32]byte{1}, [32]byte{2}, [32]byte{3}
	c.set(a, seenDelivered)
	c.set(b, seenDelivered)
	c.set(d, seenDelivered)
	if c.len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.len())
	}
	if c.get(a) != seenNone {
		t.Fatalf("expected oldest evicted")
	}
	if c.get(d) != seenDelivered {
		t.Fatalf("expected newest kept")
	}
}

func TestSeenCacheStateUpdateAndForget(t *testing.T) {
	c := newSeenCache(4, time.Hour)
	key := [32]byte{7}
	c.set(key, seenQueued)
	c.set(key, seenDelivered)
	if got := c.get(key); got != seenDelivered {
		t.Fatalf("expected delivered after update, got %d", got)
	}
	if c.len() != 1 {
		t.Fatalf("expected a single entry, got %d", c.len())
	}
	c.forget(key)
	if got := c.get(key); got != seenNone {
		t.Fatalf("expected forgotten, got %d", got)
	}
}
