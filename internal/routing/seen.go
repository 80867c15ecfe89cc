package routing

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultSeenCap = 65536
	DefaultSeenTTL = 10 * time.Minute
)

type seenState uint8

const (
	seenNone seenState = iota
	seenQueued
	seenDelivered
)

// seenCache remembers the fate of recent message IDs so a client replaying
// its queue after a reconnect cannot cause a second delivery.
type seenCache struct {
	lru *expirable.LRU[[32]byte, seenState]
}

func newSeenCache(capacity int, ttl time.Duration) *seenCache {
	if capacity <= 0 {
		capacity = DefaultSeenCap
	}
	if ttl <= 0 {
		ttl = DefaultSeenTTL
	}
	return &seenCache{lru: expirable.NewLRU[[32]byte, seenState](capacity, nil, ttl)}
}

func (c *seenCache) get(key [32]byte) seenState {
	state, ok := c.lru.Get(key)
	if !ok {
		return seenNone
	}
	return state
}

// set records state and restarts the entry's TTL.
func (c *seenCache) set(key [32]byte, state seenState) {
	c.lru.Add(key, state)
}

func (c *seenCache) forget(key [32]byte) {
	c.lru.Remove(key)
}

func (c *seenCache) len() int {
	return c.lru.Len()
}
