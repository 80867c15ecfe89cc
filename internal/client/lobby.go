package client

import (
	"sync"

	"keylobby/internal/proto"
)

// Lobby is the client's view of who is online. A snapshot replaces it
// wholesale; deltas only apply once a snapshot has been taken.
type Lobby struct {
	mu      sync.RWMutex
	synced  bool
	members map[proto.Identity]struct{}
}

func NewLobby() *Lobby {
	return &Lobby{members: make(map[proto.Identity]struct{})}
}

func (l *Lobby) Replace(ids []proto.Identity) {
	members := make(map[proto.Identity]struct{}, len(ids))
	for _, id := range ids {
		members[id] = struct{}{}
	}
	l.mu.Lock()
	l.members = members
	l.synced = true
	l.mu.Unlock()
}

// Apply reports false when the delta was ignored because no snapshot has
// been taken since the last reset.
func (l *Lobby) Apply(joined, left []proto.Identity) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.synced {
		return false
	}
	for _, id := range left {
		delete(l.members, id)
	}
	for _, id := range joined {
		l.members[id] = struct{}{}
	}
	return true
}

// Reset discards the view until the next snapshot.
func (l *Lobby) Reset() {
	l.mu.Lock()
	l.members = make(map[proto.Identity]struct{})
	l.synced = false
	l.mu.Unlock()
}

func (l *Lobby) Synced() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.synced
}

func (l *Lobby) Online(id proto.Identity) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.members[id]
	return ok
}

// Members returns the online identities in bytewise order.
func (l *Lobby) Members() []proto.Identity {
	l.mu.RLock()
	out := make([]proto.Identity, 0, len(l.members))
	for id := range l.members {
		out = append(out, id)
	}
	l.mu.RUnlock()
	proto.SortIdentities(out)
	return out
}

func (l *Lobby) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.members)
}
