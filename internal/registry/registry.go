// Package registry is the authoritative map from identity to live connection.
//
// Every mutation returns a Change describing what observers must be told and
// the handles that must be told it, captured while the lock was held. Callers
// broadcast from the Change after the mutation has returned, so the registry
// lock never spans network I/O.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"keylobby/internal/proto"
)

var (
	ErrRejected = errors.New("registry: add rejected")
	// ErrSendQueueFull is returned by Handle.Send when the connection is alive
	// but its outbound queue has no room.
	ErrSendQueueFull = errors.New("registry: send queue full")
)

// Handle is one connection's outbound side. Implementations must be
// comparable (pointer types) and Send must not block on the network.
type Handle interface {
	Send(payload []byte) error
	Close(reason string) error
}

type Record struct {
	Identity    proto.Identity
	Handle      Handle
	ConnectedAt time.Time
}

// Change is the observable effect of a single mutation.
type Change struct {
	Joined     *Record
	Left       []Record
	Superseded bool
	// Recipients holds every registered record other than the subjects of
	// the change.
	Recipients []Record
}

func (c Change) Empty() bool {
	return c.Joined == nil && len(c.Left) == 0
}

func (c Change) LeftIdentities() []proto.Identity {
	out := make([]proto.Identity, 0, len(c.Left))
	for _, rec := range c.Left {
		out = append(out, rec.Identity)
	}
	return out
}

type Options struct {
	MaxEntries int
	Now        func() time.Time
}

type Registry struct {
	mu      sync.RWMutex
	entries map[proto.Identity]*Record
	max     int
	now     func() time.Time
}

func New(opts Options) *Registry {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		entries: make(map[proto.Identity]*Record),
		max:     opts.MaxEntries,
		now:     now,
	}
}

// Add registers id on h. An existing entry for id is superseded: its handle
// is closed and the Change reports both the departure and the arrival.
func (r *Registry) Add(id proto.Identity, h Handle) (Change, error) {
	if id.IsZero() {
		return Change{}, fmt.Errorf("%w: zero identity", ErrRejected)
	}
	if h == nil {
		return Change{}, fmt.Errorf("%w: nil handle", ErrRejected)
	}
	rec := &Record{Identity: id, Handle: h, ConnectedAt: r.now()}

	r.mu.Lock()
	old, exists := r.entries[id]
	if exists && old.Handle == h {
		r.mu.Unlock()
		return Change{}, fmt.Errorf("%w: handle already registered", ErrRejected)
	}
	if !exists && r.max > 0 && len(r.entries) >= r.max {
		r.mu.Unlock()
		return Change{}, fmt.Errorf("%w: registry full (%d)", ErrRejected, r.max)
	}
	r.entries[id] = rec
	change := Change{Joined: rec, Recipients: r.othersLocked(id)}
	if exists {
		change.Left = []Record{*old}
		change.Superseded = true
	}
	r.mu.Unlock()

	if exists {
		_ = old.Handle.Close(proto.ByeSuperseded)
	}
	return change, nil
}

// Remove drops id regardless of which handle holds it.
func (r *Registry) Remove(id proto.Identity) (Change, bool) {
	return r.remove(id, nil)
}

// RemoveHandle drops id only while h is still the registered handle, so a
// superseded connection's teardown cannot evict its replacement.
func (r *Registry) RemoveHandle(id proto.Identity, h Handle) (Change, bool) {
	if h == nil {
		return Change{}, false
	}
	return r.remove(id, h)
}

func (r *Registry) remove(id proto.Identity, h Handle) (Change, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.entries[id]
	if !ok {
		return Change{}, false
	}
	if h != nil && rec.Handle != h {
		return Change{}, false
	}
	delete(r.entries, id)
	return Change{Left: []Record{*rec}, Recipients: r.othersLocked(id)}, true
}

// RemoveAll empties the registry and returns the removed records.
func (r *Registry) RemoveAll() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.entries))
	for _, rec := range r.entries {
		out = append(out, *rec)
	}
	r.entries = make(map[proto.Identity]*Record)
	return out
}

func (r *Registry) Contains(id proto.Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Snapshot lists the registered identities in byte order.
func (r *Registry) Snapshot() []proto.Identity {
	r.mu.RLock()
	out := make([]proto.Identity, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	r.mu.RUnlock()
	proto.SortIdentities(out)
	return out
}

func (r *Registry) HandleFor(id proto.Identity) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return rec.Handle, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) othersLocked(exclude proto.Identity) []Record {
	out := make([]Record, 0, len(r.entries))
	for id, rec := range r.entries {
		if id == exclude {
			continue
		}
		out = append(out, *rec)
	}
	return out
}
