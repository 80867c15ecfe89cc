package client

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"keylobby/internal/proto"
)

const DefaultQueueCap = 1024

var ErrQueueFull = errors.New("client: pending queue full")

// PendingMessage is a signed message the server has not acknowledged yet.
type PendingMessage struct {
	Msg      proto.AppMessage
	Raw      []byte
	QueuedAt time.Time
	// Held marks a message the server reported as RecipientOffline.
	Held bool
}

// PendingQueue keeps unsent and offline-held messages in submission order.
// Every method is safe for concurrent use.
type PendingQueue struct {
	mu    sync.Mutex
	cap   int
	items []PendingMessage
}

func NewPendingQueue(capacity int) *PendingQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCap
	}
	return &PendingQueue{cap: capacity}
}

func (q *PendingQueue) Push(m PendingMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.cap {
		return ErrQueueFull
	}
	q.items = append(q.items, m)
	return nil
}

// Drain removes and returns every queued message, oldest first.
func (q *PendingQueue) Drain() []PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// TakeHeldFor removes the held messages addressed to id, oldest first.
func (q *PendingQueue) TakeHeldFor(id proto.Identity) []PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	var taken []PendingMessage
	kept := q.items[:0]
	for _, m := range q.items {
		if m.Held && m.Msg.To == id {
			taken = append(taken, m)
			continue
		}
		kept = append(kept, m)
	}
	clear(q.items[len(kept):])
	q.items = kept
	return taken
}

// Remove drops the message with the given id and reports whether it was
// queued.
func (q *PendingQueue) Remove(id uuid.UUID) (PendingMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.items {
		if m.Msg.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return m, true
		}
	}
	return PendingMessage{}, false
}

// Insert places m by submission time so a message coming back from flight
// does not overtake older ones still queued.
func (q *PendingQueue) Insert(m PendingMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := len(q.items)
	for i > 0 && q.items[i-1].QueuedAt.After(m.QueuedAt) {
		i--
	}
	q.items = append(q.items, PendingMessage{})
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = m
}

func (q *PendingQueue) List() []PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingMessage, len(q.items))
	copy(out, q.items)
	return out
}

func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *PendingQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}
