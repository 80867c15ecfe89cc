package routing

import (
	"time"

	"github.com/google/uuid"

	"keylobby/internal/proto"
)

const DefaultMaxPending = 256

// PendingMessage is an application message held until its recipient is
// registered again.
type PendingMessage struct {
	ID       uuid.UUID
	From     proto.Identity
	To       proto.Identity
	Raw      []byte
	QueuedAt time.Time
}

// Delivery identifies a queued message that reached its recipient.
type Delivery struct {
	Sender proto.Identity
	MsgID  uuid.UUID
	To     proto.Identity
}

// pendingStore keeps one ordered queue per sender. It is not synchronized;
// the Pipeline guards it.
type pendingStore struct {
	max    int
	queues map[proto.Identity][]PendingMessage
}

func newPendingStore(max int) *pendingStore {
	if max <= 0 {
		max = DefaultMaxPending
	}
	return &pendingStore{max: max, queues: make(map[proto.Identity][]PendingMessage)}
}

func (s *pendingStore) push(m PendingMessage) bool {
	q := s.queues[m.From]
	if len(q) >= s.max {
		return false
	}
	s.queues[m.From] = append(q, m)
	return true
}

func (s *pendingStore) has(from, to proto.Identity) bool {
	for _, m := range s.queues[from] {
		if m.To == to {
			return true
		}
	}
	return false
}

// senders lists senders holding messages for to, in identity order.
func (s *pendingStore) senders(to proto.Identity) []proto.Identity {
	var out []proto.Identity
	for from := range s.queues {
		if s.has(from, to) {
			out = append(out, from)
		}
	}
	proto.SortIdentities(out)
	return out
}

// take removes and returns from's messages for to, oldest first.
func (s *pendingStore) take(from, to proto.Identity) []PendingMessage {
	q := s.queues[from]
	var taken []PendingMessage
	kept := q[:0]
	for _, m := range q {
		if m.To == to {
			taken = append(taken, m)
			continue
		}
		kept = append(kept, m)
	}
	if len(kept) == 0 {
		delete(s.queues, from)
	} else {
		s.queues[from] = kept
	}
	return taken
}

// requeueFront puts undelivered messages back ahead of anything newer.
func (s *pendingStore) requeueFront(from proto.Identity, msgs []PendingMessage) {
	if len(msgs) == 0 {
		return
	}
	q := make([]PendingMessage, 0, len(msgs)+len(s.queues[from]))
	q = append(q, msgs...)
	q = append(q, s.queues[from]...)
	s.queues[from] = q
}

func (s *pendingStore) drop(from proto.Identity) []PendingMessage {
	q := s.queues[from]
	delete(s.queues, from)
	return q
}

func (s *pendingStore) list(from proto.Identity) []PendingMessage {
	q := s.queues[from]
	out := make([]PendingMessage, len(q))
	copy(out, q)
	return out
}

func (s *pendingStore) total() int {
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}
