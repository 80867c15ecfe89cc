// Package routing validates application messages and forwards them to their
// recipients through the presence registry.
package routing

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"keylobby/internal/crypto"
	"keylobby/internal/debuglog"
	"keylobby/internal/metrics"
	"keylobby/internal/proto"
	"keylobby/internal/registry"
)

const DefaultMaxClockSkew = 5 * time.Minute

var log = debuglog.Component("routing")

type Outcome int

const (
	Delivered Outcome = iota + 1
	RecipientOffline
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return proto.OutcomeDelivered
	case RecipientOffline:
		return proto.OutcomeOffline
	case Rejected:
		return proto.OutcomeRejected
	default:
		return "unknown"
	}
}

type RouteResult struct {
	Outcome Outcome
	// Reason is one of the proto.Reason* codes when Outcome is Rejected.
	Reason string
	// Message is set once the envelope parsed; MsgID may be set earlier.
	Message   proto.AppMessage
	MsgID     string
	Queued    bool
	Duplicate bool
	// Deferred is set when the recipient is registered but its send queue
	// is full. The message is held and its result follows the flush.
	Deferred bool
	// Flushed lists older queued messages that went out ahead of this one.
	Flushed []Delivery
	Err     error
}

func (r RouteResult) String() string {
	if r.Outcome == Rejected {
		return fmt.Sprintf("%s(%s)", r.Outcome, r.Reason)
	}
	return r.Outcome.String()
}

// Directory is the read-only view of the registry the pipeline needs.
type Directory interface {
	Contains(id proto.Identity) bool
	HandleFor(id proto.Identity) (registry.Handle, bool)
}

type Options struct {
	Verifier     crypto.Verifier
	Metrics      *metrics.Metrics
	QueueOffline bool
	MaxPending   int
	MaxClockSkew time.Duration
	SeenCap      int
	SeenTTL      time.Duration
	Now          func() time.Time
}

type Pipeline struct {
	dir      Directory
	verifier crypto.Verifier
	metrics  *metrics.Metrics
	queue    bool
	skew     time.Duration
	now      func() time.Time

	// mu orders delivery against the offline queue: a message is only
	// forwarded directly once nothing older from the same sender is waiting
	// for the same recipient.
	mu      sync.Mutex
	pending *pendingStore
	seen    *seenCache
}

func New(dir Directory, opts Options) *Pipeline {
	verifier := opts.Verifier
	if verifier == nil {
		verifier = crypto.Ed25519Gateway{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	skew := opts.MaxClockSkew
	if skew == 0 {
		skew = DefaultMaxClockSkew
	}
	return &Pipeline{
		dir:      dir,
		verifier: verifier,
		metrics:  opts.Metrics,
		queue:    opts.QueueOffline,
		skew:     skew,
		now:      now,
		pending:  newPendingStore(opts.MaxPending),
		seen:     newSeenCache(opts.SeenCap, opts.SeenTTL),
	}
}

// Route runs the validation sequence and stops at the first failure. Nothing
// that fails sender, envelope or signature checks is ever forwarded.
func (p *Pipeline) Route(raw []byte, sender proto.Identity) RouteResult {
	// 1. sender must hold a live registry entry
	if sender.IsZero() || !p.dir.Contains(sender) {
		return p.reject(RouteResult{}, proto.ReasonAuthFailed, fmt.Errorf("sender %s not registered", sender.Short()))
	}

	// 2. envelope
	env, err := proto.DecodeAppMsg(raw)
	if err != nil {
		return p.reject(RouteResult{}, proto.ReasonMalformed, err)
	}
	res := RouteResult{MsgID: env.MsgID}
	msg, err := proto.DecodeAppFields(env)
	if err != nil {
		return p.reject(res, proto.ReasonMalformed, err)
	}
	res.Message = msg
	if msg.From != sender {
		return p.reject(res, proto.ReasonAuthFailed, fmt.Errorf("from %s does not match session %s", msg.From.Short(), sender.Short()))
	}
	if p.skew > 0 {
		if d := p.now().Sub(msg.TS); d > p.skew || d < -p.skew {
			return p.reject(res, proto.ReasonMalformed, fmt.Errorf("timestamp skew %s", d))
		}
	}

	// 3. signature
	if !p.verifier.Verify(sender, msg.SigInput(), msg.Sig) {
		return p.reject(res, proto.ReasonSignatureInvalid, fmt.Errorf("bad signature on %s", msg.ID))
	}

	key := seenKey(sender, msg.ID)
	p.mu.Lock()
	defer p.mu.Unlock()
	queued := false
	switch p.seen.get(key) {
	case seenDelivered:
		p.countDuplicate()
		res.Outcome, res.Duplicate = Delivered, true
		return res
	case seenQueued:
		queued = p.pending.has(sender, msg.To)
	}

	// 4. recipient
	h, ok := p.dir.HandleFor(msg.To)
	if !ok {
		if queued {
			p.countDuplicate()
			res.Outcome, res.Duplicate, res.Queued = RecipientOffline, true, true
			return res
		}
		return p.offlineLocked(res, raw, key)
	}
	if p.pending.has(sender, msg.To) {
		// Older messages from this sender go first. A resend of one that is
		// still held only triggers the flush.
		delivered, err := p.flushPairLocked(sender, msg.To, h)
		for _, d := range delivered {
			if d.MsgID == msg.ID {
				continue
			}
			res.Flushed = append(res.Flushed, d)
		}
		gone := err != nil && !errors.Is(err, registry.ErrSendQueueFull)
		if queued {
			p.countDuplicate()
			res.Duplicate = true
			switch {
			case p.seen.get(key) == seenDelivered:
				res.Outcome = Delivered
				p.countDelivered()
			case gone:
				res.Outcome, res.Queued = RecipientOffline, true
			default:
				res.Outcome, res.Queued, res.Deferred = Delivered, true, true
			}
			return res
		}
		if gone {
			return p.offlineLocked(res, raw, key)
		}
		if p.pending.has(sender, msg.To) {
			return p.deferLocked(res, raw, key)
		}
	}

	// 5. forward verbatim
	if err := h.Send(raw); err != nil {
		if errors.Is(err, registry.ErrSendQueueFull) {
			return p.deferLocked(res, raw, key)
		}
		log.Debugf("forward %s to %s failed: %v", msg.ID, msg.To.Short(), err)
		return p.offlineLocked(res, raw, key)
	}
	p.seen.set(key, seenDelivered)
	p.countDelivered()
	res.Outcome = Delivered
	return res
}

// Flush delivers every queued message addressed to recipient, oldest first
// per sender, and reports what went out.
func (p *Pipeline) Flush(recipient proto.Identity) []Delivery {
	h, ok := p.dir.HandleFor(recipient)
	if !ok {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Delivery
	for _, from := range p.pending.senders(recipient) {
		delivered, err := p.flushPairLocked(from, recipient, h)
		out = append(out, delivered...)
		if err != nil {
			break
		}
	}
	return out
}

// DropSender discards a sender's queue when its session ends.
func (p *Pipeline) DropSender(sender proto.Identity) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	dropped := p.pending.drop(sender)
	for _, m := range dropped {
		p.seen.forget(seenKey(m.From, m.ID))
	}
	return len(dropped)
}

func (p *Pipeline) Pending(sender proto.Identity) []PendingMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending.list(sender)
}

func (p *Pipeline) PendingTotal() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending.total()
}

// flushPairLocked sends from's held messages for to until the handle refuses
// one; the rest stay queued in order and the refusal is returned.
func (p *Pipeline) flushPairLocked(from, to proto.Identity, h registry.Handle) ([]Delivery, error) {
	msgs := p.pending.take(from, to)
	out := make([]Delivery, 0, len(msgs))
	for i, m := range msgs {
		if err := h.Send(m.Raw); err != nil {
			log.Debugf("flush to %s stopped: %v", to.Short(), err)
			p.pending.requeueFront(from, msgs[i:])
			return out, err
		}
		p.seen.set(seenKey(m.From, m.ID), seenDelivered)
		if p.metrics != nil {
			p.metrics.IncFlushed()
		}
		out = append(out, Delivery{Sender: m.From, MsgID: m.ID, To: m.To})
	}
	return out, nil
}

func (p *Pipeline) offlineLocked(res RouteResult, raw []byte, key [32]byte) RouteResult {
	res.Outcome = RecipientOffline
	if p.metrics != nil {
		p.metrics.IncOffline()
	}
	if !p.queue {
		return res
	}
	m := PendingMessage{
		ID:       res.Message.ID,
		From:     res.Message.From,
		To:       res.Message.To,
		Raw:      append([]byte(nil), raw...),
		QueuedAt: p.now(),
	}
	if !p.pending.push(m) {
		if p.metrics != nil {
			p.metrics.IncQueueDropped()
		}
		log.RateLimitedf("queue-full/"+m.From.String(), 10*time.Second, "pending queue full for %s", m.From.Short())
		return res
	}
	p.seen.set(key, seenQueued)
	if p.metrics != nil {
		p.metrics.IncQueued()
	}
	res.Queued = true
	return res
}

// deferLocked holds a message for a registered recipient whose send queue is
// full. It goes out, and is acknowledged, with the next flush to that
// recipient.
func (p *Pipeline) deferLocked(res RouteResult, raw []byte, key [32]byte) RouteResult {
	m := PendingMessage{
		ID:       res.Message.ID,
		From:     res.Message.From,
		To:       res.Message.To,
		Raw:      append([]byte(nil), raw...),
		QueuedAt: p.now(),
	}
	if !p.pending.push(m) {
		if p.metrics != nil {
			p.metrics.IncQueueDropped()
		}
		return p.reject(res, proto.ReasonRecipientBusy, fmt.Errorf("recipient %s backed up and %s has %d held", m.To.Short(), m.From.Short(), len(p.pending.list(m.From))))
	}
	p.seen.set(key, seenQueued)
	if p.metrics != nil {
		p.metrics.IncDeferred()
	}
	res.Outcome, res.Queued, res.Deferred = Delivered, true, true
	return res
}

func (p *Pipeline) reject(res RouteResult, reason string, err error) RouteResult {
	res.Outcome = Rejected
	res.Reason = reason
	res.Err = err
	if p.metrics != nil {
		p.metrics.IncRejected(reason)
	}
	log.Debugf("reject %s: %v", reason, err)
	return res
}

func (p *Pipeline) countDelivered() {
	if p.metrics != nil {
		p.metrics.IncDelivered()
	}
}

func (p *Pipeline) countDuplicate() {
	if p.metrics != nil {
		p.metrics.IncDuplicate()
	}
}

func seenKey(sender proto.Identity, id uuid.UUID) [32]byte {
	return crypto.Fingerprint("keylobby:seen:v1", sender[:], id[:])
}
