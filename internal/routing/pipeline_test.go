package routing

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"keylobby/internal/crypto"
	"keylobby/internal/metrics"
	"keylobby/internal/proto"
	"keylobby/internal/registry"
)

type fakeHandle struct {
	mu     sync.Mutex
	sent   [][]byte
	failAt int
	full   bool
	closed bool
}

func (h *fakeHandle) Send(payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("closed")
	}
	if h.full {
		return registry.ErrSendQueueFull
	}
	if h.failAt > 0 && len(h.sent)+1 == h.failAt {
		h.failAt = 0
		return registry.ErrSendQueueFull
	}
	h.sent = append(h.sent, payload)
	return nil
}

func (h *fakeHandle) Close(string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHandle) setFull(full bool) {
	h.mu.Lock()
	h.full = full
	h.mu.Unlock()
}

func (h *fakeHandle) frames() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.sent...)
}

type peer struct {
	id   proto.Identity
	priv []byte
}

func newPeer(t *testing.T) peer {
	t.Helper()
	id, priv, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	return peer{id: id, priv: priv}
}

func (p peer) message(t *testing.T, to proto.Identity, content string, now time.Time) (proto.AppMessage, []byte) {
	t.Helper()
	m := proto.AppMessage{
		ID:      uuid.New(),
		From:    p.id,
		To:      to,
		Content: []byte(content),
		TS:      time.UnixMilli(now.UnixMilli()),
	}
	sig, err := crypto.Sign(p.priv, m.SigInput())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	m.Sig = sig
	raw, err := proto.EncodeAppMsg(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return m, raw
}

func setup(t *testing.T, queue bool) (*registry.Registry, *Pipeline, *metrics.Metrics, time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := registry.New(registry.Options{})
	m := metrics.New()
	p := New(reg, Options{
		Metrics:      m,
		QueueOffline: queue,
		Now:          func() time.Time { return now },
	})
	return reg, p, m, now
}

func mustAdd(t *testing.T, reg *registry.Registry, id proto.Identity, h registry.Handle) {
	t.Helper()
	if _, err := reg.Add(id, h); err != nil {
		t.Fatalf("add: %v", err)
	}
}

func TestRouteDeliversVerbatim(t *testing.T) {
	reg, p, _, now := setup(t, false)
	x, y := newPeer(t), newPeer(t)
	hx, hy := &fakeHandle{}, &fakeHandle{}
	mustAdd(t, reg, x.id, hx)
	mustAdd(t, reg, y.id, hy)

	_, raw := x.message(t, y.id, "hi y", now)
	res := p.Route(raw, x.id)
	if res.Outcome != Delivered {
		t.Fatalf("expected delivered, got %s (%v)", res, res.Err)
	}
	got := hy.frames()
	if len(got) != 1 || !bytes.Equal(got[0], raw) {
		t.Fatalf("recipient did not receive the exact bytes")
	}
	if len(hx.frames()) != 0 {
		t.Fatalf("sender should receive nothing")
	}
}

func TestRouteUnregisteredSender(t *testing.T) {
	reg, p, m, now := setup(t, true)
	x, y := newPeer(t), newPeer(t)
	hy := &fakeHandle{}
	mustAdd(t, reg, y.id, hy)

	_, raw := x.message(t, y.id, "hello", now)
	res := p.Route(raw, x.id)
	if res.Outcome != Rejected || res.Reason != proto.ReasonAuthFailed {
		t.Fatalf("expected auth_failed, got %s", res)
	}
	if len(hy.frames()) != 0 {
		t.Fatalf("recipient should receive nothing")
	}
	if got := m.Snapshot().Routing.RejectedByReason[proto.ReasonAuthFailed]; got != 1 {
		t.Fatalf("expected auth_failed counted once, got %d", got)
	}
}

func TestRouteMalformed(t *testing.T) {
	reg, p, _, now := setup(t, false)
	x, y := newPeer(t), newPeer(t)
	hy := &fakeHandle{}
	mustAdd(t, reg, x.id, &fakeHandle{})
	mustAdd(t, reg, y.id, hy)

	_, good := x.message(t, y.id, "hello", now)
	var env map[string]any
	if err := json.Unmarshal(good, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	cases := map[string]func(map[string]any){
		"missing to":     func(m map[string]any) { delete(m, "to") },
		"missing sig":    func(m map[string]any) { delete(m, "sig") },
		"bad msg_id":     func(m map[string]any) { m["msg_id"] = "nope" },
		"empty content":  func(m map[string]any) { m["content"] = "" },
		"stale ts":       func(m map[string]any) { m["ts"] = now.Add(-time.Hour).UnixMilli() },
		"wrong type tag": func(m map[string]any) { m["type"] = "delta" },
	}
	for name, mutate := range cases {
		cp := make(map[string]any, len(env))
		for k, v := range env {
			cp[k] = v
		}
		mutate(cp)
		raw, _ := json.Marshal(cp)
		res := p.Route(raw, x.id)
		if res.Outcome != Rejected || res.Reason != proto.ReasonMalformed {
			t.Fatalf("%s: expected malformed, got %s", name, res)
		}
	}
	if res := p.Route([]byte("not json"), x.id); res.Reason != proto.ReasonMalformed {
		t.Fatalf("garbage: expected malformed, got %s", res)
	}
	if len(hy.frames()) != 0 {
		t.Fatalf("recipient should receive nothing")
	}
}

func TestRouteFromMismatch(t *testing.T) {
	reg, p, _, now := setup(t, false)
	x, y, z := newPeer(t), newPeer(t), newPeer(t)
	mustAdd(t, reg, x.id, &fakeHandle{})
	mustAdd(t, reg, y.id, &fakeHandle{})
	mustAdd(t, reg, z.id, &fakeHandle{})

	// z signs a message correctly but submits it on x's session.
	_, raw := z.message(t, y.id, "spoof", now)
	res := p.Route(raw, x.id)
	if res.Outcome != Rejected || res.Reason != proto.ReasonAuthFailed {
		t.Fatalf("expected auth_failed, got %s", res)
	}
}

func TestRouteTamperedSignature(t *testing.T) {
	reg, p, _, now := setup(t, true)
	x, y := newPeer(t), newPeer(t)
	hy := &fakeHandle{}
	mustAdd(t, reg, x.id, &fakeHandle{})
	mustAdd(t, reg, y.id, hy)

	m, _ := x.message(t, y.id, "pay 10", now)
	m.Content = []byte("pay 99")
	raw, err := proto.EncodeAppMsg(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	res := p.Route(raw, x.id)
	if res.Outcome != Rejected || res.Reason != proto.ReasonSignatureInvalid {
		t.Fatalf("expected signature_invalid, got %s", res)
	}
	if len(hy.frames()) != 0 {
		t.Fatalf("tampered message reached recipient")
	}
	if p.PendingTotal() != 0 {
		t.Fatalf("tampered message must not be queued")
	}
}

func TestRouteSignatureCheckedBeforeRecipient(t *testing.T) {
	reg, p, _, now := setup(t, true)
	x, y := newPeer(t), newPeer(t)
	mustAdd(t, reg, x.id, &fakeHandle{})

	m, _ := x.message(t, y.id, "hello", now)
	m.Sig[0] ^= 0xff
	raw, _ := proto.EncodeAppMsg(m)
	if res := p.Route(raw, x.id); res.Reason != proto.ReasonSignatureInvalid {
		t.Fatalf("expected signature_invalid for offline recipient, got %s", res)
	}
}

func TestRouteOfflineWithoutQueue(t *testing.T) {
	reg, p, _, now := setup(t, false)
	x, y := newPeer(t), newPeer(t)
	mustAdd(t, reg, x.id, &fakeHandle{})

	_, raw := x.message(t, y.id, "hello", now)
	res := p.Route(raw, x.id)
	if res.Outcome != RecipientOffline || res.Queued {
		t.Fatalf("expected unqueued offline, got %s queued=%v", res, res.Queued)
	}
	hy := &fakeHandle{}
	mustAdd(t, reg, y.id, hy)
	if got := p.Flush(y.id); len(got) != 0 {
		t.Fatalf("nothing should flush, got %d", len(got))
	}
	if len(hy.frames()) != 0 {
		t.Fatalf("unexpected delivery")
	}
}

func TestOfflineThenFlushExactlyOnce(t *testing.T) {
	reg, p, _, now := setup(t, true)
	x, y := newPeer(t), newPeer(t)
	mustAdd(t, reg, x.id, &fakeHandle{})

	m, raw := x.message(t, y.id, "are you there", now)
	res := p.Route(raw, x.id)
	if res.Outcome != RecipientOffline || !res.Queued {
		t.Fatalf("expected queued offline, got %s", res)
	}
	// Client replay of the same message before y connects.
	res = p.Route(raw, x.id)
	if res.Outcome != RecipientOffline || !res.Duplicate {
		t.Fatalf("expected duplicate offline, got %s dup=%v", res, res.Duplicate)
	}
	if got := len(p.Pending(x.id)); got != 1 {
		t.Fatalf("expected one pending message, got %d", got)
	}

	hy := &fakeHandle{}
	mustAdd(t, reg, y.id, hy)
	deliveries := p.Flush(y.id)
	if len(deliveries) != 1 || deliveries[0].MsgID != m.ID || deliveries[0].Sender != x.id {
		t.Fatalf("unexpected deliveries %+v", deliveries)
	}
	// Replay after delivery must not reach y again.
	res = p.Route(raw, x.id)
	if res.Outcome != Delivered || !res.Duplicate {
		t.Fatalf("expected duplicate delivered, got %s dup=%v", res, res.Duplicate)
	}
	if got := hy.frames(); len(got) != 1 || !bytes.Equal(got[0], raw) {
		t.Fatalf("expected exactly one delivery, got %d", len(got))
	}
	if p.PendingTotal() != 0 {
		t.Fatalf("queue should be empty")
	}
}

func TestQueuedOrderPreserved(t *testing.T) {
	reg, p, _, now := setup(t, true)
	x, y := newPeer(t), newPeer(t)
	mustAdd(t, reg, x.id, &fakeHandle{})

	var want [][]byte
	for _, text := range []string{"one", "two", "three"} {
		_, raw := x.message(t, y.id, text, now)
		p.Route(raw, x.id)
		want = append(want, raw)
	}
	hy := &fakeHandle{}
	mustAdd(t, reg, y.id, hy)

	// A direct send racing ahead of the flush must still land last.
	_, raw := x.message(t, y.id, "four", now)
	res := p.Route(raw, x.id)
	if res.Outcome != Delivered {
		t.Fatalf("expected delivered, got %s", res)
	}
	if len(res.Flushed) != 3 {
		t.Fatalf("expected three older messages flushed, got %d", len(res.Flushed))
	}
	want = append(want, raw)
	got := hy.frames()
	if len(got) != len(want) {
		t.Fatalf("expected %d frames, got %d", len(want), len(got))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("frame %d out of order", i)
		}
	}
}

func TestFlushRequeuesOnSendFailure(t *testing.T) {
	reg, p, _, now := setup(t, true)
	x, y := newPeer(t), newPeer(t)
	mustAdd(t, reg, x.id, &fakeHandle{})
	var raws [][]byte
	for _, text := range []string{"a", "b", "c"} {
		_, raw := x.message(t, y.id, text, now)
		p.Route(raw, x.id)
		raws = append(raws, raw)
	}
	hy := &fakeHandle{failAt: 2}
	mustAdd(t, reg, y.id, hy)
	if got := p.Flush(y.id); len(got) != 1 {
		t.Fatalf("expected one delivery before failure, got %d", len(got))
	}
	pending := p.Pending(x.id)
	if len(pending) != 2 || !bytes.Equal(pending[0].Raw, raws[1]) {
		t.Fatalf("expected b and c requeued in order")
	}
	if got := p.Flush(y.id); len(got) != 2 {
		t.Fatalf("expected remaining two delivered, got %d", len(got))
	}
}

func TestClosedHandleTreatedAsOffline(t *testing.T) {
	reg, p, _, now := setup(t, true)
	x, y := newPeer(t), newPeer(t)
	mustAdd(t, reg, x.id, &fakeHandle{})
	hy := &fakeHandle{}
	mustAdd(t, reg, y.id, hy)
	_ = hy.Close("gone")

	_, raw := x.message(t, y.id, "late", now)
	res := p.Route(raw, x.id)
	if res.Outcome != RecipientOffline || !res.Queued {
		t.Fatalf("expected queued offline, got %s", res)
	}
}

func TestBackedUpRecipientIsNotOffline(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := registry.New(registry.Options{})
	m := metrics.New()
	p := New(reg, Options{Metrics: m, QueueOffline: true, MaxPending: 1, Now: func() time.Time { return now }})
	x, y := newPeer(t), newPeer(t)
	mustAdd(t, reg, x.id, &fakeHandle{})
	hy := &fakeHandle{full: true}
	mustAdd(t, reg, y.id, hy)

	first, raw1 := x.message(t, y.id, "one", now)
	res := p.Route(raw1, x.id)
	if res.Outcome != Delivered || !res.Deferred || !res.Queued {
		t.Fatalf("expected deferred delivery, got %s deferred=%v queued=%v", res, res.Deferred, res.Queued)
	}
	if got := m.Snapshot().Routing.Offline; got != 0 {
		t.Fatalf("registered recipient counted offline %d times", got)
	}

	// Still backed up and the sender's hold is at its cap: refused, not lost.
	_, raw2 := x.message(t, y.id, "two", now)
	res = p.Route(raw2, x.id)
	if res.Outcome != Rejected || res.Reason != proto.ReasonRecipientBusy {
		t.Fatalf("expected recipient_busy, got %s", res)
	}

	// Once the queue has room the held message goes first.
	hy.setFull(false)
	_, raw3 := x.message(t, y.id, "three", now)
	res = p.Route(raw3, x.id)
	if res.Outcome != Delivered || res.Deferred {
		t.Fatalf("expected direct delivery, got %s deferred=%v", res, res.Deferred)
	}
	if len(res.Flushed) != 1 || res.Flushed[0].MsgID != first.ID {
		t.Fatalf("expected held message reported as flushed, got %+v", res.Flushed)
	}
	got := hy.frames()
	if len(got) != 2 || !bytes.Equal(got[0], raw1) || !bytes.Equal(got[1], raw3) {
		t.Fatalf("expected held then new message, got %d frames", len(got))
	}
	if p.PendingTotal() != 0 {
		t.Fatalf("queue should be empty")
	}
}

func TestBackedUpRecipientDrainsOnFlush(t *testing.T) {
	reg, p, _, now := setup(t, false)
	x, y := newPeer(t), newPeer(t)
	mustAdd(t, reg, x.id, &fakeHandle{})
	hy := &fakeHandle{full: true}
	mustAdd(t, reg, y.id, hy)

	m, raw := x.message(t, y.id, "held", now)
	if res := p.Route(raw, x.id); !res.Deferred {
		t.Fatalf("expected deferred without offline queueing, got %s", res)
	}
	// A resend while still backed up neither duplicates nor reports offline.
	res := p.Route(raw, x.id)
	if res.Outcome != Delivered || !res.Deferred || !res.Duplicate {
		t.Fatalf("expected deferred duplicate, got %s deferred=%v dup=%v", res, res.Deferred, res.Duplicate)
	}
	if got := p.Flush(y.id); len(got) != 0 {
		t.Fatalf("nothing can flush while full, got %d", len(got))
	}
	hy.setFull(false)
	got := p.Flush(y.id)
	if len(got) != 1 || got[0].MsgID != m.ID || got[0].Sender != x.id {
		t.Fatalf("unexpected deliveries %+v", got)
	}
	if frames := hy.frames(); len(frames) != 1 || !bytes.Equal(frames[0], raw) {
		t.Fatalf("expected exactly one delivery, got %d", len(frames))
	}
}

func TestDropSenderClearsQueue(t *testing.T) {
	reg, p, _, now := setup(t, true)
	x, y := newPeer(t), newPeer(t)
	mustAdd(t, reg, x.id, &fakeHandle{})
	_, raw := x.message(t, y.id, "bye", now)
	p.Route(raw, x.id)
	if n := p.DropSender(x.id); n != 1 {
		t.Fatalf("expected one dropped, got %d", n)
	}
	// Once dropped the id is forgotten and a replay is queued afresh.
	if res := p.Route(raw, x.id); !res.Queued || res.Duplicate {
		t.Fatalf("expected fresh queue after drop, got %s dup=%v", res, res.Duplicate)
	}
}

func TestPendingCap(t *testing.T) {
	now := time.Now()
	reg := registry.New(registry.Options{})
	m := metrics.New()
	p := New(reg, Options{Metrics: m, QueueOffline: true, MaxPending: 2})
	x, y := newPeer(t), newPeer(t)
	mustAdd(t, reg, x.id, &fakeHandle{})
	for i := 0; i < 3; i++ {
		_, raw := x.message(t, y.id, "spam", now)
		p.Route(raw, x.id)
	}
	if got := p.PendingTotal(); got != 2 {
		t.Fatalf("expected cap of 2, got %d", got)
	}
	if got := m.Snapshot().Routing.QueueDropped; got != 1 {
		t.Fatalf("expected one dropped, got %d", got)
	}
}

func TestConcurrentRouting(t *testing.T) {
	reg, p, _, now := setup(t, false)
	x, y := newPeer(t), newPeer(t)
	mustAdd(t, reg, x.id, &fakeHandle{})
	hy := &fakeHandle{}
	mustAdd(t, reg, y.id, hy)

	raws := make([][]byte, 32)
	for i := range raws {
		_, raws[i] = x.message(t, y.id, "burst", now)
	}
	var wg sync.WaitGroup
	for _, raw := range raws {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res := p.Route(raw, x.id); res.Outcome != Delivered {
				t.Errorf("expected delivered, got %s", res)
			}
		}()
	}
	wg.Wait()
	if got := len(hy.frames()); got != 32 {
		t.Fatalf("expected 32 frames, got %d", got)
	}
}

func TestResendOfQueuedMessageFlushesOnceRecipientIsBack(t *testing.T) {
	reg, p, _, now := setup(t, true)
	x, y := newPeer(t), newPeer(t)
	mustAdd(t, reg, x.id, &fakeHandle{})
	_, first := x.message(t, y.id, "first", now)
	_, second := x.message(t, y.id, "second", now)
	p.Route(first, x.id)
	p.Route(second, x.id)

	hy := &fakeHandle{}
	mustAdd(t, reg, y.id, hy)
	res := p.Route(second, x.id)
	if res.Outcome != Delivered || !res.Duplicate {
		t.Fatalf("expected resend to deliver, got %s dup=%v", res, res.Duplicate)
	}
	if len(res.Flushed) != 1 {
		t.Fatalf("expected the older message reported as flushed, got %d", len(res.Flushed))
	}
	got := hy.frames()
	if len(got) != 2 || !bytes.Equal(got[0], first) || !bytes.Equal(got[1], second) {
		t.Fatalf("expected both messages once and in order")
	}
	if d := p.Flush(y.id); len(d) != 0 {
		t.Fatalf("nothing should remain queued, got %d", len(d))
	}
}
