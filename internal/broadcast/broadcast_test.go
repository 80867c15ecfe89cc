package broadcast

import (
	"errors"
	"sync"
	"testing"
	"time"

	"keylobby/internal/metrics"
	"keylobby/internal/proto"
	"keylobby/internal/registry"
)

type recordingHandle struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
	onSend func([]byte)
}

func (h *recordingHandle) Send(payload []byte) error {
	if h.onSend != nil {
		h.onSend(payload)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		return errors.New("send failed")
	}
	h.frames = append(h.frames, payload)
	return nil
}

func (h *recordingHandle) Close(string) error { return nil }

func (h *recordingHandle) deltas(t *testing.T) [][2][]proto.Identity {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][2][]proto.Identity, 0, len(h.frames))
	for _, f := range h.frames {
		joined, left, err := proto.DecodeDeltaMsg(f)
		if err != nil {
			t.Fatalf("decode delta: %v", err)
		}
		out = append(out, [2][]proto.Identity{joined, left})
	}
	return out
}

func ident(b byte) proto.Identity {
	var id proto.Identity
	id[0] = b
	return id
}

func TestScenarioDepartureReachesOthersOnly(t *testing.T) {
	reg := registry.New(registry.Options{})
	eng := New(Options{Metrics: metrics.New()})
	x, y, z := ident(1), ident(2), ident(3)
	hx, hy, hz := &recordingHandle{}, &recordingHandle{}, &recordingHandle{}
	for id, h := range map[proto.Identity]*recordingHandle{x: hx, y: hy, z: hz} {
		if _, err := reg.Add(id, h); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	change, ok := reg.Remove(y)
	if !ok {
		t.Fatalf("remove y")
	}
	rep := eng.Apply(change)
	if rep.Deltas != 1 || rep.Recipients != 2 || rep.Failed != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
	for name, h := range map[string]*recordingHandle{"x": hx, "z": hz} {
		got := h.deltas(t)
		if len(got) != 1 {
			t.Fatalf("%s expected exactly one delta, got %d", name, len(got))
		}
		if len(got[0][0]) != 0 || len(got[0][1]) != 1 || got[0][1][0] != y {
			t.Fatalf("%s got unexpected delta %+v", name, got[0])
		}
	}
	if len(hy.deltas(t)) != 0 {
		t.Fatalf("departing identity received its own delta")
	}
}

func TestJoinExcludesSubject(t *testing.T) {
	eng := New(Options{})
	x, y := ident(1), ident(2)
	hx, hy := &recordingHandle{}, &recordingHandle{}
	recipients := []registry.Record{{Identity: x, Handle: hx}, {Identity: y, Handle: hy}}
	rep := eng.BroadcastJoin(y, recipients)
	if rep.Recipients != 1 {
		t.Fatalf("expected one recipient, got %d", rep.Recipients)
	}
	if len(hy.deltas(t)) != 0 {
		t.Fatalf("joining identity received its own delta")
	}
	got := hx.deltas(t)
	if len(got) != 1 || got[0][0][0] != y {
		t.Fatalf("unexpected deltas %+v", got)
	}
}

func TestFailedRecipientDoesNotBlockOthers(t *testing.T) {
	m := metrics.New()
	eng := New(Options{Metrics: m, Concurrency: 1})
	bad := &recordingHandle{fail: true}
	good1, good2 := &recordingHandle{}, &recordingHandle{}
	recipients := []registry.Record{
		{Identity: ident(1), Handle: good1},
		{Identity: ident(2), Handle: bad},
		{Identity: ident(3), Handle: good2},
	}
	rep := eng.BroadcastJoin(ident(9), recipients)
	if rep.Failed != 1 || rep.Recipients != 3 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if len(good1.deltas(t)) != 1 || len(good2.deltas(t)) != 1 {
		t.Fatalf("healthy recipients missed the delta")
	}
	if snap := m.Snapshot(); snap.Broadcast.SendFailed != 1 || snap.Broadcast.Sent != 2 {
		t.Fatalf("unexpected metrics %+v", snap.Broadcast)
	}
}

func TestLeavePolicies(t *testing.T) {
	a, b := ident(4), ident(5)
	for _, tc := range []struct {
		policy Policy
		deltas int
	}{
		{PerDeparture, 2},
		{Batched, 1},
	} {
		h := &recordingHandle{}
		eng := New(Options{Policy: tc.policy})
		if eng.Policy() != tc.policy {
			t.Fatalf("expected policy %s, got %s", tc.policy, eng.Policy())
		}
		rep := eng.BroadcastLeave([]proto.Identity{a, b}, []registry.Record{{Identity: ident(1), Handle: h}})
		got := h.deltas(t)
		if rep.Deltas != tc.deltas || len(got) != tc.deltas {
			t.Fatalf("%s: expected %d deltas, got report=%d frames=%d", tc.policy, tc.deltas, rep.Deltas, len(got))
		}
		total := 0
		for _, d := range got {
			if len(d[0]) != 0 {
				t.Fatalf("%s: leave delta carried joins", tc.policy)
			}
			total += len(d[1])
		}
		if total != 2 {
			t.Fatalf("%s: expected two departures overall, got %d", tc.policy, total)
		}
	}
}

func TestSupersedeIsLeaveThenJoin(t *testing.T) {
	reg := registry.New(registry.Options{})
	eng := New(Options{})
	x, y := ident(1), ident(2)
	hx := &recordingHandle{}
	_, _ = reg.Add(x, hx)
	_, _ = reg.Add(y, &recordingHandle{})
	change, err := reg.Add(y, &recordingHandle{})
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	eng.Apply(change)
	got := hx.deltas(t)
	if len(got) != 3 {
		t.Fatalf("expected join, leave, join; got %d deltas", len(got))
	}
	if len(got[1][1]) != 1 || got[1][1][0] != y || len(got[1][0]) != 0 {
		t.Fatalf("second delta should be leave y: %+v", got[1])
	}
	if len(got[2][0]) != 1 || got[2][0][0] != y || len(got[2][1]) != 0 {
		t.Fatalf("third delta should be join y: %+v", got[2])
	}
}

func TestDeltaNeverPrecedesRegistryState(t *testing.T) {
	reg := registry.New(registry.Options{})
	eng := New(Options{})
	observer := ident(1)
	subject := ident(2)
	var violations []string
	var mu sync.Mutex
	h := &recordingHandle{}
	h.onSend = func(payload []byte) {
		joined, left, err := proto.DecodeDeltaMsg(payload)
		if err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		for _, id := range joined {
			if !reg.Contains(id) {
				violations = append(violations, "join before contains")
			}
		}
		for _, id := range left {
			if reg.Contains(id) {
				violations = append(violations, "leave while contained")
			}
		}
	}
	_, _ = reg.Add(observer, h)
	for i := 0; i < 50; i++ {
		change, err := reg.Add(subject, &recordingHandle{})
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		eng.Apply(change)
		change, _ = reg.Remove(subject)
		eng.Apply(change)
	}
	if len(violations) != 0 {
		t.Fatalf("ordering violations: %v", violations)
	}
}

func TestJoinReachesThousandRecipientsWithinBudget(t *testing.T) {
	reg := registry.New(registry.Options{})
	eng := New(Options{Metrics: metrics.New()})
	handles := make([]*recordingHandle, 1000)
	for i := range handles {
		var id proto.Identity
		id[0], id[1], id[2] = 0x10, byte(i>>8), byte(i)
		handles[i] = &recordingHandle{}
		if _, err := reg.Add(id, handles[i]); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	newcomer := ident(0xee)

	start := time.Now()
	change, err := reg.Add(newcomer, &recordingHandle{})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	rep := eng.Apply(change)
	elapsed := time.Since(start)

	if rep.Recipients != len(handles) || rep.Failed != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
	for i, h := range handles {
		got := h.deltas(t)
		if len(got) != 1 || len(got[0][0]) != 1 || got[0][0][0] != newcomer {
			t.Fatalf("recipient %d: unexpected deltas %v", i, got)
		}
	}
	if elapsed >= 100*time.Millisecond {
		t.Fatalf("join delta took %s to reach %d recipients", elapsed, len(handles))
	}
}
