package metrics

import (
	"path/filepath"
	"testing"
	"time"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncJoin()
	m.IncJoin()
	m.IncLeave()
	m.IncSupersede()
	m.IncDelivered()
	m.IncOffline()
	m.IncQueued()
	m.IncFlushed()
	m.IncDuplicate()
	m.IncRejected("signature_invalid")
	m.IncRejected("signature_invalid")
	m.IncRejected("malformed")
	m.SetOnline(3)
	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()
	m.ObserveDelta(DeltaHeader{At: time.Now(), Left: 1, Recipients: 4, Failed: 1})
	snap := m.Snapshot()
	if snap.Presence.Joins != 2 || snap.Presence.Leaves != 1 || snap.Presence.Supersedes != 1 {
		t.Fatalf("unexpected presence counts: %+v", snap.Presence)
	}
	if snap.Presence.Online != 3 {
		t.Fatalf("expected online=3, got %d", snap.Presence.Online)
	}
	if snap.Routing.Rejected != 3 || snap.Routing.RejectedByReason["signature_invalid"] != 2 {
		t.Fatalf("unexpected rejections: %+v", snap.Routing)
	}
	if snap.Broadcast.Deltas != 1 || snap.Broadcast.Sent != 3 || snap.Broadcast.SendFailed != 1 {
		t.Fatalf("unexpected broadcast stats: %+v", snap.Broadcast)
	}
	if snap.Conns.Current != 1 {
		t.Fatalf("expected current conns=1, got %d", snap.Conns.Current)
	}
	if len(snap.Recent) != 1 {
		t.Fatalf("expected one recent delta, got %d", len(snap.Recent))
	}
}

func TestDeltaRecentKeepsNewest(t *testing.T) {
	r := NewDeltaRecent(2)
	r.Add(DeltaHeader{Joined: 1})
	r.Add(DeltaHeader{Joined: 2})
	r.Add(DeltaHeader{Joined: 3})
	list := r.List()
	if len(list) != 2 || list[0].Joined != 2 || list[1].Joined != 3 {
		t.Fatalf("unexpected recent list: %+v", list)
	}
}

func TestWriteAndReadSnapshot(t *testing.T) {
	m := New()
	m.IncJoin()
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	snap, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if snap.Presence.Joins != 1 {
		t.Fatalf("expected joins=1, got %d", snap.Presence.Joins)
	}
}
