package client

import (
	"testing"

	"keylobby/internal/proto"
)

func TestLobbyIgnoresDeltasBeforeSnapshot(t *testing.T) {
	l := NewLobby()
	x, y, z := proto.Identity{1}, proto.Identity{2}, proto.Identity{3}
	if l.Apply([]proto.Identity{x}, nil) {
		t.Fatalf("delta applied before snapshot")
	}
	l.Replace([]proto.Identity{y, x})
	if !l.Apply([]proto.Identity{z}, []proto.Identity{y}) {
		t.Fatalf("delta ignored after snapshot")
	}
	members := l.Members()
	if len(members) != 2 || members[0] != x || members[1] != z {
		t.Fatalf("unexpected members %v", members)
	}
	l.Reset()
	if l.Synced() || l.Len() != 0 || l.Online(x) {
		t.Fatalf("reset kept stale view")
	}
}
