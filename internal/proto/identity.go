package proto

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
)

const IdentitySize = 32

// Identity is a peer's Ed25519 public key. It is the only notion of a user.
type Identity [IdentitySize]byte

func IdentityFromBytes(b []byte) (Identity, error) {
	var id Identity
	if len(b) != IdentitySize {
		return id, fmt.Errorf("bad identity length %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

func ParseIdentity(s string) (Identity, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Identity{}, fmt.Errorf("bad identity hex")
	}
	return IdentityFromBytes(b)
}

func (id Identity) String() string {
	return hex.EncodeToString(id[:])
}

// Short is the first 8 hex chars, for logs.
func (id Identity) Short() string {
	return hex.EncodeToString(id[:4])
}

func (id Identity) IsZero() bool {
	return id == Identity{}
}

func (id Identity) Bytes() []byte {
	out := make([]byte, IdentitySize)
	copy(out, id[:])
	return out
}

func (id Identity) Less(other Identity) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

func SortIdentities(ids []Identity) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}

func EncodeIdentities(ids []Identity) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

func DecodeIdentities(in []string) ([]Identity, error) {
	out := make([]Identity, 0, len(in))
	for _, s := range in {
		id, err := ParseIdentity(s)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
