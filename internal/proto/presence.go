package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	MsgTypeSnapshotReq = "snapshot_req"
	MsgTypeSnapshot    = "snapshot"
	MsgTypeDelta       = "delta"
)

var ErrEmptyDelta = errors.New("delta has no joined or left identities")

type SnapshotReqMsg struct {
	Type string `json:"type"`
}

type SnapshotMsg struct {
	Type    string   `json:"type"`
	Members []string `json:"members"`
}

type DeltaMsg struct {
	Type   string   `json:"type"`
	Joined []string `json:"joined,omitempty"`
	Left   []string `json:"left,omitempty"`
}

func EncodeSnapshotReqMsg() ([]byte, error) {
	return json.Marshal(SnapshotReqMsg{Type: MsgTypeSnapshotReq})
}

func EncodeSnapshotMsg(members []Identity) ([]byte, error) {
	return json.Marshal(SnapshotMsg{Type: MsgTypeSnapshot, Members: EncodeIdentities(members)})
}

func DecodeSnapshotMsg(data []byte) ([]Identity, error) {
	var m SnapshotMsg
	if err := decodeTyped(data, MsgTypeSnapshot, &m); err != nil {
		return nil, err
	}
	return DecodeIdentities(m.Members)
}

// EncodeDeltaMsg refuses deltas that are empty or list an identity as both
// joined and left.
func EncodeDeltaMsg(joined, left []Identity) ([]byte, error) {
	if err := checkDelta(joined, left); err != nil {
		return nil, err
	}
	return json.Marshal(DeltaMsg{
		Type:   MsgTypeDelta,
		Joined: EncodeIdentities(joined),
		Left:   EncodeIdentities(left),
	})
}

func DecodeDeltaMsg(data []byte) ([]Identity, []Identity, error) {
	var m DeltaMsg
	if err := decodeTyped(data, MsgTypeDelta, &m); err != nil {
		return nil, nil, err
	}
	joined, err := DecodeIdentities(m.Joined)
	if err != nil {
		return nil, nil, err
	}
	left, err := DecodeIdentities(m.Left)
	if err != nil {
		return nil, nil, err
	}
	if err := checkDelta(joined, left); err != nil {
		return nil, nil, err
	}
	return joined, left, nil
}

func checkDelta(joined, left []Identity) error {
	if len(joined) == 0 && len(left) == 0 {
		return ErrEmptyDelta
	}
	if len(joined) == 0 || len(left) == 0 {
		return nil
	}
	seen := make(map[Identity]struct{}, len(joined))
	for _, id := range joined {
		seen[id] = struct{}{}
	}
	for _, id := range left {
		if _, ok := seen[id]; ok {
			return fmt.Errorf("identity %s both joined and left", id.Short())
		}
	}
	return nil
}
