package proto

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	MsgTypeApp     = "msg"
	MsgTypeResult  = "result"
	MsgTypeOffline = "offline"
	MsgTypeError   = "error"
	MsgTypeBye     = "bye"

	MaxAppMsgSize  = 256 << 10
	MaxContentSize = 128 << 10

	msgLabel = "keylobby:msg:v1"
)

// Error reason codes carried by error and result frames.
const (
	ReasonSignatureInvalid = "signature_invalid"
	ReasonOffline          = "offline"
	ReasonMalformed        = "malformed"
	ReasonAuthFailed       = "auth_failed"
	ReasonRecipientBusy    = "recipient_busy"
)

const (
	OutcomeDelivered = "delivered"
	OutcomeOffline   = "offline"
	OutcomeRejected  = "rejected"
)

// Bye reasons. Every bye is final for the receiving client.
const (
	ByeShutdown   = "shutdown"
	ByeSuperseded = "superseded"
	ByeFull       = "registry_full"
)

// AppMsg is forwarded byte-for-byte from sender to recipient.
type AppMsg struct {
	Type    string `json:"type"`
	MsgID   string `json:"msg_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Content []byte `json:"content"`
	TS      int64  `json:"ts"`
	Sig     string `json:"sig"`
}

// AppMessage is the validated form of an AppMsg.
type AppMessage struct {
	ID      uuid.UUID
	From    Identity
	To      Identity
	Content []byte
	TS      time.Time
	Sig     []byte
}

type ResultMsg struct {
	Type    string `json:"type"`
	MsgID   string `json:"msg_id"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}

type OfflineMsg struct {
	Type     string `json:"type"`
	Identity string `json:"identity"`
}

type ErrorMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type ByeMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// MessageBytes is the byte string a sender signs for an application message.
func MessageBytes(to Identity, id uuid.UUID, ts int64, content []byte) []byte {
	buf := make([]byte, 0, len(msgLabel)+IdentitySize+16+8+len(content))
	buf = append(buf, msgLabel...)
	buf = append(buf, to[:]...)
	buf = append(buf, id[:]...)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(ts))
	buf = append(buf, tmp[:]...)
	buf = append(buf, content...)
	return buf
}

func (m AppMessage) SigInput() []byte {
	return MessageBytes(m.To, m.ID, m.TS.UnixMilli(), m.Content)
}

func EncodeAppMsg(m AppMessage) ([]byte, error) {
	return json.Marshal(AppMsg{
		Type:    MsgTypeApp,
		MsgID:   m.ID.String(),
		From:    m.From.String(),
		To:      m.To.String(),
		Content: m.Content,
		TS:      m.TS.UnixMilli(),
		Sig:     hex.EncodeToString(m.Sig),
	})
}

func DecodeAppMsg(data []byte) (AppMsg, error) {
	var m AppMsg
	if err := decodeTyped(data, MsgTypeApp, &m); err != nil {
		return AppMsg{}, err
	}
	return m, nil
}

// DecodeAppFields checks that every required field is present and well formed.
func DecodeAppFields(m AppMsg) (AppMessage, error) {
	id, err := uuid.Parse(m.MsgID)
	if err != nil || id == uuid.Nil {
		return AppMessage{}, fmt.Errorf("bad msg_id")
	}
	from, err := ParseIdentity(m.From)
	if err != nil {
		return AppMessage{}, fmt.Errorf("bad from")
	}
	to, err := ParseIdentity(m.To)
	if err != nil || to.IsZero() {
		return AppMessage{}, fmt.Errorf("bad to")
	}
	if len(m.Content) == 0 || len(m.Content) > MaxContentSize {
		return AppMessage{}, fmt.Errorf("bad content size %d", len(m.Content))
	}
	if m.TS <= 0 {
		return AppMessage{}, fmt.Errorf("bad ts")
	}
	sig, err := hex.DecodeString(m.Sig)
	if err != nil || len(sig) == 0 {
		return AppMessage{}, fmt.Errorf("bad sig")
	}
	return AppMessage{
		ID:      id,
		From:    from,
		To:      to,
		Content: m.Content,
		TS:      time.UnixMilli(m.TS),
		Sig:     sig,
	}, nil
}

func EncodeResultMsg(m ResultMsg) ([]byte, error) {
	m.Type = MsgTypeResult
	return json.Marshal(m)
}

func DecodeResultMsg(data []byte) (ResultMsg, error) {
	var m ResultMsg
	if err := decodeTyped(data, MsgTypeResult, &m); err != nil {
		return ResultMsg{}, err
	}
	switch m.Outcome {
	case OutcomeDelivered, OutcomeOffline, OutcomeRejected:
	default:
		return ResultMsg{}, fmt.Errorf("unknown outcome %q", m.Outcome)
	}
	return m, nil
}

func EncodeOfflineMsg(id Identity) ([]byte, error) {
	return json.Marshal(OfflineMsg{Type: MsgTypeOffline, Identity: id.String()})
}

func DecodeOfflineMsg(data []byte) (Identity, error) {
	var m OfflineMsg
	if err := decodeTyped(data, MsgTypeOffline, &m); err != nil {
		return Identity{}, err
	}
	return ParseIdentity(m.Identity)
}

func EncodeErrorMsg(reason string) ([]byte, error) {
	return json.Marshal(ErrorMsg{Type: MsgTypeError, Reason: reason})
}

func DecodeErrorMsg(data []byte) (ErrorMsg, error) {
	var m ErrorMsg
	if err := decodeTyped(data, MsgTypeError, &m); err != nil {
		return ErrorMsg{}, err
	}
	return m, nil
}

func EncodeByeMsg(reason string) ([]byte, error) {
	return json.Marshal(ByeMsg{Type: MsgTypeBye, Reason: reason})
}

func DecodeByeMsg(data []byte) (ByeMsg, error) {
	var m ByeMsg
	if err := decodeTyped(data, MsgTypeBye, &m); err != nil {
		return ByeMsg{}, err
	}
	return m, nil
}
