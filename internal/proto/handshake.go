package proto

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const (
	MsgTypeHello     = "hello"
	MsgTypeChallenge = "challenge"
	MsgTypeAuth      = "auth"
	MsgTypeWelcome   = "welcome"

	NonceSize      = 32
	MaxControlSize = 4 << 10

	authLabel = "keylobby:auth:v1"
)

type HelloMsg struct {
	Type string `json:"type"`
	Pub  string `json:"pub"`
}

type ChallengeMsg struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce"`
}

type AuthMsg struct {
	Type  string `json:"type"`
	Pub   string `json:"pub"`
	Nonce string `json:"nonce"`
	Sig   string `json:"sig"`
}

type WelcomeMsg struct {
	Type     string `json:"type"`
	Identity string `json:"identity"`
}

func EncodeHelloMsg(m HelloMsg) ([]byte, error) {
	m.Type = MsgTypeHello
	return json.Marshal(m)
}

func DecodeHelloMsg(data []byte) (HelloMsg, error) {
	var m HelloMsg
	if err := decodeTyped(data, MsgTypeHello, &m); err != nil {
		return HelloMsg{}, err
	}
	return m, nil
}

func EncodeChallengeMsg(m ChallengeMsg) ([]byte, error) {
	m.Type = MsgTypeChallenge
	return json.Marshal(m)
}

func DecodeChallengeMsg(data []byte) (ChallengeMsg, error) {
	var m ChallengeMsg
	if err := decodeTyped(data, MsgTypeChallenge, &m); err != nil {
		return ChallengeMsg{}, err
	}
	return m, nil
}

func EncodeAuthMsg(m AuthMsg) ([]byte, error) {
	m.Type = MsgTypeAuth
	return json.Marshal(m)
}

func DecodeAuthMsg(data []byte) (AuthMsg, error) {
	var m AuthMsg
	if err := decodeTyped(data, MsgTypeAuth, &m); err != nil {
		return AuthMsg{}, err
	}
	return m, nil
}

func EncodeWelcomeMsg(m WelcomeMsg) ([]byte, error) {
	m.Type = MsgTypeWelcome
	return json.Marshal(m)
}

func DecodeWelcomeMsg(data []byte) (WelcomeMsg, error) {
	var m WelcomeMsg
	if err := decodeTyped(data, MsgTypeWelcome, &m); err != nil {
		return WelcomeMsg{}, err
	}
	return m, nil
}

// AuthBytes is the byte string an identity signs to answer a challenge.
func AuthBytes(nonce []byte, pub Identity) []byte {
	buf := make([]byte, 0, len(authLabel)+len(nonce)+IdentitySize)
	buf = append(buf, authLabel...)
	buf = append(buf, nonce...)
	buf = append(buf, pub[:]...)
	return buf
}

func DecodeAuthFields(m AuthMsg) (Identity, []byte, []byte, error) {
	pub, err := ParseIdentity(m.Pub)
	if err != nil {
		return Identity{}, nil, nil, fmt.Errorf("bad pub")
	}
	nonce, err := hex.DecodeString(m.Nonce)
	if err != nil || len(nonce) != NonceSize {
		return Identity{}, nil, nil, fmt.Errorf("bad nonce")
	}
	sig, err := hex.DecodeString(m.Sig)
	if err != nil || len(sig) == 0 {
		return Identity{}, nil, nil, fmt.Errorf("bad sig")
	}
	return pub, nonce, sig, nil
}

func decodeTyped(data []byte, want string, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return err
	}
	if got := MsgType(data); got != "" && got != want {
		return fmt.Errorf("unexpected msg type: %s", got)
	}
	return nil
}
