package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/sha3"

	"keylobby/internal/proto"
)

// -----------------------------------------------------------------------------
// Signature gateway
//
// Ed25519 only: public keys are the 32-byte identities, signatures are
// deterministic, and neither call touches any state.
// -----------------------------------------------------------------------------

const (
	PublicKeySize  = ed25519.PublicKeySize
	PrivateKeySize = ed25519.PrivateKeySize
	SignatureSize  = ed25519.SignatureSize
)

var ErrBadPrivateKey = errors.New("bad private key")

type Signer interface {
	Sign(msg []byte, priv []byte) ([]byte, error)
}

type Verifier interface {
	Verify(pub proto.Identity, msg []byte, sig []byte) bool
}

// Gateway is the pair of operations the routing core consumes.
type Gateway interface {
	Signer
	Verifier
}

type Ed25519Gateway struct{}

func (Ed25519Gateway) Sign(msg []byte, priv []byte) ([]byte, error) {
	return Sign(priv, msg)
}

func (Ed25519Gateway) Verify(pub proto.Identity, msg []byte, sig []byte) bool {
	return Verify(pub, msg, sig)
}

func Sign(priv []byte, msg []byte) ([]byte, error) {
	if len(priv) != PrivateKeySize {
		return nil, ErrBadPrivateKey
	}
	return ed25519.Sign(ed25519.PrivateKey(priv), msg), nil
}

func Verify(pub proto.Identity, msg []byte, sig []byte) bool {
	if len(sig) != SignatureSize || pub.IsZero() {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub[:]), msg, sig)
}

// IdentityOf returns the identity bound to a private key.
func IdentityOf(priv []byte) (proto.Identity, error) {
	if len(priv) != PrivateKeySize {
		return proto.Identity{}, ErrBadPrivateKey
	}
	pub := ed25519.PrivateKey(priv).Public().(ed25519.PublicKey)
	return proto.IdentityFromBytes(pub)
}

// -----------------------------------------------------------------------------
// SHA-3
// -----------------------------------------------------------------------------

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

// Fingerprint is a fixed-size digest over labelled parts, used for dedup keys.
func Fingerprint(label string, parts ...[]byte) [32]byte {
	h := sha3.New256()
	h.Write([]byte(label))
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// -----------------------------------------------------------------------------
// Key storage
// -----------------------------------------------------------------------------

func GenKeypair() (proto.Identity, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return proto.Identity{}, nil, err
	}
	id, err := proto.IdentityFromBytes(pub)
	if err != nil {
		return proto.Identity{}, nil, err
	}
	return id, []byte(priv), nil
}

func SaveKeypair(dir string, pub proto.Identity, priv []byte) error {
	if pub.IsZero() || len(priv) != PrivateKeySize {
		return errors.New("empty key")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "pub.hex"), []byte(pub.String()), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "priv.hex"), []byte(hex.EncodeToString(priv)), 0600)
}

func LoadKeypair(dir string) (proto.Identity, []byte, error) {
	pubHex, err := os.ReadFile(filepath.Join(dir, "pub.hex"))
	if err != nil {
		return proto.Identity{}, nil, err
	}
	privHex, err := os.ReadFile(filepath.Join(dir, "priv.hex"))
	if err != nil {
		return proto.Identity{}, nil, err
	}
	pub, err := proto.ParseIdentity(strings.TrimSpace(string(pubHex)))
	if err != nil {
		return proto.Identity{}, nil, fmt.Errorf("bad pub.hex")
	}
	priv, err := hex.DecodeString(strings.TrimSpace(string(privHex)))
	if err != nil || len(priv) != PrivateKeySize {
		return proto.Identity{}, nil, fmt.Errorf("bad priv.hex")
	}
	derived, err := IdentityOf(priv)
	if err != nil || derived != pub {
		return proto.Identity{}, nil, fmt.Errorf("pub.hex does not match priv.hex")
	}
	return pub, priv, nil
}

// LoadOrCreateKeypair loads the keypair in dir, generating one on first use.
func LoadOrCreateKeypair(dir string) (proto.Identity, []byte, error) {
	pub, priv, err := LoadKeypair(dir)
	if err == nil {
		return pub, priv, nil
	}
	if !os.IsNotExist(err) {
		return proto.Identity{}, nil, err
	}
	pub, priv, err = GenKeypair()
	if err != nil {
		return proto.Identity{}, nil, err
	}
	if err := SaveKeypair(dir, pub, priv); err != nil {
		return proto.Identity{}, nil, err
	}
	return pub, priv, nil
}
