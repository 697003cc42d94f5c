package devices

import (
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/box"

	"github.com/yungbote/lifelog-backend/internal/platform/envutil"
)

// Envelope opens NaCl anonymous sealed boxes. Devices with a registered
// public key may seal uploaded bytes against the server's public key; the
// upload path first tries to interpret bytes directly and falls back to
// unsealing.
type Envelope interface {
	Unseal(sealed []byte) ([]byte, bool)
}

type envelope struct {
	pub  *[32]byte
	priv *[32]byte
}

// NewEnvelopeFromEnv reads the server keypair from SEALED_BOX_PUBLIC_KEY /
// SEALED_BOX_PRIVATE_KEY (hex). Returns nil when unconfigured; a nil
// Envelope simply never unseals.
func NewEnvelopeFromEnv() (Envelope, error) {
	pubHex := strings.TrimSpace(envutil.Str("SEALED_BOX_PUBLIC_KEY", ""))
	privHex := strings.TrimSpace(envutil.Str("SEALED_BOX_PRIVATE_KEY", ""))
	if pubHex == "" && privHex == "" {
		return nil, nil
	}
	pub, err := decodeKey(pubHex)
	if err != nil {
		return nil, fmt.Errorf("SEALED_BOX_PUBLIC_KEY: %w", err)
	}
	priv, err := decodeKey(privHex)
	if err != nil {
		return nil, fmt.Errorf("SEALED_BOX_PRIVATE_KEY: %w", err)
	}
	return &envelope{pub: pub, priv: priv}, nil
}

func NewEnvelope(pub, priv *[32]byte) Envelope {
	return &envelope{pub: pub, priv: priv}
}

// GenerateEnvelopeKeys creates a fresh server keypair (hex encoded).
func GenerateEnvelopeKeys() (pubHex, privHex string, err error) {
	pub, priv, err := box.GenerateKey(crand.Reader)
	if err != nil {
		return "", "", err
	}
	return hex.EncodeToString(pub[:]), hex.EncodeToString(priv[:]), nil
}

func (e *envelope) Unseal(sealed []byte) ([]byte, bool) {
	if e == nil || e.pub == nil || e.priv == nil {
		return nil, false
	}
	out, ok := box.OpenAnonymous(nil, sealed, e.pub, e.priv)
	if !ok {
		return nil, false
	}
	return out, true
}

// Seal exists for device emulation in tests and tooling.
func Seal(plain []byte, serverPub *[32]byte) ([]byte, error) {
	return box.SealAnonymous(nil, plain, serverPub, crand.Reader)
}

func decodeKey(h string) (*[32]byte, error) {
	raw, err := hex.DecodeString(h)
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(raw))
	}
	var out [32]byte
	copy(out[:], raw)
	return &out, nil
}
