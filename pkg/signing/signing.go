// Package signing attaches and checks integrity signatures on envelopes exchanged
// between domains.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"

	"github.com/pgostovic/platform/pkg/message"
)

// ErrInvalidSignature is returned when an envelope fails verification.
var ErrInvalidSignature = errors.New("signing: invalid signature")

// Signer signs outbound envelopes and verifies inbound ones.
type Signer interface {
	Sign(env *message.Envelope)
	Verify(env *message.Envelope) error
}

// HMAC signs the canonical envelope input with HMAC-SHA256 keyed by a shared salt.
type HMAC struct {
	key []byte
}

// NewHMAC returns a signer keyed by salt.
func NewHMAC(salt string) (*HMAC, error) {
	trimmed := strings.TrimSpace(salt)
	if trimmed == "" {
		return nil, errors.New("signing: SIGNING_SALT is required")
	}
	return &HMAC{key: []byte(trimmed)}, nil
}

// SignInput returns the canonical bytes covered by a signature: every envelope field
// except the signature itself, payload last.
func SignInput(env *message.Envelope) []byte {
	var b strings.Builder
	b.WriteString(string(env.Kind))
	b.WriteByte('\n')
	b.WriteString(strconv.FormatUint(env.RequestID, 10))
	b.WriteByte('\n')
	b.WriteString(env.SourceID)
	b.WriteByte('\n')
	b.WriteString(strconv.Itoa(env.Seq))
	b.WriteByte('\n')
	b.WriteString(strconv.FormatBool(env.End))
	b.WriteByte('\n')
	b.Write(env.Payload)
	return []byte(b.String())
}

func (h *HMAC) mac(env *message.Envelope) []byte {
	m := hmac.New(sha256.New, h.key)
	_, _ = m.Write(SignInput(env))
	return m.Sum(nil)
}

// Sign sets env.Signature.
func (h *HMAC) Sign(env *message.Envelope) {
	env.Signature = hex.EncodeToString(h.mac(env))
}

// Verify checks env.Signature.
func (h *HMAC) Verify(env *message.Envelope) error {
	got, err := hex.DecodeString(strings.TrimSpace(env.Signature))
	if err != nil || len(got) == 0 {
		return ErrInvalidSignature
	}
	if !hmac.Equal(got, h.mac(env)) {
		return ErrInvalidSignature
	}
	return nil
}
