package tokenpool

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

const sealedPrefix = "age:"

var ErrSealed = errors.New("credential is sealed and no identity is configured")

// Sealer protects credential secrets at rest.
type Sealer interface {
	Seal(plain string) (string, error)
	Open(stored string) (string, error)
}

// PlainSealer stores secrets as-is. It still refuses to hand out sealed
// values, so a missing identity surfaces instead of leaking ciphertext.
type PlainSealer struct{}

func (PlainSealer) Seal(plain string) (string, error) { return plain, nil }

func (PlainSealer) Open(stored string) (string, error) {
	if strings.HasPrefix(stored, sealedPrefix) {
		return "", ErrSealed
	}
	return stored, nil
}

type AgeSealer struct {
	identity  *age.X25519Identity
	recipient age.Recipient
}

// NewAgeSealer builds a sealer from an X25519 identity. recipient may be empty,
// in which case secrets are sealed to the identity's own public key.
func NewAgeSealer(identity, recipient string) (*AgeSealer, error) {
	id, err := age.ParseX25519Identity(strings.TrimSpace(identity))
	if err != nil {
		return nil, fmt.Errorf("parse age identity: %w", err)
	}
	s := &AgeSealer{identity: id, recipient: id.Recipient()}
	if recipient = strings.TrimSpace(recipient); recipient != "" {
		r, err := age.ParseX25519Recipient(recipient)
		if err != nil {
			return nil, fmt.Errorf("parse age recipient: %w", err)
		}
		s.recipient = r
	}
	return s, nil
}

func (s *AgeSealer) Seal(plain string) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return "", fmt.Errorf("seal credential: %w", err)
	}
	if _, err := io.WriteString(w, plain); err != nil {
		return "", fmt.Errorf("seal credential: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("seal credential: %w", err)
	}
	return sealedPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open decrypts sealed values. Unsealed values written before a key was
// configured are returned unchanged.
func (s *AgeSealer) Open(stored string) (string, error) {
	encoded, ok := strings.CutPrefix(stored, sealedPrefix)
	if !ok {
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("open credential: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return "", fmt.Errorf("open credential: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("open credential: %w", err)
	}
	return string(plain), nil
}
