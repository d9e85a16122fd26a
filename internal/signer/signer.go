// Package signer holds the gateway identity: one keypair per process,
// backed either by a key file or by the secure element on the radio card.
package signer

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// KeyType prefixes the encoded public key
type KeyType byte

const (
	KeyTypeEd25519 KeyType = 0x01
)

// ErrUnavailable is wrapped by SigningError when the key cannot be reached.
var ErrUnavailable = errors.New("signing key unavailable")

// Signer signs with a private key that never leaves it.
type Signer interface {
	PublicKey() PublicKey
	Sign(ctx context.Context, msg []byte) ([]byte, error)
	Verify(msg, sig []byte) bool
}

// PublicKey represents the gateway public key
type PublicKey struct {
	Type KeyType
	Key  ed25519.PublicKey
}

// Bytes returns the key prefixed with its key type
func (p PublicKey) Bytes() []byte {
	out := make([]byte, 0, 1+len(p.Key))
	out = append(out, byte(p.Type))
	return append(out, p.Key...)
}

// String returns hex string representation
func (p PublicKey) String() string {
	return hex.EncodeToString(p.Bytes())
}

// Verify checks sig against msg
func (p PublicKey) Verify(msg, sig []byte) bool {
	if p.Type != KeyTypeEd25519 || len(p.Key) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(p.Key, msg, sig)
}

// ParsePublicKey parses the String form
func ParsePublicKey(s string) (PublicKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return PublicKey{}, fmt.Errorf("decode public key: %w", err)
	}
	return PublicKeyFromBytes(b)
}

// PublicKeyFromBytes parses the Bytes form
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	if len(b) != 1+ed25519.PublicKeySize {
		return PublicKey{}, fmt.Errorf("invalid public key length %d", len(b))
	}
	if KeyType(b[0]) != KeyTypeEd25519 {
		return PublicKey{}, fmt.Errorf("unsupported key type 0x%02x", b[0])
	}
	return PublicKey{Type: KeyTypeEd25519, Key: ed25519.PublicKey(append([]byte(nil), b[1:]...))}, nil
}

// SigningError reports a failed signature
type SigningError struct {
	Source string
	Err    error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("sign with %s: %v", e.Source, e.Err)
}

func (e *SigningError) Unwrap() error {
	return e.Err
}
