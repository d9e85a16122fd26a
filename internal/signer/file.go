package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

// FileSigner signs with an ed25519 key loaded from disk
type FileSigner struct {
	priv ed25519.PrivateKey
	pub  PublicKey
}

// NewFileSigner creates a signer from a private key
func NewFileSigner(priv ed25519.PrivateKey) *FileSigner {
	return &FileSigner{
		priv: priv,
		pub:  PublicKey{Type: KeyTypeEd25519, Key: priv.Public().(ed25519.PublicKey)},
	}
}

// LoadKeyFile reads a hex encoded seed (32 bytes) or private key (64 bytes).
func LoadKeyFile(path string) (*FileSigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode key file: %w", err)
	}

	switch len(raw) {
	case ed25519.SeedSize:
		return NewFileSigner(ed25519.NewKeyFromSeed(raw)), nil
	case ed25519.PrivateKeySize:
		return NewFileSigner(ed25519.PrivateKey(raw)), nil
	default:
		return nil, fmt.Errorf("invalid key length %d", len(raw))
	}
}

// GenerateKeyFile writes a fresh seed to path. It refuses to overwrite.
func GenerateKeyFile(path string) (*FileSigner, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("key file %s already exists", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	if err := os.WriteFile(path, []byte(hex.EncodeToString(priv.Seed())+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}

	return NewFileSigner(priv), nil
}

// PublicKey returns the public key
func (s *FileSigner) PublicKey() PublicKey {
	return s.pub
}

// Sign signs msg. It does not block.
func (s *FileSigner) Sign(_ context.Context, msg []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, msg), nil
}

// Verify checks sig against msg
func (s *FileSigner) Verify(msg, sig []byte) bool {
	return s.pub.Verify(msg, sig)
}
