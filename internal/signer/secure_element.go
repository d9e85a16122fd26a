package signer

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"
)

const (
	cardInterface = "com.nlighten.LoraCard1"
	signMethod    = cardInterface + ".Sign"
	pubKeyProp    = cardInterface + ".PubKey"
)

// busObject is the part of dbus.BusObject the card signer uses.
type busObject interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
	GetProperty(p string) (dbus.Variant, error)
}

// SecureElement signs through the radio card's D-Bus service. The
// private key stays on the card.
type SecureElement struct {
	obj     busObject
	pub     PublicKey
	timeout time.Duration
}

// DialSecureElement connects to the system bus and reads the card public key once.
func DialSecureElement(service, path string, timeout time.Duration) (*SecureElement, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, &SigningError{Source: "secure element", Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}
	return newSecureElement(conn.Object(service, dbus.ObjectPath(path)), timeout)
}

func newSecureElement(obj busObject, timeout time.Duration) (*SecureElement, error) {
	v, err := obj.GetProperty(pubKeyProp)
	if err != nil {
		return nil, &SigningError{Source: "secure element", Err: fmt.Errorf("%w: read public key: %v", ErrUnavailable, err)}
	}

	raw, ok := v.Value().([]byte)
	if !ok || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("secure element returned malformed public key %v", v)
	}

	se := &SecureElement{
		obj:     obj,
		pub:     PublicKey{Type: KeyTypeEd25519, Key: ed25519.PublicKey(raw)},
		timeout: timeout,
	}

	log.Info().Str("module", "signer").Str("pubkey", se.pub.String()).Msg("secure element attached")
	return se, nil
}

// PublicKey returns the card public key
func (s *SecureElement) PublicKey() PublicKey {
	return s.pub
}

// Sign asks the card to sign msg, bounded by the configured timeout.
func (s *SecureElement) Sign(ctx context.Context, msg []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var sig []byte
	call := s.obj.CallWithContext(ctx, signMethod, 0, msg)
	if call.Err != nil {
		err := call.Err
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		}
		return nil, &SigningError{Source: "secure element", Err: err}
	}
	if err := call.Store(&sig); err != nil {
		return nil, &SigningError{Source: "secure element", Err: err}
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, &SigningError{Source: "secure element", Err: fmt.Errorf("unexpected signature length %d", len(sig))}
	}

	return sig, nil
}

// Verify checks sig against msg
func (s *SecureElement) Verify(msg, sig []byte) bool {
	return s.pub.Verify(msg, sig)
}
