// Package auth issues and validates the self-certifying tokens a gateway
// presents when it registers with the packet router.
package auth

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/lorawan-server/poc-gateway/internal/signer"
)

const issuer = "gatewayd"

// Claims represents JWT claims. Subject is the gateway public key in its
// String form, so a token can be checked without any shared secret.
type Claims struct {
	jwt.RegisteredClaims
	Region string `json:"region,omitempty"`
}

// signingMethodGateway produces EdDSA signatures through a signer.Signer,
// so the private key can live in the secure element.
type signingMethodGateway struct{}

type signerKey struct {
	ctx    context.Context
	signer signer.Signer
}

func (signingMethodGateway) Alg() string {
	return jwt.SigningMethodEdDSA.Alg()
}

func (signingMethodGateway) Sign(signingString string, key interface{}) ([]byte, error) {
	k, ok := key.(signerKey)
	if !ok {
		return nil, jwt.ErrInvalidKeyType
	}
	return k.signer.Sign(k.ctx, []byte(signingString))
}

func (signingMethodGateway) Verify(signingString string, sig []byte, key interface{}) error {
	pk, ok := key.(signer.PublicKey)
	if !ok {
		return jwt.ErrInvalidKeyType
	}
	if !pk.Verify([]byte(signingString), sig) {
		return jwt.ErrSignatureInvalid
	}
	return nil
}

// TokenManager issues gateway tokens
type TokenManager struct {
	signer signer.Signer
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenManager creates a new token manager
func NewTokenManager(s signer.Signer, ttl time.Duration) *TokenManager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &TokenManager{
		signer: s,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue signs a fresh token. Each token carries a unique ID.
func (m *TokenManager) Issue(ctx context.Context, region string) (string, error) {
	now := m.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   m.signer.PublicKey().String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			ID:        uuid.New().String(),
		},
		Region: region,
	}

	token := jwt.NewWithClaims(signingMethodGateway{}, claims)
	signed, err := token.SignedString(signerKey{ctx: ctx, signer: m.signer})
	if err != nil {
		return "", fmt.Errorf("sign gateway token: %w", err)
	}
	return signed, nil
}

// ValidateToken validates a token against the public key in its subject.
func ValidateToken(tokenString string) (*Claims, signer.PublicKey, error) {
	var pk signer.PublicKey
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		claims, ok := token.Claims.(*Claims)
		if !ok {
			return nil, fmt.Errorf("unexpected claims type")
		}
		parsed, err := signer.ParsePublicKey(claims.Subject)
		if err != nil {
			return nil, err
		}
		pk = parsed
		return ed25519.PublicKey(parsed.Key), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}), jwt.WithIssuer(issuer))

	if err != nil {
		return nil, signer.PublicKey{}, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, signer.PublicKey{}, fmt.Errorf("invalid token")
	}

	return claims, pk, nil
}
