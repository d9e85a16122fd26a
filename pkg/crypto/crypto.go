package crypto

import (
	"crypto/rand"
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// DigestSize is the length of Digest output
const DigestSize = blake2b.Size256

// GenerateRandomBytes generates random bytes
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// RandomUint16 returns a random value suitable for protocol tokens
func RandomUint16() (uint16, error) {
	b, err := GenerateRandomBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// Digest returns the BLAKE2b-256 hash of the concatenated parts
func Digest(parts ...[]byte) [DigestSize]byte {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		h.Write(p)
	}
	var out [DigestSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ShortDigest returns the first n bytes of Digest
func ShortDigest(n int, parts ...[]byte) []byte {
	d := Digest(parts...)
	if n > len(d) {
		n = len(d)
	}
	return append([]byte(nil), d[:n]...)
}
