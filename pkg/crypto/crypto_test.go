package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigestIsStableAcrossSplits(t *testing.T) {
	a := Digest([]byte("hello "), []byte("world"))
	b := Digest([]byte("hello world"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Digest([]byte("hello")))
}

func TestShortDigest(t *testing.T) {
	full := Digest([]byte("x"))
	assert.Equal(t, full[:8], ShortDigest(8, []byte("x")))
	assert.Len(t, ShortDigest(64, []byte("x")), DigestSize)
}

func TestGenerateRandomBytes(t *testing.T) {
	a, err := GenerateRandomBytes(16)
	require.NoError(t, err)
	b, err := GenerateRandomBytes(16)
	require.NoError(t, err)
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b)
}
