package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashVerifyRoundTrip(t *testing.T) {
	h := fastHasher()
	for _, pw := range []string{"Abcdef1!", "pässwörd-Ü1", " spaced Pass 9 "} {
		digest, err := h.Hash(pw)
		require.NoError(t, err)
		assert.True(t, h.Verify(pw, digest), pw)
		assert.False(t, h.Verify(pw+"x", digest), pw)
	}
}

func TestHashUsesFreshSalt(t *testing.T) {
	h := fastHasher()
	a, err := h.Hash("Abcdef1!")
	require.NoError(t, err)
	b, err := h.Hash("Abcdef1!")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	salt, _, ok := strings.Cut(a, ":")
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(salt)/2, 16)
}

func TestVerifyRejectsMalformedDigest(t *testing.T) {
	h := fastHasher()
	good, err := h.Hash("Abcdef1!")
	require.NoError(t, err)
	salt, key, _ := strings.Cut(good, ":")

	tests := map[string]string{
		"empty":         "",
		"no separator":  salt + key,
		"bad salt hex":  "zz" + salt[2:] + ":" + key,
		"short salt":    salt[:8] + ":" + key,
		"bad key hex":   salt + ":" + "xx" + key[2:],
		"truncated key": salt + ":" + key[:10],
		"extra field":   good + ":00",
	}
	for name, digest := range tests {
		t.Run(name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.False(t, h.Verify("Abcdef1!", digest))
			})
		})
	}
}

func TestHasherEnforcesMinimumSalt(t *testing.T) {
	h := NewArgon2HasherWithParams(Argon2Params{Time: 1, Memory: 64, Threads: 1, SaltLen: 4, KeyLen: 32})
	digest, err := h.Hash("Abcdef1!")
	require.NoError(t, err)
	salt, _, _ := strings.Cut(digest, ":")
	assert.Len(t, salt, 32)
}
