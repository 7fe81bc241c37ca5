// ABOUTME: Tests for secret sealing with NaCl secretbox
// ABOUTME: Covers round trips, nonce uniqueness, tampering, and plaintext passthrough

package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretSealer_RoundTrip(t *testing.T) {
	sealer, err := NewSecretSealer("passphrase")
	require.NoError(t, err)

	sealed, err := sealer.Seal("top secret")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, sealedPrefix))

	plain, err := sealer.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "top secret", plain)
}

func TestSecretSealer_FreshNonceEachTime(t *testing.T) {
	sealer, err := NewSecretSealer("passphrase")
	require.NoError(t, err)

	a, err := sealer.Seal("same")
	require.NoError(t, err)
	b, err := sealer.Seal("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSecretSealer_Tampered(t *testing.T) {
	sealer, err := NewSecretSealer("passphrase")
	require.NoError(t, err)

	sealed, err := sealer.Seal("value")
	require.NoError(t, err)

	tampered := sealed[:len(sealed)-2] + "AA"
	if tampered == sealed {
		tampered = sealed[:len(sealed)-2] + "BB"
	}
	_, err = sealer.Open(tampered)
	assert.ErrorIs(t, err, ErrSecretCorrupt)

	_, err = sealer.Open(sealedPrefix + "!!!")
	assert.ErrorIs(t, err, ErrSecretCorrupt)

	_, err = sealer.Open(sealedPrefix + "c2hvcnQ")
	assert.ErrorIs(t, err, ErrSecretCorrupt)
}

func TestNewSecretSealer_EmptyKey(t *testing.T) {
	_, err := NewSecretSealer("")
	assert.Error(t, err)
}

func TestOpenSecret_Plaintext(t *testing.T) {
	got, err := openSecret(nil, "plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", got)

	stored, err := sealSecret(nil, "plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", stored)
}
