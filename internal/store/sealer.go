// ABOUTME: Seals agent issuance secrets at rest with NaCl secretbox
// ABOUTME: Keys are derived from a configured passphrase via HKDF-SHA256

package store

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

// sealedPrefix marks a stored secret as secretbox ciphertext.
const sealedPrefix = "sb1:"

// ErrSecretSealed is returned when a sealed secret is read without a sealer configured.
var ErrSecretSealed = errors.New("secret is sealed and no secret key is configured")

// ErrSecretCorrupt is returned when a sealed secret fails to open.
var ErrSecretCorrupt = errors.New("sealed secret could not be opened")

// SecretSealer encrypts agent secrets before they reach the database.
type SecretSealer struct {
	key [32]byte
}

// NewSecretSealer derives a sealing key from passphrase.
func NewSecretSealer(passphrase string) (*SecretSealer, error) {
	if passphrase == "" {
		return nil, errors.New("secret key must not be empty")
	}

	s := &SecretSealer{}
	kdf := hkdf.New(sha256.New, []byte(passphrase), []byte("coven-relay"), []byte("agent-secrets"))
	if _, err := io.ReadFull(kdf, s.key[:]); err != nil {
		return nil, fmt.Errorf("deriving secret key: %w", err)
	}
	return s, nil
}

// Seal encrypts plain and returns a printable, prefixed ciphertext.
func (s *SecretSealer) Seal(plain string) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	box := secretbox.Seal(nonce[:], []byte(plain), &nonce, &s.key)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(box), nil
}

// Open decrypts a value produced by Seal.
func (s *SecretSealer) Open(sealed string) (string, error) {
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSecretCorrupt, err)
	}
	if len(raw) < 24+secretbox.Overhead {
		return "", ErrSecretCorrupt
	}

	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, &s.key)
	if !ok {
		return "", ErrSecretCorrupt
	}
	return string(plain), nil
}

// sealSecret applies sealer when present; a nil sealer stores plaintext.
func sealSecret(sealer *SecretSealer, plain string) (string, error) {
	if sealer == nil {
		return plain, nil
	}
	return sealer.Seal(plain)
}

// openSecret reverses sealSecret.
func openSecret(sealer *SecretSealer, stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	if sealer == nil {
		return "", ErrSecretSealed
	}
	return sealer.Open(stored)
}
