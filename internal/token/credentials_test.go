// ABOUTME: Tests for the in-memory credential store
// ABOUTME: Covers usability at the expiry boundary plus overwrite and delete

package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCredential_UsableAt(t *testing.T) {
	now := time.Now()
	cred := Credential{Value: "v", ExpiresAt: now.Add(time.Minute)}

	assert.True(t, cred.UsableAt(now))
	assert.False(t, cred.UsableAt(now.Add(time.Minute)), "expiry instant itself is not usable")
	assert.False(t, cred.UsableAt(now.Add(2*time.Minute)))
	assert.False(t, Credential{ExpiresAt: now.Add(time.Hour)}.UsableAt(now), "empty value is never usable")
}

func TestCredentialStore(t *testing.T) {
	s := NewCredentialStore()

	_, ok := s.Get("b1")
	assert.False(t, ok)

	s.Put("b1", Credential{Value: "one"})
	s.Put("b1", Credential{Value: "two"})
	s.Put("b2", Credential{Value: "other"})

	got, ok := s.Get("b1")
	assert.True(t, ok)
	assert.Equal(t, "two", got.Value)
	assert.Equal(t, 2, s.Len())

	s.Delete("b1")
	_, ok = s.Get("b1")
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())
}
