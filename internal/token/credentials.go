// ABOUTME: In-memory per-agent credential cache with expiry instants
// ABOUTME: Credentials are overwritten on refresh and only dropped by Invalidate

package token

import (
	"sync"
	"time"
)

// Credential is an upstream bearer token and the instant it stops being usable.
type Credential struct {
	Value     string
	ExpiresAt time.Time

	refreshAt time.Time // when the Manager stops handing it out; zero means ExpiresAt minus the margin
}

// UsableAt reports whether the credential may be presented at now.
func (c Credential) UsableAt(now time.Time) bool {
	return c.Value != "" && now.Before(c.ExpiresAt)
}

// CredentialStore holds the most recent credential per agent.
type CredentialStore struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

// NewCredentialStore creates an empty store.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{creds: make(map[string]Credential)}
}

// Get returns the cached credential for agentID, if any.
func (s *CredentialStore) Get(agentID string) (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[agentID]
	return cred, ok
}

// Put replaces the credential for agentID.
func (s *CredentialStore) Put(agentID string, cred Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[agentID] = cred
}

// Delete drops the credential for agentID.
func (s *CredentialStore) Delete(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, agentID)
}

// Len returns the number of cached credentials.
func (s *CredentialStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.creds)
}
