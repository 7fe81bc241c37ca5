// ABOUTME: Token Manager returning valid upstream credentials per agent
// ABOUTME: Refreshes on miss or expiry with single-flight issuance keyed by agent id

package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/coven-relay/internal/directline"
	"github.com/2389/coven-relay/internal/store"
)

// ErrCredentialIssuance is returned when a credential cannot be obtained.
var ErrCredentialIssuance = errors.New("credential issuance failed")

const (
	DefaultLease        = 25 * time.Minute
	DefaultSafetyMargin = time.Minute
)

// Issuer exchanges an agent secret for an upstream token.
type Issuer interface {
	IssueCredential(ctx context.Context, secret string) (directline.Token, error)
}

// SecretSource returns an agent's issuance secret.
type SecretSource interface {
	GetAgentSecret(ctx context.Context, id string) (string, error)
}

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	Lease        time.Duration
	SafetyMargin time.Duration
	Store        *CredentialStore
	Now          func() time.Time
	Logger       *slog.Logger
}

// Manager hands out valid credentials, issuing new ones when needed.
type Manager struct {
	issuer  Issuer
	secrets SecretSource
	creds   *CredentialStore
	group   singleflight.Group
	lease   time.Duration
	margin  time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// NewManager creates a Manager.
func NewManager(issuer Issuer, secrets SecretSource, opts Options) *Manager {
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	if opts.SafetyMargin < 0 || opts.SafetyMargin >= opts.Lease {
		opts.SafetyMargin = 0
	}
	if opts.Store == nil {
		opts.Store = NewCredentialStore()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Manager{
		issuer:  issuer,
		secrets: secrets,
		creds:   opts.Store,
		lease:   opts.Lease,
		margin:  opts.SafetyMargin,
		now:     opts.Now,
		logger:  opts.Logger.With("component", "token"),
	}
}

// Credential returns a credential for agent that is valid for at least the
// safety margin, issuing a new one if the cached credential is missing or
// about to expire.
func (m *Manager) Credential(ctx context.Context, agent *store.Agent) (Credential, error) {
	if agent == nil || agent.ID == "" {
		return Credential{}, fmt.Errorf("%w: agent is required", ErrCredentialIssuance)
	}

	if cred, ok := m.cached(agent.ID); ok {
		return cred, nil
	}

	// Detached: a caller giving up must not fail the others sharing the flight.
	flightCtx := context.WithoutCancel(ctx)
	ch := m.group.DoChan(agent.ID, func() (any, error) {
		return m.issue(flightCtx, agent.ID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		cred, _ := res.Val.(Credential)
		return cred, nil
	case <-ctx.Done():
		return Credential{}, fmt.Errorf("%w: %w", ErrCredentialIssuance, ctx.Err())
	}
}

// Invalidate drops the cached credential for agentID so the next call issues
// a fresh one. Used when the upstream rejects a credential early.
func (m *Manager) Invalidate(agentID string) {
	m.creds.Delete(agentID)
	m.group.Forget(agentID)
	m.logger.Debug("credential invalidated", "agent_id", agentID)
}

// cached returns the stored credential while it is outside the safety margin.
func (m *Manager) cached(agentID string) (Credential, bool) {
	cred, ok := m.creds.Get(agentID)
	if !ok {
		return Credential{}, false
	}
	now := m.now()
	fresh := cred.UsableAt(now.Add(m.margin))
	if !cred.refreshAt.IsZero() {
		fresh = cred.UsableAt(now) && now.Before(cred.refreshAt)
	}
	if !fresh {
		return Credential{}, false
	}
	return cred, true
}

// maxMarginFraction bounds the safety margin relative to the lease, so a
// short upstream lifetime still yields a credential that gets reused.
const maxMarginFraction = 4

// marginFor returns the safety margin applied to a credential leased for lease.
func (m *Manager) marginFor(lease time.Duration) time.Duration {
	return min(m.margin, lease/maxMarginFraction)
}

func (m *Manager) issue(ctx context.Context, agentID string) (Credential, error) {
	// Another flight may have refreshed the credential between our cache
	// check and acquiring the key.
	if cred, ok := m.cached(agentID); ok {
		return cred, nil
	}

	secret, err := m.secrets.GetAgentSecret(ctx, agentID)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: reading secret for %s: %w", ErrCredentialIssuance, agentID, err)
	}

	issuedAt := m.now()
	tok, err := m.issuer.IssueCredential(ctx, secret)
	if err != nil {
		m.logger.Warn("credential issuance failed", "agent_id", agentID, "error", err)
		return Credential{}, fmt.Errorf("%w: %w", ErrCredentialIssuance, err)
	}
	if tok.Value == "" {
		return Credential{}, fmt.Errorf("%w: %w", ErrCredentialIssuance, directline.ErrMalformedResponse)
	}

	lease := m.lease
	if tok.ExpiresIn > 0 && tok.ExpiresIn < lease {
		lease = tok.ExpiresIn
	}

	expiresAt := issuedAt.Add(lease)
	cred := Credential{
		Value:     tok.Value,
		ExpiresAt: expiresAt,
		refreshAt: expiresAt.Add(-m.marginFor(lease)),
	}
	m.creds.Put(agentID, cred)

	m.logger.Info("credential issued", "agent_id", agentID, "expires_at", cred.ExpiresAt)
	return cred, nil
}
