// Package token manages short-lived upstream bearer credentials per agent.
//
// # Overview
//
// CredentialStore holds the last credential issued for each agent together
// with its expiry instant. Manager sits in front of it and the upstream
// issuance endpoint:
//
//	mgr := token.NewManager(client, st, token.Options{Lease: 25 * time.Minute})
//	cred, err := mgr.Credential(ctx, agent)
//
// A cached credential is returned while now < ExpiresAt - SafetyMargin.
// Otherwise a new one is issued with the agent's secret.
//
// # Single Flight
//
// Concurrent misses for one agent collapse into a single issuance call keyed
// by agent id. Misses for different agents never wait on each other. Each
// caller waits with its own context; a caller that gives up does not cancel
// the shared issuance.
//
// # Errors
//
// Every failure to obtain a credential wraps ErrCredentialIssuance together
// with its cause.
package token
