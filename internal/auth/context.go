// ABOUTME: Authenticated agent identity carried through request handlers
// ABOUTME: Provides WithAgent/FromContext for propagating identity via context

package auth

import "context"

// AgentIdentity is the verified caller of a protected endpoint.
type AgentIdentity struct {
	AgentID string
}

type agentContextKey struct{}

// WithAgent returns a context carrying id.
func WithAgent(ctx context.Context, id *AgentIdentity) context.Context {
	return context.WithValue(ctx, agentContextKey{}, id)
}

// FromContext returns the identity attached by RequireAgent, or nil.
func FromContext(ctx context.Context) *AgentIdentity {
	id, _ := ctx.Value(agentContextKey{}).(*AgentIdentity)
	return id
}
