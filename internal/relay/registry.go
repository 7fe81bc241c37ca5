// ABOUTME: Agent registry operations exposed by the relay service
// ABOUTME: Validates registrations and maps missing agents to ErrAgentNotFound

package relay

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/2389/coven-relay/internal/store"
)

// RegisterAgent validates and stores a new agent. Name defaults to the id.
// Capability tags are trimmed and de-duplicated, keeping first occurrence order.
func (s *Service) RegisterAgent(ctx context.Context, reg store.AgentRegistration) (*store.Agent, error) {
	reg.ID = strings.TrimSpace(reg.ID)
	reg.Name = strings.TrimSpace(reg.Name)
	if reg.ID == "" {
		return nil, fmt.Errorf("%w: agent id is required", ErrInvalidMessage)
	}
	if reg.Secret == "" {
		return nil, fmt.Errorf("%w: secret is required", ErrInvalidMessage)
	}
	if reg.Name == "" {
		reg.Name = reg.ID
	}
	reg.Capabilities = normalizeCapabilities(reg.Capabilities)

	agent, err := s.store.CreateAgent(ctx, &reg)
	if err != nil {
		return nil, err
	}

	s.logger.Info("agent registered", "agent_id", agent.ID, "capabilities", agent.Capabilities)
	return agent, nil
}

func normalizeCapabilities(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || slices.Contains(out, tag) {
			continue
		}
		out = append(out, tag)
	}
	return out
}

// GetAgent returns a registered agent.
func (s *Service) GetAgent(ctx context.Context, id string) (*store.Agent, error) {
	return s.lookupAgent(ctx, id)
}

// ListAgents returns every registered agent in registration order.
func (s *Service) ListAgents(ctx context.Context) ([]*store.Agent, error) {
	return s.store.ListAgents(ctx)
}

// FindAgentByCapability returns the earliest registered agent advertising capability.
func (s *Service) FindAgentByCapability(ctx context.Context, capability string) (*store.Agent, error) {
	capability = strings.TrimSpace(capability)
	if capability == "" {
		return nil, fmt.Errorf("%w: capability is required", ErrInvalidMessage)
	}

	agent, err := s.store.FindAgentByCapability(ctx, capability)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no agent with capability %q", ErrAgentNotFound, capability)
	}
	if err != nil {
		return nil, fmt.Errorf("finding agent: %w", err)
	}
	return agent, nil
}

func (s *Service) lookupAgent(ctx context.Context, id string) (*store.Agent, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: agent id is required", ErrInvalidMessage)
	}
	agent, err := s.store.GetAgent(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up agent: %w", err)
	}
	return agent, nil
}
