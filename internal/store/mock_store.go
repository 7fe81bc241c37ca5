// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping ledger ordering semantics

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu         sync.RWMutex
	agents     map[string]*Agent // keyed by agent ID
	agentOrder []string          // registration order
	secrets    map[string]string // keyed by agent ID
	turns      []*Turn           // append order
	clock      *monotonicClock
	seq        int64

	// Fail hooks let tests force errors from specific operations
	AppendErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:  make(map[string]*Agent),
		secrets: make(map[string]string),
		clock:   newMonotonicClock(),
	}
}

// SetNow overrides the clock used for turn timestamps.
func (m *MockStore) SetNow(now func() time.Time) {
	m.clock.mu.Lock()
	defer m.clock.mu.Unlock()
	m.clock.now = now
}

// CreateAgent stores a new agent.
func (m *MockStore) CreateAgent(ctx context.Context, reg *AgentRegistration) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[reg.ID]; exists {
		return nil, ErrDuplicateAgent
	}

	agent := &Agent{
		ID:           reg.ID,
		Name:         reg.Name,
		Capabilities: append([]string{}, reg.Capabilities...),
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	m.agents[agent.ID] = agent
	m.agentOrder = append(m.agentOrder, agent.ID)
	m.secrets[agent.ID] = reg.Secret

	return copyAgent(agent), nil
}

func copyAgent(a *Agent) *Agent {
	c := *a
	c.Capabilities = append([]string{}, a.Capabilities...)
	return &c
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agent, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAgent(agent), nil
}

// ListAgents returns all agents in registration order.
func (m *MockStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]*Agent, 0, len(m.agentOrder))
	for _, id := range m.agentOrder {
		agents = append(agents, copyAgent(m.agents[id]))
	}
	return agents, nil
}

// FindAgentByCapability returns the earliest registered agent with capability.
func (m *MockStore) FindAgentByCapability(ctx context.Context, capability string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, id := range m.agentOrder {
		if agent := m.agents[id]; agent.HasCapability(capability) {
			return copyAgent(agent), nil
		}
	}
	return nil, ErrNotFound
}

// GetAgentSecret returns the stored secret for an agent.
func (m *MockStore) GetAgentSecret(ctx context.Context, id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	secret, ok := m.secrets[id]
	if !ok {
		return "", ErrNotFound
	}
	return secret, nil
}

// AppendTurn records a turn.
func (m *MockStore) AppendTurn(ctx context.Context, turn *Turn) error {
	if err := validateTurn(turn); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendErr != nil {
		return m.AppendErr
	}

	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	m.seq++
	turn.Seq = m.seq
	turn.Timestamp = m.clock.next()

	// Make a copy to avoid external modification
	t := *turn
	m.turns = append(m.turns, &t)
	return nil
}

// LatestTurn returns the newest matching turn.
func (m *MockStore) LatestTurn(ctx context.Context, filter TurnFilter) (*Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *Turn
	for _, t := range m.turns {
		if !filter.Matches(t) {
			continue
		}
		if best == nil || t.Timestamp.After(best.Timestamp) ||
			(t.Timestamp.Equal(best.Timestamp) && t.Seq > best.Seq) {
			best = t
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}

	result := *best
	return &result, nil
}

// ListConversationTurns returns a conversation's turns, oldest first.
func (m *MockStore) ListConversationTurns(ctx context.Context, conversationID string, limit int) ([]*Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var turns []*Turn
	for _, t := range m.turns {
		if t.ConversationID == conversationID {
			c := *t
			turns = append(turns, &c)
		}
	}

	sort.SliceStable(turns, func(i, j int) bool {
		if turns[i].Timestamp.Equal(turns[j].Timestamp) {
			return turns[i].Seq < turns[j].Seq
		}
		return turns[i].Timestamp.Before(turns[j].Timestamp)
	})

	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

// TurnCount returns how many turns have been recorded.
func (m *MockStore) TurnCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.turns)
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)
