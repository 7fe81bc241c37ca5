// ABOUTME: Store interfaces and data types for coven-relay persistence
// ABOUTME: Defines Agent, Turn, Sender and the registry/ledger interfaces

package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateAgent is returned when registering an agent id that already exists
var ErrDuplicateAgent = errors.New("agent already exists")

// ErrInvalidSender is returned for any sender value other than parent or child
var ErrInvalidSender = errors.New("invalid sender")

// Sender identifies which side of an exchange authored a turn.
type Sender string

const (
	SenderParent Sender = "parent"
	SenderChild  Sender = "child"
)

// ParseSender converts a wire value into a Sender.
// Only "parent" and "child" are accepted.
func ParseSender(s string) (Sender, error) {
	switch Sender(s) {
	case SenderParent:
		return SenderParent, nil
	case SenderChild:
		return SenderChild, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSender, s)
	}
}

// Valid reports whether s is one of the two known senders.
func (s Sender) Valid() bool {
	switch s {
	case SenderParent, SenderChild:
		return true
	default:
		return false
	}
}

// Agent is the read view of a registered agent. It never carries the
// issuance secret; see AgentStore.GetAgentSecret.
type Agent struct {
	ID           string
	Name         string
	Capabilities []string
	CreatedAt    time.Time
}

// HasCapability reports whether the agent advertises tag.
func (a *Agent) HasCapability(tag string) bool {
	return slices.Contains(a.Capabilities, tag)
}

// AgentRegistration carries everything needed to register an agent,
// including the write-only secret.
type AgentRegistration struct {
	ID           string
	Name         string
	Capabilities []string
	Secret       string
}

// Turn is one recorded message in a relayed conversation.
type Turn struct {
	ID             string
	ConversationID string
	AgentID        string
	Sender         Sender
	Message        string
	ActivityID     string    // upstream activity id, when known
	Timestamp      time.Time // assigned by the store, strictly increasing
	Seq            int64     // insertion order, assigned by the store
}

// TurnFilter narrows ledger queries. Empty fields match anything.
type TurnFilter struct {
	AgentID        string
	ConversationID string
	Sender         Sender
}

// Matches reports whether t satisfies every non-empty field of f.
func (f TurnFilter) Matches(t *Turn) bool {
	if f.AgentID != "" && t.AgentID != f.AgentID {
		return false
	}
	if f.ConversationID != "" && t.ConversationID != f.ConversationID {
		return false
	}
	if f.Sender != "" && t.Sender != f.Sender {
		return false
	}
	return true
}

// AgentStore is the agent registry.
type AgentStore interface {
	CreateAgent(ctx context.Context, reg *AgentRegistration) (*Agent, error)
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	FindAgentByCapability(ctx context.Context, capability string) (*Agent, error)

	// GetAgentSecret returns the plaintext issuance secret. Only the token
	// manager should call this.
	GetAgentSecret(ctx context.Context, id string) (string, error)
}

// LedgerStore is the append-only conversation ledger.
type LedgerStore interface {
	// AppendTurn records a turn. ID, Timestamp and Seq are assigned by the
	// store and written back into turn.
	AppendTurn(ctx context.Context, turn *Turn) error

	// LatestTurn returns the matching turn with the greatest timestamp,
	// later insertion winning ties. Returns ErrNotFound when nothing matches.
	LatestTurn(ctx context.Context, filter TurnFilter) (*Turn, error)

	// ListConversationTurns returns the most recent limit turns of a
	// conversation in chronological order. limit <= 0 returns all of them.
	ListConversationTurns(ctx context.Context, conversationID string, limit int) ([]*Turn, error)
}

// Store combines the registry and the ledger.
type Store interface {
	AgentStore
	LedgerStore

	// Close releases any resources held by the store
	Close() error
}

// monotonicClock hands out strictly increasing timestamps.
type monotonicClock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func newMonotonicClock() *monotonicClock {
	return &monotonicClock{now: time.Now}
}

func (c *monotonicClock) next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC().Round(0)
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return t
}

// observe advances the clock past t, so timestamps loaded from disk are
// never reissued.
func (c *monotonicClock) observe(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.last) {
		c.last = t
	}
}

func validateTurn(turn *Turn) error {
	if !turn.Sender.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSender, turn.Sender)
	}
	if turn.AgentID == "" {
		return errors.New("turn agent_id is required")
	}
	if turn.ConversationID == "" {
		return errors.New("turn conversation_id is required")
	}
	return nil
}
