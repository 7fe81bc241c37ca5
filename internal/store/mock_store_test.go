// ABOUTME: Unit tests for MockStore to ensure behavior matches SQLiteStore
// ABOUTME: Focuses on clock edge cases and copy semantics specific to the in-memory implementation

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_FrozenClockStillOrders(t *testing.T) {
	store := NewMockStore()
	frozen := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store.SetNow(func() time.Time { return frozen })
	ctx := context.Background()

	a := &Turn{ConversationID: "c1", AgentID: "b1", Sender: SenderParent, Message: "a"}
	b := &Turn{ConversationID: "c2", AgentID: "b1", Sender: SenderParent, Message: "b"}
	require.NoError(t, store.AppendTurn(ctx, a))
	require.NoError(t, store.AppendTurn(ctx, b))

	assert.True(t, b.Timestamp.After(a.Timestamp))

	latest, err := store.LatestTurn(ctx, TurnFilter{AgentID: "b1", Sender: SenderParent})
	require.NoError(t, err)
	assert.Equal(t, "c2", latest.ConversationID)
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	_, err := store.CreateAgent(ctx, &AgentRegistration{ID: "b1", Name: "b1", Capabilities: []string{"x"}, Secret: "s"})
	require.NoError(t, err)

	got, err := store.GetAgent(ctx, "b1")
	require.NoError(t, err)
	got.Capabilities[0] = "mutated"

	again, err := store.GetAgent(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, again.Capabilities)

	turn := &Turn{ConversationID: "c1", AgentID: "b1", Sender: SenderParent, Message: "original"}
	require.NoError(t, store.AppendTurn(ctx, turn))
	turn.Message = "mutated"

	latest, err := store.LatestTurn(ctx, TurnFilter{})
	require.NoError(t, err)
	assert.Equal(t, "original", latest.Message)
}

func TestMockStore_AppendErr(t *testing.T) {
	store := NewMockStore()
	store.AppendErr = errors.New("disk full")

	err := store.AppendTurn(context.Background(), &Turn{ConversationID: "c1", AgentID: "b1", Sender: SenderChild, Message: "x"})
	assert.EqualError(t, err, "disk full")
	assert.Equal(t, 0, store.TurnCount())
}
