// ABOUTME: Relay service tying the registry, token manager, upstream and ledger together
// ABOUTME: Record after post: a Parent turn exists only for messages the upstream accepted

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/directline"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/token"
)

// DefaultParentID is the sender id the parent posts under upstream.
const DefaultParentID = "parentBot"

// Upstream is the conversation protocol the relay speaks.
// *directline.Client implements it.
type Upstream interface {
	ActivityLister
	IssueCredential(ctx context.Context, secret string) (directline.Token, error)
	CreateConversation(ctx context.Context, token string) (string, error)
	PostActivity(ctx context.Context, token, conversationID, senderID, text string) (string, error)
}

// Options configures a Service.
type Options struct {
	ParentID    string
	DefaultWait time.Duration
	MaxWait     time.Duration

	// Poller waits for replies in Exchange. Defaults to a Poller over the upstream.
	Poller *Poller

	// Replies remembers recorded reply ids. Nil disables duplicate detection.
	Replies *dedupe.Cache

	Logger *slog.Logger
}

// Service is the relay core.
type Service struct {
	store       store.Store
	creds       Credentials
	upstream    Upstream
	poller      *Poller
	replies     *dedupe.Cache
	parentID    string
	defaultWait time.Duration
	maxWait     time.Duration
	logger      *slog.Logger
}

// New creates a Service.
func New(st store.Store, creds Credentials, upstream Upstream, opts Options) *Service {
	if opts.ParentID == "" {
		opts.ParentID = DefaultParentID
	}
	if opts.DefaultWait <= 0 {
		opts.DefaultWait = 30 * time.Second
	}
	if opts.MaxWait < opts.DefaultWait {
		opts.MaxWait = max(2*time.Minute, opts.DefaultWait)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Poller == nil {
		opts.Poller = NewPoller(upstream, PollerOptions{Credentials: creds, Logger: opts.Logger})
	}

	return &Service{
		store:       st,
		creds:       creds,
		upstream:    upstream,
		poller:      opts.Poller,
		replies:     opts.Replies,
		parentID:    opts.ParentID,
		defaultWait: opts.DefaultWait,
		maxWait:     opts.MaxWait,
		logger:      opts.Logger.With("component", "relay"),
	}
}

// ParentID returns the sender id used for parent messages.
func (s *Service) ParentID() string {
	return s.parentID
}

// Dispatched is the result of a successful Dispatch.
type Dispatched struct {
	ConversationID string
	Turn           *store.Turn
	Credential     token.Credential
	ParentID       string
}

// Dispatch sends text from the parent to agentID in a new upstream
// conversation and records the Parent turn once the post has succeeded.
func (s *Service) Dispatch(ctx context.Context, agentID, text string) (*Dispatched, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidMessage)
	}

	agent, err := s.lookupAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	cred, err := s.creds.Credential(ctx, agent)
	if err != nil {
		return nil, err
	}

	conversationID, err := s.upstream.CreateConversation(ctx, cred.Value)
	if err != nil {
		s.upstreamFailed(agent.ID, err)
		return nil, fmt.Errorf("%w: creating conversation: %w", ErrUpstreamRelay, err)
	}

	activityID, err := s.upstream.PostActivity(ctx, cred.Value, conversationID, s.parentID, text)
	if err != nil {
		s.upstreamFailed(agent.ID, err)
		return nil, fmt.Errorf("%w: posting message: %w", ErrUpstreamRelay, err)
	}

	turn := &store.Turn{
		ConversationID: conversationID,
		AgentID:        agent.ID,
		Sender:         store.SenderParent,
		Message:        text,
		ActivityID:     activityID,
	}
	if err := s.store.AppendTurn(ctx, turn); err != nil {
		// The message was delivered; only the record is missing.
		s.logger.Error("failed to record delivered parent turn",
			"agent_id", agent.ID, "conversation_id", conversationID, "error", err)
		return nil, fmt.Errorf("recording parent turn: %w", err)
	}

	s.logger.Info("message dispatched",
		"agent_id", agent.ID,
		"conversation_id", conversationID,
		"turn_id", turn.ID)

	return &Dispatched{
		ConversationID: conversationID,
		Turn:           turn,
		Credential:     cred,
		ParentID:       s.parentID,
	}, nil
}

// upstreamFailed drops a credential the upstream refused.
func (s *Service) upstreamFailed(agentID string, err error) {
	if directline.IsUnauthorized(err) {
		s.creds.Invalidate(agentID)
	}
	s.logger.Warn("upstream call failed", "agent_id", agentID, "error", err)
}

// AwaitReply waits for a reply on a dispatched conversation.
func (s *Service) AwaitReply(ctx context.Context, d *Dispatched, wait time.Duration) (Outcome, error) {
	return s.poller.AwaitReply(ctx, d.Turn.AgentID, d.ConversationID, d.ParentID, d.Credential, s.clampWait(wait))
}

func (s *Service) clampWait(wait time.Duration) time.Duration {
	if wait <= 0 {
		return s.defaultWait
	}
	return min(wait, s.maxWait)
}

// ExchangeResult is the result of Exchange.
type ExchangeResult struct {
	ConversationID string
	ParentTurn     *store.Turn
	Outcome        Outcome
	ChildTurn      *store.Turn // nil unless a reply was recorded
}

// Exchange dispatches text and waits up to wait for the reply. A zero wait
// uses the default; longer waits are capped. A reply is recorded as a Child
// turn and remembered so that the same reply pushed later is a duplicate.
func (s *Service) Exchange(ctx context.Context, agentID, text string, wait time.Duration) (*ExchangeResult, error) {
	d, err := s.Dispatch(ctx, agentID, text)
	if err != nil {
		return nil, err
	}

	result := &ExchangeResult{ConversationID: d.ConversationID, ParentTurn: d.Turn}

	outcome, err := s.AwaitReply(ctx, d, wait)
	if err != nil {
		return nil, err
	}
	result.Outcome = outcome
	if !outcome.Replied() {
		return result, nil
	}

	key := dedupe.Key(d.Turn.AgentID, outcome.ActivityID)
	if outcome.ActivityID != "" && s.replies != nil && s.replies.CheckAndMark(key) {
		// Already pushed by the child and recorded through CorrelateChildReply.
		return result, nil
	}

	child := &store.Turn{
		ConversationID: d.ConversationID,
		AgentID:        d.Turn.AgentID,
		Sender:         store.SenderChild,
		Message:        outcome.Text,
		ActivityID:     outcome.ActivityID,
	}
	if err := s.store.AppendTurn(context.WithoutCancel(ctx), child); err != nil {
		if outcome.ActivityID != "" && s.replies != nil {
			s.replies.Forget(key)
		}
		return nil, fmt.Errorf("recording child turn: %w", err)
	}
	result.ChildTurn = child

	return result, nil
}

// ChildReply is a reply pushed by a child agent.
type ChildReply struct {
	AgentID        string
	ConversationID string // optional; pins the reply to one conversation
	ReplyID        string // optional; used to drop redeliveries
	Text           string
}

// CorrelateChildReply attaches a pushed reply to the Parent turn it answers
// and records it as a Child turn.
func (s *Service) CorrelateChildReply(ctx context.Context, reply ChildReply) (*store.Turn, error) {
	if reply.AgentID == "" {
		return nil, fmt.Errorf("%w: agent id is required", ErrInvalidMessage)
	}
	if strings.TrimSpace(reply.Text) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidMessage)
	}

	parent, err := s.store.LatestTurn(ctx, store.TurnFilter{
		AgentID:        reply.AgentID,
		ConversationID: reply.ConversationID,
		Sender:         store.SenderParent,
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: agent %s", ErrNoMatchingParentTurn, reply.AgentID)
	}
	if err != nil {
		return nil, fmt.Errorf("finding parent turn: %w", err)
	}

	key := dedupe.Key(reply.AgentID, reply.ReplyID)
	tracked := reply.ReplyID != "" && s.replies != nil
	if tracked && s.replies.CheckAndMark(key) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateReply, reply.ReplyID)
	}

	turn := &store.Turn{
		ConversationID: parent.ConversationID,
		AgentID:        reply.AgentID,
		Sender:         store.SenderChild,
		Message:        reply.Text,
		ActivityID:     reply.ReplyID,
	}
	if err := s.store.AppendTurn(ctx, turn); err != nil {
		if tracked {
			s.replies.Forget(key)
		}
		return nil, fmt.Errorf("recording child turn: %w", err)
	}

	s.logger.Info("child reply correlated",
		"agent_id", reply.AgentID,
		"conversation_id", turn.ConversationID,
		"parent_turn_id", parent.ID,
		"turn_id", turn.ID)

	return turn, nil
}

// LatestTurn returns the newest turn matching filter.
func (s *Service) LatestTurn(ctx context.Context, filter store.TurnFilter) (*store.Turn, error) {
	if filter.Sender != "" && !filter.Sender.Valid() {
		return nil, fmt.Errorf("%w: %q", store.ErrInvalidSender, filter.Sender)
	}
	return s.store.LatestTurn(ctx, filter)
}

// ListConversationTurns returns up to limit of a conversation's most recent
// turns, oldest first.
func (s *Service) ListConversationTurns(ctx context.Context, conversationID string, limit int) ([]*store.Turn, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation id is required", ErrInvalidMessage)
	}
	return s.store.ListConversationTurns(ctx, conversationID, limit)
}
