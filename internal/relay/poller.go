// ABOUTME: Response Poller that waits for a reply on an upstream conversation
// ABOUTME: Bounded by a deadline and the caller's context, with capped exponential backoff

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-relay/internal/directline"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/token"
)

const (
	DefaultInitialInterval = 250 * time.Millisecond
	DefaultMaxInterval     = 2 * time.Second
)

// ActivityLister reads a conversation's activity feed.
type ActivityLister interface {
	ListActivities(ctx context.Context, token, conversationID, watermark string) (directline.ActivitySet, error)
}

// Credentials hands out and revokes upstream credentials per agent.
type Credentials interface {
	Credential(ctx context.Context, agent *store.Agent) (token.Credential, error)
	Invalidate(agentID string)
}

// OutcomeKind says how a wait ended.
type OutcomeKind int

const (
	OutcomeTimedOut OutcomeKind = iota
	OutcomeReplied
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeReplied:
		return "replied"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is the terminal state of AwaitReply.
type Outcome struct {
	Kind       OutcomeKind
	Text       string // reply text, when replied
	ActivityID string // upstream id of the reply, when replied
	From       string // author of the reply, when replied
	Polls      int    // feed queries made
}

// Replied reports whether a reply arrived.
func (o Outcome) Replied() bool {
	return o.Kind == OutcomeReplied
}

// PollerOptions configures a Poller.
type PollerOptions struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// Credentials, when set, renews a credential that expires or is rejected
	// while waiting. Without it the wait ends as timed out instead.
	Credentials Credentials

	Now    func() time.Time
	Logger *slog.Logger
}

// Poller waits for replies on upstream conversations.
type Poller struct {
	lister  ActivityLister
	creds   Credentials
	initial time.Duration
	max     time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// NewPoller creates a Poller reading from lister.
func NewPoller(lister ActivityLister, opts PollerOptions) *Poller {
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = DefaultInitialInterval
	}
	if opts.MaxInterval < opts.InitialInterval {
		opts.MaxInterval = max(DefaultMaxInterval, opts.InitialInterval)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Poller{
		lister:  lister,
		creds:   opts.Credentials,
		initial: opts.InitialInterval,
		max:     opts.MaxInterval,
		now:     opts.Now,
		logger:  opts.Logger.With("component", "poller"),
	}
}

// AwaitReply polls conversationID until a message activity with text from
// anyone other than senderID appears, and returns the most recent one.
//
// The wait ends after deadline or when ctx is done, yielding OutcomeTimedOut.
// Query failures are logged and retried. At most 1 + deadline/InitialInterval
// queries are made. An error is returned only for invalid arguments.
func (p *Poller) AwaitReply(ctx context.Context, agentID, conversationID, senderID string, cred token.Credential, deadline time.Duration) (Outcome, error) {
	if conversationID == "" {
		return Outcome{}, fmt.Errorf("%w: conversation id is required", ErrInvalidMessage)
	}
	if deadline <= 0 {
		return Outcome{}, fmt.Errorf("%w: deadline must be positive", ErrInvalidMessage)
	}

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	logger := p.logger.With("agent_id", agentID, "conversation_id", conversationID)
	interval := p.initial
	watermark := ""
	polls := 0

	for {
		if !cred.UsableAt(p.now()) {
			renewed, ok := p.renew(ctx, agentID, false)
			if !ok {
				logger.Warn("credential expired while waiting for reply")
				return Outcome{Kind: OutcomeTimedOut, Polls: polls}, nil
			}
			cred = renewed
		}

		polls++
		set, err := p.lister.ListActivities(ctx, cred.Value, conversationID, watermark)
		switch {
		case err == nil:
			if set.Watermark != "" {
				watermark = set.Watermark
			}
			if reply, ok := latestReply(set.Activities, senderID); ok {
				logger.Debug("reply received", "activity_id", reply.ID, "polls", polls)
				return Outcome{
					Kind:       OutcomeReplied,
					Text:       reply.Text,
					ActivityID: reply.ID,
					From:       reply.From.ID,
					Polls:      polls,
				}, nil
			}
		case ctx.Err() != nil:
			// The in-flight query was cut short by the deadline.
		case directline.IsUnauthorized(err):
			logger.Warn("credential rejected while polling", "error", err)
			if renewed, ok := p.renew(ctx, agentID, true); ok {
				cred = renewed
			}
		default:
			logger.Warn("polling activities failed, retrying", "error", err, "polls", polls)
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Debug("stopped waiting for reply", "polls", polls, "reason", context.Cause(ctx))
			return Outcome{Kind: OutcomeTimedOut, Polls: polls}, nil
		case <-timer.C:
		}

		interval = min(interval*2, p.max)
	}
}

// renew fetches a fresh credential for agentID when the poller can.
func (p *Poller) renew(ctx context.Context, agentID string, invalidate bool) (token.Credential, bool) {
	if p.creds == nil || agentID == "" {
		return token.Credential{}, false
	}
	if invalidate {
		p.creds.Invalidate(agentID)
	}
	cred, err := p.creds.Credential(ctx, &store.Agent{ID: agentID})
	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			p.logger.Warn("renewing credential failed", "agent_id", agentID, "error", err)
		}
		return token.Credential{}, false
	}
	return cred, true
}

// latestReply returns the last message activity with text not authored by senderID.
func latestReply(activities []directline.Activity, senderID string) (directline.Activity, bool) {
	for i := len(activities) - 1; i >= 0; i-- {
		a := activities[i]
		if a.Type != "message" || a.Text == "" || a.From.ID == senderID {
			continue
		}
		return a, true
	}
	return directline.Activity{}, false
}
