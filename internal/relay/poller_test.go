// ABOUTME: Tests for the Response Poller
// ABOUTME: Covers reply filtering, bounded timeouts, retries, watermarks, and credential renewal

package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/directline"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/token"
)

type listResult struct {
	set directline.ActivitySet
	err error
}

type listCall struct {
	token     string
	watermark string
}

// scriptedLister answers ListActivities from a script; the last entry repeats.
type scriptedLister struct {
	mu     sync.Mutex
	script []listResult
	calls  []listCall
}

func (l *scriptedLister) ListActivities(ctx context.Context, tok, conversationID, watermark string) (directline.ActivitySet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, listCall{token: tok, watermark: watermark})
	if len(l.script) == 0 {
		return directline.ActivitySet{}, nil
	}
	res := l.script[0]
	if len(l.script) > 1 {
		l.script = l.script[1:]
	}
	return res.set, res.err
}

func (l *scriptedLister) Calls() []listCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]listCall(nil), l.calls...)
}

// stubCredentials hands out numbered credentials and counts invalidations.
type stubCredentials struct {
	mu          sync.Mutex
	issued      int
	invalidated int
}

func (c *stubCredentials) Credential(ctx context.Context, agent *store.Agent) (token.Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.issued++
	return token.Credential{Value: "renewed", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (c *stubCredentials) Invalidate(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated++
}

func validCred() token.Credential {
	return token.Credential{Value: "tok", ExpiresAt: time.Now().Add(time.Hour)}
}

func message(id, from, text string) directline.Activity {
	return directline.Activity{ID: id, Type: "message", From: directline.ChannelAccount{ID: from}, Text: text}
}

func fastPoller(lister ActivityLister, creds Credentials) *Poller {
	return NewPoller(lister, PollerOptions{
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		Credentials:     creds,
	})
}

func TestPoller_ReturnsMostRecentReply(t *testing.T) {
	lister := &scriptedLister{script: []listResult{{set: directline.ActivitySet{
		Activities: []directline.Activity{
			message("1", "parentBot", "ping"),
			message("2", "b1", "first"),
			message("3", "b1", "second"),
			message("4", "parentBot", "anything else?"),
		},
		Watermark: "4",
	}}}}

	outcome, err := fastPoller(lister, nil).AwaitReply(context.Background(), "b1", "c1", "parentBot", validCred(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplied, outcome.Kind)
	assert.Equal(t, "second", outcome.Text)
	assert.Equal(t, "3", outcome.ActivityID)
	assert.Equal(t, "b1", outcome.From)
	assert.Equal(t, 1, outcome.Polls)
}

func TestPoller_IgnoresNonReplies(t *testing.T) {
	lister := &scriptedLister{script: []listResult{{set: directline.ActivitySet{
		Activities: []directline.Activity{
			message("1", "parentBot", "ping"),
			{ID: "2", Type: "typing", From: directline.ChannelAccount{ID: "b1"}},
			message("3", "b1", ""),
			{ID: "4", Type: "event", From: directline.ChannelAccount{ID: "b1"}, Text: "not a message"},
		},
	}}}}

	outcome, err := fastPoller(lister, nil).AwaitReply(context.Background(), "b1", "c1", "parentBot", validCred(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, outcome.Kind)
	assert.Empty(t, outcome.Text)
}

func TestPoller_TimesOutWithinPollBound(t *testing.T) {
	lister := &scriptedLister{}
	p := NewPoller(lister, PollerOptions{InitialInterval: 20 * time.Millisecond, MaxInterval: 20 * time.Millisecond})

	deadline := 200 * time.Millisecond
	start := time.Now()
	outcome, err := p.AwaitReply(context.Background(), "b1", "c1", "parentBot", validCred(), deadline)
	elapsed := time.Since(start)

	require.NoError(t, err, "a timeout is an outcome, not an error")
	assert.Equal(t, OutcomeTimedOut, outcome.Kind)
	assert.GreaterOrEqual(t, elapsed, deadline)
	assert.Less(t, elapsed, deadline+time.Second)

	maxPolls := 1 + int(deadline/(20*time.Millisecond))
	assert.LessOrEqual(t, outcome.Polls, maxPolls)
	assert.Equal(t, outcome.Polls, len(lister.Calls()))
}

func TestPoller_BackoffReducesPolls(t *testing.T) {
	lister := &scriptedLister{}
	p := NewPoller(lister, PollerOptions{InitialInterval: 10 * time.Millisecond, MaxInterval: 80 * time.Millisecond})

	outcome, err := p.AwaitReply(context.Background(), "b1", "c1", "parentBot", validCred(), 300*time.Millisecond)
	require.NoError(t, err)

	// Sleeps of 10, 20, 40, 80, 80... fit at most 7 polls in 300ms.
	assert.LessOrEqual(t, outcome.Polls, 7)
	assert.GreaterOrEqual(t, outcome.Polls, 2)
}

func TestPoller_RetriesErrors(t *testing.T) {
	lister := &scriptedLister{script: []listResult{
		{err: errors.New("connection reset")},
		{err: &directline.StatusError{Op: "list activities", StatusCode: http.StatusServiceUnavailable}},
		{set: directline.ActivitySet{Activities: []directline.Activity{message("9", "b1", "finally")}}},
	}}

	outcome, err := fastPoller(lister, nil).AwaitReply(context.Background(), "b1", "c1", "parentBot", validCred(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "finally", outcome.Text)
	assert.Equal(t, 3, outcome.Polls)
}

func TestPoller_ThreadsWatermark(t *testing.T) {
	lister := &scriptedLister{script: []listResult{
		{set: directline.ActivitySet{Activities: []directline.Activity{message("1", "parentBot", "ping")}, Watermark: "1"}},
		{err: errors.New("blip")},
		{set: directline.ActivitySet{Watermark: ""}},
		{set: directline.ActivitySet{Activities: []directline.Activity{message("2", "b1", "pong")}, Watermark: "2"}},
	}}

	outcome, err := fastPoller(lister, nil).AwaitReply(context.Background(), "b1", "c1", "parentBot", validCred(), time.Second)
	require.NoError(t, err)
	require.True(t, outcome.Replied())

	calls := lister.Calls()
	require.Len(t, calls, 4)
	assert.Equal(t, "", calls[0].watermark)
	assert.Equal(t, "1", calls[1].watermark)
	assert.Equal(t, "1", calls[2].watermark, "failed polls keep the watermark")
	assert.Equal(t, "1", calls[3].watermark, "empty watermarks do not reset it")
}

func TestPoller_HonoursCancellation(t *testing.T) {
	lister := &scriptedLister{}
	p := NewPoller(lister, PollerOptions{InitialInterval: time.Second, MaxInterval: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	outcome, err := p.AwaitReply(ctx, "b1", "c1", "parentBot", validCred(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, outcome.Kind)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 1, outcome.Polls)
}

func TestPoller_InvalidArguments(t *testing.T) {
	p := fastPoller(&scriptedLister{}, nil)

	_, err := p.AwaitReply(context.Background(), "b1", "", "parentBot", validCred(), time.Second)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = p.AwaitReply(context.Background(), "b1", "c1", "parentBot", validCred(), 0)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestPoller_RenewsExpiredCredential(t *testing.T) {
	lister := &scriptedLister{script: []listResult{
		{set: directline.ActivitySet{Activities: []directline.Activity{message("2", "b1", "pong")}}},
	}}
	creds := &stubCredentials{}
	expired := token.Credential{Value: "stale", ExpiresAt: time.Now().Add(-time.Second)}

	outcome, err := fastPoller(lister, creds).AwaitReply(context.Background(), "b1", "c1", "parentBot", expired, time.Second)
	require.NoError(t, err)
	assert.True(t, outcome.Replied())

	calls := lister.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "renewed", calls[0].token, "an expired credential is never presented")
	assert.Equal(t, 1, creds.issued)
	assert.Equal(t, 0, creds.invalidated)
}

func TestPoller_ExpiredCredentialWithoutRenewal(t *testing.T) {
	lister := &scriptedLister{}
	expired := token.Credential{Value: "stale", ExpiresAt: time.Now().Add(-time.Second)}

	outcome, err := fastPoller(lister, nil).AwaitReply(context.Background(), "b1", "c1", "parentBot", expired, time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, outcome.Kind)
	assert.Equal(t, 0, outcome.Polls)
	assert.Empty(t, lister.Calls())
}

func TestPoller_RenewsRejectedCredential(t *testing.T) {
	lister := &scriptedLister{script: []listResult{
		{err: &directline.StatusError{Op: "list activities", StatusCode: http.StatusForbidden}},
		{set: directline.ActivitySet{Activities: []directline.Activity{message("2", "b1", "pong")}}},
	}}
	creds := &stubCredentials{}

	outcome, err := fastPoller(lister, creds).AwaitReply(context.Background(), "b1", "c1", "parentBot", validCred(), time.Second)
	require.NoError(t, err)
	assert.True(t, outcome.Replied())

	calls := lister.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "tok", calls[0].token)
	assert.Equal(t, "renewed", calls[1].token)
	assert.Equal(t, 1, creds.invalidated)
}

func TestOutcomeKind_String(t *testing.T) {
	assert.Equal(t, "replied", OutcomeReplied.String())
	assert.Equal(t, "timed_out", OutcomeTimedOut.String())
	assert.Equal(t, "OutcomeKind(9)", OutcomeKind(9).String())
}
