// ABOUTME: HTTP client for the Direct Line v3 conversation relay API
// ABOUTME: Issues tokens, opens conversations, posts and lists activities

package directline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultBaseURL is the public Direct Line v3 endpoint.
const DefaultBaseURL = "https://directline.botframework.com/v3/directline"

// maxErrorBody caps how much of an error response body is kept for diagnostics.
const maxErrorBody = 512

// ErrMalformedResponse is returned when the upstream answers 2xx with a payload
// that is missing required fields.
var ErrMalformedResponse = errors.New("malformed upstream response")

// StatusError is returned for non-2xx upstream responses.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: upstream status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: upstream status %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsUnauthorized reports whether err is an upstream 401 or 403.
func IsUnauthorized(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden
}

// Token is a bearer credential as issued by the upstream.
type Token struct {
	Value          string
	ConversationID string
	ExpiresIn      time.Duration // nominal lease reported by the upstream
}

// ChannelAccount identifies the author of an activity.
type ChannelAccount struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Activity is the subset of a Direct Line activity the relay reads and writes.
type Activity struct {
	ID        string         `json:"id,omitempty"`
	Type      string         `json:"type"`
	From      ChannelAccount `json:"from"`
	Text      string         `json:"text,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitzero"`
	ReplyToID string         `json:"replyToId,omitempty"`
}

// ActivitySet is one page of the conversation activity feed.
type ActivitySet struct {
	Activities []Activity `json:"activities"`
	Watermark  string     `json:"watermark,omitempty"`
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration // per-request timeout when HTTPClient is nil
	RateLimit  float64       // requests per second, 0 disables limiting
	RateBurst  int
	Logger     *slog.Logger
}

// Client talks to a Direct Line v3 endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient creates a Direct Line client. Zero options fall back to the public
// endpoint, a 15s request timeout, and no rate limiting.
func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = int(opts.RateLimit) + 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL: baseURL,
		http:    httpClient,
		limiter: limiter,
		logger:  logger.With("component", "directline"),
	}
}

type tokenResponse struct {
	ConversationID string `json:"conversationId"`
	Token          string `json:"token"`
	ExpiresIn      int    `json:"expires_in"`
}

// IssueCredential exchanges a bot secret for a short-lived token.
func (c *Client) IssueCredential(ctx context.Context, secret string) (Token, error) {
	var resp tokenResponse
	if err := c.do(ctx, "issue credential", http.MethodPost, "/tokens/generate", secret, struct{}{}, &resp); err != nil {
		return Token{}, err
	}
	if resp.Token == "" {
		return Token{}, fmt.Errorf("issue credential: %w: empty token", ErrMalformedResponse)
	}

	c.logger.Debug("issued upstream token", "expires_in", resp.ExpiresIn)
	return Token{
		Value:          resp.Token,
		ConversationID: resp.ConversationID,
		ExpiresIn:      time.Duration(resp.ExpiresIn) * time.Second,
	}, nil
}

// CreateConversation opens a new conversation and returns its id.
func (c *Client) CreateConversation(ctx context.Context, token string) (string, error) {
	var resp tokenResponse
	if err := c.do(ctx, "create conversation", http.MethodPost, "/conversations", token, struct{}{}, &resp); err != nil {
		return "", err
	}
	if resp.ConversationID == "" {
		return "", fmt.Errorf("create conversation: %w: empty conversationId", ErrMalformedResponse)
	}
	return resp.ConversationID, nil
}

// PostActivity sends a message activity into a conversation on behalf of senderID.
// It returns the upstream activity id.
func (c *Client) PostActivity(ctx context.Context, token, conversationID, senderID, text string) (string, error) {
	activity := Activity{
		Type: "message",
		From: ChannelAccount{ID: senderID},
		Text: text,
	}

	var resp struct {
		ID string `json:"id"`
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/activities"
	if err := c.do(ctx, "post activity", http.MethodPost, path, token, activity, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// ListActivities returns activities after watermark. An empty watermark
// returns the whole feed.
func (c *Client) ListActivities(ctx context.Context, token, conversationID, watermark string) (ActivitySet, error) {
	path := "/conversations/" + url.PathEscape(conversationID) + "/activities"
	if watermark != "" {
		path += "?watermark=" + url.QueryEscape(watermark)
	}

	var set ActivitySet
	if err := c.do(ctx, "list activities", http.MethodGet, path, token, nil, &set); err != nil {
		return ActivitySet{}, err
	}
	return set, nil
}

// do performs one JSON request. body is omitted when nil.
func (c *Client) do(ctx context.Context, op, method, path, bearer string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: waiting for rate limiter: %w", op, err)
		}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encoding request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: creating request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrMalformedResponse, err)
	}
	return nil
}
