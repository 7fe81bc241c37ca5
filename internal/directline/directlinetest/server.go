// ABOUTME: In-memory Direct Line v3 server for tests and local development
// ABOUTME: Bots are scripted with ReplyFuncs; failures can be injected per operation

package directlinetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/directline"
)

// ReplyFunc decides how a bot answers an incoming message.
// Returning ok=false leaves the message unanswered.
type ReplyFunc func(text string) (reply string, delay time.Duration, ok bool)

// Echo replies with prefix+text after delay.
func Echo(prefix string, delay time.Duration) ReplyFunc {
	return func(text string) (string, time.Duration, bool) {
		return prefix + text, delay, true
	}
}

// Silent never replies.
func Silent() ReplyFunc {
	return func(string) (string, time.Duration, bool) { return "", 0, false }
}

type bot struct {
	id    string
	reply ReplyFunc
}

type pending struct {
	visibleAt time.Time
	activity  directline.Activity
}

type conversation struct {
	id         string
	secret     string
	activities []directline.Activity
	pending    []pending
	seq        int
}

func (c *conversation) nextID() string {
	id := c.id + "|" + strconv.Itoa(c.seq)
	c.seq++
	return id
}

// Server is a fake Direct Line endpoint. The zero value is not usable; call New.
type Server struct {
	mu            sync.Mutex
	bots          map[string]*bot // keyed by secret
	tokens        map[string]string
	conversations map[string]*conversation
	issueCalls    map[string]int
	listCalls     map[string]int
	issueFailures map[string]int // secret -> status code
	failLists     int
	failPosts     int
	issueDelay    time.Duration
	now           func() time.Time
	mux           *http.ServeMux
}

// New creates a fake server with no bots.
func New() *Server {
	s := &Server{
		bots:          make(map[string]*bot),
		tokens:        make(map[string]string),
		conversations: make(map[string]*conversation),
		issueCalls:    make(map[string]int),
		listCalls:     make(map[string]int),
		issueFailures: make(map[string]int),
		now:           time.Now,
		mux:           http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /tokens/generate", s.handleGenerateToken)
	s.mux.HandleFunc("POST /conversations", s.handleCreateConversation)
	s.mux.HandleFunc("POST /conversations/{id}/activities", s.handlePostActivity)
	s.mux.HandleFunc("GET /conversations/{id}/activities", s.handleListActivities)
	return s
}

// NewTestServer starts a fake server on a loopback listener and closes it
// when the test ends. The returned URL is suitable as a client BaseURL.
func NewTestServer(t testing.TB) (*Server, string) {
	t.Helper()
	s := New()
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, ts.URL
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// AddBot registers a bot reachable with secret.
func (s *Server) AddBot(secret, botID string, reply ReplyFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bots[secret] = &bot{id: botID, reply: reply}
}

// SetIssueDelay makes every token issuance block for d before answering.
func (s *Server) SetIssueDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issueDelay = d
}

// FailIssue makes issuance for secret answer with status until cleared with status 0.
func (s *Server) FailIssue(secret string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.issueFailures, secret)
		return
	}
	s.issueFailures[secret] = status
}

// FailNextLists makes the next n activity listings answer 503.
func (s *Server) FailNextLists(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLists = n
}

// FailNextPosts makes the next n activity posts answer 502.
func (s *Server) FailNextPosts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPosts = n
}

// RevokeTokens forgets every issued token, so later calls answer 403.
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]string)
}

// IssueCalls returns how many issuance requests arrived for secret.
func (s *Server) IssueCalls(secret string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueCalls[secret]
}

// ListCalls returns how many activity listings arrived for a conversation.
func (s *Server) ListCalls(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls[conversationID]
}

// ConversationIDs returns the ids of every conversation opened so far.
func (s *Server) ConversationIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Activities returns the currently visible activities of a conversation.
func (s *Server) Activities(conversationID string) []directline.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	s.promoteLocked(conv)
	out := make([]directline.Activity, len(conv.activities))
	copy(out, conv.activities)
	return out
}

// InjectActivity appends an activity to a conversation immediately.
func (s *Server) InjectActivity(conversationID string, activity directline.Activity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return
	}
	if activity.ID == "" {
		activity.ID = conv.nextID()
	}
	if activity.Timestamp.IsZero() {
		activity.Timestamp = s.now().UTC()
	}
	conv.activities = append(conv.activities, activity)
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func (s *Server) handleGenerateToken(w http.ResponseWriter, r *http.Request) {
	secret := bearer(r)

	s.mu.Lock()
	s.issueCalls[secret]++
	delay := s.issueDelay
	status, failing := s.issueFailures[secret]
	_, known := s.bots[secret]
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if failing {
		writeError(w, status, "issuance failed")
		return
	}
	if !known {
		writeError(w, http.StatusForbidden, "unknown secret")
		return
	}

	token := "tok-" + uuid.New().String()
	s.mu.Lock()
	s.tokens[token] = secret
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"conversationId": "",
		"token":          token,
		"expires_in":     1800,
	})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	token := bearer(r)

	s.mu.Lock()
	secret, ok := s.tokens[token]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusForbidden, "invalid token")
		return
	}
	conv := &conversation{id: "conv-" + uuid.New().String(), secret: secret}
	s.conversations[conv.id] = conv
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{
		"conversationId": conv.id,
		"token":          token,
		"expires_in":     1800,
	})
}

func (s *Server) handlePostActivity(w http.ResponseWriter, r *http.Request) {
	var activity directline.Activity
	if err := json.NewDecoder(r.Body).Decode(&activity); err != nil {
		writeError(w, http.StatusBadRequest, "invalid activity")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, status := s.authorizeLocked(r)
	if conv == nil {
		writeError(w, status, "forbidden")
		return
	}
	if s.failPosts > 0 {
		s.failPosts--
		writeError(w, http.StatusBadGateway, "post failed")
		return
	}

	now := s.now().UTC()
	activity.ID = conv.nextID()
	activity.Timestamp = now
	conv.activities = append(conv.activities, activity)

	if b := s.bots[conv.secret]; b != nil && activity.Type == "message" {
		if text, delay, ok := b.reply(activity.Text); ok {
			conv.pending = append(conv.pending, pending{
				visibleAt: now.Add(delay),
				activity: directline.Activity{
					ID:        conv.nextID(),
					Type:      "message",
					From:      directline.ChannelAccount{ID: b.id, Name: b.id},
					Text:      text,
					ReplyToID: activity.ID,
				},
			})
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": activity.ID})
}

func (s *Server) handleListActivities(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, status := s.authorizeLocked(r)
	if conv == nil {
		writeError(w, status, "forbidden")
		return
	}
	s.listCalls[conv.id]++
	if s.failLists > 0 {
		s.failLists--
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
		return
	}

	s.promoteLocked(conv)

	start := 0
	if wm := r.URL.Query().Get("watermark"); wm != "" {
		if n, err := strconv.Atoi(wm); err == nil && n >= 0 && n <= len(conv.activities) {
			start = n
		}
	}

	page := make([]directline.Activity, len(conv.activities)-start)
	copy(page, conv.activities[start:])
	writeJSON(w, http.StatusOK, directline.ActivitySet{
		Activities: page,
		Watermark:  strconv.Itoa(len(conv.activities)),
	})
}

// authorizeLocked resolves the conversation named in the path and checks the
// bearer token belongs to it. Must be called with mu held.
func (s *Server) authorizeLocked(r *http.Request) (*conversation, int) {
	secret, ok := s.tokens[bearer(r)]
	if !ok {
		return nil, http.StatusForbidden
	}
	conv, ok := s.conversations[r.PathValue("id")]
	if !ok {
		return nil, http.StatusNotFound
	}
	if conv.secret != secret {
		return nil, http.StatusForbidden
	}
	return conv, 0
}

// promoteLocked moves due bot replies into the visible feed. Must be called with mu held.
func (s *Server) promoteLocked(conv *conversation) {
	if len(conv.pending) == 0 {
		return
	}
	now := s.now()
	sort.SliceStable(conv.pending, func(i, j int) bool {
		return conv.pending[i].visibleAt.Before(conv.pending[j].visibleAt)
	})
	kept := conv.pending[:0]
	for _, p := range conv.pending {
		if now.Before(p.visibleAt) {
			kept = append(kept, p)
			continue
		}
		p.activity.Timestamp = p.visibleAt.UTC()
		conv.activities = append(conv.activities, p.activity)
	}
	conv.pending = kept
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": http.StatusText(status), "message": message},
	})
}
