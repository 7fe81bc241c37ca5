// ABOUTME: HTTP API handlers for the relay: agent registry, message relay, reply pushes
// ABOUTME: Maps relay error kinds onto HTTP status codes and JSON bodies

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/coven-relay/internal/directline"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/token"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// RegisterAgentRequest is the JSON request body for POST /api/agents.
type RegisterAgentRequest struct {
	ID           string   `json:"id"`
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Secret       string   `json:"secret"`
}

// AgentResponse is the JSON view of a registered agent.
type AgentResponse struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	CreatedAt    string   `json:"created_at"`
}

// SendMessageRequest is the JSON request body for POST /api/messages.
// Wait is a duration string such as "10s"; empty means dispatch only.
type SendMessageRequest struct {
	AgentID string `json:"agent_id"`
	Message string `json:"message"`
	Wait    string `json:"wait,omitempty"`
}

// SendMessageResponse is the JSON response for POST /api/messages.
type SendMessageResponse struct {
	Status         string        `json:"status"` // dispatched, replied, timed_out
	ConversationID string        `json:"conversation_id"`
	ParentTurn     *TurnResponse `json:"parent_turn"`
	Reply          string        `json:"reply,omitempty"`
	ReplyTurn      *TurnResponse `json:"reply_turn,omitempty"`
	Polls          int           `json:"polls,omitempty"`
}

// ChildReplyRequest is the JSON request body for POST /api/agents/{id}/replies.
type ChildReplyRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	ReplyID        string `json:"reply_id,omitempty"`
}

// ChildReplyResponse is the JSON response for a pushed reply.
type ChildReplyResponse struct {
	Duplicate bool          `json:"duplicate"`
	Turn      *TurnResponse `json:"turn,omitempty"`
}

// TurnResponse is the JSON view of a ledger turn.
type TurnResponse struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	AgentID        string `json:"agent_id"`
	Sender         string `json:"sender"`
	Message        string `json:"message"`
	ActivityID     string `json:"activity_id,omitempty"`
	Timestamp      string `json:"timestamp"`
}

func agentResponse(a *store.Agent) AgentResponse {
	caps := a.Capabilities
	if caps == nil {
		caps = []string{}
	}
	return AgentResponse{
		ID:           a.ID,
		Name:         a.Name,
		Capabilities: caps,
		CreatedAt:    a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func turnResponse(t *store.Turn) *TurnResponse {
	if t == nil {
		return nil
	}
	return &TurnResponse{
		ID:             t.ID,
		ConversationID: t.ConversationID,
		AgentID:        t.AgentID,
		Sender:         string(t.Sender),
		Message:        t.Message,
		ActivityID:     t.ActivityID,
		Timestamp:      t.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// handleRegisterAgent handles POST /api/agents.
func (g *Gateway) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	agent, err := g.relay.RegisterAgent(r.Context(), store.AgentRegistration{
		ID:           req.ID,
		Name:         req.Name,
		Capabilities: req.Capabilities,
		Secret:       req.Secret,
	})
	if err != nil {
		g.sendRelayError(w, err)
		return
	}

	g.writeJSON(w, http.StatusCreated, agentResponse(agent))
}

// handleListAgents handles GET /api/agents.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := g.relay.ListAgents(r.Context())
	if err != nil {
		g.sendRelayError(w, err)
		return
	}

	response := make([]AgentResponse, 0, len(agents))
	for _, a := range agents {
		response = append(response, agentResponse(a))
	}
	g.writeJSON(w, http.StatusOK, response)
}

// handleGetAgent handles GET /api/agents/{id}.
func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := g.relay.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendRelayError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, agentResponse(agent))
}

// handleFindAgent handles GET /api/agents/capability/{capability}.
func (g *Gateway) handleFindAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := g.relay.FindAgentByCapability(r.Context(), r.PathValue("capability"))
	if err != nil {
		g.sendRelayError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, agentResponse(agent))
}

// handleSendMessage handles POST /api/messages. Without a wait it returns as
// soon as the message is posted; with one it waits for the agent's reply.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AgentID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	wait, err := parseWait(req.Wait)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if wait == 0 {
		d, err := g.relay.Dispatch(r.Context(), req.AgentID, req.Message)
		if err != nil {
			g.sendRelayError(w, err)
			return
		}
		g.writeJSON(w, http.StatusOK, SendMessageResponse{
			Status:         "dispatched",
			ConversationID: d.ConversationID,
			ParentTurn:     turnResponse(d.Turn),
		})
		return
	}

	result, err := g.relay.Exchange(r.Context(), req.AgentID, req.Message, wait)
	if err != nil {
		g.sendRelayError(w, err)
		return
	}

	g.writeJSON(w, http.StatusOK, SendMessageResponse{
		Status:         result.Outcome.Kind.String(),
		ConversationID: result.ConversationID,
		ParentTurn:     turnResponse(result.ParentTurn),
		Reply:          result.Outcome.Text,
		ReplyTurn:      turnResponse(result.ChildTurn),
		Polls:          result.Outcome.Polls,
	})
}

// parseWait parses the optional wait duration. Empty means no wait.
func parseWait(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	wait, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid wait %q", raw)
	}
	if wait < 0 {
		return 0, fmt.Errorf("wait must not be negative")
	}
	return wait, nil
}

// handleChildReply handles POST /api/agents/{id}/replies.
func (g *Gateway) handleChildReply(w http.ResponseWriter, r *http.Request) {
	var req ChildReplyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	turn, err := g.relay.CorrelateChildReply(r.Context(), relay.ChildReply{
		AgentID:        r.PathValue("id"),
		ConversationID: req.ConversationID,
		ReplyID:        req.ReplyID,
		Text:           req.Message,
	})
	if errors.Is(err, relay.ErrDuplicateReply) {
		g.writeJSON(w, http.StatusOK, ChildReplyResponse{Duplicate: true})
		return
	}
	if err != nil {
		g.sendRelayError(w, err)
		return
	}

	g.writeJSON(w, http.StatusCreated, ChildReplyResponse{Turn: turnResponse(turn)})
}

// handleLatestTurn handles GET /api/turns/latest.
func (g *Gateway) handleLatestTurn(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TurnFilter{
		AgentID:        q.Get("agent_id"),
		ConversationID: q.Get("conversation_id"),
	}
	if raw := q.Get("sender"); raw != "" {
		sender, err := store.ParseSender(raw)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Sender = sender
	}

	turn, err := g.relay.LatestTurn(r.Context(), filter)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "no matching turn")
		return
	}
	if err != nil {
		g.sendRelayError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, turnResponse(turn))
}

// handleConversationTurns handles GET /api/conversations/{id}/turns.
func (g *Gateway) handleConversationTurns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	turns, err := g.relay.ListConversationTurns(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		g.sendRelayError(w, err)
		return
	}

	response := make([]*TurnResponse, 0, len(turns))
	for _, t := range turns {
		response = append(response, turnResponse(t))
	}
	g.writeJSON(w, http.StatusOK, response)
}

// errorStatus maps relay error kinds onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, relay.ErrInvalidMessage), errors.Is(err, store.ErrInvalidSender):
		return http.StatusBadRequest
	case errors.Is(err, relay.ErrAgentNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicateAgent), errors.Is(err, relay.ErrNoMatchingParentTurn):
		return http.StatusConflict
	case errors.Is(err, token.ErrCredentialIssuance):
		return http.StatusServiceUnavailable
	case errors.Is(err, relay.ErrUpstreamRelay):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// upstreamErrorMessage names the failed kind and, when known, the upstream
// status code. Upstream response bodies never reach the client.
func upstreamErrorMessage(kind, err error) string {
	var se *directline.StatusError
	if errors.As(err, &se) {
		return fmt.Sprintf("%s: upstream status %d", kind, se.StatusCode)
	}
	return kind.Error()
}

// sendRelayError writes err with the status its kind maps to.
// Internal errors are logged and hidden from the client.
func (g *Gateway) sendRelayError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	switch status {
	case http.StatusInternalServerError:
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, status, "internal server error")
	case http.StatusServiceUnavailable:
		g.logger.Warn("credential issuance failed", "error", err)
		g.sendJSONError(w, status, upstreamErrorMessage(token.ErrCredentialIssuance, err))
	case http.StatusBadGateway:
		g.logger.Warn("upstream relay failed", "error", err)
		g.sendJSONError(w, status, upstreamErrorMessage(relay.ErrUpstreamRelay, err))
	default:
		g.sendJSONError(w, status, err.Error())
	}
}

// sendJSONError sends a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// decodeJSON decodes a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return errors.New("invalid JSON body")
	}
	return nil
}
