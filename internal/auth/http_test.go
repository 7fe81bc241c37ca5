// ABOUTME: Tests for the agent reply authentication middleware
// ABOUTME: Covers header extraction, token validation, subject matching, and disabled auth

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		token   string
		wantErr bool
	}{
		{"", "", true},
		{"Basic abc", "", true},
		{"Bearer ", "", true},
		{"Bearer abc", "abc", false},
	}
	for _, tt := range tests {
		token, msg := extractBearerToken(tt.header)
		assert.Equal(t, tt.token, token, "header %q", tt.header)
		assert.Equal(t, tt.wantErr, msg != "", "header %q", tt.header)
	}
}

func newProtectedServer(t *testing.T, verifier TokenVerifier) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	protect := RequireAgent(verifier, func(r *http.Request) string { return r.PathValue("id") })
	mux.Handle("POST /api/agents/{id}/replies", protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := FromContext(r.Context())
		if id == nil {
			w.Write([]byte("anonymous"))
			return
		}
		w.Write([]byte(id.AgentID))
	})))
	return mux
}

func TestRequireAgent(t *testing.T) {
	verifier, err := NewJWTVerifier(testSecret)
	require.NoError(t, err)
	handler := newProtectedServer(t, verifier)

	b1Token, err := verifier.Generate("b1", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		path   string
		header string
		status int
		body   string
	}{
		{"valid", "/api/agents/b1/replies", "Bearer " + b1Token, http.StatusOK, "b1"},
		{"missing header", "/api/agents/b1/replies", "", http.StatusUnauthorized, "missing authorization header"},
		{"wrong scheme", "/api/agents/b1/replies", "Token " + b1Token, http.StatusUnauthorized, "invalid authorization header format"},
		{"garbage", "/api/agents/b1/replies", "Bearer nope", http.StatusUnauthorized, "invalid token"},
		{"other agent", "/api/agents/b2/replies", "Bearer " + b1Token, http.StatusForbidden, "token not issued for this agent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.body)
		})
	}
}

func TestRequireAgent_ExpiredToken(t *testing.T) {
	verifier, err := NewJWTVerifier(testSecret)
	require.NoError(t, err)
	verifier.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := verifier.Generate("b1", time.Hour)
	require.NoError(t, err)
	verifier.now = time.Now

	req := httptest.NewRequest(http.MethodPost, "/api/agents/b1/replies", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	newProtectedServer(t, verifier).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "token expired")
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestRequireAgent_NilVerifierDisablesAuth(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/agents/b1/replies", nil)
	rec := httptest.NewRecorder()
	newProtectedServer(t, nil).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "anonymous", rec.Body.String())
}
