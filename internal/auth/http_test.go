// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers token extraction, validation and role gating

package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler(got **AuthContext) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got != nil {
			*got = FromContext(r.Context())
		}
		w.WriteHeader(http.StatusOK)
	})
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body["error"]
}

func TestHTTPAuthMiddleware_ValidToken(t *testing.T) {
	verifier := newTestVerifier(t)
	token, err := verifier.Generate("rc-host-1", RoleAgent, time.Hour)
	require.NoError(t, err)

	var got *AuthContext
	req := httptest.NewRequest(http.MethodPost, "/api/agents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	HTTPAuthMiddleware(verifier)(okHandler(&got)).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "rc-host-1", got.Subject)
	assert.Equal(t, RoleAgent, got.Role)
}

func TestHTTPAuthMiddleware_Rejects(t *testing.T) {
	verifier := newTestVerifier(t)
	expired, err := verifier.Generate("rc-host-1", RoleAgent, -time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name    string
		header  string
		wantMsg string
	}{
		{name: "missing header", header: "", wantMsg: "missing authorization header"},
		{name: "basic auth", header: "Basic dXNlcjpwYXNz", wantMsg: "invalid authorization header format"},
		{name: "empty bearer", header: "Bearer ", wantMsg: "empty token"},
		{name: "garbage", header: "Bearer nope", wantMsg: "invalid token"},
		{name: "expired", header: "Bearer " + expired, wantMsg: "token expired"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			HTTPAuthMiddleware(verifier)(okHandler(nil)).ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.wantMsg, errorBody(t, rec))
		})
	}
}

func TestRequireRole(t *testing.T) {
	verifier := newTestVerifier(t)
	chain := func(h http.Handler) http.Handler {
		return HTTPAuthMiddleware(verifier)(RequireRole(RoleClient)(h))
	}

	tests := []struct {
		role Role
		want int
	}{
		{RoleClient, http.StatusOK},
		{RoleAdmin, http.StatusOK},
		{RoleAgent, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			token, err := verifier.Generate("caller", tt.role, time.Hour)
			require.NoError(t, err)

			req := httptest.NewRequest(http.MethodPost, "/api/sessions", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			rec := httptest.NewRecorder()

			chain(okHandler(nil)).ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRequireRole_WithoutAuthContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	rec := httptest.NewRecorder()

	RequireRole(RoleAdmin)(okHandler(nil)).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "not authenticated", errorBody(t, rec))
}
