// ABOUTME: Tests for the hub HTTP API
// ABOUTME: Drives handlers through the mux with httptest and checks pool state and ledger events

package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/gridhub/internal/auth"
	"github.com/2389/gridhub/internal/store"
)

func do(t *testing.T, h *Hub, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return doAuth(t, h, method, path, body, "")
}

func doAuth(t *testing.T, h *Hub, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func registerAgent(t *testing.T, h *Hub, host string, port int, env string) {
	t.Helper()
	body, err := json.Marshal(AgentRequest{Host: host, Port: port, Environment: env})
	require.NoError(t, err)
	rec := do(t, h, http.MethodPost, "/api/agents", string(body))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func newSession(t *testing.T, h *Hub, body string) SessionResponse {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/sessions", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[SessionResponse](t, rec)
}

func TestHealthEndpoints(t *testing.T) {
	h, _ := newTestHub(t, testConfig(t), aliveProber)

	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	registerAgent(t, h, "rc1", 5555, "*firefox")
	rec = do(t, h, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "1 agents")
}

func TestRegisterAgent(t *testing.T) {
	h, s := newTestHub(t, testConfig(t), aliveProber)

	rec := do(t, h, http.MethodPost, "/api/agents", `{"host":"rc1","port":5555,"environment":"*firefox"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decode[RegisterResponse](t, rec)
	assert.False(t, resp.Replaced)
	assert.Equal(t, "http://rc1:5555/selenium-server/driver/", resp.Agent.DriverURL)

	rec = do(t, h, http.MethodPost, "/api/agents", `{"host":"rc1","port":5555,"environment":"*firefox"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, decode[RegisterResponse](t, rec).Replaced)

	assert.Equal(t, []store.EventKind{store.EventRegister, store.EventReplace, store.EventRegister}, s.Kinds())
	assert.Equal(t, 1, h.Registry().Stats().Agents)
}

func TestRegisterAgent_Invalid(t *testing.T) {
	h, s := newTestHub(t, testConfig(t), aliveProber)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `nope`},
		{"missing host", `{"port":5555,"environment":"*firefox"}`},
		{"bad port", `{"host":"rc1","port":70000,"environment":"*firefox"}`},
		{"missing environment", `{"host":"rc1","port":5555}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/agents", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Empty(t, s.Kinds())
}

func TestUnregisterAgent(t *testing.T) {
	h, s := newTestHub(t, testConfig(t), aliveProber)
	registerAgent(t, h, "rc1", 5555, "*firefox")
	sess := newSession(t, h, `{"environment":"*firefox","session_id":"s1"}`)

	body := `{"host":"rc1","port":5555,"environment":"*firefox"}`
	rec := do(t, h, http.MethodDelete, "/api/agents", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[map[string]bool](t, rec)["removed"])

	rec = do(t, h, http.MethodDelete, "/api/agents", body)
	assert.False(t, decode[map[string]bool](t, rec)["removed"])

	events, err := s.ListEvents(t.Context(), store.EventFilter{Kind: ptr(store.EventUnregister)})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, sess.SessionID, events[0].SessionID)

	rec = do(t, h, http.MethodGet, "/api/sessions/s1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListAgents(t *testing.T) {
	h, _ := newTestHub(t, testConfig(t), aliveProber)
	registerAgent(t, h, "rc1", 5555, "*firefox")
	registerAgent(t, h, "rc2", 5555, "*firefox")
	sess := newSession(t, h, `{"environment":"*firefox"}`)

	all := decode[[]AgentResponse](t, do(t, h, http.MethodGet, "/api/agents", ""))
	assert.Len(t, all, 2)

	reserved := decode[[]AgentResponse](t, do(t, h, http.MethodGet, "/api/agents?state=reserved", ""))
	require.Len(t, reserved, 1)
	assert.Equal(t, sess.Host, reserved[0].Host)
	assert.Equal(t, sess.SessionID, reserved[0].SessionID)
	assert.True(t, reserved[0].Reserved)

	available := decode[[]AgentResponse](t, do(t, h, http.MethodGet, "/api/agents?state=available", ""))
	require.Len(t, available, 1)
	assert.NotEqual(t, sess.Host, available[0].Host)
	assert.Empty(t, available[0].SessionID)

	rec := do(t, h, http.MethodGet, "/api/agents?state=sleeping", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAgentHeartbeat(t *testing.T) {
	h, _ := newTestHub(t, testConfig(t), aliveProber)
	registerAgent(t, h, "rc1", 5555, "*firefox")

	rec := do(t, h, http.MethodGet, "/api/agents/heartbeat?host=rc1&port=5555", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[map[string]bool](t, rec)["registered"])

	rec = do(t, h, http.MethodGet, "/api/agents/heartbeat?host=rc1&port=5556", "")
	assert.False(t, decode[map[string]bool](t, rec)["registered"])

	rec = do(t, h, http.MethodGet, "/api/agents/heartbeat?host=rc1&port=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNewSession(t *testing.T) {
	h, s := newTestHub(t, testConfig(t), aliveProber)
	registerAgent(t, h, "rc1", 5555, "*firefox")

	sess := newSession(t, h, `{"environment":"*firefox","session_id":"abc"}`)
	assert.Equal(t, "abc", sess.SessionID)
	assert.NotEmpty(t, sess.LeaseID)
	assert.Equal(t, "rc1", sess.Host)
	assert.Equal(t, 5555, sess.Port)
	assert.Equal(t, "*firefox", sess.Environment)
	assert.Equal(t, "http://rc1:5555/selenium-server/driver/", sess.DriverURL)

	events, err := s.ListEvents(t.Context(), store.EventFilter{SessionID: ptr("abc")})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.EventReserve, events[0].Kind)
	assert.Equal(t, sess.LeaseID, events[0].Detail["lease_id"])
}

func TestNewSession_GeneratesID(t *testing.T) {
	h, _ := newTestHub(t, testConfig(t), aliveProber)
	registerAgent(t, h, "rc1", 5555, "*firefox")

	sess := newSession(t, h, `{"environment":"*firefox"}`)
	assert.Len(t, sess.SessionID, 36)
}

func TestNewSession_Errors(t *testing.T) {
	h, _ := newTestHub(t, testConfig(t), aliveProber)
	registerAgent(t, h, "rc1", 5555, "*firefox")
	newSession(t, h, `{"environment":"*firefox","session_id":"taken"}`)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"missing environment", `{}`, http.StatusBadRequest},
		{"bad timeout", `{"environment":"*firefox","timeout":"soon"}`, http.StatusBadRequest},
		{"negative timeout", `{"environment":"*firefox","timeout":"-1s"}`, http.StatusBadRequest},
		{"duplicate id", `{"environment":"*firefox","session_id":"taken"}`, http.StatusConflict},
		{"unknown environment", `{"environment":"*safari"}`, http.StatusNotFound},
		{"all agents busy", `{"environment":"*firefox","timeout":"60ms"}`, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/sessions", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[map[string]string](t, rec)["error"])
		})
	}
}

func TestNewSession_DefaultMaxWait(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pool.NewSessionMaxWait = 50 * time.Millisecond
	h, _ := newTestHub(t, cfg, aliveProber)
	registerAgent(t, h, "rc1", 5555, "*firefox")
	newSession(t, h, `{"environment":"*firefox"}`)

	start := time.Now()
	rec := do(t, h, http.MethodPost, "/api/sessions", `{"environment":"*firefox"}`)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNewSession_WaitsForRelease(t *testing.T) {
	h, _ := newTestHub(t, testConfig(t), aliveProber)
	registerAgent(t, h, "rc1", 5555, "*firefox")
	first := newSession(t, h, `{"environment":"*firefox"}`)

	var (
		wg     sync.WaitGroup
		second *httptest.ResponseRecorder
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		second = do(t, h, http.MethodPost, "/api/sessions", `{"environment":"*firefox","timeout":"5s"}`)
	}()

	time.Sleep(30 * time.Millisecond)
	rec := do(t, h, http.MethodDelete, "/api/sessions/"+first.SessionID, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	wg.Wait()
	require.Equal(t, http.StatusCreated, second.Code, second.Body.String())
	assert.NotEqual(t, first.SessionID, decode[SessionResponse](t, second).SessionID)
}

func TestNewSession_SkipsUnresponsiveAgent(t *testing.T) {
	h, s := newTestHub(t, testConfig(t), deadHosts("dead"))
	registerAgent(t, h, "alive", 5555, "*firefox")
	first := newSession(t, h, `{"environment":"*firefox"}`)
	require.Equal(t, "alive", first.Host)

	// The only free shard is dead, so the next reservation lands there first.
	registerAgent(t, h, "dead", 5555, "*firefox")

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(50 * time.Millisecond)
		do(t, h, http.MethodDelete, "/api/sessions/"+first.SessionID, "")
	}()

	sess := newSession(t, h, `{"environment":"*firefox","timeout":"5s"}`)
	<-done
	assert.Equal(t, "alive", sess.Host)

	assert.False(t, h.Registry().IsRegistered("dead", 5555))
	evicts, err := s.ListEvents(t.Context(), store.EventFilter{Kind: ptr(store.EventEvict)})
	require.NoError(t, err)
	require.Len(t, evicts, 1)
	assert.Equal(t, "dead", evicts[0].Host)
	assert.Equal(t, "unresponsive", evicts[0].Detail["reason"])
}

func TestNewSession_OnlyUnresponsiveAgents(t *testing.T) {
	h, _ := newTestHub(t, testConfig(t), deadHosts("dead"))
	registerAgent(t, h, "dead", 5555, "*firefox")

	rec := do(t, h, http.MethodPost, "/api/sessions", `{"environment":"*firefox","timeout":"2s"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, h.Registry().Stats().Agents)
}

func TestSessionLifecycle(t *testing.T) {
	h, s := newTestHub(t, testConfig(t), aliveProber)
	registerAgent(t, h, "rc1", 5555, "*firefox")
	sess := newSession(t, h, `{"environment":"*firefox","session_id":"s1"}`)

	rec := do(t, h, http.MethodGet, "/api/sessions/s1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sess.LeaseID, decode[SessionResponse](t, rec).LeaseID)

	list := decode[[]SessionResponse](t, do(t, h, http.MethodGet, "/api/sessions", ""))
	assert.Len(t, list, 1)

	rec = do(t, h, http.MethodPost, "/api/sessions/s1/heartbeat", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodDelete, "/api/sessions/s1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, h.Registry().Stats().Available)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/sessions/s1"},
		{http.MethodPost, "/api/sessions/s1/heartbeat"},
		{http.MethodDelete, "/api/sessions/s1"},
	} {
		rec = do(t, h, tc.method, tc.path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, tc.method+" "+tc.path)
	}

	assert.Equal(t, []store.EventKind{store.EventRegister, store.EventReserve, store.EventRelease}, s.Kinds())
}

func TestEvictAgent(t *testing.T) {
	h, s := newTestHub(t, testConfig(t), aliveProber)
	registerAgent(t, h, "rc1", 5555, "*firefox")
	registerAgent(t, h, "rc1", 5555, "*iexplore")
	registerAgent(t, h, "rc2", 5555, "*firefox")

	rec := do(t, h, http.MethodPost, "/api/agents/evict", `{"host":"rc1","port":5555,"environment":"*iexplore"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[map[string]int](t, rec)["evicted"])

	rec = do(t, h, http.MethodPost, "/api/agents/evict", `{"host":"rc1","port":5555}`)
	assert.Equal(t, 1, decode[map[string]int](t, rec)["evicted"])
	assert.False(t, h.Registry().IsRegistered("rc1", 5555))
	assert.True(t, h.Registry().IsRegistered("rc2", 5555))

	rec = do(t, h, http.MethodPost, "/api/agents/evict", `{"host":"rc1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	evicts, err := s.ListEvents(t.Context(), store.EventFilter{Kind: ptr(store.EventEvict)})
	require.NoError(t, err)
	assert.Len(t, evicts, 2)
}

func TestListEvents(t *testing.T) {
	h, _ := newTestHub(t, testConfig(t), aliveProber)
	registerAgent(t, h, "rc1", 5555, "*firefox")
	registerAgent(t, h, "rc2", 5555, "*firefox")
	newSession(t, h, `{"environment":"*firefox","session_id":"s1"}`)

	all := decode[[]EventResponse](t, do(t, h, http.MethodGet, "/api/events", ""))
	assert.Len(t, all, 3)
	assert.Equal(t, "reserve", all[0].Kind)

	byHost := decode[[]EventResponse](t, do(t, h, http.MethodGet, "/api/events?host=rc2&kind=register", ""))
	require.Len(t, byHost, 1)
	assert.Equal(t, "rc2", byHost[0].Host)

	limited := decode[[]EventResponse](t, do(t, h, http.MethodGet, "/api/events?limit=1", ""))
	assert.Len(t, limited, 1)

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	none := decode[[]EventResponse](t, do(t, h, http.MethodGet, "/api/events?since="+future, ""))
	assert.Empty(t, none)

	for _, q := range []string{"kind=explode", "since=yesterday", "limit=-3", "limit=x"} {
		rec := do(t, h, http.MethodGet, "/api/events?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestHub(t, testConfig(t), aliveProber)
	registerAgent(t, h, "rc1", 5555, "*firefox")
	newSession(t, h, `{"environment":"*firefox"}`)

	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `gridhub_pool_agents{state="reserved"} 1`)
	assert.Contains(t, body, `gridhub_reservations_total{environment="*firefox",outcome="reserved"} 1`)
}

func TestMetricsEndpoint_Disabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false
	h, _ := newTestHub(t, cfg, aliveProber)

	rec := do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "0123456789abcdef0123456789abcdef"
	h, _ := newTestHub(t, cfg, aliveProber)

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	require.NoError(t, err)
	token := func(role auth.Role) string {
		tok, err := verifier.Generate("test-"+string(role), role, time.Hour)
		require.NoError(t, err)
		return tok
	}
	agentTok, clientTok, adminTok := token(auth.RoleAgent), token(auth.RoleClient), token(auth.RoleAdmin)

	rec := do(t, h, http.MethodPost, "/api/agents", `{"host":"rc1","port":5555,"environment":"*firefox"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doAuth(t, h, http.MethodPost, "/api/agents", `{"host":"rc1","port":5555,"environment":"*firefox"}`, agentTok)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = doAuth(t, h, http.MethodPost, "/api/sessions", `{"environment":"*firefox"}`, agentTok)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doAuth(t, h, http.MethodPost, "/api/sessions", `{"environment":"*firefox"}`, clientTok)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = doAuth(t, h, http.MethodGet, "/api/agents", "", clientTok)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doAuth(t, h, http.MethodGet, "/api/events", "", clientTok)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doAuth(t, h, http.MethodGet, "/api/events", "", adminTok)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doAuth(t, h, http.MethodGet, "/console", "", agentTok)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func ptr[T any](v T) *T { return &v }
