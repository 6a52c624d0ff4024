// ABOUTME: HTTP API for remote controls (register, heartbeat) and clients (sessions)
// ABOUTME: Maps pool errors to status codes and records every transition in the ledger

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/2389/gridhub/internal/agent"
	"github.com/2389/gridhub/internal/auth"
	"github.com/2389/gridhub/internal/metrics"
	"github.com/2389/gridhub/internal/pool"
	"github.com/2389/gridhub/internal/store"
)

const maxBodyBytes = 1 << 20

// AgentRequest is the JSON body for POST, DELETE /api/agents and POST /api/agents/evict.
type AgentRequest struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Environment string `json:"environment"`
}

// AgentResponse describes one registered agent.
type AgentResponse struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Environment  string `json:"environment"`
	DriverURL    string `json:"driver_url"`
	Reserved     bool   `json:"reserved"`
	SessionID    string `json:"session_id,omitempty"`
	RegisteredAt string `json:"registered_at"`
}

// RegisterResponse is the JSON response for POST /api/agents.
type RegisterResponse struct {
	Agent    AgentResponse `json:"agent"`
	Replaced bool          `json:"replaced"`
}

// NewSessionRequest is the JSON body for POST /api/sessions.
// Timeout is a Go duration string such as "90s".
type NewSessionRequest struct {
	Environment string `json:"environment"`
	SessionID   string `json:"session_id,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

// SessionResponse is a session lease.
type SessionResponse struct {
	SessionID    string `json:"session_id"`
	LeaseID      string `json:"lease_id"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Environment  string `json:"environment"`
	DriverURL    string `json:"driver_url"`
	CreatedAt    string `json:"created_at"`
	LastActiveAt string `json:"last_active_at"`
}

// EventResponse is one ledger entry.
type EventResponse struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Host        string         `json:"host"`
	Port        int            `json:"port"`
	Environment string         `json:"environment"`
	SessionID   string         `json:"session_id,omitempty"`
	Timestamp   string         `json:"timestamp"`
	Detail      map[string]any `json:"detail,omitempty"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func toAgentResponse(h *agent.Handle, sessionID string) AgentResponse {
	return AgentResponse{
		Host:         h.Host,
		Port:         h.Port,
		Environment:  h.Environment,
		DriverURL:    h.DriverURL(),
		Reserved:     h.Reserved(),
		SessionID:    sessionID,
		RegisteredAt: formatTime(h.RegisteredAt),
	}
}

func toSessionResponse(s pool.Session) SessionResponse {
	return SessionResponse{
		SessionID:    s.ID,
		LeaseID:      s.LeaseID,
		Host:         s.Agent.Host,
		Port:         s.Agent.Port,
		Environment:  s.Agent.Environment,
		DriverURL:    s.Agent.DriverURL(),
		CreatedAt:    formatTime(s.CreatedAt),
		LastActiveAt: formatTime(s.LastActiveAt),
	}
}

// routes builds the HTTP handler.
func (h *Hub) routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /health/ready", h.handleReady)
	if h.config.Metrics.Enabled {
		mux.Handle("GET "+h.config.Metrics.Path, h.metrics.Handler())
	}

	mux.Handle("POST /api/agents", h.protect(h.handleRegister, auth.RoleAgent))
	mux.Handle("DELETE /api/agents", h.protect(h.handleUnregister, auth.RoleAgent))
	mux.Handle("GET /api/agents", h.protect(h.handleListAgents, auth.RoleAgent, auth.RoleClient))
	mux.Handle("GET /api/agents/heartbeat", h.protect(h.handleAgentHeartbeat, auth.RoleAgent))
	mux.Handle("POST /api/agents/evict", h.protect(h.handleEvict, auth.RoleAdmin))

	mux.Handle("POST /api/sessions", h.protect(h.handleNewSession, auth.RoleClient))
	mux.Handle("GET /api/sessions", h.protect(h.handleListSessions, auth.RoleClient))
	mux.Handle("GET /api/sessions/{id}", h.protect(h.handleGetSession, auth.RoleClient))
	mux.Handle("POST /api/sessions/{id}/heartbeat", h.protect(h.handleSessionHeartbeat, auth.RoleClient))
	mux.Handle("DELETE /api/sessions/{id}", h.protect(h.handleReleaseSession, auth.RoleClient))

	mux.Handle("GET /api/events", h.protect(h.handleListEvents, auth.RoleAdmin))
	mux.Handle("GET /console", h.protect(h.handleConsole, auth.RoleAdmin))

	if h.verifier != nil {
		h.logger.Info("HTTP auth middleware enabled")
	} else {
		h.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}
	return mux
}

// protect wraps fn in bearer auth and a role check when a verifier is configured.
func (h *Hub) protect(fn http.HandlerFunc, roles ...auth.Role) http.Handler {
	if h.verifier == nil {
		return fn
	}
	return auth.HTTPAuthMiddleware(h.verifier)(auth.RequireRole(roles...)(fn))
}

// handleHealth returns 200 OK if the server is running.
func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent is registered.
func (h *Hub) handleReady(w http.ResponseWriter, r *http.Request) {
	st := h.registry.Stats()
	if st.Agents == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents registered"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents, %d available)", st.Agents, st.Available)
}

func (h *Hub) handleRegister(w http.ResponseWriter, r *http.Request) {
	a, ok := h.decodeAgent(w, r)
	if !ok {
		return
	}

	replaced, err := h.registry.Register(a)
	if err != nil {
		h.writePoolError(w, err)
		return
	}

	h.metrics.ObserveRegistration(replaced != nil)
	if replaced != nil {
		h.metrics.ObserveEviction(metrics.ReasonReplaced, 1)
		h.ledger.append(r.Context(), store.EventReplace, replaced, "", map[string]any{
			"was_reserved": replaced.Reserved(),
		})
	}
	h.ledger.append(r.Context(), store.EventRegister, a, "", nil)
	h.updateHealth()

	writeJSON(w, http.StatusCreated, RegisterResponse{
		Agent:    toAgentResponse(a, ""),
		Replaced: replaced != nil,
	})
}

func (h *Hub) handleUnregister(w http.ResponseWriter, r *http.Request) {
	a, ok := h.decodeAgent(w, r)
	if !ok {
		return
	}

	removed, session := h.registry.Evict(a)
	if removed != nil {
		var sessionID string
		if session != nil {
			sessionID = session.ID
		}
		h.ledger.append(r.Context(), store.EventUnregister, removed, sessionID, nil)
		h.updateHealth()
	}

	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed != nil})
}

// handleEvict force-removes agents. Without an environment every handle on
// host:port goes.
func (h *Hub) handleEvict(w http.ResponseWriter, r *http.Request) {
	var req AgentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Host == "" || req.Port <= 0 {
		sendJSONError(w, http.StatusBadRequest, "host and port are required")
		return
	}

	var targets []*agent.Handle
	endpoint := agent.ShardKey(req.Host, req.Port)
	for _, a := range h.registry.AllAgents() {
		if a.ShardKey() != endpoint {
			continue
		}
		if req.Environment != "" && a.Environment != req.Environment {
			continue
		}
		targets = append(targets, a)
	}

	var evicted []pool.Eviction
	for _, a := range targets {
		removed, session := h.registry.Evict(a)
		if removed == nil {
			continue
		}
		evicted = append(evicted, pool.Eviction{Agent: removed, Session: session})
	}

	h.ledger.evictions(r.Context(), evicted, metrics.ReasonAdmin)
	h.metrics.ObserveEviction(metrics.ReasonAdmin, len(evicted))
	if len(evicted) > 0 {
		h.updateHealth()
	}

	writeJSON(w, http.StatusOK, map[string]int{"evicted": len(evicted)})
}

func (h *Hub) handleListAgents(w http.ResponseWriter, r *http.Request) {
	var agents []*agent.Handle
	switch state := r.URL.Query().Get("state"); state {
	case "", "all":
		agents = h.registry.AllAgents()
	case "available":
		agents = h.registry.AvailableAgents()
	case "reserved":
		agents = h.registry.ReservedAgents()
	default:
		sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown state %q", state))
		return
	}

	bound := make(map[*agent.Handle]string)
	for _, s := range h.registry.Sessions() {
		bound[s.Agent] = s.ID
	}

	response := make([]AgentResponse, 0, len(agents))
	for _, a := range agents {
		response = append(response, toAgentResponse(a, bound[a]))
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *Hub) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")
	port, err := strconv.Atoi(r.URL.Query().Get("port"))
	if host == "" || err != nil {
		sendJSONError(w, http.StatusBadRequest, "host and numeric port are required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"registered": h.registry.IsRegistered(host, port)})
}

func (h *Hub) handleNewSession(w http.ResponseWriter, r *http.Request) {
	var req NewSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Environment == "" {
		sendJSONError(w, http.StatusBadRequest, "environment is required")
		return
	}

	wait := h.config.Pool.NewSessionMaxWait
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid timeout %q", req.Timeout))
			return
		}
		wait = d
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	if _, exists := h.registry.Session(sessionID); exists {
		sendJSONError(w, http.StatusConflict, fmt.Sprintf("session %q already exists", sessionID))
		return
	}

	ctx := r.Context()
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	start := time.Now()
	a, err := h.reserveResponsive(ctx, req.Environment)
	if err != nil {
		h.metrics.ObserveReservation(req.Environment, reservationOutcome(err), time.Since(start))
		h.writePoolError(w, err)
		return
	}

	session, err := h.registry.Associate(a, sessionID)
	if err != nil {
		// Lost a race on the same session id.
		_ = h.registry.Release(a)
		h.metrics.ObserveReservation(req.Environment, metrics.OutcomeError, time.Since(start))
		h.writePoolError(w, err)
		return
	}

	waited := time.Since(start)
	h.metrics.ObserveReservation(req.Environment, metrics.OutcomeReserved, waited)
	h.ledger.append(r.Context(), store.EventReserve, a, sessionID, map[string]any{
		"lease_id":  session.LeaseID,
		"waited_ms": waited.Milliseconds(),
	})

	writeJSON(w, http.StatusCreated, toSessionResponse(session))
}

// reserveResponsive reserves an agent and probes it. An agent that fails the
// probe is released, every unresponsive agent is swept out, and the
// reservation starts over.
func (h *Hub) reserveResponsive(ctx context.Context, environment string) (*agent.Handle, error) {
	for {
		a, err := h.registry.Reserve(ctx, environment)
		if err != nil {
			return nil, err
		}
		if h.prober == nil || a.IsResponsive(ctx, h.prober) {
			return a, nil
		}

		h.logger.Warn("reserved agent failed liveness probe", "agent", a.String())
		h.metrics.ObserveReservation(environment, metrics.OutcomeProbeRetry, 0)
		if err := h.registry.Release(a); err != nil {
			h.logger.Error("releasing unresponsive agent", "agent", a.String(), "error", err)
		}

		evicted, err := h.registry.UnregisterUnresponsive(ctx, h.prober, h.config.Health.ProbeConcurrency)
		h.ledger.evictions(ctx, evicted, metrics.ReasonUnresponsive)
		h.metrics.ObserveEviction(metrics.ReasonUnresponsive, len(evicted))
		if len(evicted) > 0 {
			h.updateHealth()
		}
		if err != nil {
			return nil, fmt.Errorf("sweeping unresponsive agents: %w", reserveError(err))
		}
	}
}

// reserveError maps a bare context error to the pool's taxonomy.
func reserveError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, pool.ErrReserveTimeout) {
		return fmt.Errorf("%w: %w", pool.ErrReserveTimeout, err)
	}
	return err
}

func reservationOutcome(err error) string {
	switch {
	case errors.Is(err, pool.ErrNoSuchEnvironment):
		return metrics.OutcomeNoSuchEnv
	case errors.Is(err, pool.ErrReserveTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, context.Canceled):
		return metrics.OutcomeCanceled
	default:
		return metrics.OutcomeError
	}
}

func (h *Hub) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.registry.Sessions()
	response := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		response = append(response, toSessionResponse(s))
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *Hub) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s, ok := h.registry.Session(id)
	if !ok {
		h.writePoolError(w, fmt.Errorf("%w: %q", pool.ErrNoSuchSession, id))
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(s))
}

func (h *Hub) handleSessionHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Heartbeat(r.PathValue("id")); err != nil {
		h.writePoolError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Hub) handleReleaseSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s, ok := h.registry.Session(id)
	if err := h.registry.ReleaseForSession(id); err != nil {
		h.writePoolError(w, err)
		return
	}

	h.metrics.ObserveReleased()
	if ok {
		h.ledger.append(r.Context(), store.EventRelease, s.Agent, id, map[string]any{
			"lease_id":         s.LeaseID,
			"duration_seconds": int(time.Since(s.CreatedAt).Seconds()),
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Hub) handleListEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseEventFilter(r)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.store.ListEvents(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list pool events", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	response := make([]EventResponse, 0, len(events))
	for _, e := range events {
		response = append(response, EventResponse{
			ID:          e.ID,
			Kind:        string(e.Kind),
			Host:        e.Host,
			Port:        e.Port,
			Environment: e.Environment,
			SessionID:   e.SessionID,
			Timestamp:   formatTime(e.Timestamp),
			Detail:      e.Detail,
		})
	}
	writeJSON(w, http.StatusOK, response)
}

// parseEventFilter reads since, until, kind, host, session_id and limit.
func parseEventFilter(r *http.Request) (store.EventFilter, error) {
	q := r.URL.Query()
	var f store.EventFilter

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{
		{"since", &f.Since},
		{"until", &f.Until},
	} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid %s: must be RFC3339", p.name)
		}
		*p.dst = &t
	}

	if v := q.Get("kind"); v != "" {
		kind := store.EventKind(v)
		if !kind.Valid() {
			return f, fmt.Errorf("unknown kind %q", v)
		}
		f.Kind = &kind
	}
	if v := q.Get("host"); v != "" {
		f.Host = &v
	}
	if v := q.Get("session_id"); v != "" {
		f.SessionID = &v
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return f, fmt.Errorf("invalid limit %q", v)
		}
		f.Limit = limit
	}
	return f, nil
}

func (h *Hub) decodeAgent(w http.ResponseWriter, r *http.Request) (*agent.Handle, bool) {
	var req AgentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	a, err := agent.New(req.Host, req.Port, req.Environment)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return a, true
}

// writePoolError maps pool errors to HTTP status codes.
func (h *Hub) writePoolError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pool.ErrNoSuchSession), errors.Is(err, pool.ErrNoSuchEnvironment):
		status = http.StatusNotFound
	case errors.Is(err, pool.ErrReserveTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, agent.ErrInvalidHandle):
		status = http.StatusBadRequest
	case errors.Is(err, pool.ErrIllegalState):
		status = http.StatusConflict
	case errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("pool operation failed", "error", err)
	}
	sendJSONError(w, status, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
