// ABOUTME: Client side of session leases and the event ledger
// ABOUTME: NewSession blocks on the hub until an agent is leased or the wait expires

package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// SessionRequest asks for a lease on an environment. A zero Timeout uses the
// hub's default wait.
type SessionRequest struct {
	Environment string
	SessionID   string
	Timeout     time.Duration
}

// Session is a lease on one agent.
type Session struct {
	SessionID    string `json:"session_id"`
	LeaseID      string `json:"lease_id"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Environment  string `json:"environment"`
	DriverURL    string `json:"driver_url"`
	CreatedAt    string `json:"created_at"`
	LastActiveAt string `json:"last_active_at"`
}

// Event is one ledger entry.
type Event struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Host        string         `json:"host"`
	Port        int            `json:"port"`
	Environment string         `json:"environment"`
	SessionID   string         `json:"session_id,omitempty"`
	Timestamp   string         `json:"timestamp"`
	Detail      map[string]any `json:"detail,omitempty"`
}

// EventQuery filters ListEvents. Zero fields are ignored.
type EventQuery struct {
	Since     time.Time
	Until     time.Time
	Kind      string
	Host      string
	SessionID string
	Limit     int
}

func (q EventQuery) values() url.Values {
	v := url.Values{}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if !q.Until.IsZero() {
		v.Set("until", q.Until.UTC().Format(time.RFC3339))
	}
	if q.Kind != "" {
		v.Set("kind", q.Kind)
	}
	if q.Host != "" {
		v.Set("host", q.Host)
	}
	if q.SessionID != "" {
		v.Set("session_id", q.SessionID)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// NewSession reserves an agent and binds it to a session.
func (c *Client) NewSession(ctx context.Context, req SessionRequest) (*Session, error) {
	body := struct {
		Environment string `json:"environment"`
		SessionID   string `json:"session_id,omitempty"`
		Timeout     string `json:"timeout,omitempty"`
	}{
		Environment: req.Environment,
		SessionID:   req.SessionID,
	}
	if req.Timeout > 0 {
		body.Timeout = req.Timeout.String()
	}

	var out Session
	if err := c.do(ctx, http.MethodPost, "/api/sessions", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSessions returns every live session.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	if err := c.do(ctx, http.MethodGet, "/api/sessions", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSession returns one live session.
func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	var out Session
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// KeepAlive refreshes the session's last activity.
func (c *Client) KeepAlive(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/heartbeat", nil, nil, nil)
}

// Release ends the session and frees its agent.
func (c *Client) Release(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(id), nil, nil, nil)
}

// ListEvents queries the ledger, newest first.
func (c *Client) ListEvents(ctx context.Context, q EventQuery) ([]Event, error) {
	var out []Event
	if err := c.do(ctx, http.MethodGet, "/api/events", q.values(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
