// ABOUTME: Remote control side of the API: register, unregister, heartbeat, list and evict
// ABOUTME: Mirrors the hub's agent JSON shapes

package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

// AgentSpec identifies a remote control environment.
type AgentSpec struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Environment string `json:"environment,omitempty"`
}

// Agent is one registered agent as the hub reports it.
type Agent struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Environment  string `json:"environment"`
	DriverURL    string `json:"driver_url"`
	Reserved     bool   `json:"reserved"`
	SessionID    string `json:"session_id,omitempty"`
	RegisteredAt string `json:"registered_at"`
}

// Registration is the answer to Register.
type Registration struct {
	Agent    Agent `json:"agent"`
	Replaced bool  `json:"replaced"`
}

// Register adds an agent to the pool.
func (c *Client) Register(ctx context.Context, spec AgentSpec) (*Registration, error) {
	var out Registration
	if err := c.do(ctx, http.MethodPost, "/api/agents", nil, spec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Unregister removes an agent and reports whether it was registered.
func (c *Client) Unregister(ctx context.Context, spec AgentSpec) (bool, error) {
	var out struct {
		Removed bool `json:"removed"`
	}
	if err := c.do(ctx, http.MethodDelete, "/api/agents", nil, spec, &out); err != nil {
		return false, err
	}
	return out.Removed, nil
}

// Heartbeat reports whether any agent is registered at host:port.
func (c *Client) Heartbeat(ctx context.Context, host string, port int) (bool, error) {
	q := url.Values{"host": {host}, "port": {strconv.Itoa(port)}}
	var out struct {
		Registered bool `json:"registered"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/agents/heartbeat", q, nil, &out); err != nil {
		return false, err
	}
	return out.Registered, nil
}

// ListAgents returns agents in state: "", "all", "available" or "reserved".
func (c *Client) ListAgents(ctx context.Context, state string) ([]Agent, error) {
	var q url.Values
	if state != "" {
		q = url.Values{"state": {state}}
	}
	var out []Agent
	if err := c.do(ctx, http.MethodGet, "/api/agents", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Evict force-removes agents at host:port. An empty environment removes
// every environment on the endpoint. Requires an admin token when auth is on.
func (c *Client) Evict(ctx context.Context, spec AgentSpec) (int, error) {
	var out struct {
		Evicted int `json:"evicted"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/agents/evict", nil, spec, &out); err != nil {
		return 0, err
	}
	return out.Evicted, nil
}
