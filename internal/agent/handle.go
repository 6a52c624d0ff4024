// ABOUTME: Handle models one registered remote control and its reservation flag.
// ABOUTME: Equality covers host, port and environment; sharding uses host and port only.

package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"
)

// ErrIllegalState indicates a reservation protocol violation by the caller.
var ErrIllegalState = errors.New("illegal state")

// ErrInvalidHandle indicates a registration with missing or malformed identity.
var ErrInvalidHandle = errors.New("invalid agent handle")

// Key identifies a handle. Two handles are equal iff their keys match.
type Key struct {
	Host        string
	Port        int
	Environment string
}

// String renders the key as host:port/environment.
func (k Key) String() string {
	return net.JoinHostPort(k.Host, strconv.Itoa(k.Port)) + "/" + k.Environment
}

// Handle is the hub-side view of one remote control.
type Handle struct {
	Host         string
	Port         int
	Environment  string
	RegisteredAt time.Time

	reserved atomic.Bool
}

// New creates a free handle after validating its identity.
func New(host string, port int, environment string) (*Handle, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: host is required", ErrInvalidHandle)
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidHandle, port)
	}
	if environment == "" {
		return nil, fmt.Errorf("%w: environment is required", ErrInvalidHandle)
	}
	return &Handle{
		Host:         host,
		Port:         port,
		Environment:  environment,
		RegisteredAt: time.Now(),
	}, nil
}

// Key returns the equality key of the handle.
func (h *Handle) Key() Key {
	return Key{Host: h.Host, Port: h.Port, Environment: h.Environment}
}

// ShardKey returns host:port. Environment is deliberately not part of it.
func (h *Handle) ShardKey() string {
	return ShardKey(h.Host, h.Port)
}

// ShardKey builds the shard key for an endpoint.
func ShardKey(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Equal reports whether both handles describe the same agent and environment.
func (h *Handle) Equal(other *Handle) bool {
	if h == nil || other == nil {
		return h == other
	}
	return h.Key() == other.Key()
}

// DriverURL is the automation endpoint callers forward commands to.
func (h *Handle) DriverURL() string {
	return "http://" + h.ShardKey() + "/selenium-server/driver/"
}

// CanAcceptSession reports whether the handle is free.
func (h *Handle) CanAcceptSession() bool {
	return !h.reserved.Load()
}

// Reserved reports whether the handle is currently leased.
func (h *Handle) Reserved() bool {
	return h.reserved.Load()
}

// MarkReserved flips the handle to reserved.
// Returns ErrIllegalState if it already carries a session.
func (h *Handle) MarkReserved() error {
	if !h.reserved.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: agent %s already has a session", ErrIllegalState, h)
	}
	return nil
}

// MarkReleased flips the handle back to free.
// Returns ErrIllegalState if it was not reserved.
func (h *Handle) MarkReleased() error {
	if !h.reserved.CompareAndSwap(true, false) {
		return fmt.Errorf("%w: releasing idle agent %s", ErrIllegalState, h)
	}
	return nil
}

// IsResponsive probes the physical agent. Any failure reads as false.
func (h *Handle) IsResponsive(ctx context.Context, prober Prober) bool {
	if prober == nil {
		return false
	}
	return prober.Probe(ctx, h) == nil
}

// String renders the handle for logs.
func (h *Handle) String() string {
	state := "free"
	if h.reserved.Load() {
		state = "reserved"
	}
	return fmt.Sprintf("[agent %s %s %s]", h.ShardKey(), h.Environment, state)
}
