// ABOUTME: Store interface and data types for the gridhub pool event ledger
// ABOUTME: Defines PoolEvent, EventKind and EventFilter

package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrInvalidEvent is returned when an event is missing required fields.
var ErrInvalidEvent = errors.New("invalid event")

// EventKind names a pool transition.
type EventKind string

const (
	EventRegister   EventKind = "register"
	EventUnregister EventKind = "unregister"
	EventReplace    EventKind = "replace"
	EventReserve    EventKind = "reserve"
	EventRelease    EventKind = "release"
	EventEvict      EventKind = "evict"
	EventRecycle    EventKind = "recycle"
)

// ValidEventKinds lists all valid event kinds.
var ValidEventKinds = []EventKind{
	EventRegister,
	EventUnregister,
	EventReplace,
	EventReserve,
	EventRelease,
	EventEvict,
	EventRecycle,
}

// Valid reports whether k is a known kind.
func (k EventKind) Valid() bool {
	return slices.Contains(ValidEventKinds, k)
}

// PoolEvent is one entry in the ledger. The ledger is history only: pool
// state is never rebuilt from it.
type PoolEvent struct {
	ID          string         // UUID v4
	Kind        EventKind      // what happened
	Host        string         // agent host
	Port        int            // agent port
	Environment string         // agent environment, e.g. "*firefox"
	SessionID   string         // empty for agent-only events
	Timestamp   time.Time      // when it happened
	Detail      map[string]any // additional context
}

// EventFilter specifies filtering options for listing events.
type EventFilter struct {
	Since     *time.Time // events at or after this time
	Until     *time.Time // events at or before this time
	Kind      *EventKind // filter by kind
	Host      *string    // filter by agent host
	SessionID *string    // filter by session
	Limit     int        // max results (default 100, max 1000)
}

// Store defines the interface for pool event persistence
type Store interface {
	// AppendEvent records e, filling in ID and Timestamp when unset.
	AppendEvent(ctx context.Context, e *PoolEvent) error

	// ListEvents returns matching events, newest first.
	ListEvents(ctx context.Context, f EventFilter) ([]PoolEvent, error)

	// PruneEvents deletes events older than before and returns how many went.
	PruneEvents(ctx context.Context, before time.Time) (int64, error)

	// Close releases any resources held by the store
	Close() error
}

// normalizeLimit applies default (100) and cap (1000) to a list limit.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

func validateEvent(e *PoolEvent) error {
	if e == nil {
		return ErrInvalidEvent
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	if e.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidEvent)
	}
	return nil
}
