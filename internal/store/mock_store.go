// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu     sync.RWMutex
	events []PoolEvent // append order
	closed bool

	// AppendErr, when set, is returned by AppendEvent.
	AppendErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{}
}

// AppendEvent stores a copy of e.
func (m *MockStore) AppendEvent(ctx context.Context, e *PoolEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendErr != nil {
		return m.AppendErr
	}
	if err := validateEvent(e); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	stored := *e
	stored.Detail = maps.Clone(e.Detail)
	m.events = append(m.events, stored)
	return nil
}

// ListEvents returns matching events, newest first.
func (m *MockStore) ListEvents(ctx context.Context, f EventFilter) ([]PoolEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []PoolEvent{}
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if !matches(e, f) {
			continue
		}
		out = append(out, e)
	}

	// Stable keeps append order among equal timestamps.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})

	if limit := normalizeLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PruneEvents drops events older than before.
func (m *MockStore) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.events[:0]
	var pruned int64
	for _, e := range m.events {
		if e.Timestamp.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return pruned, nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockStore) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Kinds returns the kinds of every stored event in append order.
func (m *MockStore) Kinds() []EventKind {
	m.mu.RLock()
	defer m.mu.RUnlock()

	kinds := make([]EventKind, len(m.events))
	for i, e := range m.events {
		kinds[i] = e.Kind
	}
	return kinds
}

func matches(e PoolEvent, f EventFilter) bool {
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.Timestamp.After(*f.Until) {
		return false
	}
	if f.Kind != nil && e.Kind != *f.Kind {
		return false
	}
	if f.Host != nil && e.Host != *f.Host {
		return false
	}
	if f.SessionID != nil && e.SessionID != *f.SessionID {
		return false
	}
	return true
}

// Ensure implementations satisfy Store.
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MockStore)(nil)
)
