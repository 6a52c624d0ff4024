// ABOUTME: Tests for MockStore-specific helpers
// ABOUTME: Covers injected append errors, Kinds and Close tracking

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_AppendErr(t *testing.T) {
	m := NewMockStore()
	m.AppendErr = errors.New("disk full")

	err := m.AppendEvent(context.Background(), &PoolEvent{Kind: EventRegister, Host: "rc1"})
	assert.EqualError(t, err, "disk full")
	assert.Empty(t, m.Kinds())
}

func TestMockStore_CopiesDetail(t *testing.T) {
	m := NewMockStore()
	detail := map[string]any{"reason": "probe failed"}
	require.NoError(t, m.AppendEvent(context.Background(), &PoolEvent{Kind: EventEvict, Host: "rc1", Detail: detail}))

	detail["reason"] = "mutated"

	events, err := m.ListEvents(context.Background(), EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, "probe failed", events[0].Detail["reason"])
}

func TestMockStore_KindsAndClose(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()
	require.NoError(t, m.AppendEvent(ctx, &PoolEvent{Kind: EventRegister, Host: "rc1"}))
	require.NoError(t, m.AppendEvent(ctx, &PoolEvent{Kind: EventReserve, Host: "rc1"}))

	assert.Equal(t, []EventKind{EventRegister, EventReserve}, m.Kinds())

	assert.False(t, m.Closed())
	require.NoError(t, m.Close())
	assert.True(t, m.Closed())
}
