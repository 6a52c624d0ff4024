// ABOUTME: Tests for shard blocking reservation semantics.
// ABOUTME: Covers fast paths, bounded wake-ups, signalling and cancellation.

package pool

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/gridhub/internal/agent"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastOptions() Options {
	return Options{
		WaitInterval: 20 * time.Millisecond,
		MaxWakeups:   2,
		Logger:       testLogger(),
	}
}

func newHandle(t *testing.T, host string, port int, env string) *agent.Handle {
	t.Helper()
	h, err := agent.New(host, port, env)
	require.NoError(t, err)
	return h
}

func TestShard_ReserveEmptyReturnsImmediately(t *testing.T) {
	shard := NewShard("rc1:5555", Options{Logger: testLogger()})

	start := time.Now()
	h, err := shard.Reserve(context.Background(), "*firefox")

	assert.Nil(t, h)
	assert.ErrorIs(t, err, ErrNoAgentAvailable)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, shard.WaitingCount())
}

func TestShard_ReserveAndRelease(t *testing.T) {
	shard := NewShard("rc1:5555", fastOptions())
	ff := newHandle(t, "rc1", 5555, "*firefox")
	shard.Add(ff)

	h, err := shard.Reserve(context.Background(), "*firefox")
	require.NoError(t, err)
	assert.Same(t, ff, h)
	assert.True(t, h.Reserved())
	assert.False(t, shard.IsFree())
	assert.Empty(t, shard.Available())
	assert.Equal(t, []*agent.Handle{ff}, shard.Reserved())

	require.NoError(t, shard.Release(h))
	assert.True(t, shard.IsFree())
	assert.Equal(t, []*agent.Handle{ff}, shard.Available())
}

func TestShard_ReleaseUnreservedFails(t *testing.T) {
	shard := NewShard("rc1:5555", fastOptions())
	ff := newHandle(t, "rc1", 5555, "*firefox")
	shard.Add(ff)

	err := shard.Release(ff)
	assert.ErrorIs(t, err, agent.ErrIllegalState)
}

func TestShard_GivesUpAfterMaxWakeups(t *testing.T) {
	shard := NewShard("rc1:5555", fastOptions())
	shard.Add(newHandle(t, "rc1", 5555, "*firefox"))

	_, err := shard.Reserve(context.Background(), "*firefox")
	require.NoError(t, err)

	start := time.Now()
	h, err := shard.Reserve(context.Background(), "*firefox")
	elapsed := time.Since(start)

	assert.Nil(t, h)
	assert.ErrorIs(t, err, ErrNoAgentAvailable)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	assert.Equal(t, 0, shard.WaitingCount())
}

func TestShard_OneReservationAcrossEnvironments(t *testing.T) {
	shard := NewShard("rc1:5555", fastOptions())
	shard.Add(newHandle(t, "rc1", 5555, "*firefox"))
	shard.Add(newHandle(t, "rc1", 5555, "*iexplore"))

	_, err := shard.Reserve(context.Background(), "*firefox")
	require.NoError(t, err)

	h, err := shard.Reserve(context.Background(), "*iexplore")
	assert.Nil(t, h)
	assert.ErrorIs(t, err, ErrNoAgentAvailable)
}

func TestShard_ReleaseWakesWaiter(t *testing.T) {
	// Long interval: only the signal can wake the waiter in time.
	shard := NewShard("rc1:5555", Options{WaitInterval: 30 * time.Second, MaxWakeups: 2, Logger: testLogger()})
	ff := newHandle(t, "rc1", 5555, "*firefox")
	shard.Add(ff)

	first, err := shard.Reserve(context.Background(), "*firefox")
	require.NoError(t, err)

	got := make(chan *agent.Handle, 1)
	go func() {
		h, err := shard.Reserve(context.Background(), "*firefox")
		assert.NoError(t, err)
		got <- h
	}()

	require.Eventually(t, func() bool { return shard.WaitingCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, shard.Release(first))

	select {
	case h := <-got:
		assert.Same(t, ff, h)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestShard_AddWakesWaiter(t *testing.T) {
	shard := NewShard("rc1:5555", Options{WaitInterval: 30 * time.Second, MaxWakeups: 2, Logger: testLogger()})
	shard.Add(newHandle(t, "rc1", 5555, "*iexplore"))

	got := make(chan *agent.Handle, 1)
	go func() {
		h, err := shard.Reserve(context.Background(), "*firefox")
		assert.NoError(t, err)
		got <- h
	}()

	require.Eventually(t, func() bool { return shard.WaitingCount() == 1 }, time.Second, 5*time.Millisecond)
	ff := newHandle(t, "rc1", 5555, "*firefox")
	shard.Add(ff)

	select {
	case h := <-got:
		assert.Same(t, ff, h)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by add")
	}
}

func TestShard_CancelUnblocksAndCleansUp(t *testing.T) {
	shard := NewShard("rc1:5555", Options{WaitInterval: 30 * time.Second, MaxWakeups: 2, Logger: testLogger()})
	ff := newHandle(t, "rc1", 5555, "*firefox")
	shard.Add(ff)
	_, err := shard.Reserve(context.Background(), "*firefox")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := shard.Reserve(ctx, "*firefox")
		errCh <- err
	}()

	require.Eventually(t, func() bool { return shard.WaitingCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not unblock reserve")
	}

	assert.Equal(t, 0, shard.WaitingCount())
	// Lock must be free again.
	require.NoError(t, shard.Release(ff))
}

func TestShard_AddReplacesEqualHandle(t *testing.T) {
	shard := NewShard("rc1:5555", fastOptions())
	old := newHandle(t, "rc1", 5555, "*firefox")
	shard.Add(old)
	_, err := shard.Reserve(context.Background(), "*firefox")
	require.NoError(t, err)

	fresh := newHandle(t, "rc1", 5555, "*firefox")
	replaced := shard.Add(fresh)

	assert.Same(t, old, replaced)
	assert.False(t, old.Reserved())
	assert.Equal(t, []*agent.Handle{fresh}, shard.All())
	assert.True(t, shard.IsFree())
}

func TestShard_Remove(t *testing.T) {
	shard := NewShard("rc1:5555", fastOptions())
	ff := newHandle(t, "rc1", 5555, "*firefox")
	shard.Add(ff)
	_, err := shard.Reserve(context.Background(), "*firefox")
	require.NoError(t, err)

	removed := shard.Remove(newHandle(t, "rc1", 5555, "*firefox"))
	assert.Same(t, ff, removed)
	assert.False(t, ff.Reserved())
	assert.Equal(t, 0, shard.Len())
	assert.False(t, shard.Holds(ff))

	assert.Nil(t, shard.Remove(ff))
}

func TestShard_Queries(t *testing.T) {
	shard := NewShard("rc1:5555", fastOptions())
	shard.Add(newHandle(t, "rc1", 5555, "*firefox"))

	assert.Equal(t, "rc1:5555", shard.Key())
	assert.True(t, shard.HasEnvironment("*firefox"))
	assert.False(t, shard.HasEnvironment("*safari"))
	assert.True(t, shard.IsFree())
	assert.Equal(t, 0, shard.WaitingCount())
	assert.Equal(t, 1, shard.Len())
}
