// ABOUTME: Tests for the background sweeper
// ABOUTME: Covers liveness eviction, idle recycling, ledger pruning and the run loop

package hub

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/gridhub/internal/agent"
	"github.com/2389/gridhub/internal/store"
)

func testSweeper(h *Hub, s store.Store, prober agent.Prober, idle, retention time.Duration, onChange func()) *Sweeper {
	return NewSweeper(SweeperConfig{
		Registry:         h.registry,
		Prober:           prober,
		Ledger:           h.ledger,
		Metrics:          h.metrics,
		Store:            s,
		Interval:         10 * time.Millisecond,
		IdleTimeout:      idle,
		ProbeConcurrency: 2,
		Retention:        retention,
		OnChange:         onChange,
		Logger:           testLogger(),
	})
}

func TestSweepOnce_EvictsUnresponsive(t *testing.T) {
	h, s := newTestHub(t, testConfig(t), aliveProber)
	registerAgent(t, h, "dead", 5555, "*firefox")
	registerAgent(t, h, "dead", 5555, "*iexplore")
	registerAgent(t, h, "alive", 5555, "*firefox")

	changed := 0
	sw := testSweeper(h, s, deadHosts("dead"), time.Hour, 0, func() { changed++ })

	res := sw.SweepOnce(context.Background())
	assert.Equal(t, 2, res.Evicted)
	assert.Zero(t, res.Recycled)
	assert.Equal(t, 1, changed)
	assert.Equal(t, 1, h.Registry().Stats().Agents)

	evicts, err := s.ListEvents(t.Context(), store.EventFilter{Kind: ptr(store.EventEvict)})
	require.NoError(t, err)
	assert.Len(t, evicts, 2)

	expected := `
# HELP gridhub_agent_evictions_total Agents removed from the pool without a clean unregister.
# TYPE gridhub_agent_evictions_total counter
gridhub_agent_evictions_total{reason="unresponsive"} 2
`
	require.NoError(t, testutil.GatherAndCompare(h.metrics.Registry(), strings.NewReader(expected),
		"gridhub_agent_evictions_total"))
}

func TestSweepOnce_RecyclesIdleSessions(t *testing.T) {
	h, s := newTestHub(t, testConfig(t), aliveProber)
	registerAgent(t, h, "rc1", 5555, "*firefox")
	sess := newSession(t, h, `{"environment":"*firefox","session_id":"idle"}`)

	time.Sleep(5 * time.Millisecond)
	sw := testSweeper(h, s, nil, time.Millisecond, 0, nil)

	res := sw.SweepOnce(context.Background())
	assert.Equal(t, 1, res.Recycled)
	assert.Zero(t, res.Evicted)

	_, ok := h.Registry().Session(sess.SessionID)
	assert.False(t, ok)
	assert.Equal(t, 1, h.Registry().Stats().Available)

	recycles, err := s.ListEvents(t.Context(), store.EventFilter{Kind: ptr(store.EventRecycle)})
	require.NoError(t, err)
	require.Len(t, recycles, 1)
	assert.Equal(t, "idle", recycles[0].SessionID)
}

func TestSweepOnce_PrunesLedger(t *testing.T) {
	h, s := newTestHub(t, testConfig(t), aliveProber)

	old := &store.PoolEvent{Kind: store.EventRegister, Host: "rc1", Port: 5555, Environment: "*firefox",
		Timestamp: time.Now().Add(-48 * time.Hour)}
	require.NoError(t, s.AppendEvent(t.Context(), old))
	registerAgent(t, h, "rc1", 5555, "*firefox")

	sw := testSweeper(h, s, aliveProber, time.Hour, 24*time.Hour, nil)
	res := sw.SweepOnce(context.Background())
	assert.Equal(t, int64(1), res.Pruned)
	assert.Equal(t, []store.EventKind{store.EventRegister}, s.Kinds())
}

func TestSweeperRun(t *testing.T) {
	h, s := newTestHub(t, testConfig(t), aliveProber)
	registerAgent(t, h, "dead", 5555, "*firefox")

	sw := testSweeper(h, s, deadHosts("dead"), time.Hour, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sw.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return !h.Registry().IsRegistered("dead", 5555)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSweeperRun_Disabled(t *testing.T) {
	sw := NewSweeper(SweeperConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sw.Run(ctx)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("disabled sweeper did not stop")
	}
}
