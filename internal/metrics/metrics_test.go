// ABOUTME: Tests for pool metrics
// ABOUTME: Checks counters, the snapshot collector and the scrape handler

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/gridhub/internal/pool"
)

type fixedStats pool.Stats

func (f fixedStats) Stats() pool.Stats { return pool.Stats(f) }

func TestMetrics_Counters(t *testing.T) {
	m := New(fixedStats{})

	m.ObserveRegistration(false)
	m.ObserveRegistration(true)
	m.ObserveRegistration(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.registrations.WithLabelValues("false")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.registrations.WithLabelValues("true")))

	m.ObserveReservation("*firefox", OutcomeReserved, 2*time.Second)
	m.ObserveReservation("*firefox", OutcomeTimeout, time.Minute)
	m.ObserveReservation("*safari", OutcomeNoSuchEnv, 0)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reservations.WithLabelValues("*firefox", OutcomeReserved)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reservations.WithLabelValues("*safari", OutcomeNoSuchEnv)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.reserveWait))

	m.ObserveEviction(ReasonUnresponsive, 3)
	m.ObserveEviction(ReasonAdmin, 0)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.evictions.WithLabelValues(ReasonUnresponsive)))

	m.ObserveRecycled(2)
	m.ObserveReleased()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionsRecycled))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsReleased))
}

func TestPoolCollector(t *testing.T) {
	c := newPoolCollector(fixedStats{Shards: 2, Agents: 3, Available: 1, Reserved: 2, Waiting: 4, Sessions: 2})

	expected := `
# HELP gridhub_pool_agents Registered agents by state.
# TYPE gridhub_pool_agents gauge
gridhub_pool_agents{state="available"} 1
gridhub_pool_agents{state="reserved"} 2
gridhub_pool_agents{state="total"} 3
# HELP gridhub_pool_waiting_reservations Callers currently blocked in a shard.
# TYPE gridhub_pool_waiting_reservations gauge
gridhub_pool_waiting_reservations 4
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"gridhub_pool_agents", "gridhub_pool_waiting_reservations")
	require.NoError(t, err)
}

func TestMetrics_Handler(t *testing.T) {
	m := New(fixedStats{Shards: 1, Agents: 1, Available: 1})
	m.ObserveReservation("*firefox", OutcomeReserved, time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "gridhub_pool_shards 1")
	assert.Contains(t, string(body), `gridhub_reservations_total{environment="*firefox",outcome="reserved"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestMetrics_RealRegistry(t *testing.T) {
	r := pool.NewRegistry(pool.Options{})
	m := New(r)

	count, err := testutil.GatherAndCount(m.Registry(), "gridhub_pool_shards")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
