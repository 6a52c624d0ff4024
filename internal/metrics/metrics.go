// ABOUTME: Prometheus instrumentation for the agent pool
// ABOUTME: Snapshot gauges read from the registry plus counters for reservations and evictions

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/gridhub/internal/pool"
)

const namespace = "gridhub"

// Reservation outcomes.
const (
	OutcomeReserved   = "reserved"
	OutcomeTimeout    = "timeout"
	OutcomeCanceled   = "canceled"
	OutcomeNoSuchEnv  = "no_such_environment"
	OutcomeError      = "error"
	OutcomeProbeRetry = "probe_retry"
)

// Eviction reasons.
const (
	ReasonUnresponsive = "unresponsive"
	ReasonAdmin        = "admin"
	ReasonReplaced     = "replaced"
)

// StatsSource is satisfied by *pool.Registry.
type StatsSource interface {
	Stats() pool.Stats
}

// Metrics owns a private prometheus registry for the hub.
type Metrics struct {
	registry *prometheus.Registry

	registrations    *prometheus.CounterVec
	reservations     *prometheus.CounterVec
	reserveWait      prometheus.Histogram
	evictions        *prometheus.CounterVec
	sessionsRecycled prometheus.Counter
	sessionsReleased prometheus.Counter
}

// New creates the metrics set and registers a collector that snapshots source
// on every scrape.
func New(source StatsSource) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_registrations_total",
			Help:      "Agent registrations, split by whether an existing handle was replaced.",
		}, []string{"replaced"}),
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "New-session reservation attempts by outcome.",
		}, []string{"environment", "outcome"}),
		reserveWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reserve_wait_seconds",
			Help:      "Time spent waiting for an agent.",
			Buckets:   []float64{.005, .05, .5, 1, 5, 15, 30, 60, 120, 300, 600},
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_evictions_total",
			Help:      "Agents removed from the pool without a clean unregister.",
		}, []string{"reason"}),
		sessionsRecycled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_recycled_total",
			Help:      "Sessions released by the idle sweep.",
		}),
		sessionsReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_released_total",
			Help:      "Sessions closed by their client.",
		}),
	}

	m.registry.MustRegister(
		m.registrations,
		m.reservations,
		m.reserveWait,
		m.evictions,
		m.sessionsRecycled,
		m.sessionsReleased,
		newPoolCollector(source),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRegistration counts one agent registration.
func (m *Metrics) ObserveRegistration(replaced bool) {
	label := "false"
	if replaced {
		label = "true"
	}
	m.registrations.WithLabelValues(label).Inc()
}

// ObserveReservation counts one reservation outcome and, for completed
// waits, records how long the caller waited.
func (m *Metrics) ObserveReservation(environment, outcome string, waited time.Duration) {
	m.reservations.WithLabelValues(environment, outcome).Inc()
	if outcome == OutcomeReserved || outcome == OutcomeTimeout {
		m.reserveWait.Observe(waited.Seconds())
	}
}

// ObserveEviction counts n evictions for reason.
func (m *Metrics) ObserveEviction(reason string, n int) {
	if n > 0 {
		m.evictions.WithLabelValues(reason).Add(float64(n))
	}
}

// ObserveRecycled counts sessions released by the idle sweep.
func (m *Metrics) ObserveRecycled(n int) {
	if n > 0 {
		m.sessionsRecycled.Add(float64(n))
	}
}

// ObserveReleased counts one client-initiated session close.
func (m *Metrics) ObserveReleased() {
	m.sessionsReleased.Inc()
}

// poolCollector turns a Stats snapshot into gauges at scrape time.
type poolCollector struct {
	source StatsSource

	shards   *prometheus.Desc
	agents   *prometheus.Desc
	waiting  *prometheus.Desc
	sessions *prometheus.Desc
}

func newPoolCollector(source StatsSource) *poolCollector {
	return &poolCollector{
		source: source,
		shards: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "shards"),
			"Registered host:port endpoints.", nil, nil),
		agents: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "agents"),
			"Registered agents by state.", []string{"state"}, nil),
		waiting: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "waiting_reservations"),
			"Callers currently blocked in a shard.", nil, nil),
		sessions: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "sessions"),
			"Live sessions.", nil, nil),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.shards
	ch <- c.agents
	ch <- c.waiting
	ch <- c.sessions
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.source.Stats()
	ch <- prometheus.MustNewConstMetric(c.shards, prometheus.GaugeValue, float64(st.Shards))
	ch <- prometheus.MustNewConstMetric(c.agents, prometheus.GaugeValue, float64(st.Available), "available")
	ch <- prometheus.MustNewConstMetric(c.agents, prometheus.GaugeValue, float64(st.Reserved), "reserved")
	ch <- prometheus.MustNewConstMetric(c.agents, prometheus.GaugeValue, float64(st.Agents), "total")
	ch <- prometheus.MustNewConstMetric(c.waiting, prometheus.GaugeValue, float64(st.Waiting))
	ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(st.Sessions))
}
