// ABOUTME: Periodic maintenance of the pool: liveness eviction, idle recycling, ledger pruning
// ABOUTME: One pass runs per tick; a pass never overlaps the next

package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/gridhub/internal/agent"
	"github.com/2389/gridhub/internal/metrics"
	"github.com/2389/gridhub/internal/pool"
	"github.com/2389/gridhub/internal/store"
)

// SweeperConfig wires a Sweeper.
type SweeperConfig struct {
	Registry         *pool.Registry
	Prober           agent.Prober
	Ledger           *ledger
	Metrics          *metrics.Metrics
	Store            store.Store
	Interval         time.Duration
	IdleTimeout      time.Duration
	ProbeConcurrency int
	// Retention of zero keeps ledger events forever.
	Retention time.Duration
	// OnChange runs after a pass that changed the pool.
	OnChange func()
	Logger   *slog.Logger
}

// SweepResult counts what one pass did.
type SweepResult struct {
	Evicted  int
	Recycled int
	Pruned   int64
}

// Sweeper runs maintenance passes over the pool.
type Sweeper struct {
	cfg    SweeperConfig
	logger *slog.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sweeper{cfg: cfg, logger: cfg.Logger.With("component", "sweeper")}
}

// Run sweeps every Interval until ctx is done. A non-positive Interval
// disables the sweeper.
func (s *Sweeper) Run(ctx context.Context) {
	if s.cfg.Interval <= 0 {
		s.logger.Info("sweeper disabled")
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", "interval", s.cfg.Interval, "idle_timeout", s.cfg.IdleTimeout)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one maintenance pass.
func (s *Sweeper) SweepOnce(ctx context.Context) SweepResult {
	var res SweepResult

	if s.cfg.Prober != nil {
		evicted, err := s.cfg.Registry.UnregisterUnresponsive(ctx, s.cfg.Prober, s.cfg.ProbeConcurrency)
		if err != nil {
			s.logger.Warn("liveness sweep interrupted", "error", err)
		}
		if len(evicted) > 0 {
			s.cfg.Ledger.evictions(ctx, evicted, metrics.ReasonUnresponsive)
			s.cfg.Metrics.ObserveEviction(metrics.ReasonUnresponsive, len(evicted))
		}
		res.Evicted = len(evicted)
	}

	recycled := s.cfg.Registry.RecycleIdleSessions(s.cfg.IdleTimeout)
	for _, sess := range recycled {
		s.cfg.Ledger.append(ctx, store.EventRecycle, sess.Agent, sess.ID, map[string]any{
			"idle_seconds": int(time.Since(sess.LastActiveAt).Seconds()),
		})
	}
	s.cfg.Metrics.ObserveRecycled(len(recycled))
	res.Recycled = len(recycled)

	if s.cfg.Retention > 0 && s.cfg.Store != nil {
		pruned, err := s.cfg.Store.PruneEvents(ctx, time.Now().Add(-s.cfg.Retention))
		if err != nil {
			s.logger.Error("pruning pool events", "error", err)
		}
		res.Pruned = pruned
	}

	if res.Evicted > 0 || res.Recycled > 0 {
		s.logger.Info("sweep changed pool", "evicted", res.Evicted, "recycled", res.Recycled)
		if s.cfg.OnChange != nil {
			s.cfg.OnChange()
		}
	}
	return res
}
