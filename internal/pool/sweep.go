// ABOUTME: Maintenance sweeps over the pool: idle session recycling and liveness eviction.
// ABOUTME: Probes fan out per endpoint with a bounded errgroup.

package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/gridhub/internal/agent"
)

// DefaultProbeConcurrency bounds simultaneous liveness probes.
const DefaultProbeConcurrency = 8

// Eviction describes one agent removed by UnregisterUnresponsive.
type Eviction struct {
	Agent   *agent.Handle
	Session *Session
}

// RecycleIdleSessions releases every session inactive for longer than
// maxIdle and returns the sessions it released.
func (r *Registry) RecycleIdleSessions(maxIdle time.Duration) []Session {
	if maxIdle <= 0 {
		return nil
	}

	now := time.Now()
	var idle []Session
	for _, s := range r.Sessions() {
		if s.IdleFor(now) > maxIdle {
			idle = append(idle, s)
		}
	}

	recycled := make([]Session, 0, len(idle))
	for _, s := range idle {
		if err := r.ReleaseForSession(s.ID); err != nil {
			// Released or evicted since the snapshot.
			if errors.Is(err, ErrIllegalState) {
				continue
			}
			r.logger.Error("recycling idle session", "session_id", s.ID, "error", err)
			continue
		}
		r.logger.Warn("recycled idle session",
			"session_id", s.ID,
			"agent", s.Agent.String(),
			"idle", s.IdleFor(now).Round(time.Second).String(),
		)
		recycled = append(recycled, s)
	}
	return recycled
}

// UnregisterUnresponsive probes every registered endpoint once and
// unregisters all handles of endpoints that fail.
func (r *Registry) UnregisterUnresponsive(ctx context.Context, prober agent.Prober, concurrency int) ([]Eviction, error) {
	if concurrency <= 0 {
		concurrency = DefaultProbeConcurrency
	}

	byEndpoint := make(map[string][]*agent.Handle)
	for _, h := range r.AllAgents() {
		byEndpoint[h.ShardKey()] = append(byEndpoint[h.ShardKey()], h)
	}

	var (
		mu   sync.Mutex
		dead []*agent.Handle
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, handles := range byEndpoint {
		g.Go(func() error {
			if handles[0].IsResponsive(gctx, prober) {
				return nil
			}
			mu.Lock()
			dead = append(dead, handles...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	evictions := make([]Eviction, 0, len(dead))
	for _, h := range dead {
		removed, session := r.Evict(h)
		if removed == nil {
			continue
		}
		r.logger.Warn("unregistered unresponsive agent", "agent", removed.String())
		evictions = append(evictions, Eviction{Agent: removed, Session: session})
	}
	return evictions, nil
}
