// ABOUTME: Registry routes agents into per-endpoint shards and tracks live sessions.
// ABOUTME: Reserve fans out across shards; sessions are indexed both ways.

package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/gridhub/internal/agent"
)

// Options tunes shard blocking behaviour.
type Options struct {
	// WaitInterval bounds one blocked wait inside a shard.
	WaitInterval time.Duration
	// MaxWakeups is how many unsuccessful wake-ups a shard allows before
	// handing the caller back to the registry.
	MaxWakeups int
	Logger     *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.WaitInterval <= 0 {
		o.WaitInterval = DefaultWaitInterval
	}
	if o.MaxWakeups <= 0 {
		o.MaxWakeups = DefaultMaxWakeups
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Stats is a point-in-time summary of the pool.
type Stats struct {
	Shards    int
	Agents    int
	Available int
	Reserved  int
	Waiting   int
	Sessions  int
}

// Registry is the entry point to the pool.
type Registry struct {
	opts   Options
	logger *slog.Logger

	mu     sync.RWMutex
	shards map[string]*Shard

	sessionsMu sync.Mutex
	sessions   map[string]*Session
	byAgent    map[*agent.Handle]string
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	opts = opts.withDefaults()
	logger := opts.Logger.With("component", "pool")
	opts.Logger = logger
	return &Registry{
		opts:     opts,
		logger:   logger,
		shards:   make(map[string]*Shard),
		sessions: make(map[string]*Session),
		byAgent:  make(map[*agent.Handle]string),
	}
}

// Register adds h to the shard for its endpoint, creating the shard if
// needed. Returns the handle h replaced, if an equal one was registered.
// Any session bound to the replaced handle is destroyed.
func (r *Registry) Register(h *agent.Handle) (*agent.Handle, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: nil handle", agent.ErrInvalidHandle)
	}

	r.mu.Lock()
	shard, ok := r.shards[h.ShardKey()]
	if !ok {
		shard = NewShard(h.ShardKey(), r.opts)
		r.shards[h.ShardKey()] = shard
	}
	replaced := shard.Add(h)
	total := len(r.shards)
	r.mu.Unlock()

	if replaced != nil {
		if s, ok := r.dropSession(replaced); ok {
			r.logger.Warn("destroyed session of replaced agent", "session_id", s.ID, "agent", replaced.String())
		}
	}

	r.logger.Info("registered agent",
		"agent", h.String(),
		"replaced", replaced != nil,
		"total_shards", total,
	)
	return replaced, nil
}

// Unregister removes the handle equal to h. It is idempotent: unknown
// endpoints and handles return false. A live session on the removed handle
// is destroyed without a release.
func (r *Registry) Unregister(h *agent.Handle) bool {
	removed, _ := r.Evict(h)
	return removed != nil
}

// Evict is Unregister returning the stored handle that was removed and the
// session it carried, if any.
func (r *Registry) Evict(h *agent.Handle) (*agent.Handle, *Session) {
	if h == nil {
		return nil, nil
	}

	shard := r.shard(h.ShardKey())
	if shard == nil {
		r.logger.Debug("unregister for unknown endpoint", "agent", h.String())
		return nil, nil
	}

	removed := shard.Remove(h)
	if removed == nil {
		return nil, nil
	}
	r.pruneShard(shard)

	var dropped *Session
	if s, ok := r.dropSession(removed); ok {
		dropped = &s
		r.logger.Warn("destroyed session of unregistered agent", "session_id", s.ID, "agent", removed.String())
	}

	r.logger.Info("unregistered agent", "agent", removed.String())
	return removed, dropped
}

// Reserve blocks until an agent for environment is reserved. It returns
// ErrNoSuchEnvironment if no shard advertises environment, ErrReserveTimeout
// when ctx's deadline passes, and context.Canceled on cancellation.
// With a context that never ends it can block forever.
func (r *Registry) Reserve(ctx context.Context, environment string) (*agent.Handle, error) {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, reserveContextError(err)
		}

		shard := r.selectShard(environment)
		if shard == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchEnvironment, environment)
		}

		h, err := shard.Reserve(ctx, environment)
		switch {
		case err == nil:
			return h, nil
		case errors.Is(err, ErrNoAgentAvailable):
			r.logger.Debug("shard gave up, retrying",
				"environment", environment,
				"shard", shard.Key(),
				"attempt", attempt,
			)
		case ctx.Err() != nil:
			return nil, reserveContextError(ctx.Err())
		default:
			return nil, err
		}
	}
}

func reserveContextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrReserveTimeout, err)
	}
	return err
}

// selectShard picks a shard advertising environment: any free one first,
// otherwise one with the fewest waiters, ties broken at random.
func (r *Registry) selectShard(environment string) *Shard {
	r.mu.RLock()
	candidates := make([]*Shard, 0, len(r.shards))
	for _, shard := range r.shards {
		if shard.HasEnvironment(environment) {
			candidates = append(candidates, shard)
		}
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return nil
	}

	for _, shard := range candidates {
		if shard.IsFree() {
			return shard
		}
	}

	var least []*Shard
	minWaiting := -1
	for _, shard := range candidates {
		waiting := shard.WaitingCount()
		switch {
		case minWaiting < 0 || waiting < minWaiting:
			minWaiting = waiting
			least = append(least[:0], shard)
		case waiting == minWaiting:
			least = append(least, shard)
		}
	}
	return least[rand.IntN(len(least))]
}

// Associate records that sessionID holds h. h must come from Reserve and
// must not already be bound; sessionID must be new.
func (r *Registry) Associate(h *agent.Handle, sessionID string) (Session, error) {
	if sessionID == "" {
		return Session{}, fmt.Errorf("%w: session id is required", ErrIllegalState)
	}
	if h == nil {
		return Session{}, fmt.Errorf("%w: nil handle", ErrIllegalState)
	}

	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()

	if existing, ok := r.sessions[sessionID]; ok {
		return Session{}, fmt.Errorf("%w: session %q is already associated with %s", ErrIllegalState, sessionID, existing.Agent)
	}
	if other, ok := r.byAgent[h]; ok {
		return Session{}, fmt.Errorf("%w: agent %s is already bound to session %q", ErrIllegalState, h, other)
	}
	if !h.Reserved() {
		return Session{}, fmt.Errorf("%w: agent %s is not reserved", ErrIllegalState, h)
	}

	now := time.Now()
	s := &Session{
		ID:           sessionID,
		LeaseID:      uuid.New().String(),
		Agent:        h,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	r.sessions[sessionID] = s
	r.byAgent[h] = sessionID

	r.logger.Info("associated session",
		"session_id", sessionID,
		"lease_id", s.LeaseID,
		"agent", h.String(),
		"total_sessions", len(r.sessions),
	)
	return *s, nil
}

// Retrieve returns the agent leased to sessionID, or nil.
func (r *Registry) Retrieve(sessionID string) *agent.Handle {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()

	if s, ok := r.sessions[sessionID]; ok {
		return s.Agent
	}
	return nil
}

// Session returns a copy of the record for sessionID.
func (r *Registry) Session(sessionID string) (Session, bool) {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Sessions returns copies of every live session.
func (r *Registry) Sessions() []Session {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()

	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}

// Heartbeat refreshes the last activity of sessionID.
func (r *Registry) Heartbeat(sessionID string) error {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoSuchSession, sessionID)
	}
	s.LastActiveAt = time.Now()
	return nil
}

// ReleaseForSession ends sessionID and frees its agent.
func (r *Registry) ReleaseForSession(sessionID string) error {
	r.sessionsMu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
		delete(r.byAgent, s.Agent)
	}
	r.sessionsMu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrNoSuchSession, sessionID)
	}

	r.logger.Info("releasing session", "session_id", sessionID, "agent", s.Agent.String())
	return r.releaseHandle(s.Agent)
}

// Release frees a reserved agent that was never associated, for example
// after a failed session start. A session bound to h is destroyed too.
func (r *Registry) Release(h *agent.Handle) error {
	if h == nil {
		return fmt.Errorf("%w: nil handle", ErrIllegalState)
	}
	r.dropSession(h)
	return r.releaseHandle(h)
}

// releaseHandle releases h in its shard. A handle already evicted from its
// shard was freed by the eviction and needs nothing more.
func (r *Registry) releaseHandle(h *agent.Handle) error {
	shard := r.shard(h.ShardKey())
	if shard == nil || !shard.Holds(h) {
		r.logger.Debug("release of evicted agent ignored", "agent", h.String())
		return nil
	}
	return shard.Release(h)
}

// AvailableAgents returns the agents a reservation could take now. Shards
// are read one by one, so the result may already be stale.
func (r *Registry) AvailableAgents() []*agent.Handle {
	var out []*agent.Handle
	for _, shard := range r.shardList() {
		out = append(out, shard.Available()...)
	}
	return out
}

// ReservedAgents returns the agents currently reserved.
func (r *Registry) ReservedAgents() []*agent.Handle {
	var out []*agent.Handle
	for _, shard := range r.shardList() {
		out = append(out, shard.Reserved()...)
	}
	return out
}

// AllAgents returns every registered agent.
func (r *Registry) AllAgents() []*agent.Handle {
	var out []*agent.Handle
	for _, shard := range r.shardList() {
		out = append(out, shard.All()...)
	}
	return out
}

// IsRegistered reports whether any agent is registered at host:port.
func (r *Registry) IsRegistered(host string, port int) bool {
	shard := r.shard(agent.ShardKey(host, port))
	return shard != nil && shard.Len() > 0
}

// Stats summarizes the pool.
func (r *Registry) Stats() Stats {
	var st Stats
	for _, shard := range r.shardList() {
		st.Shards++
		st.Agents += shard.Len()
		st.Available += len(shard.Available())
		st.Reserved += len(shard.Reserved())
		st.Waiting += shard.WaitingCount()
	}

	r.sessionsMu.Lock()
	st.Sessions = len(r.sessions)
	r.sessionsMu.Unlock()
	return st
}

func (r *Registry) shard(key string) *Shard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.shards[key]
}

func (r *Registry) shardList() []*Shard {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Shard, 0, len(r.shards))
	for _, shard := range r.shards {
		out = append(out, shard)
	}
	return out
}

// pruneShard drops an empty shard from the map.
func (r *Registry) pruneShard(shard *Shard) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shards[shard.Key()] == shard && shard.Len() == 0 {
		delete(r.shards, shard.Key())
	}
}

// dropSession destroys the session bound to h, if any.
func (r *Registry) dropSession(h *agent.Handle) (Session, bool) {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()

	sessionID, ok := r.byAgent[h]
	if !ok {
		return Session{}, false
	}
	s := r.sessions[sessionID]
	delete(r.byAgent, h)
	delete(r.sessions, sessionID)
	return *s, true
}
