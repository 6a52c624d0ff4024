// ABOUTME: Shard pools the agents of one host:port and hands them out one at a time.
// ABOUTME: Reserve blocks on a broadcast channel with bounded wake-ups.

package pool

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/2389/gridhub/internal/agent"
)

// Defaults for Shard.Reserve.
const (
	DefaultWaitInterval = 30 * time.Second
	DefaultMaxWakeups   = 2
)

// Shard manages the handles living on one endpoint.
type Shard struct {
	key          string
	waitInterval time.Duration
	maxWakeups   int
	logger       *slog.Logger

	mu      sync.Mutex
	handles []*agent.Handle
	waiting int
	// available is closed and replaced to wake every blocked Reserve.
	available chan struct{}
}

// NewShard creates an empty shard for the given key.
func NewShard(key string, opts Options) *Shard {
	opts = opts.withDefaults()
	return &Shard{
		key:          key,
		waitInterval: opts.WaitInterval,
		maxWakeups:   opts.MaxWakeups,
		logger:       opts.Logger.With("shard", key),
		available:    make(chan struct{}),
	}
}

// Key returns the host:port of the shard.
func (s *Shard) Key() string {
	return s.key
}

// Add inserts h. An equal handle already present is torn down first: its
// reservation is cleared and it is replaced. Returns the replaced handle, if any.
func (s *Shard) Add(h *agent.Handle) *agent.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	var replaced *agent.Handle
	if i := s.indexLocked(h); i >= 0 {
		replaced = s.handles[i]
		s.logger.Info("agent re-registered, replacing existing handle", "agent", replaced.String())
		if replaced.Reserved() {
			_ = replaced.MarkReleased()
		}
		s.handles = slices.Delete(s.handles, i, i+1)
	}

	s.handles = append(s.handles, h)
	s.signalLocked()
	return replaced
}

// Remove deletes the handle equal to h and returns the stored handle, or nil
// if none was present. A removed handle is left free.
func (s *Shard) Remove(h *agent.Handle) *agent.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(h)
	if i < 0 {
		return nil
	}
	removed := s.handles[i]
	s.handles = slices.Delete(s.handles, i, i+1)
	if removed.Reserved() {
		_ = removed.MarkReleased()
	}
	s.signalLocked()
	return removed
}

// Reserve blocks until a handle for environment can be reserved, the shard
// gives up with ErrNoAgentAvailable, or ctx ends.
func (s *Shard) Reserve(ctx context.Context, environment string) (*agent.Handle, error) {
	s.mu.Lock()
	s.waiting++
	defer func() {
		s.waiting--
		s.mu.Unlock()
	}()

	for wakeups := 0; ; wakeups++ {
		if len(s.handles) == 0 {
			return nil, ErrNoAgentAvailable
		}

		if h := s.nextAvailableLocked(environment); h != nil {
			if err := h.MarkReserved(); err != nil {
				return nil, err
			}
			s.logger.Info("reserved agent", "agent", h.String())
			return h, nil
		}

		if wakeups == s.maxWakeups {
			s.logger.Debug("giving up on shard", "environment", environment, "wakeups", wakeups)
			return nil, ErrNoAgentAvailable
		}

		s.logger.Debug("waiting for an agent", "environment", environment, "waiting", s.waiting)
		if err := s.waitLocked(ctx); err != nil {
			return nil, err
		}
	}
}

// Release frees h and wakes every waiter.
// Returns ErrIllegalState if h was not reserved.
func (s *Shard) Release(h *agent.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := h.MarkReleased(); err != nil {
		return err
	}
	s.logger.Info("released agent", "agent", h.String())
	s.signalLocked()
	return nil
}

// Holds reports whether this exact handle is still part of the shard.
func (s *Shard) Holds(h *agent.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.handles, h)
}

// HasEnvironment reports whether any handle advertises environment.
func (s *Shard) HasEnvironment(environment string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.ContainsFunc(s.handles, func(h *agent.Handle) bool {
		return h.Environment == environment
	})
}

// IsFree reports whether no handle of the shard is reserved.
func (s *Shard) IsFree() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeLocked()
}

// WaitingCount returns the number of callers currently inside Reserve.
func (s *Shard) WaitingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting
}

// Len returns the number of handles in the shard.
func (s *Shard) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// All returns a snapshot of every handle.
func (s *Shard) All() []*agent.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.handles)
}

// Available returns the handles a Reserve could take right now. While any
// handle is reserved the shard has none available.
func (s *Shard) Available() []*agent.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.freeLocked() {
		return nil
	}
	return slices.Clone(s.handles)
}

// Reserved returns the reserved handles.
func (s *Shard) Reserved() []*agent.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reserved []*agent.Handle
	for _, h := range s.handles {
		if h.Reserved() {
			reserved = append(reserved, h)
		}
	}
	return reserved
}

// nextAvailableLocked returns the first free handle for environment, or nil
// while any handle of the shard is reserved.
func (s *Shard) nextAvailableLocked(environment string) *agent.Handle {
	if !s.freeLocked() {
		return nil
	}
	for _, h := range s.handles {
		if h.Environment == environment && h.CanAcceptSession() {
			return h
		}
	}
	return nil
}

func (s *Shard) freeLocked() bool {
	return !slices.ContainsFunc(s.handles, (*agent.Handle).Reserved)
}

func (s *Shard) indexLocked(h *agent.Handle) int {
	return slices.IndexFunc(s.handles, h.Equal)
}

// signalLocked wakes every caller blocked in waitLocked. Must hold mu.
func (s *Shard) signalLocked() {
	close(s.available)
	s.available = make(chan struct{})
}

// waitLocked releases mu until a signal, the wait interval, or ctx ends, and
// reacquires it before returning. Must hold mu.
func (s *Shard) waitLocked(ctx context.Context) error {
	wake := s.available
	s.mu.Unlock()

	timer := time.NewTimer(s.waitInterval)
	var err error
	select {
	case <-wake:
	case <-timer.C:
	case <-ctx.Done():
		err = ctx.Err()
	}
	timer.Stop()

	s.mu.Lock()
	return err
}
