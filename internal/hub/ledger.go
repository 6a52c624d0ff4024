// ABOUTME: Ledger records pool transitions in the event store
// ABOUTME: Writes are best effort and never fail the request that caused them

package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/gridhub/internal/agent"
	"github.com/2389/gridhub/internal/pool"
	"github.com/2389/gridhub/internal/store"
)

const ledgerWriteTimeout = 2 * time.Second

type ledger struct {
	store  store.Store
	logger *slog.Logger
}

func newLedger(s store.Store, logger *slog.Logger) *ledger {
	return &ledger{store: s, logger: logger.With("component", "ledger")}
}

// append records one event for h. The caller's cancellation does not abort
// the write.
func (l *ledger) append(ctx context.Context, kind store.EventKind, h *agent.Handle, sessionID string, detail map[string]any) {
	if h == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
	defer cancel()

	e := &store.PoolEvent{
		Kind:        kind,
		Host:        h.Host,
		Port:        h.Port,
		Environment: h.Environment,
		SessionID:   sessionID,
		Detail:      detail,
	}
	if err := l.store.AppendEvent(ctx, e); err != nil {
		l.logger.Error("failed to record pool event",
			"kind", kind,
			"agent", h.String(),
			"session_id", sessionID,
			"error", err,
		)
	}
}

// evictions records one evict event per removed agent.
func (l *ledger) evictions(ctx context.Context, evicted []pool.Eviction, reason string) {
	for _, ev := range evicted {
		var sessionID string
		if ev.Session != nil {
			sessionID = ev.Session.ID
		}
		l.append(ctx, store.EventEvict, ev.Agent, sessionID, map[string]any{"reason": reason})
	}
}
