// ABOUTME: Pool event ledger methods on SQLiteStore
// ABOUTME: Append, filtered listing (newest first) and retention pruning

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// tsFormat is fixed width so timestamps sort lexically.
const tsFormat = "2006-01-02T15:04:05.000000000Z"

func formatTS(t time.Time) string {
	return t.UTC().Format(tsFormat)
}

// AppendEvent appends a new event to the ledger.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendEvent(ctx context.Context, e *PoolEvent) error {
	if err := validateEvent(e); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling event detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	var sessionID *string
	if e.SessionID != "" {
		sessionID = &e.SessionID
	}

	query := `
		INSERT INTO pool_events (event_id, kind, host, port, environment, session_id, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		string(e.Kind),
		e.Host,
		e.Port,
		e.Environment,
		sessionID,
		formatTS(e.Timestamp),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting pool event: %w", err)
	}

	s.logger.Debug("appended pool event",
		"id", e.ID,
		"kind", e.Kind,
		"agent", fmt.Sprintf("%s:%d", e.Host, e.Port),
		"session_id", e.SessionID,
	)
	return nil
}

// eventQueryArgs holds the nullable query arguments derived from an EventFilter.
type eventQueryArgs struct {
	sinceStr *string
	untilStr *string
	kindStr  *string
}

func buildEventQueryArgs(f EventFilter) eventQueryArgs {
	var args eventQueryArgs
	if f.Since != nil {
		s := formatTS(*f.Since)
		args.sinceStr = &s
	}
	if f.Until != nil {
		s := formatTS(*f.Until)
		args.untilStr = &s
	}
	if f.Kind != nil {
		k := string(*f.Kind)
		args.kindStr = &k
	}
	return args
}

// scanEvent scans a row into a PoolEvent.
func scanEvent(scanner interface{ Scan(dest ...any) error }) (PoolEvent, error) {
	var e PoolEvent
	var kindStr, tsStr string
	var sessionID, detailJSON *string

	if err := scanner.Scan(
		&e.ID,
		&kindStr,
		&e.Host,
		&e.Port,
		&e.Environment,
		&sessionID,
		&tsStr,
		&detailJSON,
	); err != nil {
		return e, fmt.Errorf("scanning pool event: %w", err)
	}

	e.Kind = EventKind(kindStr)
	if sessionID != nil {
		e.SessionID = *sessionID
	}

	var err error
	e.Timestamp, err = time.Parse(tsFormat, tsStr)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}

const listEventsQuery = `
	SELECT event_id, kind, host, port, environment, session_id, ts, detail_json
	FROM pool_events
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR ts <= ?)
	  AND (? IS NULL OR kind = ?)
	  AND (? IS NULL OR host = ?)
	  AND (? IS NULL OR session_id = ?)
	ORDER BY ts DESC, rowid DESC
	LIMIT ?
`

// ListEvents returns events matching the filter criteria.
// Results are returned newest first (DESC by timestamp).
func (s *SQLiteStore) ListEvents(ctx context.Context, f EventFilter) ([]PoolEvent, error) {
	limit := normalizeLimit(f.Limit)
	args := buildEventQueryArgs(f)

	rows, err := s.db.QueryContext(ctx, listEventsQuery,
		args.sinceStr, args.sinceStr,
		args.untilStr, args.untilStr,
		args.kindStr, args.kindStr,
		f.Host, f.Host,
		f.SessionID, f.SessionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying pool events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []PoolEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pool events: %w", err)
	}

	if events == nil {
		events = []PoolEvent{}
	}
	return events, nil
}

// PruneEvents deletes events with a timestamp before the cutoff.
func (s *SQLiteStore) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pool_events WHERE ts < ?`, formatTS(before))
	if err != nil {
		return 0, fmt.Errorf("pruning pool events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned events: %w", err)
	}
	if n > 0 {
		s.logger.Info("pruned pool events", "count", n, "before", before.UTC().Format(time.RFC3339))
	}
	return n, nil
}
