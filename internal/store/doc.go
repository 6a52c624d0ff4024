// Package store persists the gridhub pool event ledger.
//
// # Overview
//
// Every pool transition the hub performs (register, unregister, replace,
// reserve, release, evict, recycle) is appended to the ledger as a
// PoolEvent. The ledger is an audit trail for operators: the live pool is
// held in memory and is never rebuilt from stored events.
//
// # Implementations
//
//   - SQLiteStore: modernc.org/sqlite, WAL mode, schema created on open
//   - MockStore: in-memory, for tests
//
// # Querying
//
// ListEvents takes an EventFilter. All filter fields are optional; Limit
// defaults to 100 and is capped at 1000. Results are newest first.
//
//	kind := store.EventEvict
//	events, err := s.ListEvents(ctx, store.EventFilter{Kind: &kind, Limit: 20})
//
// PruneEvents enforces retention by deleting events older than a cutoff.
package store
