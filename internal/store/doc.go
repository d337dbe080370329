// Package store provides the dispatch log for wabridge using SQLite.
//
// # Overview
//
// Every batch the dispatcher finishes is recorded with one row per
// destination attempt. The log answers "what was sent where, and what
// happened" for the history endpoint. It is not a queue: nothing is
// retried or replayed from it after a restart.
//
// # Schema
//
//   - batches: id, body, payload kind, attachment flag, start/finish times
//   - deliveries: per-destination outcome keyed by (batch_id, position)
//
// Outcomes are constrained to sent, timeout, not-found and backend-error.
//
// # Implementations
//
//   - SQLiteStore: modernc.org/sqlite (pure Go), WAL mode, foreign keys on.
//     The path ":memory:" gives a throwaway database for tests.
//   - MockStore: in-memory, for handler tests.
package store
