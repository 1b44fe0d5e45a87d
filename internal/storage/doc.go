// Package storage persists the event journal.
//
// A Store records published events and the terminal state of tasks so that
// history survives restarts. Backends:
//   - file: append-only JSON Lines plus a compacted task snapshot
//   - sqlite: modernc.org/sqlite (build tag "sqlite")
//   - postgres: pgx connection pool
//
// Journal bridges the event bus into a Store.
package storage
