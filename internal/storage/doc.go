// Package storage is the registry store: workers, targets, the pairing
// blocklist, the append-only action history and processed slot markers.
//
// Every read-then-write that touches a target's assignment, a status or a
// daily counter runs inside one transaction. Target rows carry a version
// column; writers that started from a stale read get ErrConflict instead of
// silently overwriting a concurrent update.
//
// Drivers:
//   - "sqlite": modernc.org/sqlite database file (default)
//   - "postgres": PostgreSQL through pgx
package storage
