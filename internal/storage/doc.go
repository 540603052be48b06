// Package storage persists polls, groups and sent instances in a relational
// database through database/sql.
//
// Two drivers are supported:
//   - "sqlite": a single database file (modernc.org/sqlite, no cgo)
//   - "postgres": a server DSN (jackc/pgx/v5 stdlib)
//
// PollStore and InstanceStore share one *sql.DB but never call each other.
// Every exported operation runs in its own transaction or single statement.
package storage
