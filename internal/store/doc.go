// Package store is the portal's Local Store: the relational tables that hold a
// synchronized copy of TAS projects, allocations and publications.
//
// Two dialects share one API:
//   - sqlite3 (github.com/mattn/go-sqlite3) for local runs and tests
//   - pgx (github.com/jackc/pgx/v5/stdlib) for the production portal database
//
// Queries are written with ? placeholders and rebound to $n for Postgres.
//
// # Write Discipline
//
// Every write method runs in its own transaction and releases it on all exit
// paths (defer tx.Rollback() is a no-op after Commit). Batch methods are
// atomic per call: either every row of the batch is written or none is.
//
// # Database Configuration (sqlite3)
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
package store
