// Package storage provides the durable task store behind the scheduler.
//
// Every status change is a single conditional update against the expected
// current status, so the store (not the in-memory timers) is the source of
// truth. Drivers:
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL via pgx; claims use FOR UPDATE SKIP LOCKED
//   - "memory": process-local map, for tests and throwaway runs
package storage
