// Package storage journals job outcomes and stats windows so they survive
// the process. Queued jobs are never persisted.
//
// Drivers:
//   - "file": JSON Lines files next to the configured path
//   - "sqlite": a single SQLite database (modernc.org/sqlite, no cgo)
package storage
