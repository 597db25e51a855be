// Package storage persists sensor readings, raised alerts and notifier
// dedup state.
//
// Drivers:
//   - "file": JSON Lines files next to the configured path
//   - "sqlite": a SQLite database (modernc.org/sqlite, no cgo)
package storage
