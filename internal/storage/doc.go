// Package storage persists scheduled tasks.
//
// Drivers:
//   - "sqlite": single-file database (default)
//   - "redis": sorted-set index plus one hash per task, for multi-process deployments
//   - "memory": process-local, used by tests and dry runs
package storage
