// Package storage persists groups, jobs, runs, records and group runs.
//
// One SQL implementation serves both drivers: SQLite (modernc, the default)
// and PostgreSQL (lib/pq). Queries are written with '?' placeholders and
// rebound for postgres. Timestamps are stored as unix milliseconds.
//
// The UNIQUE(job_id, fingerprint) constraint on records is what makes
// UpsertRecord safe under concurrent observations of the same item.
package storage
