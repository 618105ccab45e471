// Package storage defines the error taxonomy and the contracts consumed by
// everything built on top of the resilient store: business schemas acquire
// connections, ensure columns, and take named leases through these interfaces
// without knowing about repair or backup mechanics.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mistakeknot/tickstore/internal/core"
)

// Fault conditions surfaced to callers. Transient faults (lock contention,
// first-occurrence I/O or corruption errors) are recovered internally and
// never carry these sentinels.
var (
	// ErrLockTimeout means the bounded retry loop exhausted its attempts
	// while the database stayed locked by another writer.
	ErrLockTimeout = errors.New("database lock timeout")

	// ErrIOFault means a disk-level error persisted after one repair attempt.
	ErrIOFault = errors.New("unrecoverable i/o fault")

	// ErrCorruptionUnrepaired means repair ran but the integrity check still
	// reports a problem. Manual restore is required.
	ErrCorruptionUnrepaired = errors.New("corruption not repaired")

	// ErrBackupFailed means no safety copy could be produced before a
	// destructive step. The live database is left untouched.
	ErrBackupFailed = errors.New("backup failed")

	// ErrMigrationIncomplete means a one-time backfill raised partway
	// through; its completion flag is intentionally left unset so the next
	// startup retries.
	ErrMigrationIncomplete = errors.New("migration incomplete")
)

// Querier is the read-side handle passed to View ops. Both *sql.DB and the
// slow-query logging wrapper satisfy it.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Connector is the connection contract consumed by all business schemas.
// WithTx runs op inside a write transaction: commit on success, rollback on
// any error, release on every exit path. View runs op against a tuned
// read handle without the process-wide write lock.
type Connector interface {
	WithTx(ctx context.Context, op func(tx *sql.Tx) error) error
	View(ctx context.Context, op func(q Querier) error) error
}

// Migrator is the additive schema-evolution contract, called once per
// table/flag during a component's own startup.
type Migrator interface {
	EnsureColumn(ctx context.Context, table, column, typ string) error
	RunOnce(ctx context.Context, flagKey string, fn func(tx *sql.Tx) error) error
}

// LeaseStore is the lease contract consumed by work-partitioning callers.
// Identifiers are opaque strings; callers choose a stable holder ID per run.
type LeaseStore interface {
	Acquire(ctx context.Context, id, holder, hostname string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, id, holder string) error
	Extend(ctx context.Context, id, holder string, additional time.Duration) (bool, error)
	Available(ctx context.Context, candidates []string) ([]string, error)
	Holdings(ctx context.Context, holder string) ([]core.Lease, error)
}
