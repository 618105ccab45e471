// Package sqlite implements the resilient storage engine: a connection
// gateway that tunes SQLite for concurrent access, classifies and retries
// transient faults, repairs corruption behind a backup-first invariant, and
// stores advisory leases as ordinary rows.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mistakeknot/tickstore/internal/core"
	"github.com/mistakeknot/tickstore/internal/storage"
)

//go:embed schema.sql
var schema string

// Tuning applied to every handle: WAL allows concurrent readers alongside the
// single writer, synchronous=NORMAL trades a narrow crash window for lower
// write latency, the page cache is enlarged to 64MB, and temporary tables
// stay in memory.
var tuningPragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA cache_size=-64000",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA busy_timeout=5000",
}

// Alerter receives operator-actionable conditions. Implementations must not
// block longer than their context allows.
type Alerter interface {
	Alert(ctx context.Context, a core.Alert)
}

// Option configures a Guard.
type Option func(*Guard)

// WithRetryConfig overrides the default retry policy.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(g *Guard) { g.retry = cfg }
}

// WithAlerter wires an alert sink for backup-failed and
// corruption-unrepaired conditions.
func WithAlerter(a Alerter) Option {
	return func(g *Guard) { g.alerter = a }
}

// Compile-time interface check.
var _ storage.Connector = (*Guard)(nil)

// Guard is the sole gateway for obtaining a working database handle. It is
// constructed explicitly by the composition root and passed to every
// consumer; there is no package-level instance.
type Guard struct {
	path string

	// writeMu serializes logical multi-statement write sequences from this
	// process on top of SQLite's own writer serialization. Ops must not nest
	// WithTx calls.
	writeMu sync.Mutex

	mu sync.Mutex // guards db
	db *sql.DB

	retry    RetryConfig
	checker  *Checker
	backups  *BackupManager
	repairer *Repairer
	alerter  Alerter
}

// Open verifies the database's health, repairing it if necessary, then opens
// a tuned handle and applies the base schema. The meta table exists before
// any business table is created.
func Open(path string, opts ...Option) (*Guard, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	g := &Guard{
		path:    path,
		retry:   DefaultRetryConfig(),
		checker: NewChecker(path),
		backups: NewBackupManager(path),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.repairer = NewRepairer(path, g.backups, g.checker)

	// Startup health check before any schema work.
	if rep := g.checker.Check(); !rep.OK() {
		log.Printf("storage: startup check %s: %s", rep.State, rep.Details)
		if err := g.repairer.Repair(context.Background()); err != nil {
			g.alert(context.Background(), err)
			return nil, err
		}
	}

	if _, err := g.handle(); err != nil {
		return nil, err
	}
	return g, nil
}

// Path returns the primary database file path.
func (g *Guard) Path() string { return g.path }

// Backups returns the backup manager for the guarded database.
func (g *Guard) Backups() *BackupManager { return g.backups }

// Check runs the integrity monitor against the on-disk file.
func (g *Guard) Check() core.HealthReport { return g.checker.Check() }

// Close releases the underlying handle.
func (g *Guard) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.db == nil {
		return nil
	}
	err := g.db.Close()
	g.db = nil
	return err
}

// WithTx runs op inside a write transaction against a tuned handle: commit
// on success, rollback on any error, handle released back on every exit
// path. Lock contention is retried with linear backoff; the first I/O fault
// or corruption signature per call triggers one repair attempt followed by a
// final retry. Everything else propagates immediately.
func (g *Guard) WithTx(ctx context.Context, op func(tx *sql.Tx) error) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	return g.run(ctx, g.repairAndReopen, func() error {
		db, err := g.handle()
		if err != nil {
			return err
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := op(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				log.Printf("storage: rollback: %v", rbErr)
			}
			return err
		}
		return tx.Commit()
	})
}

// View runs op against a tuned read handle without taking the process-wide
// write lock. The same retry and repair policy applies, but a repair
// triggered from the read path waits for in-flight write transactions
// before touching the file.
func (g *Guard) View(ctx context.Context, op func(q storage.Querier) error) error {
	return g.run(ctx, g.lockedRepairAndReopen, func() error {
		db, err := g.handle()
		if err != nil {
			return err
		}
		return op(&queryLogger{inner: db})
	})
}

// Repair closes the live handle, runs the repair coordinator, and reopens.
// Exposed for operator invocation; the automatic path goes through run.
func (g *Guard) Repair(ctx context.Context) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	return g.repairAndReopen(ctx)
}

func (g *Guard) run(ctx context.Context, repair func(context.Context) error, fn func() error) error {
	return runRetry(ctx, g.retry, fn, repair, sleepCtx)
}

// lockedRepairAndReopen serializes an automatic repair against the write
// path. The write path itself uses the unlocked variant: it already holds
// writeMu for the span of its retry loop.
func (g *Guard) lockedRepairAndReopen(ctx context.Context) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	return g.repairAndReopen(ctx)
}

func (g *Guard) repairAndReopen(ctx context.Context) error {
	g.closeHandle()
	if err := g.repairer.Repair(ctx); err != nil {
		g.alert(ctx, err)
		return err
	}
	_, err := g.handle()
	return err
}

func (g *Guard) alert(ctx context.Context, err error) {
	if g.alerter == nil {
		return
	}
	var kind core.AlertKind
	switch {
	case errors.Is(err, storage.ErrBackupFailed):
		kind = core.AlertBackupFailed
	case errors.Is(err, storage.ErrCorruptionUnrepaired):
		kind = core.AlertCorruptionUnrepaired
	default:
		return
	}
	host, _ := os.Hostname()
	g.alerter.Alert(ctx, core.Alert{
		Kind:     kind,
		Detail:   err.Error(),
		Database: g.path,
		Hostname: host,
		At:       time.Now().UTC(),
	})
}

func (g *Guard) handle() (*sql.DB, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.db != nil {
		return g.db, nil
	}
	db, err := openTuned(g.path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	g.db = db
	return db, nil
}

func (g *Guard) closeHandle() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.db != nil {
		g.db.Close()
		g.db = nil
	}
}

func openTuned(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite is single-writer; one pooled connection keeps the PRAGMAs
	// applied to the connection actually in use.
	db.SetMaxOpenConns(1)
	for _, pragma := range tuningPragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}
