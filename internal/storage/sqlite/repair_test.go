package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/mistakeknot/tickstore/internal/core"
	"github.com/mistakeknot/tickstore/internal/storage"
)

// failingBackups wraps a real manager but refuses to take new backups.
type failingBackups struct {
	*BackupManager
}

func (f *failingBackups) Backup() (string, error) {
	return "", fmt.Errorf("%w: simulated backup failure", storage.ErrBackupFailed)
}

func TestRepairHardStopsWhenBackupFailsWithData(t *testing.T) {
	path := newSeededDB(t)
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read db: %v", err)
	}

	r := NewRepairer(path, &failingBackups{NewBackupManager(path)}, NewChecker(path))
	err = r.Repair(context.Background())
	if !errors.Is(err, storage.ErrBackupFailed) {
		t.Fatalf("expected ErrBackupFailed, got %v", err)
	}

	// The hard invariant: nothing was destroyed.
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read db after repair: %v", err)
	}
	if len(before) != len(after) {
		t.Errorf("database size changed from %d to %d despite hard stop", len(before), len(after))
	}
	if got := countTrades(t, path); got != 2 {
		t.Errorf("trades count %d after aborted repair, want 2", got)
	}
}

func TestRepairEmptyDatabaseProceedsWithoutBackup(t *testing.T) {
	// Schema but no rows: losing this file loses nothing.
	g := newTestGuard(t)
	path := g.Path()
	g.Close()

	r := NewRepairer(path, &failingBackups{NewBackupManager(path)}, NewChecker(path))
	if err := r.Repair(context.Background()); err != nil {
		t.Fatalf("repair of empty database: %v", err)
	}
	if rep := NewChecker(path).Check(); !rep.OK() {
		t.Errorf("post-repair check %s: %s", rep.State, rep.Details)
	}
}

func TestRepairHealthyDatabaseBacksUpAndCompacts(t *testing.T) {
	path := newSeededDB(t)
	m := NewBackupManager(path)

	r := NewRepairer(path, m, NewChecker(path))
	if err := r.Repair(context.Background()); err != nil {
		t.Fatalf("repair: %v", err)
	}

	list, err := m.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected the pre-repair backup, got %d", len(list))
	}
	if got := countTrades(t, path); got != 2 {
		t.Errorf("trades count %d after repair, want 2", got)
	}
}

func TestRepairRestoresOlderBackupWhenCompactionFails(t *testing.T) {
	path := newSeededDB(t)
	m := NewBackupManager(path)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.Local)

	// A known-good backup, stamped older than anything repair will take.
	m.nowFunc = func() time.Time { return base }
	if _, err := m.Backup(); err != nil {
		t.Fatalf("good backup: %v", err)
	}

	// Corrupt the live file beyond what compaction can fix.
	if err := os.WriteFile(path, []byte("garbage garbage garbage garbage garbage garbage garbage garbage"), 0644); err != nil {
		t.Fatalf("corrupt live file: %v", err)
	}
	m.nowFunc = func() time.Time { return base.Add(time.Minute) }

	r := NewRepairer(path, m, NewChecker(path))
	if err := r.Repair(context.Background()); err != nil {
		t.Fatalf("repair: %v", err)
	}

	if rep := NewChecker(path).Check(); !rep.OK() {
		t.Fatalf("post-repair check %s: %s", rep.State, rep.Details)
	}
	if got := countTrades(t, path); got != 2 {
		t.Errorf("trades count %d after restore, want 2", got)
	}
}

func TestRepairSingleCorruptBackupUnrepairable(t *testing.T) {
	path := newSeededDB(t)
	m := NewBackupManager(path)

	// No pre-existing backups: the only copy repair can fall back to is the
	// one it takes of the already-corrupt file.
	if err := os.WriteFile(path, []byte("garbage garbage garbage garbage garbage garbage garbage garbage"), 0644); err != nil {
		t.Fatalf("corrupt live file: %v", err)
	}

	r := NewRepairer(path, m, NewChecker(path))
	err := r.Repair(context.Background())
	if !errors.Is(err, storage.ErrCorruptionUnrepaired) {
		t.Fatalf("expected ErrCorruptionUnrepaired, got %v", err)
	}
}

func TestRepairThrottledAfterRepeatedFailures(t *testing.T) {
	path := newSeededDB(t)
	if err := os.WriteFile(path, []byte("garbage garbage garbage garbage garbage garbage garbage garbage"), 0644); err != nil {
		t.Fatalf("corrupt live file: %v", err)
	}

	r := NewRepairer(path, NewBackupManager(path), NewChecker(path))
	for i := 0; i < 3; i++ {
		if err := r.Repair(context.Background()); err == nil {
			t.Fatalf("repair %d unexpectedly succeeded", i)
		}
	}
	if got := r.breaker.State(); got != StateOpen {
		t.Fatalf("breaker state %s after three failures, want open", got)
	}

	err := r.Repair(context.Background())
	if !errors.Is(err, ErrRepairThrottled) {
		t.Fatalf("expected ErrRepairThrottled, got %v", err)
	}
	// Throttled repairs stay inside the documented taxonomy.
	if !errors.Is(err, storage.ErrCorruptionUnrepaired) {
		t.Fatalf("throttled repair should also match ErrCorruptionUnrepaired, got %v", err)
	}
}

type listErrBackups struct {
	*BackupManager
}

func (l *listErrBackups) List() ([]core.BackupInfo, error) {
	return nil, errors.New("listing failed")
}

func TestRepairFallbackToleratesListFailure(t *testing.T) {
	// A healthy database never reaches the fallback; this only exercises the
	// selection logic directly.
	path := newSeededDB(t)
	r := NewRepairer(path, &listErrBackups{NewBackupManager(path)}, NewChecker(path))
	if got := r.fallbackBackup("whatever"); got != "" {
		t.Errorf("fallback = %q, want newest (empty) when listing fails", got)
	}
}
