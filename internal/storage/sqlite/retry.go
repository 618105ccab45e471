package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mistakeknot/tickstore/internal/storage"
)

// faultKind is the closed set of recoverable fault categories. Everything a
// raw driver error can be is mapped through classifyFault exactly once; the
// retry driver then applies one policy per kind.
type faultKind int

const (
	faultOther faultKind = iota
	faultLocked
	faultIO
	faultCorrupt
)

// String returns the string representation of the fault kind.
func (k faultKind) String() string {
	switch k {
	case faultLocked:
		return "locked"
	case faultIO:
		return "io"
	case faultCorrupt:
		return "corrupt"
	default:
		return "other"
	}
}

// classifyFault maps a raw SQLite error into a fault kind. Logic errors (bad
// SQL, constraint violations) classify as faultOther and are never retried.
func classifyFault(err error) faultKind {
	if err == nil {
		return faultOther
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "database table is locked"),
		strings.Contains(msg, "sqlite_busy"):
		return faultLocked
	case strings.Contains(msg, "disk image is malformed"),
		strings.Contains(msg, "file is not a database"),
		strings.Contains(msg, "malformed database schema"):
		return faultCorrupt
	case strings.Contains(msg, "disk i/o error"),
		strings.Contains(msg, "i/o error"),
		strings.Contains(msg, "unable to open database file"):
		return faultIO
	}
	return faultOther
}

// RetryConfig controls the bounded linear-backoff retry loop.
type RetryConfig struct {
	MaxAttempts int
	Backoff     time.Duration // sleep is attempt × Backoff
}

// DefaultRetryConfig returns the default policy: 5 attempts, 500ms base.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 5, Backoff: 500 * time.Millisecond}
}

// runRetry drives fn under the retry decision table:
//
//	locked  — sleep attempt × backoff, retry; ErrLockTimeout once exhausted.
//	io      — repair once per call, retry once; ErrIOFault on recurrence.
//	corrupt — repair once per call, retry once; ErrCorruptionUnrepaired on
//	          recurrence.
//	other   — propagate immediately.
//
// A failed repair propagates the repair's own error, which carries
// ErrBackupFailed or ErrCorruptionUnrepaired.
func runRetry(ctx context.Context, cfg RetryConfig, fn func() error, repair func(context.Context) error, sleep func(context.Context, time.Duration) error) error {
	var locked int
	var repaired bool
	for {
		err := fn()
		if err == nil {
			return nil
		}
		switch classifyFault(err) {
		case faultLocked:
			locked++
			if locked >= cfg.MaxAttempts {
				return fmt.Errorf("%w after %d attempts: %v", storage.ErrLockTimeout, locked, err)
			}
			if serr := sleep(ctx, time.Duration(locked)*cfg.Backoff); serr != nil {
				return serr
			}
		case faultIO:
			if repaired {
				return fmt.Errorf("%w: %v", storage.ErrIOFault, err)
			}
			repaired = true
			if rerr := repair(ctx); rerr != nil {
				return rerr
			}
		case faultCorrupt:
			if repaired {
				return fmt.Errorf("%w: %v", storage.ErrCorruptionUnrepaired, err)
			}
			repaired = true
			if rerr := repair(ctx); rerr != nil {
				return rerr
			}
		default:
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
