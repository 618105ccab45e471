package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mistakeknot/tickstore/internal/core"
	"github.com/mistakeknot/tickstore/internal/storage"
)

// Compile-time interface check.
var _ storage.LeaseStore = (*LeaseTable)(nil)

// errLeaseHeld marks a uniqueness violation on insert: another still-live
// holder exists. Internal; Acquire translates it to a false return.
var errLeaseHeld = errors.New("lease already held")

// LeaseTable stores named, TTL-bounded advisory leases as ordinary rows.
// Expired rows are purged lazily by the next Acquire or Available call;
// there is no background sweeper. Uniqueness is adjudicated by the primary
// key, never by check-then-insert in application code.
type LeaseTable struct {
	conn    storage.Connector
	nowFunc func() time.Time // for tests
}

// NewLeaseTable returns a lease table backed by conn.
func NewLeaseTable(conn storage.Connector) *LeaseTable {
	return &LeaseTable{conn: conn, nowFunc: time.Now}
}

// Acquire attempts to take the lease on id for ttl. It first purges expired
// rows, then inserts; a primary-key violation means another live holder
// exists and Acquire returns false without error. Two concurrent calls for
// the same id never both succeed.
func (t *LeaseTable) Acquire(ctx context.Context, id, holder, hostname string, ttl time.Duration) (bool, error) {
	if id == "" || holder == "" {
		return false, fmt.Errorf("lease id and holder required")
	}
	now := t.nowFunc().UTC()
	err := t.conn.WithTx(ctx, func(tx *sql.Tx) error {
		if err := purgeExpiredTx(tx, now); err != nil {
			return err
		}
		_, err := tx.Exec(
			`INSERT INTO leases (id, holder_id, hostname, acquired_at, expires_at, status)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			id, holder, hostname, now.Format(time.RFC3339Nano), now.Add(ttl).Unix(), string(core.LeaseHeld),
		)
		if err != nil && isUniqueViolation(err) {
			return errLeaseHeld
		}
		if err != nil {
			return fmt.Errorf("insert lease %s: %w", id, err)
		}
		return nil
	})
	if errors.Is(err, errLeaseHeld) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Release deletes the lease only when both id and holder match, so a holder
// whose TTL already lapsed cannot release a lease someone else re-acquired.
// Releasing a lease you do not hold is a no-op, not an error.
func (t *LeaseTable) Release(ctx context.Context, id, holder string) error {
	return t.conn.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM leases WHERE id = ? AND holder_id = ?`, id, holder); err != nil {
			return fmt.Errorf("release lease %s: %w", id, err)
		}
		return nil
	})
}

// Extend rebases expires_at to additional past now for a row matching both
// id and holder, so heartbeats at any cadence never stack: a holder that
// stops extending is gone within one TTL. A row whose TTL already lapsed
// cannot be extended. Returns false when the caller no longer holds the
// lease.
func (t *LeaseTable) Extend(ctx context.Context, id, holder string, additional time.Duration) (bool, error) {
	now := t.nowFunc().UTC()
	var extended bool
	err := t.conn.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE leases SET expires_at = ? WHERE id = ? AND holder_id = ? AND expires_at > ?`,
			now.Add(additional).Unix(), id, holder, now.Unix(),
		)
		if err != nil {
			return fmt.Errorf("extend lease %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		extended = n > 0
		return nil
	})
	return extended, err
}

// Available purges expired rows, then returns every candidate not currently
// leased by anyone. Cooperating processes call this against the same
// candidate set and independently pick ids to acquire; races are tolerated
// because Acquire is the final arbiter.
func (t *LeaseTable) Available(ctx context.Context, candidates []string) ([]string, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	now := t.nowFunc().UTC()
	leased := make(map[string]bool)
	err := t.conn.WithTx(ctx, func(tx *sql.Tx) error {
		if err := purgeExpiredTx(tx, now); err != nil {
			return err
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(candidates)), ",")
		args := make([]any, len(candidates))
		for i, id := range candidates {
			args[i] = id
		}
		rows, err := tx.Query(`SELECT id FROM leases WHERE id IN (`+placeholders+`)`, args...)
		if err != nil {
			return fmt.Errorf("query leased ids: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scan leased id: %w", err)
			}
			leased[id] = true
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	var free []string
	for _, id := range candidates {
		if !leased[id] {
			free = append(free, id)
		}
	}
	return free, nil
}

// Holdings returns the caller's unexpired leases, ordered by id.
func (t *LeaseTable) Holdings(ctx context.Context, holder string) ([]core.Lease, error) {
	now := t.nowFunc().UTC()
	var out []core.Lease
	err := t.conn.View(ctx, func(q storage.Querier) error {
		rows, err := q.QueryContext(ctx,
			`SELECT id, holder_id, hostname, acquired_at, expires_at, status
			 FROM leases WHERE holder_id = ? AND expires_at > ? ORDER BY id`,
			holder, now.Unix(),
		)
		if err != nil {
			return fmt.Errorf("query holdings: %w", err)
		}
		defer rows.Close()
		out, err = scanLeases(rows)
		return err
	})
	return out, err
}

// Snapshot returns every unexpired lease, ordered by id. Diagnostic surface
// for the operator CLI.
func (t *LeaseTable) Snapshot(ctx context.Context) ([]core.Lease, error) {
	now := t.nowFunc().UTC()
	var out []core.Lease
	err := t.conn.View(ctx, func(q storage.Querier) error {
		rows, err := q.QueryContext(ctx,
			`SELECT id, holder_id, hostname, acquired_at, expires_at, status
			 FROM leases WHERE expires_at > ? ORDER BY id`,
			now.Unix(),
		)
		if err != nil {
			return fmt.Errorf("query leases: %w", err)
		}
		defer rows.Close()
		out, err = scanLeases(rows)
		return err
	})
	return out, err
}

func scanLeases(rows *sql.Rows) ([]core.Lease, error) {
	var out []core.Lease
	for rows.Next() {
		var (
			l          core.Lease
			acquiredAt string
			expiresAt  int64
			status     string
		)
		if err := rows.Scan(&l.ID, &l.HolderID, &l.Hostname, &acquiredAt, &expiresAt, &status); err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		l.AcquiredAt, _ = time.Parse(time.RFC3339Nano, acquiredAt)
		l.ExpiresAt = time.Unix(expiresAt, 0).UTC()
		l.Status = core.LeaseStatus(status)
		out = append(out, l)
	}
	return out, rows.Err()
}

// purgeExpiredTx lazily removes rows whose TTL has elapsed. Second
// granularity, wall clock; equal-to-now counts as expired so a zero TTL
// never blocks a subsequent acquire.
func purgeExpiredTx(tx *sql.Tx, now time.Time) error {
	if _, err := tx.Exec(`DELETE FROM leases WHERE expires_at <= ?`, now.Unix()); err != nil {
		return fmt.Errorf("purge expired leases: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
