package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/mistakeknot/tickstore/internal/storage"
)

var (
	identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	typePattern  = regexp.MustCompile(`^[A-Za-z0-9_() ]+$`)
)

// Compile-time interface check.
var _ storage.Migrator = (*SchemaMigrator)(nil)

// SchemaMigrator performs additive, idempotent schema evolution. It never
// drops, renames, or narrows a column, so every method is safe to call on
// every startup.
type SchemaMigrator struct {
	conn storage.Connector
}

// NewMigrator returns a migrator backed by conn.
func NewMigrator(conn storage.Connector) *SchemaMigrator {
	return &SchemaMigrator{conn: conn}
}

// EnsureColumn probes the column with a trivial single-row read and issues
// an additive ALTER TABLE only when the probe reports it absent. Existing
// data is never altered.
func (m *SchemaMigrator) EnsureColumn(ctx context.Context, table, column, typ string) error {
	if err := validIdent(table); err != nil {
		return err
	}
	if err := validIdent(column); err != nil {
		return err
	}
	if !typePattern.MatchString(typ) {
		return fmt.Errorf("invalid column type %q", typ)
	}

	var missing bool
	err := m.conn.View(ctx, func(q storage.Querier) error {
		var probe any
		err := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s LIMIT 1`, column, table)).Scan(&probe)
		switch {
		case err == nil, errors.Is(err, sql.ErrNoRows):
			return nil
		case strings.Contains(err.Error(), "no such column"):
			missing = true
			return nil
		default:
			return fmt.Errorf("probe %s.%s: %w", table, column, err)
		}
	})
	if err != nil || !missing {
		return err
	}

	return m.conn.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, typ)); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, column, err)
		}
		return nil
	})
}

// RunOnce executes fn exactly once across process lifetimes, gated by a
// persisted flag. The flag is written in the same transaction as fn's work,
// so a crash mid-backfill leaves it unset and the next startup retries.
func (m *SchemaMigrator) RunOnce(ctx context.Context, flagKey string, fn func(tx *sql.Tx) error) error {
	if flagKey == "" {
		return fmt.Errorf("flag key required")
	}
	meta := NewMeta(m.conn)
	done, err := meta.Flag(ctx, flagKey)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	err = m.conn.WithTx(ctx, func(tx *sql.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return setFlagTx(tx, flagKey, true)
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", storage.ErrMigrationIncomplete, flagKey, err)
	}
	return nil
}

// ColumnMapping routes legacy key spellings to one typed target column.
// When several aliases are present in a payload the later alias wins.
type ColumnMapping struct {
	Target  string
	Aliases []string
}

// BackfillMapping declares a one-time extraction of a legacy unstructured
// JSON column into typed columns. Keys not claimed by any mapping are
// preserved in the residual column so no information is silently dropped.
type BackfillMapping struct {
	Table    string
	Source   string // column holding the legacy JSON payload
	Residual string // catch-all column for unknown keys
	Columns  []ColumnMapping
}

// Backfill returns a RunOnce-compatible function applying the mapping. Only
// columns that are currently null are filled, so re-applying the backfill to
// already-migrated rows is a no-op.
func Backfill(bm BackfillMapping) (func(tx *sql.Tx) error, error) {
	for _, ident := range append([]string{bm.Table, bm.Source, bm.Residual}, targets(bm.Columns)...) {
		if err := validIdent(ident); err != nil {
			return nil, err
		}
	}

	return func(tx *sql.Tx) error {
		rows, err := tx.Query(fmt.Sprintf(
			`SELECT rowid, %s FROM %s WHERE %s IS NOT NULL AND %s != ''`,
			bm.Source, bm.Table, bm.Source, bm.Source,
		))
		if err != nil {
			return fmt.Errorf("read legacy payloads: %w", err)
		}

		type legacyRow struct {
			rowid   int64
			payload string
		}
		var pending []legacyRow
		for rows.Next() {
			var r legacyRow
			if err := rows.Scan(&r.rowid, &r.payload); err != nil {
				rows.Close()
				return fmt.Errorf("scan legacy payload: %w", err)
			}
			pending = append(pending, r)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate legacy payloads: %w", err)
		}
		rows.Close()

		for _, r := range pending {
			if err := backfillRow(tx, bm, r.rowid, r.payload); err != nil {
				return err
			}
		}
		return nil
	}, nil
}

func backfillRow(tx *sql.Tx, bm BackfillMapping, rowid int64, payload string) error {
	var legacy map[string]any
	if err := json.Unmarshal([]byte(payload), &legacy); err != nil {
		return fmt.Errorf("parse legacy payload rowid=%d: %w", rowid, err)
	}

	claimed := make(map[string]bool)
	for _, cm := range bm.Columns {
		var value any
		var have bool
		for _, alias := range cm.Aliases {
			if v, ok := legacy[alias]; ok {
				value, have = v, true // later alias wins
				claimed[alias] = true
			}
		}
		if !have {
			continue
		}
		_, err := tx.Exec(fmt.Sprintf(
			`UPDATE %s SET %s = ? WHERE rowid = ? AND %s IS NULL`,
			bm.Table, cm.Target, cm.Target,
		), value, rowid)
		if err != nil {
			return fmt.Errorf("backfill %s.%s rowid=%d: %w", bm.Table, cm.Target, rowid, err)
		}
	}

	leftover := make(map[string]any)
	for k, v := range legacy {
		if !claimed[k] {
			leftover[k] = v
		}
	}
	if len(leftover) == 0 {
		return nil
	}
	residual, err := json.Marshal(leftover)
	if err != nil {
		return fmt.Errorf("marshal residual rowid=%d: %w", rowid, err)
	}
	_, err = tx.Exec(fmt.Sprintf(
		`UPDATE %s SET %s = ? WHERE rowid = ? AND (%s IS NULL OR %s = '')`,
		bm.Table, bm.Residual, bm.Residual, bm.Residual,
	), string(residual), rowid)
	if err != nil {
		return fmt.Errorf("backfill residual rowid=%d: %w", rowid, err)
	}
	return nil
}

func targets(cols []ColumnMapping) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Target
	}
	return out
}

func validIdent(s string) error {
	if !identPattern.MatchString(s) {
		return fmt.Errorf("invalid identifier %q", s)
	}
	return nil
}
