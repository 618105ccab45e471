package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mistakeknot/tickstore/internal/storage"
)

// Meta reads and writes the reserved metadata table of (key, value) rows
// used as persisted flags. The table exists before any business table is
// created.
type Meta struct {
	conn storage.Connector
}

// NewMeta returns metadata helpers backed by conn.
func NewMeta(conn storage.Connector) *Meta {
	return &Meta{conn: conn}
}

// SetValue upserts a string value under key.
func (m *Meta) SetValue(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("meta key required")
	}
	return m.conn.WithTx(ctx, func(tx *sql.Tx) error {
		return setValueTx(tx, key, value)
	})
}

// Value returns the stored string for key and whether it was present.
func (m *Meta) Value(ctx context.Context, key string) (string, bool, error) {
	var value string
	var found bool
	err := m.conn.View(ctx, func(q storage.Querier) error {
		err := q.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get meta %s: %w", key, err)
		}
		found = true
		return nil
	})
	return value, found, err
}

// SetFlag persists a boolean flag under key.
func (m *Meta) SetFlag(ctx context.Context, key string, on bool) error {
	value := "false"
	if on {
		value = "true"
	}
	return m.SetValue(ctx, key, value)
}

// Flag reports whether the boolean flag under key is set. A missing row
// reads as unset.
func (m *Meta) Flag(ctx context.Context, key string) (bool, error) {
	value, found, err := m.Value(ctx, key)
	if err != nil {
		return false, err
	}
	return found && value == "true", nil
}

// setValueTx upserts key within an open transaction, so a flag can land
// atomically with the work it records.
func setValueTx(tx *sql.Tx, key, value string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := tx.Exec(
		`INSERT INTO meta (key, value, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now, now,
	)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

func setFlagTx(tx *sql.Tx, key string, on bool) error {
	value := "false"
	if on {
		value = "true"
	}
	return setValueTx(tx, key, value)
}
