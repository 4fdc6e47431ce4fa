package mirror

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sqlc-dev/pqtype"
)

// Postgres locks the row for the duration of the transaction; SQLite runs
// on a single connection, so the transaction alone serializes writers.
var lockingGet = map[string]string{
	DriverPostgres: getEntry + ` FOR UPDATE`,
	DriverSQLite:   getEntry,
}

// runTx executes fn inside a *sql.Tx.
// If fn returns an error the tx rolls back, else it commits.
func runTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mirror transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Update performs a read-modify-write of key inside one transaction, so
// other processes sharing the database see either the old or the new value.
func (s *SQLStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	return runTx(ctx, s.db, func(tx *sql.Tx) error {
		var value pqtype.NullRawMessage
		var current []byte
		err := tx.QueryRowContext(ctx, lockingGet[s.driver], key).Scan(&value)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("get mirror entry %s: %w", key, err)
		case value.Valid:
			current = append([]byte(nil), value.RawMessage...)
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		if next == nil {
			if current == nil {
				return nil
			}
			if _, err := tx.ExecContext(ctx, deleteEntry, key); err != nil {
				return fmt.Errorf("delete mirror entry %s: %w", key, err)
			}
			return nil
		}

		raw := pqtype.NullRawMessage{RawMessage: next, Valid: true}
		if _, err := tx.ExecContext(ctx, upsertEntry, key, raw, time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("put mirror entry %s: %w", key, err)
		}
		return nil
	})
}
