package mirror

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"github.com/sqlc-dev/pqtype"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

var schemas = map[string]string{
	DriverPostgres: `CREATE TABLE IF NOT EXISTS mirror_entries (
	key        TEXT PRIMARY KEY,
	value      JSONB NOT NULL,
	updated_at BIGINT NOT NULL
)`,
	DriverSQLite: `CREATE TABLE IF NOT EXISTS mirror_entries (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`,
}

const (
	getEntry    = `SELECT value FROM mirror_entries WHERE key = $1`
	upsertEntry = `INSERT INTO mirror_entries (key, value, updated_at) VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	deleteEntry = `DELETE FROM mirror_entries WHERE key = $1`
	// placeholders appear in order; sqlite numbers them by first appearance
	listKeys    = `SELECT key FROM mirror_entries WHERE $1 = substr(key, 1, $2) ORDER BY key`
)

// SQLStore keeps the mirror in a single table on Postgres or SQLite
type SQLStore struct {
	db     *sql.DB
	driver string
}

// Open connects to the database and prepares the mirror table
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if _, ok := schemas[driver]; !ok {
		return nil, fmt.Errorf("unsupported mirror driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}
	if driver == DriverSQLite {
		// a single connection keeps :memory: databases shared and serializes writes
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store, err := NewSQLStore(ctx, db, driver)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info().Str("driver", driver).Msg("mirror database ready")
	return store, nil
}

// NewSQLStore wraps an existing connection and creates the table if needed
func NewSQLStore(ctx context.Context, db *sql.DB, driver string) (*SQLStore, error) {
	schema, ok := schemas[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported mirror driver %q", driver)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create mirror table: %w", err)
	}
	return &SQLStore{db: db, driver: driver}, nil
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value pqtype.NullRawMessage
	err := s.db.QueryRowContext(ctx, getEntry, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get mirror entry %s: %w", key, err)
	}
	if !value.Valid {
		return nil, ErrNotFound
	}
	return value.RawMessage, nil
}

func (s *SQLStore) Put(ctx context.Context, key string, value []byte) error {
	raw := pqtype.NullRawMessage{RawMessage: value, Valid: len(value) > 0}
	if _, err := s.db.ExecContext(ctx, upsertEntry, key, raw, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("put mirror entry %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, deleteEntry, key); err != nil {
		return fmt.Errorf("delete mirror entry %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, listKeys, prefix, len(prefix))
	if err != nil {
		return nil, fmt.Errorf("list mirror keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close closes the underlying database
func (s *SQLStore) Close() error {
	return s.db.Close()
}
