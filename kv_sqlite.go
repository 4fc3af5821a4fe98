package signalq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteKV implements KV on a single-table SQLite file. The database is
// opened and its table created on first use.
type SQLiteKV struct {
	path string

	once    sync.Once
	db      *sql.DB
	openErr error
}

// NewSQLiteKV returns a KV backed by the SQLite file at path. Nothing is
// opened until the first Get or Set.
func NewSQLiteKV(path string) *SQLiteKV {
	return &SQLiteKV{path: path}
}

func (k *SQLiteKV) conn(ctx context.Context) (*sql.DB, error) {
	k.once.Do(func() {
		if dir := filepath.Dir(k.path); dir != "" && k.path != ":memory:" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				k.openErr = fmt.Errorf("failed to create sqlite directory: %w", err)
				return
			}
		}
		db, err := sql.Open("sqlite3", k.path)
		if err != nil {
			k.openErr = fmt.Errorf("failed to open sqlite: %w", err)
			return
		}
		// One connection keeps ":memory:" databases coherent and serializes writers.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(context.WithoutCancel(ctx), `
			CREATE TABLE IF NOT EXISTS kv (
				key   TEXT PRIMARY KEY,
				value BLOB NOT NULL
			)`); err != nil {
			db.Close()
			k.openErr = fmt.Errorf("failed to initialize kv table: %w", err)
			return
		}
		k.db = db
	})
	return k.db, k.openErr
}

// Get implements KV.
func (k *SQLiteKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	db, err := k.conn(ctx)
	if err != nil {
		return nil, false, err
	}
	var value []byte
	err = db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite get %s: %w", key, err)
	}
	return value, true, nil
}

// Set implements KV.
func (k *SQLiteKV) Set(ctx context.Context, key string, value []byte) error {
	db, err := k.conn(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("sqlite set %s: %w", key, err)
	}
	return nil
}

// Close closes the database if it was opened.
func (k *SQLiteKV) Close() error {
	if k.db != nil {
		return k.db.Close()
	}
	return nil
}
