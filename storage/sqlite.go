package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// sqliteBackend keeps objects as rows. The generation is a per-row version counter.
type sqliteBackend struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite creates a store backed by a SQLite database file.
func NewSQLite(dbPath string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS objects (
			key TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			version INTEGER NOT NULL
		)
	`)
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warn("Failed to close database", "error", closeErr)
		}
		return nil, fmt.Errorf("create table: %w", err)
	}

	return newStore(&sqliteBackend{db: db, logger: logger}, logger), nil
}

func (b *sqliteBackend) read(ctx context.Context, key string) ([]byte, int64, error) {
	var data []byte
	var version int64
	err := b.db.QueryRowContext(ctx, `SELECT data, version FROM objects WHERE key = ?`, key).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, errNotExist
	}
	if err != nil {
		return nil, 0, fmt.Errorf("query object: %w", err)
	}
	return data, version, nil
}

func (b *sqliteBackend) write(ctx context.Context, key string, data []byte, generation int64) error {
	var res sql.Result
	var err error
	if generation == 0 {
		res, err = b.db.ExecContext(ctx, `INSERT OR IGNORE INTO objects (key, data, version) VALUES (?, ?, 1)`, key, data)
	} else {
		res, err = b.db.ExecContext(ctx, `UPDATE objects SET data = ?, version = version + 1 WHERE key = ? AND version = ?`, data, key, generation)
	}
	if err != nil {
		return fmt.Errorf("write object: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("write object: %w", err)
	}
	if n == 0 {
		return errConflict
	}
	return nil
}

func (b *sqliteBackend) remove(ctx context.Context, key string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM objects WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (b *sqliteBackend) keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT key FROM objects WHERE substr(key, 1, ?) = ? ORDER BY key`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			b.logger.Warn("Failed to close rows", "error", closeErr)
		}
	}()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (b *sqliteBackend) Close() error {
	return b.db.Close()
}
