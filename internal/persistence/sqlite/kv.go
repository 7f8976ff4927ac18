// Package sqlite is the single-node key/value store, backed by the CGO-free
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // CGO-free SQLite
)

type KVStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path. Transactions start
// with BEGIN IMMEDIATE so read-modify-write updates serialize on the writer lock.
func Open(path string, logger *slog.Logger) (*KVStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("sqlite store opened", "path", path)
	return &KVStore{db: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS replay_kv(
	  key        TEXT    PRIMARY KEY,
	  value      BLOB    NOT NULL,
	  updated_at INTEGER NOT NULL
	);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database tables: %w", err)
	}
	return nil
}

func (s *KVStore) Close() error {
	return s.db.Close()
}

func (s *KVStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM replay_kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		s.logger.Error("kv get failed", "key", key, "error", err)
		return nil, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, true, nil
}

func (s *KVStore) Put(ctx context.Context, key string, value []byte) error {
	if _, err := s.db.ExecContext(ctx, upsertSQL, key, nonNil(value), time.Now().UnixMilli()); err != nil {
		s.logger.Error("kv put failed", "key", key, "error", err)
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (s *KVStore) Update(ctx context.Context, key string, fn func(current []byte, exists bool) ([]byte, error)) error {
	transaction, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = transaction.Rollback()
	}()

	var current []byte
	exists := true
	err = transaction.QueryRowContext(ctx, `SELECT value FROM replay_kv WHERE key = ?`, key).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}

	next, err := fn(current, exists)
	if err != nil {
		return err
	}

	if _, err := transaction.ExecContext(ctx, upsertSQL, key, nonNil(next), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *KVStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const upsertSQL = `
	INSERT INTO replay_kv(key, value, updated_at) VALUES(?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
