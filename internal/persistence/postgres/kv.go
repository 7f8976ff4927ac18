package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type KVStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewKVStore(pool *pgxpool.Pool, logger *slog.Logger) *KVStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &KVStore{
		pool:   pool,
		logger: logger,
	}
}

func (s *KVStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM replay_kv WHERE key=$1`,
		key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		s.logger.Error("kv get failed", "key", key, "error", err)
		return nil, false, err
	}

	return value, true, nil
}

func (s *KVStore) Put(ctx context.Context, key string, value []byte) error {
	if _, err := s.pool.Exec(ctx, upsertSQL, key, nonNil(value)); err != nil {
		s.logger.Error("kv put failed", "key", key, "error", err)
		return err
	}
	return nil
}

// Update holds a transaction-scoped advisory lock on the key for the whole
// read-modify-write, including when the row does not exist yet.
func (s *KVStore) Update(ctx context.Context, key string, fn func(current []byte, exists bool) ([]byte, error)) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		s.logger.Error("begin tx failed", "key", key, "error", err)
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		s.logger.Error("acquire key lock failed", "key", key, "error", err)
		return err
	}

	var current []byte
	exists := true
	err = tx.QueryRow(ctx,
		`SELECT value FROM replay_kv WHERE key=$1`,
		key,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		exists = false
	} else if err != nil {
		s.logger.Error("kv read for update failed", "key", key, "error", err)
		return err
	}

	next, err := fn(current, exists)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, upsertSQL, key, nonNil(next)); err != nil {
		s.logger.Error("kv write failed", "key", key, "error", err)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		s.logger.Error("commit failed", "key", key, "error", err)
		return fmt.Errorf("commit %s: %w", key, err)
	}
	return nil
}

func (s *KVStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const upsertSQL = `
	INSERT INTO replay_kv (key, value, updated_at)
	VALUES ($1, $2, NOW())
	ON CONFLICT (key) DO UPDATE
	SET value=EXCLUDED.value,
	    updated_at=NOW()`

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
