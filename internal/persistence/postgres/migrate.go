package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	embeddedmigrations "github.com/adiadia/session-replay/migrations"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaMigrationLockID int64 = 0x52504c5f4d494752 // "RPL_MIGR"

// requiredColumns is what the KV store relies on, keyed by table.
var requiredColumns = map[string][]string{
	"replay_kv": {"key", "value", "updated_at"},
}

var ErrMigrationDrift = errors.New("applied migration differs from embedded copy")

type SchemaHealthChecker struct {
	pool *pgxpool.Pool
}

func NewSchemaHealthChecker(pool *pgxpool.Pool) *SchemaHealthChecker {
	return &SchemaHealthChecker{pool: pool}
}

func (h *SchemaHealthChecker) Check(ctx context.Context) error {
	return SchemaReady(ctx, h.pool)
}

// EnsureSchema applies embedded migrations that have not run yet. It holds a
// session advisory lock so concurrent replicas do not race, and refuses to
// continue when an applied migration no longer matches its embedded SQL.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	if pool == nil {
		return errors.New("nil database pool")
	}
	if logger == nil {
		logger = slog.Default()
	}

	started := time.Now()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection for migrations: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, schemaMigrationLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, unlockErr := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, schemaMigrationLockID); unlockErr != nil {
			logger.Error("migration unlock failed", "error", unlockErr)
		}
	}()

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS replay_schema_migrations (
			filename   TEXT PRIMARY KEY,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("create replay_schema_migrations table: %w", err)
	}

	applied, err := appliedChecksums(ctx, conn)
	if err != nil {
		return err
	}

	files, err := embeddedmigrations.Ordered()
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	if len(files) == 0 {
		return errors.New("no embedded migrations found")
	}

	count := 0
	for _, file := range files {
		sum := checksum(file.SQL)
		if prev, ok := applied[file.Name]; ok {
			if prev != sum {
				return fmt.Errorf("%w: %s", ErrMigrationDrift, file.Name)
			}
			continue
		}

		if err := applyMigration(ctx, conn, file, sum); err != nil {
			return fmt.Errorf("apply migration %s: %w", file.Name, err)
		}
		logger.Info("migration applied", "file", file.Name)
		count++
	}

	logger.Info("schema ready",
		"applied", count,
		"already_applied", len(applied),
		"duration_ms", time.Since(started).Milliseconds(),
	)

	return SchemaReady(ctx, pool)
}

func appliedChecksums(ctx context.Context, conn *pgxpool.Conn) (map[string]string, error) {
	rows, err := conn.Query(ctx, `SELECT filename, checksum FROM replay_schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string, 4)
	for rows.Next() {
		var name, sum string
		if err := rows.Scan(&name, &sum); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		out[name] = sum
	}
	return out, rows.Err()
}

func applyMigration(ctx context.Context, conn *pgxpool.Conn, file embeddedmigrations.File, sum string) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, file.SQL, pgx.QueryExecModeSimpleProtocol); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO replay_schema_migrations (filename, checksum) VALUES ($1, $2)`,
		file.Name, sum,
	); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func checksum(sql string) string {
	sum := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(sum[:])
}

// SchemaReady reports the tables or columns the store needs that are missing.
func SchemaReady(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errors.New("nil database pool")
	}

	rows, err := pool.Query(ctx, `
		SELECT table_name, column_name
		FROM information_schema.columns
		WHERE table_schema = 'public'
		  AND table_name = ANY($1)
	`, requiredTableNames())
	if err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}
	defer rows.Close()

	present := make(map[string]bool, 8)
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return fmt.Errorf("scan schema column: %w", err)
		}
		present[table+"."+column] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}

	return missingColumns(present)
}

func requiredTableNames() []string {
	names := make([]string, 0, len(requiredColumns))
	for table := range requiredColumns {
		names = append(names, table)
	}
	return names
}

func missingColumns(present map[string]bool) error {
	var missing []string
	for table, columns := range requiredColumns {
		for _, column := range columns {
			if !present[table+"."+column] {
				missing = append(missing, table+"."+column)
			}
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required columns missing: %s", strings.Join(missing, ", "))
	}
	return nil
}
