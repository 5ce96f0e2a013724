package postgres

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes shape.
const schemaVersion = 1

// schemaLockKey is the advisory lock id held while the schema is applied, so
// instances starting together do not race on CREATE statements.
const schemaLockKey int64 = 0x67696d73

// EnsureSchema applies schema.sql inside one transaction and records the
// schema version. A database written by a newer release is refused.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockKey); err != nil {
		return fmt.Errorf("taking schema lock: %w", err)
	}
	if _, err := tx.Exec(ctx, schemaSQL); err != nil {
		return err
	}

	var current int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_meta`).Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if current > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", current, schemaVersion)
	}
	if current < schemaVersion {
		if _, err := tx.Exec(ctx, `INSERT INTO schema_meta (version) VALUES ($1)`, schemaVersion); err != nil {
			return fmt.Errorf("recording schema version: %w", err)
		}
	}
	return tx.Commit(ctx)
}
