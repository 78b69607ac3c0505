// Package storage is C1: the relational schema and the repositories built
// on top of it. It owns the only writes to channels, mirrors, tasks,
// mappings, events and settings; every other component goes through it
// rather than touching *pgxpool.Pool directly.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"tgmirror/internal/logger"
)

// DB wraps the connection pool used for all application reads/writes. The
// dedicated LISTEN connection (C8) is opened separately against
// DatabaseURLListen and does not share this pool, since a pooled
// connection cannot carry server-pushed notifications reliably.
type DB struct {
	Pool *pgxpool.Pool
}

// Open connects to databaseURL and verifies connectivity with a ping.
func Open(ctx context.Context, databaseURL string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("storage: parse database url: %w", err)
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close releases the pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// Migrate applies any migrations from migrationSteps not yet recorded in
// schema_migrations, in order. A mismatch here (a migration that fails
// partway) is surfaced to the caller, which per §6.5 exits with code 3.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("storage: ensure schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := db.Pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("storage: read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("storage: scan schema_migrations: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("storage: iterate schema_migrations: %w", err)
	}

	for _, step := range migrationSteps {
		if applied[step.version] {
			continue
		}
		tx, err := db.Pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin migration %d: %w", step.version, err)
		}
		if _, err := tx.Exec(ctx, step.sql); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("storage: apply migration %d: %w", step.version, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(version) VALUES ($1)`, step.version); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("storage: record migration %d: %w", step.version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit migration %d: %w", step.version, err)
		}
		logger.Infof("storage: applied migration %d", step.version)
	}

	return nil
}
