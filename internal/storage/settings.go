package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// SettingsRepo is the raw key/value repository behind settings; package
// settings (C2) wraps it with the 60s TTL cache and default-fallback rules.
type SettingsRepo struct {
	db *DB
}

func NewSettingsRepo(db *DB) *SettingsRepo { return &SettingsRepo{db: db} }

// Get returns the raw JSONB bytes for key, or (nil, false) if unset.
func (r *SettingsRepo) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var raw []byte
	err := r.db.Pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: get setting %q: %w", key, err)
	}
	return raw, true, nil
}

// GetAll returns every recognized-or-not row as key -> raw JSONB, used by
// the settings cache to refresh its whole snapshot in one round-trip.
func (r *SettingsRepo) GetAll(ctx context.Context) (map[string][]byte, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("storage: get all settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("storage: scan setting: %w", err)
		}
		out[key] = raw
	}
	return out, rows.Err()
}

// Set upserts a single key with a Go value marshaled to JSON.
func (r *SettingsRepo) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("storage: marshal setting %q: %w", key, err)
	}
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, raw)
	if err != nil {
		return fmt.Errorf("storage: set setting %q: %w", key, err)
	}
	return nil
}
