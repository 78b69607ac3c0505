package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"tgmirror/internal/model"
)

// EventRepo is the append-only repository for sync_events (C1/§4.8's
// storage half; the notify half lives in package eventbus).
type EventRepo struct {
	db *DB
}

func NewEventRepo(db *DB) *EventRepo { return &EventRepo{db: db} }

// Append writes an operator-facing log line. sourceChannelID is nil for
// daemon-wide events (e.g. a fatal startup error). correlationID is nil for
// events that aren't produced by a task handler (e.g. realtime dispatch uses
// a fresh per-update id instead, since it has no backing sync_tasks row).
func (r *EventRepo) Append(ctx context.Context, sourceChannelID *int64, correlationID *string, level model.EventLevel, message string) (model.SyncEvent, error) {
	row := r.db.Pool.QueryRow(ctx, `
		INSERT INTO sync_events (source_channel_id, correlation_id, level, message)
		VALUES ($1, $2, $3, $4)
		RETURNING id, source_channel_id, correlation_id, level, message, created_at`,
		sourceChannelID, correlationID, level, message)

	var e model.SyncEvent
	if err := row.Scan(&e.ID, &e.SourceChannelID, &e.CorrelationID, &e.Level, &e.Message, &e.CreatedAt); err != nil {
		return model.SyncEvent{}, fmt.Errorf("storage: append event: %w", err)
	}
	return e, nil
}

// ListRecent returns the most recent events for a channel (or daemon-wide
// when sourceChannelID is nil), newest first.
func (r *EventRepo) ListRecent(ctx context.Context, sourceChannelID *int64, limit int) ([]model.SyncEvent, error) {
	var rows pgx.Rows
	var err error
	if sourceChannelID == nil {
		rows, err = r.db.Pool.Query(ctx, `
			SELECT id, source_channel_id, correlation_id, level, message, created_at FROM sync_events
			 WHERE source_channel_id IS NULL
			 ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		rows, err = r.db.Pool.Query(ctx, `
			SELECT id, source_channel_id, correlation_id, level, message, created_at FROM sync_events
			 WHERE source_channel_id = $1
			 ORDER BY created_at DESC LIMIT $2`, *sourceChannelID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer rows.Close()

	var out []model.SyncEvent
	for rows.Next() {
		var e model.SyncEvent
		if err := rows.Scan(&e.ID, &e.SourceChannelID, &e.CorrelationID, &e.Level, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
