package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"tgmirror/internal/model"
)

// MappingRepo is the repository for message_mappings and edit_history.
type MappingRepo struct {
	db *DB
}

func NewMappingRepo(db *DB) *MappingRepo { return &MappingRepo{db: db} }

const mappingColumns = `
	id, source_channel_id, source_message_id, mirror_channel_id, mirror_message_id,
	message_type, media_group_id, status, skip_reason, error_message, retry_count,
	has_media, file_size, text, text_preview, sent_at, mirrored_at,
	is_deleted, deleted_at, edit_count, last_edited_at, created_at, updated_at`

func scanMapping(row pgx.Row) (model.MessageMapping, error) {
	var m model.MessageMapping
	err := row.Scan(
		&m.ID, &m.SourceChannelID, &m.SourceMessageID, &m.MirrorChannelID, &m.MirrorMessageID,
		&m.MessageType, &m.MediaGroupID, &m.Status, &m.SkipReason, &m.ErrorMessage, &m.RetryCount,
		&m.HasMedia, &m.FileSize, &m.Text, &m.TextPreview, &m.SentAt, &m.MirroredAt,
		&m.IsDeleted, &m.DeletedAt, &m.EditCount, &m.LastEditedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	return m, err
}

// GetBySourceMessage is the duplicate guard at the top of §4.5's mirror
// procedure.
func (r *MappingRepo) GetBySourceMessage(ctx context.Context, sourceChannelID, sourceMessageID int64) (model.MessageMapping, bool, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT `+mappingColumns+` FROM message_mappings
		 WHERE source_channel_id = $1 AND source_message_id = $2`,
		sourceChannelID, sourceMessageID)
	m, err := scanMapping(row)
	if err == pgx.ErrNoRows {
		return model.MessageMapping{}, false, nil
	}
	if err != nil {
		return model.MessageMapping{}, false, fmt.Errorf("storage: get mapping: %w", err)
	}
	return m, true, nil
}

// Upsert is the natural-key upsert from the storage design plus a WHERE
// guard: a row already at status=success is only updated by a write that
// also carries a mirrorMessageId, and a rejected write is reported back as a
// noop-success. It is the single serialization point that upholds "at most one successful
// mirror per source message" under concurrent realtime + history writers.
// in.MirrorMessageID/MirroredAt may be nil when the caller is recording a
// failure or skip; coalesce keeps an already-set success's fields from
// being clobbered by a later failed/retry write racing behind it.
func (r *MappingRepo) Upsert(ctx context.Context, in model.MessageMapping) (model.UpsertResult, error) {
	row := r.db.Pool.QueryRow(ctx, `
		INSERT INTO message_mappings (
			source_channel_id, source_message_id, mirror_channel_id, mirror_message_id,
			message_type, media_group_id, status, skip_reason, error_message, retry_count,
			has_media, file_size, text, text_preview, sent_at, mirrored_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (source_channel_id, source_message_id) DO UPDATE
		   SET status          = EXCLUDED.status,
		       mirror_message_id = coalesce(EXCLUDED.mirror_message_id, message_mappings.mirror_message_id),
		       mirrored_at      = coalesce(EXCLUDED.mirrored_at, message_mappings.mirrored_at),
		       error_message    = EXCLUDED.error_message,
		       skip_reason      = EXCLUDED.skip_reason,
		       retry_count      = message_mappings.retry_count + (CASE WHEN EXCLUDED.status = 'failed' THEN 1 ELSE 0 END),
		       updated_at       = now()
		 WHERE message_mappings.status IS DISTINCT FROM 'success' OR EXCLUDED.mirror_message_id IS NOT NULL
		RETURNING `+mappingColumns,
		in.SourceChannelID, in.SourceMessageID, in.MirrorChannelID, in.MirrorMessageID,
		in.MessageType, in.MediaGroupID, in.Status, in.SkipReason, in.ErrorMessage, in.RetryCount,
		in.HasMedia, in.FileSize, in.Text, in.TextPreview, in.SentAt, in.MirroredAt,
	)
	m, err := scanMapping(row)
	if err == pgx.ErrNoRows {
		// WHERE clause rejected the update: the row was already a success and
		// this write carried no new mirrorMessageId. Fetch it back as a noop.
		existing, _, getErr := r.GetBySourceMessage(ctx, in.SourceChannelID, in.SourceMessageID)
		if getErr != nil {
			return model.UpsertResult{}, fmt.Errorf("storage: upsert mapping noop refetch: %w", getErr)
		}
		return model.UpsertResult{Mapping: existing, WasNoopSuccess: true}, nil
	}
	if err != nil {
		return model.UpsertResult{}, fmt.Errorf("storage: upsert mapping: %w", err)
	}
	return model.UpsertResult{Mapping: m}, nil
}

// ListByCursor returns the newest mappings for a channel in (sentAt DESC,
// sourceMessageId DESC) order, matching the cursor index from §4.1. It takes
// no cursor position: only the first `limit` rows are returned, and later
// pages cannot be requested through it.
func (r *MappingRepo) ListByCursor(ctx context.Context, sourceChannelID int64, limit int) ([]model.MessageMapping, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+mappingColumns+` FROM message_mappings
		 WHERE source_channel_id = $1
		 ORDER BY sent_at DESC, source_message_id DESC
		 LIMIT $2`, sourceChannelID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list mappings: %w", err)
	}
	defer rows.Close()

	var out []model.MessageMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListFailedForRetry returns failed rows eligible for the retry_failed task
// type (§4.6), oldest first.
func (r *MappingRepo) ListFailedForRetry(ctx context.Context, sourceChannelID int64, maxRetryCount int64) ([]model.MessageMapping, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+mappingColumns+` FROM message_mappings
		 WHERE source_channel_id = $1 AND status = 'failed' AND retry_count < $2
		 ORDER BY source_message_id ASC`, sourceChannelID, maxRetryCount)
	if err != nil {
		return nil, fmt.Errorf("storage: list failed mappings: %w", err)
	}
	defer rows.Close()

	var out []model.MessageMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan failed mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkDeleted flips isDeleted without touching status/mirrorMessageId -
// per §3, deletion on the source side never triggers a re-send.
func (r *MappingRepo) MarkDeleted(ctx context.Context, sourceChannelID, sourceMessageID int64, deletedAt interface{}) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE message_mappings
		   SET is_deleted = true, deleted_at = now(), updated_at = now()
		 WHERE source_channel_id = $1 AND source_message_id = $2`,
		sourceChannelID, sourceMessageID)
	if err != nil {
		return fmt.Errorf("storage: mark mapping deleted: %w", err)
	}
	return nil
}

// RecordEdit bumps editCount/lastEditedAt and appends an edit_history row
// when keepHistory is set.
func (r *MappingRepo) RecordEdit(ctx context.Context, sourceChannelID, sourceMessageID int64, textPreview string, keepHistory bool) error {
	row := r.db.Pool.QueryRow(ctx, `
		UPDATE message_mappings
		   SET edit_count = edit_count + 1, last_edited_at = now(), updated_at = now()
		 WHERE source_channel_id = $1 AND source_message_id = $2
		RETURNING id`, sourceChannelID, sourceMessageID)

	var mappingID int64
	if err := row.Scan(&mappingID); err != nil {
		if err == pgx.ErrNoRows {
			return nil
		}
		return fmt.Errorf("storage: record edit: %w", err)
	}

	if !keepHistory {
		return nil
	}
	if _, err := r.db.Pool.Exec(ctx, `
		INSERT INTO edit_history (mapping_id, edited_at, text_preview) VALUES ($1, now(), $2)`,
		mappingID, textPreview); err != nil {
		return fmt.Errorf("storage: insert edit history: %w", err)
	}
	return nil
}
