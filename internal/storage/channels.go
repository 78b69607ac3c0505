package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"tgmirror/internal/model"
)

// ChannelRepo is the repository for source and mirror channels.
type ChannelRepo struct {
	db *DB
}

func NewChannelRepo(db *DB) *ChannelRepo { return &ChannelRepo{db: db} }

const sourceChannelColumns = `
	id, channel_identifier, telegram_id, access_hash, name, username,
	member_count, total_messages, is_protected, is_active, priority,
	mirror_mode, message_filter_mode, message_filter_keywords, group_name,
	sync_status, last_sync_at, last_message_id, created_at, updated_at`

func scanSourceChannel(row pgx.Row) (model.SourceChannel, error) {
	var c model.SourceChannel
	err := row.Scan(
		&c.ID, &c.ChannelIdentifier, &c.TelegramID, &c.AccessHash, &c.Name, &c.Username,
		&c.MemberCount, &c.TotalMessages, &c.IsProtected, &c.IsActive, &c.Priority,
		&c.MirrorMode, &c.MessageFilterMode, &c.FilterKeywords, &c.GroupName,
		&c.SyncStatus, &c.LastSyncAt, &c.LastMessageID, &c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

// GetByID fetches a source channel by surrogate id.
func (r *ChannelRepo) GetByID(ctx context.Context, id int64) (model.SourceChannel, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+sourceChannelColumns+` FROM source_channels WHERE id = $1`, id)
	c, err := scanSourceChannel(row)
	if err != nil {
		return model.SourceChannel{}, fmt.Errorf("storage: get source channel %d: %w", id, err)
	}
	return c, nil
}

// ListActive returns every channel with isActive=true, used by the
// realtime reconciler (§4.7) to compute the desired subscription set.
func (r *ChannelRepo) ListActive(ctx context.Context) ([]model.SourceChannel, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+sourceChannelColumns+` FROM source_channels WHERE is_active = true`)
	if err != nil {
		return nil, fmt.Errorf("storage: list active channels: %w", err)
	}
	defer rows.Close()

	var out []model.SourceChannel
	for rows.Next() {
		c, err := scanSourceChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan source channel: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkResolved stores the resolved (telegramID, accessHash) pair and
// descriptive fields. Idempotent: calling it twice with the same
// telegramID is a no-op beyond refreshing metadata, matching §4.4's
// "once telegramId is set it is never rewritten to a different value"
// invariant - the caller is expected to have already checked for an
// existing, different telegramID before calling this for a fresh resolve.
func (r *ChannelRepo) MarkResolved(ctx context.Context, id int64, telegramID, accessHash int64, name, username string, memberCount int64, isProtected bool) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE source_channels
		   SET telegram_id = $2, access_hash = $3, name = $4, username = $5,
		       member_count = $6, is_protected = $7, updated_at = now()
		 WHERE id = $1`,
		id, telegramID, accessHash, name, username, memberCount, isProtected)
	if err != nil {
		return fmt.Errorf("storage: mark channel %d resolved: %w", id, err)
	}
	return nil
}

// SetSyncStatus updates the liveness fields of a channel.
func (r *ChannelRepo) SetSyncStatus(ctx context.Context, id int64, status model.SyncStatus) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE source_channels SET sync_status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("storage: set sync status %d: %w", id, err)
	}
	return nil
}

// MarkSyncCompleted records the result of a finished history_full run.
func (r *ChannelRepo) MarkSyncCompleted(ctx context.Context, id int64, lastMessageID, totalMessages int64, syncedAt interface{ UnixNano() int64 }) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE source_channels
		   SET sync_status = 'completed', last_sync_at = now(),
		       last_message_id = $2, total_messages = $3, updated_at = now()
		 WHERE id = $1`, id, lastMessageID, totalMessages)
	if err != nil {
		return fmt.Errorf("storage: mark sync completed %d: %w", id, err)
	}
	return nil
}

// UpdateLastSeen is called from the realtime path (§4.7 onMessage) after a
// successful mirror, refreshing lastSyncAt/lastMessageId without touching
// syncStatus.
func (r *ChannelRepo) UpdateLastSeen(ctx context.Context, id int64, lastMessageID int64) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE source_channels SET last_sync_at = now(), last_message_id = $2, updated_at = now()
		 WHERE id = $1`, id, lastMessageID)
	if err != nil {
		return fmt.Errorf("storage: update last seen %d: %w", id, err)
	}
	return nil
}

// -- Mirror channels --

const mirrorChannelColumns = `
	id, source_channel_id, telegram_id, access_hash, name, username,
	invite_link, is_auto_created, created_at, updated_at`

func scanMirrorChannel(row pgx.Row) (model.MirrorChannel, error) {
	var m model.MirrorChannel
	err := row.Scan(&m.ID, &m.SourceChannelID, &m.TelegramID, &m.AccessHash, &m.Name,
		&m.Username, &m.InviteLink, &m.IsAutoCreated, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

// GetBySourceChannel returns the mirror row for a source channel, if any.
func (r *ChannelRepo) GetBySourceChannel(ctx context.Context, sourceChannelID int64) (model.MirrorChannel, bool, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+mirrorChannelColumns+` FROM mirror_channels WHERE source_channel_id = $1`, sourceChannelID)
	m, err := scanMirrorChannel(row)
	if err == pgx.ErrNoRows {
		return model.MirrorChannel{}, false, nil
	}
	if err != nil {
		return model.MirrorChannel{}, false, fmt.Errorf("storage: get mirror channel: %w", err)
	}
	return m, true, nil
}

// SetMirrorResolved fills in a mirror row's Telegram identity once C4 has
// resolved the operator-specified identifier the row was created with.
func (r *ChannelRepo) SetMirrorResolved(ctx context.Context, id int64, telegramID, accessHash int64, name, username string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE mirror_channels
		   SET telegram_id = $2, access_hash = $3, name = $4, username = $5, updated_at = now()
		 WHERE id = $1`, id, telegramID, accessHash, name, username)
	if err != nil {
		return fmt.Errorf("storage: set mirror %d resolved: %w", id, err)
	}
	return nil
}

// CreateMirror inserts a new mirror row, either for an auto-created private
// channel or an operator-specified target identifier captured by
// name/username/inviteLink as available.
func (r *ChannelRepo) CreateMirror(ctx context.Context, sourceChannelID int64, telegramID, accessHash *int64, name, username, inviteLink *string, autoCreated bool) (model.MirrorChannel, error) {
	row := r.db.Pool.QueryRow(ctx, `
		INSERT INTO mirror_channels (source_channel_id, telegram_id, access_hash, name, username, invite_link, is_auto_created)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+mirrorChannelColumns,
		sourceChannelID, telegramID, accessHash, name, username, inviteLink, autoCreated)
	m, err := scanMirrorChannel(row)
	if err != nil {
		return model.MirrorChannel{}, fmt.Errorf("storage: create mirror channel: %w", err)
	}
	return m, nil
}
