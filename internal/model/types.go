package model

import "time"

// SourceChannel is a channel the operator has asked to back up. Resolved
// fields are nil/zero until Resolve succeeds (§3).
type SourceChannel struct {
	ID                 int64
	ChannelIdentifier  string // natural key: "@name", join link, or "-100..."
	TelegramID         *int64
	AccessHash         *int64
	Name               *string
	Username           *string
	MemberCount        *int64
	TotalMessages      *int64
	IsProtected        *bool
	IsActive           bool
	Priority           int // [-100,100]
	MirrorMode         MirrorMode
	MessageFilterMode  MessageFilterMode
	FilterKeywords     string // newline-delimited, <=5000 chars
	GroupName          string
	SyncStatus         SyncStatus
	LastSyncAt         *time.Time
	LastMessageID      *int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ResolvedPeer bundles the two fields every gateway call needs once a
// channel has been resolved, avoiding repeated nil-pointer dances at call
// sites.
type ResolvedPeer struct {
	TelegramID int64
	AccessHash int64
}

// Resolved reports whether both halves of the input-peer pair are known,
// per the gateway contract in §4.4.
func (c *SourceChannel) Resolved() (ResolvedPeer, bool) {
	if c.TelegramID == nil || c.AccessHash == nil {
		return ResolvedPeer{}, false
	}
	return ResolvedPeer{TelegramID: *c.TelegramID, AccessHash: *c.AccessHash}, true
}

// MirrorChannel is the destination channel for exactly one SourceChannel.
type MirrorChannel struct {
	ID              int64
	SourceChannelID int64
	TelegramID      *int64
	AccessHash      *int64
	Name            *string
	Username        *string
	InviteLink      *string
	IsAutoCreated   bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SyncTask is a persistent work item driven by the task runner (C6).
type SyncTask struct {
	ID               int64
	SourceChannelID  int64
	TaskType         TaskType
	Status           TaskStatus
	ProgressCurrent  int64
	ProgressTotal    *int64
	LastProcessedID  *int64
	FailedCount      int64
	SkippedCount     int64
	LastError        *string
	// CorrelationID ties every sync_event this task's handler publishes
	// back to the task that caused it, so the operator-facing log can be
	// filtered to one run of one task.
	CorrelationID string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	PausedAt      *time.Time
}

// MessageMapping is the append-only ledger row linking one source message
// (or media group) to its mirrored counterpart.
type MessageMapping struct {
	ID              int64
	SourceChannelID int64
	SourceMessageID int64
	MirrorChannelID int64
	MirrorMessageID *int64
	MessageType     MessageType
	MediaGroupID    *int64
	Status          MappingStatus
	SkipReason      *SkipReason
	ErrorMessage    *string
	RetryCount      int64
	HasMedia        bool
	FileSize        *int64
	Text            string
	TextPreview     string
	SentAt          *time.Time
	MirroredAt      *time.Time
	IsDeleted       bool
	DeletedAt       *time.Time
	EditCount       int64
	LastEditedAt    *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// UpsertResult carries back what the upsert-on-natural-key write actually
// did, so C5 can tell a fresh success from a noop-success.
type UpsertResult struct {
	Mapping MessageMapping
	// WasNoopSuccess is true when the row already carried status=success
	// and the upsert left it untouched in all but bookkeeping fields.
	WasNoopSuccess bool
}

// SyncEvent is an append-only, operator-facing log row (§4.8).
type SyncEvent struct {
	ID              int64
	SourceChannelID *int64
	CorrelationID   *string
	Level           EventLevel
	Message         string
	CreatedAt       time.Time
}

// EditHistoryEntry records one edit of an already-mirrored source message,
// kept only when keep_edit_history is enabled (§4.7, §3 supplement).
type EditHistoryEntry struct {
	ID         int64
	MappingID  int64
	EditedAt   time.Time
	TextPreview string
}
