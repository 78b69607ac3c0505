// Package settings is C2: a process-wide snapshot of the tunables in the
// settings table, refreshed at most every 60 seconds on read and
// invalidatable explicitly when the UI writes through it. Unknown keys are
// ignored; missing keys fall back to the documented defaults.
package settings

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"tgmirror/internal/model"
	"tgmirror/internal/storage"
)

const refreshInterval = 60 * time.Second

// Snapshot is the decoded, defaulted view of every recognized key.
type Snapshot struct {
	TelegramSession      string
	DefaultMirrorMode    model.MirrorMode
	ConcurrentMirrors    int
	MirrorIntervalMs     int
	AutoChannelPrefix    string
	MaxRetryCount        int
	RetryIntervalSec     int
	SkipAfterMaxRetry    bool
	SyncMessageEdits     bool
	KeepEditHistory      bool
	SyncMessageDeletions bool
	MirrorVideos         bool
	MaxFileSizeMB        int
	SkipProtectedContent bool
	GroupMediaMessages   bool
	GlobalFilterKeywords string // newline-delimited, used by C9 when a channel's messageFilterMode is "inherit"
}

func defaultSnapshot() Snapshot {
	return Snapshot{
		DefaultMirrorMode:    model.MirrorModeForward,
		ConcurrentMirrors:    1,
		MirrorIntervalMs:     1000,
		AutoChannelPrefix:    "[备份] ",
		MaxRetryCount:        3,
		RetryIntervalSec:     60,
		SkipAfterMaxRetry:    true,
		SyncMessageEdits:     false,
		KeepEditHistory:      true,
		SyncMessageDeletions: false,
		MirrorVideos:         true,
		MaxFileSizeMB:        100,
		SkipProtectedContent: true,
		GroupMediaMessages:   true,
		GlobalFilterKeywords: "",
	}
}

// Cache is the 60-second TTL wrapper over the settings repository. Safe for
// concurrent use; one Cache is shared by the whole daemon.
type Cache struct {
	repo *storage.SettingsRepo

	mu        sync.RWMutex
	snapshot  Snapshot
	loadedAt  time.Time
	hasLoaded bool
}

func New(repo *storage.SettingsRepo) *Cache {
	return &Cache{repo: repo}
}

// Get returns the current snapshot, refreshing from storage first if the
// cache is empty or older than refreshInterval.
func (c *Cache) Get(ctx context.Context) (Snapshot, error) {
	c.mu.RLock()
	fresh := c.hasLoaded && time.Since(c.loadedAt) < refreshInterval
	snap := c.snapshot
	c.mu.RUnlock()
	if fresh {
		return snap, nil
	}
	return c.reload(ctx)
}

// Invalidate forces the next Get to hit storage regardless of TTL, called
// when the UI writes a settings row.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.hasLoaded = false
	c.mu.Unlock()
}

func (c *Cache) reload(ctx context.Context) (Snapshot, error) {
	raw, err := c.repo.GetAll(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	snap := defaultSnapshot()
	decodeString(raw, "telegram_session", &snap.TelegramSession)
	decodeMirrorMode(raw, "default_mirror_mode", &snap.DefaultMirrorMode)
	decodeInt(raw, "concurrent_mirrors", &snap.ConcurrentMirrors)
	decodeInt(raw, "mirror_interval_ms", &snap.MirrorIntervalMs)
	decodeString(raw, "auto_channel_prefix", &snap.AutoChannelPrefix)
	decodeInt(raw, "max_retry_count", &snap.MaxRetryCount)
	decodeInt(raw, "retry_interval_sec", &snap.RetryIntervalSec)
	decodeBool(raw, "skip_after_max_retry", &snap.SkipAfterMaxRetry)
	decodeBool(raw, "sync_message_edits", &snap.SyncMessageEdits)
	decodeBool(raw, "keep_edit_history", &snap.KeepEditHistory)
	decodeBool(raw, "sync_message_deletions", &snap.SyncMessageDeletions)
	decodeBool(raw, "mirror_videos", &snap.MirrorVideos)
	decodeInt(raw, "max_file_size_mb", &snap.MaxFileSizeMB)
	decodeBool(raw, "skip_protected_content", &snap.SkipProtectedContent)
	decodeBool(raw, "group_media_messages", &snap.GroupMediaMessages)
	decodeString(raw, "global_filter_keywords", &snap.GlobalFilterKeywords)

	c.mu.Lock()
	c.snapshot = snap
	c.loadedAt = time.Now()
	c.hasLoaded = true
	c.mu.Unlock()

	return snap, nil
}

func decodeString(raw map[string][]byte, key string, dst *string) {
	if b, ok := raw[key]; ok {
		_ = json.Unmarshal(b, dst)
	}
}

func decodeInt(raw map[string][]byte, key string, dst *int) {
	if b, ok := raw[key]; ok {
		_ = json.Unmarshal(b, dst)
	}
}

func decodeBool(raw map[string][]byte, key string, dst *bool) {
	if b, ok := raw[key]; ok {
		_ = json.Unmarshal(b, dst)
	}
}

func decodeMirrorMode(raw map[string][]byte, key string, dst *model.MirrorMode) {
	if b, ok := raw[key]; ok {
		var s string
		if err := json.Unmarshal(b, &s); err == nil && s != "" {
			*dst = model.MirrorMode(s)
		}
	}
}
