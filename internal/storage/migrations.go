package storage

type migration struct {
	version int
	sql     string
}

// migrationSteps is the ordered schema history. Pre-release: one step per
// logical change, applied once each, never rewritten in place (once a
// version has shipped, edit it only by adding a new step).
var migrationSteps = []migration{
	{version: 1, sql: schemaV1},
	{version: 2, sql: schemaV2},
}

const schemaV1 = `
CREATE TYPE mirror_mode AS ENUM ('forward', 'copy');
CREATE TYPE message_filter_mode AS ENUM ('inherit', 'disabled', 'custom');
CREATE TYPE sync_status AS ENUM ('pending', 'syncing', 'completed', 'error');
CREATE TYPE task_type AS ENUM ('resolve', 'history_full', 'history_partial', 'realtime', 'retry_failed');
CREATE TYPE task_status AS ENUM ('pending', 'running', 'paused', 'completed', 'failed');
CREATE TYPE message_type AS ENUM ('text', 'photo', 'video', 'document', 'audio', 'voice', 'animation', 'sticker', 'other');
CREATE TYPE mapping_status AS ENUM ('pending', 'success', 'failed', 'skipped');
CREATE TYPE skip_reason AS ENUM ('protected_content', 'file_too_large', 'unsupported_type', 'rate_limited_skip', 'failed_too_many_times', 'message_deleted', 'filtered');
CREATE TYPE event_level AS ENUM ('info', 'warn', 'error');

CREATE TABLE source_channels (
	id                      BIGSERIAL PRIMARY KEY,
	channel_identifier      TEXT NOT NULL UNIQUE,
	telegram_id             BIGINT UNIQUE,
	access_hash             BIGINT,
	name                    TEXT,
	username                TEXT,
	member_count            BIGINT,
	total_messages          BIGINT,
	is_protected            BOOLEAN,
	is_active               BOOLEAN NOT NULL DEFAULT true,
	priority                INTEGER NOT NULL DEFAULT 0 CHECK (priority BETWEEN -100 AND 100),
	mirror_mode             mirror_mode NOT NULL DEFAULT 'forward',
	message_filter_mode     message_filter_mode NOT NULL DEFAULT 'inherit',
	message_filter_keywords TEXT NOT NULL DEFAULT '' CHECK (char_length(message_filter_keywords) <= 5000),
	group_name              TEXT NOT NULL DEFAULT '' CHECK (char_length(group_name) <= 50),
	sync_status             sync_status NOT NULL DEFAULT 'pending',
	last_sync_at            TIMESTAMPTZ,
	last_message_id         BIGINT,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE mirror_channels (
	id                  BIGSERIAL PRIMARY KEY,
	source_channel_id   BIGINT NOT NULL UNIQUE REFERENCES source_channels(id) ON DELETE CASCADE,
	telegram_id         BIGINT,
	access_hash         BIGINT,
	name                TEXT,
	username            TEXT,
	invite_link         TEXT,
	is_auto_created     BOOLEAN NOT NULL DEFAULT false,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE sync_tasks (
	id                  BIGSERIAL PRIMARY KEY,
	source_channel_id   BIGINT NOT NULL REFERENCES source_channels(id) ON DELETE CASCADE,
	task_type           task_type NOT NULL,
	status              task_status NOT NULL DEFAULT 'pending',
	progress_current    BIGINT NOT NULL DEFAULT 0,
	progress_total      BIGINT,
	last_processed_id   BIGINT,
	failed_count        BIGINT NOT NULL DEFAULT 0,
	skipped_count       BIGINT NOT NULL DEFAULT 0,
	last_error          TEXT,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at          TIMESTAMPTZ,
	completed_at        TIMESTAMPTZ,
	paused_at           TIMESTAMPTZ
);

-- Enforces "at most one in-flight task of a singleton type per channel"
-- (§3) for the types that are singletons; history_partial is intentionally
-- excluded, it is spawned ad hoc to resume a bounded slice and multiple may
-- coexist with the channel's history_full.
CREATE UNIQUE INDEX sync_tasks_singleton_inflight
	ON sync_tasks (source_channel_id, task_type)
	WHERE status IN ('pending', 'running', 'paused')
	  AND task_type IN ('resolve', 'history_full', 'realtime', 'retry_failed');

CREATE INDEX sync_tasks_pick_idx ON sync_tasks (status, created_at);
CREATE INDEX sync_tasks_channel_status_idx ON sync_tasks (source_channel_id, status);

CREATE TABLE message_mappings (
	id                  BIGSERIAL PRIMARY KEY,
	source_channel_id   BIGINT NOT NULL REFERENCES source_channels(id) ON DELETE CASCADE,
	source_message_id   BIGINT NOT NULL,
	mirror_channel_id   BIGINT NOT NULL REFERENCES mirror_channels(id) ON DELETE CASCADE,
	mirror_message_id   BIGINT,
	message_type        message_type NOT NULL,
	media_group_id      BIGINT,
	status              mapping_status NOT NULL DEFAULT 'pending',
	skip_reason         skip_reason,
	error_message       TEXT,
	retry_count         BIGINT NOT NULL DEFAULT 0,
	has_media           BOOLEAN NOT NULL DEFAULT false,
	file_size           BIGINT,
	text                TEXT NOT NULL DEFAULT '',
	text_preview        TEXT NOT NULL DEFAULT '',
	sent_at             TIMESTAMPTZ,
	mirrored_at         TIMESTAMPTZ,
	is_deleted          BOOLEAN NOT NULL DEFAULT false,
	deleted_at          TIMESTAMPTZ,
	edit_count          BIGINT NOT NULL DEFAULT 0,
	last_edited_at      TIMESTAMPTZ,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (source_channel_id, source_message_id),
	CHECK (status != 'success' OR mirror_message_id IS NOT NULL),
	CHECK (status != 'skipped' OR skip_reason IS NOT NULL)
);

CREATE INDEX message_mappings_cursor_idx
	ON message_mappings (source_channel_id, sent_at DESC, source_message_id DESC);
CREATE INDEX message_mappings_media_group_idx ON message_mappings (source_channel_id, media_group_id);
CREATE INDEX message_mappings_failed_idx ON message_mappings (source_channel_id, status) WHERE status = 'failed';
-- trigram substring search over mapping text, per §4.1's "keyword search" index requirement.
CREATE EXTENSION IF NOT EXISTS pg_trgm;
CREATE INDEX message_mappings_text_trgm_idx ON message_mappings USING gin (text gin_trgm_ops);

CREATE TABLE edit_history (
	id              BIGSERIAL PRIMARY KEY,
	mapping_id      BIGINT NOT NULL REFERENCES message_mappings(id) ON DELETE CASCADE,
	edited_at       TIMESTAMPTZ NOT NULL,
	text_preview    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX edit_history_mapping_idx ON edit_history (mapping_id, edited_at);

CREATE TABLE sync_events (
	id                  BIGSERIAL PRIMARY KEY,
	source_channel_id   BIGINT REFERENCES source_channels(id) ON DELETE CASCADE,
	level               event_level NOT NULL,
	message             TEXT NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX sync_events_channel_created_idx ON sync_events (source_channel_id, created_at);

CREATE TABLE settings (
	key         TEXT PRIMARY KEY,
	value       JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// schemaV2 adds a correlation id to sync_tasks and sync_events so every
// operator-facing log line a task's handler publishes can be traced back to
// the task run that produced it.
const schemaV2 = `
ALTER TABLE sync_tasks ADD COLUMN correlation_id TEXT NOT NULL DEFAULT '';
ALTER TABLE sync_events ADD COLUMN correlation_id TEXT;
CREATE INDEX sync_events_correlation_idx ON sync_events (correlation_id) WHERE correlation_id IS NOT NULL;
`
