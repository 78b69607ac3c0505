package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"tgmirror/internal/model"
)

// TaskRepo is the repository for sync_tasks.
type TaskRepo struct {
	db *DB
}

func NewTaskRepo(db *DB) *TaskRepo { return &TaskRepo{db: db} }

const taskColumns = `
	id, source_channel_id, task_type, status, progress_current, progress_total,
	last_processed_id, failed_count, skipped_count, last_error,
	correlation_id, created_at, started_at, completed_at, paused_at`

func scanTask(row pgx.Row) (model.SyncTask, error) {
	var t model.SyncTask
	err := row.Scan(&t.ID, &t.SourceChannelID, &t.TaskType, &t.Status, &t.ProgressCurrent, &t.ProgressTotal,
		&t.LastProcessedID, &t.FailedCount, &t.SkippedCount, &t.LastError,
		&t.CorrelationID, &t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.PausedAt)
	return t, err
}

// Enqueue inserts a pending task, stamping it with a fresh correlation id so
// every sync_event the handler publishes while working it can be traced back
// to this run. Singleton types rely on sync_tasks_singleton_inflight to
// reject a second in-flight row; callers should treat a unique-violation
// here as "already queued" rather than an error.
func (r *TaskRepo) Enqueue(ctx context.Context, sourceChannelID int64, taskType model.TaskType) (model.SyncTask, error) {
	row := r.db.Pool.QueryRow(ctx, `
		INSERT INTO sync_tasks (source_channel_id, task_type, status, correlation_id)
		VALUES ($1, $2, 'pending', $3)
		RETURNING `+taskColumns, sourceChannelID, taskType, uuid.NewString())
	t, err := scanTask(row)
	if err != nil {
		return model.SyncTask{}, fmt.Errorf("storage: enqueue task: %w", err)
	}
	return t, nil
}

// HasInFlight reports whether a singleton-type task already exists for the
// channel in the pending/running/paused set, letting C6 skip a redundant
// Enqueue instead of relying solely on the unique index to reject it.
func (r *TaskRepo) HasInFlight(ctx context.Context, sourceChannelID int64, taskType model.TaskType) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sync_tasks
			 WHERE source_channel_id = $1 AND task_type = $2
			   AND status IN ('pending', 'running', 'paused')
		)`, sourceChannelID, taskType).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: check in-flight task: %w", err)
	}
	return exists, nil
}

// PickNext implements the priority pick query from the task runner design:
// highest channel priority first, ties broken by task createdAt ascending,
// restricted to active channels. Returns (task, false, nil) when nothing is
// pending.
func (r *TaskRepo) PickNext(ctx context.Context) (model.SyncTask, bool, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT t.id, t.source_channel_id, t.task_type, t.status, t.progress_current, t.progress_total,
		       t.last_processed_id, t.failed_count, t.skipped_count, t.last_error,
		       t.correlation_id, t.created_at, t.started_at, t.completed_at, t.paused_at
		  FROM sync_tasks t
		  JOIN source_channels c ON c.id = t.source_channel_id
		 WHERE t.status = 'pending' AND c.is_active = true
		 ORDER BY c.priority DESC, t.created_at ASC
		 LIMIT 1`)
	t, err := scanTask(row)
	if err == pgx.ErrNoRows {
		return model.SyncTask{}, false, nil
	}
	if err != nil {
		return model.SyncTask{}, false, fmt.Errorf("storage: pick next task: %w", err)
	}
	return t, true, nil
}

// MarkRunning transitions pending -> running, stamping startedAt.
func (r *TaskRepo) MarkRunning(ctx context.Context, id int64) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE sync_tasks SET status = 'running', started_at = now()
		 WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("storage: mark task running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: mark task running: task %d not in pending state", id)
	}
	return nil
}

// PersistProgress writes the periodic progress checkpoint described in
// §4.6 ("every 10 successful invocations").
func (r *TaskRepo) PersistProgress(ctx context.Context, id int64, progressCurrent, lastProcessedID, failedCount, skippedCount int64) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE sync_tasks
		   SET progress_current = $2, last_processed_id = $3, failed_count = $4, skipped_count = $5
		 WHERE id = $1`, id, progressCurrent, lastProcessedID, failedCount, skippedCount)
	if err != nil {
		return fmt.Errorf("storage: persist task progress: %w", err)
	}
	return nil
}

// Complete marks the task completed, clearing any stale lastError.
func (r *TaskRepo) Complete(ctx context.Context, id int64) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE sync_tasks SET status = 'completed', completed_at = now(), last_error = NULL
		 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: complete task: %w", err)
	}
	return nil
}

// Fail marks the task failed with a human-readable reason (category 3 of
// §7's error taxonomy: a system error, not a message-local one).
func (r *TaskRepo) Fail(ctx context.Context, id int64, reason string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE sync_tasks SET status = 'failed', completed_at = now(), last_error = $2
		 WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("storage: fail task: %w", err)
	}
	return nil
}

// Pause is invoked either by the UI or by the rate limiter's account-global
// FLOOD_WAIT escalation (§7 category 4); lastError carries the wait reason.
func (r *TaskRepo) Pause(ctx context.Context, id int64, reason string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE sync_tasks SET status = 'paused', paused_at = now(), last_error = $2
		 WHERE id = $1 AND status IN ('pending', 'running')`, id, reason)
	if err != nil {
		return fmt.Errorf("storage: pause task: %w", err)
	}
	return nil
}

// Resume applies the one UI-driven transition paused -> pending, clearing
// the bookkeeping fields per §4.6.
func (r *TaskRepo) Resume(ctx context.Context, id int64) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE sync_tasks
		   SET status = 'pending', last_error = NULL, paused_at = NULL, completed_at = NULL
		 WHERE id = $1 AND status = 'paused'`, id)
	if err != nil {
		return fmt.Errorf("storage: resume task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: resume task: task %d not paused", id)
	}
	return nil
}

// IsPaused is polled by a running handler between messages to implement the
// cooperative pause point described in §4.6.
func (r *TaskRepo) IsPaused(ctx context.Context, id int64) (bool, error) {
	var status model.TaskStatus
	err := r.db.Pool.QueryRow(ctx, `SELECT status FROM sync_tasks WHERE id = $1`, id).Scan(&status)
	if err != nil {
		return false, fmt.Errorf("storage: check task paused: %w", err)
	}
	return status == model.TaskStatusPaused, nil
}

// GetByID fetches a single task row, used by the UI-facing status endpoint
// and by tests.
func (r *TaskRepo) GetByID(ctx context.Context, id int64) (model.SyncTask, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM sync_tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		return model.SyncTask{}, fmt.Errorf("storage: get task %d: %w", id, err)
	}
	return t, nil
}
