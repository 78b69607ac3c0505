// Package tasks is C6: the cooperative single-worker scheduler that drains
// sync_tasks in priority order and dispatches to the resolve/history/retry
// handlers described in the task runner design.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tgmirror/internal/eventbus"
	"tgmirror/internal/gateway"
	"tgmirror/internal/logger"
	"tgmirror/internal/mirror"
	"tgmirror/internal/model"
	"tgmirror/internal/ratelimit"
	"tgmirror/internal/settings"
	"tgmirror/internal/storage"
)

const pollInterval = 5 * time.Second

// progressCheckpointEvery matches "every 10 successful invocations" from the
// task runner design.
const progressCheckpointEvery = 10

// Runner drives the sync_tasks priority queue. Exactly one Runner is started
// by the supervisor (C11); §5 explicitly treats task execution as
// single-concurrency for v1.
type Runner struct {
	tasks    *storage.TaskRepo
	channels *storage.ChannelRepo
	mappings *storage.MappingRepo
	gw       *gateway.Gateway
	mirror   *mirror.Mirror
	limiter  *ratelimit.Limiter
	cache    *settings.Cache
	bus      *eventbus.Bus
}

func New(tasks *storage.TaskRepo, channels *storage.ChannelRepo, mappings *storage.MappingRepo, gw *gateway.Gateway, m *mirror.Mirror, limiter *ratelimit.Limiter, cache *settings.Cache, bus *eventbus.Bus) *Runner {
	return &Runner{tasks: tasks, channels: channels, mappings: mappings, gw: gw, mirror: m, limiter: limiter, cache: cache, bus: bus}
}

// Run blocks until ctx is cancelled, polling every 5s or on a bus wakeup.
// Per §5's shutdown contract, it stops picking new tasks as soon as ctx is
// done but does not interrupt a handler already in flight; callers rely on
// the handler's own cooperative cancellation checks between messages.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.bus.Wake():
		}
		r.tick(ctx)
	}
}

func (r *Runner) tick(ctx context.Context) {
	task, ok, err := r.tasks.PickNext(ctx)
	if err != nil {
		logger.Errorf("tasks: pick next: %v", err)
		return
	}
	if !ok {
		return
	}
	if ctx.Err() != nil {
		return
	}

	if err := r.tasks.MarkRunning(ctx, task.ID); err != nil {
		logger.Warnf("tasks: mark running %d: %v", task.ID, err)
		return
	}

	channel, err := r.channels.GetByID(ctx, task.SourceChannelID)
	if err != nil {
		r.fail(ctx, task, fmt.Sprintf("load channel: %v", err))
		return
	}

	switch task.TaskType {
	case model.TaskResolve:
		r.handleResolve(ctx, task, channel)
	case model.TaskHistoryFull, model.TaskHistoryPartial:
		r.handleHistory(ctx, task, channel)
	case model.TaskRetryFailed:
		r.handleRetryFailed(ctx, task, channel)
	case model.TaskRealtime:
		// Owned by C7; this row is a state carrier only.
	default:
		r.fail(ctx, task, fmt.Sprintf("unknown task type %q", task.TaskType))
		return
	}

	_ = r.bus.NotifyOnly(ctx, &task.SourceChannelID, task.CorrelationID)
}

func (r *Runner) fail(ctx context.Context, task model.SyncTask, reason string) {
	if err := r.tasks.Fail(ctx, task.ID, reason); err != nil {
		logger.Errorf("tasks: fail task %d: %v", task.ID, err)
	}
	if err := r.channels.SetSyncStatus(ctx, task.SourceChannelID, model.SyncStatusError); err != nil {
		logger.Errorf("tasks: set sync status error for channel %d: %v", task.SourceChannelID, err)
	}
	_ = r.bus.Publish(ctx, &task.SourceChannelID, task.CorrelationID, model.EventError, fmt.Sprintf("task %s failed: %s", task.TaskType, reason))
}

// --- resolve ---

func (r *Runner) handleResolve(ctx context.Context, task model.SyncTask, channel model.SourceChannel) {
	if _, alreadyResolved := channel.Resolved(); !alreadyResolved {
		var resolved gateway.ResolvedChannel
		err := r.limiter.ExecuteWithRetry(ctx, func() error {
			var rErr error
			resolved, rErr = r.gw.ResolveChannel(ctx, channel.ChannelIdentifier)
			return rErr
		})
		if err != nil {
			if gateway.ClassifyError(err) == gateway.ErrClassFatal {
				r.fail(ctx, task, err.Error())
				return
			}
			r.fail(ctx, task, fmt.Sprintf("resolve: %v", err))
			return
		}
		if err := r.channels.MarkResolved(ctx, channel.ID, resolved.Peer.ChannelID, resolved.Peer.AccessHash,
			resolved.Title, resolved.Username, resolved.MemberCount, resolved.NoForwards); err != nil {
			r.fail(ctx, task, fmt.Sprintf("persist resolution: %v", err))
			return
		}
		channel.TelegramID = &resolved.Peer.ChannelID
		channel.AccessHash = &resolved.Peer.AccessHash
	}

	if err := r.ensureMirrorChannel(ctx, channel); err != nil {
		r.fail(ctx, task, fmt.Sprintf("ensure mirror channel: %v", err))
		return
	}

	if err := r.channels.SetSyncStatus(ctx, channel.ID, model.SyncStatusSyncing); err != nil {
		logger.Errorf("tasks: set syncing for channel %d: %v", channel.ID, err)
	}

	hasHistory, err := r.tasks.HasInFlight(ctx, channel.ID, model.TaskHistoryFull)
	if err != nil {
		logger.Errorf("tasks: check history in-flight for channel %d: %v", channel.ID, err)
	} else if !hasHistory {
		if _, err := r.tasks.Enqueue(ctx, channel.ID, model.TaskHistoryFull); err != nil {
			logger.Warnf("tasks: enqueue history_full for channel %d: %v", channel.ID, err)
		}
	}

	if err := r.tasks.Complete(ctx, task.ID); err != nil {
		logger.Errorf("tasks: complete resolve task %d: %v", task.ID, err)
	}
	_ = r.bus.Publish(ctx, &channel.ID, task.CorrelationID, model.EventInfo, "channel resolved")
}

// ensureMirrorChannel implements "if no mirror row exists, either create a
// private channel via C4 (auto target) or insert the operator-specified
// identifier" (§4.6). A mirror row the operator already created through the
// UI (Username/InviteLink set, TelegramID nil) is resolved in place; its
// absence means the daemon should auto-create a private channel, prefixed
// per settings.auto_channel_prefix.
func (r *Runner) ensureMirrorChannel(ctx context.Context, channel model.SourceChannel) error {
	existing, ok, err := r.channels.GetBySourceChannel(ctx, channel.ID)
	if err != nil {
		return err
	}

	if ok {
		if existing.TelegramID != nil {
			return nil // already resolved
		}
		identifier := ""
		if existing.Username != nil {
			identifier = "@" + *existing.Username
		} else if existing.InviteLink != nil {
			identifier = *existing.InviteLink
		}
		if identifier == "" {
			return fmt.Errorf("mirror row %d has no identifier to resolve", existing.ID)
		}
		var resolved gateway.ResolvedChannel
		err := r.limiter.ExecuteWithRetry(ctx, func() error {
			var rErr error
			resolved, rErr = r.gw.ResolveChannel(ctx, identifier)
			return rErr
		})
		if err != nil {
			return err
		}
		return r.channels.SetMirrorResolved(ctx, existing.ID, resolved.Peer.ChannelID, resolved.Peer.AccessHash, resolved.Title, resolved.Username)
	}

	snap, err := r.cache.Get(ctx)
	if err != nil {
		return err
	}
	title := snap.AutoChannelPrefix + channelDisplayName(channel)

	var resolved gateway.ResolvedChannel
	var inviteLink string
	err = r.limiter.ExecuteWithRetry(ctx, func() error {
		var rErr error
		resolved, inviteLink, rErr = r.gw.CreatePrivateChannel(ctx, title, "")
		return rErr
	})
	if err != nil {
		return err
	}

	telegramID, accessHash := resolved.Peer.ChannelID, resolved.Peer.AccessHash
	var usernamePtr *string
	if resolved.Username != "" {
		usernamePtr = &resolved.Username
	}
	_, err = r.channels.CreateMirror(ctx, channel.ID, &telegramID, &accessHash, &resolved.Title, usernamePtr, &inviteLink, true)
	return err
}

func channelDisplayName(channel model.SourceChannel) string {
	if channel.Name != nil && *channel.Name != "" {
		return *channel.Name
	}
	return channel.ChannelIdentifier
}

// --- history ---

func (r *Runner) handleHistory(ctx context.Context, task model.SyncTask, channel model.SourceChannel) {
	resolved, ok := channel.Resolved()
	if !ok {
		r.fail(ctx, task, "history task requires a resolved channel")
		return
	}
	mirrorChannel, ok, err := r.channels.GetBySourceChannel(ctx, channel.ID)
	if err != nil || !ok || mirrorChannel.TelegramID == nil {
		r.fail(ctx, task, "history task requires a resolved mirror channel")
		return
	}

	snap, err := r.cache.Get(ctx)
	if err != nil {
		r.fail(ctx, task, fmt.Sprintf("load settings: %v", err))
		return
	}

	fromPeer := gateway.Peer{ChannelID: resolved.TelegramID, AccessHash: resolved.AccessHash}
	toPeer := gateway.Peer{ChannelID: *mirrorChannel.TelegramID, AccessHash: *mirrorChannel.AccessHash}
	mirrorCtx := mirror.WithMirrorPeer(ctx, toPeer)

	fromID := 0
	if task.LastProcessedID != nil {
		fromID = int(*task.LastProcessedID)
	}

	iter := r.gw.IterateHistory(fromPeer, fromID)
	grouper := newGrouper()
	groupAlbums := snap.GroupMediaMessages

	processed, failed, skipped := task.ProgressCurrent, task.FailedCount, task.SkippedCount
	lastID := int64(fromID)
	since := task.ProgressCurrent
	var floodErr *ratelimit.FloodWaitError

	flush := func(group []gateway.Message) bool {
		if len(group) == 0 {
			return true
		}
		outcome, mErr := r.mirror.MirrorGroup(mirrorCtx, channel, mirrorChannel.ID, group)
		if errors.As(mErr, &floodErr) {
			return false
		}
		last := group[len(group)-1]
		lastID = int64(last.ID)
		processed++
		switch outcome {
		case model.OutcomeFailed:
			failed++
			logger.Warnf("tasks: history mirror failed for channel %d message %d: %v", channel.ID, last.ID, mErr)
			if gateway.ClassifyError(mErr) == gateway.ErrClassFatal {
				return false
			}
		case model.OutcomeSkipped:
			skipped++
		}

		since++
		if since >= progressCheckpointEvery {
			since = 0
			if err := r.tasks.PersistProgress(ctx, task.ID, processed, lastID, failed, skipped); err != nil {
				logger.Errorf("tasks: persist progress for task %d: %v", task.ID, err)
			}
		}
		return true
	}

	var sysErr error
	for {
		if ctx.Err() != nil {
			sysErr = ctx.Err()
			break
		}
		if paused, _ := r.tasks.IsPaused(ctx, task.ID); paused {
			return
		}

		msg, more, err := iter.Next(ctx)
		if err != nil {
			sysErr = err
			break
		}
		if !more {
			if groupAlbums {
				for _, group := range grouper.flushAll() {
					if !flush(group) {
						sysErr = fmt.Errorf("system error mirroring channel %d", channel.ID)
						break
					}
				}
			}
			break
		}

		groups := [][]gateway.Message{{msg}}
		if groupAlbums {
			groups = grouper.add(msg)
		}
		for _, group := range groups {
			if !flush(group) {
				sysErr = fmt.Errorf("system error mirroring channel %d", channel.ID)
				break
			}
		}
		if floodErr != nil {
			break
		}
	}

	if err := r.tasks.PersistProgress(ctx, task.ID, processed, lastID, failed, skipped); err != nil {
		logger.Errorf("tasks: final persist progress for task %d: %v", task.ID, err)
	}

	if floodErr != nil {
		reason := fmt.Sprintf("flood wait of %ds exceeds the configured maximum", int(floodErr.Wait.Seconds()))
		if err := r.tasks.Pause(ctx, task.ID, reason); err != nil {
			logger.Errorf("tasks: pause task %d: %v", task.ID, err)
		}
		_ = r.bus.Publish(ctx, &channel.ID, task.CorrelationID, model.EventWarn, "task paused: "+reason)
		return
	}

	if sysErr != nil && !errors.Is(sysErr, context.Canceled) {
		r.fail(ctx, task, sysErr.Error())
		return
	}
	if sysErr != nil {
		return // cancelled, leave task running for the next pick after restart
	}

	if err := r.tasks.Complete(ctx, task.ID); err != nil {
		logger.Errorf("tasks: complete history task %d: %v", task.ID, err)
	}
	if err := r.channels.MarkSyncCompleted(ctx, channel.ID, lastID, processed, time.Now()); err != nil {
		logger.Errorf("tasks: mark sync completed for channel %d: %v", channel.ID, err)
	}
	_ = r.bus.Publish(ctx, &channel.ID, task.CorrelationID, model.EventInfo, fmt.Sprintf("history sync completed: %d processed, %d failed, %d skipped", processed, failed, skipped))
}

// --- retry_failed ---

func (r *Runner) handleRetryFailed(ctx context.Context, task model.SyncTask, channel model.SourceChannel) {
	snap, err := r.cache.Get(ctx)
	if err != nil {
		r.fail(ctx, task, err.Error())
		return
	}
	resolved, ok := channel.Resolved()
	if !ok {
		r.fail(ctx, task, "retry task requires a resolved channel")
		return
	}
	mirrorChannel, ok, err := r.channels.GetBySourceChannel(ctx, channel.ID)
	if err != nil || !ok || mirrorChannel.TelegramID == nil {
		r.fail(ctx, task, "retry task requires a resolved mirror channel")
		return
	}
	fromPeer := gateway.Peer{ChannelID: resolved.TelegramID, AccessHash: resolved.AccessHash}
	toPeer := gateway.Peer{ChannelID: *mirrorChannel.TelegramID, AccessHash: *mirrorChannel.AccessHash}
	mirrorCtx := mirror.WithMirrorPeer(ctx, toPeer)

	failedRows, err := r.mappings.ListFailedForRetry(ctx, channel.ID, int64(snap.MaxRetryCount))
	if err != nil {
		r.fail(ctx, task, err.Error())
		return
	}

	var skipped, stillFailed int64
	for _, row := range failedRows {
		if ctx.Err() != nil {
			break
		}
		if paused, _ := r.tasks.IsPaused(ctx, task.ID); paused {
			return
		}

		if row.RetryCount >= int64(snap.MaxRetryCount) {
			if snap.SkipAfterMaxRetry {
				reason := model.SkipFailedTooMany
				if _, err := r.mappings.Upsert(ctx, model.MessageMapping{
					SourceChannelID: row.SourceChannelID,
					SourceMessageID: row.SourceMessageID,
					MirrorChannelID: row.MirrorChannelID,
					MessageType:     row.MessageType,
					Status:          model.MappingSkipped,
					SkipReason:      &reason,
				}); err != nil {
					logger.Errorf("tasks: skip failed-too-many mapping: %v", err)
				}
				skipped++
			}
			continue
		}

		msgs, err := r.gw.GetMessagesByIDs(ctx, fromPeer, []int{int(row.SourceMessageID)})
		if err != nil || len(msgs) == 0 {
			reason := model.SkipMessageDeleted
			if _, err := r.mappings.Upsert(ctx, model.MessageMapping{
				SourceChannelID: row.SourceChannelID,
				SourceMessageID: row.SourceMessageID,
				MirrorChannelID: row.MirrorChannelID,
				MessageType:     row.MessageType,
				Status:          model.MappingSkipped,
				SkipReason:      &reason,
			}); err != nil {
				logger.Errorf("tasks: mark message-deleted mapping: %v", err)
			}
			skipped++
			continue
		}

		outcome, _ := r.mirror.MirrorGroup(mirrorCtx, channel, mirrorChannel.ID, msgs)
		if outcome == model.OutcomeFailed {
			stillFailed++
		}
	}

	if err := r.tasks.Complete(ctx, task.ID); err != nil {
		logger.Errorf("tasks: complete retry task %d: %v", task.ID, err)
	}
	_ = r.bus.Publish(ctx, &channel.ID, task.CorrelationID, model.EventInfo, fmt.Sprintf("retry pass done: %d skipped, %d still failed", skipped, stillFailed))
}
