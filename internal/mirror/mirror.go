// Package mirror is C5: the per-message mirroring procedure shared by the
// history and realtime paths. It is a small state machine with four
// terminal outcomes (noop-success, success, skipped, failed) built
// entirely on top of storage's idempotent upsert and the filter engine.
package mirror

import (
	"context"
	"fmt"
	"time"

	"tgmirror/internal/filters"
	"tgmirror/internal/gateway"
	"tgmirror/internal/model"
	"tgmirror/internal/ratelimit"
	"tgmirror/internal/settings"
	"tgmirror/internal/storage"
)

const textPreviewLen = 200

// Mirror wires C1/C3/C4/C9 together to run the mirroring procedure.
type Mirror struct {
	mappings *storage.MappingRepo
	gw       *gateway.Gateway
	limiter  *ratelimit.Limiter
	cache    *settings.Cache
	filters  *filters.Engine
}

func New(mappings *storage.MappingRepo, gw *gateway.Gateway, limiter *ratelimit.Limiter, cache *settings.Cache, filterEngine *filters.Engine) *Mirror {
	return &Mirror{mappings: mappings, gw: gw, limiter: limiter, cache: cache, filters: filterEngine}
}

// MirrorGroup runs the mirroring procedure for one message or, when the
// source message carries a non-null mediaGroupId, one whole album. Callers
// (the history iterator and the realtime dispatcher) are responsible for
// grouping messages sharing a mediaGroupId before calling this.
func (m *Mirror) MirrorGroup(ctx context.Context, channel model.SourceChannel, mirrorChannelID int64, group []gateway.Message) (model.MirrorOutcome, error) {
	if len(group) == 0 {
		return model.OutcomeNoopSuccess, nil
	}
	primary := group[0]

	// 1. Duplicate guard.
	existing, ok, err := m.mappings.GetBySourceMessage(ctx, channel.ID, int64(primary.ID))
	if err != nil {
		return model.OutcomeFailed, fmt.Errorf("mirror: duplicate guard: %w", err)
	}
	if ok && existing.Status == model.MappingSuccess && existing.MirrorMessageID != nil {
		return model.OutcomeNoopSuccess, nil
	}

	snap, err := m.cache.Get(ctx)
	if err != nil {
		return model.OutcomeFailed, fmt.Errorf("mirror: load settings: %w", err)
	}

	// 2. Classify.
	msgType := classify(primary)
	fileSize := fileSizeOf(primary) // *int64; nil means unknown/not size-bearing

	// 3. Skip decision - first match wins.
	if reason, shouldSkip := m.skipReason(channel, snap, msgType, fileSize, primary.Text); shouldSkip {
		for _, msg := range group {
			if _, err := m.upsertSkip(ctx, channel.ID, mirrorChannelID, msg, msgType, reason); err != nil {
				return model.OutcomeFailed, err
			}
		}
		return model.OutcomeSkipped, nil
	}

	// 4. Send.
	mode := channel.MirrorMode
	if mode == "" {
		mode = snap.DefaultMirrorMode
	}

	mirrorIDs, sendErr := m.send(ctx, channel, mirrorChannelID, mode, group)
	if sendErr != nil {
		for _, msg := range group {
			if _, err := m.upsertFailure(ctx, channel.ID, mirrorChannelID, msg, msgType, sendErr); err != nil {
				return model.OutcomeFailed, err
			}
		}
		return model.OutcomeFailed, sendErr
	}

	// 5. Commit.
	now := time.Now()
	for i, msg := range group {
		var mirrorID *int64
		if i < len(mirrorIDs) && mirrorIDs[i] != nil {
			id := int64(*mirrorIDs[i])
			mirrorID = &id
		}
		if mirrorID == nil {
			continue
		}
		if _, err := m.mappings.Upsert(ctx, model.MessageMapping{
			SourceChannelID: channel.ID,
			SourceMessageID: int64(msg.ID),
			MirrorChannelID: mirrorChannelID,
			MirrorMessageID: mirrorID,
			MessageType:     classify(msg),
			MediaGroupID:    mediaGroupPtr(msg),
			Status:          model.MappingSuccess,
			HasMedia:        msg.Media != nil,
			FileSize:        fileSizeOf(msg),
			Text:            msg.Text,
			TextPreview:     preview(msg.Text),
			SentAt:          &msg.Date,
			MirroredAt:      &now,
		}); err != nil {
			return model.OutcomeFailed, fmt.Errorf("mirror: commit: %w", err)
		}
	}

	return model.OutcomeSuccess, nil
}

func (m *Mirror) send(ctx context.Context, channel model.SourceChannel, mirrorChannelID int64, mode model.MirrorMode, group []gateway.Message) ([]*int, error) {
	resolved, ok := channel.Resolved()
	if !ok {
		return nil, fmt.Errorf("mirror: channel %d has no resolved peer", channel.ID)
	}
	fromPeer := gateway.Peer{ChannelID: resolved.TelegramID, AccessHash: resolved.AccessHash}

	// The mirror channel's own peer is looked up by the caller and passed
	// through mirrorChannelID as a surrogate id elsewhere in storage; here
	// we need its resolved Telegram identity, which the task runner already
	// attached onto the gateway.Peer via context in practice. For directness
	// this package receives it pre-resolved through toPeer below.
	toPeer, ok := ctx.Value(toPeerContextKey{}).(gateway.Peer)
	if !ok {
		return nil, fmt.Errorf("mirror: no mirror peer in context")
	}

	switch mode {
	case model.MirrorModeCopy:
		ids := make([]*int, 0, len(group))
		var retryErr error
		for _, msg := range group {
			msg := msg
			var sentID int
			err := m.limiter.ExecuteWithRetry(ctx, func() error {
				var sendErr error
				sentID, sendErr = m.gw.CopyMessage(ctx, fromPeer, toPeer, msg)
				return sendErr
			})
			if err != nil {
				retryErr = err
				ids = append(ids, nil)
				continue
			}
			id := sentID
			ids = append(ids, &id)
		}
		if retryErr != nil && allNil(ids) {
			return nil, retryErr
		}
		return ids, nil

	default: // forward
		ids := make([]int, len(group))
		for i, msg := range group {
			ids[i] = msg.ID
		}
		var result []*int
		err := m.limiter.ExecuteWithRetry(ctx, func() error {
			var sendErr error
			result, sendErr = m.gw.ForwardMessages(ctx, fromPeer, toPeer, ids)
			return sendErr
		})
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}

// toPeerContextKey carries the resolved mirror-channel peer into send,
// avoiding a storage round-trip inside the hot path - the caller (C6/C7)
// already has it from resolving the mirror channel once per dispatch.
type toPeerContextKey struct{}

// WithMirrorPeer attaches the resolved mirror channel peer to ctx for the
// duration of one MirrorGroup call.
func WithMirrorPeer(ctx context.Context, peer gateway.Peer) context.Context {
	return context.WithValue(ctx, toPeerContextKey{}, peer)
}

func allNil(ids []*int) bool {
	for _, id := range ids {
		if id != nil {
			return false
		}
	}
	return true
}

func (m *Mirror) skipReason(channel model.SourceChannel, snap settings.Snapshot, msgType model.MessageType, fileSize *int64, text string) (model.SkipReason, bool) {
	if channel.IsProtected != nil && *channel.IsProtected && snap.SkipProtectedContent {
		return model.SkipProtectedContent, true
	}
	if fileSize != nil && snap.MaxFileSizeMB >= 0 && *fileSize > int64(snap.MaxFileSizeMB)*1024*1024 {
		return model.SkipFileTooLarge, true
	}
	if msgType == model.MessageTypeOther {
		return model.SkipUnsupportedType, true
	}
	if !snap.MirrorVideos && msgType == model.MessageTypeVideo {
		return model.SkipUnsupportedType, true
	}

	mode := channel.MessageFilterMode
	if m.filters.Matches(mode, channel.FilterKeywords, text) {
		return model.SkipFiltered, true
	}
	return "", false
}

func (m *Mirror) upsertSkip(ctx context.Context, sourceChannelID, mirrorChannelID int64, msg gateway.Message, msgType model.MessageType, reason model.SkipReason) (model.UpsertResult, error) {
	return m.mappings.Upsert(ctx, model.MessageMapping{
		SourceChannelID: sourceChannelID,
		SourceMessageID: int64(msg.ID),
		MirrorChannelID: mirrorChannelID,
		MessageType:     msgType,
		MediaGroupID:    mediaGroupPtr(msg),
		Status:          model.MappingSkipped,
		SkipReason:      &reason,
		HasMedia:        msg.Media != nil,
		FileSize:        fileSizeOf(msg),
		Text:            msg.Text,
		TextPreview:     preview(msg.Text),
		SentAt:          &msg.Date,
	})
}

func (m *Mirror) upsertFailure(ctx context.Context, sourceChannelID, mirrorChannelID int64, msg gateway.Message, msgType model.MessageType, sendErr error) (model.UpsertResult, error) {
	errMsg := sendErr.Error()
	return m.mappings.Upsert(ctx, model.MessageMapping{
		SourceChannelID: sourceChannelID,
		SourceMessageID: int64(msg.ID),
		MirrorChannelID: mirrorChannelID,
		MessageType:     msgType,
		MediaGroupID:    mediaGroupPtr(msg),
		Status:          model.MappingFailed,
		ErrorMessage:    &errMsg,
		HasMedia:        msg.Media != nil,
		FileSize:        fileSizeOf(msg),
		Text:            msg.Text,
		TextPreview:     preview(msg.Text),
		SentAt:          &msg.Date,
	})
}

func mediaGroupPtr(msg gateway.Message) *int64 {
	if msg.MediaGroupID == 0 {
		return nil
	}
	id := msg.MediaGroupID
	return &id
}

func preview(text string) string {
	r := []rune(text)
	if len(r) <= textPreviewLen {
		return text
	}
	return string(r[:textPreviewLen])
}
