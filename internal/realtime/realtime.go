// Package realtime is C7: the live subscription manager. It reconciles the
// gateway's subscribed-channel set against the active source channels every
// 30s and drives C5 from the gateway's new/edit/delete callbacks.
package realtime

import (
	"context"
	"sync"
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

const reconcileInterval = 30 * time.Second

// Manager owns the live gateway subscription and the onMessage/onEdit/
// onDelete dispatch described in §4.7.
type Manager struct {
	channels *storage.ChannelRepo
	mappings *storage.MappingRepo
	gw       *gateway.Gateway
	mirror   *mirror.Mirror
	limiter  *ratelimit.Limiter
	cache    *settings.Cache
	bus      *eventbus.Bus

	mu         sync.Mutex
	subscribed map[int64]model.SourceChannel // keyed by source_channels.id
}

func New(channels *storage.ChannelRepo, mappings *storage.MappingRepo, gw *gateway.Gateway, m *mirror.Mirror, limiter *ratelimit.Limiter, cache *settings.Cache, bus *eventbus.Bus) *Manager {
	return &Manager{
		channels:   channels,
		mappings:   mappings,
		gw:         gw,
		mirror:     m,
		limiter:    limiter,
		cache:      cache,
		bus:        bus,
		subscribed: make(map[int64]model.SourceChannel),
	}
}

// Run blocks, reconciling every 30s until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.reconcile(ctx)

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reconcile(ctx)
		}
	}
}

// reconcile computes desired \ subscribed and subscribes the union through
// C4. Channels that went inactive are never unsubscribed - the gateway
// cannot do that cleanly - so onMessage below re-checks isActive on every
// event instead (§4.7's documented asymmetry).
func (m *Manager) reconcile(ctx context.Context) {
	active, err := m.channels.ListActive(ctx)
	if err != nil {
		logger.Errorf("realtime: list active channels: %v", err)
		return
	}

	m.mu.Lock()
	changed := false
	for _, c := range active {
		if _, ok := c.Resolved(); !ok {
			continue
		}
		if _, already := m.subscribed[c.ID]; !already {
			changed = true
		}
		m.subscribed[c.ID] = c
	}
	if !changed {
		m.mu.Unlock()
		return
	}
	peers := make([]gateway.Peer, 0, len(m.subscribed))
	for _, c := range m.subscribed {
		resolved, _ := c.Resolved()
		peers = append(peers, gateway.Peer{ChannelID: resolved.TelegramID, AccessHash: resolved.AccessHash})
	}
	m.mu.Unlock()

	m.gw.Subscribe(peers, m.onMessage, m.onEdit, m.onDelete)
	logger.Infof("realtime: subscribed to %d channels", len(peers))
}

func (m *Manager) channelFor(telegramChannelID int64) (model.SourceChannel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.subscribed {
		if resolved, ok := c.Resolved(); ok && resolved.TelegramID == telegramChannelID {
			return c, true
		}
	}
	return model.SourceChannel{}, false
}

func (m *Manager) onMessage(telegramChannelID int64, msg gateway.Message) {
	ctx := context.Background()
	channel, ok := m.channelFor(telegramChannelID)
	if !ok {
		return
	}

	// Re-check liveness: §4.7's documented asymmetry means this callback may
	// still fire for a channel the operator just deactivated.
	fresh, err := m.channels.GetByID(ctx, channel.ID)
	if err != nil || !fresh.IsActive {
		return
	}

	mirrorChannel, ok, err := m.channels.GetBySourceChannel(ctx, channel.ID)
	if err != nil || !ok || mirrorChannel.TelegramID == nil {
		logger.Warnf("realtime: channel %d has no resolved mirror, dropping message %d", channel.ID, msg.ID)
		return
	}

	toPeer := gateway.Peer{ChannelID: *mirrorChannel.TelegramID, AccessHash: *mirrorChannel.AccessHash}
	mirrorCtx := mirror.WithMirrorPeer(ctx, toPeer)

	outcome, err := m.mirror.MirrorGroup(mirrorCtx, fresh, mirrorChannel.ID, []gateway.Message{msg})
	if err != nil {
		logger.Warnf("realtime: mirror message %d for channel %d: %v", msg.ID, channel.ID, err)
	}
	if outcome == model.OutcomeSuccess || outcome == model.OutcomeNoopSuccess {
		if err := m.channels.UpdateLastSeen(ctx, channel.ID, int64(msg.ID)); err != nil {
			logger.Errorf("realtime: update last seen for channel %d: %v", channel.ID, err)
		}
	}
	_ = m.bus.NotifyOnly(ctx, &channel.ID, eventbus.NewCorrelationID())
}

func (m *Manager) onEdit(telegramChannelID int64, msg gateway.Message) {
	ctx := context.Background()
	channel, ok := m.channelFor(telegramChannelID)
	if !ok {
		return
	}

	snap, err := m.cache.Get(ctx)
	if err != nil || !snap.SyncMessageEdits {
		return
	}

	if err := m.mappings.RecordEdit(ctx, channel.ID, int64(msg.ID), previewText(msg.Text), snap.KeepEditHistory); err != nil {
		logger.Errorf("realtime: record edit for channel %d message %d: %v", channel.ID, msg.ID, err)
	}
}

func (m *Manager) onDelete(telegramChannelID int64, messageID int) {
	ctx := context.Background()
	channel, ok := m.channelFor(telegramChannelID)
	if !ok {
		return
	}

	snap, err := m.cache.Get(ctx)
	if err != nil || !snap.SyncMessageDeletions {
		return
	}

	if err := m.mappings.MarkDeleted(ctx, channel.ID, int64(messageID), nil); err != nil {
		logger.Errorf("realtime: mark deleted for channel %d message %d: %v", channel.ID, messageID, err)
	}
}

func previewText(text string) string {
	const maxLen = 200
	r := []rune(text)
	if len(r) <= maxLen {
		return text
	}
	return string(r[:maxLen])
}
