package gateway

import (
	"context"

	"github.com/gotd/td/tg"
	"github.com/kr/pretty"

	"tgmirror/internal/logger"
)

// Subscribe installs the realtime handlers for the given set of channels,
// replacing whatever set was installed before. Per the gateway contract,
// unsubscribing a single channel is not supported - the realtime manager
// always calls Subscribe with the full desired set and lets this replace
// the in-memory routing table wholesale.
func (g *Gateway) Subscribe(channels []Peer, onMessage, onEdit func(channelID int64, msg Message), onDelete func(channelID int64, messageID int)) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.subscribed = make(map[int64]Peer, len(channels))
	for _, p := range channels {
		g.subscribed[p.ChannelID] = p
	}
	g.onMessage = onMessage
	g.onEdit = onEdit
	g.onDelete = onDelete
}

func (g *Gateway) isSubscribed(channelID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.subscribed[channelID]
	return ok
}

func (g *Gateway) handleNewChannelMessage(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
	if logger.DebugEnabled() {
		logger.Debugf("gateway: new channel message update: %# v", pretty.Formatter(u.Message))
	}
	m, ok := toMessage(u.Message)
	if !ok || m.IsService {
		return nil
	}
	channelID, ok := channelIDFromMessage(u.Message)
	if !ok || !g.isSubscribed(channelID) {
		return nil
	}

	g.mu.Lock()
	cb := g.onMessage
	g.mu.Unlock()
	if cb != nil {
		cb(channelID, m)
	}
	return nil
}

func (g *Gateway) handleEditChannelMessage(ctx context.Context, e tg.Entities, u *tg.UpdateEditChannelMessage) error {
	if logger.DebugEnabled() {
		logger.Debugf("gateway: edit channel message update: %# v", pretty.Formatter(u.Message))
	}
	m, ok := toMessage(u.Message)
	if !ok || m.IsService {
		return nil
	}
	channelID, ok := channelIDFromMessage(u.Message)
	if !ok || !g.isSubscribed(channelID) {
		return nil
	}

	g.mu.Lock()
	cb := g.onEdit
	g.mu.Unlock()
	if cb != nil {
		cb(channelID, m)
	}
	return nil
}

func (g *Gateway) handleDeleteChannelMessages(ctx context.Context, e tg.Entities, u *tg.UpdateDeleteChannelMessages) error {
	channelID := int64(u.ChannelID)
	if !g.isSubscribed(channelID) {
		return nil
	}

	g.mu.Lock()
	cb := g.onDelete
	g.mu.Unlock()
	if cb == nil {
		return nil
	}
	for _, id := range u.Messages {
		cb(channelID, id)
	}
	return nil
}

func channelIDFromMessage(mc tg.MessageClass) (int64, bool) {
	var peer tg.PeerClass
	switch m := mc.(type) {
	case *tg.Message:
		peer = m.PeerID
	case *tg.MessageService:
		peer = m.PeerID
	default:
		return 0, false
	}
	if ch, ok := peer.(*tg.PeerChannel); ok {
		return ch.ChannelID, true
	}
	logger.Debug("gateway: update from non-channel peer ignored")
	return 0, false
}
