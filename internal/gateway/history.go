package gateway

import (
	"context"
	"fmt"

	"github.com/gotd/td/tg"
)

const historyPageSize = 100

// HistoryIterator is a restartable, finite, strictly-increasing-id sequence
// over a channel's message history starting just after fromMessageID.
type HistoryIterator struct {
	g      *Gateway
	peer   Peer
	lastID int

	buf []Message
	pos int
	done bool
}

// IterateHistory builds an iterator starting just after fromMessageID (0
// means "from the beginning").
func (g *Gateway) IterateHistory(peer Peer, fromMessageID int) *HistoryIterator {
	return &HistoryIterator{g: g, peer: peer, lastID: fromMessageID}
}

// Next advances the iterator, fetching another page from the gateway when
// the local buffer is exhausted. Returns (msg, true, nil) on success,
// (zero, false, nil) at the end of history, or an error.
func (h *HistoryIterator) Next(ctx context.Context) (Message, bool, error) {
	for h.pos >= len(h.buf) {
		if h.done {
			return Message{}, false, nil
		}
		if err := h.fetchPage(ctx); err != nil {
			return Message{}, false, err
		}
	}
	m := h.buf[h.pos]
	h.pos++
	h.lastID = m.ID
	return m, true, nil
}

func (h *HistoryIterator) fetchPage(ctx context.Context) error {
	h.g.WaitOnline(ctx)

	res, err := h.g.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:      h.peer.inputPeer(),
		OffsetID:  0,
		AddOffset: -historyPageSize,
		Limit:     historyPageSize,
		MinID:     h.lastID,
	})
	if err != nil {
		h.g.noteRPCError(err)
		return fmt.Errorf("gateway: get history: %w", err)
	}

	raw := messagesFromHistory(res)
	h.buf = h.buf[:0]
	h.pos = 0
	for i := len(raw) - 1; i >= 0; i-- {
		if m, ok := toMessage(raw[i]); ok && m.ID > h.lastID {
			h.buf = append(h.buf, m)
		}
	}
	if len(raw) < historyPageSize {
		h.done = true
	}
	if len(h.buf) == 0 {
		h.done = true
	}
	return nil
}

func messagesFromHistory(res tg.MessagesMessagesClass) []tg.MessageClass {
	switch v := res.(type) {
	case *tg.MessagesMessages:
		return v.Messages
	case *tg.MessagesMessagesSlice:
		return v.Messages
	case *tg.MessagesChannelMessages:
		return v.Messages
	default:
		return nil
	}
}

func toMessage(mc tg.MessageClass) (Message, bool) {
	switch m := mc.(type) {
	case *tg.Message:
		groupID, _ := m.GetGroupedID()
		spoiler := false
		if media, ok := m.GetMedia(); ok {
			if photo, ok := media.(*tg.MessageMediaPhoto); ok {
				spoiler = photo.Spoiler
			}
			if doc, ok := media.(*tg.MessageMediaDocument); ok {
				spoiler = doc.Spoiler
			}
		}
		media, _ := m.GetMedia()
		return Message{
			ID:           m.ID,
			Date:         unixToTime(m.Date),
			Text:         m.Message,
			Entities:     m.Entities,
			MediaGroupID: groupID,
			Media:        media,
			Spoiler:      spoiler,
			NoForwards:   m.Noforwards,
		}, true
	case *tg.MessageService:
		return Message{ID: m.ID, Date: unixToTime(m.Date), IsService: true}, true
	default:
		return Message{}, false
	}
}

// GetMessagesByIDs fetches specific messages, used by retry_failed to
// re-check whether a previously-failed source message still exists.
func (g *Gateway) GetMessagesByIDs(ctx context.Context, peer Peer, ids []int) ([]Message, error) {
	g.WaitOnline(ctx)

	inputs := make([]tg.InputMessageClass, 0, len(ids))
	for _, id := range ids {
		inputs = append(inputs, &tg.InputMessageID{ID: id})
	}

	res, err := g.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
		Channel: peer.inputChannel(),
		ID:      inputs,
	})
	if err != nil {
		g.noteRPCError(err)
		return nil, fmt.Errorf("gateway: get messages by ids: %w", err)
	}

	raw := messagesFromHistory(res)
	out := make([]Message, 0, len(raw))
	for _, mc := range raw {
		if m, ok := toMessage(mc); ok {
			out = append(out, m)
		}
	}
	return out, nil
}
