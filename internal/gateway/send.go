package gateway

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
)

// ForwardMessages forwards one or more messages (a single id, or a whole
// album) from fromPeer to toPeer with dropAuthor=true, returning the
// mirrored ids in positional alignment with ids. If the server returns
// fewer updates than requested, the remainder map to nil per the gateway
// contract's "best-effort positional alignment" rule.
func (g *Gateway) ForwardMessages(ctx context.Context, fromPeer, toPeer Peer, ids []int) ([]*int, error) {
	g.WaitOnline(ctx)

	randomIDs := make([]int64, len(ids))
	for i := range randomIDs {
		randomIDs[i] = rand.Int64()
	}

	updates, err := g.api.MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		FromPeer:   fromPeer.inputPeer(),
		ToPeer:     toPeer.inputPeer(),
		ID:         ids,
		RandomID:   randomIDs,
		DropAuthor: true,
	})
	if err != nil {
		g.noteRPCError(err)
		return nil, fmt.Errorf("gateway: forward messages: %w", err)
	}

	sentIDs := extractSentMessageIDs(updates)
	out := make([]*int, len(ids))
	for i := range ids {
		if i < len(sentIDs) {
			id := sentIDs[i]
			out[i] = &id
		}
	}
	return out, nil
}

// CopyMessage re-sends msg into toPeer without a forward header, preserving
// the source's formatting entities. Media already visible to this account
// is re-attached by reference (InputMediaDocument/Photo built from the
// source's file reference); when that handle is unavailable (the file
// reference has gone stale), it falls back to downloading the media from
// fromPeer and re-uploading it fresh, per the copy-mode contract.
func (g *Gateway) CopyMessage(ctx context.Context, fromPeer, toPeer Peer, msg Message) (int, error) {
	g.WaitOnline(ctx)

	randomID := rand.Int64()

	if msg.Media == nil {
		updates, err := g.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
			Peer:     toPeer.inputPeer(),
			Message:  msg.Text,
			RandomID: randomID,
			Entities: msg.Entities,
		})
		if err != nil {
			g.noteRPCError(err)
			return 0, fmt.Errorf("gateway: send message: %w", err)
		}
		return firstSentMessageID(updates)
	}

	inputMedia, err := g.inputMediaFromMessage(ctx, fromPeer, msg.ID, msg.Media)
	if err != nil {
		return 0, fmt.Errorf("gateway: build input media: %w", err)
	}

	updates, err := g.api.MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
		Peer:     toPeer.inputPeer(),
		Media:    inputMedia,
		Message:  msg.Text,
		RandomID: randomID,
		Entities: msg.Entities,
	})
	if err != nil {
		g.noteRPCError(err)
		return 0, fmt.Errorf("gateway: send media: %w", err)
	}

	sentID, err := firstSentMessageID(updates)
	if err != nil {
		return 0, err
	}

	if msg.Spoiler {
		if err := g.reEditSpoiler(ctx, toPeer, sentID, inputMedia); err != nil {
			return sentID, fmt.Errorf("gateway: re-edit spoiler: %w", err)
		}
	}

	return sentID, nil
}

// reEditSpoiler re-edits a just-sent message with the same media but the
// spoiler flag forced on, awaiting at most one FLOOD_WAIT of up to 60s as
// described in the mirror design's spoiler handling note. Telegram does not
// expose a spoiler-only patch; the media has to be resent with the flag set.
func (g *Gateway) reEditSpoiler(ctx context.Context, peer Peer, messageID int, media tg.InputMediaClass) error {
	spoiled, err := withSpoiler(media)
	if err != nil {
		return err
	}

	req := &tg.MessagesEditMessageRequest{
		Peer:  peer.inputPeer(),
		ID:    messageID,
		Media: spoiled,
	}
	_, err = g.api.MessagesEditMessage(ctx, req)
	if wait, ok := tgerr.AsFloodWait(err); ok && wait <= 60*time.Second {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		_, err = g.api.MessagesEditMessage(ctx, req)
	}
	return err
}

func withSpoiler(media tg.InputMediaClass) (tg.InputMediaClass, error) {
	switch m := media.(type) {
	case *tg.InputMediaPhoto:
		clone := *m
		clone.Spoiler = true
		return &clone, nil
	case *tg.InputMediaDocument:
		clone := *m
		clone.Spoiler = true
		return &clone, nil
	default:
		return nil, fmt.Errorf("gateway: media kind %T has no spoiler flag", media)
	}
}

func (g *Gateway) inputMediaFromMessage(ctx context.Context, fromPeer Peer, sourceMessageID int, media tg.MessageMediaClass) (tg.InputMediaClass, error) {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.(*tg.Photo)
		if !ok {
			return g.reuploadMedia(ctx, fromPeer, sourceMessageID, m.Spoiler)
		}
		return &tg.InputMediaPhoto{
			ID: &tg.InputPhoto{
				ID:            photo.ID,
				AccessHash:    photo.AccessHash,
				FileReference: photo.FileReference,
			},
			Spoiler: m.Spoiler,
		}, nil
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok {
			return g.reuploadMedia(ctx, fromPeer, sourceMessageID, m.Spoiler)
		}
		return &tg.InputMediaDocument{
			ID: &tg.InputDocument{
				ID:            doc.ID,
				AccessHash:    doc.AccessHash,
				FileReference: doc.FileReference,
			},
			Spoiler: m.Spoiler,
		}, nil
	default:
		return nil, fmt.Errorf("gateway: unsupported media kind %T", media)
	}
}

// reuploadMedia is the fallback path for when a message's media can no
// longer be re-attached by reference - the FileReference has gone stale, so
// the local tg.Photo/tg.Document struct we were handed degenerated to an
// Empty stub. It re-fetches the message from fromPeer to get a current
// file reference, downloads the bytes through it, and re-uploads them as a
// brand-new file, producing an InputMediaUploadedPhoto/Document instead of
// a by-reference one.
func (g *Gateway) reuploadMedia(ctx context.Context, fromPeer Peer, sourceMessageID int, spoiler bool) (tg.InputMediaClass, error) {
	fresh, err := g.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
		Channel: fromPeer.inputChannel(),
		ID:      []tg.InputMessageClass{&tg.InputMessageID{ID: sourceMessageID}},
	})
	if err != nil {
		g.noteRPCError(err)
		return nil, fmt.Errorf("gateway: refetch message %d for reupload: %w", sourceMessageID, err)
	}

	var refreshed *tg.Message
	switch v := fresh.(type) {
	case *tg.MessagesChannelMessages:
		if len(v.Messages) > 0 {
			refreshed, _ = v.Messages[0].(*tg.Message)
		}
	}
	if refreshed == nil {
		return nil, fmt.Errorf("gateway: message %d not found on reupload refetch", sourceMessageID)
	}

	loc, name, isPhoto, ok := fileLocationFromMedia(refreshed.Media)
	if !ok {
		return nil, fmt.Errorf("gateway: media for message %d is unavailable on both sides", sourceMessageID)
	}

	var buf bytes.Buffer
	if _, err := g.dl.Download(g.api, loc).Stream(ctx, &buf); err != nil {
		return nil, fmt.Errorf("gateway: download media for message %d: %w", sourceMessageID, err)
	}

	file, err := g.ul.FromReader(ctx, name, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("gateway: upload media for message %d: %w", sourceMessageID, err)
	}

	if isPhoto {
		return &tg.InputMediaUploadedPhoto{File: file, Spoiler: spoiler}, nil
	}
	return &tg.InputMediaUploadedDocument{File: file, MimeType: "application/octet-stream", Spoiler: spoiler}, nil
}

func fileLocationFromMedia(media tg.MessageMediaClass) (loc tg.InputFileLocationClass, name string, isPhoto bool, ok bool) {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, isPh := m.Photo.(*tg.Photo)
		if !isPh {
			return nil, "", false, false
		}
		var size string
		for _, s := range photo.Sizes {
			if sz, ok := s.(*tg.PhotoSize); ok {
				size = sz.Type
			}
		}
		return &tg.InputPhotoFileLocation{
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     size,
		}, "photo.jpg", true, true
	case *tg.MessageMediaDocument:
		doc, isDoc := m.Document.(*tg.Document)
		if !isDoc {
			return nil, "", false, false
		}
		name := "file"
		for _, attr := range doc.Attributes {
			if a, ok := attr.(*tg.DocumentAttributeFilename); ok {
				name = a.FileName
			}
		}
		return &tg.InputDocumentFileLocation{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		}, name, false, true
	default:
		return nil, "", false, false
	}
}

func extractSentMessageIDs(u tg.UpdatesClass) []int {
	if short, ok := u.(*tg.UpdateShortSentMessage); ok {
		return []int{short.ID}
	}
	var ids []int
	walkUpdates(u, func(upd tg.UpdateClass) {
		switch v := upd.(type) {
		case *tg.UpdateNewChannelMessage:
			if m, ok := v.Message.(*tg.Message); ok {
				ids = append(ids, m.ID)
			}
		case *tg.UpdateNewMessage:
			if m, ok := v.Message.(*tg.Message); ok {
				ids = append(ids, m.ID)
			}
		}
	})
	return ids
}

func firstSentMessageID(u tg.UpdatesClass) (int, error) {
	ids := extractSentMessageIDs(u)
	if len(ids) == 0 {
		return 0, fmt.Errorf("gateway: send produced no message update")
	}
	return ids[0], nil
}

func walkUpdates(u tg.UpdatesClass, fn func(tg.UpdateClass)) {
	switch v := u.(type) {
	case *tg.Updates:
		for _, upd := range v.Updates {
			fn(upd)
		}
	case *tg.UpdatesCombined:
		for _, upd := range v.Updates {
			fn(upd)
		}
	case *tg.UpdateShort:
		fn(v.Update)
	case *tg.UpdateShortSentMessage:
		// No UpdateClass to unpack; extractSentMessageIDs reads the sent
		// message's ID from v directly before walking.
	}
}
