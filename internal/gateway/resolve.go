package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/gotd/td/tg"
)

// ResolveChannel resolves a natural-key identifier - "@name", a join link,
// or a "-100..." numeric id - to a stable (telegramId, accessHash) pair.
// Once a channel has carried a successful resolve, the gateway contract
// says callers should prefer constructing peers directly from the stored
// pair instead of calling this again.
func (g *Gateway) ResolveChannel(ctx context.Context, identifier string) (ResolvedChannel, error) {
	g.WaitOnline(ctx)

	identifier = strings.TrimSpace(identifier)

	switch {
	case strings.HasPrefix(identifier, "@"):
		return g.resolveByUsername(ctx, strings.TrimPrefix(identifier, "@"))
	case strings.Contains(identifier, "t.me/joinchat/") || strings.Contains(identifier, "t.me/+"):
		return g.resolveByInviteLink(ctx, identifier)
	case strings.HasPrefix(identifier, "-100"):
		if id, ok := parseNumericIdentifier(identifier); ok {
			return g.resolveByID(ctx, id)
		}
		return ResolvedChannel{}, fmt.Errorf("%w: malformed numeric identifier %q", ErrPeerUnresolvable, identifier)
	default:
		return g.resolveByUsername(ctx, identifier)
	}
}

func (g *Gateway) resolveByUsername(ctx context.Context, username string) (ResolvedChannel, error) {
	res, err := g.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: username})
	if err != nil {
		g.noteRPCError(err)
		return ResolvedChannel{}, fmt.Errorf("gateway: resolve username %q: %w", username, err)
	}
	for _, c := range res.Chats {
		if ch, ok := c.(*tg.Channel); ok {
			return channelToResolved(ch), nil
		}
	}
	return ResolvedChannel{}, fmt.Errorf("%w: username %q is not a channel", ErrPeerUnresolvable, username)
}

func (g *Gateway) resolveByInviteLink(ctx context.Context, link string) (ResolvedChannel, error) {
	hash := inviteHashFromLink(link)
	res, err := g.api.MessagesCheckChatInvite(ctx, hash)
	if err != nil {
		g.noteRPCError(err)
		return ResolvedChannel{}, fmt.Errorf("gateway: check invite %q: %w", link, err)
	}
	switch v := res.(type) {
	case *tg.ChatInviteAlready:
		if ch, ok := v.Chat.(*tg.Channel); ok {
			return channelToResolved(ch), nil
		}
	case *tg.ChatInvitePeek:
		if ch, ok := v.Chat.(*tg.Channel); ok {
			return channelToResolved(ch), nil
		}
	}
	return ResolvedChannel{}, fmt.Errorf("%w: invite %q did not resolve to a channel; join first", ErrPeerUnresolvable, link)
}

func (g *Gateway) resolveByID(ctx context.Context, channelID int64) (ResolvedChannel, error) {
	if g.peers != nil {
		if p, ok, err := g.peers.Store().Find(ctx, channelID); err == nil && ok {
			if ch, ok := p.Channel.(*tg.Channel); ok {
				return channelToResolved(ch), nil
			}
		}
	}
	return ResolvedChannel{}, fmt.Errorf("%w: channel %d not found in peer cache; resolve by username first", ErrPeerUnresolvable, channelID)
}

func channelToResolved(ch *tg.Channel) ResolvedChannel {
	return ResolvedChannel{
		Peer:        Peer{ChannelID: ch.ID, AccessHash: ch.AccessHash},
		Title:       ch.Title,
		Username:    ch.Username,
		MemberCount: int64(ch.ParticipantsCount),
		NoForwards:  ch.Noforwards,
	}
}

func inviteHashFromLink(link string) string {
	if i := strings.LastIndex(link, "+"); i >= 0 {
		return link[i+1:]
	}
	if i := strings.LastIndex(link, "/"); i >= 0 {
		return link[i+1:]
	}
	return link
}

// ExportInviteLink produces a fresh invite link for an auto-created mirror
// channel.
func (g *Gateway) ExportInviteLink(ctx context.Context, peer Peer) (string, error) {
	g.WaitOnline(ctx)
	res, err := g.api.MessagesExportChatInvite(ctx, &tg.MessagesExportChatInviteRequest{
		Peer: &tg.InputPeerChannel{ChannelID: peer.ChannelID, AccessHash: peer.AccessHash},
	})
	if err != nil {
		g.noteRPCError(err)
		return "", fmt.Errorf("gateway: export invite link: %w", err)
	}
	switch v := res.(type) {
	case *tg.ChatInviteExported:
		return v.Link, nil
	default:
		return "", fmt.Errorf("gateway: unexpected invite export result %T", res)
	}
}

// CreatePrivateChannel creates a new private broadcast channel to serve as
// an auto-created mirror target.
func (g *Gateway) CreatePrivateChannel(ctx context.Context, title, about string) (ResolvedChannel, string, error) {
	g.WaitOnline(ctx)

	updates, err := g.api.ChannelsCreateChannel(ctx, &tg.ChannelsCreateChannelRequest{
		Title:     title,
		About:     about,
		Broadcast: true,
	})
	if err != nil {
		g.noteRPCError(err)
		return ResolvedChannel{}, "", fmt.Errorf("gateway: create channel: %w", err)
	}

	var created *tg.Channel
	for _, c := range extractChats(updates) {
		if ch, ok := c.(*tg.Channel); ok {
			created = ch
			break
		}
	}
	if created == nil {
		return ResolvedChannel{}, "", fmt.Errorf("gateway: create channel: no channel in response")
	}

	resolved := channelToResolved(created)
	link, err := g.ExportInviteLink(ctx, resolved.Peer)
	if err != nil {
		return resolved, "", err
	}
	return resolved, link, nil
}

func extractChats(u tg.UpdatesClass) []tg.ChatClass {
	switch v := u.(type) {
	case *tg.Updates:
		return v.Chats
	case *tg.UpdatesCombined:
		return v.Chats
	default:
		return nil
	}
}
