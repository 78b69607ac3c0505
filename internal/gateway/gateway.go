// Package gateway is C4: the façade over gotd/td's MTProto client. It owns
// the single authenticated session for the account, resolves channels to
// stable (telegramId, accessHash) pairs, and exposes the small capability
// surface the mirror, task and realtime components need - nothing in those
// packages touches *tg.Client directly.
package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/downloader"
	updhook "github.com/gotd/td/telegram/updates/hook"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"

	"tgmirror/internal/cryptobox"
	"tgmirror/internal/logger"
	"tgmirror/internal/storage"
)

// Peer is the deterministic input-peer pair every operation below works
// from once a channel has been resolved.
type Peer struct {
	ChannelID  int64
	AccessHash int64
}

func (p Peer) inputChannel() *tg.InputChannel {
	return &tg.InputChannel{ChannelID: p.ChannelID, AccessHash: p.AccessHash}
}

func (p Peer) inputPeer() tg.InputPeerClass {
	return &tg.InputPeerChannel{ChannelID: p.ChannelID, AccessHash: p.AccessHash}
}

// ResolvedChannel is what resolveChannel gives back about a freshly
// resolved (or re-resolved) source channel.
type ResolvedChannel struct {
	Peer        Peer
	Title       string
	Username    string
	MemberCount int64
	About       string
	NoForwards  bool
}

// Message is the subset of a Telegram message the mirror procedure needs;
// it is produced from tg.Message/tg.MessageService by the gateway so
// downstream packages never unpack raw TL structures themselves.
type Message struct {
	ID           int
	Date         time.Time
	Text         string
	Entities     []tg.MessageEntityClass
	MediaGroupID int64 // 0 means "not part of an album"
	Media        tg.MessageMediaClass
	Spoiler      bool
	NoForwards   bool
	IsService    bool
}

// ErrPeerUnresolvable is returned by ResolveChannel when the gateway cannot
// produce both a telegramId and an accessHash for the given identifier.
var ErrPeerUnresolvable = errors.New("gateway: peer unresolvable")

// Gateway is the live façade over one authenticated MTProto session.
type Gateway struct {
	client *telegram.Client
	api    *tg.Client
	peers  *peerCache
	conn   *connState
	dl     *downloader.Downloader
	ul     *uploader.Uploader

	dispatcher tg.UpdateDispatcher

	mu           sync.Mutex
	subscribed   map[int64]Peer
	onMessage    func(channelID int64, msg Message)
	onEdit       func(channelID int64, msg Message)
	onDelete     func(channelID int64, messageID int)
}

// Config bundles what Open needs beyond the environment-level secrets
// already resolved by package config.
type Config struct {
	APIID        int
	APIHash      string
	Phone        string
	PeerCacheDir string
}

// Open builds the MTProto client, wires session persistence and the
// connection/peer caches, and performs login if no valid session exists
// yet. It blocks until the first connection is established.
func Open(ctx context.Context, cfg Config, settingsRepo *storage.SettingsRepo, box *cryptobox.Box) (*Gateway, error) {
	dispatcher := tg.NewUpdateDispatcher()
	sessionStorage := newEncryptedSessionStorage(settingsRepo, box)

	g := &Gateway{
		dispatcher: dispatcher,
		subscribed: make(map[int64]Peer),
	}

	options := telegram.Options{
		SessionStorage: sessionStorage,
		UpdateHandler:  dispatcher,
		Middlewares: []telegram.Middleware{
			updhook.UpdateHook(dispatcher.Handle),
		},
		OnDead: func() {
			if g.conn != nil {
				g.conn.markDisconnected()
			}
		},
		Device: telegram.DeviceConfig{
			DeviceModel:   "tgmirror",
			SystemVersion: "linux",
			AppVersion:    "1.0.0",
		},
	}

	client := telegram.NewClient(cfg.APIID, cfg.APIHash, options)
	g.client = client
	g.api = client.API()
	g.conn = newConnState(ctx, client)
	g.dl = downloader.NewDownloader()
	g.ul = uploader.NewUploader(g.api)

	g.dispatcher.OnNewChannelMessage(g.handleNewChannelMessage)
	g.dispatcher.OnEditChannelMessage(g.handleEditChannelMessage)
	g.dispatcher.OnDeleteChannelMessages(g.handleDeleteChannelMessages)

	ready := make(chan error, 1)
	up := make(chan struct{})
	go func() {
		ready <- client.Run(ctx, func(runCtx context.Context) error {
			if err := g.ensureAuthenticated(runCtx, cfg.Phone); err != nil {
				return err
			}

			peers, err := newPeerCache(g.api, cfg.PeerCacheDir)
			if err != nil {
				return fmt.Errorf("gateway: open peer cache: %w", err)
			}
			g.peers = peers
			if err := g.peers.LoadFromStorage(runCtx); err != nil {
				logger.Warnf("gateway: load peer cache: %v", err)
			}

			close(up)
			<-runCtx.Done()
			return runCtx.Err()
		})
	}()

	select {
	case <-up:
	case err := <-ready:
		if err != nil {
			return nil, fmt.Errorf("gateway: run client: %w", err)
		}
	case <-time.After(30 * time.Second):
		return nil, fmt.Errorf("gateway: timed out waiting for initial connection")
	}

	return g, nil
}

func (g *Gateway) ensureAuthenticated(ctx context.Context, phone string) error {
	status, err := g.client.Auth().Status(ctx)
	if err != nil {
		return fmt.Errorf("gateway: auth status: %w", err)
	}
	if status.Authorized {
		return nil
	}

	authenticator, err := newTerminalAuthenticator(phone)
	if err != nil {
		return err
	}
	defer authenticator.Close()

	flow := auth.NewFlow(authenticator, auth.SendCodeOptions{})
	return g.client.Auth().IfNecessary(ctx, flow)
}

// Close disconnects the client and releases local caches. The MTProto
// session itself is left intact for the next start.
func (g *Gateway) Close() error {
	if g.conn != nil {
		g.conn.shutdown()
	}
	if g.peers != nil {
		return g.peers.Close()
	}
	return nil
}

// WaitOnline blocks while the connection is down, letting callers avoid
// piling up failed RPCs during a reconnect window.
func (g *Gateway) WaitOnline(ctx context.Context) {
	g.conn.WaitOnline(ctx)
}

// noteRPCError lets a call site that just got a raw RPC failure mark the
// connection disconnected immediately, instead of waiting for the client's
// OnDead callback to notice the same failure at the pool level. Reports
// whether it did so.
func (g *Gateway) noteRPCError(err error) bool {
	return g.conn.handleError(err)
}

func parseNumericIdentifier(identifier string) (int64, bool) {
	trimmed := strings.TrimPrefix(identifier, "-100")
	id, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || !strings.HasPrefix(identifier, "-100") {
		return 0, false
	}
	return id, true
}

// Error classes returned by ClassifyError, per §7's taxonomy.
const (
	ErrClassFatal             = "fatal"
	ErrClassRetryableWithWait = "retryable-with-wait"
	ErrClassMessageLocal      = "message-local"
)

// classifyGatewayError maps the gateway's textual failures onto the
// taxonomy from the gateway contract: fatal, retryable-with-wait (handled
// upstream by the rate limiter via tgerr), or message-local retryable.
func classifyGatewayError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "AUTH_KEY_UNREGISTERED"),
		strings.Contains(msg, "SESSION_REVOKED"),
		strings.Contains(msg, "USER_DEACTIVATED"):
		return ErrClassFatal
	case strings.Contains(msg, "FLOOD_WAIT"):
		return ErrClassRetryableWithWait
	default:
		return ErrClassMessageLocal
	}
}

// ClassifyError exposes classifyGatewayError to other components (C6's task
// runner decides system-error-fails-task vs message-local-counts-and-
// continues based on this).
func ClassifyError(err error) string { return classifyGatewayError(err) }
