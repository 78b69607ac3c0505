package gateway

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bboltdb "github.com/gotd/contrib/bbolt"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/telegram/query/dialogs"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"
)

const (
	peersBucketName           = "peers"
	peerCacheOpenTimeout      = time.Second
	peerCacheFileMode os.FileMode = 0o600
)

var peersBucketBytes = []byte(peersBucketName)

// peerCache wraps gotd's peers.Manager with a bbolt-backed persistent
// store, so resolving a channel once survives process restarts - the
// gateway still always double-checks (telegramId, accessHash) against the
// database per channel, this is purely an optimization to avoid redundant
// entity lookups against Telegram itself.
type peerCache struct {
	db    *bbolt.DB
	store contribstorage.PeerStorage
	Mgr   *peers.Manager
}

func newPeerCache(api *tg.Client, dbPath string) (*peerCache, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("gateway: ensure peer cache dir: %w", err)
		}
	}

	db, err := bbolt.Open(dbPath, peerCacheFileMode, &bbolt.Options{Timeout: peerCacheOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("gateway: open peer cache: %w", err)
	}

	return &peerCache{
		db:    db,
		store: bboltdb.NewPeerStorage(db, peersBucketBytes),
		Mgr:   (peers.Options{}).Build(api),
	}, nil
}

func (p *peerCache) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

// Store exposes the persistent storage for wiring into updhook/UpdateHook
// style consumers that need to keep the cache warm from incoming updates.
func (p *peerCache) Store() contribstorage.PeerStorage { return p.store }

// LoadFromStorage replays every previously cached peer into the in-memory
// manager, so a freshly started process does not need to re-resolve
// channels it already knows about.
func (p *peerCache) LoadFromStorage(ctx context.Context) error {
	iter, exists, err := p.store.Iterate(ctx)
	if err != nil {
		return fmt.Errorf("gateway: iterate peer cache: %w", err)
	}
	if !exists {
		return nil
	}
	defer func() { _ = iter.Close() }()

	var users []tg.UserClass
	var chats []tg.ChatClass

	for iter.Next(ctx) {
		value := iter.Value()
		switch value.Key.Kind {
		case dialogs.User:
			user := value.User
			if user == nil {
				user = &tg.User{ID: value.Key.ID, AccessHash: value.Key.AccessHash}
			}
			users = append(users, user)
		case dialogs.Chat:
			chat := value.Chat
			if chat == nil {
				chat = &tg.Chat{ID: value.Key.ID}
			}
			chats = append(chats, chat)
		case dialogs.Channel:
			channel := value.Channel
			if channel == nil {
				channel = &tg.Channel{ID: value.Key.ID, AccessHash: value.Key.AccessHash}
			}
			chats = append(chats, channel)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("gateway: iterate peer cache: %w", err)
	}
	if len(users) == 0 && len(chats) == 0 {
		return nil
	}
	return p.Mgr.Apply(ctx, users, chats)
}
