package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	tdsession "github.com/gotd/td/session"

	"tgmirror/internal/cryptobox"
	"tgmirror/internal/storage"
)

const sessionSettingsKey = "telegram_session"

// encryptedSessionStorage implements tdsession.Storage over a single
// settings row, sealed with cryptobox so the session string never touches
// the database in cleartext. A decryption failure is surfaced verbatim so
// the supervisor can refuse to start per the gateway design ("session
// corrupt; re-login required").
type encryptedSessionStorage struct {
	repo *storage.SettingsRepo
	box  *cryptobox.Box

	mu sync.Mutex
}

var _ tdsession.Storage = (*encryptedSessionStorage)(nil)

func newEncryptedSessionStorage(repo *storage.SettingsRepo, box *cryptobox.Box) *encryptedSessionStorage {
	return &encryptedSessionStorage{repo: repo, box: box}
}

func (s *encryptedSessionStorage) LoadSession(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok, err := s.repo.Get(ctx, sessionSettingsKey)
	if err != nil {
		return nil, fmt.Errorf("gateway: load session: %w", err)
	}
	if !ok {
		return nil, tdsession.ErrNotFound
	}

	var sealed string
	if err := json.Unmarshal(raw, &sealed); err != nil {
		return nil, fmt.Errorf("gateway: decode session setting: %w", err)
	}
	if sealed == "" {
		return nil, tdsession.ErrNotFound
	}

	plain, err := s.box.Open(sealed)
	if err != nil {
		if errors.Is(err, cryptobox.ErrSessionCorrupt) {
			return nil, fmt.Errorf("gateway: session corrupt; re-login required: %w", err)
		}
		return nil, fmt.Errorf("gateway: decrypt session: %w", err)
	}
	return plain, nil
}

func (s *encryptedSessionStorage) StoreSession(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := s.box.Seal(data)
	if err != nil {
		return fmt.Errorf("gateway: seal session: %w", err)
	}
	if err := s.repo.Set(ctx, sessionSettingsKey, sealed); err != nil {
		return fmt.Errorf("gateway: store session: %w", err)
	}
	return nil
}
