// Package supervisor is C11: the boot sequence and the graceful-shutdown
// orchestration described in §5 and §6.5. It owns nothing of its own - every
// dependency it builds is handed to exactly the component that needs it -
// and its only real logic is ordering: open storage before anything that
// reads it, open the gateway before the workers that drive it, and stop the
// workers before the gateway and the database go away.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tgmirror/internal/config"
	"tgmirror/internal/cryptobox"
	"tgmirror/internal/eventbus"
	"tgmirror/internal/filters"
	"tgmirror/internal/gateway"
	"tgmirror/internal/logger"
	"tgmirror/internal/mirror"
	"tgmirror/internal/ratelimit"
	"tgmirror/internal/realtime"
	"tgmirror/internal/settings"
	"tgmirror/internal/storage"
	"tgmirror/internal/tasks"
)

// Supervisor wires C1-C10 together and runs C6/C7 until told to stop. One
// Supervisor is built per process.
type Supervisor struct {
	db       *storage.DB
	bus      *eventbus.Bus
	gw       *gateway.Gateway
	cache    *settings.Cache
	limiter  *ratelimit.Limiter
	runner   *tasks.Runner
	realtime *realtime.Manager

	wg sync.WaitGroup
}

// Boot performs the whole startup sequence: connect and migrate the
// database (exit code 3 on mismatch per §6.5), open the settings cache,
// derive the session crypto box, open the Telegram gateway (exit code 2 on
// a corrupt session), and construct the task runner and realtime manager.
// ctx governs the lifetime of the gateway and every worker started by Run;
// cancelling it begins shutdown.
func Boot(ctx context.Context, env config.Env) (*Supervisor, error) {
	db, err := storage.Open(ctx, env.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, &MigrationError{Err: err}
	}

	channels := storage.NewChannelRepo(db)
	mappings := storage.NewMappingRepo(db)
	taskRepo := storage.NewTaskRepo(db)
	eventRepo := storage.NewEventRepo(db)
	settingsRepo := storage.NewSettingsRepo(db)

	cache := settings.New(settingsRepo)
	snap, err := cache.Get(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("supervisor: load initial settings: %w", err)
	}

	box, err := cryptobox.NewBox(env.EncryptionSecret)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("supervisor: init session crypto: %w", err)
	}

	listenURL := env.DatabaseURLListen
	if listenURL == "" {
		listenURL = env.DatabaseURL
	}
	bus := eventbus.New(ctx, eventRepo, listenURL)

	limiter := ratelimit.New(func() ratelimit.Config {
		cur, err := cache.Get(ctx)
		if err != nil {
			cur = snap
		}
		floodMax := env.FloodWaitMaxSec
		return ratelimit.Config{
			BaseInterval:    time.Duration(cur.MirrorIntervalMs) * time.Millisecond,
			MaxRetryCount:   cur.MaxRetryCount,
			FloodWaitMaxSec: floodMax,
		}
	})

	gw, err := gateway.Open(ctx, gateway.Config{
		APIID:        env.TelegramAPIID,
		APIHash:      env.TelegramAPIHash,
		PeerCacheDir: env.PeerCacheFile,
	}, settingsRepo, box)
	if err != nil {
		db.Close()
		if errors.Is(err, cryptobox.ErrSessionCorrupt) {
			return nil, &SessionCorruptError{Err: err}
		}
		return nil, fmt.Errorf("supervisor: open gateway: %w", err)
	}

	filterEngine := filters.New(func() string {
		s, err := cache.Get(ctx)
		if err != nil {
			return ""
		}
		return s.GlobalFilterKeywords
	})

	m := mirror.New(mappings, gw, limiter, cache, filterEngine)
	runner := tasks.New(taskRepo, channels, mappings, gw, m, limiter, cache, bus)
	rt := realtime.New(channels, mappings, gw, m, limiter, cache, bus)

	return &Supervisor{
		db:       db,
		bus:      bus,
		gw:       gw,
		cache:    cache,
		limiter:  limiter,
		runner:   runner,
		realtime: rt,
	}, nil
}

// Run starts the task runner and realtime manager and blocks until ctx is
// cancelled, then waits (bounded by shutdownBudget) for both to return
// before releasing the gateway and the database.
func (s *Supervisor) Run(ctx context.Context, shutdownBudget time.Duration) {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		logger.Info("supervisor: task runner starting")
		s.runner.Run(ctx)
		logger.Info("supervisor: task runner stopped")
	}()
	go func() {
		defer s.wg.Done()
		logger.Info("supervisor: realtime manager starting")
		s.realtime.Run(ctx)
		logger.Info("supervisor: realtime manager stopped")
	}()

	<-ctx.Done()
	logger.Info("supervisor: shutdown signal received, draining workers")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownBudget):
		logger.Warnf("supervisor: shutdown budget of %s exceeded, closing gateway anyway", shutdownBudget)
	}
}

// Close releases the gateway and database. Call after Run returns.
func (s *Supervisor) Close() {
	if err := s.gw.Close(); err != nil {
		logger.Errorf("supervisor: close gateway: %v", err)
	}
	s.bus.Close(context.Background())
	s.db.Close()
}

// MigrationError wraps a failed migration; the process exits with code 3.
type MigrationError struct{ Err error }

func (e *MigrationError) Error() string { return fmt.Sprintf("migration failed: %v", e.Err) }
func (e *MigrationError) Unwrap() error { return e.Err }

// SessionCorruptError wraps a failed session decrypt; the process exits
// with code 2, matching §6.5's "re-login required" contract.
type SessionCorruptError struct{ Err error }

func (e *SessionCorruptError) Error() string { return e.Err.Error() }
func (e *SessionCorruptError) Unwrap() error { return e.Err }
