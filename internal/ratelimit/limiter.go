// Package ratelimit is C3: single-account pacing in front of every
// outgoing Telegram call. It combines a minimum-interval waiter with the
// account-wide FLOOD_WAIT window the gateway surfaces, and wraps arbitrary
// operations with the retry/backoff policy described in the rate limiter
// design.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gotd/td/tgerr"
	"golang.org/x/time/rate"

	"tgmirror/internal/logger"
)

// Config is the subset of the settings snapshot the limiter consults on
// every call; the caller re-reads it from C2 each time so a live settings
// change takes effect without restarting the limiter.
type Config struct {
	BaseInterval   time.Duration
	MaxRetryCount  int
	FloodWaitMaxSec int
}

// FloodWaitError is returned by ExecuteWithRetry when the server demanded a
// wait longer than FloodWaitMaxSec; the task runner pauses the task and the
// limiter itself will have already set floodWaitUntil so it auto-resumes
// once the window elapses.
type FloodWaitError struct {
	Wait time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("ratelimit: flood wait of %s exceeds configured maximum", e.Wait)
}

// Limiter paces a single Telegram account's outgoing calls. One Limiter
// guards the whole gateway, matching §5's "global mutex across all outgoing
// calls for the account". The minimum-inter-call spacing is enforced by a
// golang.org/x/time/rate.Limiter rebuilt whenever the configured interval
// changes; the FLOOD_WAIT window layers on top of it.
type Limiter struct {
	mu             sync.Mutex
	rl             *rate.Limiter
	rlInterval     time.Duration
	floodWaitUntil time.Time
	configFn       func() Config
}

// New builds a Limiter. configFn is called on every waitForSlot/
// ExecuteWithRetry so the limiter always sees the latest settings.
func New(configFn func() Config) *Limiter {
	return &Limiter{configFn: configFn}
}

// rateLimiterFor returns the *rate.Limiter for the given interval, rebuilding
// it when the settings snapshot's BaseInterval has changed since last use.
func (l *Limiter) rateLimiterFor(interval time.Duration) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rl == nil || l.rlInterval != interval {
		l.rl = rate.NewLimiter(rate.Every(interval), 1)
		l.rlInterval = interval
	}
	return l.rl
}

// waitForSlot blocks until both the FLOOD_WAIT window has elapsed and the
// minimum inter-call spacing allows another call.
func (l *Limiter) waitForSlot(ctx context.Context) error {
	for {
		l.mu.Lock()
		until := l.floodWaitUntil
		l.mu.Unlock()

		if wait := time.Until(until); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}

		cfg := l.configFn()
		return l.rateLimiterFor(cfg.BaseInterval).Wait(ctx)
	}
}

// ExecuteWithRetry calls waitForSlot then op, handling FLOOD_WAIT and
// transient failures per the rate limiter design in §4.3.
func (l *Limiter) ExecuteWithRetry(ctx context.Context, op func() error) error {
	cfg := l.configFn()
	attempt := 0
	bo := newSystemErrorBackoff()

	for {
		if err := l.waitForSlot(ctx); err != nil {
			return err
		}

		err := op()
		if err == nil {
			return nil
		}

		if wait, ok := tgerr.AsFloodWait(err); ok {
			floodMax := cfg.FloodWaitMaxSec
			if floodMax <= 0 {
				floodMax = 3600
			}
			l.mu.Lock()
			l.floodWaitUntil = time.Now().Add(wait + time.Second)
			l.mu.Unlock()

			if int(wait.Seconds()) > floodMax {
				return &FloodWaitError{Wait: wait}
			}

			logger.Warnf("ratelimit: flood wait %s, suspending", wait)
			timer := time.NewTimer(wait + time.Second)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		attempt++
		if attempt > cfg.MaxRetryCount {
			return fmt.Errorf("ratelimit: max retries (%d) exceeded: %w", cfg.MaxRetryCount, err)
		}

		sleep := bo.NextBackOff()
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// newSystemErrorBackoff builds the exponential-with-jitter policy used for
// transient system errors (not FLOOD_WAIT, which is handled separately):
// 1s initial, doubling, capped at 60s, +-15% jitter, no overall deadline -
// attempt counting in ExecuteWithRetry is what bounds the retry count.
func newSystemErrorBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 60 * time.Second
	bo.RandomizationFactor = 0.15
	bo.MaxElapsedTime = 0
	return bo
}
