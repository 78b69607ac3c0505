package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{BaseInterval: time.Millisecond, MaxRetryCount: 3, FloodWaitMaxSec: 3600}
}

func TestExecuteWithRetrySucceedsFirstTry(t *testing.T) {
	l := New(testConfig)
	calls := 0
	err := l.ExecuteWithRetry(context.Background(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestExecuteWithRetryExhaustsMaxRetries(t *testing.T) {
	l := New(testConfig)
	boom := errors.New("boom")
	calls := 0
	err := l.ExecuteWithRetry(context.Background(), func() error {
		calls++
		return boom
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 4 { // first attempt + 3 retries
		t.Errorf("calls = %d, want 4", calls)
	}
}

func TestExecuteWithRetryZeroMaxRetriesFailsFirstAttempt(t *testing.T) {
	l := New(func() Config {
		return Config{BaseInterval: time.Millisecond, MaxRetryCount: 0, FloodWaitMaxSec: 3600}
	})
	boom := errors.New("boom")
	calls := 0
	err := l.ExecuteWithRetry(context.Background(), func() error {
		calls++
		return boom
	})
	if err == nil {
		t.Fatal("expected error with max_retry_count=0")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestExecuteWithRetryRespectsCancellation(t *testing.T) {
	l := New(testConfig)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.ExecuteWithRetry(ctx, func() error {
		return errors.New("should not retry past cancellation")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestSystemErrorBackoffCapped(t *testing.T) {
	bo := newSystemErrorBackoff()
	var last time.Duration
	for i := 0; i < 20; i++ {
		last = bo.NextBackOff()
	}
	if last > 70*time.Second {
		t.Errorf("backoff after 20 steps = %s, expected to be capped near 60s", last)
	}
}
