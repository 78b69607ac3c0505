// Package eventbus is C8: the operator-facing event log plus the
// cross-process wakeup channel described in §4.8. It owns a dedicated
// non-pooled connection so Postgres LISTEN/NOTIFY actually delivers, and
// falls back to interval polling when that connection cannot be opened or
// drops, matching the documented "pooled connections cannot carry
// notifications" caveat.
package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"tgmirror/internal/logger"
	"tgmirror/internal/model"
	"tgmirror/internal/storage"
)

// NotifyChannel is the Postgres channel name task/event mutations publish
// on, tailed by the UI's SSE bridge.
const NotifyChannel = "tg_back_sync_tasks_v1"

// pollFallbackInterval is how often Wake fires on its own when the LISTEN
// connection is unavailable, standing in for server-pushed notifications.
const pollFallbackInterval = 3 * time.Second

// Payload is the JSON body carried on every NOTIFY: §4.8's {ts,
// sourceChannelId?} plus an optional correlationId.
type Payload struct {
	Ts              time.Time `json:"ts"`
	SourceChannelID *int64    `json:"sourceChannelId,omitempty"`
	CorrelationID   string    `json:"correlationId,omitempty"`
}

// Bus publishes task/event mutations and hands the task runner (C6) a
// channel it can select on for a wakeup instead of always sleeping out its
// 5s poll interval.
type Bus struct {
	events *storage.EventRepo

	connStr string
	mu      sync.Mutex
	conn    *pgx.Conn // nil when LISTEN is unavailable; Wake then only polls

	wake chan struct{}
}

// New opens (best-effort) a dedicated LISTEN connection against listenURL.
// A failure to connect is logged and downgrades the bus to poll-only; it is
// never fatal, per §4.8's documented fallback.
func New(ctx context.Context, events *storage.EventRepo, listenURL string) *Bus {
	b := &Bus{
		events:  events,
		connStr: listenURL,
		wake:    make(chan struct{}, 1),
	}
	b.connect(ctx)
	go b.pollLoop(ctx)
	if b.conn != nil {
		go b.listenLoop(ctx)
	}
	return b
}

func (b *Bus) connect(ctx context.Context) {
	if b.connStr == "" {
		logger.Warnf("eventbus: no listen URL configured, falling back to polling")
		return
	}
	conn, err := pgx.Connect(ctx, b.connStr)
	if err != nil {
		logger.Warnf("eventbus: dedicated listen connection unavailable, falling back to polling: %v", err)
		return
	}
	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		logger.Warnf("eventbus: LISTEN failed, falling back to polling: %v", err)
		_ = conn.Close(ctx)
		return
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
}

// listenLoop blocks on WaitForNotification, forwarding every push onto wake.
// On any error (connection drop) it closes the connection and returns;
// pollLoop then carries the wakeup duty for the rest of the process.
func (b *Bus) listenLoop(ctx context.Context) {
	for {
		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()
		if conn == nil {
			return
		}

		_, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warnf("eventbus: listen connection dropped, falling back to polling: %v", err)
			b.mu.Lock()
			_ = b.conn.Close(context.Background())
			b.conn = nil
			b.mu.Unlock()
			return
		}
		b.signal()
	}
}

// pollLoop guarantees the task runner is woken at pollFallbackInterval even
// when no NOTIFY has arrived, covering both the no-LISTEN case and ordinary
// 5s-poll cooperation.
func (b *Bus) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(pollFallbackInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.signal()
		}
	}
}

func (b *Bus) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Wake is the channel C6's poll loop selects on alongside its own ticker.
func (b *Bus) Wake() <-chan struct{} { return b.wake }

// Publish appends a SyncEvent row (when level/message are non-empty) and
// issues a NOTIFY so subscribers re-read immediately. The core never logs
// per-message successes here; callers are expected to only call this on the
// state transitions enumerated in §4.8. correlationID ties the row back to
// the task run (or realtime dispatch) that produced it; pass "" when the
// caller has none.
func (b *Bus) Publish(ctx context.Context, sourceChannelID *int64, correlationID string, level model.EventLevel, message string) error {
	if message != "" {
		var cid *string
		if correlationID != "" {
			cid = &correlationID
		}
		if _, err := b.events.Append(ctx, sourceChannelID, cid, level, message); err != nil {
			return err
		}
	}
	return b.notify(ctx, sourceChannelID, correlationID)
}

// NotifyOnly issues a NOTIFY without an accompanying event row, used after
// routine task mutations (pick/complete/progress) that don't warrant a log
// line but should still wake a tailing UI.
func (b *Bus) NotifyOnly(ctx context.Context, sourceChannelID *int64, correlationID string) error {
	return b.notify(ctx, sourceChannelID, correlationID)
}

func (b *Bus) notify(ctx context.Context, sourceChannelID *int64, correlationID string) error {
	payload, err := json.Marshal(Payload{Ts: time.Now().UTC(), SourceChannelID: sourceChannelID, CorrelationID: correlationID})
	if err != nil {
		return err
	}

	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		// No LISTEN connection; pollLoop covers wakeups, and there is no one
		// to NOTIFY, so this is a no-op rather than an error.
		return nil
	}

	// pg_notify, unlike a NOTIFY statement, takes the channel name as an
	// ordinary text argument, so it is bound as a parameter here.
	_, err = conn.Exec(ctx, "SELECT pg_notify($1, $2)", NotifyChannel, string(payload))
	return err
}

// Close releases the dedicated LISTEN connection, if any.
func (b *Bus) Close(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		_ = b.conn.Close(ctx)
		b.conn = nil
	}
}

// NewCorrelationID mints a task/event correlation id for structured logging,
// per SPEC_FULL.md's C6/C8 wiring of uuid.
func NewCorrelationID() string { return uuid.NewString() }
