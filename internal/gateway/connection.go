package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gotd/td/pool"
	"github.com/gotd/td/rpc"
	"github.com/gotd/td/telegram"

	"tgmirror/internal/logger"
)

const (
	reconnectPingInterval = 10 * time.Second
	reconnectPingTimeout  = 5 * time.Second
)

// connState tracks MTProto connection liveness for one Gateway instance. It
// gives callers a WaitOnline that blocks while the link is down and wakes
// every waiter the instant a lightweight probe RPC succeeds again, without
// each caller running its own polling loop.
type connState struct {
	client *telegram.Client
	ctx    context.Context

	connected atomic.Bool

	mu            sync.RWMutex
	waitCh        chan struct{}
	monitorCancel context.CancelFunc
}

func newConnState(ctx context.Context, client *telegram.Client) *connState {
	cs := &connState{client: client, ctx: ctx}
	cs.connected.Store(true)
	ready := make(chan struct{})
	close(ready)
	cs.waitCh = ready
	return cs
}

// WaitOnline blocks until the connection is marked connected again or ctx
// is done.
func (cs *connState) WaitOnline(ctx context.Context) {
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if cs.connected.Load() {
		return
	}
	logger.Debug("gateway: blocking caller until connection restored")
	for {
		ch := cs.currentWaitCh()
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if ch == cs.currentWaitCh() {
				logger.Debug("gateway: connection restored")
				return
			}
		}
	}
}

func (cs *connState) currentWaitCh() <-chan struct{} {
	cs.mu.RLock()
	ch := cs.waitCh
	cs.mu.RUnlock()
	if ch == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return ch
}

func (cs *connState) markConnected() {
	if cs.connected.Swap(true) {
		return
	}
	cs.mu.Lock()
	if cs.monitorCancel != nil {
		cs.monitorCancel()
		cs.monitorCancel = nil
	}
	ch := cs.waitCh
	if ch == nil {
		ch = make(chan struct{})
		cs.waitCh = ch
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
	cs.mu.Unlock()
	logger.Info("gateway: connection restored")
}

func (cs *connState) markDisconnected() {
	if !cs.connected.CompareAndSwap(true, false) {
		return
	}
	cs.mu.Lock()
	if cs.monitorCancel != nil {
		cs.monitorCancel()
	}
	cs.waitCh = make(chan struct{})
	monitorCtx, cancel := context.WithCancel(cs.ctx)
	cs.monitorCancel = cancel
	cs.mu.Unlock()

	logger.Debug("gateway: connection lost, probing for recovery")
	go cs.monitorLoop(monitorCtx)
}

func (cs *connState) shutdown() {
	cs.mu.Lock()
	if cs.monitorCancel != nil {
		cs.monitorCancel()
		cs.monitorCancel = nil
	}
	wait := cs.waitCh
	cs.waitCh = nil
	cs.mu.Unlock()
	if wait != nil {
		select {
		case <-wait:
		default:
			close(wait)
		}
	}
}

func (cs *connState) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(reconnectPingInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		pingCtx, cancel := context.WithTimeout(ctx, reconnectPingTimeout)
		err := cs.probe(pingCtx)
		cancel()
		if err == nil {
			cs.markConnected()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (cs *connState) probe(ctx context.Context) (err error) {
	if cs.client == nil {
		return net.ErrClosed
	}
	defer func() {
		if r := recover(); r != nil {
			err = net.ErrClosed
		}
	}()
	_, err = cs.client.Self(ctx)
	return err
}

// handleError marks the connection disconnected when err looks like a
// network failure, reporting whether it did so.
func (cs *connState) handleError(err error) bool {
	if !isNetworkError(err) {
		return false
	}
	cs.markDisconnected()
	return true
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, pool.ErrConnDead) || errors.Is(err, rpc.ErrEngineClosed) {
		return true
	}
	var retryErr *rpc.RetryLimitReachedErr
	if errors.As(err, &retryErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
