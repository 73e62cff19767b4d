package feed

import (
	"context"
	"sync"
	"time"

	"github.com/Iron-Ham/coedit/internal/logging"
)

// DefaultReconnectDelay is the pause before resubscribing after a drop.
const DefaultReconnectDelay = time.Second

// Follower keeps one table subscription alive across disconnects. The
// handler sees every change including Disconnected; each reconnect starts
// with a fresh replay burst, which consumers treat as a resync.
type Follower struct {
	src    Source
	table  string
	h      Handler
	delay  time.Duration
	logger *logging.Logger

	ctx    context.Context
	stop   context.CancelFunc
	mu     sync.Mutex
	cancel func()
	timer  *time.Timer
	closed bool
}

// FollowOption configures a Follower.
type FollowOption func(*Follower)

// WithReconnectDelay sets the pause before resubscribing.
func WithReconnectDelay(d time.Duration) FollowOption {
	return func(f *Follower) {
		if d > 0 {
			f.delay = d
		}
	}
}

// WithFollowLogger sets the logger.
func WithFollowLogger(l *logging.Logger) FollowOption {
	return func(f *Follower) { f.logger = l }
}

// Follow subscribes h to table and resubscribes after every drop until ctx
// ends or Close is called. The first subscription's error is returned.
func Follow(ctx context.Context, src Source, table string, h Handler, opts ...FollowOption) (*Follower, error) {
	f := &Follower{
		src:    src,
		table:  table,
		h:      h,
		delay:  DefaultReconnectDelay,
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.ctx, f.stop = context.WithCancel(ctx)
	if err := f.subscribe(); err != nil {
		f.stop()
		return nil, err
	}
	return f, nil
}

func (f *Follower) subscribe() error {
	cancel, err := f.src.Subscribe(f.ctx, f.table, f.handle)
	if err != nil {
		return err
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		cancel()
		return nil
	}
	f.cancel = cancel
	f.mu.Unlock()
	return nil
}

func (f *Follower) handle(c Change) {
	f.h(c)
	if c.Type == Disconnected {
		f.logger.Warn("feed disconnected", logging.KeyTable, f.table, "error", c.Err)
		f.scheduleReconnect()
	}
}

func (f *Follower) scheduleReconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.ctx.Err() != nil {
		return
	}
	f.cancel = nil
	f.timer = time.AfterFunc(f.delay, f.reconnect)
}

func (f *Follower) reconnect() {
	if f.ctx.Err() != nil {
		return
	}
	if err := f.subscribe(); err != nil {
		f.logger.Warn("feed resubscribe failed", logging.KeyTable, f.table, "error", err)
		f.scheduleReconnect()
		return
	}
	f.logger.Info("feed resubscribed", logging.KeyTable, f.table)
}

// Close ends the subscription and stops reconnecting.
func (f *Follower) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	cancel, timer := f.cancel, f.timer
	f.cancel, f.timer = nil, nil
	f.mu.Unlock()

	f.stop()
	if timer != nil {
		timer.Stop()
	}
	if cancel != nil {
		cancel()
	}
}
