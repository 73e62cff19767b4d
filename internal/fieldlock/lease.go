package fieldlock

import (
	"context"
	"fmt"
	"time"

	"github.com/Iron-Ham/coedit/internal/event"
	"github.com/Iron-Ham/coedit/internal/logging"
)

// Renew extends the lease on every lock actorID holds.
func (r *Registry) Renew(ctx context.Context, actorID string) (int, error) {
	at := r.now()
	n, err := r.table.Renew(ctx, actorID, at)
	if err != nil {
		return 0, fmt.Errorf("renew locks of %s: %w", actorID, err)
	}
	r.mu.Lock()
	for k, l := range r.locks {
		if l.OwnerID == actorID {
			l.RenewedAt = at
			r.locks[k] = l
		}
	}
	r.mu.Unlock()
	return n, nil
}

// ExpireStale deletes locks whose lease lapsed and returns them. It is a
// no-op when the TTL is zero.
func (r *Registry) ExpireStale(ctx context.Context) ([]Lock, error) {
	if r.ttl <= 0 {
		return nil, nil
	}
	rows, err := r.table.DeleteExpired(ctx, r.now().Add(-r.ttl))
	if err != nil {
		return nil, fmt.Errorf("expire stale locks: %w", err)
	}
	out := make([]Lock, 0, len(rows))
	for _, row := range rows {
		l := lockFromRow(row)
		out = append(out, l)
		r.dropLocal(l.Key(), l.OwnerID, event.ReleaseExpired)
	}
	return out, nil
}

// Start renews actorID's leases and expires stale locks every heartbeat
// until Stop is called or ctx ends. Calling Start while a loop runs is a
// no-op; once ctx has ended, Start launches a new loop.
func (r *Registry) Start(ctx context.Context, actorID string) {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	if r.stopCh != nil && r.loopCtx.Err() == nil {
		return
	}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.loopCtx = ctx
	go r.heartbeatLoop(ctx, actorID, r.stopCh, r.doneCh)
}

// Stop ends the heartbeat loop and waits for it.
func (r *Registry) Stop() {
	r.loopMu.Lock()
	stop, done := r.stopCh, r.doneCh
	r.stopCh, r.doneCh = nil, nil
	r.loopMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (r *Registry) heartbeatLoop(ctx context.Context, actorID string, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// let a later Start launch a fresh loop
			r.loopMu.Lock()
			if r.stopCh == stop {
				r.stopCh, r.doneCh = nil, nil
			}
			r.loopMu.Unlock()
			return
		case <-stop:
			return
		case <-ticker.C:
			if _, err := r.Renew(ctx, actorID); err != nil {
				r.logger.Warn("lease renewal failed", logging.KeyActor, actorID, "error", err)
			}
			if expired, err := r.ExpireStale(ctx); err != nil {
				r.logger.Warn("lock expiry failed", "error", err)
			} else if len(expired) > 0 {
				r.logger.Info("expired stale locks", "count", len(expired))
			}
		}
	}
}
