package fieldlock

import (
	"context"
	"maps"

	"github.com/Iron-Ham/coedit/internal/event"
	"github.com/Iron-Ham/coedit/internal/feed"
	"github.com/Iron-Ham/coedit/internal/store"
)

// Attach follows the lock table's feed, resubscribing after drops.
func (r *Registry) Attach(ctx context.Context, src feed.Source, opts ...feed.FollowOption) (*feed.Follower, error) {
	opts = append([]feed.FollowOption{feed.WithFollowLogger(r.logger)}, opts...)
	return feed.Follow(ctx, src, store.LocksTable, r.HandleChange, opts...)
}

// HandleChange applies one lock-table feed change to the projection.
func (r *Registry) HandleChange(c feed.Change) {
	if c.Table != "" && c.Table != store.LocksTable {
		return
	}
	switch {
	case c.Type == feed.Disconnected:
		msg := ""
		if c.Err != nil {
			msg = c.Err.Error()
		}
		r.publish(event.NewFeedDisconnectedEvent(store.LocksTable, msg))
	case c.Type == feed.ReplayDone:
		r.finishReplay()
	case c.Replay:
		r.mu.Lock()
		if !r.replaying {
			r.replaying = true
			r.pending = make(map[string]Lock)
		}
		l := lockFromRow(store.LockRowFromRecord(c.Record))
		r.pending[l.Key()] = l
		r.mu.Unlock()
	case c.Type == feed.Insert || c.Type == feed.Update:
		l := lockFromRow(store.LockRowFromRecord(c.Record))
		if l.RecordID == "" || l.OwnerID == "" {
			return
		}
		if r.upsert(l) {
			r.publish(event.NewLockAcquiredEvent(l.RecordID, l.Field, l.OwnerID))
			r.notify(Change{Kind: Acquired, Lock: l})
		}
	case c.Type == feed.Delete:
		row := store.LockRowFromRecord(c.Record)
		r.removeRemote(row.Key(), row.OwnerID)
	}
}

// removeRemote drops key after a replicated delete. owner may be empty when
// the transport only carried the key.
func (r *Registry) removeRemote(key, owner string) {
	r.mu.Lock()
	l, ok := r.locks[key]
	if ok && (owner == "" || l.OwnerID == owner) {
		delete(r.locks, key)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if ok {
		r.publish(event.NewLockReleasedEvent(l.RecordID, l.Field, l.OwnerID, event.ReleaseRemote))
		r.notify(Change{Kind: Released, Lock: l})
	}
}

// finishReplay swaps the replay burst in as the whole projection. An empty
// burst clears it.
func (r *Registry) finishReplay() {
	r.mu.Lock()
	next := r.pending
	if next == nil {
		next = make(map[string]Lock)
	}
	r.locks = maps.Clone(next)
	r.replaying = false
	r.pending = nil
	n := len(r.locks)
	r.mu.Unlock()

	r.publish(event.NewLocksReplacedEvent(n))
	r.notify(Change{Kind: Replaced})
}
