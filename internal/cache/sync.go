package cache

import (
	"context"

	"github.com/Iron-Ham/coedit/internal/errors"
	"github.com/Iron-Ham/coedit/internal/event"
	"github.com/Iron-Ham/coedit/internal/feed"
	"github.com/Iron-Ham/coedit/internal/logging"
	"github.com/Iron-Ham/coedit/internal/record"
	"github.com/Iron-Ham/coedit/internal/store"
)

// Attach follows the table's feed. Each (re)connect replays the table and
// replaces the view.
func (c *Cache) Attach(ctx context.Context, src feed.Source, opts ...feed.FollowOption) (*feed.Follower, error) {
	opts = append([]feed.FollowOption{feed.WithFollowLogger(c.logger)}, opts...)
	return feed.Follow(ctx, src, c.table, c.HandleChange, opts...)
}

// HandleChange merges one feed change into the view.
func (c *Cache) HandleChange(ch feed.Change) {
	if ch.Table != "" && ch.Table != c.table {
		return
	}
	switch {
	case ch.Type == feed.Disconnected:
		msg := ""
		if ch.Err != nil {
			msg = ch.Err.Error()
		}
		c.publish(event.NewFeedDisconnectedEvent(c.table, msg))
	case ch.Type == feed.ReplayDone:
		c.mu.Lock()
		rows := c.replay
		c.replaying, c.replay = false, nil
		c.mu.Unlock()
		n := c.replace(rows)
		c.publish(event.NewFeedResyncedEvent(c.table, n, ""))
	case ch.Replay:
		c.mu.Lock()
		if !c.replaying {
			c.replaying = true
			c.replay = make(map[string]record.Record)
		}
		c.replay[ch.Record.ID] = ch.Record.Clone()
		c.mu.Unlock()
	case ch.Type == feed.Insert || ch.Type == feed.Update:
		c.merge(ch.Record)
	case ch.Type == feed.Delete:
		c.Remove(ch.Record.ID)
	}
}

// merge applies a live remote change. Pending fields get the remote value
// as their new rollback target, since it is newer than the pre-edit value.
func (c *Cache) merge(remote record.Record) {
	c.mu.Lock()
	c.seq[remote.ID]++
	cur, ok := c.records[remote.ID]
	pending := c.priors[remote.ID]
	for k := range pending {
		v, had := remote.Fields[k]
		pending[k] = prior{value: v, had: had}
	}
	next := remote.Clone()
	if ok && c.policy == MergeFields {
		next = cur.Clone()
		for k, v := range remote.Fields {
			if _, inFlight := pending[k]; inFlight {
				continue
			}
			next.Fields[k] = v
		}
	}
	c.records[remote.ID] = next
	c.mu.Unlock()

	c.notify(Change{RecordID: remote.ID, Record: next.Clone()})
}

// replace swaps in rows as the whole view and drops optimistic state.
func (c *Cache) replace(rows map[string]record.Record) int {
	c.mu.Lock()
	c.records = make(map[string]record.Record, len(rows))
	for id, r := range rows {
		c.records[id] = r
	}
	c.priors = make(map[string]map[string]prior)
	c.gen++
	n := len(c.records)
	c.mu.Unlock()

	c.notify(Change{Resynced: true})
	return n
}

// Resync refetches the whole table and replaces the view. A failure is
// reported as a user-facing *errors.FeedError wrapping ErrFetchFailed and
// leaves the view untouched.
func (c *Cache) Resync(ctx context.Context) error {
	rows, err := c.repo.Query(ctx, c.table, store.Filter{})
	if err != nil {
		c.logger.Error("resync failed", logging.KeyTable, c.table, "error", err)
		c.publish(event.NewFeedResyncedEvent(c.table, 0, err.Error()))
		return errors.NewFeedError("resync failed", errors.Join(errors.ErrFetchFailed, err)).
			WithTable(c.table).WithUserFacing(true)
	}
	byID := make(map[string]record.Record, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}
	n := c.replace(byID)
	c.publish(event.NewFeedResyncedEvent(c.table, n, ""))
	return nil
}
