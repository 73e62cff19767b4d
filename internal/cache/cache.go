// Package cache keeps a client's local view of one record collection.
//
// Local edits are applied immediately (optimistically) and written through
// the repository; a failed write restores the fields it touched. Remote
// changes arrive from the feed and are merged by replacing the whole
// record, or field by field under MergeFields. A feed replay or an explicit
// Resync replaces the view with the authoritative rows.
package cache

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/Iron-Ham/coedit/internal/errors"
	"github.com/Iron-Ham/coedit/internal/event"
	"github.com/Iron-Ham/coedit/internal/logging"
	"github.com/Iron-Ham/coedit/internal/record"
	"github.com/Iron-Ham/coedit/internal/store"
)

// MergePolicy selects how remote changes combine with the local view.
type MergePolicy int

const (
	// MergeReplace takes the remote record as a whole (last writer wins).
	MergeReplace MergePolicy = iota
	// MergeFields takes remote fields except those with a local write in
	// flight.
	MergeFields
)

// ParseMergePolicy maps a config value to a policy.
func ParseMergePolicy(s string) (MergePolicy, bool) {
	switch s {
	case "", "replace", "lww":
		return MergeReplace, true
	case "fields", "field":
		return MergeFields, true
	}
	return MergeReplace, false
}

func (p MergePolicy) String() string {
	if p == MergeFields {
		return "fields"
	}
	return "replace"
}

// prior is the pre-edit value of one optimistically changed field.
type prior struct {
	value any
	had   bool
}

// Cache is the local view of one table.
type Cache struct {
	table  string
	repo   store.Repository
	bus    *event.Bus
	logger *logging.Logger
	policy MergePolicy

	mu        sync.RWMutex
	records   map[string]record.Record
	priors    map[string]map[string]prior // recordID -> field -> pre-edit value
	seq       map[string]uint64           // feed deliveries per record
	gen       uint64                      // bumped on every full replace
	replaying bool
	replay    map[string]record.Record
	watchers  []func(Change)
}

// Change is delivered to watchers after the view changes.
type Change struct {
	RecordID string
	Record   record.Record // zero when Deleted
	Deleted  bool
	Resynced bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithBus publishes cache events to bus.
func WithBus(bus *event.Bus) Option { return func(c *Cache) { c.bus = bus } }

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option { return func(c *Cache) { c.logger = l } }

// WithMergePolicy sets the remote merge policy.
func WithMergePolicy(p MergePolicy) Option { return func(c *Cache) { c.policy = p } }

// New creates an empty cache of table over repo.
func New(table string, repo store.Repository, opts ...Option) *Cache {
	c := &Cache{
		table:   table,
		repo:    repo,
		logger:  logging.NopLogger(),
		records: make(map[string]record.Record),
		priors:  make(map[string]map[string]prior),
		seq:     make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Table returns the cached table name.
func (c *Cache) Table() string { return c.table }

func (c *Cache) publish(e event.Event) {
	if c.bus != nil {
		c.bus.Publish(e)
	}
}

// Get returns the local view of a record.
func (c *Cache) Get(id string) (record.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.records[id]
	if !ok {
		return record.Record{}, false
	}
	return r.Clone(), true
}

// List returns every record ordered by serial, then ID.
func (c *Cache) List() []record.Record {
	c.mu.RLock()
	out := make([]record.Record, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, r.Clone())
	}
	c.mu.RUnlock()

	slices.SortFunc(out, func(a, b record.Record) int {
		as, _ := a.Get(record.FieldSerial).(float64)
		bs, _ := b.Get(record.FieldSerial).(float64)
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// Len returns the number of cached records.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Pending reports whether recordID has optimistic fields awaiting a write.
func (c *Cache) Pending(recordID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.priors[recordID]) > 0
}

// Watch registers fn for view changes. fn runs outside the cache's lock.
func (c *Cache) Watch(fn func(Change)) {
	c.mu.Lock()
	c.watchers = append(c.watchers, fn)
	c.mu.Unlock()
}

func (c *Cache) notify(changes ...Change) {
	c.mu.RLock()
	fns := slices.Clone(c.watchers)
	c.mu.RUnlock()
	for _, ch := range changes {
		for _, fn := range fns {
			fn(ch)
		}
	}
}

// Put stores r as authoritative, for example after a create.
func (c *Cache) Put(r record.Record) {
	c.mu.Lock()
	c.records[r.ID] = r.Clone()
	c.mu.Unlock()
	c.notify(Change{RecordID: r.ID, Record: r.Clone()})
}

// Remove drops a record from the view.
func (c *Cache) Remove(id string) {
	c.mu.Lock()
	_, ok := c.records[id]
	delete(c.records, id)
	delete(c.priors, id)
	c.seq[id]++
	c.mu.Unlock()
	if ok {
		c.notify(Change{RecordID: id, Deleted: true})
	}
}

// ApplyLocal applies patch to the local view immediately and remembers
// each touched field's previous value until the write settles. Stacked
// edits keep the oldest prior value.
func (c *Cache) ApplyLocal(recordID string, patch record.Patch) (record.Record, error) {
	c.mu.Lock()
	cur, ok := c.records[recordID]
	if !ok {
		c.mu.Unlock()
		return record.Record{}, errors.Join(errors.ErrNotFound, errors.New(c.table+"/"+recordID))
	}
	pr := c.priors[recordID]
	if pr == nil {
		pr = make(map[string]prior)
		c.priors[recordID] = pr
	}
	for k := range patch {
		if _, kept := pr[k]; !kept {
			v, had := cur.Fields[k]
			pr[k] = prior{value: v, had: had}
		}
	}
	next := cur.Apply(patch)
	c.records[recordID] = next
	c.mu.Unlock()

	c.notify(Change{RecordID: recordID, Record: next.Clone()})
	return next.Clone(), nil
}

// Rollback restores the named fields (all pending fields when none are
// named) to their pre-edit values, or to the latest remote value when the
// feed delivered one during the edit.
func (c *Cache) Rollback(recordID string, fields ...string) {
	c.mu.Lock()
	pr := c.priors[recordID]
	cur, ok := c.records[recordID]
	if !ok || len(pr) == 0 {
		c.mu.Unlock()
		return
	}
	if len(fields) == 0 {
		fields = slices.Collect(maps.Keys(pr))
	}
	next := cur.Clone()
	for _, k := range fields {
		p, kept := pr[k]
		if !kept {
			continue
		}
		if p.had {
			next.Fields[k] = p.value
		} else {
			delete(next.Fields, k)
		}
		delete(pr, k)
	}
	if len(pr) == 0 {
		delete(c.priors, recordID)
	}
	c.records[recordID] = next
	c.mu.Unlock()

	c.publish(event.NewRecordRolledBackEvent(c.table, recordID))
	c.notify(Change{RecordID: recordID, Record: next.Clone()})
}

// settle forgets prior values for fields whose write completed.
func (c *Cache) settle(recordID string, fields []string) {
	pr := c.priors[recordID]
	for _, k := range fields {
		delete(pr, k)
	}
	if len(pr) == 0 {
		delete(c.priors, recordID)
	}
}

// CommitRemote applies patch locally, writes it through the repository and
// returns the stored record. On failure the touched fields are rolled back
// and a *errors.CommitError is returned.
func (c *Cache) CommitRemote(ctx context.Context, recordID string, patch record.Patch) (record.Record, error) {
	if _, err := c.ApplyLocal(recordID, patch); err != nil {
		return record.Record{}, err
	}
	keys := patch.Keys()
	c.mu.RLock()
	gen, seq := c.gen, c.seq[recordID]
	c.mu.RUnlock()

	stored, err := c.repo.Update(ctx, c.table, recordID, patch)
	if err != nil {
		c.Rollback(recordID, keys...)
		ce := errors.NewCommitError("write failed", err).WithRecord(recordID)
		if len(keys) == 1 {
			ce = ce.WithField(keys[0]).WithAttempted(patch[keys[0]])
		}
		c.logger.Warn("commit failed, rolled back", logging.KeyTable, c.table, logging.KeyRecord, recordID, "error", err)
		return record.Record{}, ce
	}

	c.mu.Lock()
	c.settle(recordID, keys)
	if c.gen != gen || c.seq[recordID] != seq {
		// the feed already delivered this write or a newer one
		c.mu.Unlock()
		return stored, nil
	}
	// fields of other in-flight edits stay optimistic
	merged := stored.Clone()
	if cur, ok := c.records[recordID]; ok {
		for k := range c.priors[recordID] {
			if v, has := cur.Fields[k]; has {
				merged.Fields[k] = v
			}
		}
	}
	c.records[recordID] = merged
	c.mu.Unlock()

	c.notify(Change{RecordID: recordID, Record: merged.Clone()})
	return stored, nil
}
