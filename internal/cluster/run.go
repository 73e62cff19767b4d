package cluster

import (
	"context"
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/Iron-Ham/coedit/internal/audit"
	"github.com/Iron-Ham/coedit/internal/editor"
	"github.com/Iron-Ham/coedit/internal/errors"
	"github.com/Iron-Ham/coedit/internal/event"
	"github.com/Iron-Ham/coedit/internal/presence"
	"github.com/Iron-Ham/coedit/internal/pricing"
	"github.com/Iron-Ham/coedit/internal/record"
	"github.com/Iron-Ham/coedit/internal/store"
)

// Report summarizes a simulation.
type Report struct {
	Clients int
	Records int
	Rounds  int

	Attempts       int64
	Commits        int64
	Contended      int64
	CommitFailures int64
	Cancels        int64
	Crashes        int64
	RecalcMisses   int64
	AuditEntries   int
	AuditFailures  int64
	ExpiredLocks   int
	StalePresence  int
	// PricingDrift counts records whose derived amounts disagree with
	// their inputs after concurrent edits of different pricing fields.
	// Writes to different fields are unordered, so this is reported, not
	// treated as a violation.
	PricingDrift int

	Violations []string
	Elapsed    time.Duration
}

// OK reports whether every invariant held.
func (r Report) OK() bool { return len(r.Violations) == 0 }

type counters struct {
	attempts, commits, contended, commitFailures, cancels, crashes atomic.Int64
	meaningful, auditFailures, recalcMisses                          atomic.Int64

	mu         sync.Mutex
	violations []string
}

func (s *counters) subscribe(bus *event.Bus) {
	bus.Subscribe(event.TypeRecordCommitted, func(e event.Event) {
		if ev, ok := e.(event.RecordCommittedEvent); ok && ev.Message != "" {
			s.meaningful.Add(1)
		}
	})
	bus.Subscribe(event.TypeAuditFailed, func(event.Event) { s.auditFailures.Add(1) })
	bus.Subscribe(event.TypeRecalculationMiss, func(event.Event) { s.recalcMisses.Add(1) })
}

func (s *counters) violate(msg string) {
	s.mu.Lock()
	s.violations = append(s.violations, msg)
	s.mu.Unlock()
}

var editableFields = []string{
	record.FieldTitle,
	record.FieldNotes,
	record.FieldAssignee,
	record.FieldStatus,
	record.FieldQuantity,
	record.FieldWorkItem,
	record.FieldFlatAdjustment,
}

// Run plays opts.Rounds rounds. In each round every live client performs
// one edit concurrently. Afterwards faults are switched off, abandoned
// leases are expired and the invariants are checked.
func (c *Cluster) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	c.EnableFaults()

	for round := range c.opts.Rounds {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		var wg conc.WaitGroup
		live := c.Live()
		if len(live) == 0 {
			c.logger.Warn("every client crashed", "round", round)
			break
		}
		for _, cl := range live {
			wg.Go(func() { c.step(ctx, cl) })
		}
		wg.Wait()
	}

	c.DisableFaults()
	rep := Report{
		Clients: c.opts.Clients,
		Records: c.opts.Records,
		Rounds:  c.opts.Rounds,
	}
	if err := c.recover(ctx, &rep); err != nil {
		return rep, err
	}
	if err := c.verify(ctx, &rep); err != nil {
		return rep, err
	}

	rep.Attempts = c.stats.attempts.Load()
	rep.Commits = c.stats.commits.Load()
	rep.Contended = c.stats.contended.Load()
	rep.CommitFailures = c.stats.commitFailures.Load()
	rep.Cancels = c.stats.cancels.Load()
	rep.Crashes = c.stats.crashes.Load()
	rep.RecalcMisses = c.stats.recalcMisses.Load()
	rep.AuditFailures = c.stats.auditFailures.Load()
	c.stats.mu.Lock()
	rep.Violations = slices.Clone(c.stats.violations)
	c.stats.mu.Unlock()
	rep.Elapsed = time.Since(start)
	return rep, nil
}

// step is one user interaction: open a record, try to edit one field, then
// commit, cancel or crash.
func (c *Cluster) step(ctx context.Context, cl *Client) {
	recordID := c.Records[cl.rng.IntN(len(c.Records))]
	field := editableFields[cl.rng.IntN(len(editableFields))]
	svc := cl.Service

	if err := svc.Open(ctx, recordID); err != nil {
		c.logger.Warn("open failed", "client", cl.ID, "error", err)
	}

	c.stats.attempts.Add(1)
	sess := svc.Session(recordID, field)
	if err := sess.BeginEdit(ctx, editor.TriggerPointer); err != nil {
		if errors.Is(err, errors.ErrLockContention) {
			c.stats.contended.Add(1)
			return
		}
		c.logger.Warn("begin edit failed", "client", cl.ID, "error", err)
		return
	}
	key := lockKey(sess)
	c.claim(key, cl.Actor)

	if cl.rng.Float64() < c.opts.CrashRate {
		c.stats.crashes.Add(1)
		cl.crash()
		return
	}

	if err := sess.SetValue(randomValue(cl.rng, field)); err != nil {
		c.stats.violate(fmt.Sprintf("%s: set value on fresh session: %v", cl.ID, err))
	}

	if cl.rng.Float64() < 0.1 {
		c.unclaim(key, cl.Actor)
		if err := sess.Cancel(ctx, editor.TriggerKeyboard); err != nil {
			c.stats.violate(fmt.Sprintf("%s: cancel: %v", cl.ID, err))
		}
		c.stats.cancels.Add(1)
		return
	}

	// one retry, then give up the way a user would
	for attempt := 0; attempt < 2; attempt++ {
		c.unclaim(key, cl.Actor)
		err := sess.Commit(ctx, editor.TriggerKeyboard)
		if err == nil {
			c.stats.commits.Add(1)
			return
		}
		c.stats.commitFailures.Add(1)
		if errors.Is(err, errors.ErrLockContention) {
			if sess.State() != editor.Idle {
				c.stats.violate(fmt.Sprintf("%s: lost lock left session %s", cl.ID, sess.State()))
			}
			return
		}
		if sess.State() != editor.Editing {
			c.stats.violate(fmt.Sprintf("%s: failed commit left session %s", cl.ID, sess.State()))
			return
		}
		c.claim(key, cl.Actor)
	}
	c.unclaim(key, cl.Actor)
	if err := sess.Cancel(ctx, editor.TriggerKeyboard); err != nil {
		c.stats.violate(fmt.Sprintf("%s: cancel after failures: %v", cl.ID, err))
	}
	c.stats.cancels.Add(1)
}

func randomValue(rng *rand.Rand, field string) any {
	switch field {
	case record.FieldQuantity:
		return rng.IntN(10) + 1
	case record.FieldFlatAdjustment:
		return float64(rng.IntN(200) - 100)
	case record.FieldStatus:
		return []string{"open", "in_progress", "done"}[rng.IntN(3)]
	case record.FieldWorkItem:
		// WI-404 is not in the catalog
		return []string{"WI-100", "WI-200", "WI-404"}[rng.IntN(3)]
	case record.FieldAssignee:
		return actorNames[rng.IntN(len(actorNames))]
	default:
		return fmt.Sprintf("%s %04d", field, rng.IntN(10000))
	}
}

// recover expires the leases of crashed clients and sweeps their presence.
func (c *Cluster) recover(ctx context.Context, rep *Report) error {
	live := c.Live()
	if len(live) == len(c.Clients) {
		return nil
	}
	c.Clock.Advance(c.opts.LeaseTTL + time.Second)
	// any registry can sweep; the lock table is shared
	expired, err := c.Clients[0].Locks.ExpireStale(ctx)
	if err != nil {
		return err
	}
	rep.ExpiredLocks = len(expired)
	for _, l := range expired {
		c.unclaim(l.Key(), l.OwnerID)
	}

	// live clients heartbeat past the presence timeout; crashed ones cannot
	c.Clock.Advance(presence.DefaultTimeout + time.Second)
	for _, cl := range live {
		if cur, ok := cl.Tracker.Current(); ok {
			if err := cl.Service.Open(ctx, cur); err != nil {
				return err
			}
		}
	}
	c.Hub.Sweep()
	return nil
}

// verify checks convergence once the cluster is quiet.
func (c *Cluster) verify(ctx context.Context, rep *Report) error {
	table := c.schema.Table

	rows, err := c.Store.ListLocks(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		c.stats.violate(fmt.Sprintf("lock %s left held by %s", row.Key(), row.OwnerID))
	}
	c.holdMu.Lock()
	for key, actor := range c.holders {
		c.stats.violate(fmt.Sprintf("harness still sees %s held by %s", key, actor))
	}
	c.holdMu.Unlock()

	records, err := c.Store.Query(ctx, table, store.Filter{})
	if err != nil {
		return err
	}
	for _, cl := range c.Live() {
		if n := len(cl.Locks.Locks()); n != len(rows) {
			c.stats.violate(fmt.Sprintf("%s projects %d locks, store has %d", cl.ID, n, len(rows)))
		}
		if open := cl.Service.Sessions(); len(open) > 0 {
			c.stats.violate(fmt.Sprintf("%s has %d sessions still open", cl.ID, len(open)))
		}
		if cl.Cache.Len() != len(records) {
			c.stats.violate(fmt.Sprintf("%s caches %d records, store has %d", cl.ID, cl.Cache.Len(), len(records)))
		}
		for _, want := range records {
			got, ok := cl.Cache.Get(want.ID)
			if !ok {
				c.stats.violate(fmt.Sprintf("%s is missing %s", cl.ID, want.ID))
				continue
			}
			if k, differs := firstDifference(got, want); differs {
				c.stats.violate(fmt.Sprintf("%s diverged on %s.%s: %v != %v",
					cl.ID, want.ID, k, got.Get(k), want.Get(k)))
			}
		}
	}

	entries, err := c.Store.ListAudit(ctx, audit.Query{Table: table})
	if err != nil {
		return err
	}
	rep.AuditEntries = len(entries)
	updates := 0
	for _, e := range entries {
		if e.Kind == audit.KindUpdate {
			updates++
		}
	}
	if got, want := int64(updates)+c.stats.auditFailures.Load(), c.stats.meaningful.Load(); got != want {
		c.stats.violate(fmt.Sprintf("%d audited or failed updates for %d meaningful commits", got, want))
	}

	rules := pricing.DefaultRules()
	for _, r := range records {
		want := pricing.Recalculate(rules.InputsFrom(r)).BaseAmount
		got, _ := r.Get(record.FieldBaseAmount).(float64)
		if !want.Equal(decimal.NewFromFloat(got)) {
			rep.PricingDrift++
		}
	}

	crashed := make(map[string]bool)
	for _, cl := range c.Clients {
		if cl.Crashed() {
			crashed[cl.Actor] = true
		}
	}
	for _, m := range c.Hub.Members() {
		if crashed[m.ActorID] {
			rep.StalePresence++
			c.stats.violate(fmt.Sprintf("crashed %s still present on %s", m.ActorID, m.RecordID))
		}
	}
	return nil
}

// firstDifference returns the first field, in name order, whose values
// differ between a and b.
func firstDifference(a, b record.Record) (string, bool) {
	keys := slices.Sorted(maps.Keys(a.Fields))
	for k := range b.Fields {
		if !a.Has(k) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		if !record.Equal(a.Get(k), b.Get(k)) {
			return k, true
		}
	}
	return "", false
}
