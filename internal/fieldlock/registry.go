package fieldlock

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/coedit/internal/errors"
	"github.com/Iron-Ham/coedit/internal/event"
	"github.com/Iron-Ham/coedit/internal/logging"
	"github.com/Iron-Ham/coedit/internal/store"
)

// Registry manages field locks for one client. It writes through the lock
// table and keeps a projection of every client's locks for local reads.
type Registry struct {
	table  store.LockTable
	bus    *event.Bus
	logger *logging.Logger
	now    func() time.Time

	ttl       time.Duration
	heartbeat time.Duration

	mu        sync.RWMutex
	locks     map[string]Lock // projection, keyed recordID::field
	replaying bool
	pending   map[string]Lock
	handlers  []func(Change)

	loopMu  sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	loopCtx context.Context
}

// NewRegistry creates a Registry over table. bus may be nil.
func NewRegistry(table store.LockTable, bus *event.Bus, opts ...Option) *Registry {
	r := &Registry{
		table:     table,
		bus:       bus,
		logger:    logging.NopLogger(),
		now:       time.Now,
		ttl:       DefaultLeaseTTL,
		heartbeat: DefaultHeartbeat,
		locks:     make(map[string]Lock),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) publish(e event.Event) {
	if r.bus != nil {
		r.bus.Publish(e)
	}
}

// Acquire claims (recordID, field) for actorID. It returns true when the
// conditional insert succeeded or actorID already holds the pair, and false
// when another actor holds it. A store failure is logged and reported as
// not acquired; it is never retried here.
func (r *Registry) Acquire(ctx context.Context, recordID, field, actorID string) bool {
	now := r.now()
	want := Lock{RecordID: recordID, Field: field, OwnerID: actorID, AcquiredAt: now, RenewedAt: now}

	held, inserted, err := r.table.InsertIfAbsent(ctx, want.row())
	if err != nil {
		r.logger.Warn("lock acquire failed",
			logging.KeyRecord, recordID, logging.KeyField, field, logging.KeyActor, actorID, "error", err)
		return false
	}

	switch {
	case inserted:
		if r.upsert(want) {
			r.publish(event.NewLockAcquiredEvent(recordID, field, actorID))
			r.notify(Change{Kind: Acquired, Lock: want})
		}
		return true
	case held.OwnerID == actorID:
		r.upsert(lockFromRow(held))
		return true
	default:
		if held.OwnerID != "" && r.upsert(lockFromRow(held)) {
			r.notify(Change{Kind: Acquired, Lock: lockFromRow(held)})
		}
		r.publish(event.NewLockContendedEvent(recordID, field, actorID, held.OwnerID))
		return false
	}
}

// TryAcquire is Acquire with contention reported as a *errors.LockError
// naming the owner.
func (r *Registry) TryAcquire(ctx context.Context, recordID, field, actorID string) error {
	if r.Acquire(ctx, recordID, field, actorID) {
		return nil
	}
	owner, _ := r.IsLockedByOther(recordID, field, actorID)
	return errors.NewLockError("field is being edited", errors.ErrLockContention).
		WithRecord(recordID).WithField(field).WithOwner(owner)
}

// Confirm renews actorID's lease on the pair in the lock table. When actorID
// no longer holds it, because the lease expired or another actor claimed
// it since, Confirm returns a *errors.LockError wrapping ErrLockContention.
func (r *Registry) Confirm(ctx context.Context, recordID, field, actorID string) error {
	key := store.LockKey(recordID, field)
	at := r.now()
	ok, err := r.table.RenewOwned(ctx, recordID, field, actorID, at)
	if err != nil {
		return fmt.Errorf("confirm %s: %w", key, err)
	}
	if !ok {
		r.dropLocal(key, actorID, event.ReleaseExpired)
		owner, _ := r.IsLockedByOther(recordID, field, actorID)
		return errors.NewLockError("field lock lost", errors.ErrLockContention).
			WithRecord(recordID).WithField(field).WithOwner(owner)
	}
	r.mu.Lock()
	if l, held := r.locks[key]; held && l.OwnerID == actorID {
		l.RenewedAt = at
		r.locks[key] = l
	}
	r.mu.Unlock()
	return nil
}

// Release deletes the pair's lock if actorID owns it. Releasing a lock that
// is not held by actorID is a no-op.
func (r *Registry) Release(ctx context.Context, recordID, field, actorID string) error {
	ok, err := r.table.DeleteOwned(ctx, recordID, field, actorID)
	if err != nil {
		return fmt.Errorf("release %s: %w", store.LockKey(recordID, field), err)
	}
	if ok {
		r.dropLocal(store.LockKey(recordID, field), actorID, event.ReleaseExplicit)
	}
	return nil
}

// ForceUnlock removes a lock held by ownerID regardless of who asks. It is
// the manual recovery path for locks orphaned by a crashed client.
func (r *Registry) ForceUnlock(ctx context.Context, recordID, field, ownerID string) error {
	ok, err := r.table.DeleteOwned(ctx, recordID, field, ownerID)
	if err != nil {
		return fmt.Errorf("force unlock %s: %w", store.LockKey(recordID, field), err)
	}
	if !ok {
		return fmt.Errorf("%s held by %s: %w", store.LockKey(recordID, field), ownerID, errors.ErrNotFound)
	}
	r.dropLocal(store.LockKey(recordID, field), ownerID, event.ReleaseForced)
	return nil
}

// ReleaseAll releases every lock the projection shows actorID holding.
func (r *Registry) ReleaseAll(ctx context.Context, actorID string) error {
	var errs []error
	for _, l := range r.LocksOf(actorID) {
		if err := r.Release(ctx, l.RecordID, l.Field, actorID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// dropLocal removes key from the projection if owner holds it there and
// reports the release.
func (r *Registry) dropLocal(key, owner, reason string) {
	r.mu.Lock()
	l, ok := r.locks[key]
	if ok && l.OwnerID == owner {
		delete(r.locks, key)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if ok {
		r.publish(event.NewLockReleasedEvent(l.RecordID, l.Field, l.OwnerID, reason))
		r.notify(Change{Kind: Released, Lock: l})
	}
}

// upsert stores l in the projection. It reports whether the owner changed.
func (r *Registry) upsert(l Lock) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.locks[l.Key()]
	r.locks[l.Key()] = l
	return !ok || prev.OwnerID != l.OwnerID
}

// IsLockedByOther reports the owner of the pair when it is someone other
// than selfID. It reads only the local projection.
func (r *Registry) IsLockedByOther(recordID, field, selfID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.locks[store.LockKey(recordID, field)]
	if !ok || l.OwnerID == selfID {
		return "", false
	}
	return l.OwnerID, true
}

// Owner returns the lock on the pair, if any.
func (r *Registry) Owner(recordID, field string) (Lock, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.locks[store.LockKey(recordID, field)]
	return l, ok
}

// Locks returns the projection ordered by record then field.
func (r *Registry) Locks() []Lock {
	r.mu.RLock()
	out := make([]Lock, 0, len(r.locks))
	for _, l := range r.locks {
		out = append(out, l)
	}
	r.mu.RUnlock()
	sortLocks(out)
	return out
}

// LocksOf returns the locks held by actorID.
func (r *Registry) LocksOf(actorID string) []Lock {
	return slices.DeleteFunc(r.Locks(), func(l Lock) bool { return l.OwnerID != actorID })
}

// LocksOn returns the locks held on one record.
func (r *Registry) LocksOn(recordID string) []Lock {
	return slices.DeleteFunc(r.Locks(), func(l Lock) bool { return l.RecordID != recordID })
}

func sortLocks(ls []Lock) {
	sort.Slice(ls, func(i, j int) bool {
		if ls[i].RecordID != ls[j].RecordID {
			return ls[i].RecordID < ls[j].RecordID
		}
		return ls[i].Field < ls[j].Field
	})
}

// WatchLocks registers a handler called on every projection change.
// Handlers run outside the registry's lock and may call its read methods.
func (r *Registry) WatchLocks(handler func(Change)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, handler)
}

func (r *Registry) notify(c Change) {
	r.mu.RLock()
	handlers := slices.Clone(r.handlers)
	r.mu.RUnlock()

	for _, h := range handlers {
		h(c)
	}
}
