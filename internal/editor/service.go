// Package editor orchestrates collaborative field editing.
//
// A [Service] belongs to one client acting for one actor. For each
// (record, field) it hands out a [Session], a small state machine:
//
//	Idle --BeginEdit--> Editing --Commit--> Saving --ok--> Idle
//	                       ^                  |
//	                       +------failed------+
//	Editing --Cancel--> Idle
//
// BeginEdit acquires the field lock and fails fast when another actor
// holds it. Commit snapshots the stored record, writes the pending value
// together with any derived pricing fields, re-reads the record, diffs the
// two versions over the schema's allow-list and appends an audit entry when
// something meaningful changed. The lock is released last. A failed write
// leaves the session in Editing with the lock and the attempted value so
// the user can retry; a failed audit append is only logged.
//
// [Binding] adapts a Session to a typed value through a [Codec], so text,
// select, numeric and money inputs share one implementation.
package editor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Iron-Ham/coedit/internal/audit"
	"github.com/Iron-Ham/coedit/internal/cache"
	"github.com/Iron-Ham/coedit/internal/changemsg"
	"github.com/Iron-Ham/coedit/internal/diff"
	"github.com/Iron-Ham/coedit/internal/errors"
	"github.com/Iron-Ham/coedit/internal/event"
	"github.com/Iron-Ham/coedit/internal/fieldlock"
	"github.com/Iron-Ham/coedit/internal/logging"
	"github.com/Iron-Ham/coedit/internal/presence"
	"github.com/Iron-Ham/coedit/internal/pricing"
	"github.com/Iron-Ham/coedit/internal/record"
	"github.com/Iron-Ham/coedit/internal/store"
)

// Config wires a Service. Repo, Locks and ActorID are required.
type Config struct {
	ClientID string
	ActorID  string
	Schema   record.Schema

	Repo  store.Repository
	Locks *fieldlock.Registry

	// Cache, when set, receives optimistic writes and is rolled back on
	// failure.
	Cache *cache.Cache
	// Audit receives change history. nil disables auditing.
	Audit store.AuditSink
	// Recalculator expands pricing inputs into derived fields. nil
	// disables recalculation.
	Recalculator *pricing.Recalculator
	// Presence, when set, is switched between view and edit mode as
	// sessions on the tracked record open and close.
	Presence *presence.Tracker
	// Composer defaults to the schema's default templates.
	Composer *changemsg.Composer

	Bus    *event.Bus
	Logger *logging.Logger
	Now    func() time.Time
}

// Service is one client's editing front end for a record collection.
type Service struct {
	clientID string
	actorID  string
	schema   record.Schema

	repo     store.Repository
	locks    *fieldlock.Registry
	cache    *cache.Cache
	audit    store.AuditSink
	recalc   *pricing.Recalculator
	presence *presence.Tracker
	composer *changemsg.Composer
	diff     *diff.Engine
	bus      *event.Bus
	logger   *logging.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewService validates cfg and creates a Service.
func NewService(cfg Config) (*Service, error) {
	switch {
	case cfg.Repo == nil:
		return nil, errors.New("editor: repository is required")
	case cfg.Locks == nil:
		return nil, errors.New("editor: lock registry is required")
	case cfg.ActorID == "":
		return nil, errors.New("editor: actor id is required")
	case cfg.Schema.Table == "":
		return nil, errors.New("editor: schema table is required")
	}

	s := &Service{
		clientID: cfg.ClientID,
		actorID:  cfg.ActorID,
		schema:   cfg.Schema,
		repo:     cfg.Repo,
		locks:    cfg.Locks,
		cache:    cfg.Cache,
		audit:    cfg.Audit,
		recalc:   cfg.Recalculator,
		presence: cfg.Presence,
		composer: cfg.Composer,
		diff:     diff.NewEngine(cfg.Schema.Meaningful),
		bus:      cfg.Bus,
		logger:   cfg.Logger,
		now:      cfg.Now,
		sessions: make(map[string]*Session),
	}
	if s.clientID == "" {
		s.clientID = s.actorID
	}
	if s.composer == nil {
		s.composer = changemsg.NewComposer(cfg.Schema, nil)
	}
	if s.logger == nil {
		s.logger = logging.NopLogger()
	}
	s.logger = s.logger.WithClient(s.clientID).WithActor(s.actorID)
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// ActorID returns the acting user.
func (s *Service) ActorID() string { return s.actorID }

// Table returns the edited collection.
func (s *Service) Table() string { return s.schema.Table }

func (s *Service) publish(e event.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

// Session returns the session for (recordID, field), creating it on first
// use. Sessions live until the service is closed.
func (s *Service) Session(recordID, field string) *Session {
	key := store.LockKey(recordID, field)
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		return sess
	}
	sess := &Session{svc: s, recordID: recordID, field: field}
	s.sessions[key] = sess
	return sess
}

// Sessions returns the sessions currently in Editing or Saving.
func (s *Service) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Session
	for _, sess := range s.sessions {
		if sess.State() != Idle {
			out = append(out, sess)
		}
	}
	return out
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// LockedBy reports the other actor holding (recordID, field), if any.
func (s *Service) LockedBy(recordID, field string) (string, bool) {
	return s.locks.IsLockedByOther(recordID, field, s.actorID)
}

// Get returns the current view of a record: the cache when present, the
// repository otherwise.
func (s *Service) Get(ctx context.Context, recordID string) (record.Record, error) {
	if s.cache != nil {
		if r, ok := s.cache.Get(recordID); ok {
			return r, nil
		}
	}
	return s.repo.Get(ctx, s.schema.Table, recordID)
}

// Open marks the actor as viewing recordID.
func (s *Service) Open(ctx context.Context, recordID string) error {
	if s.presence == nil {
		return nil
	}
	mode := presence.ModeView
	if s.editing(recordID) {
		mode = presence.ModeEdit
	}
	return s.presence.Track(ctx, recordID, mode)
}

// Leave withdraws the actor's presence claim.
func (s *Service) Leave(ctx context.Context) error {
	if s.presence == nil {
		return nil
	}
	return s.presence.Untrack(ctx)
}

// Editors returns the other actors editing recordID.
func (s *Service) Editors(recordID string) []presence.Claim {
	if s.presence == nil {
		return nil
	}
	return s.presence.Editors(recordID)
}

func (s *Service) editing(recordID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.recordID == recordID && sess.State() != Idle {
			return true
		}
	}
	return false
}

func (s *Service) syncPresence(ctx context.Context, recordID string) {
	if s.presence == nil {
		return
	}
	if cur, ok := s.presence.Current(); !ok || cur != recordID {
		return
	}
	mode := presence.ModeView
	if s.editing(recordID) {
		mode = presence.ModeEdit
	}
	if err := s.presence.SetMode(ctx, mode); err != nil {
		s.logger.Warn("presence update failed", logging.KeyRecord, recordID, "error", err)
	}
}

// commit runs the write half of Session.Commit. It returns a
// *errors.CommitError when nothing was stored, or a *errors.LockError when
// the actor no longer holds the field's lock.
func (s *Service) commit(ctx context.Context, recordID, field string, value any) error {
	table := s.schema.Table
	log := s.logger.WithRecord(table, recordID).WithField(field)

	prior, err := s.repo.Get(ctx, table, recordID)
	if err != nil {
		return s.commitFailed(recordID, field, value, err)
	}
	if record.Equal(prior.Get(field), record.Normalize(value)) {
		log.Debug("commit without change")
		return nil
	}

	patch := record.Patch{field: value}
	if s.recalc != nil && s.recalc.Affects(field) {
		res, err := s.recalc.Expand(ctx, prior, patch)
		if err != nil {
			return s.commitFailed(recordID, field, value, err)
		}
		patch = res.Patch
		if res.Miss {
			log.Info("work item not in catalog, amounts zeroed", "work_item", record.Format(value))
			s.publish(event.NewRecalculationMissEvent(recordID, record.Format(value)))
		}
	}

	// the lease may have lapsed while the user typed; another actor may
	// hold the field now
	if err := s.locks.Confirm(ctx, recordID, field, s.actorID); err != nil {
		if errors.Is(err, errors.ErrLockContention) {
			log.Warn("lock lost before commit", "error", err)
			s.publish(event.NewCommitFailedEvent(table, recordID, field, err.Error()))
			return err
		}
		return s.commitFailed(recordID, field, value, err)
	}

	stored, err := s.write(ctx, prior, patch)
	if err != nil {
		return s.commitFailed(recordID, field, value, err)
	}

	next, err := s.repo.Get(ctx, table, recordID)
	if err != nil {
		log.Warn("re-read after commit failed, diffing the write result", "error", err)
		next = stored
	}

	snap := s.diff.Compute(prior, next)
	msg, ok := s.composer.Compose(snap, next)
	if ok {
		s.appendAudit(ctx, audit.NewEntry(table, recordID, audit.KindUpdate, s.actorID, msg, snap, s.now()))
	}
	log.Info("committed", "changed", snap.ChangedKeys)
	s.publish(event.NewRecordCommittedEvent(table, recordID, snap.ChangedKeys, msg))
	return nil
}

func (s *Service) write(ctx context.Context, prior record.Record, patch record.Patch) (record.Record, error) {
	if s.cache == nil {
		return s.repo.Update(ctx, s.schema.Table, prior.ID, patch)
	}
	if _, ok := s.cache.Get(prior.ID); !ok {
		s.cache.Put(prior)
	}
	return s.cache.CommitRemote(ctx, prior.ID, patch)
}

func (s *Service) commitFailed(recordID, field string, value any, cause error) error {
	var ce *errors.CommitError
	if !errors.As(cause, &ce) {
		ce = errors.NewCommitError("write failed", cause)
	}
	ce = ce.WithRecord(recordID).WithField(field).WithAttempted(value)
	s.logger.Warn("commit failed", logging.KeyRecord, recordID, logging.KeyField, field, "error", cause)
	s.publish(event.NewCommitFailedEvent(s.schema.Table, recordID, field, cause.Error()))
	return ce
}

// appendAudit stores e. Failures are logged and published, never returned.
func (s *Service) appendAudit(ctx context.Context, e audit.Entry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Append(ctx, e); err != nil {
		err = fmt.Errorf("%w: %w", errors.ErrAuditWrite, err)
		s.logger.Error("audit append failed", logging.KeyRecord, e.RecordID, "kind", string(e.Kind), "error", err)
		s.publish(event.NewAuditFailedEvent(e.RecordID, err.Error()))
		return
	}
	s.publish(event.NewAuditAppendedEvent(e.RecordID, string(e.Kind), e.Message))
}

// Create inserts a record, filling derived pricing fields, and audits the
// creation.
func (s *Service) Create(ctx context.Context, fields map[string]any) (record.Record, error) {
	if s.isClosed() {
		return record.Record{}, errors.ErrClosed
	}
	r := record.New("", fields)
	if s.recalc != nil {
		res, err := s.recalc.Expand(ctx, record.Record{}, record.Patch(r.Fields))
		if err != nil {
			return record.Record{}, fmt.Errorf("create: %w", err)
		}
		r = r.Apply(res.Patch)
	}

	stored, err := s.repo.Insert(ctx, s.schema.Table, r)
	if err != nil {
		return record.Record{}, fmt.Errorf("create: %w", err)
	}
	if s.cache != nil {
		s.cache.Put(stored)
	}

	snap := s.diff.Compute(record.Record{}, stored)
	s.appendAudit(ctx, audit.NewEntry(s.schema.Table, stored.ID, audit.KindCreate, s.actorID,
		s.composer.ComposeCreated(stored), snap, s.now()))
	return stored, nil
}

// Delete removes a record and audits the deletion. It is refused while
// another actor holds a lock on any of the record's fields.
func (s *Service) Delete(ctx context.Context, recordID string) error {
	if s.isClosed() {
		return errors.ErrClosed
	}
	for _, l := range s.locks.LocksOn(recordID) {
		if l.OwnerID != s.actorID {
			return errors.NewLockError("record is being edited", errors.ErrLockContention).
				WithRecord(recordID).WithField(l.Field).WithOwner(l.OwnerID)
		}
	}

	prior, err := s.repo.Get(ctx, s.schema.Table, recordID)
	if err != nil {
		return fmt.Errorf("delete %s: %w", recordID, err)
	}
	if err := s.repo.Delete(ctx, s.schema.Table, recordID); err != nil {
		return fmt.Errorf("delete %s: %w", recordID, err)
	}
	if s.cache != nil {
		s.cache.Remove(recordID)
	}
	for _, l := range s.locks.LocksOn(recordID) {
		if err := s.locks.Release(ctx, recordID, l.Field, s.actorID); err != nil {
			s.logger.Warn("release after delete failed", logging.KeyRecord, recordID, "error", err)
		}
	}

	snap := s.diff.Compute(prior, record.Record{ID: recordID})
	s.appendAudit(ctx, audit.NewEntry(s.schema.Table, recordID, audit.KindDelete, s.actorID,
		s.composer.ComposeDeleted(prior), snap, s.now()))
	return nil
}

// Edit sets one field without user interaction: it begins, sets and
// commits in one call. On a failed commit the session is cancelled so no
// lock is left behind.
func (s *Service) Edit(ctx context.Context, recordID, field string, value any) error {
	sess := s.Session(recordID, field)
	if err := sess.BeginEdit(ctx, TriggerProgrammatic); err != nil {
		return err
	}
	if err := sess.SetValue(value); err != nil {
		_ = sess.Cancel(ctx, TriggerProgrammatic)
		return err
	}
	if err := sess.Commit(ctx, TriggerProgrammatic); err != nil {
		if cerr := sess.Cancel(ctx, TriggerProgrammatic); cerr != nil {
			s.logger.Warn("cancel after failed edit", logging.KeyRecord, recordID, "error", cerr)
		}
		return err
	}
	return nil
}

// Trash marks a record as trashed. Trashing is an ordinary field edit.
func (s *Service) Trash(ctx context.Context, recordID string) error {
	return s.Edit(ctx, recordID, record.FieldTrashed, true)
}

// Close cancels open sessions, releases every lock the actor holds and
// withdraws presence. The service rejects new edits afterwards.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	var errs []error
	for _, sess := range sessions {
		if sess.State() == Editing {
			if err := sess.Cancel(ctx, TriggerProgrammatic); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := s.locks.ReleaseAll(ctx, s.actorID); err != nil {
		errs = append(errs, err)
	}
	if err := s.Leave(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
