package editor

import (
	"context"
	"fmt"
	"sync"

	"github.com/Iron-Ham/coedit/internal/errors"
	"github.com/Iron-Ham/coedit/internal/event"
	"github.com/Iron-Ham/coedit/internal/logging"
)

// Session is the edit state of one (record, field) for the service's actor.
// Lock order: Service.mu before Session.mu.
type Session struct {
	svc      *Service
	recordID string
	field    string

	mu      sync.Mutex
	state   State
	busy    bool // a lock acquire is in flight
	value   any
	dirty   bool
	trigger Trigger
	lastErr error
}

// RecordID returns the edited record.
func (s *Session) RecordID() string { return s.recordID }

// Field returns the edited field.
func (s *Session) Field() string { return s.field }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastTrigger returns what caused the most recent transition.
func (s *Session) LastTrigger() Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trigger
}

// Err returns the error of the last failed commit while the session is
// still Editing, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// LockedBy reports the other actor holding this field, if any.
func (s *Session) LockedBy() (string, bool) {
	return s.svc.LockedBy(s.recordID, s.field)
}

// Value returns the pending value while editing, and the current record
// value otherwise.
func (s *Session) Value(ctx context.Context) (any, error) {
	s.mu.Lock()
	if s.state != Idle {
		v := s.value
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()

	r, err := s.svc.Get(ctx, s.recordID)
	if err != nil {
		return nil, err
	}
	return r.Get(s.field), nil
}

// transition must be called with s.mu held. It returns the event to
// publish once the lock is released.
func (s *Session) transition(to State, trig Trigger) event.Event {
	from := s.state
	s.state = to
	s.trigger = trig
	return event.NewEditStateChangedEvent(s.svc.clientID, s.recordID, s.field, from.String(), to.String())
}

func (s *Session) invalid(op string) error {
	return fmt.Errorf("%s %s.%s while %s: %w", op, s.recordID, s.field, s.state, errors.ErrInvalidTransition)
}

// BeginEdit acquires the field lock and enters Editing with the current
// value as the pending value. It returns a *errors.LockError naming the
// owner when another actor holds the field, and ErrInvalidTransition when
// the session is not Idle.
func (s *Session) BeginEdit(ctx context.Context, trig Trigger) error {
	if s.svc.isClosed() {
		return errors.ErrClosed
	}
	s.mu.Lock()
	if s.state != Idle || s.busy {
		err := s.invalid("begin edit")
		s.mu.Unlock()
		return err
	}
	s.busy = true
	s.mu.Unlock()

	current, err := s.svc.Get(ctx, s.recordID)
	if err == nil {
		err = s.svc.locks.TryAcquire(ctx, s.recordID, s.field, s.svc.actorID)
	}

	s.mu.Lock()
	s.busy = false
	if err != nil {
		s.mu.Unlock()
		s.svc.logger.Debug("begin edit refused", logging.KeyRecord, s.recordID, logging.KeyField, s.field, "error", err)
		return err
	}
	s.value = current.Get(s.field)
	s.dirty = false
	s.lastErr = nil
	ev := s.transition(Editing, trig)
	s.mu.Unlock()

	s.svc.publish(ev)
	s.svc.syncPresence(ctx, s.recordID)
	return nil
}

// SetValue replaces the pending value. It is only valid while Editing.
func (s *Session) SetValue(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Editing {
		return s.invalid("set value")
	}
	s.value = v
	s.dirty = true
	return nil
}

// Commit writes the pending value. On success the lock is released and the
// session returns to Idle. On a write failure the session goes back to
// Editing with the lock and the attempted value kept, and the
// *errors.CommitError is returned. When the lock was lost before the write,
// nothing is stored, the session drops to Idle and the *errors.LockError
// is returned.
func (s *Session) Commit(ctx context.Context, trig Trigger) error {
	s.mu.Lock()
	if s.state != Editing {
		err := s.invalid("commit")
		s.mu.Unlock()
		return err
	}
	value, dirty := s.value, s.dirty
	ev := s.transition(Saving, trig)
	s.mu.Unlock()
	s.svc.publish(ev)

	var err error
	if dirty {
		err = s.svc.commit(ctx, s.recordID, s.field, value)
	}

	if errors.Is(err, errors.ErrLockContention) {
		s.mu.Lock()
		s.value, s.dirty, s.lastErr = nil, false, err
		ev = s.transition(Idle, trig)
		s.mu.Unlock()
		s.svc.publish(ev)
		s.svc.syncPresence(ctx, s.recordID)
		return err
	}
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		ev = s.transition(Editing, trig)
		s.mu.Unlock()
		s.svc.publish(ev)
		return err
	}

	s.release(ctx)
	s.mu.Lock()
	s.value, s.dirty, s.lastErr = nil, false, nil
	ev = s.transition(Idle, trig)
	s.mu.Unlock()

	s.svc.publish(ev)
	s.svc.syncPresence(ctx, s.recordID)
	return nil
}

// Cancel discards the pending value and releases the lock. Cancelling an
// Idle session is a no-op; a Saving session cannot be cancelled.
func (s *Session) Cancel(ctx context.Context, trig Trigger) error {
	s.mu.Lock()
	switch s.state {
	case Idle:
		s.mu.Unlock()
		return nil
	case Saving:
		err := s.invalid("cancel")
		s.mu.Unlock()
		return err
	}
	s.value, s.dirty, s.lastErr = nil, false, nil
	ev := s.transition(Idle, trig)
	s.mu.Unlock()

	s.release(ctx)
	s.svc.publish(ev)
	s.svc.syncPresence(ctx, s.recordID)
	return nil
}

// release drops the field lock. A failure leaves the lock to lease expiry.
func (s *Session) release(ctx context.Context) {
	if err := s.svc.locks.Release(ctx, s.recordID, s.field, s.svc.actorID); err != nil {
		s.svc.logger.Warn("lock release failed, lease will expire",
			logging.KeyRecord, s.recordID, logging.KeyField, s.field, "error", err)
	}
}
