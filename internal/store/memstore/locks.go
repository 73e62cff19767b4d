package memstore

import (
	"context"
	"time"

	"github.com/Iron-Ham/coedit/internal/feed"
	"github.com/Iron-Ham/coedit/internal/store"
)

func lockChange(t feed.ChangeType, l store.LockRow) feed.Change {
	return feed.Change{Type: t, Table: store.LocksTable, Record: l.ToRecord()}
}

// InsertIfAbsent implements store.LockTable. The check and the insert happen
// under one mutex, which is the in-memory equivalent of the primary key.
func (s *Store) InsertIfAbsent(_ context.Context, row store.LockRow) (store.LockRow, bool, error) {
	s.mu.Lock()
	if err := s.injected(OpInsertLock, store.LocksTable); err != nil {
		s.mu.Unlock()
		return store.LockRow{}, false, err
	}
	if held, ok := s.locks[row.Key()]; ok {
		s.mu.Unlock()
		return held, false, nil
	}
	s.locks[row.Key()] = row
	s.commit(lockChange(feed.Insert, row))
	return row, true, nil
}

// DeleteOwned implements store.LockTable.
func (s *Store) DeleteOwned(_ context.Context, recordID, field, ownerID string) (bool, error) {
	key := store.LockKey(recordID, field)
	s.mu.Lock()
	if err := s.injected(OpDeleteLock, store.LocksTable); err != nil {
		s.mu.Unlock()
		return false, err
	}
	held, ok := s.locks[key]
	if !ok || held.OwnerID != ownerID {
		s.mu.Unlock()
		return false, nil
	}
	delete(s.locks, key)
	s.commit(lockChange(feed.Delete, held))
	return true, nil
}

// Renew implements store.LockTable. Renewals publish updates so replicas
// see fresh lease times.
func (s *Store) Renew(_ context.Context, ownerID string, at time.Time) (int, error) {
	s.mu.Lock()
	if err := s.injected(OpRenew, store.LocksTable); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	var changes []feed.Change
	for key, l := range s.locks {
		if l.OwnerID != ownerID {
			continue
		}
		l.RenewedAt = at
		s.locks[key] = l
		changes = append(changes, lockChange(feed.Update, l))
	}
	s.commit(changes...)
	return len(changes), nil
}

// RenewOwned implements store.LockTable.
func (s *Store) RenewOwned(_ context.Context, recordID, field, ownerID string, at time.Time) (bool, error) {
	key := store.LockKey(recordID, field)
	s.mu.Lock()
	if err := s.injected(OpRenew, store.LocksTable); err != nil {
		s.mu.Unlock()
		return false, err
	}
	held, ok := s.locks[key]
	if !ok || held.OwnerID != ownerID {
		s.mu.Unlock()
		return false, nil
	}
	held.RenewedAt = at
	s.locks[key] = held
	s.commit(lockChange(feed.Update, held))
	return true, nil
}

// DeleteExpired implements store.LockTable.
func (s *Store) DeleteExpired(_ context.Context, cutoff time.Time) ([]store.LockRow, error) {
	s.mu.Lock()
	if err := s.injected(OpDeleteExpired, store.LocksTable); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	var expired []store.LockRow
	for key, l := range s.locks {
		if l.RenewedAt.Before(cutoff) {
			expired = append(expired, l)
			delete(s.locks, key)
		}
	}
	store.SortLocks(expired)
	changes := make([]feed.Change, len(expired))
	for i, l := range expired {
		changes[i] = lockChange(feed.Delete, l)
	}
	s.commit(changes...)
	return expired, nil
}

// ListLocks implements store.LockTable.
func (s *Store) ListLocks(_ context.Context) ([]store.LockRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(OpListLocks, store.LocksTable); err != nil {
		return nil, err
	}
	out := make([]store.LockRow, 0, len(s.locks))
	for _, l := range s.locks {
		out = append(out, l)
	}
	store.SortLocks(out)
	return out, nil
}

// LockCount returns the number of held locks.
func (s *Store) LockCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.locks)
}
