package memstore

import (
	"context"
	"fmt"
	"slices"

	"github.com/Iron-Ham/coedit/internal/audit"
)

// Append implements store.AuditSink.
func (s *Store) Append(_ context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(OpAppendAudit, e.Table); err != nil {
		return err
	}
	if e.RecordID == "" {
		return fmt.Errorf("memstore: audit entry %s has no record", e.ID)
	}
	s.entries = append(s.entries, e)
	return nil
}

// ListAudit implements store.AuditLog. Entries come back in timestamp order.
func (s *Store) ListAudit(_ context.Context, q audit.Query) ([]audit.Entry, error) {
	s.mu.Lock()
	if err := s.injected(OpListAudit, q.Table); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	var out []audit.Entry
	for _, e := range s.entries {
		if q.Match(e) {
			out = append(out, e)
		}
	}
	s.mu.Unlock()

	slices.SortStableFunc(out, func(a, b audit.Entry) int { return a.Timestamp.Compare(b.Timestamp) })
	return q.Tail(out), nil
}
