// Package audit defines the append-only change history of records and a
// JSONL file sink for it.
package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/coedit/internal/diff"
)

// Kind classifies an audit entry.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Entry is one audit row. Entries are never updated or deleted.
type Entry struct {
	ID          string         `json:"id"`
	Table       string         `json:"table"`
	RecordID    string         `json:"record_id"`
	Kind        Kind           `json:"kind"`
	Message     string         `json:"message"`
	Diff        []string       `json:"diff,omitempty"`
	OldSnapshot map[string]any `json:"old_snapshot,omitempty"`
	NewSnapshot map[string]any `json:"new_snapshot,omitempty"`
	Actor       string         `json:"actor"`
	Timestamp   time.Time      `json:"timestamp"`
}

// NewEntry builds an entry from a diff snapshot, assigning a fresh ID.
func NewEntry(table, recordID string, kind Kind, actor, message string, snap diff.Snapshot, at time.Time) Entry {
	return Entry{
		ID:          uuid.NewString(),
		Table:       table,
		RecordID:    recordID,
		Kind:        kind,
		Message:     message,
		Diff:        snap.ChangedKeys,
		OldSnapshot: snap.Old,
		NewSnapshot: snap.New,
		Actor:       actor,
		Timestamp:   at.UTC(),
	}
}

// Query selects entries. Zero fields match everything.
type Query struct {
	Table    string
	RecordID string
	Actor    string
	Since    time.Time
	Limit    int // 0 = unlimited; otherwise the newest Limit entries
}

// Match reports whether e satisfies q, ignoring Limit.
func (q Query) Match(e Entry) bool {
	if q.Table != "" && e.Table != q.Table {
		return false
	}
	if q.RecordID != "" && e.RecordID != q.RecordID {
		return false
	}
	if q.Actor != "" && e.Actor != q.Actor {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	return true
}

// Tail trims chronologically ordered entries to q.Limit.
func (q Query) Tail(entries []Entry) []Entry {
	if q.Limit > 0 && len(entries) > q.Limit {
		return entries[len(entries)-q.Limit:]
	}
	return entries
}
