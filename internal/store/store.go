// Package store declares the ports the editing core consumes: the remote
// record repository, the field lock table and the audit log.
//
// Implementations live in subpackages: memstore (in-process, used by the
// simulator and tests) and sqlstore (Postgres or SQLite).
package store

import (
	"context"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Iron-Ham/coedit/internal/audit"
	"github.com/Iron-Ham/coedit/internal/errors"
	"github.com/Iron-Ham/coedit/internal/record"
)

// LocksTable is the feed table name carrying field lock rows.
const LocksTable = "field_locks"

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.ErrNotFound

// Filter narrows a Query. Zero values match everything.
type Filter struct {
	// Equals matches records whose fields equal every given value.
	Equals map[string]any
	// IDs restricts the result to the given record IDs.
	IDs []string
	// Limit caps the number of records returned (0 = unlimited).
	Limit int
}

// Match reports whether r satisfies the filter, ignoring Limit.
func (f Filter) Match(r record.Record) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, r.ID) {
		return false
	}
	for k, v := range f.Equals {
		if !record.Equal(r.Get(k), v) {
			return false
		}
	}
	return true
}

// Repository is the remote record store. It is the source of truth.
type Repository interface {
	Get(ctx context.Context, table, id string) (record.Record, error)
	Query(ctx context.Context, table string, f Filter) ([]record.Record, error)
	Insert(ctx context.Context, table string, r record.Record) (record.Record, error)
	// Update applies patch and returns the stored record afterwards.
	Update(ctx context.Context, table, id string, patch record.Patch) (record.Record, error)
	Delete(ctx context.Context, table, id string) error
}

// LockRow is one field lock as stored in the lock table.
type LockRow struct {
	RecordID   string    `json:"record_id"`
	Field      string    `json:"field_name"`
	OwnerID    string    `json:"owner_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	RenewedAt  time.Time `json:"renewed_at"`
}

// LockKey returns the projection key for a (record, field) pair.
func LockKey(recordID, field string) string {
	return recordID + "::" + field
}

// Key returns the row's projection key.
func (l LockRow) Key() string { return LockKey(l.RecordID, l.Field) }

// Expired reports whether the lease lapsed at now for the given TTL.
func (l LockRow) Expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && !l.RenewedAt.Add(ttl).After(now)
}

// ToRecord encodes the row as a feed record keyed by Key.
func (l LockRow) ToRecord() record.Record {
	return record.New(l.Key(), map[string]any{
		"record_id":   l.RecordID,
		"field_name":  l.Field,
		"owner_id":    l.OwnerID,
		"acquired_at": l.AcquiredAt.UnixMilli(),
		"renewed_at":  l.RenewedAt.UnixMilli(),
	})
}

// LockRowFromRecord decodes a feed record produced by ToRecord or by a
// database notification. Records without record_id fall back to parsing
// the ID.
func LockRowFromRecord(r record.Record) LockRow {
	row := LockRow{
		RecordID:   r.String("record_id"),
		Field:      r.String("field_name"),
		OwnerID:    r.String("owner_id"),
		AcquiredAt: millis(r.Get("acquired_at")),
		RenewedAt:  millis(r.Get("renewed_at")),
	}
	if row.RecordID == "" || row.Field == "" {
		if rec, field, ok := strings.Cut(r.ID, "::"); ok {
			row.RecordID, row.Field = rec, field
		}
	}
	return row
}

func millis(v any) time.Time {
	switch t := v.(type) {
	case float64:
		return time.UnixMilli(int64(t))
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.UnixMilli(n)
		}
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// LockTable persists field locks. InsertIfAbsent is the only arbitration
// point between clients: it must be atomic under a uniqueness constraint on
// (RecordID, Field).
type LockTable interface {
	// InsertIfAbsent stores row unless a lock for the pair exists. It
	// returns the row that holds the pair afterwards and whether this call
	// inserted it.
	InsertIfAbsent(ctx context.Context, row LockRow) (held LockRow, inserted bool, err error)
	// DeleteOwned removes the pair's lock only if ownerID holds it.
	DeleteOwned(ctx context.Context, recordID, field, ownerID string) (bool, error)
	// Renew bumps RenewedAt on every lock held by ownerID.
	Renew(ctx context.Context, ownerID string, at time.Time) (int, error)
	// RenewOwned bumps RenewedAt on the pair's lock only if ownerID holds
	// it, and reports whether it did.
	RenewOwned(ctx context.Context, recordID, field, ownerID string, at time.Time) (bool, error)
	// DeleteExpired removes locks last renewed before cutoff and returns them.
	DeleteExpired(ctx context.Context, cutoff time.Time) ([]LockRow, error)
	// ListLocks returns every lock, ordered by record then field.
	ListLocks(ctx context.Context) ([]LockRow, error)
}

// AuditSink accepts audit entries. Callers treat failures as non-fatal.
type AuditSink interface {
	Append(ctx context.Context, e audit.Entry) error
}

// AuditLog is an AuditSink that can be read back.
type AuditLog interface {
	AuditSink
	ListAudit(ctx context.Context, q audit.Query) ([]audit.Entry, error)
}

// SortLocks orders rows by record then field.
func SortLocks(rows []LockRow) {
	slices.SortFunc(rows, func(a, b LockRow) int {
		if c := strings.Compare(a.RecordID, b.RecordID); c != 0 {
			return c
		}
		return strings.Compare(a.Field, b.Field)
	})
}

// CloneFields copies a field map so stored state cannot be mutated through
// returned records.
func CloneFields(r record.Record) record.Record {
	return record.Record{ID: r.ID, Fields: maps.Clone(r.Fields)}
}
