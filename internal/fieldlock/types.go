package fieldlock

import (
	"time"

	"github.com/Iron-Ham/coedit/internal/logging"
	"github.com/Iron-Ham/coedit/internal/store"
)

// Lock is one held (record, field) pair.
type Lock struct {
	RecordID   string
	Field      string
	OwnerID    string
	AcquiredAt time.Time
	RenewedAt  time.Time
}

// Key returns the projection key.
func (l Lock) Key() string { return store.LockKey(l.RecordID, l.Field) }

func lockFromRow(r store.LockRow) Lock {
	return Lock{
		RecordID:   r.RecordID,
		Field:      r.Field,
		OwnerID:    r.OwnerID,
		AcquiredAt: r.AcquiredAt,
		RenewedAt:  r.RenewedAt,
	}
}

func (l Lock) row() store.LockRow {
	return store.LockRow{
		RecordID:   l.RecordID,
		Field:      l.Field,
		OwnerID:    l.OwnerID,
		AcquiredAt: l.AcquiredAt,
		RenewedAt:  l.RenewedAt,
	}
}

// ChangeKind classifies a projection change reported to watchers.
type ChangeKind int

const (
	Acquired ChangeKind = iota
	Released
	Replaced
)

func (k ChangeKind) String() string {
	switch k {
	case Acquired:
		return "acquired"
	case Released:
		return "released"
	case Replaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// Change is delivered to WatchLocks handlers. Lock is zero for Replaced.
type Change struct {
	Kind ChangeKind
	Lock Lock
}

// Default lease settings.
const (
	DefaultLeaseTTL  = 30 * time.Second
	DefaultHeartbeat = 10 * time.Second
)

// Option configures a Registry.
type Option func(*Registry)

// WithLeaseTTL sets how long a lock survives without renewal. Zero
// disables expiry.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.ttl = ttl }
}

// WithHeartbeat sets the renewal interval used by Start.
func WithHeartbeat(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.heartbeat = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) { r.logger = l }
}
