package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a "category.action" identifier such as
	// "lock.acquired" or "record.committed".
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// Event type identifiers.
const (
	TypeLockAcquired      = "lock.acquired"
	TypeLockReleased      = "lock.released"
	TypeLockContended     = "lock.contended"
	TypeLocksReplaced     = "lock.replaced"
	TypePresenceChanged   = "presence.changed"
	TypeRecordCommitted   = "record.committed"
	TypeCommitFailed      = "record.commit_failed"
	TypeRecordRolledBack  = "record.rolled_back"
	TypeRecalculationMiss = "record.recalculation_miss"
	TypeAuditAppended     = "audit.appended"
	TypeAuditFailed       = "audit.failed"
	TypeFeedDisconnected  = "feed.disconnected"
	TypeFeedResynced      = "feed.resynced"
	TypeEditStateChanged  = "editor.state_changed"
)

// -----------------------------------------------------------------------------
// Lock Events
// -----------------------------------------------------------------------------

// Lock release reasons.
const (
	ReleaseExplicit = "released"
	ReleaseExpired  = "expired"
	ReleaseForced   = "forced"
	ReleaseRemote   = "remote"
)

// LockAcquiredEvent is emitted when a field lock becomes held, locally or
// through a replicated insert.
type LockAcquiredEvent struct {
	baseEvent
	RecordID string
	Field    string
	Owner    string
}

// NewLockAcquiredEvent creates a LockAcquiredEvent.
func NewLockAcquiredEvent(recordID, field, owner string) LockAcquiredEvent {
	return LockAcquiredEvent{
		baseEvent: newBaseEvent(TypeLockAcquired),
		RecordID:  recordID,
		Field:     field,
		Owner:     owner,
	}
}

// LockReleasedEvent is emitted when a field lock goes away.
type LockReleasedEvent struct {
	baseEvent
	RecordID string
	Field    string
	Owner    string
	Reason   string // one of the Release* constants
}

// NewLockReleasedEvent creates a LockReleasedEvent.
func NewLockReleasedEvent(recordID, field, owner, reason string) LockReleasedEvent {
	return LockReleasedEvent{
		baseEvent: newBaseEvent(TypeLockReleased),
		RecordID:  recordID,
		Field:     field,
		Owner:     owner,
		Reason:    reason,
	}
}

// LockContendedEvent is emitted when an acquire loses to an existing owner.
type LockContendedEvent struct {
	baseEvent
	RecordID  string
	Field     string
	Requester string
	Owner     string
}

// NewLockContendedEvent creates a LockContendedEvent.
func NewLockContendedEvent(recordID, field, requester, owner string) LockContendedEvent {
	return LockContendedEvent{
		baseEvent: newBaseEvent(TypeLockContended),
		RecordID:  recordID,
		Field:     field,
		Requester: requester,
		Owner:     owner,
	}
}

// LocksReplacedEvent is emitted when a replay burst replaces the local lock
// projection wholesale.
type LocksReplacedEvent struct {
	baseEvent
	Count int
}

// NewLocksReplacedEvent creates a LocksReplacedEvent.
func NewLocksReplacedEvent(count int) LocksReplacedEvent {
	return LocksReplacedEvent{baseEvent: newBaseEvent(TypeLocksReplaced), Count: count}
}

// -----------------------------------------------------------------------------
// Presence Events
// -----------------------------------------------------------------------------

// PresenceChangedEvent carries the editors currently visible on a record,
// already filtered for the observing client.
type PresenceChangedEvent struct {
	baseEvent
	RecordID string
	Editors  []string // actor IDs, excluding the observer
}

// NewPresenceChangedEvent creates a PresenceChangedEvent.
func NewPresenceChangedEvent(recordID string, editors []string) PresenceChangedEvent {
	return PresenceChangedEvent{
		baseEvent: newBaseEvent(TypePresenceChanged),
		RecordID:  recordID,
		Editors:   editors,
	}
}

// -----------------------------------------------------------------------------
// Record Events
// -----------------------------------------------------------------------------

// RecordCommittedEvent is emitted after an authoritative write succeeds.
type RecordCommittedEvent struct {
	baseEvent
	Table       string
	RecordID    string
	ChangedKeys []string
	Message     string // empty when the change was not meaningful
}

// NewRecordCommittedEvent creates a RecordCommittedEvent.
func NewRecordCommittedEvent(table, recordID string, changedKeys []string, message string) RecordCommittedEvent {
	return RecordCommittedEvent{
		baseEvent:   newBaseEvent(TypeRecordCommitted),
		Table:       table,
		RecordID:    recordID,
		ChangedKeys: changedKeys,
		Message:     message,
	}
}

// CommitFailedEvent is emitted when an authoritative write fails.
type CommitFailedEvent struct {
	baseEvent
	Table    string
	RecordID string
	Field    string
	Error    string
}

// NewCommitFailedEvent creates a CommitFailedEvent.
func NewCommitFailedEvent(table, recordID, field, errMsg string) CommitFailedEvent {
	return CommitFailedEvent{
		baseEvent: newBaseEvent(TypeCommitFailed),
		Table:     table,
		RecordID:  recordID,
		Field:     field,
		Error:     errMsg,
	}
}

// RecordRolledBackEvent is emitted when an optimistic value is reverted.
type RecordRolledBackEvent struct {
	baseEvent
	Table    string
	RecordID string
}

// NewRecordRolledBackEvent creates a RecordRolledBackEvent.
func NewRecordRolledBackEvent(table, recordID string) RecordRolledBackEvent {
	return RecordRolledBackEvent{
		baseEvent: newBaseEvent(TypeRecordRolledBack),
		Table:     table,
		RecordID:  recordID,
	}
}

// RecalculationMissEvent is emitted when a work item has no catalog match
// and derived fields were zeroed.
type RecalculationMissEvent struct {
	baseEvent
	RecordID string
	WorkItem string
}

// NewRecalculationMissEvent creates a RecalculationMissEvent.
func NewRecalculationMissEvent(recordID, workItem string) RecalculationMissEvent {
	return RecalculationMissEvent{
		baseEvent: newBaseEvent(TypeRecalculationMiss),
		RecordID:  recordID,
		WorkItem:  workItem,
	}
}

// -----------------------------------------------------------------------------
// Audit Events
// -----------------------------------------------------------------------------

// AuditAppendedEvent is emitted after an audit entry is stored.
type AuditAppendedEvent struct {
	baseEvent
	RecordID string
	Kind     string
	Message  string
}

// NewAuditAppendedEvent creates an AuditAppendedEvent.
func NewAuditAppendedEvent(recordID, kind, message string) AuditAppendedEvent {
	return AuditAppendedEvent{
		baseEvent: newBaseEvent(TypeAuditAppended),
		RecordID:  recordID,
		Kind:      kind,
		Message:   message,
	}
}

// AuditFailedEvent is emitted when the audit sink rejects an entry.
type AuditFailedEvent struct {
	baseEvent
	RecordID string
	Error    string
}

// NewAuditFailedEvent creates an AuditFailedEvent.
func NewAuditFailedEvent(recordID, errMsg string) AuditFailedEvent {
	return AuditFailedEvent{
		baseEvent: newBaseEvent(TypeAuditFailed),
		RecordID:  recordID,
		Error:     errMsg,
	}
}

// -----------------------------------------------------------------------------
// Feed Events
// -----------------------------------------------------------------------------

// FeedDisconnectedEvent is emitted when a change feed subscription drops.
type FeedDisconnectedEvent struct {
	baseEvent
	Table string
	Error string
}

// NewFeedDisconnectedEvent creates a FeedDisconnectedEvent.
func NewFeedDisconnectedEvent(table, errMsg string) FeedDisconnectedEvent {
	return FeedDisconnectedEvent{
		baseEvent: newBaseEvent(TypeFeedDisconnected),
		Table:     table,
		Error:     errMsg,
	}
}

// FeedResyncedEvent is emitted after a full refetch. Error is set when the
// refetch failed and the user should be told.
type FeedResyncedEvent struct {
	baseEvent
	Table string
	Count int
	Error string
}

// NewFeedResyncedEvent creates a FeedResyncedEvent.
func NewFeedResyncedEvent(table string, count int, errMsg string) FeedResyncedEvent {
	return FeedResyncedEvent{
		baseEvent: newBaseEvent(TypeFeedResynced),
		Table:     table,
		Count:     count,
		Error:     errMsg,
	}
}

// -----------------------------------------------------------------------------
// Editor Events
// -----------------------------------------------------------------------------

// EditStateChangedEvent is emitted on every editor state transition.
type EditStateChangedEvent struct {
	baseEvent
	ClientID string
	RecordID string
	Field    string
	Previous string
	Current  string
}

// NewEditStateChangedEvent creates an EditStateChangedEvent.
func NewEditStateChangedEvent(clientID, recordID, field, previous, current string) EditStateChangedEvent {
	return EditStateChangedEvent{
		baseEvent: newBaseEvent(TypeEditStateChanged),
		ClientID:  clientID,
		RecordID:  recordID,
		Field:     field,
		Previous:  previous,
		Current:   current,
	}
}
