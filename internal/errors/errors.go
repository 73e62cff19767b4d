// Package errors provides the error vocabulary of the editing core: sentinel
// errors for each failure class, typed errors that carry the record and
// field involved, and classification helpers.
//
// # Failure Classes
//
// The core recognises five failure classes. None of them is fatal:
//
//   - [ErrLockContention]: another actor holds the field. The edit is refused
//     and the current owner is shown.
//   - [ErrCommitFailed]: the authoritative write failed. The editor stays in
//     Editing with the attempted value and keeps the lock for a retry.
//   - [ErrRecalculationMiss]: a work-item lookup found nothing. Derived
//     fields are zeroed; this is a normal outcome.
//   - [ErrAuditWrite]: the audit append failed. Logged only; never rolls back
//     the commit or blocks unlock.
//   - [ErrFeedDisconnected]: the realtime feed dropped. Recovered with a full
//     refetch; only a failed refetch ([ErrFetchFailed]) is user-visible.
//
// # Usage
//
//	err := errors.NewLockError("field is being edited", errors.ErrLockContention).
//	    WithRecord("task-123").WithField("title").WithOwner("ana")
//
//	if errors.Is(err, errors.ErrLockContention) { ... }
//
//	var lockErr *errors.LockError
//	if errors.As(err, &lockErr) { showOwner(lockErr.Owner) }
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions so callers need one import.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Failure-class sentinels.
var (
	// ErrLockContention indicates another actor holds the field lock.
	ErrLockContention = New("field is locked by another actor")
	// ErrCommitFailed indicates the authoritative write failed.
	ErrCommitFailed = New("commit failed")
	// ErrRecalculationMiss indicates a derived-field lookup found no match.
	ErrRecalculationMiss = New("no catalog match for work item")
	// ErrAuditWrite indicates the audit sink rejected an entry.
	ErrAuditWrite = New("audit write failed")
	// ErrFeedDisconnected indicates the realtime feed dropped.
	ErrFeedDisconnected = New("realtime feed disconnected")
	// ErrFetchFailed indicates a full resync fetch failed.
	ErrFetchFailed = New("failed to fetch records")
)

// Editor and store sentinels.
var (
	// ErrNotFound indicates a record or lock row does not exist.
	ErrNotFound = New("not found")
	// ErrNotOwner indicates an actor tried to release a lock it does not own.
	ErrNotOwner = New("actor does not own this lock")
	// ErrInvalidTransition indicates an editor state machine misuse, such as
	// committing a field that is not being edited.
	ErrInvalidTransition = New("invalid edit state transition")
	// ErrClosed indicates use of a disposed service.
	ErrClosed = New("service closed")
)

// CoeditError is implemented by every typed error in this package.
type CoeditError interface {
	error
	Unwrap() error
	Severity() Severity
	IsRetryable() bool
	IsUserFacing() bool
}

type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

func (e *baseError) Unwrap() error      { return e.cause }
func (e *baseError) Severity() Severity { return e.severity }
func (e *baseError) IsRetryable() bool  { return e.retryable }
func (e *baseError) IsUserFacing() bool { return e.userFacing }

// format renders "<kind> [k=v, ...]: message: cause".
func (e *baseError) format(kind string, parts []string) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

func contextParts(kv ...string) []string {
	var parts []string
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			parts = append(parts, kv[i]+"="+kv[i+1])
		}
	}
	return parts
}

// LockError describes a field-lock failure.
type LockError struct {
	baseError
	RecordID string
	Field    string
	Owner    string
}

// NewLockError creates a LockError. Contention is user-facing and not
// retryable by the caller: the owner has to finish first.
func NewLockError(message string, cause error) *LockError {
	return &LockError{baseError: baseError{
		message:    message,
		cause:      cause,
		severity:   SeverityInfo,
		userFacing: true,
	}}
}

// WithRecord adds the record ID.
func (e *LockError) WithRecord(id string) *LockError { e.RecordID = id; return e }

// WithField adds the field name.
func (e *LockError) WithField(field string) *LockError { e.Field = field; return e }

// WithOwner adds the current lock owner.
func (e *LockError) WithOwner(owner string) *LockError { e.Owner = owner; return e }

func (e *LockError) Error() string {
	return e.format("lock error", contextParts("record", e.RecordID, "field", e.Field, "owner", e.Owner))
}

// CommitError describes a failed authoritative write. The edit session
// survives it, so it is retryable.
type CommitError struct {
	baseError
	RecordID  string
	Field     string
	Attempted any
}

// NewCommitError creates a CommitError wrapping cause. errors.Is reports
// true for ErrCommitFailed as well as for cause.
func NewCommitError(message string, cause error) *CommitError {
	return &CommitError{baseError: baseError{
		message:    message,
		cause:      cause,
		severity:   SeverityWarning,
		retryable:  true,
		userFacing: true,
	}}
}

// WithRecord adds the record ID.
func (e *CommitError) WithRecord(id string) *CommitError { e.RecordID = id; return e }

// WithField adds the field name.
func (e *CommitError) WithField(field string) *CommitError { e.Field = field; return e }

// WithAttempted records the value that failed to save.
func (e *CommitError) WithAttempted(v any) *CommitError { e.Attempted = v; return e }

func (e *CommitError) Error() string {
	return e.format("commit error", contextParts("record", e.RecordID, "field", e.Field))
}

// Is matches ErrCommitFailed in addition to the wrapped cause.
func (e *CommitError) Is(target error) bool {
	return target == ErrCommitFailed
}

// FeedError describes a realtime feed failure.
type FeedError struct {
	baseError
	Table string
}

// NewFeedError creates a FeedError. Feed drops are retryable and hidden
// from users until a refetch fails.
func NewFeedError(message string, cause error) *FeedError {
	return &FeedError{baseError: baseError{
		message:   message,
		cause:     cause,
		severity:  SeverityWarning,
		retryable: true,
	}}
}

// WithTable adds the feed table.
func (e *FeedError) WithTable(table string) *FeedError { e.Table = table; return e }

// WithUserFacing marks the error as safe to show.
func (e *FeedError) WithUserFacing(v bool) *FeedError { e.userFacing = v; return e }

func (e *FeedError) Error() string {
	return e.format("feed error", contextParts("table", e.Table))
}

// Is matches ErrFeedDisconnected in addition to the wrapped cause.
func (e *FeedError) Is(target error) bool {
	return target == ErrFeedDisconnected
}

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ce CoeditError
	if As(err, &ce) {
		return ce.IsRetryable()
	}
	return Is(err, ErrFeedDisconnected)
}

// IsUserFacing reports whether err's message may be shown in the UI.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	var ce CoeditError
	if As(err, &ce) {
		return ce.IsUserFacing()
	}
	return Is(err, ErrLockContention) || Is(err, ErrFetchFailed)
}

// GetSeverity returns err's severity, SeverityError for untyped errors.
func GetSeverity(err error) Severity {
	var ce CoeditError
	if As(err, &ce) {
		return ce.Severity()
	}
	return SeverityError
}
