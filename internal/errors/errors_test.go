package errors

import (
	"fmt"
	"strings"
	"testing"
)

func TestLockError(t *testing.T) {
	err := NewLockError("field is being edited", ErrLockContention).
		WithRecord("task-123").WithField("title").WithOwner("ana")

	if !Is(err, ErrLockContention) {
		t.Error("Is(ErrLockContention) = false")
	}
	want := "lock error [record=task-123, field=title, owner=ana]: field is being edited: field is locked by another actor"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !IsUserFacing(err) {
		t.Error("lock contention should be user-facing")
	}
	if IsRetryable(err) {
		t.Error("lock contention should not be retryable")
	}
}

func TestCommitErrorMatchesSentinelAndCause(t *testing.T) {
	cause := New("connection reset")
	err := fmt.Errorf("save: %w", NewCommitError("write failed", cause).WithRecord("r").WithField("f").WithAttempted("v"))

	if !Is(err, ErrCommitFailed) {
		t.Error("Is(ErrCommitFailed) = false")
	}
	if !Is(err, cause) {
		t.Error("Is(cause) = false")
	}
	if !IsRetryable(err) {
		t.Error("commit errors should be retryable")
	}

	var ce *CommitError
	if !As(err, &ce) {
		t.Fatal("As(*CommitError) = false")
	}
	if ce.Attempted != "v" {
		t.Errorf("Attempted = %v, want v", ce.Attempted)
	}
}

func TestFeedError(t *testing.T) {
	err := NewFeedError("stream closed", nil).WithTable("tasks")
	if !Is(err, ErrFeedDisconnected) {
		t.Error("Is(ErrFeedDisconnected) = false")
	}
	if IsUserFacing(err) {
		t.Error("feed drop should not be user-facing by default")
	}
	if !strings.Contains(err.Error(), "table=tasks") {
		t.Errorf("Error() = %q, missing table", err.Error())
	}
}

func TestClassificationOfPlainErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		retryable  bool
		userFacing bool
		severity   Severity
	}{
		{"nil", nil, false, false, SeverityError},
		{"plain", New("boom"), false, false, SeverityError},
		{"wrapped fetch", fmt.Errorf("resync: %w", ErrFetchFailed), false, true, SeverityError},
		{"wrapped feed", fmt.Errorf("x: %w", ErrFeedDisconnected), true, false, SeverityError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
			if got := IsUserFacing(tt.err); got != tt.userFacing {
				t.Errorf("IsUserFacing() = %v, want %v", got, tt.userFacing)
			}
			if tt.err != nil {
				if got := GetSeverity(tt.err); got != tt.severity {
					t.Errorf("GetSeverity() = %v, want %v", got, tt.severity)
				}
			}
		})
	}
}

func TestSeverityString(t *testing.T) {
	if SeverityWarning.String() != "warning" {
		t.Errorf("SeverityWarning.String() = %q", SeverityWarning.String())
	}
	if Severity(99).String() != "unknown" {
		t.Errorf("Severity(99).String() = %q", Severity(99).String())
	}
}
