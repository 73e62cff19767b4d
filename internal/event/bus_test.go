package event

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestBus_PublishDeliversTypedEvent(t *testing.T) {
	bus := NewBus()

	var got LockContendedEvent
	bus.Subscribe(TypeLockContended, func(e Event) {
		got = e.(LockContendedEvent)
	})

	bus.Publish(NewLockContendedEvent("task-1", "title", "bo", "ana"))

	if got.Owner != "ana" || got.Requester != "bo" {
		t.Errorf("received %+v, want owner ana and requester bo", got)
	}
	if got.Timestamp().IsZero() {
		t.Error("Timestamp should be set")
	}
}

func TestBus_DispatchOrder(t *testing.T) {
	bus := NewBus()

	var order []string
	bus.SubscribeAll(func(e Event) { order = append(order, "wildcard") })
	bus.Subscribe("record.committed", func(e Event) { order = append(order, "first") })
	bus.Subscribe("record.committed", func(e Event) { order = append(order, "second") })
	bus.Subscribe("other.event", func(e Event) { order = append(order, "other") })

	bus.Publish(newBaseEvent("record.committed"))

	want := []string{"first", "second", "wildcard"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("dispatch order = %v, want %v", order, want)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	tests := []struct {
		name        string
		unsubscribe func(bus *Bus, ids []string) bool
		wantRemoved bool
		wantCalls   int
	}{
		{
			name:        "known id",
			unsubscribe: func(bus *Bus, ids []string) bool { return bus.Unsubscribe(ids[0]) },
			wantRemoved: true,
			wantCalls:   1,
		},
		{
			name:        "unknown id",
			unsubscribe: func(bus *Bus, ids []string) bool { return bus.Unsubscribe("sub-999") },
			wantRemoved: false,
			wantCalls:   2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := NewBus()
			calls := 0
			ids := []string{
				bus.Subscribe("lock.released", func(Event) { calls++ }),
				bus.Subscribe("lock.released", func(Event) { calls++ }),
			}

			if removed := tt.unsubscribe(bus, ids); removed != tt.wantRemoved {
				t.Errorf("Unsubscribe() = %v, want %v", removed, tt.wantRemoved)
			}
			bus.Publish(newBaseEvent("lock.released"))
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestBus_ClearAndCount(t *testing.T) {
	bus := NewBus()
	bus.Subscribe("a.one", func(Event) {})
	bus.Subscribe("a.two", func(Event) {})
	bus.SubscribeAll(func(Event) {})

	if n := bus.SubscriptionCount(); n != 3 {
		t.Errorf("SubscriptionCount() = %d, want 3", n)
	}
	bus.Clear()
	if n := bus.SubscriptionCount(); n != 0 {
		t.Errorf("SubscriptionCount() after Clear = %d, want 0", n)
	}
}

func TestBus_HandlerPanicIsLoggedAndSkipped(t *testing.T) {
	var buf bytes.Buffer
	bus := NewBus(WithLogger(slog.New(slog.NewJSONHandler(&buf, nil))))

	calls := 0
	bus.Subscribe("audit.failed", func(Event) {
		calls++
		panic("boom")
	})
	bus.Subscribe("audit.failed", func(Event) { calls++ })

	bus.Publish(newBaseEvent("audit.failed"))

	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if !strings.Contains(buf.String(), "event handler panicked") {
		t.Errorf("expected panic to be logged, got %q", buf.String())
	}
}

func TestBus_Concurrent(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	calls := 0
	bus.Subscribe("presence.changed", func(Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for range 100 {
		wg.Go(func() {
			bus.Publish(newBaseEvent("presence.changed"))
		})
		wg.Go(func() {
			id := bus.Subscribe("noise.event", func(Event) {})
			bus.Unsubscribe(id)
		})
	}
	wg.Wait()

	if calls != 100 {
		t.Errorf("calls = %d, want 100", calls)
	}
	if n := bus.SubscriptionCount(); n != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", n)
	}
}

func TestBus_UniqueIDs(t *testing.T) {
	bus := NewBus()
	seen := make(map[string]bool)
	for range 500 {
		id := bus.Subscribe("x.y", func(Event) {})
		if seen[id] {
			t.Fatalf("duplicate subscription ID %s", id)
		}
		seen[id] = true
	}
}

func TestEventConstructors(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{NewLockAcquiredEvent("r", "f", "o"), TypeLockAcquired},
		{NewLockReleasedEvent("r", "f", "o", ReleaseExpired), TypeLockReleased},
		{NewLocksReplacedEvent(3), TypeLocksReplaced},
		{NewPresenceChangedEvent("r", []string{"ana"}), TypePresenceChanged},
		{NewRecordCommittedEvent("tasks", "r", []string{"title"}, "#1: updated"), TypeRecordCommitted},
		{NewCommitFailedEvent("tasks", "r", "title", "boom"), TypeCommitFailed},
		{NewRecordRolledBackEvent("tasks", "r"), TypeRecordRolledBack},
		{NewRecalculationMissEvent("r", "W-1"), TypeRecalculationMiss},
		{NewAuditAppendedEvent("r", "update", "msg"), TypeAuditAppended},
		{NewAuditFailedEvent("r", "disk full"), TypeAuditFailed},
		{NewFeedDisconnectedEvent("tasks", "eof"), TypeFeedDisconnected},
		{NewFeedResyncedEvent("tasks", 4, ""), TypeFeedResynced},
		{NewEditStateChangedEvent("c", "r", "title", "idle", "editing"), TypeEditStateChanged},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.event.EventType(); got != tt.want {
				t.Errorf("EventType() = %q, want %q", got, tt.want)
			}
		})
	}
}
