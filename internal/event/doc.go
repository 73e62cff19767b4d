// Package event provides a synchronous pub-sub bus that carries lock,
// presence, record, audit and feed notifications between the editing core
// and whatever renders it.
//
// # Main Types
//
//   - [Event]: implemented by every event; exposes EventType() and Timestamp()
//   - [Bus]: thread-safe synchronous dispatcher
//   - [Handler]: func(Event)
//
// # Event Categories
//
// Locks:
//   - [LockAcquiredEvent], [LockReleasedEvent], [LockContendedEvent]
//   - [LocksReplacedEvent]: the lock projection was rebuilt from a replay
//
// Presence:
//   - [PresenceChangedEvent]: the set of other editors on a record changed
//
// Records:
//   - [RecordCommittedEvent], [CommitFailedEvent], [RecordRolledBackEvent]
//   - [RecalculationMissEvent]: a work item had no catalog match
//
// Audit and feed:
//   - [AuditAppendedEvent], [AuditFailedEvent]
//   - [FeedDisconnectedEvent], [FeedResyncedEvent]
//
// Editor:
//   - [EditStateChangedEvent]
//
// # Thread Safety
//
// [Bus] is safe for concurrent use. Handlers run synchronously on the
// publishing goroutine and a panicking handler never stops delivery to the
// rest.
//
// # Usage
//
//	bus := event.NewBus(event.WithLogger(logger))
//	bus.Subscribe(event.TypeLockContended, func(e event.Event) {
//	    c := e.(event.LockContendedEvent)
//	    fmt.Printf("%s is editing %s\n", c.Owner, c.Field)
//	})
package event
