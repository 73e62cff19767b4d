// Package fieldlock provides exclusive edit claims on individual fields of
// shared records.
//
// Several actors may open the same record at once. Before an actor edits a
// field it acquires the (record, field) pair; a second actor asking for the
// same pair is refused and shown the owner. Different fields of one record
// are independent.
//
// # Architecture
//
// Arbitration happens in exactly one place: the lock table's conditional
// insert ([store.LockTable.InsertIfAbsent]). The [Registry] never decides
// ownership from its own state.
//
// Each client keeps a local projection of the lock table, keyed
// "recordID::field", which answers [Registry.IsLockedByOther] without a
// round trip. The projection follows the lock table's change feed. When a
// subscription (re)connects, the replay burst is authoritative and replaces
// the projection wholesale, which discards stale entries from missed
// deletes.
//
// # Leases
//
// A lock row carries a RenewedAt time. Holders renew their rows every
// heartbeat ([Registry.Start]); [Registry.ExpireStale] deletes rows not
// renewed within the lease TTL, so a crashed client cannot hold a field
// forever. [Registry.ForceUnlock] is the manual escape hatch.
//
// # Basic Usage
//
//	reg := fieldlock.NewRegistry(table, bus, fieldlock.WithLeaseTTL(30*time.Second))
//	follower, _ := reg.Attach(ctx, source)
//	defer follower.Close()
//
//	if reg.Acquire(ctx, "task-123", "title", "ana") {
//	    defer reg.Release(ctx, "task-123", "title", "ana")
//	}
//
//	owner, locked := reg.IsLockedByOther("task-123", "title", "bo")
//
// # Thread Safety
//
// All [Registry] methods are safe for concurrent use. Events and watch
// handlers are called outside the registry's lock.
package fieldlock
