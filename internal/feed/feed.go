// Package feed models the realtime change stream of the remote store.
//
// A subscription first receives a replay burst of every current row (each
// Change has Replay set), then a single ReplayDone marker, then live
// Insert/Update/Delete changes. If the transport drops, the handler gets a
// Disconnected change and the subscription ends; the subscriber recovers
// by subscribing again, which replays the full table.
package feed

import (
	"context"

	"github.com/Iron-Ham/coedit/internal/record"
)

// ChangeType classifies a Change.
type ChangeType string

const (
	Insert       ChangeType = "insert"
	Update       ChangeType = "update"
	Delete       ChangeType = "delete"
	ReplayDone   ChangeType = "replay_done"
	Disconnected ChangeType = "disconnected"
)

// Change is one feed delivery.
type Change struct {
	Type   ChangeType    `json:"type"`
	Table  string        `json:"table"`
	Record record.Record `json:"record"`
	// Replay marks rows of the initial burst.
	Replay bool `json:"replay,omitempty"`
	// Err is set on Disconnected.
	Err error `json:"-"`
}

// Handler receives changes. It is called from the transport's goroutine
// and must not block for long.
type Handler func(Change)

// Source is a subscribable change feed.
type Source interface {
	// Subscribe starts delivery for table. The returned cancel function
	// stops delivery and is safe to call more than once.
	Subscribe(ctx context.Context, table string, h Handler) (cancel func(), err error)
}

// Snapshotter lists every current row of a table. Transports use it to
// produce the replay burst.
type Snapshotter interface {
	Snapshot(ctx context.Context, table string) ([]record.Record, error)
}

// Publisher accepts changes committed by a store.
type Publisher interface {
	Publish(c Change)
}

// replay delivers rows and the ReplayDone marker.
func replay(table string, rows []record.Record, h Handler) {
	for _, r := range rows {
		h(Change{Type: Insert, Table: table, Record: r, Replay: true})
	}
	h(Change{Type: ReplayDone, Table: table})
}
