// Package presence tracks which actors have a record open and whether they
// are editing it.
//
// Presence is ephemeral and connection scoped. Every client joins one
// shared group through a [Channel]; each join, leave and sync cycle
// delivers the full membership to every member. A client that disappears
// without leaving stops heartbeating and is dropped at the next sync
// cycle after its timeout, so a crash releases presence implicitly.
package presence

import (
	"context"
	"slices"
	"strings"
	"time"
)

// Mode is what a member is doing with the record.
type Mode string

const (
	ModeView Mode = "view"
	ModeEdit Mode = "edit"
)

// Claim is one member's presence.
type Claim struct {
	ConnID    string    `json:"conn_id"`
	RecordID  string    `json:"record_id"`
	ActorID   string    `json:"actor_id"`
	ActorName string    `json:"actor_name"`
	Mode      Mode      `json:"mode"`
	SeenAt    time.Time `json:"seen_at"`
}

// Channel is one client's connection to the shared presence group.
type Channel interface {
	// Join announces c, replacing this connection's previous claim.
	// Repeated joins act as heartbeats.
	Join(ctx context.Context, c Claim) error
	// Leave withdraws this connection's claim.
	Leave(ctx context.Context) error
	// Members returns the live membership.
	Members(ctx context.Context) ([]Claim, error)
	// Watch registers fn for membership snapshots and returns a cancel
	// function.
	Watch(fn func([]Claim)) func()
	// Close leaves and releases the connection.
	Close() error
}

// Editors returns the members editing recordID, excluding selfID, ordered
// by actor name. An actor with several connections appears once.
func Editors(members []Claim, recordID, selfID string) []Claim {
	var out []Claim
	seen := make(map[string]bool)
	for _, m := range members {
		if m.RecordID != recordID || m.Mode != ModeEdit || m.ActorID == selfID || seen[m.ActorID] {
			continue
		}
		seen[m.ActorID] = true
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b Claim) int {
		if c := strings.Compare(a.ActorName, b.ActorName); c != 0 {
			return c
		}
		return strings.Compare(a.ActorID, b.ActorID)
	})
	return out
}

func sortClaims(cs []Claim) {
	slices.SortFunc(cs, func(a, b Claim) int { return strings.Compare(a.ConnID, b.ConnID) })
}
