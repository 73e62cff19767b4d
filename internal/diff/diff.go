// Package diff computes field-level differences between two snapshots of a
// record, restricted to an ordered allow-list of meaningful fields.
package diff

import (
	"slices"

	"github.com/Iron-Ham/coedit/internal/record"
)

// Snapshot is the outcome of comparing two versions of a record.
// Old and New hold only the changed fields; ChangedKeys lists them in
// allow-list order so downstream composition is deterministic.
type Snapshot struct {
	Old         map[string]any `json:"old"`
	New         map[string]any `json:"new"`
	ChangedKeys []string       `json:"changed_keys"`
}

// Empty reports whether no meaningful field changed.
func (s Snapshot) Empty() bool {
	return len(s.ChangedKeys) == 0
}

// Changed reports whether key is among the changed fields.
func (s Snapshot) Changed(key string) bool {
	return slices.Contains(s.ChangedKeys, key)
}

// Engine diffs records against a fixed allow-list.
type Engine struct {
	allow []string
}

// NewEngine creates an Engine over the given ordered allow-list.
// The list is copied; later changes by the caller have no effect.
func NewEngine(allow []string) *Engine {
	return &Engine{allow: slices.Clone(allow)}
}

// Allowed returns the engine's allow-list.
func (e *Engine) Allowed() []string {
	return slices.Clone(e.allow)
}

// Compute compares prev and next over the allow-list. Fields outside the
// list (status, timestamps, lock columns) never appear in the result.
func (e *Engine) Compute(prev, next record.Record) Snapshot {
	return Compute(prev, next, e.allow)
}

// Compute compares prev and next over allow using strict scalar equality.
func Compute(prev, next record.Record, allow []string) Snapshot {
	s := Snapshot{
		Old: make(map[string]any),
		New: make(map[string]any),
	}
	for _, k := range allow {
		ov, nv := prev.Get(k), next.Get(k)
		if record.Equal(ov, nv) {
			continue
		}
		s.Old[k] = ov
		s.New[k] = nv
		s.ChangedKeys = append(s.ChangedKeys, k)
	}
	return s
}
