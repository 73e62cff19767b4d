// Package record defines the shared-record data model: a row identified by
// ID holding named scalar fields, and the patches applied to it.
package record

import (
	"fmt"
	"maps"
	"slices"
)

// Patch is a partial set of field assignments. A nil value clears a field.
type Patch map[string]any

// Keys returns the patch's field names in sorted order.
func (p Patch) Keys() []string {
	return slices.Sorted(maps.Keys(p))
}

// Clone returns a shallow copy of the patch.
func (p Patch) Clone() Patch {
	if p == nil {
		return nil
	}
	return maps.Clone(p)
}

// Record is one mutable row of a shared collection (a task or an invoice).
// Soft-state transitions such as trashing are ordinary field mutations.
type Record struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// New creates a record with the given fields. Values are normalized.
func New(id string, fields map[string]any) Record {
	r := Record{ID: id, Fields: make(map[string]any, len(fields))}
	for k, v := range fields {
		r.Fields[k] = Normalize(v)
	}
	return r
}

// Get returns the value of a field, or nil if the field is absent.
func (r Record) Get(name string) any {
	if r.Fields == nil {
		return nil
	}
	return r.Fields[name]
}

// Has reports whether the record carries the named field.
func (r Record) Has(name string) bool {
	_, ok := r.Fields[name]
	return ok
}

// String returns the field value formatted for display. Absent fields
// render as the empty string.
func (r Record) String(name string) string {
	return Format(r.Get(name))
}

// Clone returns a deep copy of the record's field map.
func (r Record) Clone() Record {
	return Record{ID: r.ID, Fields: maps.Clone(r.Fields)}
}

// Apply returns a copy of the record with the patch applied. The receiver
// is not modified.
func (r Record) Apply(p Patch) Record {
	out := r.Clone()
	if out.Fields == nil {
		out.Fields = make(map[string]any, len(p))
	}
	for k, v := range p {
		out.Fields[k] = Normalize(v)
	}
	return out
}

// Restrict returns the subset of the record's fields named in keys.
// Keys absent from the record map to nil so snapshots have a stable shape.
func (r Record) Restrict(keys []string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		out[k] = r.Get(k)
	}
	return out
}

// IsZero reports whether the record is the zero value.
func (r Record) IsZero() bool {
	return r.ID == "" && len(r.Fields) == 0
}

// Normalize converts numeric kinds to float64 so values decoded from JSON,
// SQL, and Go literals compare equal. Other scalars pass through.
func Normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case fmt.Stringer:
		return n.String()
	default:
		return v
	}
}

// Equal reports strict scalar equality after normalization. Values of
// different kinds are never equal, so "1" and 1 differ.
func Equal(a, b any) bool {
	a, b = Normalize(a), Normalize(b)
	switch a.(type) {
	case nil, string, float64, bool:
	default:
		return fmt.Sprintf("%#v", a) == fmt.Sprintf("%#v", b)
	}
	switch b.(type) {
	case nil, string, float64, bool:
	default:
		return false
	}
	return a == b
}

// Format renders a scalar for human-readable output.
func Format(v any) string {
	switch n := Normalize(v).(type) {
	case nil:
		return ""
	case string:
		return n
	case float64:
		if n == float64(int64(n)) {
			return fmt.Sprintf("%d", int64(n))
		}
		return fmt.Sprintf("%g", n)
	case bool:
		if n {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(n)
	}
}
