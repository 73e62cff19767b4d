// Package changemsg renders a field-level diff into the one-line,
// human-readable sentence stored with each audit entry.
package changemsg

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Iron-Ham/coedit/internal/diff"
	"github.com/Iron-Ham/coedit/internal/record"
)

// Template renders the fragment for one changed field.
type Template struct {
	Label  string
	Render func(label string, prev, next any) string
}

// Quoted renders `label "old" → "new"`.
func Quoted(label string) Template {
	return Template{Label: label, Render: func(label string, prev, next any) string {
		return fmt.Sprintf("%s %q → %q", label, record.Format(prev), record.Format(next))
	}}
}

// Updated renders a fixed `label updated` fragment. Used for large
// free-text fields whose content should not be echoed into the log.
func Updated(label string) Template {
	return Template{Label: label, Render: func(label string, _, _ any) string {
		return label + " updated"
	}}
}

// Money renders amounts with two decimal places.
func Money(label string) Template {
	return Template{Label: label, Render: func(label string, prev, next any) string {
		return fmt.Sprintf("%s %q → %q", label, formatMoney(prev), formatMoney(next))
	}}
}

func formatMoney(v any) string {
	s := record.Format(v)
	if s == "" {
		return s
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return s
	}
	return d.StringFixed(2)
}

// DefaultTemplates returns the templates for the task and invoice fields.
// Fields without a template are skipped by the composer.
func DefaultTemplates() map[string]Template {
	return map[string]Template{
		record.FieldTitle:             Quoted("title"),
		record.FieldDescription:       Updated("description"),
		record.FieldNotes:             Updated("notes"),
		record.FieldAssignee:          Quoted("assignee"),
		record.FieldCustomer:          Quoted("customer"),
		record.FieldDueDate:           Quoted("due date"),
		record.FieldWorkItem:          Quoted("work item"),
		record.FieldCategory:          Quoted("category"),
		record.FieldUnitPrice:         Money("unit price"),
		record.FieldQuantity:          Quoted("quantity"),
		record.FieldPercentAdjustment: Quoted("adjustment %"),
		record.FieldFlatAdjustment:    Money("flat adjustment"),
		record.FieldTotalAmount:       Money("total"),
	}
}

// Composer turns diffs into audit sentences.
type Composer struct {
	schema    record.Schema
	templates map[string]Template
}

// NewComposer creates a Composer. A nil templates map uses DefaultTemplates.
func NewComposer(schema record.Schema, templates map[string]Template) *Composer {
	if templates == nil {
		templates = DefaultTemplates()
	}
	return &Composer{schema: schema, templates: templates}
}

// Compose renders s for rec. It returns ("", false) when nothing changed.
// A non-empty diff always yields a message: when no changed key has a
// template the sentence is "<serial>: updated".
func (c *Composer) Compose(s diff.Snapshot, rec record.Record) (string, bool) {
	if s.Empty() {
		return "", false
	}

	fragments := make([]string, 0, len(s.ChangedKeys))
	for _, k := range s.ChangedKeys {
		tmpl, ok := c.templates[k]
		if !ok || tmpl.Render == nil {
			continue
		}
		fragments = append(fragments, tmpl.Render(tmpl.Label, s.Old[k], s.New[k]))
	}

	serial := c.schema.Serial(rec)
	if len(fragments) == 0 {
		return serial + ": updated", true
	}
	return serial + ": " + strings.Join(fragments, ", "), true
}

// ComposeCreated renders the sentence for a newly created record.
func (c *Composer) ComposeCreated(rec record.Record) string {
	return c.schema.Serial(rec) + ": created"
}

// ComposeDeleted renders the sentence for a deleted record.
func (c *Composer) ComposeDeleted(rec record.Record) string {
	return c.schema.Serial(rec) + ": deleted"
}
