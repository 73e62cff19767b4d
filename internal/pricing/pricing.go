// Package pricing recomputes the derived monetary fields of a record from
// its editable inputs. Derived fields are never edited directly.
package pricing

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Iron-Ham/coedit/internal/record"
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// Inputs are the editable values that determine the derived amounts.
type Inputs struct {
	UnitPrice         decimal.Decimal
	Quantity          decimal.Decimal
	ModifierFactor    decimal.Decimal
	PercentAdjustment decimal.Decimal
	FlatAdjustment    decimal.Decimal
}

// Derived holds the computed pair. TotalAmount = BaseAmount + FlatAdjustment
// before rounding; each is rounded to cents on its own, so with sub-cent
// inputs the stored pair can differ from that sum by a cent.
type Derived struct {
	BaseAmount  decimal.Decimal
	TotalAmount decimal.Decimal
}

// Recalculate computes
//
//	base  = unitPrice × quantity × modifierFactor × percentAdjustment/100
//	total = base + flatAdjustment
//
// at full precision, then rounds each to cents. It is pure and
// deterministic.
func Recalculate(in Inputs) Derived {
	base := in.UnitPrice.
		Mul(in.Quantity).
		Mul(in.ModifierFactor).
		Mul(in.PercentAdjustment).
		Div(hundred)
	return Derived{
		BaseAmount:  base.Round(2),
		TotalAmount: base.Add(in.FlatAdjustment).Round(2),
	}
}

// Rules holds the category-dependent modifier.
type Rules struct {
	// DesignatedCategory receives DesignatedFactor; every other category gets 1.
	DesignatedCategory string
	DesignatedFactor   decimal.Decimal
}

// DefaultRules applies a 1.5 factor to the "overtime" category.
func DefaultRules() Rules {
	return Rules{
		DesignatedCategory: "overtime",
		DesignatedFactor:   decimal.RequireFromString("1.5"),
	}
}

// ModifierFor returns the modifier factor for a category.
func (r Rules) ModifierFor(category string) decimal.Decimal {
	if category != "" && category == r.DesignatedCategory {
		return r.DesignatedFactor
	}
	return one
}

// InputsFrom reads the pricing inputs from a record, applying defaults:
// quantity 1, percent 100, flat 0, modifier by category.
func (r Rules) InputsFrom(rec record.Record) Inputs {
	return Inputs{
		UnitPrice:         decimalField(rec, record.FieldUnitPrice, decimal.Zero),
		Quantity:          decimalField(rec, record.FieldQuantity, one),
		ModifierFactor:    r.ModifierFor(rec.String(record.FieldCategory)),
		PercentAdjustment: decimalField(rec, record.FieldPercentAdjustment, hundred),
		FlatAdjustment:    decimalField(rec, record.FieldFlatAdjustment, decimal.Zero),
	}
}

func decimalField(rec record.Record, name string, def decimal.Decimal) decimal.Decimal {
	s := rec.String(name)
	if s == "" {
		return def
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return def
	}
	return d
}

// Item is a catalog entry for a work item.
type Item struct {
	UnitPrice decimal.Decimal
	Category  string
}

// Catalog resolves work items to their price and category.
type Catalog interface {
	Lookup(ctx context.Context, workItem string) (Item, bool, error)
}

// StaticCatalog is an in-memory Catalog.
type StaticCatalog map[string]Item

// Lookup implements Catalog. Catalogs loaded from configuration have
// lower-cased keys, so a miss is retried with the lower-cased code.
func (c StaticCatalog) Lookup(_ context.Context, workItem string) (Item, bool, error) {
	if item, ok := c[workItem]; ok {
		return item, true, nil
	}
	item, ok := c[strings.ToLower(workItem)]
	return item, ok, nil
}

// inputFields are the fields whose change requires recalculation.
var inputFields = []string{
	record.FieldWorkItem,
	record.FieldCategory,
	record.FieldUnitPrice,
	record.FieldQuantity,
	record.FieldPercentAdjustment,
	record.FieldFlatAdjustment,
}

// Recalculator expands a field patch with the derived fields it implies.
type Recalculator struct {
	rules   Rules
	catalog Catalog
}

// NewRecalculator creates a Recalculator. catalog may be nil when records
// carry no work-item reference.
func NewRecalculator(rules Rules, catalog Catalog) *Recalculator {
	return &Recalculator{rules: rules, catalog: catalog}
}

// Affects reports whether a change to field requires recalculation.
func (r *Recalculator) Affects(field string) bool {
	return slices.Contains(inputFields, field)
}

// Result is the outcome of expanding a patch.
type Result struct {
	Patch   record.Patch
	Derived Derived
	// Miss is set when a work-item lookup found no match and the amount,
	// category and derived fields were zeroed.
	Miss bool
}

// Expand returns patch plus the derived fields for rec after the patch is
// applied. A changed work item is looked up first; a miss zeroes the price,
// category and derived fields instead of keeping stale values.
func (r *Recalculator) Expand(ctx context.Context, rec record.Record, patch record.Patch) (Result, error) {
	out := patch.Clone()
	if out == nil {
		out = record.Patch{}
	}

	if workItem, ok := patch[record.FieldWorkItem]; ok && r.catalog != nil {
		item, found, err := r.catalog.Lookup(ctx, record.Format(workItem))
		if err != nil {
			return Result{}, fmt.Errorf("pricing: lookup work item %q: %w", record.Format(workItem), err)
		}
		if !found {
			out[record.FieldUnitPrice] = 0.0
			out[record.FieldCategory] = ""
			out[record.FieldBaseAmount] = 0.0
			out[record.FieldTotalAmount] = 0.0
			return Result{Patch: out, Miss: true}, nil
		}
		out[record.FieldUnitPrice] = item.UnitPrice.InexactFloat64()
		out[record.FieldCategory] = item.Category
	}

	d := Recalculate(r.rules.InputsFrom(rec.Apply(out)))
	out[record.FieldBaseAmount] = d.BaseAmount.InexactFloat64()
	out[record.FieldTotalAmount] = d.TotalAmount.InexactFloat64()
	return Result{Patch: out, Derived: d}, nil
}
