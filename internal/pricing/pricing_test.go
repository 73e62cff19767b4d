package pricing

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/Iron-Ham/coedit/internal/record"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestRecalculate(t *testing.T) {
	tests := []struct {
		name      string
		in        Inputs
		wantBase  string
		wantTotal string
	}{
		{
			name: "all inputs",
			in: Inputs{
				UnitPrice:         dec("1000"),
				Quantity:          dec("2"),
				ModifierFactor:    dec("1.5"),
				PercentAdjustment: dec("80"),
				FlatAdjustment:    dec("-500"),
			},
			wantBase:  "2400",
			wantTotal: "1900",
		},
		{
			name: "defaults",
			in: Inputs{
				UnitPrice:         dec("19.99"),
				Quantity:          one,
				ModifierFactor:    one,
				PercentAdjustment: hundred,
				FlatAdjustment:    decimal.Zero,
			},
			wantBase:  "19.99",
			wantTotal: "19.99",
		},
		{
			name: "rounds to cents",
			in: Inputs{
				UnitPrice:         dec("10"),
				Quantity:          dec("1"),
				ModifierFactor:    one,
				PercentAdjustment: dec("33.333"),
				FlatAdjustment:    dec("0.005"),
			},
			wantBase:  "3.33",
			wantTotal: "3.34",
		},
		{
			name: "total keeps sub-cent base",
			in: Inputs{
				UnitPrice:         dec("3.334"),
				Quantity:          one,
				ModifierFactor:    one,
				PercentAdjustment: hundred,
				FlatAdjustment:    dec("0.004"),
			},
			wantBase:  "3.33",
			wantTotal: "3.34",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Recalculate(tt.in)
			if !got.BaseAmount.Equal(dec(tt.wantBase)) {
				t.Errorf("BaseAmount = %s, want %s", got.BaseAmount, tt.wantBase)
			}
			if !got.TotalAmount.Equal(dec(tt.wantTotal)) {
				t.Errorf("TotalAmount = %s, want %s", got.TotalAmount, tt.wantTotal)
			}
		})
	}
}

func TestRecalculateDeterministic(t *testing.T) {
	in := Inputs{UnitPrice: dec("12.34"), Quantity: dec("3"), ModifierFactor: dec("1.5"), PercentAdjustment: dec("95"), FlatAdjustment: dec("7")}
	first := Recalculate(in)
	for range 100 {
		if got := Recalculate(in); !got.TotalAmount.Equal(first.TotalAmount) {
			t.Fatalf("Recalculate() not deterministic: %s vs %s", got.TotalAmount, first.TotalAmount)
		}
	}
}

func TestInputsFromDefaults(t *testing.T) {
	rules := DefaultRules()
	in := rules.InputsFrom(record.New("inv-1", map[string]any{record.FieldUnitPrice: 50}))

	if !in.Quantity.Equal(one) {
		t.Errorf("Quantity = %s, want 1", in.Quantity)
	}
	if !in.PercentAdjustment.Equal(hundred) {
		t.Errorf("PercentAdjustment = %s, want 100", in.PercentAdjustment)
	}
	if !in.FlatAdjustment.IsZero() {
		t.Errorf("FlatAdjustment = %s, want 0", in.FlatAdjustment)
	}
	if !in.ModifierFactor.Equal(one) {
		t.Errorf("ModifierFactor = %s, want 1", in.ModifierFactor)
	}
}

func TestModifierFor(t *testing.T) {
	rules := DefaultRules()
	if got := rules.ModifierFor("overtime"); !got.Equal(dec("1.5")) {
		t.Errorf("ModifierFor(overtime) = %s, want 1.5", got)
	}
	if got := rules.ModifierFor("regular"); !got.Equal(one) {
		t.Errorf("ModifierFor(regular) = %s, want 1", got)
	}
	if got := (Rules{}).ModifierFor(""); !got.Equal(one) {
		t.Errorf("zero Rules ModifierFor(\"\") = %s, want 1", got)
	}
}

func TestExpandQuantityChange(t *testing.T) {
	r := NewRecalculator(DefaultRules(), nil)
	rec := record.New("inv-1", map[string]any{
		record.FieldUnitPrice:         1000,
		record.FieldQuantity:          1,
		record.FieldCategory:          "overtime",
		record.FieldPercentAdjustment: 80,
		record.FieldFlatAdjustment:    -500,
	})

	res, err := r.Expand(context.Background(), rec, record.Patch{record.FieldQuantity: 2})
	if err != nil {
		t.Fatalf("Expand() error: %v", err)
	}
	if res.Patch[record.FieldBaseAmount] != 2400.0 {
		t.Errorf("base_amount = %v, want 2400", res.Patch[record.FieldBaseAmount])
	}
	if res.Patch[record.FieldTotalAmount] != 1900.0 {
		t.Errorf("total_amount = %v, want 1900", res.Patch[record.FieldTotalAmount])
	}
	if res.Miss {
		t.Error("Miss = true without a work item change")
	}
}

func TestExpandWorkItemLookup(t *testing.T) {
	catalog := StaticCatalog{
		"install": {UnitPrice: dec("200"), Category: "regular"},
	}
	r := NewRecalculator(DefaultRules(), catalog)
	rec := record.New("inv-1", map[string]any{record.FieldQuantity: 3})

	res, err := r.Expand(context.Background(), rec, record.Patch{record.FieldWorkItem: "install"})
	if err != nil {
		t.Fatalf("Expand() error: %v", err)
	}
	if res.Patch[record.FieldUnitPrice] != 200.0 {
		t.Errorf("unit_price = %v, want 200", res.Patch[record.FieldUnitPrice])
	}
	if res.Patch[record.FieldCategory] != "regular" {
		t.Errorf("category = %v, want regular", res.Patch[record.FieldCategory])
	}
	if res.Patch[record.FieldTotalAmount] != 600.0 {
		t.Errorf("total_amount = %v, want 600", res.Patch[record.FieldTotalAmount])
	}
}

func TestExpandWorkItemMissZeroes(t *testing.T) {
	r := NewRecalculator(DefaultRules(), StaticCatalog{})
	rec := record.New("inv-1", map[string]any{
		record.FieldUnitPrice:   500,
		record.FieldCategory:    "overtime",
		record.FieldBaseAmount:  750,
		record.FieldTotalAmount: 750,
	})

	res, err := r.Expand(context.Background(), rec, record.Patch{record.FieldWorkItem: "unknown"})
	if err != nil {
		t.Fatalf("Expand() error: %v", err)
	}
	if !res.Miss {
		t.Error("Miss = false, want true")
	}
	for _, f := range []string{record.FieldUnitPrice, record.FieldBaseAmount, record.FieldTotalAmount} {
		if res.Patch[f] != 0.0 {
			t.Errorf("%s = %v, want 0", f, res.Patch[f])
		}
	}
	if res.Patch[record.FieldCategory] != "" {
		t.Errorf("category = %v, want empty", res.Patch[record.FieldCategory])
	}
	if res.Patch[record.FieldWorkItem] != "unknown" {
		t.Errorf("work_item = %v, want unknown", res.Patch[record.FieldWorkItem])
	}
}

type failingCatalog struct{}

func (failingCatalog) Lookup(context.Context, string) (Item, bool, error) {
	return Item{}, false, errors.New("catalog offline")
}

func TestExpandLookupError(t *testing.T) {
	r := NewRecalculator(DefaultRules(), failingCatalog{})
	_, err := r.Expand(context.Background(), record.New("inv-1", nil), record.Patch{record.FieldWorkItem: "x"})
	if err == nil {
		t.Fatal("Expand() error = nil, want lookup error")
	}
}

func TestAffects(t *testing.T) {
	r := NewRecalculator(DefaultRules(), nil)
	for _, f := range []string{record.FieldQuantity, record.FieldWorkItem, record.FieldFlatAdjustment} {
		if !r.Affects(f) {
			t.Errorf("Affects(%q) = false", f)
		}
	}
	for _, f := range []string{record.FieldTitle, record.FieldTotalAmount, record.FieldStatus} {
		if r.Affects(f) {
			t.Errorf("Affects(%q) = true", f)
		}
	}
}
