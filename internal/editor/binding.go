package editor

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/Iron-Ham/coedit/internal/errors"
	"github.com/Iron-Ham/coedit/internal/record"
)

// ErrInvalidValue is returned by codecs for values the field cannot hold.
var ErrInvalidValue = errors.New("invalid field value")

// Codec converts between an input's typed value and the stored scalar.
type Codec[T any] interface {
	Encode(v T) (any, error)
	Decode(stored any) (T, error)
}

// Binding is a typed view of a Session.
type Binding[T any] struct {
	session *Session
	codec   Codec[T]
}

// Bind wraps s with codec.
func Bind[T any](s *Session, codec Codec[T]) *Binding[T] {
	return &Binding[T]{session: s, codec: codec}
}

// Session returns the underlying session.
func (b *Binding[T]) Session() *Session { return b.session }

// State returns the session state.
func (b *Binding[T]) State() State { return b.session.State() }

// Value decodes the pending or stored value.
func (b *Binding[T]) Value(ctx context.Context) (T, error) {
	v, err := b.session.Value(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	return b.codec.Decode(v)
}

// Set encodes v as the pending value.
func (b *Binding[T]) Set(v T) error {
	stored, err := b.codec.Encode(v)
	if err != nil {
		return err
	}
	return b.session.SetValue(stored)
}

// Begin starts editing.
func (b *Binding[T]) Begin(ctx context.Context, trig Trigger) error {
	return b.session.BeginEdit(ctx, trig)
}

// Commit writes the pending value.
func (b *Binding[T]) Commit(ctx context.Context, trig Trigger) error {
	return b.session.Commit(ctx, trig)
}

// Cancel discards the pending value.
func (b *Binding[T]) Cancel(ctx context.Context, trig Trigger) error {
	return b.session.Cancel(ctx, trig)
}

// TextCodec handles single-line and multi-line text.
type TextCodec struct {
	// Trim strips surrounding whitespace before storing.
	Trim bool
	// MaxLen limits the length in runes (0 = unlimited).
	MaxLen int
	// EmptyAsNil stores an empty string as nil.
	EmptyAsNil bool
}

func (c TextCodec) Encode(v string) (any, error) {
	if c.Trim {
		v = strings.TrimSpace(v)
	}
	if c.MaxLen > 0 && utf8.RuneCountInString(v) > c.MaxLen {
		return nil, fmt.Errorf("text longer than %d characters: %w", c.MaxLen, ErrInvalidValue)
	}
	if v == "" && c.EmptyAsNil {
		return nil, nil
	}
	return v, nil
}

func (c TextCodec) Decode(stored any) (string, error) {
	return record.Format(stored), nil
}

// SelectCodec restricts a text value to a fixed option list. With Free set
// it behaves as a combobox and accepts values outside the list.
type SelectCodec struct {
	Options    []string
	AllowEmpty bool
	Free       bool
}

func (c SelectCodec) Encode(v string) (any, error) {
	if v == "" {
		if c.AllowEmpty {
			return nil, nil
		}
		return nil, fmt.Errorf("a selection is required: %w", ErrInvalidValue)
	}
	if !c.Free && !slices.Contains(c.Options, v) {
		return nil, fmt.Errorf("%q is not an option: %w", v, ErrInvalidValue)
	}
	return v, nil
}

func (c SelectCodec) Decode(stored any) (string, error) {
	return record.Format(stored), nil
}

// DecimalCodec handles money and other exact amounts. Values are rounded
// to Places and stored as numbers.
type DecimalCodec struct {
	Places int32
}

func (c DecimalCodec) Encode(v decimal.Decimal) (any, error) {
	return v.Round(c.Places).InexactFloat64(), nil
}

func (c DecimalCodec) Decode(stored any) (decimal.Decimal, error) {
	switch v := stored.(type) {
	case nil:
		return decimal.Zero, nil
	case float64:
		return decimal.NewFromFloat(v).Round(c.Places), nil
	case string:
		if v == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%q: %w", v, ErrInvalidValue)
		}
		return d.Round(c.Places), nil
	}
	return decimal.Zero, fmt.Errorf("%T: %w", stored, ErrInvalidValue)
}

// IntCodec handles whole numbers within [Min, Max] when Max > Min.
type IntCodec struct {
	Min, Max int64
}

func (c IntCodec) Encode(v int64) (any, error) {
	if c.Max > c.Min && (v < c.Min || v > c.Max) {
		return nil, fmt.Errorf("%d outside [%d, %d]: %w", v, c.Min, c.Max, ErrInvalidValue)
	}
	return float64(v), nil
}

func (c IntCodec) Decode(stored any) (int64, error) {
	switch v := stored.(type) {
	case nil:
		return 0, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%v is not whole: %w", v, ErrInvalidValue)
		}
		return int64(v), nil
	case string:
		if v == "" {
			return 0, nil
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%q: %w", v, ErrInvalidValue)
		}
		return n, nil
	}
	return 0, fmt.Errorf("%T: %w", stored, ErrInvalidValue)
}
