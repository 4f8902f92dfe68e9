// Package pricing derives quotation totals from line items, charges, discount
// and tax.
//
// All arithmetic uses shopspring/decimal without intermediate rounding:
// products and sums are exact and division by 100 always terminates, so
// computing the same input twice yields identical values. Rounding to a
// currency precision is a presentation concern (see Breakdown.Rounded).
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Kind selects how a charge or discount value is interpreted.
type Kind string

const (
	KindFixed      Kind = "FIXED"
	KindPercentage Kind = "PERCENTAGE"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindFixed || k == KindPercentage
}

// ErrInvalidInput marks validation failures.
var ErrInvalidInput = errors.New("invalid quotation input")

// InputError identifies the offending field.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid quotation input: %s: %s", e.Field, e.Reason)
}

func (e *InputError) Unwrap() error {
	return ErrInvalidInput
}

func invalid(field, reason string) error {
	return &InputError{Field: field, Reason: reason}
}

var hundred = decimal.NewFromInt(100)

// Line is one priced item.
type Line struct {
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
}

// Charge is an additional charge such as freight or installation.
type Charge struct {
	Title string
	Kind  Kind
	Value decimal.Decimal
}

// Discount is applied once on the subtotal.
type Discount struct {
	Kind  Kind
	Value decimal.Decimal
}

// Input is everything the computation depends on.
type Input struct {
	Lines    []Line
	Charges  []Charge
	Discount *Discount
	// TaxPercentage is nil when the quotation carries no tax.
	TaxPercentage *decimal.Decimal
}

// Breakdown is the itemised result.
type Breakdown struct {
	LineTotals      []decimal.Decimal
	Subtotal        decimal.Decimal
	ChargeAmounts   []decimal.Decimal
	ChargesTotal    decimal.Decimal
	DiscountAmount  decimal.Decimal
	AmountBeforeTax decimal.Decimal
	TaxAmount       decimal.Decimal
	TotalAmount     decimal.Decimal
}

// Compute validates in and returns its breakdown. Charges and the discount
// are both taken from the raw subtotal; tax applies to the amount after them.
func Compute(in Input) (Breakdown, error) {
	if err := Validate(in); err != nil {
		return Breakdown{}, err
	}

	out := Breakdown{
		LineTotals:    make([]decimal.Decimal, len(in.Lines)),
		ChargeAmounts: make([]decimal.Decimal, len(in.Charges)),
	}

	subtotal := decimal.Zero
	for i, line := range in.Lines {
		total := line.Quantity.Mul(line.UnitPrice)
		out.LineTotals[i] = total
		subtotal = subtotal.Add(total)
	}
	out.Subtotal = subtotal

	charges := decimal.Zero
	for i, charge := range in.Charges {
		amount := applyKind(charge.Kind, charge.Value, subtotal)
		out.ChargeAmounts[i] = amount
		charges = charges.Add(amount)
	}
	out.ChargesTotal = charges

	out.DiscountAmount = decimal.Zero
	if in.Discount != nil {
		out.DiscountAmount = applyKind(in.Discount.Kind, in.Discount.Value, subtotal)
	}

	out.AmountBeforeTax = subtotal.Add(charges).Sub(out.DiscountAmount)
	if out.AmountBeforeTax.IsNegative() {
		return Breakdown{}, invalid("discount.value", "exceeds subtotal plus charges")
	}

	out.TaxAmount = decimal.Zero
	if in.TaxPercentage != nil {
		out.TaxAmount = out.AmountBeforeTax.Mul(*in.TaxPercentage).Div(hundred)
	}
	out.TotalAmount = out.AmountBeforeTax.Add(out.TaxAmount)
	return out, nil
}

// Validate checks in without computing anything.
func Validate(in Input) error {
	for i, line := range in.Lines {
		if line.Quantity.IsNegative() {
			return invalid(fmt.Sprintf("items[%d].quantity", i), "must not be negative")
		}
		if line.UnitPrice.IsNegative() {
			return invalid(fmt.Sprintf("items[%d].unitPrice", i), "must not be negative")
		}
	}
	for i, charge := range in.Charges {
		if !charge.Kind.Valid() {
			return invalid(fmt.Sprintf("charges[%d].kind", i), fmt.Sprintf("unknown kind %q", charge.Kind))
		}
		if charge.Value.IsNegative() {
			return invalid(fmt.Sprintf("charges[%d].value", i), "must not be negative")
		}
	}
	if d := in.Discount; d != nil {
		if !d.Kind.Valid() {
			return invalid("discount.kind", fmt.Sprintf("unknown kind %q", d.Kind))
		}
		if d.Value.IsNegative() {
			return invalid("discount.value", "must not be negative")
		}
		if d.Kind == KindPercentage && d.Value.GreaterThan(hundred) {
			return invalid("discount.value", "percentage must be within [0,100]")
		}
	}
	if p := in.TaxPercentage; p != nil {
		if p.IsNegative() || p.GreaterThan(hundred) {
			return invalid("tax.percentage", "must be within [0,100]")
		}
	}
	return nil
}

func applyKind(kind Kind, value, base decimal.Decimal) decimal.Decimal {
	if kind == KindFixed {
		return value
	}
	return base.Mul(value).Div(hundred)
}

// Rounded returns a copy with every amount rounded half away from zero to
// places decimal digits. The exact breakdown remains the source of truth.
func (b Breakdown) Rounded(places int32) Breakdown {
	out := Breakdown{
		LineTotals:      make([]decimal.Decimal, len(b.LineTotals)),
		ChargeAmounts:   make([]decimal.Decimal, len(b.ChargeAmounts)),
		Subtotal:        b.Subtotal.Round(places),
		ChargesTotal:    b.ChargesTotal.Round(places),
		DiscountAmount:  b.DiscountAmount.Round(places),
		AmountBeforeTax: b.AmountBeforeTax.Round(places),
		TaxAmount:       b.TaxAmount.Round(places),
		TotalAmount:     b.TotalAmount.Round(places),
	}
	for i, v := range b.LineTotals {
		out.LineTotals[i] = v.Round(places)
	}
	for i, v := range b.ChargeAmounts {
		out.ChargeAmounts[i] = v.Round(places)
	}
	return out
}
