// Package num provides fixed-precision decimal helpers for prices, edges,
// and fees. All arbitrage math flows through shopspring/decimal; native
// binary floats never touch a price after the connector boundary.
package num

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Precision is the number of significant digits kept by divisions.
const Precision = 20

var (
	Zero    = decimal.Zero
	One     = decimal.NewFromInt(1)
	Hundred = decimal.NewFromInt(100)
)

// FromCents converts an integer cents price (1..99) to its decimal
// probability: 42 -> 0.42.
func FromCents(cents int64) decimal.Decimal {
	return decimal.NewFromInt(cents).Div(Hundred)
}

// Cents converts a decimal probability back to integer cents: 0.42 -> 42.
func Cents(d decimal.Decimal) int64 {
	return d.Mul(Hundred).Round(0).IntPart()
}

// ComplementCents converts a NO price in cents to the implied YES price:
// a NO bid at q cents implies a YES ask at (100-q) cents.
func ComplementCents(cents int64) decimal.Decimal {
	return FromCents(100 - cents)
}

// Parse parses a venue decimal string ("0.55") into a decimal, rejecting
// empty and malformed input.
func Parse(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("empty decimal string")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return d, nil
}

// DivHalfEven divides a by b at Precision significant digits, rounding
// half to even.
func DivHalfEven(a, b decimal.Decimal) decimal.Decimal {
	return a.DivRound(b, Precision+1).RoundBank(Precision)
}

// Pct applies a whole-number percentage to a value: Pct(0.55, 2) = 0.011.
func Pct(value, pct decimal.Decimal) decimal.Decimal {
	return value.Mul(DivHalfEven(pct, Hundred))
}

// InUnitInterval reports whether d lies strictly inside (0,1).
func InUnitInterval(d decimal.Decimal) bool {
	return d.GreaterThan(Zero) && d.LessThan(One)
}
