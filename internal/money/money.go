// Package money provides shared parsing and formatting for monetary amounts.
//
// Amounts are fixed-point decimals with two fractional digits (minor units).
// Arithmetic goes through shopspring/decimal, so equality checks against
// zero are exact and safe to drive entry retirement.
package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits carried by every amount.
const Scale = 2

// Zero is the canonical zero amount.
var Zero = decimal.Zero

// Parse converts a decimal string (e.g. "19.99") to an amount rounded to
// Scale digits. Returns (zero, false) on malformed input.
func Parse(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d.Round(Scale), true
}

// ParsePositive is Parse restricted to amounts strictly greater than zero.
func ParsePositive(s string) (decimal.Decimal, bool) {
	d, ok := Parse(s)
	if !ok || !d.IsPositive() {
		return decimal.Zero, false
	}
	return d, true
}

// Format renders an amount with exactly Scale fractional digits.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
