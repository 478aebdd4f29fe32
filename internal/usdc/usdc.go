// Package usdc converts between decimal USDC amounts and their on-chain
// smallest-unit representation.
//
// USDC uses 6 decimal places (1 USDC = 1,000,000 units).
package usdc

import (
	"errors"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const Decimals = 6

// ErrInvalidAmount is returned for amounts that are not valid USDC values.
var ErrInvalidAmount = errors.New("invalid USDC amount")

// Parse converts a decimal string (e.g. "1.50") into a decimal amount.
//
// Rules:
//   - Empty strings, negative values and exponents are rejected
//   - More than 6 fractional digits are rejected rather than truncated
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.ContainsAny(s, "eE") {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if !HasValidPrecision(d) {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// HasValidPrecision reports whether d fits in 6 decimal places.
func HasValidPrecision(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(Decimals))
}

// ToUnits converts a decimal amount to smallest units (1.5 -> 1500000).
func ToUnits(d decimal.Decimal) (*big.Int, error) {
	if d.IsNegative() || !HasValidPrecision(d) {
		return nil, ErrInvalidAmount
	}
	return d.Shift(Decimals).BigInt(), nil
}

// FromUnits converts smallest units back into a decimal amount.
func FromUnits(units *big.Int) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -Decimals)
}

// Format renders an amount with exactly 6 decimal places (e.g. "1.500000").
func Format(d decimal.Decimal) string {
	return d.StringFixed(Decimals)
}
