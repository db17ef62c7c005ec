// Package usdc provides shared USDC parsing and formatting utilities.
//
// USDC uses 6 decimal places. All amounts are stored as big.Int in
// the smallest unit (1 USDC = 1,000,000 units). Session budgets, escrow
// balances, and running totals do their arithmetic in these units so
// string round-trips never lose precision.
package usdc

import (
	"math/big"
	"strings"
)

const Decimals = 6

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation (1500000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with exactly 6 decimal places (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// MustParse is Parse for trusted input (constants, values the authority
// already validated). Invalid input yields zero rather than a panic.
func MustParse(s string) *big.Int {
	v, ok := Parse(s)
	if !ok {
		return big.NewInt(0)
	}
	return v
}

// Cmp compares two decimal strings, treating unparseable input as zero.
func Cmp(a, b string) int {
	return MustParse(a).Cmp(MustParse(b))
}

// Add returns a+b as a decimal string.
func Add(a, b string) string {
	return Format(new(big.Int).Add(MustParse(a), MustParse(b)))
}

// Sub returns a-b as a decimal string. The result may be negative.
func Sub(a, b string) string {
	return Format(new(big.Int).Sub(MustParse(a), MustParse(b)))
}

// IsPositive reports whether s parses to a strictly positive amount.
func IsPositive(s string) bool {
	v, ok := Parse(s)
	return ok && v.Sign() > 0
}
