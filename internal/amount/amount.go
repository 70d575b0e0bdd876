// Package amount provides shared fixed-point parsing, formatting, and
// bond/fee math for escrow monetary values.
//
// All on-chain values are 18-decimal integers. Percentages are basis
// points out of 10000.
package amount

import (
	"math/big"
	"strings"
)

const (
	// Decimals is the fixed-point scale used by the escrow contract.
	Decimals = 18

	// BpsDenominator is the basis-point scale (10000 bps = 100%).
	BpsDenominator = 10000
)

var bpsDenom = big.NewInt(BpsDenominator)

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation. Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 18 decimal places
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

	// Pad or trim to 18 decimals
	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string, trimming trailing fractional zeros (e.g. "1.5", "1000").
func Format(v *big.Int) string {
	if v == nil {
		return "0"
	}
	neg := v.Sign() < 0
	abs := new(big.Int).Abs(v)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	whole, frac := s[:decimal], s[decimal:]
	frac = strings.TrimRight(frac, "0")
	result := whole
	if frac != "" {
		result += "." + frac
	}
	if neg {
		result = "-" + result
	}
	return result
}

// Bond computes a bond or fee amount: value * bps / 10000, at the same
// decimal scale as value.
//
// Contract: never fails. Returns zero when either input is nil, zero,
// negative, or out of the [0, 10000] bps range.
func Bond(value *big.Int, bps int64) *big.Int {
	if value == nil || value.Sign() <= 0 || bps <= 0 || bps > BpsDenominator {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(value, big.NewInt(bps))
	return out.Div(out, bpsDenom)
}

// BondString is Bond over decimal strings. Non-numeric input yields "0".
func BondString(value string, bps int64) string {
	v, ok := Parse(value)
	if !ok {
		return "0"
	}
	return Format(Bond(v, bps))
}

// Sum returns a new big.Int holding the sum of its arguments; nil terms
// count as zero.
func Sum(terms ...*big.Int) *big.Int {
	out := big.NewInt(0)
	for _, t := range terms {
		if t != nil {
			out.Add(out, t)
		}
	}
	return out
}
