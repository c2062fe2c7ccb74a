package domain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// OracleDecimals is the fixed-point scale used by the oracle and coordinator for USD values.
const OracleDecimals = 8

// NavTokenDecimals is the number of decimals of a bundle's representative token.
const NavTokenDecimals = 8

// BasisPoints is the denominator for all bps-denominated values.
const BasisPoints = 10000

// SafeParse parses a string into a decimal, returning zero for invalid or empty input.
func SafeParse(value string) decimal.Decimal {
	if value == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// FromFixed converts an integer fixed-point value into a decimal, e.g. 6500000000000 at 8 decimals is 65000.
func FromFixed(value uint64, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(value), -decimals)
}

// ToFixed converts a decimal into an integer fixed-point value, truncating extra precision.
// Negative values clamp to zero.
func ToFixed(d decimal.Decimal, decimals int32) uint64 {
	scaled := d.Shift(decimals).Truncate(0)
	if scaled.Sign() <= 0 {
		return 0
	}
	bi := scaled.BigInt()
	if !bi.IsUint64() {
		return ^uint64(0)
	}
	return bi.Uint64()
}

// FormatUnits renders a smallest-unit amount as a human readable decimal string without trailing zeros.
func FormatUnits(amount uint64, decimals int32) string {
	return FromFixed(amount, decimals).String()
}
