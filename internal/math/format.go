package math

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const (
	wadDecimals = 18
	rayDecimals = 27
)

// FormatWad renders a WAD value as a human-readable decimal, e.g. "1.5".
func FormatWad(x *uint256.Int) string {
	return formatScaled(x, wadDecimals)
}

// FormatRay renders a RAY value as a human-readable decimal.
func FormatRay(x *uint256.Int) string {
	return formatScaled(x, rayDecimals)
}

func formatScaled(x *uint256.Int, decimals int32) string {
	if x == nil {
		return "0"
	}
	return decimal.NewFromBigInt(x.ToBig(), -decimals).String()
}

// ParseWad converts a human decimal ("0.0025") into its WAD representation.
func ParseWad(s string) (*uint256.Int, error) {
	return parseScaled(s, wadDecimals)
}

// ParseRay converts a human decimal ("0.8") into its RAY representation.
func ParseRay(s string) (*uint256.Int, error) {
	return parseScaled(s, rayDecimals)
}

func parseScaled(s string, decimals int32) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("parse decimal %q: negative value", s)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("parse decimal %q: more than %d fractional digits", s, decimals)
	}
	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("parse decimal %q: exceeds 256 bits", s)
	}
	return v, nil
}

// ParseAmount parses a base-10 integer string of an already scaled value,
// the wire format for amounts, rates and indices.
func ParseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("parse amount: empty string")
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return v, nil
}
