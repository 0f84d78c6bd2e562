// internal/math/fixedpoint.go
package math

import (
	"LendLedger/internal/errs"

	"github.com/holiman/uint256"
)

// Scale constants. They are shared operands and must never be used as a
// method receiver.
var (
	WAD         = uint256.NewInt(1_000_000_000_000_000_000)
	HalfWAD     = uint256.NewInt(500_000_000_000_000_000)
	RAY         = uint256.MustFromDecimal("1000000000000000000000000000")
	HalfRAY     = uint256.MustFromDecimal("500000000000000000000000000")
	WadRayRatio = uint256.NewInt(1_000_000_000)
	MaxUint256  = new(uint256.Int).SetAllOne()

	halfRatio = uint256.NewInt(500_000_000)
)

type RoundingMode int

const (
	RoundHalfUp RoundingMode = iota // on-chain default: add half the divisor, then truncate
	RoundDown
	RoundUp
)

// Wad returns a fresh copy of 1 WAD.
func Wad() *uint256.Int { return new(uint256.Int).Set(WAD) }

// Ray returns a fresh copy of 1 RAY.
func Ray() *uint256.Int { return new(uint256.Int).Set(RAY) }

// Zero returns a fresh zero value.
func Zero() *uint256.Int { return new(uint256.Int) }

// mulAddDiv computes (a*b + half) / denom, failing on any intermediate overflow.
func mulAddDiv(a, b, half, denom *uint256.Int) (*uint256.Int, error) {
	product, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, errs.ErrArithmeticOverflow
	}
	if _, overflow = product.AddOverflow(product, half); overflow {
		return nil, errs.ErrArithmeticOverflow
	}
	return product.Div(product, denom), nil
}

// WadMul multiplies two WAD values, rounding half up.
func WadMul(a, b *uint256.Int) (*uint256.Int, error) {
	return mulAddDiv(a, b, HalfWAD, WAD)
}

// WadDiv divides two WAD values, rounding half up.
func WadDiv(a, b *uint256.Int) (*uint256.Int, error) {
	if b.IsZero() {
		return nil, errs.ErrDivisionByZero
	}
	half := new(uint256.Int).Rsh(b, 1)
	return mulAddDiv(a, WAD, half, b)
}

// RayMul multiplies two RAY values, rounding half up.
func RayMul(a, b *uint256.Int) (*uint256.Int, error) {
	return mulAddDiv(a, b, HalfRAY, RAY)
}

// RayDiv divides two RAY values, rounding half up.
func RayDiv(a, b *uint256.Int) (*uint256.Int, error) {
	if b.IsZero() {
		return nil, errs.ErrDivisionByZero
	}
	half := new(uint256.Int).Rsh(b, 1)
	return mulAddDiv(a, RAY, half, b)
}

// WadToRay rescales a WAD value to RAY precision.
func WadToRay(a *uint256.Int) (*uint256.Int, error) {
	result, overflow := new(uint256.Int).MulOverflow(a, WadRayRatio)
	if overflow {
		return nil, errs.ErrArithmeticOverflow
	}
	return result, nil
}

// RayToWad rescales a RAY value to WAD precision, rounding half up.
func RayToWad(a *uint256.Int) (*uint256.Int, error) {
	result, overflow := new(uint256.Int).AddOverflow(a, halfRatio)
	if overflow {
		return nil, errs.ErrArithmeticOverflow
	}
	return result.Div(result, WadRayRatio), nil
}

// RayPow raises a RAY base to an integer exponent by repeated squaring.
func RayPow(x *uint256.Int, n uint64) (*uint256.Int, error) {
	base := new(uint256.Int).Set(x)
	var z *uint256.Int
	if n%2 != 0 {
		z = new(uint256.Int).Set(base)
	} else {
		z = Ray()
	}

	var err error
	for n /= 2; n != 0; n /= 2 {
		if base, err = RayMul(base, base); err != nil {
			return nil, err
		}
		if n%2 != 0 {
			if z, err = RayMul(z, base); err != nil {
				return nil, err
			}
		}
	}
	return z, nil
}

// MulDiv computes a*b/d with the full 512-bit intermediate product and the
// requested rounding.
func MulDiv(a, b, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, errs.ErrDivisionByZero
	}
	quotient, overflow := new(uint256.Int).MulDivOverflow(a, b, d)
	if overflow {
		return nil, errs.ErrArithmeticOverflow
	}
	remainder := new(uint256.Int).MulMod(a, b, d)
	if remainder.IsZero() || mode == RoundDown {
		return quotient, nil
	}

	roundUp := mode == RoundUp
	if mode == RoundHalfUp {
		// remainder >= d - remainder  <=>  2*remainder >= d
		rest := new(uint256.Int).Sub(d, remainder)
		roundUp = !remainder.Lt(rest)
	}
	if roundUp {
		if _, overflow = quotient.AddOverflow(quotient, uint256.NewInt(1)); overflow {
			return nil, errs.ErrArithmeticOverflow
		}
	}
	return quotient, nil
}

// PercentMul returns value * percent / 100, truncated.
func PercentMul(value *uint256.Int, percent uint64) (*uint256.Int, error) {
	return MulDiv(value, uint256.NewInt(percent), uint256.NewInt(100), RoundDown)
}

// Add returns a+b, failing on overflow.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, errs.ErrArithmeticOverflow
	}
	return sum, nil
}

// Sub returns a-b. Callers map the underflow to their own domain error.
func Sub(a, b *uint256.Int) (*uint256.Int, bool) {
	diff, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, false
	}
	return diff, true
}

// SaturatingSub returns max(a-b, 0).
func SaturatingSub(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return Zero()
	}
	return new(uint256.Int).Sub(a, b)
}

// Min returns a fresh copy of the smaller operand.
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int).Set(b)
}

// ComputeAverageRate calculates the amount-weighted average rate after adding
// amount at rate to oldTotal averaging oldAvg:
// (oldAvg*oldTotal + rate*amount) / (oldTotal + amount).
// Amounts are WAD, rates RAY; products are taken in RAY precision.
func ComputeAverageRate(oldTotal, oldAvg, amount, rate *uint256.Int) (*uint256.Int, error) {
	newTotal, err := Add(oldTotal, amount)
	if err != nil {
		return nil, err
	}
	if newTotal.IsZero() {
		return Zero(), nil
	}

	weightedNew, err := weight(amount, rate)
	if err != nil {
		return nil, err
	}
	weightedOld, err := weight(oldTotal, oldAvg)
	if err != nil {
		return nil, err
	}
	numerator, err := Add(weightedNew, weightedOld)
	if err != nil {
		return nil, err
	}
	denominator, err := WadToRay(newTotal)
	if err != nil {
		return nil, err
	}
	return RayDiv(numerator, denominator)
}

// RemoveFromAverageRate reverses ComputeAverageRate: it removes amount at rate
// from oldTotal averaging oldAvg. The second return value is false when the
// contribution to remove exceeds what the average carries.
func RemoveFromAverageRate(oldTotal, oldAvg, amount, rate *uint256.Int) (*uint256.Int, bool, error) {
	newTotal, ok := Sub(oldTotal, amount)
	if !ok {
		return nil, false, nil
	}
	if newTotal.IsZero() {
		return Zero(), true, nil
	}

	weightedRemoved, err := weight(amount, rate)
	if err != nil {
		return nil, false, err
	}
	weightedOld, err := weight(oldTotal, oldAvg)
	if err != nil {
		return nil, false, err
	}
	numerator, ok := Sub(weightedOld, weightedRemoved)
	if !ok {
		return nil, false, nil
	}
	denominator, err := WadToRay(newTotal)
	if err != nil {
		return nil, false, err
	}
	avg, err := RayDiv(numerator, denominator)
	if err != nil {
		return nil, false, err
	}
	return avg, true, nil
}

func weight(amount, rate *uint256.Int) (*uint256.Int, error) {
	amountRay, err := WadToRay(amount)
	if err != nil {
		return nil, err
	}
	return RayMul(amountRay, rate)
}
