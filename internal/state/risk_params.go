package state

import (
	"fmt"

	fpmath "LendLedger/internal/math"

	"github.com/holiman/uint256"
)

// RateStrategy defines the kinked utilization model of one reserve.
// All fields are RAY. A strategy is immutable once installed on a reserve.
type RateStrategy struct {
	OptimalUtilization     *uint256.Int `json:"optimal_utilization"`
	BaseVariableBorrowRate *uint256.Int `json:"base_variable_borrow_rate"`
	VariableRateSlope1     *uint256.Int `json:"variable_rate_slope1"`
	VariableRateSlope2     *uint256.Int `json:"variable_rate_slope2"`
	// BaseStableBorrowRate is the market borrow rate the lending rate oracle
	// reports for the asset.
	BaseStableBorrowRate *uint256.Int `json:"base_stable_borrow_rate"`
	StableRateSlope1     *uint256.Int `json:"stable_rate_slope1"`
	StableRateSlope2     *uint256.Int `json:"stable_rate_slope2"`
}

// Rates is the output of one strategy evaluation.
type Rates struct {
	Liquidity      *uint256.Int
	StableBorrow   *uint256.Int
	VariableBorrow *uint256.Int
}

// RiskParams carries the collateral parameters of a reserve, in percent.
type RiskParams struct {
	BaseLTVAsCollateral  uint64 `json:"base_ltv" toml:"base_ltv"`                           // e.g. 75
	LiquidationThreshold uint64 `json:"liquidation_threshold" toml:"liquidation_threshold"` // e.g. 80
	LiquidationBonus     uint64 `json:"liquidation_bonus" toml:"liquidation_bonus"`         // e.g. 105: liquidators receive 5% extra collateral
}

var (
	// DefaultRateStrategy mirrors the stock market configuration: 80% optimal
	// utilization, 4% / 100% variable slopes, 16% / 60% stable slopes.
	DefaultRateStrategy = RateStrategy{
		OptimalUtilization:     uint256.MustFromDecimal("800000000000000000000000000"),
		BaseVariableBorrowRate: uint256.NewInt(0),
		VariableRateSlope1:     uint256.MustFromDecimal("40000000000000000000000000"),
		VariableRateSlope2:     uint256.MustFromDecimal("1000000000000000000000000000"),
		BaseStableBorrowRate:   uint256.MustFromDecimal("30000000000000000000000000"),
		StableRateSlope1:       uint256.MustFromDecimal("160000000000000000000000000"),
		StableRateSlope2:       uint256.MustFromDecimal("600000000000000000000000000"),
	}

	DefaultRiskParams = RiskParams{
		BaseLTVAsCollateral:  75,
		LiquidationThreshold: 80,
		LiquidationBonus:     105,
	}
)

// ValidateRateStrategy checks that every slope is present and the optimal
// point lies strictly inside (0, 1].
func ValidateRateStrategy(s *RateStrategy) error {
	fields := []struct {
		name  string
		value *uint256.Int
	}{
		{"optimal_utilization", s.OptimalUtilization},
		{"base_variable_borrow_rate", s.BaseVariableBorrowRate},
		{"variable_rate_slope1", s.VariableRateSlope1},
		{"variable_rate_slope2", s.VariableRateSlope2},
		{"base_stable_borrow_rate", s.BaseStableBorrowRate},
		{"stable_rate_slope1", s.StableRateSlope1},
		{"stable_rate_slope2", s.StableRateSlope2},
	}
	for _, f := range fields {
		if f.value == nil {
			return fmt.Errorf("%s is required", f.name)
		}
	}
	if s.OptimalUtilization.IsZero() || s.OptimalUtilization.Gt(fpmath.RAY) {
		return fmt.Errorf("optimal_utilization must be in (0, 1] RAY, got %s", s.OptimalUtilization.Dec())
	}
	return nil
}

// ValidateRiskParams checks ltv <= threshold <= 100 and a bonus of at least 100%.
func ValidateRiskParams(p RiskParams) error {
	if p.LiquidationThreshold > 100 {
		return fmt.Errorf("liquidation_threshold must be <= 100, got %d", p.LiquidationThreshold)
	}
	if p.BaseLTVAsCollateral > p.LiquidationThreshold {
		return fmt.Errorf("base_ltv (%d) must be <= liquidation_threshold (%d)", p.BaseLTVAsCollateral, p.LiquidationThreshold)
	}
	if p.LiquidationBonus < 100 {
		return fmt.Errorf("liquidation_bonus must be >= 100, got %d", p.LiquidationBonus)
	}
	return nil
}

// CalculateRates evaluates the strategy for the given liquidity and borrow mix.
func (s *RateStrategy) CalculateRates(
	availableLiquidity, totalBorrowsStable, totalBorrowsVariable, averageStableRate *uint256.Int,
) (Rates, error) {
	totalBorrows, err := fpmath.Add(totalBorrowsStable, totalBorrowsVariable)
	if err != nil {
		return Rates{}, err
	}

	utilization := fpmath.Zero()
	if !totalBorrows.IsZero() {
		denominator, err := fpmath.Add(availableLiquidity, totalBorrows)
		if err != nil {
			return Rates{}, err
		}
		if utilization, err = fpmath.RayDiv(totalBorrows, denominator); err != nil {
			return Rates{}, err
		}
	}

	var stableRate, variableRate *uint256.Int
	if utilization.Gt(s.OptimalUtilization) {
		excess := new(uint256.Int).Sub(fpmath.RAY, s.OptimalUtilization)
		over := new(uint256.Int).Sub(utilization, s.OptimalUtilization)
		excessRatio, err := fpmath.RayDiv(over, excess)
		if err != nil {
			return Rates{}, err
		}
		if stableRate, err = kink(s.BaseStableBorrowRate, s.StableRateSlope1, s.StableRateSlope2, excessRatio); err != nil {
			return Rates{}, err
		}
		if variableRate, err = kink(s.BaseVariableBorrowRate, s.VariableRateSlope1, s.VariableRateSlope2, excessRatio); err != nil {
			return Rates{}, err
		}
	} else {
		ratio, err := fpmath.RayDiv(utilization, s.OptimalUtilization)
		if err != nil {
			return Rates{}, err
		}
		if stableRate, err = slope(s.BaseStableBorrowRate, s.StableRateSlope1, ratio); err != nil {
			return Rates{}, err
		}
		if variableRate, err = slope(s.BaseVariableBorrowRate, s.VariableRateSlope1, ratio); err != nil {
			return Rates{}, err
		}
	}

	overall, err := OverallBorrowRate(totalBorrowsStable, totalBorrowsVariable, variableRate, averageStableRate)
	if err != nil {
		return Rates{}, err
	}
	liquidityRate, err := fpmath.RayMul(overall, utilization)
	if err != nil {
		return Rates{}, err
	}

	return Rates{
		Liquidity:      liquidityRate,
		StableBorrow:   stableRate,
		VariableBorrow: variableRate,
	}, nil
}

// OverallBorrowRate is the borrow-weighted mean of the variable rate and the
// average stable rate. Zero when nothing is borrowed.
func OverallBorrowRate(totalStable, totalVariable, variableRate, averageStableRate *uint256.Int) (*uint256.Int, error) {
	total, err := fpmath.Add(totalStable, totalVariable)
	if err != nil {
		return nil, err
	}
	if total.IsZero() {
		return fpmath.Zero(), nil
	}

	variableRay, err := fpmath.WadToRay(totalVariable)
	if err != nil {
		return nil, err
	}
	weightedVariable, err := fpmath.RayMul(variableRay, variableRate)
	if err != nil {
		return nil, err
	}
	stableRay, err := fpmath.WadToRay(totalStable)
	if err != nil {
		return nil, err
	}
	weightedStable, err := fpmath.RayMul(stableRay, averageStableRate)
	if err != nil {
		return nil, err
	}
	weighted, err := fpmath.Add(weightedVariable, weightedStable)
	if err != nil {
		return nil, err
	}
	totalRay, err := fpmath.WadToRay(total)
	if err != nil {
		return nil, err
	}
	return fpmath.RayDiv(weighted, totalRay)
}

// slope returns base + slope1 * ratio.
func slope(base, slope1, ratio *uint256.Int) (*uint256.Int, error) {
	part, err := fpmath.RayMul(ratio, slope1)
	if err != nil {
		return nil, err
	}
	return fpmath.Add(base, part)
}

// kink returns base + slope1 + slope2 * excessRatio.
func kink(base, slope1, slope2, excessRatio *uint256.Int) (*uint256.Int, error) {
	part, err := fpmath.RayMul(slope2, excessRatio)
	if err != nil {
		return nil, err
	}
	sum, err := fpmath.Add(base, slope1)
	if err != nil {
		return nil, err
	}
	return fpmath.Add(sum, part)
}
