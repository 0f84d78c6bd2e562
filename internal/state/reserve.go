// internal/state/reserve.go
package state

import (
	"encoding/binary"

	"LendLedger/internal/errs"
	fpmath "LendLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Reserve is the accounting record of one supported asset.
// TotalLiquidity tracks cash plus outstanding borrows, so
// available liquidity = TotalLiquidity - TotalBorrows.
type Reserve struct {
	Asset common.Address `json:"asset"`

	TotalLiquidity       *uint256.Int `json:"total_liquidity"`        // WAD
	TotalBorrowsStable   *uint256.Int `json:"total_borrows_stable"`   // WAD
	TotalBorrowsVariable *uint256.Int `json:"total_borrows_variable"` // WAD

	LiquidityIndex      *uint256.Int `json:"liquidity_cumulative_index"`       // RAY
	VariableBorrowIndex *uint256.Int `json:"variable_borrow_cumulative_index"` // RAY

	CurrentAverageStableRate  *uint256.Int `json:"current_average_stable_rate"`
	CurrentLiquidityRate      *uint256.Int `json:"current_liquidity_rate"`
	CurrentVariableBorrowRate *uint256.Int `json:"current_variable_borrow_rate"`
	CurrentStableBorrowRate   *uint256.Int `json:"current_stable_borrow_rate"`

	BorrowingEnabled        bool `json:"is_borrowing_enabled"`
	StableBorrowRateEnabled bool `json:"is_stable_borrow_rate_enabled"`
	UsableAsCollateral      bool `json:"is_usable_as_collateral"`
	Active                  bool `json:"is_active"`

	Risk     RiskParams    `json:"risk"`
	Strategy *RateStrategy `json:"rate_strategy"`

	LiquidityAccrual fpmath.AccrualMode `json:"liquidity_accrual"`
	VariableAccrual  fpmath.AccrualMode `json:"variable_accrual"`
	StableAccrual    fpmath.AccrualMode `json:"stable_accrual"`

	LastUpdateTimestamp int64 `json:"last_update_timestamp"`
}

// ReserveConfig is everything the configurator supplies when activating a reserve.
type ReserveConfig struct {
	BorrowingEnabled        bool               `json:"borrowing_enabled"`
	StableBorrowRateEnabled bool               `json:"stable_borrow_rate_enabled"`
	UsableAsCollateral      bool               `json:"usable_as_collateral"`
	Risk                    RiskParams         `json:"risk"`
	Strategy                RateStrategy       `json:"rate_strategy"`
	LiquidityAccrual        fpmath.AccrualMode `json:"liquidity_accrual"`
	VariableAccrual         fpmath.AccrualMode `json:"variable_accrual"`
	StableAccrual           fpmath.AccrualMode `json:"stable_accrual"`
}

// DefaultReserveConfig returns the stock configuration: linear liquidity
// accrual, compounded borrow accrual.
func DefaultReserveConfig() ReserveConfig {
	return ReserveConfig{
		BorrowingEnabled:        true,
		StableBorrowRateEnabled: true,
		UsableAsCollateral:      true,
		Risk:                    DefaultRiskParams,
		Strategy:                DefaultRateStrategy,
		LiquidityAccrual:        fpmath.AccrualLinear,
		VariableAccrual:         fpmath.AccrualCompounded,
		StableAccrual:           fpmath.AccrualCompounded,
	}
}

// NewReserve activates a reserve with both indices at exactly 1 RAY and
// current rates taken from the strategy at zero utilization.
func NewReserve(asset common.Address, cfg ReserveConfig, now int64) (*Reserve, error) {
	if err := ValidateRateStrategy(&cfg.Strategy); err != nil {
		return nil, err
	}
	if err := ValidateRiskParams(cfg.Risk); err != nil {
		return nil, err
	}
	strategy := cfg.Strategy

	r := &Reserve{
		Asset:                     asset,
		TotalLiquidity:            fpmath.Zero(),
		TotalBorrowsStable:        fpmath.Zero(),
		TotalBorrowsVariable:      fpmath.Zero(),
		LiquidityIndex:            fpmath.Ray(),
		VariableBorrowIndex:       fpmath.Ray(),
		CurrentAverageStableRate:  fpmath.Zero(),
		CurrentLiquidityRate:      fpmath.Zero(),
		CurrentVariableBorrowRate: fpmath.Zero(),
		CurrentStableBorrowRate:   fpmath.Zero(),
		BorrowingEnabled:          cfg.BorrowingEnabled,
		StableBorrowRateEnabled:   cfg.StableBorrowRateEnabled,
		UsableAsCollateral:        cfg.UsableAsCollateral,
		Active:                    true,
		Risk:                      cfg.Risk,
		Strategy:                  &strategy,
		LiquidityAccrual:          cfg.LiquidityAccrual,
		VariableAccrual:           cfg.VariableAccrual,
		StableAccrual:             cfg.StableAccrual,
		LastUpdateTimestamp:       now,
	}
	if err := r.UpdateInterestRates(); err != nil {
		return nil, err
	}
	return r, nil
}

// Clone returns a deep copy. The strategy is shared since it is immutable.
func (r *Reserve) Clone() *Reserve {
	c := *r
	c.TotalLiquidity = cloneInt(r.TotalLiquidity)
	c.TotalBorrowsStable = cloneInt(r.TotalBorrowsStable)
	c.TotalBorrowsVariable = cloneInt(r.TotalBorrowsVariable)
	c.LiquidityIndex = cloneInt(r.LiquidityIndex)
	c.VariableBorrowIndex = cloneInt(r.VariableBorrowIndex)
	c.CurrentAverageStableRate = cloneInt(r.CurrentAverageStableRate)
	c.CurrentLiquidityRate = cloneInt(r.CurrentLiquidityRate)
	c.CurrentVariableBorrowRate = cloneInt(r.CurrentVariableBorrowRate)
	c.CurrentStableBorrowRate = cloneInt(r.CurrentStableBorrowRate)
	return &c
}

// TotalBorrows returns stable + variable borrows.
func (r *Reserve) TotalBorrows() *uint256.Int {
	return new(uint256.Int).Add(r.TotalBorrowsStable, r.TotalBorrowsVariable)
}

// AvailableLiquidity is the cash held by the reserve, never negative.
func (r *Reserve) AvailableLiquidity() *uint256.Int {
	return fpmath.SaturatingSub(r.TotalLiquidity, r.TotalBorrows())
}

// UtilizationRate returns TotalBorrows / TotalLiquidity in RAY, zero when
// the reserve holds nothing.
func (r *Reserve) UtilizationRate() (*uint256.Int, error) {
	if r.TotalLiquidity.IsZero() {
		return fpmath.Zero(), nil
	}
	return fpmath.RayDiv(r.TotalBorrows(), r.TotalLiquidity)
}

func (r *Reserve) IncreaseTotalLiquidity(amount *uint256.Int) error {
	sum, err := fpmath.Add(r.TotalLiquidity, amount)
	if err != nil {
		return err
	}
	r.TotalLiquidity = sum
	return nil
}

func (r *Reserve) DecreaseTotalLiquidity(amount *uint256.Int) error {
	diff, ok := fpmath.Sub(r.TotalLiquidity, amount)
	if !ok {
		return errs.ErrInsufficientLiquidity
	}
	r.TotalLiquidity = diff
	return nil
}

// IncreaseTotalBorrows adds amount to the totals of mode. For STABLE the
// average stable rate absorbs amount at rate; VARIABLE ignores rate.
func (r *Reserve) IncreaseTotalBorrows(mode RateMode, amount, rate *uint256.Int) error {
	switch mode {
	case RateModeStable:
		avg, err := fpmath.ComputeAverageRate(r.TotalBorrowsStable, r.CurrentAverageStableRate, amount, rate)
		if err != nil {
			return err
		}
		total, err := fpmath.Add(r.TotalBorrowsStable, amount)
		if err != nil {
			return err
		}
		r.TotalBorrowsStable = total
		r.CurrentAverageStableRate = avg
	case RateModeVariable:
		total, err := fpmath.Add(r.TotalBorrowsVariable, amount)
		if err != nil {
			return err
		}
		r.TotalBorrowsVariable = total
	default:
		return errs.ErrInvalidAmount
	}
	return nil
}

// DecreaseTotalBorrows removes amount from the totals of mode. Fails with
// ErrInsufficientBorrowBalance when amount exceeds the total or, for STABLE,
// when the weighted contribution exceeds the weighted total.
func (r *Reserve) DecreaseTotalBorrows(mode RateMode, amount, rate *uint256.Int) error {
	switch mode {
	case RateModeStable:
		avg, ok, err := fpmath.RemoveFromAverageRate(r.TotalBorrowsStable, r.CurrentAverageStableRate, amount, rate)
		if err != nil {
			return err
		}
		if !ok {
			return errs.ErrInsufficientBorrowBalance
		}
		r.TotalBorrowsStable = new(uint256.Int).Sub(r.TotalBorrowsStable, amount)
		r.CurrentAverageStableRate = avg
	case RateModeVariable:
		total, ok := fpmath.Sub(r.TotalBorrowsVariable, amount)
		if !ok {
			return errs.ErrInsufficientBorrowBalance
		}
		r.TotalBorrowsVariable = total
	default:
		return errs.ErrInvalidAmount
	}
	return nil
}

// NormalizedIncome is the liquidity index including interest accrued since
// the last refresh.
func (r *Reserve) NormalizedIncome(now int64) (*uint256.Int, error) {
	return r.LiquidityAccrual.Accrue(r.LiquidityIndex, r.CurrentLiquidityRate, r.LastUpdateTimestamp, now)
}

// NormalizedVariableDebt is the variable borrow index including interest
// accrued since the last refresh.
func (r *Reserve) NormalizedVariableDebt(now int64) (*uint256.Int, error) {
	return r.VariableAccrual.Accrue(r.VariableBorrowIndex, r.CurrentVariableBorrowRate, r.LastUpdateTimestamp, now)
}

// RefreshIndices advances both cumulative indices to now when anything is
// borrowed and stamps the refresh time. A timestamp at or before the last
// refresh leaves the reserve untouched.
func (r *Reserve) RefreshIndices(now int64) error {
	if now <= r.LastUpdateTimestamp {
		return nil
	}
	if !r.TotalBorrows().IsZero() {
		liquidityIndex, err := r.NormalizedIncome(now)
		if err != nil {
			return err
		}
		variableIndex, err := r.NormalizedVariableDebt(now)
		if err != nil {
			return err
		}
		r.LiquidityIndex = liquidityIndex
		r.VariableBorrowIndex = variableIndex
	}
	r.LastUpdateTimestamp = now
	return nil
}

// UpdateInterestRates re-evaluates the strategy against the current totals.
func (r *Reserve) UpdateInterestRates() error {
	rates, err := r.Strategy.CalculateRates(
		r.AvailableLiquidity(),
		r.TotalBorrowsStable,
		r.TotalBorrowsVariable,
		r.CurrentAverageStableRate,
	)
	if err != nil {
		return err
	}
	r.CurrentLiquidityRate = rates.Liquidity
	r.CurrentStableBorrowRate = rates.StableBorrow
	r.CurrentVariableBorrowRate = rates.VariableBorrow
	return nil
}

// CanonicalBytes for deterministic hashing.
func (r *Reserve) CanonicalBytes() []byte {
	buf := make([]byte, 0, 20+9*32+4+8)
	buf = append(buf, r.Asset.Bytes()...)
	for _, v := range []*uint256.Int{
		r.TotalLiquidity,
		r.TotalBorrowsStable,
		r.TotalBorrowsVariable,
		r.LiquidityIndex,
		r.VariableBorrowIndex,
		r.CurrentAverageStableRate,
		r.CurrentLiquidityRate,
		r.CurrentVariableBorrowRate,
		r.CurrentStableBorrowRate,
	} {
		buf = appendUint256(buf, v)
	}
	buf = append(buf, boolByte(r.BorrowingEnabled), boolByte(r.StableBorrowRateEnabled),
		boolByte(r.UsableAsCollateral), boolByte(r.Active))
	buf = appendInt64LE(buf, r.LastUpdateTimestamp)
	return buf
}

func (r *Reserve) normalize() {
	for _, p := range []**uint256.Int{
		&r.TotalLiquidity,
		&r.TotalBorrowsStable,
		&r.TotalBorrowsVariable,
		&r.LiquidityIndex,
		&r.VariableBorrowIndex,
		&r.CurrentAverageStableRate,
		&r.CurrentLiquidityRate,
		&r.CurrentVariableBorrowRate,
		&r.CurrentStableBorrowRate,
	} {
		if *p == nil {
			*p = fpmath.Zero()
		}
	}
	if r.Strategy == nil {
		strategy := DefaultRateStrategy
		r.Strategy = &strategy
	}
}

func cloneInt(v *uint256.Int) *uint256.Int {
	if v == nil {
		return fpmath.Zero()
	}
	return new(uint256.Int).Set(v)
}

func appendUint256(buf []byte, v *uint256.Int) []byte {
	if v == nil {
		var zero [32]byte
		return append(buf, zero[:]...)
	}
	b := v.Bytes32()
	return append(buf, b[:]...)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return binary.LittleEndian.AppendUint64(buf, uint64(v))
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
