package core

import (
	"fmt"

	"LendLedger/internal/errs"
	"LendLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var noUser common.Address

// --- Pool-gated ledger mutators ---

// reserveOp applies fn to a single reserve for the pool. These are the raw
// ledger entry points: the pool refreshes indices through
// RefreshReserveIndices before it moves totals, so they do not accrue.
func (e *Engine) reserveOp(op string, caller, asset common.Address, fn func(cs *state.Changeset) error, operands ...*uint256.Int) (*Result, error) {
	if err := e.requirePool(caller); err != nil {
		return nil, errs.Op(op, asset, noUser, err)
	}
	if err := requireOperands(operands...); err != nil {
		return nil, errs.Op(op, asset, noUser, err)
	}
	return e.apply(op, asset, noUser, nil, []common.Address{asset}, func(cs *state.Changeset, _ *Result) error {
		return fn(cs)
	})
}

func (e *Engine) IncreaseReserveTotalLiquidity(caller, asset common.Address, amount *uint256.Int) (*Result, error) {
	return e.reserveOp("increase_total_liquidity", caller, asset, func(cs *state.Changeset) error {
		return cs.Reserves.IncreaseTotalLiquidity(asset, amount)
	}, amount)
}

func (e *Engine) DecreaseReserveTotalLiquidity(caller, asset common.Address, amount *uint256.Int) (*Result, error) {
	return e.reserveOp("decrease_total_liquidity", caller, asset, func(cs *state.Changeset) error {
		return cs.Reserves.DecreaseTotalLiquidity(asset, amount)
	}, amount)
}

func (e *Engine) IncreaseReserveTotalBorrowsStableAndUpdateAverageRate(caller, asset common.Address, amount, rate *uint256.Int) (*Result, error) {
	return e.reserveOp("increase_total_borrows_stable", caller, asset, func(cs *state.Changeset) error {
		return cs.Reserves.IncreaseTotalBorrows(asset, state.RateModeStable, amount, rate)
	}, amount, rate)
}

func (e *Engine) DecreaseReserveTotalBorrowsStableAndUpdateAverageRate(caller, asset common.Address, amount, rate *uint256.Int) (*Result, error) {
	return e.reserveOp("decrease_total_borrows_stable", caller, asset, func(cs *state.Changeset) error {
		return cs.Reserves.DecreaseTotalBorrows(asset, state.RateModeStable, amount, rate)
	}, amount, rate)
}

func (e *Engine) IncreaseReserveTotalBorrowsVariable(caller, asset common.Address, amount *uint256.Int) (*Result, error) {
	return e.reserveOp("increase_total_borrows_variable", caller, asset, func(cs *state.Changeset) error {
		return cs.Reserves.IncreaseTotalBorrows(asset, state.RateModeVariable, amount, nil)
	}, amount)
}

func (e *Engine) DecreaseReserveTotalBorrowsVariable(caller, asset common.Address, amount *uint256.Int) (*Result, error) {
	return e.reserveOp("decrease_total_borrows_variable", caller, asset, func(cs *state.Changeset) error {
		return cs.Reserves.DecreaseTotalBorrows(asset, state.RateModeVariable, amount, nil)
	}, amount)
}

// RefreshReserveIndices accrues the reserve's indices up to now.
func (e *Engine) RefreshReserveIndices(caller, asset common.Address, now int64) (*Result, error) {
	return e.reserveOp("refresh_indices", caller, asset, func(cs *state.Changeset) error {
		return cs.Reserves.RefreshIndices(asset, now)
	})
}

// UpdateReserveInterestRates re-evaluates the reserve's rate strategy.
func (e *Engine) UpdateReserveInterestRates(caller, asset common.Address) (*Result, error) {
	return e.reserveOp("update_interest_rates", caller, asset, func(cs *state.Changeset) error {
		return cs.Reserves.UpdateInterestRates(asset)
	})
}

// UpdateUserLastVariableBorrowCumulativeIndex snapshots the reserve's
// variable index into the user's position.
func (e *Engine) UpdateUserLastVariableBorrowCumulativeIndex(caller, asset, user common.Address) (*Result, error) {
	const op = "update_user_index"
	if err := e.requirePool(caller); err != nil {
		return nil, errs.Op(op, asset, user, err)
	}
	return e.apply(op, asset, user, []common.Address{user}, []common.Address{asset}, func(cs *state.Changeset, _ *Result) error {
		r, ok := cs.Reserves.Peek(asset)
		if !ok {
			return errs.ErrReserveNotFound
		}
		cs.Positions.UpdateUserIndex(r, user)
		return nil
	})
}

// --- Configurator-gated reserve configuration ---

func (e *Engine) configure(op string, caller, asset common.Address, fn func(cs *state.Changeset) error) (*Result, error) {
	if err := e.requireConfigurator(caller); err != nil {
		return nil, errs.Op(op, asset, noUser, err)
	}
	return e.apply(op, asset, noUser, nil, []common.Address{asset}, func(cs *state.Changeset, _ *Result) error {
		return fn(cs)
	})
}

// InitReserve activates a new reserve with both indices at 1 RAY.
func (e *Engine) InitReserve(caller, asset common.Address, cfg state.ReserveConfig, now int64) (*Result, error) {
	return e.configure("init_reserve", caller, asset, func(cs *state.Changeset) error {
		_, err := cs.Reserves.InitReserve(asset, cfg, now)
		return err
	})
}

func (e *Engine) EnableBorrowingOnReserve(caller, asset common.Address, stableRateEnabled bool) (*Result, error) {
	return e.configure("enable_borrowing", caller, asset, func(cs *state.Changeset) error {
		if err := cs.Reserves.SetBorrowingEnabled(asset, true); err != nil {
			return err
		}
		return cs.Reserves.SetStableBorrowRateEnabled(asset, stableRateEnabled)
	})
}

func (e *Engine) DisableBorrowingOnReserve(caller, asset common.Address) (*Result, error) {
	return e.configure("disable_borrowing", caller, asset, func(cs *state.Changeset) error {
		return cs.Reserves.SetBorrowingEnabled(asset, false)
	})
}

// EnableReserveAsCollateral allows deposits in asset to back borrows. A
// zero risk leaves the reserve's current parameters in place.
func (e *Engine) EnableReserveAsCollateral(caller, asset common.Address, risk state.RiskParams) (*Result, error) {
	return e.configure("enable_collateral", caller, asset, func(cs *state.Changeset) error {
		r, err := cs.Reserves.Get(asset)
		if err != nil {
			return err
		}
		if risk != (state.RiskParams{}) {
			if err := state.ValidateRiskParams(risk); err != nil {
				return fmt.Errorf("%w: %v", errs.ErrInvalidAmount, err)
			}
			r.Risk = risk
		}
		return cs.Reserves.SetCollateralEnabled(asset, true)
	})
}

func (e *Engine) DisableReserveAsCollateral(caller, asset common.Address) (*Result, error) {
	return e.configure("disable_collateral", caller, asset, func(cs *state.Changeset) error {
		return cs.Reserves.SetCollateralEnabled(asset, false)
	})
}

func (e *Engine) EnableReserveStableBorrowRate(caller, asset common.Address) (*Result, error) {
	return e.configure("enable_stable_rate", caller, asset, func(cs *state.Changeset) error {
		return cs.Reserves.SetStableBorrowRateEnabled(asset, true)
	})
}

func (e *Engine) DisableReserveStableBorrowRate(caller, asset common.Address) (*Result, error) {
	return e.configure("disable_stable_rate", caller, asset, func(cs *state.Changeset) error {
		return cs.Reserves.SetStableBorrowRateEnabled(asset, false)
	})
}

func (e *Engine) ActivateReserve(caller, asset common.Address) (*Result, error) {
	return e.configure("activate_reserve", caller, asset, func(cs *state.Changeset) error {
		return cs.Reserves.SetActive(asset, true)
	})
}

// DeactivateReserve freezes an empty reserve.
func (e *Engine) DeactivateReserve(caller, asset common.Address) (*Result, error) {
	return e.configure("deactivate_reserve", caller, asset, func(cs *state.Changeset) error {
		r, ok := cs.Reserves.Peek(asset)
		if !ok {
			return errs.ErrReserveNotFound
		}
		if !r.TotalLiquidity.IsZero() {
			return fmt.Errorf("%w: reserve still holds liquidity", errs.ErrInvalidAmount)
		}
		return cs.Reserves.SetActive(asset, false)
	})
}

// --- Accessors over committed state ---

func (e *Engine) GetReserve(asset common.Address) (*state.Reserve, error) {
	r, ok := e.store.Reserve(asset)
	if !ok {
		return nil, errs.Op("get_reserve", asset, noUser, errs.ErrReserveNotFound)
	}
	return r, nil
}

// GetReserves returns every reserve, by address.
func (e *Engine) GetReserves() []*state.Reserve {
	return e.store.Reserves()
}

func (e *Engine) reserveField(asset common.Address, field func(*state.Reserve) *uint256.Int) (*uint256.Int, error) {
	r, err := e.GetReserve(asset)
	if err != nil {
		return nil, err
	}
	return field(r), nil
}

func (e *Engine) GetReserveTotalLiquidity(asset common.Address) (*uint256.Int, error) {
	return e.reserveField(asset, func(r *state.Reserve) *uint256.Int { return r.TotalLiquidity })
}

func (e *Engine) GetReserveTotalBorrowsStable(asset common.Address) (*uint256.Int, error) {
	return e.reserveField(asset, func(r *state.Reserve) *uint256.Int { return r.TotalBorrowsStable })
}

func (e *Engine) GetReserveTotalBorrowsVariable(asset common.Address) (*uint256.Int, error) {
	return e.reserveField(asset, func(r *state.Reserve) *uint256.Int { return r.TotalBorrowsVariable })
}

func (e *Engine) GetReserveTotalBorrows(asset common.Address) (*uint256.Int, error) {
	return e.reserveField(asset, (*state.Reserve).TotalBorrows)
}

func (e *Engine) GetReserveLiquidityCumulativeIndex(asset common.Address) (*uint256.Int, error) {
	return e.reserveField(asset, func(r *state.Reserve) *uint256.Int { return r.LiquidityIndex })
}

func (e *Engine) GetReserveVariableBorrowsCumulativeIndex(asset common.Address) (*uint256.Int, error) {
	return e.reserveField(asset, func(r *state.Reserve) *uint256.Int { return r.VariableBorrowIndex })
}

func (e *Engine) GetReserveCurrentAverageStableBorrowRate(asset common.Address) (*uint256.Int, error) {
	return e.reserveField(asset, func(r *state.Reserve) *uint256.Int { return r.CurrentAverageStableRate })
}

func (e *Engine) GetReserveCurrentLiquidityRate(asset common.Address) (*uint256.Int, error) {
	return e.reserveField(asset, func(r *state.Reserve) *uint256.Int { return r.CurrentLiquidityRate })
}

func (e *Engine) GetReserveCurrentVariableBorrowRate(asset common.Address) (*uint256.Int, error) {
	return e.reserveField(asset, func(r *state.Reserve) *uint256.Int { return r.CurrentVariableBorrowRate })
}

func (e *Engine) GetReserveCurrentStableBorrowRate(asset common.Address) (*uint256.Int, error) {
	return e.reserveField(asset, func(r *state.Reserve) *uint256.Int { return r.CurrentStableBorrowRate })
}

func (e *Engine) GetReserveAvailableLiquidity(asset common.Address) (*uint256.Int, error) {
	return e.reserveField(asset, (*state.Reserve).AvailableLiquidity)
}

func (e *Engine) GetReserveUtilizationRate(asset common.Address) (*uint256.Int, error) {
	r, err := e.GetReserve(asset)
	if err != nil {
		return nil, err
	}
	return r.UtilizationRate()
}

// GetReserveNormalizedIncome returns the liquidity index as of now.
func (e *Engine) GetReserveNormalizedIncome(asset common.Address, now int64) (*uint256.Int, error) {
	r, err := e.GetReserve(asset)
	if err != nil {
		return nil, err
	}
	return r.NormalizedIncome(now)
}

func (e *Engine) IsReserveBorrowingEnabled(asset common.Address) (bool, error) {
	r, err := e.GetReserve(asset)
	if err != nil {
		return false, err
	}
	return r.BorrowingEnabled, nil
}

func (e *Engine) IsReserveUsageAsCollateralEnabled(asset common.Address) (bool, error) {
	r, err := e.GetReserve(asset)
	if err != nil {
		return false, err
	}
	return r.UsableAsCollateral, nil
}

func (e *Engine) IsReserveStableBorrowRateEnabled(asset common.Address) (bool, error) {
	r, err := e.GetReserve(asset)
	if err != nil {
		return false, err
	}
	return r.StableBorrowRateEnabled, nil
}

// GetUserPosition returns a copy of the user's position in asset.
func (e *Engine) GetUserPosition(asset, user common.Address) (*state.UserPosition, error) {
	if _, err := e.GetReserve(asset); err != nil {
		return nil, err
	}
	return e.store.Position(asset, user), nil
}

func (e *Engine) GetUserVariableBorrowCumulativeIndex(asset, user common.Address) (*uint256.Int, error) {
	p, err := e.GetUserPosition(asset, user)
	if err != nil {
		return nil, err
	}
	return p.LastVariableBorrowIndex, nil
}

func (e *Engine) GetUserOriginationFee(asset, user common.Address) (*uint256.Int, error) {
	p, err := e.GetUserPosition(asset, user)
	if err != nil {
		return nil, err
	}
	return p.OriginationFee, nil
}

func (e *Engine) GetUserCurrentBorrowRateMode(asset, user common.Address) (state.RateMode, error) {
	p, err := e.GetUserPosition(asset, user)
	if err != nil {
		return state.RateModeNone, err
	}
	return p.RateMode, nil
}

func (e *Engine) GetUserCurrentStableBorrowRate(asset, user common.Address) (*uint256.Int, error) {
	p, err := e.GetUserPosition(asset, user)
	if err != nil {
		return nil, err
	}
	return p.StableRate, nil
}

func (e *Engine) IsUserUseReserveAsCollateralEnabled(asset, user common.Address) (bool, error) {
	p, err := e.GetUserPosition(asset, user)
	if err != nil {
		return false, err
	}
	return p.UseAsCollateral, nil
}

// GetUserBorrowBalances returns the principal, the balance compounded up to
// now and the difference.
func (e *Engine) GetUserBorrowBalances(asset, user common.Address, now int64) (principal, compounded, increase *uint256.Int, err error) {
	r, err := e.GetReserve(asset)
	if err != nil {
		return nil, nil, nil, err
	}
	return e.store.Position(asset, user).BorrowBalances(r, e.ledgerTime(now))
}

// GetUserUnderlyingAssetBalance returns the user's deposit including
// interest earned up to now.
func (e *Engine) GetUserUnderlyingAssetBalance(asset, user common.Address, now int64) (*uint256.Int, error) {
	cs := e.store.Begin()
	r, ok := cs.Reserves.Peek(asset)
	if !ok {
		return nil, errs.Op("get_underlying_balance", asset, user, errs.ErrReserveNotFound)
	}
	income, err := r.NormalizedIncome(now)
	if err != nil {
		return nil, err
	}
	return cs.Shares.BalanceOf(asset, user, income)
}

// GetUserAccountData values all of the user's positions as of now.
func (e *Engine) GetUserAccountData(user common.Address, now int64) (*state.AccountData, error) {
	return e.calc.AccountData(e.store.Begin(), user, e.ledgerTime(now))
}
