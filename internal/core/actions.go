package core

import (
	"fmt"

	"LendLedger/internal/errs"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Deposit adds amount of liquidity to the reserve on behalf of user and
// mints the matching shares. A first deposit enables the reserve as the
// user's collateral.
func (e *Engine) Deposit(caller, asset, user common.Address, amount *uint256.Int, now int64) (*Result, error) {
	const op = "deposit"
	if err := e.requirePool(caller); err != nil {
		return nil, errs.Op(op, asset, user, err)
	}
	if err := requireAmount(amount); err != nil {
		return nil, errs.Op(op, asset, user, err)
	}

	return e.apply(op, asset, user, []common.Address{user}, []common.Address{asset}, func(cs *state.Changeset, res *Result) error {
		now = e.ledgerTime(now)
		r, err := activeReserve(cs, asset, now)
		if err != nil {
			return err
		}
		firstDeposit := cs.Shares.ScaledBalance(asset, user).IsZero()

		if err := r.IncreaseTotalLiquidity(amount); err != nil {
			return err
		}
		income, err := r.NormalizedIncome(now)
		if err != nil {
			return err
		}
		if _, err := cs.Shares.Mint(asset, user, amount, income); err != nil {
			return err
		}
		if firstDeposit {
			cs.Positions.SetUseAsCollateral(asset, user, true)
		}
		if err := r.UpdateInterestRates(); err != nil {
			return err
		}

		res.Amount = new(uint256.Int).Set(amount)
		return nil
	})
}

// Borrow originates a loan of amount in mode. Existing debt is accrued and
// moved to mode along with the new amount.
func (e *Engine) Borrow(caller, asset, user common.Address, amount *uint256.Int, mode state.RateMode, now int64) (*Result, error) {
	const op = "borrow"
	if err := e.requirePool(caller); err != nil {
		return nil, errs.Op(op, asset, user, err)
	}
	if err := requireAmount(amount); err != nil {
		return nil, errs.Op(op, asset, user, err)
	}
	if mode != state.RateModeStable && mode != state.RateModeVariable {
		return nil, errs.Op(op, asset, user, fmt.Errorf("%w: rate mode %s", errs.ErrInvalidAmount, mode))
	}

	return e.apply(op, asset, user, []common.Address{user}, []common.Address{asset}, func(cs *state.Changeset, res *Result) error {
		now = e.ledgerTime(now)
		r, err := activeReserve(cs, asset, now)
		if err != nil {
			return err
		}
		if !r.BorrowingEnabled {
			return errs.ErrBorrowingNotEnabled
		}
		available := r.AvailableLiquidity()
		if amount.Gt(available) {
			return errs.ErrInsufficientLiquidity
		}

		fee, err := fpmath.WadMul(amount, e.params.OriginationFeeRate)
		if err != nil {
			return err
		}
		if err := e.checkBorrowCollateral(cs, asset, user, amount, fee, now); err != nil {
			return err
		}
		if mode == state.RateModeStable {
			if err := e.checkStableEligibility(cs, r, user, amount, now, true); err != nil {
				return err
			}
		}

		pos := cs.Positions.Peek(asset, user)
		principal, _, increase, err := pos.BorrowBalances(r, now)
		if err != nil {
			return err
		}
		rate := new(uint256.Int).Set(r.CurrentVariableBorrowRate)
		if mode == state.RateModeStable {
			rate = new(uint256.Int).Set(r.CurrentStableBorrowRate)
		}

		if pos.RateMode != state.RateModeNone {
			if err := r.DecreaseTotalBorrows(pos.RateMode, principal, pos.StableRate); err != nil {
				return err
			}
		}
		newPrincipal, err := fpmath.Add(principal, increase)
		if err != nil {
			return err
		}
		if newPrincipal, err = fpmath.Add(newPrincipal, amount); err != nil {
			return err
		}
		if err := r.IncreaseTotalBorrows(mode, newPrincipal, rate); err != nil {
			return err
		}
		if err := r.IncreaseTotalLiquidity(increase); err != nil {
			return err
		}
		if err := cs.Positions.Originate(r, user, amount, increase, mode, rate, fee, now); err != nil {
			return err
		}
		if err := r.UpdateInterestRates(); err != nil {
			return err
		}

		res.Amount = new(uint256.Int).Set(amount)
		res.BalanceIncrease = increase
		res.Fee = fee
		res.RateMode = mode
		res.BorrowRate = rate
		return nil
	})
}

// Repay pays back up to amount of the user's debt, origination fee first.
// MaxUint256 repays everything.
func (e *Engine) Repay(caller, asset, user common.Address, amount *uint256.Int, now int64) (*Result, error) {
	const op = "repay"
	if err := e.requirePool(caller); err != nil {
		return nil, errs.Op(op, asset, user, err)
	}
	if err := requireAmount(amount); err != nil {
		return nil, errs.Op(op, asset, user, err)
	}

	return e.apply(op, asset, user, []common.Address{user}, []common.Address{asset}, func(cs *state.Changeset, res *Result) error {
		now = e.ledgerTime(now)
		r, err := activeReserve(cs, asset, now)
		if err != nil {
			return err
		}
		pos := cs.Positions.Peek(asset, user)
		_, compounded, increase, err := pos.BorrowBalances(r, now)
		if err != nil {
			return err
		}
		if compounded.IsZero() {
			return errs.ErrNoDebt
		}

		fee := new(uint256.Int).Set(pos.OriginationFee)
		payback, err := fpmath.Add(compounded, fee)
		if err != nil {
			return err
		}
		if !amount.Eq(fpmath.MaxUint256) && amount.Lt(payback) {
			payback = new(uint256.Int).Set(amount)
		}

		paybackMinusFees := fpmath.Zero()
		feeRepaid := payback
		if payback.Gt(fee) {
			paybackMinusFees = new(uint256.Int).Sub(payback, fee)
			feeRepaid = fee
		}
		whole := paybackMinusFees.Eq(compounded)
		mode := pos.RateMode

		if err := adjustBorrows(r, mode, increase, paybackMinusFees, pos.StableRate); err != nil {
			return err
		}
		if err := r.IncreaseTotalLiquidity(increase); err != nil {
			return err
		}
		if err := cs.Positions.Repay(r, user, paybackMinusFees, feeRepaid, increase, whole, now); err != nil {
			return err
		}
		if err := r.UpdateInterestRates(); err != nil {
			return err
		}

		res.Amount = payback
		res.BalanceIncrease = increase
		res.Fee = feeRepaid
		res.RateMode = mode
		return nil
	})
}

// Redeem burns amount of the user's shares and releases the liquidity.
// MaxUint256 redeems the whole balance.
func (e *Engine) Redeem(caller, asset, user common.Address, amount *uint256.Int, now int64) (*Result, error) {
	const op = "redeem"
	if err := e.requirePool(caller); err != nil {
		return nil, errs.Op(op, asset, user, err)
	}
	if err := requireAmount(amount); err != nil {
		return nil, errs.Op(op, asset, user, err)
	}

	return e.apply(op, asset, user, []common.Address{user}, []common.Address{asset}, func(cs *state.Changeset, res *Result) error {
		now = e.ledgerTime(now)
		r, err := activeReserve(cs, asset, now)
		if err != nil {
			return err
		}
		income, err := r.NormalizedIncome(now)
		if err != nil {
			return err
		}
		balance, err := cs.Shares.BalanceOf(asset, user, income)
		if err != nil {
			return err
		}
		redeemed := amount
		if amount.Eq(fpmath.MaxUint256) {
			redeemed = balance
		}
		if balance.IsZero() || redeemed.Gt(balance) {
			return errs.ErrInsufficientBalance
		}
		if redeemed.Gt(r.AvailableLiquidity()) {
			return errs.ErrInsufficientLiquidity
		}
		allowed, err := e.calc.BalanceDecreaseAllowed(cs, asset, user, redeemed, now)
		if err != nil {
			return err
		}
		if !allowed {
			return errs.ErrHealthFactorTooLow
		}

		if _, err := cs.Shares.Burn(asset, user, redeemed, income); err != nil {
			return err
		}
		if err := r.DecreaseTotalLiquidity(redeemed); err != nil {
			return err
		}
		if cs.Shares.ScaledBalance(asset, user).IsZero() {
			cs.Positions.SetUseAsCollateral(asset, user, false)
		}
		if err := r.UpdateInterestRates(); err != nil {
			return err
		}

		res.Amount = new(uint256.Int).Set(redeemed)
		return nil
	})
}

// SwapBorrowRateMode moves the user's whole compounded debt to the other
// rate mode.
func (e *Engine) SwapBorrowRateMode(caller, asset, user common.Address, now int64) (*Result, error) {
	const op = "swap_borrow_rate_mode"
	if err := e.requirePool(caller); err != nil {
		return nil, errs.Op(op, asset, user, err)
	}

	return e.apply(op, asset, user, []common.Address{user}, []common.Address{asset}, func(cs *state.Changeset, res *Result) error {
		now = e.ledgerTime(now)
		r, err := activeReserve(cs, asset, now)
		if err != nil {
			return err
		}
		pos := cs.Positions.Peek(asset, user)
		principal, compounded, increase, err := pos.BorrowBalances(r, now)
		if err != nil {
			return err
		}
		if compounded.IsZero() {
			return errs.ErrInvalidSwap
		}
		stableRate := new(uint256.Int).Set(r.CurrentStableBorrowRate)

		switch pos.RateMode {
		case state.RateModeStable:
			if err := r.DecreaseTotalBorrows(state.RateModeStable, principal, pos.StableRate); err != nil {
				return err
			}
			if err := r.IncreaseTotalBorrows(state.RateModeVariable, compounded, nil); err != nil {
				return err
			}
		case state.RateModeVariable:
			if err := e.checkStableEligibility(cs, r, user, compounded, now, false); err != nil {
				return err
			}
			if err := r.DecreaseTotalBorrows(state.RateModeVariable, principal, nil); err != nil {
				return err
			}
			if err := r.IncreaseTotalBorrows(state.RateModeStable, compounded, stableRate); err != nil {
				return err
			}
		default:
			return errs.ErrInvalidSwap
		}
		if err := r.IncreaseTotalLiquidity(increase); err != nil {
			return err
		}
		next, err := cs.Positions.SwapRateMode(r, user, increase, stableRate, now)
		if err != nil {
			return err
		}
		if err := r.UpdateInterestRates(); err != nil {
			return err
		}

		res.Amount = compounded
		res.BalanceIncrease = increase
		res.RateMode = next
		if next == state.RateModeStable {
			res.BorrowRate = stableRate
		} else {
			res.BorrowRate = new(uint256.Int).Set(r.CurrentVariableBorrowRate)
		}
		return nil
	})
}

// SetUserUseReserveAsCollateral toggles whether the user's deposit in asset
// backs their borrows. Disabling must keep the health factor at or above 1.
func (e *Engine) SetUserUseReserveAsCollateral(caller, asset, user common.Address, use bool, now int64) (*Result, error) {
	const op = "set_use_as_collateral"
	if err := e.requirePool(caller); err != nil {
		return nil, errs.Op(op, asset, user, err)
	}

	return e.apply(op, asset, user, []common.Address{user}, []common.Address{asset}, func(cs *state.Changeset, res *Result) error {
		now = e.ledgerTime(now)
		r, ok := cs.Reserves.Peek(asset)
		if !ok {
			return errs.ErrReserveNotFound
		}
		income, err := r.NormalizedIncome(now)
		if err != nil {
			return err
		}
		balance, err := cs.Shares.BalanceOf(asset, user, income)
		if err != nil {
			return err
		}
		if balance.IsZero() {
			return errs.ErrInsufficientBalance
		}
		if !use {
			allowed, err := e.calc.BalanceDecreaseAllowed(cs, asset, user, balance, now)
			if err != nil {
				return err
			}
			if !allowed {
				return errs.ErrHealthFactorTooLow
			}
		}
		cs.Positions.SetUseAsCollateral(asset, user, use)
		res.Amount = balance
		return nil
	})
}

// TransferShares moves amount of deposit from one user to another. A sender
// left with nothing stops using the reserve as collateral; a recipient with
// no prior balance starts.
func (e *Engine) TransferShares(caller, asset, from, to common.Address, amount *uint256.Int, now int64) (*Result, error) {
	const op = "transfer_shares"
	if err := e.requirePool(caller); err != nil {
		return nil, errs.Op(op, asset, from, err)
	}
	if err := requireAmount(amount); err != nil {
		return nil, errs.Op(op, asset, from, err)
	}
	if from == to {
		return nil, errs.Op(op, asset, from, fmt.Errorf("%w: transfer to self", errs.ErrInvalidAmount))
	}

	return e.apply(op, asset, from, []common.Address{from, to}, []common.Address{asset}, func(cs *state.Changeset, res *Result) error {
		now = e.ledgerTime(now)
		r, ok := cs.Reserves.Peek(asset)
		if !ok {
			return errs.ErrReserveNotFound
		}
		income, err := r.NormalizedIncome(now)
		if err != nil {
			return err
		}
		balance, err := cs.Shares.BalanceOf(asset, from, income)
		if err != nil {
			return err
		}
		moved := amount
		if amount.Eq(fpmath.MaxUint256) {
			moved = balance
		}
		if balance.IsZero() || moved.Gt(balance) {
			return errs.ErrInsufficientBalance
		}
		allowed, err := e.calc.BalanceDecreaseAllowed(cs, asset, from, moved, now)
		if err != nil {
			return err
		}
		if !allowed {
			return errs.ErrHealthFactorTooLow
		}

		if err := moveShares(cs, asset, from, to, moved, income); err != nil {
			return err
		}
		res.Amount = new(uint256.Int).Set(moved)
		res.Counterparty = to
		return nil
	})
}

// LiquidationCall repays up to purchase of the user's debt in debtAsset and
// hands the liquidator the matching collateral plus the bonus, either as
// shares or as released liquidity.
func (e *Engine) LiquidationCall(
	caller, collateralAsset, debtAsset, user, liquidator common.Address,
	purchase *uint256.Int, receiveShares bool, now int64,
) (*Result, error) {
	const op = "liquidation_call"
	if err := e.requirePool(caller); err != nil {
		return nil, errs.Op(op, debtAsset, user, err)
	}
	if err := requireAmount(purchase); err != nil {
		return nil, errs.Op(op, debtAsset, user, err)
	}
	if user == liquidator {
		return nil, errs.Op(op, debtAsset, user, fmt.Errorf("%w: self liquidation", errs.ErrInvalidAmount))
	}

	users := []common.Address{user, liquidator}
	reserves := []common.Address{collateralAsset, debtAsset}
	return e.apply(op, debtAsset, user, users, reserves, func(cs *state.Changeset, res *Result) error {
		now = e.ledgerTime(now)
		debtReserve, err := activeReserve(cs, debtAsset, now)
		if err != nil {
			return err
		}
		collateralReserve, err := activeReserve(cs, collateralAsset, now)
		if err != nil {
			return err
		}

		data, err := e.calc.AccountData(cs, user, now)
		if err != nil {
			return err
		}
		if !data.HealthFactorBelowThreshold() {
			return errs.ErrNotLiquidatable
		}

		income, err := collateralReserve.NormalizedIncome(now)
		if err != nil {
			return err
		}
		userCollateral, err := cs.Shares.BalanceOf(collateralAsset, user, income)
		if err != nil {
			return err
		}
		if userCollateral.IsZero() {
			return fmt.Errorf("%w: no deposit in %s", errs.ErrInsufficientCollateral, collateralAsset.Hex())
		}
		if !collateralReserve.UsableAsCollateral || !cs.Positions.Peek(collateralAsset, user).UseAsCollateral {
			return fmt.Errorf("%w: %s is not used as collateral", errs.ErrNotLiquidatable, collateralAsset.Hex())
		}

		pos := cs.Positions.Peek(debtAsset, user)
		_, compounded, increase, err := pos.BorrowBalances(debtReserve, now)
		if err != nil {
			return err
		}
		if compounded.IsZero() {
			return errs.ErrNoDebt
		}

		maxPrincipal, err := fpmath.PercentMul(compounded, e.params.LiquidationCloseFactorPercent)
		if err != nil {
			return err
		}
		repaid := fpmath.Min(purchase, maxPrincipal)
		seized, needed, err := e.calc.CollateralToLiquidate(collateralReserve, debtAsset, repaid, userCollateral)
		if err != nil {
			return err
		}
		if needed.Lt(repaid) {
			repaid = needed
		}
		if repaid.IsZero() || seized.IsZero() {
			return fmt.Errorf("%w: nothing to liquidate", errs.ErrInvalidAmount)
		}
		if !receiveShares && seized.Gt(collateralReserve.AvailableLiquidity()) {
			return errs.ErrInsufficientLiquidity
		}

		mode := pos.RateMode
		if err := adjustBorrows(debtReserve, mode, increase, repaid, pos.StableRate); err != nil {
			return err
		}
		if err := debtReserve.IncreaseTotalLiquidity(increase); err != nil {
			return err
		}
		if err := cs.Positions.Get(debtAsset, user).Liquidate(debtReserve, repaid, increase, now); err != nil {
			return err
		}

		if receiveShares {
			if err := moveShares(cs, collateralAsset, user, liquidator, seized, income); err != nil {
				return err
			}
		} else {
			if _, err := cs.Shares.Burn(collateralAsset, user, seized, income); err != nil {
				return err
			}
			if err := collateralReserve.DecreaseTotalLiquidity(seized); err != nil {
				return err
			}
			if cs.Shares.ScaledBalance(collateralAsset, user).IsZero() {
				cs.Positions.SetUseAsCollateral(collateralAsset, user, false)
			}
		}

		if err := debtReserve.UpdateInterestRates(); err != nil {
			return err
		}
		if collateralAsset != debtAsset {
			if err := collateralReserve.UpdateInterestRates(); err != nil {
				return err
			}
		}

		res.Amount = repaid
		res.BalanceIncrease = increase
		res.Collateral = seized
		res.CollateralAsset = collateralAsset
		res.Counterparty = liquidator
		res.RateMode = mode
		return nil
	})
}

// checkBorrowCollateral verifies the user's collateral covers existing debt
// plus amount and fee at the current loan to value.
func (e *Engine) checkBorrowCollateral(cs *state.Changeset, asset, user common.Address, amount, fee *uint256.Int, now int64) error {
	data, err := e.calc.AccountData(cs, user, now)
	if err != nil {
		return err
	}
	if data.TotalCollateral.IsZero() {
		return errs.ErrInsufficientCollateral
	}
	if data.HealthFactorBelowThreshold() {
		return errs.ErrHealthFactorTooLow
	}
	needed, err := e.calc.CollateralNeeded(asset, amount, fee, data)
	if err != nil {
		return err
	}
	if needed.Gt(data.TotalCollateral) {
		return errs.ErrInsufficientCollateral
	}
	return nil
}

// checkStableEligibility rejects stable borrows the reserve does not offer,
// borrows backed by a deposit of the same asset that could cover them, and
// (when capped) borrows above the share of available liquidity allowed for
// a single stable loan.
func (e *Engine) checkStableEligibility(cs *state.Changeset, r *state.Reserve, user common.Address, amount *uint256.Int, now int64, capped bool) error {
	if !r.StableBorrowRateEnabled {
		return fmt.Errorf("%w: stable borrowing disabled", errs.ErrStableRateNotEligible)
	}
	if r.UsableAsCollateral && cs.Positions.Peek(r.Asset, user).UseAsCollateral {
		income, err := r.NormalizedIncome(now)
		if err != nil {
			return err
		}
		deposit, err := cs.Shares.BalanceOf(r.Asset, user, income)
		if err != nil {
			return err
		}
		if !amount.Gt(deposit) {
			return fmt.Errorf("%w: collateral in the same asset", errs.ErrStableRateNotEligible)
		}
	}
	if capped {
		ceiling, err := fpmath.PercentMul(r.AvailableLiquidity(), e.params.MaxStableRatePercent)
		if err != nil {
			return err
		}
		if amount.Gt(ceiling) {
			return fmt.Errorf("%w: above %d%% of available liquidity", errs.ErrStableRateNotEligible, e.params.MaxStableRatePercent)
		}
	}
	return nil
}

// adjustBorrows books accrued interest and then a repayment against the
// reserve totals of mode.
func adjustBorrows(r *state.Reserve, mode state.RateMode, increase, decrease, stableRate *uint256.Int) error {
	if !increase.IsZero() {
		if err := r.IncreaseTotalBorrows(mode, increase, stableRate); err != nil {
			return err
		}
	}
	if !decrease.IsZero() {
		if err := r.DecreaseTotalBorrows(mode, decrease, stableRate); err != nil {
			return err
		}
	}
	return nil
}

// moveShares transfers deposit shares and updates both collateral flags.
func moveShares(cs *state.Changeset, asset, from, to common.Address, amount, income *uint256.Int) error {
	recipientWasEmpty := cs.Shares.ScaledBalance(asset, to).IsZero()
	if err := cs.Shares.Transfer(asset, from, to, amount, income); err != nil {
		return err
	}
	if cs.Shares.ScaledBalance(asset, from).IsZero() {
		cs.Positions.SetUseAsCollateral(asset, from, false)
	}
	if recipientWasEmpty {
		cs.Positions.SetUseAsCollateral(asset, to, true)
	}
	return nil
}
