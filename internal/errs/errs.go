package errs

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnauthorized              = errors.New("unauthorized")
	ErrAlreadyInitialized        = errors.New("already initialized")
	ErrInsufficientLiquidity     = errors.New("insufficient liquidity")
	ErrInsufficientBorrowBalance = errors.New("insufficient borrow balance")
	ErrArithmeticOverflow        = errors.New("arithmetic overflow")
	ErrDivisionByZero            = errors.New("division by zero")
	ErrInvalidSwap               = errors.New("invalid rate swap")
	ErrStableRateNotEligible     = errors.New("stable rate not eligible")

	ErrReserveNotFound        = errors.New("reserve not found")
	ErrReserveAlreadyExists   = errors.New("reserve already exists")
	ErrReserveInactive        = errors.New("reserve inactive")
	ErrBorrowingNotEnabled    = errors.New("borrowing not enabled")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrHealthFactorTooLow     = errors.New("health factor below liquidation threshold")
	ErrNotLiquidatable        = errors.New("position not liquidatable")
	ErrNoDebt                 = errors.New("no outstanding debt")
	ErrInsufficientBalance    = errors.New("insufficient deposit balance")
)

// OpError reports which operation failed, on which reserve and user, and why.
// User is the zero address for reserve-level operations.
type OpError struct {
	Op    string
	Asset common.Address
	User  common.Address
	Err   error
}

func (e *OpError) Error() string {
	if e.User == (common.Address{}) {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Asset.Hex(), e.Err)
	}
	return fmt.Sprintf("%s %s user=%s: %v", e.Op, e.Asset.Hex(), e.User.Hex(), e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Op wraps err with operation context. A nil err stays nil.
func Op(op string, asset, user common.Address, err error) error {
	if err == nil {
		return nil
	}
	var existing *OpError
	if errors.As(err, &existing) && existing.Op == op {
		return err
	}
	return &OpError{Op: op, Asset: asset, User: user, Err: err}
}

// Kind returns the sentinel at the root of err, or nil when err carries none
// of the known kinds.
func Kind(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

var kinds = []error{
	ErrUnauthorized,
	ErrAlreadyInitialized,
	ErrInsufficientLiquidity,
	ErrInsufficientBorrowBalance,
	ErrArithmeticOverflow,
	ErrDivisionByZero,
	ErrInvalidSwap,
	ErrStableRateNotEligible,
	ErrReserveNotFound,
	ErrReserveAlreadyExists,
	ErrReserveInactive,
	ErrBorrowingNotEnabled,
	ErrInvalidAmount,
	ErrInsufficientCollateral,
	ErrHealthFactorTooLow,
	ErrNotLiquidatable,
	ErrNoDebt,
	ErrInsufficientBalance,
}
