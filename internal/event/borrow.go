package event

import (
	"LendLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Borrow draws Amount from Reserve in the requested rate mode.
type Borrow struct {
	Meta
	Reserve  common.Address `json:"reserve"`
	User     common.Address `json:"user"`
	Amount   *uint256.Int   `json:"amount"`
	RateMode state.RateMode `json:"rate_mode"`
}

func (b *Borrow) EventType() EventType {
	return EventTypeBorrow
}

func (b *Borrow) Asset() common.Address {
	return b.Reserve
}

// Repay pays down User's debt. MaxUint256 repays everything including the
// origination fee.
type Repay struct {
	Meta
	Reserve common.Address `json:"reserve"`
	User    common.Address `json:"user"`
	Amount  *uint256.Int   `json:"amount"`
}

func (r *Repay) EventType() EventType {
	return EventTypeRepay
}

func (r *Repay) Asset() common.Address {
	return r.Reserve
}

// SwapRateMode flips User's borrow between stable and variable.
type SwapRateMode struct {
	Meta
	Reserve common.Address `json:"reserve"`
	User    common.Address `json:"user"`
}

func (s *SwapRateMode) EventType() EventType {
	return EventTypeSwapRateMode
}

func (s *SwapRateMode) Asset() common.Address {
	return s.Reserve
}
