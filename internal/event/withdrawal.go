package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Redeem burns User's shares and releases the underlying. An Amount of
// MaxUint256 redeems the whole balance.
type Redeem struct {
	Meta
	Reserve common.Address `json:"reserve"`
	User    common.Address `json:"user"`
	Amount  *uint256.Int   `json:"amount"`
}

func (r *Redeem) EventType() EventType {
	return EventTypeRedeem
}

func (r *Redeem) Asset() common.Address {
	return r.Reserve
}

// RedeemAll reports whether the action asks for the full balance.
func (r *Redeem) RedeemAll() bool {
	return r.Amount != nil && r.Amount.Eq(maxUint256)
}

var maxUint256 = new(uint256.Int).SetAllOne()
