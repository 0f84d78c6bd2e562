// internal/event/deposit.go
package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Deposit supplies Amount of Reserve on behalf of User, minting shares.
type Deposit struct {
	Meta
	Reserve common.Address `json:"reserve"`
	User    common.Address `json:"user"`
	Amount  *uint256.Int   `json:"amount"`
}

func (d *Deposit) EventType() EventType {
	return EventTypeDeposit
}

func (d *Deposit) Asset() common.Address {
	return d.Reserve
}

// SetCollateral toggles whether User's deposit in Reserve backs borrows.
type SetCollateral struct {
	Meta
	Reserve         common.Address `json:"reserve"`
	User            common.Address `json:"user"`
	UseAsCollateral bool           `json:"use_as_collateral"`
}

func (s *SetCollateral) EventType() EventType {
	return EventTypeSetCollateral
}

func (s *SetCollateral) Asset() common.Address {
	return s.Reserve
}

// TransferShares moves deposit shares between users.
type TransferShares struct {
	Meta
	Reserve common.Address `json:"reserve"`
	From    common.Address `json:"from"`
	To      common.Address `json:"to"`
	Amount  *uint256.Int   `json:"amount"`
}

func (t *TransferShares) EventType() EventType {
	return EventTypeTransferShares
}

func (t *TransferShares) Asset() common.Address {
	return t.Reserve
}
