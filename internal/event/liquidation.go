// internal/event/liquidation.go
package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// LiquidationCall repays part of an unhealthy User's DebtReserve debt and
// seizes CollateralReserve deposits for the Liquidator.
// Ordered against the debt reserve.
type LiquidationCall struct {
	Meta
	CollateralReserve common.Address `json:"collateral_reserve"`
	DebtReserve       common.Address `json:"debt_reserve"`
	User              common.Address `json:"user"`
	Liquidator        common.Address `json:"liquidator"`
	PurchaseAmount    *uint256.Int   `json:"purchase_amount"`
	ReceiveShares     bool           `json:"receive_shares"`
}

func (l *LiquidationCall) EventType() EventType {
	return EventTypeLiquidationCall
}

func (l *LiquidationCall) Asset() common.Address {
	return l.DebtReserve
}
