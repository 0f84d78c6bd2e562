// internal/event/price.go
package event

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PriceUpdate sets the oracle quote of Reserve, WAD per whole token.
// Prices feed health factors, so they go through the log like any action.
type PriceUpdate struct {
	Meta
	Reserve common.Address `json:"reserve"`
	Price   *uint256.Int   `json:"price"`
}

func (p *PriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", p.Reserve.Hex(), p.Sequence)
}

func (p *PriceUpdate) EventType() EventType {
	return EventTypePriceUpdate
}

func (p *PriceUpdate) Asset() common.Address {
	return p.Reserve
}
