package core

import (
	"fmt"

	"LendLedger/internal/event"
	"LendLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ReserveSeed is one reserve the ledger should list at startup.
type ReserveSeed struct {
	Asset  common.Address
	Config state.ReserveConfig
	Price  *uint256.Int // nil leaves the asset unpriced
}

// Seed lists missing reserves and prices them as if the configurator and
// the price oracle had sent the actions. The events are logged and replay
// like any other, so seeding an already seeded catalog is a no-op.
// It returns the number of events logged.
func (p *Processor) Seed(seeds []ReserveSeed, now int64) (int, error) {
	configurator := p.provider.GetLendingPoolConfigurator()
	priceOracle := p.provider.GetPriceOracle()

	logged := 0
	for _, s := range seeds {
		listed, priced, nextConfig, nextPrice := p.seedState(s.Asset)

		if !listed {
			evt := &event.ReserveInitialized{
				Meta:    seedMeta(configurator, "init", s.Asset, nextConfig, now),
				Reserve: s.Asset,
				Config:  s.Config,
			}
			env, err := p.ProcessEvent(evt)
			if err != nil {
				return logged, fmt.Errorf("seed reserve %s: %w", s.Asset.Hex(), err)
			}
			if env != nil && env.EventType == event.EventTypeActionRejected {
				return logged, fmt.Errorf("seed reserve %s: rejected: %s", s.Asset.Hex(), env.RejectReason)
			}
			logged++
		}

		if s.Price != nil && !priced {
			evt := &event.PriceUpdate{
				Meta:    seedMeta(priceOracle, "price", s.Asset, nextPrice, now),
				Reserve: s.Asset,
				Price:   s.Price.Clone(),
			}
			env, err := p.ProcessEvent(evt)
			if err != nil {
				return logged, fmt.Errorf("seed price %s: %w", s.Asset.Hex(), err)
			}
			if env != nil && env.EventType == event.EventTypeActionRejected {
				return logged, fmt.Errorf("seed price %s: rejected: %s", s.Asset.Hex(), env.RejectReason)
			}
			logged++
		}
	}
	return logged, nil
}

func (p *Processor) seedState(asset common.Address) (listed, priced bool, nextConfig, nextPrice int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, listed = p.store.Reserve(asset)
	_, err := p.oracle.GetAssetPrice(asset)
	priced = err == nil
	nextConfig = p.sequenceValidator.GetExpectedSequence(ConfigPartition(asset))
	nextPrice = p.sequenceValidator.GetExpectedSequence(PricePartition(asset))
	return listed, priced, nextConfig, nextPrice
}

// seedMeta derives the action ID from the asset so a seed event has the
// same idempotency key on every node.
func seedMeta(from common.Address, kind string, asset common.Address, seq, now int64) event.Meta {
	name := fmt.Sprintf("lendledger:seed:%s:%s:%d", kind, asset.Hex(), seq)
	return event.Meta{
		ID:       uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)),
		From:     from,
		Sequence: seq,
		At:       now,
	}
}
