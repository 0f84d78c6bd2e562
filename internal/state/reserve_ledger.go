package state

import (
	"bytes"
	"slices"

	"LendLedger/internal/errs"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ReserveLedger owns reserves keyed by asset. It is not safe for concurrent
// use on its own; the Store serializes access.
type ReserveLedger struct {
	t *table[common.Address, *Reserve]
}

func NewReserveLedger() *ReserveLedger {
	return &ReserveLedger{t: newTable[common.Address, *Reserve]((*Reserve).Clone)}
}

// Get returns the reserve for update.
func (l *ReserveLedger) Get(asset common.Address) (*Reserve, error) {
	r, ok := l.t.get(asset)
	if !ok {
		return nil, errs.ErrReserveNotFound
	}
	return r, nil
}

// Peek returns a read-only view of the reserve.
func (l *ReserveLedger) Peek(asset common.Address) (*Reserve, bool) {
	return l.t.peek(asset)
}

// Assets lists every reserve in ascending address order.
func (l *ReserveLedger) Assets() []common.Address {
	assets := l.t.keys()
	sortAddresses(assets)
	return assets
}

// InitReserve activates a new reserve. Reserves are never destroyed.
func (l *ReserveLedger) InitReserve(asset common.Address, cfg ReserveConfig, now int64) (*Reserve, error) {
	if _, exists := l.t.peek(asset); exists {
		return nil, errs.ErrReserveAlreadyExists
	}
	r, err := NewReserve(asset, cfg, now)
	if err != nil {
		return nil, err
	}
	l.t.put(asset, r)
	return r, nil
}

func (l *ReserveLedger) IncreaseTotalLiquidity(asset common.Address, amount *uint256.Int) error {
	r, err := l.Get(asset)
	if err != nil {
		return err
	}
	return r.IncreaseTotalLiquidity(amount)
}

func (l *ReserveLedger) DecreaseTotalLiquidity(asset common.Address, amount *uint256.Int) error {
	r, err := l.Get(asset)
	if err != nil {
		return err
	}
	return r.DecreaseTotalLiquidity(amount)
}

func (l *ReserveLedger) IncreaseTotalBorrows(asset common.Address, mode RateMode, amount, rate *uint256.Int) error {
	r, err := l.Get(asset)
	if err != nil {
		return err
	}
	return r.IncreaseTotalBorrows(mode, amount, rate)
}

func (l *ReserveLedger) DecreaseTotalBorrows(asset common.Address, mode RateMode, amount, rate *uint256.Int) error {
	r, err := l.Get(asset)
	if err != nil {
		return err
	}
	return r.DecreaseTotalBorrows(mode, amount, rate)
}

func (l *ReserveLedger) SetBorrowingEnabled(asset common.Address, enabled bool) error {
	r, err := l.Get(asset)
	if err != nil {
		return err
	}
	r.BorrowingEnabled = enabled
	return nil
}

func (l *ReserveLedger) SetStableBorrowRateEnabled(asset common.Address, enabled bool) error {
	r, err := l.Get(asset)
	if err != nil {
		return err
	}
	r.StableBorrowRateEnabled = enabled
	return nil
}

func (l *ReserveLedger) SetCollateralEnabled(asset common.Address, enabled bool) error {
	r, err := l.Get(asset)
	if err != nil {
		return err
	}
	r.UsableAsCollateral = enabled
	return nil
}

func (l *ReserveLedger) SetActive(asset common.Address, active bool) error {
	r, err := l.Get(asset)
	if err != nil {
		return err
	}
	r.Active = active
	return nil
}

func (l *ReserveLedger) RefreshIndices(asset common.Address, now int64) error {
	r, err := l.Get(asset)
	if err != nil {
		return err
	}
	return r.RefreshIndices(now)
}

func (l *ReserveLedger) UpdateInterestRates(asset common.Address) error {
	r, err := l.Get(asset)
	if err != nil {
		return err
	}
	return r.UpdateInterestRates()
}

// staged returns the reserves written through this ledger, by address.
func (l *ReserveLedger) staged() []*Reserve {
	out := make([]*Reserve, 0, l.t.len())
	for _, r := range l.t.rows {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b *Reserve) int { return bytes.Compare(a.Asset[:], b.Asset[:]) })
	return out
}

func sortAddresses(addrs []common.Address) {
	slices.SortFunc(addrs, func(a, b common.Address) int { return bytes.Compare(a[:], b[:]) })
}
