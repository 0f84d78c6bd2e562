// internal/state/balance.go
package state

import (
	"LendLedger/internal/errs"
	fpmath "LendLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ShareEntry is one user's scaled deposit balance in one reserve.
type ShareEntry struct {
	Asset  common.Address `json:"asset"`
	User   common.Address `json:"user"`
	Scaled *uint256.Int   `json:"scaled"`
}

// CanonicalBytes for deterministic hashing.
func (e ShareEntry) CanonicalBytes() []byte {
	buf := make([]byte, 0, 72)
	buf = append(buf, e.Asset.Bytes()...)
	buf = append(buf, e.User.Bytes()...)
	return appendUint256(buf, e.Scaled)
}

// ShareLedger owns interest-bearing deposit shares. A share is stored
// scaled by the liquidity index at mint time, so the underlying balance is
// scaled x current normalized income.
type ShareLedger struct {
	t *table[PositionKey, *uint256.Int]
}

func NewShareLedger() *ShareLedger {
	return &ShareLedger{t: newTable[PositionKey, *uint256.Int](cloneInt)}
}

// ScaledBalance returns the stored scaled amount.
func (l *ShareLedger) ScaledBalance(asset, user common.Address) *uint256.Int {
	if v, ok := l.t.peek(PositionKey{Asset: asset, User: user}); ok {
		return new(uint256.Int).Set(v)
	}
	return fpmath.Zero()
}

// BalanceOf converts the scaled balance at the given normalized income.
func (l *ShareLedger) BalanceOf(asset, user common.Address, index *uint256.Int) (*uint256.Int, error) {
	return fpmath.RayMul(l.ScaledBalance(asset, user), index)
}

// Mint credits amount of underlying at index and returns the scaled shares.
func (l *ShareLedger) Mint(asset, user common.Address, amount, index *uint256.Int) (*uint256.Int, error) {
	scaled, err := fpmath.RayDiv(amount, index)
	if err != nil {
		return nil, err
	}
	return scaled, l.credit(asset, user, scaled)
}

// Burn debits amount of underlying at index. Burning the full balance
// removes every scaled unit so no dust remains.
func (l *ShareLedger) Burn(asset, user common.Address, amount, index *uint256.Int) (*uint256.Int, error) {
	scaled, err := l.scaledFor(asset, user, amount, index)
	if err != nil {
		return nil, err
	}
	return scaled, l.debit(asset, user, scaled)
}

// Transfer moves amount of underlying from one user to another, moving the
// same number of scaled units.
func (l *ShareLedger) Transfer(asset, from, to common.Address, amount, index *uint256.Int) error {
	scaled, err := l.scaledFor(asset, from, amount, index)
	if err != nil {
		return err
	}
	if err := l.debit(asset, from, scaled); err != nil {
		return err
	}
	return l.credit(asset, to, scaled)
}

func (l *ShareLedger) scaledFor(asset, user common.Address, amount, index *uint256.Int) (*uint256.Int, error) {
	stored := l.ScaledBalance(asset, user)
	balance, err := fpmath.RayMul(stored, index)
	if err != nil {
		return nil, err
	}
	if amount.Gt(balance) {
		return nil, errs.ErrInsufficientBalance
	}
	if amount.Eq(balance) {
		return stored, nil
	}
	scaled, err := fpmath.RayDiv(amount, index)
	if err != nil {
		return nil, err
	}
	return fpmath.Min(scaled, stored), nil
}

func (l *ShareLedger) credit(asset, user common.Address, scaled *uint256.Int) error {
	key := PositionKey{Asset: asset, User: user}
	current := l.ScaledBalance(asset, user)
	sum, err := fpmath.Add(current, scaled)
	if err != nil {
		return err
	}
	l.t.put(key, sum)
	return nil
}

func (l *ShareLedger) debit(asset, user common.Address, scaled *uint256.Int) error {
	key := PositionKey{Asset: asset, User: user}
	diff, ok := fpmath.Sub(l.ScaledBalance(asset, user), scaled)
	if !ok {
		return errs.ErrInsufficientBalance
	}
	l.t.put(key, diff)
	return nil
}

func (l *ShareLedger) staged() []ShareEntry {
	keys := make([]PositionKey, 0, l.t.len())
	for k := range l.t.rows {
		keys = append(keys, k)
	}
	sortPositionKeys(keys)
	out := make([]ShareEntry, 0, len(keys))
	for _, k := range keys {
		out = append(out, ShareEntry{Asset: k.Asset, User: k.User, Scaled: new(uint256.Int).Set(l.t.rows[k])})
	}
	return out
}
