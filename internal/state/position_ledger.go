package state

import (
	"bytes"
	"slices"

	"LendLedger/internal/errs"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/zeebo/blake3"
)

// PositionKey identifies a (reserve, user) pair.
type PositionKey struct {
	Asset common.Address
	User  common.Address
}

// Hash is the stable 32-byte id of the key, used in state digests.
func (k PositionKey) Hash() [32]byte {
	var buf [40]byte
	copy(buf[:20], k.Asset[:])
	copy(buf[20:], k.User[:])
	return blake3.Sum256(buf[:])
}

func comparePositionKeys(a, b PositionKey) int {
	if c := bytes.Compare(a.Asset[:], b.Asset[:]); c != 0 {
		return c
	}
	return bytes.Compare(a.User[:], b.User[:])
}

func sortPositionKeys(keys []PositionKey) {
	slices.SortFunc(keys, comparePositionKeys)
}

// PositionLedger owns user positions keyed by (asset, user). Positions are
// created lazily and never deleted.
type PositionLedger struct {
	t *table[PositionKey, *UserPosition]
}

func NewPositionLedger() *PositionLedger {
	return &PositionLedger{t: newTable[PositionKey, *UserPosition]((*UserPosition).Clone)}
}

// Get returns the position for update, creating an empty one if needed.
func (l *PositionLedger) Get(asset, user common.Address) *UserPosition {
	key := PositionKey{Asset: asset, User: user}
	if p, ok := l.t.get(key); ok {
		return p
	}
	p := NewUserPosition(asset, user)
	l.t.put(key, p)
	return p
}

// Peek returns a read-only view of the position. A missing position reads as
// an empty NONE position that is not stored.
func (l *PositionLedger) Peek(asset, user common.Address) *UserPosition {
	if p, ok := l.t.peek(PositionKey{Asset: asset, User: user}); ok {
		return p
	}
	return NewUserPosition(asset, user)
}

// Users lists the users holding a position in asset, by address.
func (l *PositionLedger) Users(asset common.Address) []common.Address {
	var users []common.Address
	for _, k := range l.t.keys() {
		if k.Asset == asset {
			users = append(users, k.User)
		}
	}
	sortAddresses(users)
	return users
}

// UpdateUserIndex snapshots the reserve's variable index into the position.
func (l *PositionLedger) UpdateUserIndex(r *Reserve, user common.Address) {
	l.Get(r.Asset, user).UpdateIndex(r)
}

// AccrueInterest folds accrued interest into the position's principal and
// returns the increase.
func (l *PositionLedger) AccrueInterest(r *Reserve, user common.Address, now int64) (*uint256.Int, error) {
	return l.Get(r.Asset, user).AccrueInterest(r, now)
}

func (l *PositionLedger) Originate(r *Reserve, user common.Address, amount, balanceIncrease *uint256.Int, mode RateMode, rate, fee *uint256.Int, now int64) error {
	return l.Get(r.Asset, user).Originate(r, amount, balanceIncrease, mode, rate, fee, now)
}

// SwapRateMode flips the position between STABLE and VARIABLE. A position
// without debt cannot be swapped.
func (l *PositionLedger) SwapRateMode(r *Reserve, user common.Address, balanceIncrease, stableRate *uint256.Int, now int64) (RateMode, error) {
	p := l.Peek(r.Asset, user)
	if !p.HasDebt() {
		return RateModeNone, errs.ErrInvalidSwap
	}
	return l.Get(r.Asset, user).SwapRateMode(r, balanceIncrease, stableRate, now)
}

func (l *PositionLedger) Repay(r *Reserve, user common.Address, paybackMinusFees, feeRepaid, balanceIncrease *uint256.Int, whole bool, now int64) error {
	return l.Get(r.Asset, user).Repay(r, paybackMinusFees, feeRepaid, balanceIncrease, whole, now)
}

func (l *PositionLedger) SetUseAsCollateral(asset, user common.Address, use bool) {
	l.Get(asset, user).UseAsCollateral = use
}

func (l *PositionLedger) staged() []*UserPosition {
	keys := make([]PositionKey, 0, l.t.len())
	for k := range l.t.rows {
		keys = append(keys, k)
	}
	sortPositionKeys(keys)
	out := make([]*UserPosition, 0, len(keys))
	for _, k := range keys {
		out = append(out, l.t.rows[k])
	}
	return out
}
