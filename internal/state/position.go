// internal/state/position.go
package state

import (
	"fmt"

	"LendLedger/internal/errs"
	fpmath "LendLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RateMode is the borrowing mode of a position.
type RateMode uint8

const (
	RateModeNone RateMode = iota
	RateModeStable
	RateModeVariable
)

func (m RateMode) String() string {
	switch m {
	case RateModeNone:
		return "NONE"
	case RateModeStable:
		return "STABLE"
	case RateModeVariable:
		return "VARIABLE"
	default:
		return "UNKNOWN"
	}
}

func (m RateMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *RateMode) UnmarshalText(text []byte) error {
	parsed, ok := ParseRateMode(string(text))
	if !ok {
		return fmt.Errorf("unknown rate mode %q", text)
	}
	*m = parsed
	return nil
}

// ParseRateMode accepts "stable"/"variable" (any case) or the numeric codes 1/2.
func ParseRateMode(s string) (RateMode, bool) {
	switch s {
	case "STABLE", "stable", "Stable", "1":
		return RateModeStable, true
	case "VARIABLE", "variable", "Variable", "2":
		return RateModeVariable, true
	case "NONE", "none", "0", "":
		return RateModeNone, true
	default:
		return RateModeNone, false
	}
}

// CanTransitionTo validates rate mode transitions.
// NONE -> borrow -> STABLE|VARIABLE -> swap -> other mode -> full repay -> NONE.
func (m RateMode) CanTransitionTo(next RateMode) bool {
	validTransitions := map[RateMode][]RateMode{
		RateModeNone:     {RateModeStable, RateModeVariable},
		RateModeStable:   {RateModeStable, RateModeVariable, RateModeNone},
		RateModeVariable: {RateModeVariable, RateModeStable, RateModeNone},
	}
	for _, allowed := range validTransitions[m] {
		if allowed == next {
			return true
		}
	}
	return false
}

// UserPosition is the borrow state of one user in one reserve.
type UserPosition struct {
	Asset common.Address `json:"asset"`
	User  common.Address `json:"user"`

	PrincipalBorrowBalance  *uint256.Int `json:"principal_borrow_balance"` // WAD
	RateMode                RateMode     `json:"rate_mode"`
	StableRate              *uint256.Int `json:"stable_rate"`                           // RAY
	LastVariableBorrowIndex *uint256.Int `json:"last_variable_borrow_cumulative_index"` // RAY
	OriginationFee          *uint256.Int `json:"origination_fee"`                       // WAD
	LastUpdateTimestamp     int64        `json:"last_update_timestamp"`
	UseAsCollateral         bool         `json:"use_as_collateral"`
}

// NewUserPosition returns an empty NONE position.
func NewUserPosition(asset, user common.Address) *UserPosition {
	return &UserPosition{
		Asset:                   asset,
		User:                    user,
		PrincipalBorrowBalance:  fpmath.Zero(),
		StableRate:              fpmath.Zero(),
		LastVariableBorrowIndex: fpmath.Zero(),
		OriginationFee:          fpmath.Zero(),
	}
}

func (p *UserPosition) Clone() *UserPosition {
	c := *p
	c.PrincipalBorrowBalance = cloneInt(p.PrincipalBorrowBalance)
	c.StableRate = cloneInt(p.StableRate)
	c.LastVariableBorrowIndex = cloneInt(p.LastVariableBorrowIndex)
	c.OriginationFee = cloneInt(p.OriginationFee)
	return &c
}

// HasDebt reports whether any principal is outstanding.
func (p *UserPosition) HasDebt() bool {
	return !p.PrincipalBorrowBalance.IsZero()
}

// CompoundedBorrowBalance returns principal plus interest accrued up to now.
// Stable debt compounds at the position's own rate since its last update;
// variable debt follows the reserve index relative to the snapshot. When the
// accrual rounds to nothing over a non-empty interval one wei is added so
// that elapsed time always costs something.
func (p *UserPosition) CompoundedBorrowBalance(r *Reserve, now int64) (*uint256.Int, error) {
	if p.PrincipalBorrowBalance.IsZero() {
		return fpmath.Zero(), nil
	}
	principalRay, err := fpmath.WadToRay(p.PrincipalBorrowBalance)
	if err != nil {
		return nil, err
	}

	var cumulated *uint256.Int
	switch p.RateMode {
	case RateModeStable:
		if cumulated, err = r.StableAccrual.Interest(p.StableRate, p.LastUpdateTimestamp, now); err != nil {
			return nil, err
		}
	case RateModeVariable:
		if p.LastVariableBorrowIndex.IsZero() {
			return nil, errs.ErrDivisionByZero
		}
		current, err := r.NormalizedVariableDebt(now)
		if err != nil {
			return nil, err
		}
		if cumulated, err = fpmath.RayDiv(current, p.LastVariableBorrowIndex); err != nil {
			return nil, err
		}
	default:
		return new(uint256.Int).Set(p.PrincipalBorrowBalance), nil
	}

	compoundedRay, err := fpmath.RayMul(principalRay, cumulated)
	if err != nil {
		return nil, err
	}
	compounded, err := fpmath.RayToWad(compoundedRay)
	if err != nil {
		return nil, err
	}
	if compounded.Eq(p.PrincipalBorrowBalance) && now > p.LastUpdateTimestamp {
		return fpmath.Add(p.PrincipalBorrowBalance, uint256.NewInt(1))
	}
	return compounded, nil
}

// BorrowBalances returns (principal, compounded, compounded - principal).
func (p *UserPosition) BorrowBalances(r *Reserve, now int64) (principal, compounded, increase *uint256.Int, err error) {
	principal = new(uint256.Int).Set(p.PrincipalBorrowBalance)
	if principal.IsZero() {
		return principal, fpmath.Zero(), fpmath.Zero(), nil
	}
	if compounded, err = p.CompoundedBorrowBalance(r, now); err != nil {
		return nil, nil, nil, err
	}
	increase = fpmath.SaturatingSub(compounded, principal)
	return principal, compounded, increase, nil
}

// UpdateIndex snapshots the reserve's variable borrow index.
func (p *UserPosition) UpdateIndex(r *Reserve) {
	p.LastVariableBorrowIndex = new(uint256.Int).Set(r.VariableBorrowIndex)
}

// AccrueInterest folds the interest accrued up to now into the principal and
// resets the accrual reference points. The reserve must already be refreshed
// to now.
func (p *UserPosition) AccrueInterest(r *Reserve, now int64) (*uint256.Int, error) {
	_, compounded, increase, err := p.BorrowBalances(r, now)
	if err != nil {
		return nil, err
	}
	if p.HasDebt() {
		p.PrincipalBorrowBalance = compounded
		if p.RateMode == RateModeVariable {
			p.UpdateIndex(r)
		}
	}
	p.touch(now)
	return increase, nil
}

// Originate records a new borrow of amount in mode on top of balanceIncrease
// of already accrued interest. Stable positions lock rate; variable positions
// snapshot the reserve index.
func (p *UserPosition) Originate(r *Reserve, amount, balanceIncrease *uint256.Int, mode RateMode, rate, fee *uint256.Int, now int64) error {
	if mode == RateModeNone || !p.RateMode.CanTransitionTo(mode) {
		return errs.ErrInvalidSwap
	}
	principal, err := fpmath.Add(p.PrincipalBorrowBalance, amount)
	if err != nil {
		return err
	}
	if principal, err = fpmath.Add(principal, balanceIncrease); err != nil {
		return err
	}
	totalFee, err := fpmath.Add(p.OriginationFee, fee)
	if err != nil {
		return err
	}

	p.setMode(r, mode, rate)
	p.PrincipalBorrowBalance = principal
	p.OriginationFee = totalFee
	p.touch(now)
	return nil
}

// SwapRateMode flips STABLE and VARIABLE after folding balanceIncrease into
// the principal. stableRate is the reserve's current stable rate, used when
// moving to STABLE.
func (p *UserPosition) SwapRateMode(r *Reserve, balanceIncrease, stableRate *uint256.Int, now int64) (RateMode, error) {
	var next RateMode
	switch p.RateMode {
	case RateModeStable:
		next = RateModeVariable
	case RateModeVariable:
		next = RateModeStable
	default:
		return RateModeNone, errs.ErrInvalidSwap
	}
	principal, err := fpmath.Add(p.PrincipalBorrowBalance, balanceIncrease)
	if err != nil {
		return RateModeNone, err
	}
	p.PrincipalBorrowBalance = principal
	p.setMode(r, next, stableRate)
	p.touch(now)
	return next, nil
}

// Repay applies a repayment: balanceIncrease is added to the principal,
// paybackMinusFees removed from it and feeRepaid from the origination fee.
// A whole repayment returns the position to NONE.
func (p *UserPosition) Repay(r *Reserve, paybackMinusFees, feeRepaid, balanceIncrease *uint256.Int, whole bool, now int64) error {
	grown, err := fpmath.Add(p.PrincipalBorrowBalance, balanceIncrease)
	if err != nil {
		return err
	}
	principal, ok := fpmath.Sub(grown, paybackMinusFees)
	if !ok {
		return errs.ErrInsufficientBorrowBalance
	}
	fee, ok := fpmath.Sub(p.OriginationFee, feeRepaid)
	if !ok {
		return errs.ErrInsufficientBorrowBalance
	}

	p.PrincipalBorrowBalance = principal
	p.OriginationFee = fee
	if p.RateMode == RateModeVariable {
		p.UpdateIndex(r)
	}
	if whole || (principal.IsZero() && fee.IsZero()) {
		p.reset()
	}
	p.touch(now)
	return nil
}

// Liquidate applies a liquidator's repayment of amount on behalf of the user.
func (p *UserPosition) Liquidate(r *Reserve, amount, balanceIncrease *uint256.Int, now int64) error {
	grown, err := fpmath.Add(p.PrincipalBorrowBalance, balanceIncrease)
	if err != nil {
		return err
	}
	principal, ok := fpmath.Sub(grown, amount)
	if !ok {
		return errs.ErrInsufficientBorrowBalance
	}
	p.PrincipalBorrowBalance = principal
	if p.RateMode == RateModeVariable {
		p.UpdateIndex(r)
	}
	if principal.IsZero() && p.OriginationFee.IsZero() {
		p.reset()
	}
	p.touch(now)
	return nil
}

func (p *UserPosition) setMode(r *Reserve, mode RateMode, stableRate *uint256.Int) {
	p.RateMode = mode
	if mode == RateModeStable {
		p.StableRate = new(uint256.Int).Set(stableRate)
		p.LastVariableBorrowIndex = fpmath.Zero()
		return
	}
	p.StableRate = fpmath.Zero()
	p.UpdateIndex(r)
}

// touch moves the position's accrual clock forward to now. The clock
// never moves back, so interest already folded in is not charged again.
func (p *UserPosition) touch(now int64) {
	if now > p.LastUpdateTimestamp {
		p.LastUpdateTimestamp = now
	}
}

func (p *UserPosition) reset() {
	p.RateMode = RateModeNone
	p.StableRate = fpmath.Zero()
	p.LastVariableBorrowIndex = fpmath.Zero()
}

// CanonicalBytes for deterministic hashing.
func (p *UserPosition) CanonicalBytes() []byte {
	buf := make([]byte, 0, 40+4*32+10)
	buf = append(buf, p.Asset.Bytes()...)
	buf = append(buf, p.User.Bytes()...)
	buf = appendUint256(buf, p.PrincipalBorrowBalance)
	buf = append(buf, byte(p.RateMode))
	buf = appendUint256(buf, p.StableRate)
	buf = appendUint256(buf, p.LastVariableBorrowIndex)
	buf = appendUint256(buf, p.OriginationFee)
	buf = appendInt64LE(buf, p.LastUpdateTimestamp)
	buf = append(buf, boolByte(p.UseAsCollateral))
	return buf
}

func (p *UserPosition) normalize() {
	for _, v := range []**uint256.Int{
		&p.PrincipalBorrowBalance,
		&p.StableRate,
		&p.LastVariableBorrowIndex,
		&p.OriginationFee,
	} {
		if *v == nil {
			*v = fpmath.Zero()
		}
	}
}
