package core

import (
	"fmt"
	"sync"

	"LendLedger/internal/errs"
	"LendLedger/internal/registry"
	"LendLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Params are the market-wide constants of an engine implementation.
type Params struct {
	// OriginationFeeRate is charged on every borrow, WAD (0.0025e18 = 0.25%).
	OriginationFeeRate *uint256.Int
	// MaxStableRatePercent caps a single stable borrow as a share of the
	// reserve's available liquidity.
	MaxStableRatePercent uint64
	// LiquidationCloseFactorPercent caps how much of a debt one liquidation
	// may repay.
	LiquidationCloseFactorPercent uint64
}

func DefaultParams() Params {
	return Params{
		OriginationFeeRate:            uint256.NewInt(2_500_000_000_000_000),
		MaxStableRatePercent:          25,
		LiquidationCloseFactorPercent: 50,
	}
}

// Engine is the lending pool core: it owns no state of its own and applies
// every operation to the shared store through a staged changeset.
type Engine struct {
	store  *state.Store
	locks  *LockTable
	oracle state.PriceOracle
	calc   *state.CollateralCalculator
	params Params

	mu       sync.RWMutex
	provider *registry.AddressesProvider
}

// NewEngine builds an uninitialized implementation. It rejects every
// mutating call until Initialize binds it to a provider.
func NewEngine(store *state.Store, locks *LockTable, oracle state.PriceOracle, params Params) *Engine {
	if params.OriginationFeeRate == nil {
		params.OriginationFeeRate = DefaultParams().OriginationFeeRate
	}
	if params.MaxStableRatePercent == 0 {
		params.MaxStableRatePercent = DefaultParams().MaxStableRatePercent
	}
	if params.LiquidationCloseFactorPercent == 0 {
		params.LiquidationCloseFactorPercent = DefaultParams().LiquidationCloseFactorPercent
	}
	return &Engine{
		store:  store,
		locks:  locks,
		oracle: oracle,
		calc:   state.NewCollateralCalculator(oracle),
		params: params,
	}
}

// Initialize binds the engine to the provider that gates its callers. It
// succeeds once per instance.
func (e *Engine) Initialize(p *registry.AddressesProvider) error {
	if p == nil {
		return fmt.Errorf("initialize: nil provider")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.provider != nil {
		return errs.ErrAlreadyInitialized
	}
	e.provider = p
	return nil
}

// Resolve returns the engine currently installed behind the provider's
// core proxy.
func Resolve(p *registry.AddressesProvider) (*Engine, error) {
	impl := p.LendingPoolCore()
	if impl == nil {
		return nil, fmt.Errorf("lending pool core not set")
	}
	e, ok := impl.(*Engine)
	if !ok {
		return nil, fmt.Errorf("lending pool core is %T, not *core.Engine", impl)
	}
	return e, nil
}

func (e *Engine) Params() Params {
	return e.params
}

func (e *Engine) Store() *state.Store {
	return e.store
}

func (e *Engine) Oracle() state.PriceOracle {
	return e.oracle
}

func (e *Engine) addressesProvider() *registry.AddressesProvider {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.provider
}

func (e *Engine) requirePool(caller common.Address) error {
	p := e.addressesProvider()
	if p == nil || caller != p.GetLendingPool() {
		return errs.ErrUnauthorized
	}
	return nil
}

func (e *Engine) requireConfigurator(caller common.Address) error {
	p := e.addressesProvider()
	if p == nil || caller != p.GetLendingPoolConfigurator() {
		return errs.ErrUnauthorized
	}
	return nil
}

// Result describes one committed operation.
type Result struct {
	Op    string
	Asset common.Address
	User  common.Address

	// Amount is what the operation actually moved: deposited, borrowed,
	// repaid, redeemed, transferred or liquidated.
	Amount          *uint256.Int
	BalanceIncrease *uint256.Int
	Fee             *uint256.Int
	Collateral      *uint256.Int // seized by a liquidation
	CollateralAsset common.Address
	Counterparty    common.Address // liquidator or share recipient
	RateMode        state.RateMode
	BorrowRate      *uint256.Int

	Changes *state.ChangeSummary
}

// apply runs fn on a fresh changeset while holding the locks for users and
// reserves, and commits only when fn succeeds.
func (e *Engine) apply(
	op string, asset, user common.Address,
	users, reserves []common.Address,
	fn func(cs *state.Changeset, res *Result) error,
) (*Result, error) {
	release := e.locks.Acquire(users, reserves)
	defer release()

	cs := e.store.Begin()
	res := &Result{Op: op, Asset: asset, User: user}
	if err := fn(cs, res); err != nil {
		return nil, errs.Op(op, asset, user, err)
	}
	res.Changes = e.store.Commit(cs)
	return res, nil
}

// ledgerTime raises an action's timestamp to the latest reserve refresh.
// Actions can arrive late, and accrual must never be measured against a
// clock that has already moved past them.
func (e *Engine) ledgerTime(now int64) int64 {
	if latest := e.store.LastUpdate(); latest > now {
		return latest
	}
	return now
}

// activeReserve fetches the reserve for update and refreshes its indices.
func activeReserve(cs *state.Changeset, asset common.Address, now int64) (*state.Reserve, error) {
	r, err := cs.Reserves.Get(asset)
	if err != nil {
		return nil, err
	}
	if !r.Active {
		return nil, errs.ErrReserveInactive
	}
	if err := r.RefreshIndices(now); err != nil {
		return nil, err
	}
	return r, nil
}

// requireOperands rejects missing values on the raw ledger mutators. Zero
// is a valid no-op there.
func requireOperands(values ...*uint256.Int) error {
	for _, v := range values {
		if v == nil {
			return errs.ErrInvalidAmount
		}
	}
	return nil
}

func requireAmount(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return errs.ErrInvalidAmount
	}
	return nil
}
