package state

import (
	"fmt"
	"sync"

	fpmath "LendLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PriceOracle quotes assets in the market's base currency, WAD per whole
// token. All reserves use 18 decimals.
type PriceOracle interface {
	GetAssetPrice(asset common.Address) (*uint256.Int, error)
}

// StaticPriceOracle serves prices loaded from configuration.
type StaticPriceOracle struct {
	mu     sync.RWMutex
	prices map[common.Address]*uint256.Int
}

func NewStaticPriceOracle() *StaticPriceOracle {
	return &StaticPriceOracle{prices: make(map[common.Address]*uint256.Int)}
}

func (o *StaticPriceOracle) SetAssetPrice(asset common.Address, price *uint256.Int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[asset] = new(uint256.Int).Set(price)
}

func (o *StaticPriceOracle) GetAssetPrice(asset common.Address) (*uint256.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	price, ok := o.prices[asset]
	if !ok {
		return nil, fmt.Errorf("no price for asset %s", asset.Hex())
	}
	return new(uint256.Int).Set(price), nil
}

// AssetPrice is one oracle quote, as captured in snapshots.
type AssetPrice struct {
	Asset common.Address `json:"asset"`
	Price *uint256.Int   `json:"price"`
}

// Prices returns every quote ordered by asset address.
func (o *StaticPriceOracle) Prices() []AssetPrice {
	o.mu.RLock()
	defer o.mu.RUnlock()
	assets := make([]common.Address, 0, len(o.prices))
	for a := range o.prices {
		assets = append(assets, a)
	}
	sortAddresses(assets)
	out := make([]AssetPrice, 0, len(assets))
	for _, a := range assets {
		out = append(out, AssetPrice{Asset: a, Price: new(uint256.Int).Set(o.prices[a])})
	}
	return out
}

// Load replaces every quote with prices.
func (o *StaticPriceOracle) Load(prices []AssetPrice) {
	next := make(map[common.Address]*uint256.Int, len(prices))
	for _, p := range prices {
		if p.Price != nil {
			next[p.Asset] = new(uint256.Int).Set(p.Price)
		}
	}
	o.mu.Lock()
	o.prices = next
	o.mu.Unlock()
}

// AccountData aggregates a user's positions across every reserve, valued in
// the oracle's base currency.
type AccountData struct {
	TotalLiquidity  *uint256.Int // all deposits
	TotalCollateral *uint256.Int // deposits enabled as collateral
	TotalBorrows    *uint256.Int // compounded debt
	TotalFees       *uint256.Int // outstanding origination fees
	// CurrentLTV and CurrentLiquidationThreshold are collateral-weighted
	// averages, in percent.
	CurrentLTV                  uint64
	CurrentLiquidationThreshold uint64
	// HealthFactor is WAD; MaxUint256 when the user has no debt.
	HealthFactor *uint256.Int
}

// HealthFactorBelowThreshold reports whether the position can be liquidated.
func (a *AccountData) HealthFactorBelowThreshold() bool {
	return a.HealthFactor.Lt(fpmath.WAD)
}

// CollateralCalculator values user positions for borrow, redeem and
// liquidation checks.
type CollateralCalculator struct {
	oracle PriceOracle
}

func NewCollateralCalculator(oracle PriceOracle) *CollateralCalculator {
	return &CollateralCalculator{oracle: oracle}
}

// Value converts amount of asset into the base currency, truncating.
func (c *CollateralCalculator) Value(asset common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if amount.IsZero() {
		return fpmath.Zero(), nil
	}
	price, err := c.oracle.GetAssetPrice(asset)
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(price, amount, fpmath.WAD, fpmath.RoundDown)
}

// AccountData computes the user's global position as seen through cs.
func (c *CollateralCalculator) AccountData(cs *Changeset, user common.Address, now int64) (*AccountData, error) {
	data := &AccountData{
		TotalLiquidity:  fpmath.Zero(),
		TotalCollateral: fpmath.Zero(),
		TotalBorrows:    fpmath.Zero(),
		TotalFees:       fpmath.Zero(),
	}
	weightedLTV := fpmath.Zero()
	weightedThreshold := fpmath.Zero()

	for _, asset := range cs.Reserves.Assets() {
		r, _ := cs.Reserves.Peek(asset)
		pos := cs.Positions.Peek(asset, user)

		income, err := r.NormalizedIncome(now)
		if err != nil {
			return nil, err
		}
		deposit, err := cs.Shares.BalanceOf(asset, user, income)
		if err != nil {
			return nil, err
		}
		debt, err := pos.CompoundedBorrowBalance(r, now)
		if err != nil {
			return nil, err
		}
		if deposit.IsZero() && debt.IsZero() && pos.OriginationFee.IsZero() {
			continue
		}

		if !deposit.IsZero() {
			value, err := c.Value(asset, deposit)
			if err != nil {
				return nil, err
			}
			data.TotalLiquidity.Add(data.TotalLiquidity, value)
			if r.UsableAsCollateral && pos.UseAsCollateral {
				data.TotalCollateral.Add(data.TotalCollateral, value)
				weightedLTV.Add(weightedLTV, new(uint256.Int).Mul(value, uint256.NewInt(r.Risk.BaseLTVAsCollateral)))
				weightedThreshold.Add(weightedThreshold, new(uint256.Int).Mul(value, uint256.NewInt(r.Risk.LiquidationThreshold)))
			}
		}
		if !debt.IsZero() {
			value, err := c.Value(asset, debt)
			if err != nil {
				return nil, err
			}
			data.TotalBorrows.Add(data.TotalBorrows, value)
		}
		if !pos.OriginationFee.IsZero() {
			value, err := c.Value(asset, pos.OriginationFee)
			if err != nil {
				return nil, err
			}
			data.TotalFees.Add(data.TotalFees, value)
		}
	}

	if !data.TotalCollateral.IsZero() {
		data.CurrentLTV = new(uint256.Int).Div(weightedLTV, data.TotalCollateral).Uint64()
		data.CurrentLiquidationThreshold = new(uint256.Int).Div(weightedThreshold, data.TotalCollateral).Uint64()
	}

	hf, err := HealthFactor(data.TotalCollateral, data.TotalBorrows, data.TotalFees, data.CurrentLiquidationThreshold)
	if err != nil {
		return nil, err
	}
	data.HealthFactor = hf
	return data, nil
}

// HealthFactor returns (collateral * threshold / 100) / (borrows + fees) in
// WAD, or MaxUint256 with no debt.
func HealthFactor(collateral, borrows, fees *uint256.Int, threshold uint64) (*uint256.Int, error) {
	if borrows.IsZero() {
		return new(uint256.Int).Set(fpmath.MaxUint256), nil
	}
	adjusted, err := fpmath.PercentMul(collateral, threshold)
	if err != nil {
		return nil, err
	}
	debt, err := fpmath.Add(borrows, fees)
	if err != nil {
		return nil, err
	}
	return fpmath.WadDiv(adjusted, debt)
}

// AvailableBorrows is the base-currency amount the user may still borrow
// before origination fees: collateral * ltv - (borrows + fees).
func (a *AccountData) AvailableBorrows() *uint256.Int {
	capacity, err := fpmath.PercentMul(a.TotalCollateral, a.CurrentLTV)
	if err != nil {
		return fpmath.Zero()
	}
	return fpmath.SaturatingSub(capacity, new(uint256.Int).Add(a.TotalBorrows, a.TotalFees))
}

// CollateralNeeded returns the collateral value required to hold the user's
// existing debt plus a new borrow of amount + fee in asset at ltv.
func (c *CollateralCalculator) CollateralNeeded(asset common.Address, amount, fee *uint256.Int, data *AccountData) (*uint256.Int, error) {
	if data.CurrentLTV == 0 {
		return new(uint256.Int).Set(fpmath.MaxUint256), nil
	}
	requested, err := fpmath.Add(amount, fee)
	if err != nil {
		return nil, err
	}
	requestedValue, err := c.Value(asset, requested)
	if err != nil {
		return nil, err
	}
	total, err := fpmath.Add(data.TotalBorrows, data.TotalFees)
	if err != nil {
		return nil, err
	}
	if total, err = fpmath.Add(total, requestedValue); err != nil {
		return nil, err
	}
	return fpmath.MulDiv(total, uint256.NewInt(100), uint256.NewInt(data.CurrentLTV), fpmath.RoundDown)
}

// BalanceDecreaseAllowed reports whether removing amount of the user's
// deposit in asset keeps the health factor at or above 1.
func (c *CollateralCalculator) BalanceDecreaseAllowed(cs *Changeset, asset, user common.Address, amount *uint256.Int, now int64) (bool, error) {
	r, ok := cs.Reserves.Peek(asset)
	if !ok {
		return false, fmt.Errorf("reserve %s not found", asset.Hex())
	}
	if !r.UsableAsCollateral || !cs.Positions.Peek(asset, user).UseAsCollateral {
		return true, nil
	}

	data, err := c.AccountData(cs, user, now)
	if err != nil {
		return false, err
	}
	if data.TotalBorrows.IsZero() {
		return true, nil
	}

	decrease, err := c.Value(asset, amount)
	if err != nil {
		return false, err
	}
	after, ok := fpmath.Sub(data.TotalCollateral, decrease)
	if !ok || after.IsZero() {
		return false, nil
	}

	weighted := new(uint256.Int).Mul(data.TotalCollateral, uint256.NewInt(data.CurrentLiquidationThreshold))
	removed := new(uint256.Int).Mul(decrease, uint256.NewInt(r.Risk.LiquidationThreshold))
	remaining := fpmath.SaturatingSub(weighted, removed)
	thresholdAfter := new(uint256.Int).Div(remaining, after).Uint64()

	hf, err := HealthFactor(after, data.TotalBorrows, data.TotalFees, thresholdAfter)
	if err != nil {
		return false, err
	}
	return !hf.Lt(fpmath.WAD), nil
}

// CollateralToLiquidate sizes a liquidation: the collateral a liquidator
// receives for repaying purchase of debt (including the bonus), capped at the
// user's collateral balance, and the debt actually needed for that amount.
func (c *CollateralCalculator) CollateralToLiquidate(
	collateral *Reserve, debtAsset common.Address, purchase, userCollateralBalance *uint256.Int,
) (collateralAmount, debtNeeded *uint256.Int, err error) {
	collateralPrice, err := c.oracle.GetAssetPrice(collateral.Asset)
	if err != nil {
		return nil, nil, err
	}
	debtPrice, err := c.oracle.GetAssetPrice(debtAsset)
	if err != nil {
		return nil, nil, err
	}
	bonus := collateral.Risk.LiquidationBonus

	base, err := fpmath.MulDiv(debtPrice, purchase, collateralPrice, fpmath.RoundDown)
	if err != nil {
		return nil, nil, err
	}
	maxCollateral, err := fpmath.PercentMul(base, bonus)
	if err != nil {
		return nil, nil, err
	}
	if !maxCollateral.Gt(userCollateralBalance) {
		return maxCollateral, new(uint256.Int).Set(purchase), nil
	}

	collateralAmount = new(uint256.Int).Set(userCollateralBalance)
	debtValue, err := fpmath.MulDiv(collateralPrice, collateralAmount, debtPrice, fpmath.RoundDown)
	if err != nil {
		return nil, nil, err
	}
	debtNeeded, err = fpmath.MulDiv(debtValue, uint256.NewInt(100), uint256.NewInt(bonus), fpmath.RoundDown)
	if err != nil {
		return nil, nil, err
	}
	return collateralAmount, debtNeeded, nil
}
