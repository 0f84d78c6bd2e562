package config

import (
	"fmt"
	"strings"

	fpmath "LendLedger/internal/math"
	"LendLedger/internal/state"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ReserveSpec is one validated catalog entry.
type ReserveSpec struct {
	Symbol string
	Asset  common.Address
	Config state.ReserveConfig
	// Price seeds the static oracle, WAD per whole token; nil leaves the
	// asset unpriced until a quote arrives.
	Price *uint256.Int
}

type catalogFile struct {
	Reserves []reserveEntry `toml:"reserve"`
}

type reserveEntry struct {
	Symbol                  string        `toml:"symbol"`
	Asset                   string        `toml:"asset"`
	BorrowingEnabled        *bool         `toml:"borrowing_enabled"`
	StableBorrowRateEnabled *bool         `toml:"stable_borrow_rate_enabled"`
	UsableAsCollateral      *bool         `toml:"usable_as_collateral"`
	BaseLTV                 *uint64       `toml:"base_ltv"`
	LiquidationThreshold    *uint64       `toml:"liquidation_threshold"`
	LiquidationBonus        *uint64       `toml:"liquidation_bonus"`
	LiquidityAccrual        string        `toml:"liquidity_accrual"`
	VariableAccrual         string        `toml:"variable_accrual"`
	StableAccrual           string        `toml:"stable_accrual"`
	Price                   string        `toml:"price"`
	RateStrategy            *strategyEntry `toml:"rate_strategy"`
}

// strategyEntry holds human-readable decimals ("0.8" for 80%).
type strategyEntry struct {
	OptimalUtilization     string `toml:"optimal_utilization"`
	BaseVariableBorrowRate string `toml:"base_variable_borrow_rate"`
	VariableRateSlope1     string `toml:"variable_rate_slope1"`
	VariableRateSlope2     string `toml:"variable_rate_slope2"`
	BaseStableBorrowRate   string `toml:"base_stable_borrow_rate"`
	StableRateSlope1       string `toml:"stable_rate_slope1"`
	StableRateSlope2       string `toml:"stable_rate_slope2"`
}

// LoadReserves decodes and validates the TOML reserve catalog at path.
// Omitted fields take the stock reserve configuration.
func LoadReserves(path string) ([]ReserveSpec, error) {
	var file catalogFile
	meta, err := toml.DecodeFile(path, &file)
	if err != nil {
		return nil, fmt.Errorf("decode reserves %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("reserves %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return buildCatalog(file.Reserves)
}

// ParseReserves decodes a catalog from TOML text.
func ParseReserves(data string) ([]ReserveSpec, error) {
	var file catalogFile
	meta, err := toml.Decode(data, &file)
	if err != nil {
		return nil, fmt.Errorf("decode reserves: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("reserves: unknown key %s", undecoded[0].String())
	}
	return buildCatalog(file.Reserves)
}

func buildCatalog(entries []reserveEntry) ([]ReserveSpec, error) {
	seen := make(map[common.Address]string, len(entries))
	specs := make([]ReserveSpec, 0, len(entries))
	for i, e := range entries {
		spec, err := e.build()
		if err != nil {
			name := e.Symbol
			if name == "" {
				name = fmt.Sprintf("#%d", i)
			}
			return nil, fmt.Errorf("reserve %s: %w", name, err)
		}
		if prev, dup := seen[spec.Asset]; dup {
			return nil, fmt.Errorf("reserve %s: asset %s already listed by %s", spec.Symbol, spec.Asset.Hex(), prev)
		}
		seen[spec.Asset] = spec.Symbol
		specs = append(specs, spec)
	}
	return specs, nil
}

func (e reserveEntry) build() (ReserveSpec, error) {
	if e.Symbol == "" {
		return ReserveSpec{}, fmt.Errorf("symbol is required")
	}
	if !common.IsHexAddress(e.Asset) {
		return ReserveSpec{}, fmt.Errorf("asset %q is not a hex address", e.Asset)
	}
	spec := ReserveSpec{
		Symbol: e.Symbol,
		Asset:  common.HexToAddress(e.Asset),
		Config: state.DefaultReserveConfig(),
	}
	if spec.Asset == (common.Address{}) {
		return ReserveSpec{}, fmt.Errorf("asset is the zero address")
	}

	cfg := &spec.Config
	setBool(&cfg.BorrowingEnabled, e.BorrowingEnabled)
	setBool(&cfg.StableBorrowRateEnabled, e.StableBorrowRateEnabled)
	setBool(&cfg.UsableAsCollateral, e.UsableAsCollateral)
	setUint(&cfg.Risk.BaseLTVAsCollateral, e.BaseLTV)
	setUint(&cfg.Risk.LiquidationThreshold, e.LiquidationThreshold)
	setUint(&cfg.Risk.LiquidationBonus, e.LiquidationBonus)

	modes := []struct {
		dst *fpmath.AccrualMode
		raw string
	}{
		{&cfg.LiquidityAccrual, e.LiquidityAccrual},
		{&cfg.VariableAccrual, e.VariableAccrual},
		{&cfg.StableAccrual, e.StableAccrual},
	}
	for _, m := range modes {
		if m.raw == "" {
			continue
		}
		mode, err := fpmath.ParseAccrualMode(m.raw)
		if err != nil {
			return ReserveSpec{}, err
		}
		*m.dst = mode
	}

	if e.RateStrategy != nil {
		strategy, err := e.RateStrategy.build()
		if err != nil {
			return ReserveSpec{}, err
		}
		cfg.Strategy = strategy
	}
	if err := state.ValidateRateStrategy(&cfg.Strategy); err != nil {
		return ReserveSpec{}, err
	}
	if err := state.ValidateRiskParams(cfg.Risk); err != nil {
		return ReserveSpec{}, err
	}

	if e.Price != "" {
		price, err := fpmath.ParseWad(e.Price)
		if err != nil {
			return ReserveSpec{}, fmt.Errorf("price: %w", err)
		}
		if price.IsZero() {
			return ReserveSpec{}, fmt.Errorf("price must be positive")
		}
		spec.Price = price
	}
	return spec, nil
}

// build starts from the stock strategy so a catalog can override a subset.
func (s strategyEntry) build() (state.RateStrategy, error) {
	out := state.DefaultRateStrategy
	fields := []struct {
		name string
		raw  string
		dst  **uint256.Int
	}{
		{"optimal_utilization", s.OptimalUtilization, &out.OptimalUtilization},
		{"base_variable_borrow_rate", s.BaseVariableBorrowRate, &out.BaseVariableBorrowRate},
		{"variable_rate_slope1", s.VariableRateSlope1, &out.VariableRateSlope1},
		{"variable_rate_slope2", s.VariableRateSlope2, &out.VariableRateSlope2},
		{"base_stable_borrow_rate", s.BaseStableBorrowRate, &out.BaseStableBorrowRate},
		{"stable_rate_slope1", s.StableRateSlope1, &out.StableRateSlope1},
		{"stable_rate_slope2", s.StableRateSlope2, &out.StableRateSlope2},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		v, err := fpmath.ParseRay(f.raw)
		if err != nil {
			return state.RateStrategy{}, fmt.Errorf("rate_strategy.%s: %w", f.name, err)
		}
		*f.dst = v
	}
	return out, nil
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setUint(dst *uint64, v *uint64) {
	if v != nil {
		*dst = *v
	}
}
