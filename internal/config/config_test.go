package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"LendLedger/internal/config"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reserves.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

// ============================================================================
// Test: environment
// ============================================================================

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LEND_RESERVES_FILE", "")
	t.Setenv("LEND_ORIGINATION_FEE", "")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.GRPCAddr)
	require.Equal(t, "@every 5m", cfg.SnapshotCron)
	require.Equal(t, 10*time.Millisecond, cfg.PersistFlushTimeout)
	require.Equal(t, uint64(25), cfg.MaxStableRatePercent)
	require.Equal(t, uint64(50), cfg.CloseFactorPercent)
	require.Equal(t, "0.0025", fpmath.FormatWad(cfg.OriginationFeeRate))
	require.Empty(t, cfg.Reserves)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("LEND_GRPC_ADDR", ":7000")
	t.Setenv("LEND_PERSIST_FLUSH_TIMEOUT", "25ms")
	t.Setenv("LEND_ORIGINATION_FEE", "0.01")
	t.Setenv("LEND_OWNER_ADDRESS", "0x00000000000000000000000000000000000000ff")
	t.Setenv("LEND_INGEST_RATE", "12.5")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.GRPCAddr)
	require.Equal(t, 25*time.Millisecond, cfg.PersistFlushTimeout)
	require.Equal(t, "0.01", fpmath.FormatWad(cfg.OriginationFeeRate))
	require.Equal(t, common.HexToAddress("0xff"), cfg.Owner)
	require.Equal(t, 12.5, cfg.IngestRatePerSecond)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"LEND_ORIGINATION_FEE":         "1.5",
		"LEND_OWNER_ADDRESS":           "owner",
		"LEND_CLOSE_FACTOR_PERCENT":    "0",
		"LEND_MAX_STABLE_RATE_PERCENT": "101",
		"LEND_INGEST_RATE":             "fast",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := config.Load()
			require.Error(t, err)
		})
	}
}

// ============================================================================
// Test: reserve catalog
// ============================================================================

func TestLoadReserves_Overrides(t *testing.T) {
	path := writeCatalog(t, `
[[reserve]]
symbol = "DAI"
asset = "0x6B175474E89094C44Da98b954EedeAC495271d0F"
price = "0.001"

[[reserve]]
symbol = "USDC"
asset = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
stable_borrow_rate_enabled = false
base_ltv = 60
liquidation_threshold = 70
liquidation_bonus = 110
liquidity_accrual = "compounded"

[reserve.rate_strategy]
optimal_utilization = "0.9"
`)
	specs, err := config.LoadReserves(path)
	require.NoError(t, err)
	require.Len(t, specs, 2)

	dai := specs[0]
	require.Equal(t, "DAI", dai.Symbol)
	require.Equal(t, state.DefaultReserveConfig().Risk, dai.Config.Risk)
	require.Equal(t, "0.001", fpmath.FormatWad(dai.Price))

	usdc := specs[1]
	require.False(t, usdc.Config.StableBorrowRateEnabled)
	require.True(t, usdc.Config.BorrowingEnabled)
	require.Equal(t, state.RiskParams{BaseLTVAsCollateral: 60, LiquidationThreshold: 70, LiquidationBonus: 110}, usdc.Config.Risk)
	require.Equal(t, fpmath.AccrualCompounded, usdc.Config.LiquidityAccrual)
	require.Equal(t, "0.9", fpmath.FormatRay(usdc.Config.Strategy.OptimalUtilization))
	require.True(t, usdc.Config.Strategy.VariableRateSlope2.Eq(state.DefaultRateStrategy.VariableRateSlope2))
	require.Nil(t, usdc.Price)
}

func TestLoadReserves_Rejects(t *testing.T) {
	const dai = `asset = "0x6B175474E89094C44Da98b954EedeAC495271d0F"`
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{"unknown key", "[[reserve]]\nsymbol = \"DAI\"\n" + dai + "\nltv = 10\n", "unknown keys"},
		{"bad address", "[[reserve]]\nsymbol = \"X\"\nasset = \"dai\"\n", "not a hex address"},
		{"missing symbol", "[[reserve]]\n" + dai + "\n", "symbol is required"},
		{"ltv above threshold", "[[reserve]]\nsymbol = \"DAI\"\n" + dai + "\nbase_ltv = 90\n", "base_ltv"},
		{"bonus below par", "[[reserve]]\nsymbol = \"DAI\"\n" + dai + "\nliquidation_bonus = 95\n", "liquidation_bonus"},
		{"zero price", "[[reserve]]\nsymbol = \"DAI\"\n" + dai + "\nprice = \"0\"\n", "price must be positive"},
		{"bad accrual", "[[reserve]]\nsymbol = \"DAI\"\n" + dai + "\nstable_accrual = \"daily\"\n", "accrual mode"},
		{"optimal above one", "[[reserve]]\nsymbol = \"DAI\"\n" + dai + "\n[reserve.rate_strategy]\noptimal_utilization = \"1.5\"\n", "optimal_utilization"},
		{"duplicate asset", "[[reserve]]\nsymbol = \"DAI\"\n" + dai + "\n[[reserve]]\nsymbol = \"DAI2\"\n" + dai + "\n", "already listed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.LoadReserves(writeCatalog(t, tc.content))
			require.Error(t, err)
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoad_ReadsCatalog(t *testing.T) {
	t.Setenv("LEND_RESERVES_FILE", writeCatalog(t, `
[[reserve]]
symbol = "WETH"
asset = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
price = "1"
`))
	cfg, err := config.Load()
	require.NoError(t, err)
	require.Len(t, cfg.Reserves, 1)
	require.Equal(t, common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"), cfg.Reserves[0].Asset)
}
