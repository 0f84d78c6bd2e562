package query_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"LendLedger/internal/event"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/persistence"
	"LendLedger/internal/projection"
	"LendLedger/internal/query"
	"LendLedger/internal/state"
	"LendLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const t0 = int64(1_700_000_000)

var (
	asset = common.HexToAddress("0xAAAA")
	alice = common.HexToAddress("0x1111")
	bob   = common.HexToAddress("0x2222")
)

type fakeCore struct {
	seq  int64
	hash [32]byte
	data *state.AccountData
	err  error
}

func (f *fakeCore) UserAccountData(common.Address, int64) (*state.AccountData, error) {
	return f.data, f.err
}
func (f *fakeCore) GetSequence() int64 { return f.seq }
func (f *fakeCore) GetStateHash() [32]byte { return f.hash }

// ============================================================================
// Test: live and in-memory queries
// ============================================================================

func TestGetUserAccountData_FromLiveCore(t *testing.T) {
	hf, _ := uint256.FromDecimal("1500000000000000000")
	core := &fakeCore{
		seq: 42,
		data: &state.AccountData{
			TotalLiquidity:              uint256.NewInt(0).Mul(uint256.NewInt(100), fpmath.WAD),
			TotalCollateral:             uint256.NewInt(0).Mul(uint256.NewInt(100), fpmath.WAD),
			TotalBorrows:                uint256.NewInt(0).Mul(uint256.NewInt(50), fpmath.WAD),
			TotalFees:                   uint256.NewInt(0),
			CurrentLTV:                  75,
			CurrentLiquidationThreshold: 80,
			HealthFactor:                hf,
		},
	}
	qs := query.NewQueryService(nil, core, nil, nil)

	resp, err := qs.GetUserAccountData(context.Background(), alice)
	require.NoError(t, err)
	require.Equal(t, int64(42), resp.AsOfSequence)
	require.Equal(t, "1.5", resp.HealthFactor.Decimal)
	require.Equal(t, "100", resp.TotalCollateral.Decimal)
	require.False(t, resp.Liquidatable)
	// 100 * 75% - 50
	require.Equal(t, "25", resp.AvailableBorrows.Decimal)
}

func TestGetUserAccountData_PropagatesCoreError(t *testing.T) {
	boom := errors.New("no price for asset")
	qs := query.NewQueryService(nil, &fakeCore{err: boom}, nil, nil)

	_, err := qs.GetUserAccountData(context.Background(), alice)
	require.ErrorIs(t, err, boom)
}

func TestGetLiquidationHistory_FiltersByUser(t *testing.T) {
	history := projection.NewLiquidationHistory(8)
	history.Add(projection.LiquidationEntry{Sequence: 5, User: alice, Liquidator: bob, DebtRepaid: uint256.NewInt(10), CollateralSeized: uint256.NewInt(11)})
	history.Add(projection.LiquidationEntry{Sequence: 6, User: bob, Liquidator: alice, DebtRepaid: uint256.NewInt(1), CollateralSeized: uint256.NewInt(1)})

	qs := query.NewQueryService(nil, &fakeCore{}, history, nil)
	got, err := qs.GetLiquidationHistory(context.Background(), alice, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, int64(5), got[0].Sequence)
	require.Equal(t, "10", got[0].DebtRepaid.Raw)

	all, err := qs.GetLiquidationHistory(context.Background(), common.Address{}, 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

// ============================================================================
// Test: projection-backed queries (integration)
// ============================================================================

func seedLog(t *testing.T, ctx context.Context, qsCore *fakeCore) *sql.DB {
	t.Helper()
	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	r, err := state.NewReserve(asset, state.DefaultReserveConfig(), t0)
	require.NoError(t, err)
	r.TotalLiquidity = uint256.NewInt(1000)
	r.TotalBorrowsVariable = uint256.NewInt(250)

	pos := state.NewUserPosition(asset, alice)
	pos.UseAsCollateral = true

	env1 := &event.EventEnvelope{Sequence: 1, IdempotencyKey: "init", EventType: event.EventTypeReserveInitialized, Asset: asset, Timestamp: t0, Payload: []byte(`{}`)}
	env1.StateHash[0] = 1
	env2 := &event.EventEnvelope{Sequence: 2, IdempotencyKey: "dep", EventType: event.EventTypeDeposit, Asset: asset, Caller: alice, Timestamp: t0, Payload: []byte(`{}`)}
	env2.PrevHash = env1.StateHash
	env2.StateHash[0] = 2

	out1 := persistence.BuildOutput(env1, &state.ChangeSummary{Reserves: []*state.Reserve{r}})
	out2 := persistence.BuildOutput(env2, &state.ChangeSummary{
		Reserves:  []*state.Reserve{r},
		Positions: []*state.UserPosition{pos},
		Shares:    []state.ShareEntry{{Asset: asset, User: alice, Scaled: uint256.NewInt(500)}},
	})

	w := persistence.NewEventLogWriter(db)
	require.NoError(t, w.WriteEventBatch(ctx, []persistence.EventRow{out1.EventRow, out2.EventRow}, db))
	require.NoError(t, w.WriteStateChangeBatch(ctx, append(out1.ChangeRows, out2.ChangeRows...), db))
	require.NoError(t, projection.RebuildProjections(ctx, db, zerolog.Nop()))

	qsCore.seq = 2
	qsCore.hash = env2.StateHash
	return db
}

func TestProjectionQueries(t *testing.T) {
	ctx := context.Background()
	core := &fakeCore{}
	db := seedLog(t, ctx, core)
	qs := query.NewQueryService(db, core, nil, nil)

	res, err := qs.GetReserve(ctx, asset)
	require.NoError(t, err)
	require.Equal(t, int64(2), res.AsOfSequence)
	require.Equal(t, "1000", res.TotalLiquidity.Raw)
	require.Equal(t, "750", res.AvailableLiquidity.Raw)
	require.Equal(t, "0.25", res.UtilizationRate.Decimal)
	require.Equal(t, "1", res.LiquidityIndex.Decimal)

	_, err = qs.GetReserve(ctx, bob)
	require.ErrorIs(t, err, query.ErrNotFound)

	list, err := qs.ListReserves(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	positions, err := qs.GetUserPositions(ctx, alice)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Equal(t, "500", positions[0].DepositBalance.Raw)
	require.True(t, positions[0].UseAsCollateral)
	require.Equal(t, "NONE", positions[0].RateMode)

	status, err := qs.GetSystemStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), status.PersistedSequence)
	require.Equal(t, int64(0), status.ProjectionLag)
	require.Equal(t, int64(1), status.ReserveCount)

	report, err := qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	require.True(t, report.IsHealthy, "report: %+v", report)
	require.Equal(t, int64(2), report.CheckedEvents)

	core.hash[0] = 0xFF
	report, err = qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	require.False(t, report.TipMatchesCore)
	require.False(t, report.IsHealthy)
}
