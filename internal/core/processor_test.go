package core_test

import (
	"encoding/json"
	"testing"

	"LendLedger/internal/core"
	"LendLedger/internal/errs"
	"LendLedger/internal/event"
	"LendLedger/internal/observability"
	"LendLedger/internal/registry"
	"LendLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

type pipeline struct {
	proc      *core.Processor
	store     *state.Store
	oracle    *state.StaticPriceOracle
	persist   chan core.CoreOutput
	projected chan core.CoreOutput
	metrics   *observability.Metrics
}

// newPipeline builds a processor over an empty market: the provider and the
// core proxy are set but no reserve exists yet.
func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	p := registry.NewAddressesProvider(owner)
	require.NoError(t, p.SetLendingPool(owner, pool))
	require.NoError(t, p.SetLendingPoolConfigurator(owner, configurator))
	require.NoError(t, p.SetPriceOracle(owner, priceFeed))

	store := state.NewStore()
	oracle := state.NewStaticPriceOracle()
	eng := core.NewEngine(store, core.NewLockTable(), oracle, core.Params{})
	require.NoError(t, p.SetLendingPoolCoreImpl(owner, implV1, eng))

	pl := &pipeline{
		store:     store,
		oracle:    oracle,
		persist:   make(chan core.CoreOutput, 1024),
		projected: make(chan core.CoreOutput, 1024),
		metrics:   observability.NewMetrics(prometheus.NewRegistry()),
	}
	pl.proc = core.NewProcessor(core.ProcessorConfig{
		Provider:       p,
		Store:          store,
		Oracle:         oracle,
		PersistChan:    pl.persist,
		ProjectionChan: pl.projected,
		LRUCapacity:    1024,
		Metrics:        pl.metrics,
		Logger:         zerolog.Nop(),
	})
	return pl
}

func meta(from common.Address, seq int64) event.Meta {
	return event.Meta{ID: uuid.New(), From: from, Sequence: seq, At: t0 + seq}
}

func initReserve(asset common.Address) *event.ReserveInitialized {
	return &event.ReserveInitialized{
		Meta:    meta(configurator, 1),
		Reserve: asset,
		Config:  state.DefaultReserveConfig(),
	}
}

func priceUpdate(asset common.Address, seq int64, price *uint256.Int) *event.PriceUpdate {
	return &event.PriceUpdate{Meta: meta(priceFeed, seq), Reserve: asset, Price: price}
}

func depositEvt(asset, user common.Address, seq int64, amount *uint256.Int) *event.Deposit {
	return &event.Deposit{Meta: meta(user, seq), Reserve: asset, User: user, Amount: amount}
}

func borrowEvt(asset, user common.Address, seq int64, amount *uint256.Int, mode state.RateMode) *event.Borrow {
	return &event.Borrow{Meta: meta(user, seq), Reserve: asset, User: user, Amount: amount, RateMode: mode}
}

func (pl *pipeline) mustProcess(t *testing.T, evt event.Event) *event.EventEnvelope {
	t.Helper()
	env, err := pl.proc.ProcessEvent(evt)
	require.NoError(t, err)
	require.NotNil(t, env)
	return env
}

// bootstrap initializes and prices both reserves.
func (pl *pipeline) bootstrap(t *testing.T) []event.Event {
	t.Helper()
	evts := []event.Event{
		initReserve(assetA),
		initReserve(assetB),
		priceUpdate(assetA, 1, wad(1)),
		priceUpdate(assetB, 1, wad(2)),
	}
	for _, evt := range evts {
		env := pl.mustProcess(t, evt)
		require.NotEqual(t, event.EventTypeActionRejected, env.EventType, "bootstrap %s rejected: %s", evt.EventType(), env.RejectReason)
	}
	return evts
}

// ============================================================================
// Test: sequencing and hash chain
// ============================================================================

func TestProcessor_AssignsSequenceAndChainsHashes(t *testing.T) {
	pl := newPipeline(t)
	require.Equal(t, int64(0), pl.proc.GetSequence())
	require.Equal(t, core.GenesisHash(), pl.proc.GetStateHash())

	env := pl.mustProcess(t, initReserve(assetA))
	require.Equal(t, int64(1), env.Sequence)
	require.Equal(t, core.GenesisHash(), env.PrevHash)

	out := <-pl.persist
	require.Same(t, env, out.Envelope)
	require.Equal(t, core.ChainHash(core.GenesisHash(), 1, out.StateDelta), env.StateHash)

	env2 := pl.mustProcess(t, priceUpdate(assetA, 1, wad(1)))
	require.Equal(t, int64(2), env2.Sequence)
	require.Equal(t, env.StateHash, env2.PrevHash)
	require.Equal(t, env2.StateHash, pl.proc.GetStateHash())

	out2 := <-pl.persist
	require.NotNil(t, out2.Price)
	require.Nil(t, out2.Result)
	require.Len(t, pl.projected, 2)
}

func TestProcessor_PayloadRoundTrips(t *testing.T) {
	pl := newPipeline(t)
	pl.bootstrap(t)

	dep := depositEvt(assetA, alice, 1, wad(10))
	env := pl.mustProcess(t, dep)
	require.Equal(t, event.EventTypeDeposit, env.EventType)
	require.Equal(t, alice, env.Caller)
	require.Equal(t, assetA, env.Asset)

	var decoded event.Deposit
	require.NoError(t, json.Unmarshal(env.Payload, &decoded))
	require.Equal(t, dep.ID, decoded.ID)
	require.True(t, dep.Amount.Eq(decoded.Amount))
}

// ============================================================================
// Test: idempotency and ordering
// ============================================================================

func TestProcessor_DuplicateIsSkipped(t *testing.T) {
	pl := newPipeline(t)
	pl.bootstrap(t)

	dep := depositEvt(assetA, alice, 1, wad(10))
	pl.mustProcess(t, dep)
	seq := pl.proc.GetSequence()
	hash := pl.proc.GetStateHash()

	env, err := pl.proc.ProcessEvent(dep)
	require.NoError(t, err)
	require.Nil(t, env)
	require.Equal(t, seq, pl.proc.GetSequence())
	require.Equal(t, hash, pl.proc.GetStateHash())

	r, ok := pl.store.Reserve(assetA)
	require.True(t, ok)
	requireEq(t, wad(10), r.TotalLiquidity)
	require.Equal(t, 1.0, testutil.ToFloat64(pl.metrics.IdempotencyDuplicates.WithLabelValues("Deposit", core.TierLRU)))
}

func TestProcessor_SequenceGapIsAnError(t *testing.T) {
	pl := newPipeline(t)
	pl.bootstrap(t)

	_, err := pl.proc.ProcessEvent(depositEvt(assetA, alice, 3, wad(1)))
	require.ErrorIs(t, err, core.ErrSequenceGap)
	require.Equal(t, int64(4), pl.proc.GetSequence())

	pl.mustProcess(t, depositEvt(assetA, alice, 1, wad(1)))

	_, err = pl.proc.ProcessEvent(depositEvt(assetA, bob, 1, wad(1)))
	require.ErrorIs(t, err, core.ErrOutOfOrder)
}

func TestProcessor_PartitionsAreIndependent(t *testing.T) {
	pl := newPipeline(t)
	pl.bootstrap(t)

	pl.mustProcess(t, depositEvt(assetA, alice, 1, wad(1)))
	pl.mustProcess(t, depositEvt(assetB, alice, 1, wad(1)))
	pl.mustProcess(t, &event.RefreshIndices{Meta: meta(stranger, 2), Reserve: assetA})
}

func TestProcessor_StalePriceIsDropped(t *testing.T) {
	pl := newPipeline(t)
	pl.bootstrap(t)

	pl.mustProcess(t, priceUpdate(assetB, 5, wad(3)))
	seq := pl.proc.GetSequence()

	env, err := pl.proc.ProcessEvent(priceUpdate(assetB, 4, wad(9)))
	require.NoError(t, err)
	require.Nil(t, env)
	require.Equal(t, seq, pl.proc.GetSequence())

	price, err := pl.oracle.GetAssetPrice(assetB)
	require.NoError(t, err)
	requireEq(t, wad(3), price)
}

// ============================================================================
// Test: rejections
// ============================================================================

func TestProcessor_EngineFailureIsLoggedAsRejection(t *testing.T) {
	pl := newPipeline(t)
	pl.bootstrap(t)
	before, err := json.Marshal(pl.store.Image())
	require.NoError(t, err)

	b := borrowEvt(assetA, alice, 1, wad(1), state.RateModeVariable)
	env := pl.mustProcess(t, b)
	require.Equal(t, event.EventTypeActionRejected, env.EventType)
	require.Equal(t, event.EventTypeBorrow, env.RejectedType)
	require.Contains(t, env.RejectReason, errs.ErrInsufficientLiquidity.Error())
	require.Equal(t, int64(5), env.Sequence)

	after, err := json.Marshal(pl.store.Image())
	require.NoError(t, err)
	require.Equal(t, before, after)

	for len(pl.persist) > 1 {
		<-pl.persist
	}
	out := <-pl.persist
	require.Equal(t, "insufficient liquidity", out.RejectKind)
	require.Nil(t, out.Changes)

	// the rejected action consumed its source sequence and its key
	again, err := pl.proc.ProcessEvent(b)
	require.NoError(t, err)
	require.Nil(t, again)
	pl.mustProcess(t, depositEvt(assetA, alice, 2, wad(1)))
}

func TestProcessor_SenderRules(t *testing.T) {
	pl := newPipeline(t)
	pl.bootstrap(t)
	pl.mustProcess(t, depositEvt(assetA, bob, 1, wad(100)))

	// anyone may deposit on behalf of a user
	onBehalf := &event.Deposit{Meta: meta(stranger, 1), Reserve: assetB, User: alice, Amount: wad(10)}
	env := pl.mustProcess(t, onBehalf)
	require.Equal(t, event.EventTypeDeposit, env.EventType)

	// but only alice may borrow for alice
	b := borrowEvt(assetA, alice, 2, wad(1), state.RateModeVariable)
	b.From = stranger
	env = pl.mustProcess(t, b)
	require.Equal(t, event.EventTypeActionRejected, env.EventType)
	require.Contains(t, env.RejectReason, errs.ErrUnauthorized.Error())

	env = pl.mustProcess(t, borrowEvt(assetA, alice, 3, wad(1), state.RateModeVariable))
	require.Equal(t, event.EventTypeBorrow, env.EventType)

	// prices only from the registered feed
	forged := priceUpdate(assetA, 7, wad(100))
	forged.From = stranger
	env = pl.mustProcess(t, forged)
	require.Equal(t, event.EventTypeActionRejected, env.EventType)
	price, _ := pl.oracle.GetAssetPrice(assetA)
	requireEq(t, wad(1), price)

	// configuration only from the configurator
	cfg := &event.ReserveConfigured{Meta: meta(stranger, 2), Reserve: assetA, Action: event.ConfigDeactivateReserve}
	env = pl.mustProcess(t, cfg)
	require.Equal(t, event.EventTypeActionRejected, env.EventType)
	r, _ := pl.store.Reserve(assetA)
	require.True(t, r.Active)
}

// ============================================================================
// Test: snapshot, restore and replay
// ============================================================================

func scenario() []event.Event {
	return []event.Event{
		initReserve(assetA),
		initReserve(assetB),
		priceUpdate(assetA, 1, wad(1)),
		priceUpdate(assetB, 1, wad(2)),
		depositEvt(assetA, bob, 1, wad(100)),
		depositEvt(assetB, alice, 1, wad(10)),
		borrowEvt(assetA, alice, 2, wad(12), state.RateModeVariable),
		borrowEvt(assetA, alice, 3, wad(50), state.RateModeVariable), // rejected
		&event.RefreshIndices{Meta: meta(stranger, 2), Reserve: assetA},
		&event.Repay{Meta: meta(alice, 4), Reserve: assetA, User: alice, Amount: wad(2)},
		priceUpdate(assetB, 2, uint256.NewInt(1_200_000_000_000_000_000)),
		&event.LiquidationCall{
			Meta:              meta(bob, 5),
			CollateralReserve: assetB,
			DebtReserve:       assetA,
			User:              alice,
			Liquidator:        bob,
			PurchaseAmount:    wad(3),
			ReceiveShares:     false,
		},
		&event.SwapRateMode{Meta: meta(alice, 6), Reserve: assetA, User: alice},
	}
}

func TestProcessor_ReplayReproducesState(t *testing.T) {
	live := newPipeline(t)
	evts := scenario()
	logged := make([]*event.EventEnvelope, 0, len(evts))
	for _, evt := range evts {
		logged = append(logged, live.mustProcess(t, evt))
	}
	require.Equal(t, event.EventTypeActionRejected, logged[7].EventType)

	replica := newPipeline(t)
	for i, env := range logged {
		require.NoError(t, replica.proc.Replay(env, evts[i]))
	}
	require.Equal(t, live.proc.GetSequence(), replica.proc.GetSequence())
	require.Equal(t, live.proc.GetStateHash(), replica.proc.GetStateHash())
	require.Empty(t, replica.persist)

	liveImg, _ := json.Marshal(live.store.Image())
	replicaImg, _ := json.Marshal(replica.store.Image())
	require.JSONEq(t, string(liveImg), string(replicaImg))

	// replayed keys are known to the dedup cache
	env, err := replica.proc.ProcessEvent(evts[5])
	require.NoError(t, err)
	require.Nil(t, env)
}

func TestProcessor_SnapshotRestoreThenReplay(t *testing.T) {
	live := newPipeline(t)
	evts := scenario()
	const cut = 7

	logged := make([]*event.EventEnvelope, 0, len(evts))
	var snap *core.SnapshotState
	for i, evt := range evts {
		logged = append(logged, live.mustProcess(t, evt))
		if i == cut-1 {
			snap = live.proc.CreateSnapshotState()
		}
	}
	require.Equal(t, int64(cut), snap.Sequence)

	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	var decoded core.SnapshotState
	require.NoError(t, json.Unmarshal(raw, &decoded))

	restored := newPipeline(t)
	require.NoError(t, restored.proc.RestoreFromSnapshot(&decoded))
	require.Equal(t, int64(cut), restored.proc.GetSequence())
	require.Equal(t, logged[cut-1].StateHash, restored.proc.GetStateHash())

	for i := cut; i < len(evts); i++ {
		require.NoError(t, restored.proc.Replay(logged[i], evts[i]))
	}
	require.Equal(t, live.proc.GetStateHash(), restored.proc.GetStateHash())

	price, err := restored.oracle.GetAssetPrice(assetB)
	require.NoError(t, err)
	requireEq(t, uint256.NewInt(1_200_000_000_000_000_000), price)

	// the next live action continues both chains identically
	next := depositEvt(assetB, bob, 2, wad(1))
	next.At = t0 + 3600
	a := live.mustProcess(t, next)
	b := restored.mustProcess(t, next)
	require.Equal(t, a.StateHash, b.StateHash)
}

func TestProcessor_ReplayDivergencePanics(t *testing.T) {
	live := newPipeline(t)
	env := live.mustProcess(t, initReserve(assetA))

	tampered := *env
	tampered.StateHash[0] ^= 0xff

	replica := newPipeline(t)
	require.Panics(t, func() {
		_ = replica.proc.Replay(&tampered, initReserve(assetA))
	})
}

func TestProcessor_ReplayRejectsSequenceHoles(t *testing.T) {
	live := newPipeline(t)
	live.mustProcess(t, initReserve(assetA))
	env := live.mustProcess(t, initReserve(assetB))

	replica := newPipeline(t)
	err := replica.proc.Replay(env, initReserve(assetB))
	require.ErrorIs(t, err, core.ErrReplayDivergence)
}

// ============================================================================
// Test: live account data
// ============================================================================

func TestProcessor_UserAccountData(t *testing.T) {
	pl := newPipeline(t)
	pl.bootstrap(t)

	pl.mustProcess(t, depositEvt(assetA, bob, 1, wad(100)))
	pl.mustProcess(t, depositEvt(assetB, alice, 1, wad(10)))
	env := pl.mustProcess(t, borrowEvt(assetA, alice, 2, wad(5), state.RateModeVariable))
	require.Equal(t, event.EventTypeBorrow, env.EventType, "borrow rejected: %s", env.RejectReason)

	// a clock behind the last update is raised to it
	data, err := pl.proc.UserAccountData(alice, 0)
	require.NoError(t, err)
	require.True(t, data.TotalCollateral.Eq(wad(20)), "collateral: %s", data.TotalCollateral.Dec())
	require.True(t, data.TotalBorrows.Eq(wad(5)), "borrows: %s", data.TotalBorrows.Dec())
	require.False(t, data.TotalFees.IsZero())
	require.False(t, data.HealthFactorBelowThreshold())

	empty, err := pl.proc.UserAccountData(common.HexToAddress("0xDEAD"), t0)
	require.NoError(t, err)
	require.True(t, empty.TotalBorrows.IsZero())
}

// ============================================================================
// Test: catalog seeding
// ============================================================================

func TestProcessor_SeedIsIdempotent(t *testing.T) {
	pl := newPipeline(t)

	seeds := []core.ReserveSeed{
		{Asset: assetA, Config: state.DefaultReserveConfig(), Price: wad(1)},
		{Asset: assetB, Config: state.DefaultReserveConfig()},
	}
	n, err := pl.proc.Seed(seeds, t0)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, int64(3), pl.proc.GetSequence())

	_, ok := pl.store.Reserve(assetB)
	require.True(t, ok)
	price, err := pl.oracle.GetAssetPrice(assetA)
	require.NoError(t, err)
	require.True(t, price.Eq(wad(1)))

	// a second pass only prices what is still unpriced
	seeds[1].Price = wad(2)
	n, err = pl.proc.Seed(seeds, t0+10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, int64(4), pl.proc.GetSequence())

	n, err = pl.proc.Seed(seeds, t0+20)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestProcessor_SeedAfterUpstreamInit(t *testing.T) {
	pl := newPipeline(t)
	pl.mustProcess(t, initReserve(assetA))

	// assetA was listed upstream; only assetB is seeded, at config seq 1
	n, err := pl.proc.Seed([]core.ReserveSeed{
		{Asset: assetA, Config: state.DefaultReserveConfig()},
		{Asset: assetB, Config: state.DefaultReserveConfig()},
	}, t0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// the configurator's next action for assetA continues at seq 2
	cfg := &event.ReserveConfigured{
		Meta:    meta(configurator, 2),
		Reserve: assetA,
		Action:  event.ConfigDisableStableRate,
	}
	env := pl.mustProcess(t, cfg)
	require.Equal(t, event.EventTypeReserveConfigured, env.EventType, "rejected: %s", env.RejectReason)
}
