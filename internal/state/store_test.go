package state_test

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"LendLedger/internal/errs"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func newSeededStore(t *testing.T) *state.Store {
	t.Helper()
	s := state.NewStore()
	cs := s.Begin()
	for _, asset := range []common.Address{assetA, assetB} {
		if _, err := cs.Reserves.InitReserve(asset, state.DefaultReserveConfig(), t0); err != nil {
			t.Fatalf("init %s: %v", asset.Hex(), err)
		}
	}
	s.Commit(cs)
	return s
}

// ============================================================================
// Test: changesets
// ============================================================================

func TestStore_ChangesetIsolation(t *testing.T) {
	s := newSeededStore(t)

	cs := s.Begin()
	if err := cs.Reserves.IncreaseTotalLiquidity(assetA, wad(5)); err != nil {
		t.Fatal(err)
	}
	committed, _ := s.Reserve(assetA)
	if !committed.TotalLiquidity.IsZero() {
		t.Errorf("staged write visible before commit: %s", committed.TotalLiquidity.Dec())
	}

	summary := s.Commit(cs)
	if len(summary.Reserves) != 1 || summary.Reserves[0].Asset != assetA {
		t.Fatalf("summary: got %d reserves", len(summary.Reserves))
	}
	committed, _ = s.Reserve(assetA)
	if !committed.TotalLiquidity.Eq(wad(5)) {
		t.Errorf("after commit: got %s, want %s", committed.TotalLiquidity.Dec(), wad(5).Dec())
	}
}

func TestStore_DiscardedChangesetLeavesNoTrace(t *testing.T) {
	s := newSeededStore(t)
	before := s.Image()

	cs := s.Begin()
	_ = cs.Reserves.IncreaseTotalLiquidity(assetA, wad(5))
	cs.Positions.SetUseAsCollateral(assetA, alice, true)
	// cs dropped without Commit

	after := s.Image()
	if len(after.Positions) != len(before.Positions) {
		t.Errorf("positions: got %d, want %d", len(after.Positions), len(before.Positions))
	}
	r, _ := s.Reserve(assetA)
	if !r.TotalLiquidity.IsZero() {
		t.Errorf("discarded write leaked: %s", r.TotalLiquidity.Dec())
	}
}

func TestStore_PeekDoesNotStage(t *testing.T) {
	s := newSeededStore(t)
	cs := s.Begin()
	cs.Reserves.Peek(assetA)
	cs.Positions.Peek(assetA, alice)
	cs.Shares.ScaledBalance(assetA, alice)
	if !cs.Summary().Empty() {
		t.Error("reads must not stage records")
	}
}

func TestStore_InitReserveTwiceFails(t *testing.T) {
	s := newSeededStore(t)
	cs := s.Begin()
	_, err := cs.Reserves.InitReserve(assetA, state.DefaultReserveConfig(), t0)
	if !errors.Is(err, errs.ErrReserveAlreadyExists) {
		t.Errorf("got %v, want %v", err, errs.ErrReserveAlreadyExists)
	}
	if _, err := cs.Reserves.Get(common.HexToAddress("0x01")); !errors.Is(err, errs.ErrReserveNotFound) {
		t.Errorf("unknown reserve: got %v, want %v", err, errs.ErrReserveNotFound)
	}
}

func TestStore_ConcurrentCommitsOnDifferentReserves(t *testing.T) {
	s := newSeededStore(t)

	var wg sync.WaitGroup
	for _, asset := range []common.Address{assetA, assetB} {
		wg.Add(1)
		go func(asset common.Address) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				cs := s.Begin()
				if err := cs.Reserves.IncreaseTotalLiquidity(asset, wad(1)); err != nil {
					t.Error(err)
					return
				}
				s.Commit(cs)
			}
		}(asset)
	}
	wg.Wait()

	for _, asset := range []common.Address{assetA, assetB} {
		r, _ := s.Reserve(asset)
		if !r.TotalLiquidity.Eq(wad(100)) {
			t.Errorf("%s: got %s, want %s", asset.Hex(), r.TotalLiquidity.Dec(), wad(100).Dec())
		}
	}
}

// ============================================================================
// Test: image round trip
// ============================================================================

func TestStore_ImageRoundTrip(t *testing.T) {
	s := newSeededStore(t)
	cs := s.Begin()
	if err := cs.Reserves.IncreaseTotalLiquidity(assetA, wad(3)); err != nil {
		t.Fatal(err)
	}
	if _, err := cs.Shares.Mint(assetA, alice, wad(3), fpmath.RAY); err != nil {
		t.Fatal(err)
	}
	r, _ := cs.Reserves.Get(assetB)
	if err := cs.Positions.Originate(r, bob, wad(1), fpmath.Zero(), state.RateModeStable, n(tenPct), fpmath.Zero(), t0); err != nil {
		t.Fatal(err)
	}
	s.Commit(cs)

	raw, err := json.Marshal(s.Image())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var img state.Image
	if err := json.Unmarshal(raw, &img); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	restored := state.NewStore()
	if err := restored.Restore(&img); err != nil {
		t.Fatalf("restore: %v", err)
	}

	want, _ := json.Marshal(s.Image())
	got, _ := json.Marshal(restored.Image())
	if string(got) != string(want) {
		t.Errorf("restored image differs:\n got %s\nwant %s", got, want)
	}

	pos := restored.Position(assetB, bob)
	if pos.RateMode != state.RateModeStable || !pos.PrincipalBorrowBalance.Eq(wad(1)) {
		t.Errorf("restored position: mode=%s principal=%s", pos.RateMode, pos.PrincipalBorrowBalance.Dec())
	}
}

func TestStore_RestoreRejectsOrphans(t *testing.T) {
	img := &state.Image{
		Shares: []state.ShareEntry{{Asset: assetA, User: alice, Scaled: uint256.NewInt(1)}},
	}
	if err := state.NewStore().Restore(img); err == nil {
		t.Error("shares for an unknown reserve should be rejected")
	}
}

func TestChangeSummary_DigestIsDeterministic(t *testing.T) {
	build := func() []byte {
		s := newSeededStore(t)
		cs := s.Begin()
		_ = cs.Reserves.IncreaseTotalLiquidity(assetB, wad(1))
		_ = cs.Reserves.IncreaseTotalLiquidity(assetA, wad(2))
		_, _ = cs.Shares.Mint(assetA, bob, wad(2), fpmath.RAY)
		_, _ = cs.Shares.Mint(assetA, alice, wad(1), fpmath.RAY)
		return s.Commit(cs).Digest()
	}
	a, b := build(), build()
	if string(a) != string(b) {
		t.Error("digest differs between identical changesets")
	}
	if len(a) == 0 {
		t.Error("digest should not be empty")
	}
}

func TestStore_BeginDuringRestore(t *testing.T) {
	s := newSeededStore(t)
	img := s.Image()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if err := s.Restore(img); err != nil {
				t.Errorf("restore: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if _, ok := s.Begin().Reserves.Peek(assetA); !ok {
				t.Errorf("reserve missing from a changeset opened mid-restore")
				return
			}
		}
	}()
	wg.Wait()
}

func TestStore_LastUpdate(t *testing.T) {
	if got := state.NewStore().LastUpdate(); got != 0 {
		t.Errorf("empty store: got %d, want 0", got)
	}

	s := newSeededStore(t)
	cs := s.Begin()
	if err := cs.Reserves.RefreshIndices(assetB, t0+60); err != nil {
		t.Fatal(err)
	}
	if got := s.LastUpdate(); got != t0 {
		t.Errorf("uncommitted refresh: got %d, want %d", got, t0)
	}
	s.Commit(cs)
	if got := s.LastUpdate(); got != t0+60 {
		t.Errorf("committed refresh: got %d, want %d", got, t0+60)
	}
}
