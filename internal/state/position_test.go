package state_test

import (
	"errors"
	"testing"

	"LendLedger/internal/errs"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/state"

	"github.com/holiman/uint256"
)

const tenPct = "100000000000000000000000000"

// ============================================================================
// Test: RateMode state machine
// ============================================================================

func TestRateMode_Transitions(t *testing.T) {
	cases := []struct {
		from, to state.RateMode
		want     bool
	}{
		{state.RateModeNone, state.RateModeStable, true},
		{state.RateModeNone, state.RateModeVariable, true},
		{state.RateModeStable, state.RateModeVariable, true},
		{state.RateModeVariable, state.RateModeStable, true},
		{state.RateModeStable, state.RateModeNone, true},
		{state.RateModeVariable, state.RateModeNone, true},
		{state.RateModeNone, state.RateModeNone, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.want {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestParseRateMode(t *testing.T) {
	if m, ok := state.ParseRateMode("stable"); !ok || m != state.RateModeStable {
		t.Errorf("stable: got %s %v", m, ok)
	}
	if m, ok := state.ParseRateMode("2"); !ok || m != state.RateModeVariable {
		t.Errorf("2: got %s %v", m, ok)
	}
	if _, ok := state.ParseRateMode("fixed"); ok {
		t.Error("fixed should not parse")
	}
}

// ============================================================================
// Test: compounded balances
// ============================================================================

func TestPosition_VariableCompoundedBalance(t *testing.T) {
	r := newTestReserve(t)
	r.CurrentVariableBorrowRate = n(tenPct)

	p := state.NewUserPosition(assetA, alice)
	if err := p.Originate(r, wad(1), fpmath.Zero(), state.RateModeVariable, fpmath.Zero(), fpmath.Zero(), t0); err != nil {
		t.Fatal(err)
	}
	if !p.LastVariableBorrowIndex.Eq(fpmath.RAY) {
		t.Errorf("index snapshot: got %s, want %s", p.LastVariableBorrowIndex.Dec(), fpmath.RAY.Dec())
	}

	got, err := p.CompoundedBorrowBalance(r, t0+fpmath.SecondsPerYear)
	if err != nil {
		t.Fatal(err)
	}
	if want := "1105170917900423926"; got.Dec() != want {
		t.Errorf("compounded: got %s, want %s", got.Dec(), want)
	}
}

func TestPosition_StableCompoundedBalance(t *testing.T) {
	r := newTestReserve(t)
	p := state.NewUserPosition(assetA, alice)
	if err := p.Originate(r, wad(1), fpmath.Zero(), state.RateModeStable, n(tenPct), fpmath.Zero(), t0); err != nil {
		t.Fatal(err)
	}
	if !p.StableRate.Eq(n(tenPct)) || !p.LastVariableBorrowIndex.IsZero() {
		t.Errorf("stable origination: rate=%s index=%s", p.StableRate.Dec(), p.LastVariableBorrowIndex.Dec())
	}

	got, err := p.CompoundedBorrowBalance(r, t0+86400)
	if err != nil {
		t.Fatal(err)
	}
	if want := "1000274010136226429"; got.Dec() != want {
		t.Errorf("compounded: got %s, want %s", got.Dec(), want)
	}
}

func TestPosition_ElapsedTimeCostsAtLeastOneWei(t *testing.T) {
	r := newTestReserve(t)
	p := state.NewUserPosition(assetA, alice)
	if err := p.Originate(r, wad(1), fpmath.Zero(), state.RateModeStable, fpmath.Zero(), fpmath.Zero(), t0); err != nil {
		t.Fatal(err)
	}

	same, err := p.CompoundedBorrowBalance(r, t0)
	if err != nil {
		t.Fatal(err)
	}
	if !same.Eq(wad(1)) {
		t.Errorf("same timestamp: got %s, want %s", same.Dec(), wad(1).Dec())
	}

	later, err := p.CompoundedBorrowBalance(r, t0+1)
	if err != nil {
		t.Fatal(err)
	}
	want := new(uint256.Int).AddUint64(wad(1), 1)
	if !later.Eq(want) {
		t.Errorf("one second later: got %s, want %s", later.Dec(), want.Dec())
	}
}

// ============================================================================
// Test: lifecycle
// ============================================================================

func TestPosition_SwapAndRepayLifecycle(t *testing.T) {
	r := newTestReserve(t)
	p := state.NewUserPosition(assetA, alice)

	if _, err := p.SwapRateMode(r, fpmath.Zero(), n(tenPct), t0); !errors.Is(err, errs.ErrInvalidSwap) {
		t.Fatalf("swap without debt: got %v, want %v", err, errs.ErrInvalidSwap)
	}

	fee := n("2500000000000000")
	if err := p.Originate(r, wad(1), fpmath.Zero(), state.RateModeVariable, fpmath.Zero(), fee, t0); err != nil {
		t.Fatal(err)
	}
	if !p.OriginationFee.Eq(fee) {
		t.Errorf("fee: got %s, want %s", p.OriginationFee.Dec(), fee.Dec())
	}

	next, err := p.SwapRateMode(r, uint256.NewInt(7), n(tenPct), t0+10)
	if err != nil {
		t.Fatal(err)
	}
	if next != state.RateModeStable || p.RateMode != state.RateModeStable {
		t.Errorf("mode after swap: got %s", p.RateMode)
	}
	if want := new(uint256.Int).AddUint64(wad(1), 7); !p.PrincipalBorrowBalance.Eq(want) {
		t.Errorf("principal after swap: got %s, want %s", p.PrincipalBorrowBalance.Dec(), want.Dec())
	}

	// partial repayment keeps the mode
	if err := p.Repay(r, n("500000000000000000"), fee, fpmath.Zero(), false, t0+20); err != nil {
		t.Fatal(err)
	}
	if p.RateMode != state.RateModeStable || !p.OriginationFee.IsZero() {
		t.Errorf("after partial repay: mode=%s fee=%s", p.RateMode, p.OriginationFee.Dec())
	}

	rest := p.PrincipalBorrowBalance.Clone()
	if err := p.Repay(r, rest, fpmath.Zero(), fpmath.Zero(), true, t0+30); err != nil {
		t.Fatal(err)
	}
	if p.RateMode != state.RateModeNone || p.HasDebt() || !p.StableRate.IsZero() || !p.LastVariableBorrowIndex.IsZero() {
		t.Errorf("after full repay: mode=%s principal=%s", p.RateMode, p.PrincipalBorrowBalance.Dec())
	}
}

func TestPosition_RepayMoreThanOwed(t *testing.T) {
	r := newTestReserve(t)
	p := state.NewUserPosition(assetA, alice)
	if err := p.Originate(r, wad(1), fpmath.Zero(), state.RateModeVariable, fpmath.Zero(), fpmath.Zero(), t0); err != nil {
		t.Fatal(err)
	}
	err := p.Repay(r, wad(2), fpmath.Zero(), fpmath.Zero(), false, t0)
	if !errors.Is(err, errs.ErrInsufficientBorrowBalance) {
		t.Errorf("got %v, want %v", err, errs.ErrInsufficientBorrowBalance)
	}
}

func TestPosition_AccrueInterestFoldsIntoPrincipal(t *testing.T) {
	r := newTestReserve(t)
	r.CurrentVariableBorrowRate = n(tenPct)
	p := state.NewUserPosition(assetA, alice)
	if err := p.Originate(r, wad(1), fpmath.Zero(), state.RateModeVariable, fpmath.Zero(), fpmath.Zero(), t0); err != nil {
		t.Fatal(err)
	}
	// bring the reserve index forward so the snapshot can follow it
	if err := r.IncreaseTotalBorrows(state.RateModeVariable, wad(1), nil); err != nil {
		t.Fatal(err)
	}
	if err := r.RefreshIndices(t0 + fpmath.SecondsPerYear); err != nil {
		t.Fatal(err)
	}

	increase, err := p.AccrueInterest(r, t0+fpmath.SecondsPerYear)
	if err != nil {
		t.Fatal(err)
	}
	if want := "105170917900423926"; increase.Dec() != want {
		t.Errorf("increase: got %s, want %s", increase.Dec(), want)
	}
	if !p.LastVariableBorrowIndex.Eq(r.VariableBorrowIndex) {
		t.Errorf("snapshot: got %s, want %s", p.LastVariableBorrowIndex.Dec(), r.VariableBorrowIndex.Dec())
	}
}

// ============================================================================
// Test: accrual clock
// ============================================================================

func TestPosition_ClockNeverMovesBack(t *testing.T) {
	r := newTestReserve(t)
	p := state.NewUserPosition(assetA, alice)
	later := t0 + fpmath.SecondsPerYear
	if err := p.Originate(r, wad(1), fpmath.Zero(), state.RateModeStable, n(tenPct), fpmath.Zero(), later); err != nil {
		t.Fatal(err)
	}

	if err := p.Originate(r, wad(1), fpmath.Zero(), state.RateModeStable, n(tenPct), fpmath.Zero(), t0); err != nil {
		t.Fatal(err)
	}
	if p.LastUpdateTimestamp != later {
		t.Errorf("timestamp: got %d, want %d", p.LastUpdateTimestamp, later)
	}

	got, err := p.CompoundedBorrowBalance(r, t0)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Eq(wad(2)) {
		t.Errorf("balance before the clock: got %s, want %s", got.Dec(), wad(2).Dec())
	}
}
