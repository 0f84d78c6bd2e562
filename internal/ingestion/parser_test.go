package ingestion_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

const (
	reserveHex = "0x000000000000000000000000000000000000AaAa"
	aliceHex   = "0x0000000000000000000000000000000000001111"
	bobHex     = "0x0000000000000000000000000000000000002222"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

// ============================================================================
// Test: user actions
// ============================================================================

func TestParseBorrow(t *testing.T) {
	payload := map[string]interface{}{
		"id":        "550e8400-e29b-41d4-a716-446655440000",
		"sender":    aliceHex,
		"sequence":  int64(42),
		"timestamp": int64(1_700_000_000),
		"reserve":   reserveHex,
		"user":      aliceHex,
		"amount":    "2500000000000000000",
		"rate_mode": "variable",
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "Borrow")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	b, ok := evt.(*event.Borrow)
	if !ok {
		t.Fatalf("expected *event.Borrow, got %T", evt)
	}

	if b.Reserve != common.HexToAddress(reserveHex) {
		t.Errorf("reserve: got %s, want %s", b.Reserve.Hex(), reserveHex)
	}
	if b.User != common.HexToAddress(aliceHex) {
		t.Errorf("user: got %s, want %s", b.User.Hex(), aliceHex)
	}
	if want := uint256.MustFromDecimal("2500000000000000000"); !b.Amount.Eq(want) {
		t.Errorf("amount: got %s, want %s", b.Amount.Dec(), want.Dec())
	}
	if b.RateMode != state.RateModeVariable {
		t.Errorf("rate_mode: got %s, want VARIABLE", b.RateMode)
	}
	if b.SourceSequence() != 42 {
		t.Errorf("sequence: got %d, want 42", b.SourceSequence())
	}
	if b.IdempotencyKey() != "550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("key: got %s", b.IdempotencyKey())
	}
	if b.Asset() != b.Reserve {
		t.Errorf("asset: got %s, want the reserve", b.Asset().Hex())
	}
}

func TestParseLiquidationCall(t *testing.T) {
	payload := map[string]interface{}{
		"id":                 "550e8400-e29b-41d4-a716-446655440001",
		"sender":             bobHex,
		"sequence":           int64(7),
		"timestamp":          int64(1_700_000_000),
		"collateral_reserve": "0x000000000000000000000000000000000000bbbb",
		"debt_reserve":       reserveHex,
		"user":               aliceHex,
		"liquidator":         bobHex,
		"purchase_amount":    "1000000000000000000",
		"receive_shares":     true,
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "LiquidationCall")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	l := evt.(*event.LiquidationCall)
	if l.Asset() != common.HexToAddress(reserveHex) {
		t.Errorf("liquidations are ordered against the debt reserve, got %s", l.Asset().Hex())
	}
	if !l.ReceiveShares {
		t.Errorf("receive_shares: got false, want true")
	}
	if l.Sender() != common.HexToAddress(bobHex) {
		t.Errorf("sender: got %s, want %s", l.Sender().Hex(), bobHex)
	}
}

func TestParseRedeemAll(t *testing.T) {
	payload := map[string]interface{}{
		"id":        uuid.NewString(),
		"sender":    aliceHex,
		"sequence":  int64(1),
		"timestamp": int64(1_700_000_000),
		"reserve":   reserveHex,
		"user":      aliceHex,
		"amount":    fpmath.MaxUint256.Dec(),
	}
	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "Redeem")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !evt.(*event.Redeem).RedeemAll() {
		t.Errorf("max uint256 must redeem the whole balance")
	}
}

// ============================================================================
// Test: oracle and configuration
// ============================================================================

func TestParsePriceUpdateKeyedBySequence(t *testing.T) {
	payload := map[string]interface{}{
		"sender":    aliceHex,
		"sequence":  int64(9),
		"timestamp": int64(1_700_000_000),
		"reserve":   reserveHex,
		"price":     "1500000000000000000",
	}
	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "PriceUpdate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	want := common.HexToAddress(reserveHex).Hex() + ":price:9"
	if evt.IdempotencyKey() != want {
		t.Errorf("key: got %s, want %s", evt.IdempotencyKey(), want)
	}
}

func TestParseReserveConfigured(t *testing.T) {
	payload := map[string]interface{}{
		"id":        uuid.NewString(),
		"sender":    aliceHex,
		"sequence":  int64(2),
		"timestamp": int64(1_700_000_000),
		"reserve":   reserveHex,
		"action":    "enable_collateral",
		"risk": map[string]interface{}{
			"base_ltv":              70,
			"liquidation_threshold": 75,
			"liquidation_bonus":     110,
		},
	}
	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "ReserveConfigured")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	rc := evt.(*event.ReserveConfigured)
	if rc.Action != event.ConfigEnableCollateral {
		t.Errorf("action: got %s, want enable_collateral", rc.Action)
	}
	if rc.Risk.LiquidationBonus != 110 {
		t.Errorf("bonus: got %d, want 110", rc.Risk.LiquidationBonus)
	}

	payload["action"] = "melt_down"
	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "ReserveConfigured"); !errors.Is(err, ingestion.ErrMalformed) {
		t.Errorf("unknown action: got %v, want ErrMalformed", err)
	}
}

// ============================================================================
// Test: malformed payloads
// ============================================================================

func TestParseRejectsMalformed(t *testing.T) {
	valid := func() map[string]interface{} {
		return map[string]interface{}{
			"id":        uuid.NewString(),
			"sender":    aliceHex,
			"sequence":  int64(1),
			"timestamp": int64(1_700_000_000),
			"reserve":   reserveHex,
			"user":      aliceHex,
			"amount":    "1",
		}
	}

	cases := []struct {
		name   string
		mutate func(m map[string]interface{})
	}{
		{"missing user", func(m map[string]interface{}) { delete(m, "user") }},
		{"zero amount", func(m map[string]interface{}) { m["amount"] = "0" }},
		{"negative amount", func(m map[string]interface{}) { m["amount"] = "-5" }},
		{"short address", func(m map[string]interface{}) { m["reserve"] = "0x1234" }},
		{"nil id", func(m map[string]interface{}) { m["id"] = uuid.Nil.String() }},
		{"zero sequence", func(m map[string]interface{}) { m["sequence"] = 0 }},
		{"unknown field", func(m map[string]interface{}) { m["memo"] = "hi" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := valid()
			tc.mutate(payload)
			_, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "Deposit")
			if !errors.Is(err, ingestion.ErrMalformed) {
				t.Errorf("got %v, want ErrMalformed", err)
			}
		})
	}

	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, valid()), "Deposit"); err != nil {
		t.Errorf("baseline payload must parse: %v", err)
	}
	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, valid()), "TradeFill"); !errors.Is(err, ingestion.ErrMalformed) {
		t.Errorf("unknown type: got %v, want ErrMalformed", err)
	}
}

func TestParseBorrowRequiresRateMode(t *testing.T) {
	payload := map[string]interface{}{
		"id":        uuid.NewString(),
		"sender":    aliceHex,
		"sequence":  int64(1),
		"timestamp": int64(1_700_000_000),
		"reserve":   reserveHex,
		"user":      aliceHex,
		"amount":    "1",
	}
	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "Borrow"); !errors.Is(err, ingestion.ErrMalformed) {
		t.Errorf("missing rate_mode: got %v, want ErrMalformed", err)
	}
	payload["rate_mode"] = "fixed"
	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "Borrow"); !errors.Is(err, ingestion.ErrMalformed) {
		t.Errorf("bad rate_mode: got %v, want ErrMalformed", err)
	}
}

// ============================================================================
// Test: logged payloads decode for replay
// ============================================================================

func TestDecodeLoggedReserveInitialized(t *testing.T) {
	cfg := state.DefaultReserveConfig()
	cfg.LiquidityAccrual = fpmath.AccrualCompounded
	orig := &event.ReserveInitialized{
		Meta: event.Meta{
			ID:       uuid.New(),
			From:     common.HexToAddress(aliceHex),
			Sequence: 1,
			At:       1_700_000_000,
		},
		Reserve: common.HexToAddress(reserveHex),
		Config:  cfg,
	}
	payload, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	evt, err := ingestion.DecodeEvent(event.EventTypeReserveInitialized, payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := evt.(*event.ReserveInitialized)
	if got.ID != orig.ID {
		t.Errorf("id: got %s, want %s", got.ID, orig.ID)
	}
	if got.Config.LiquidityAccrual != fpmath.AccrualCompounded {
		t.Errorf("liquidity accrual: got %s, want compounded", got.Config.LiquidityAccrual)
	}
	if !got.Config.Strategy.VariableRateSlope2.Eq(cfg.Strategy.VariableRateSlope2) {
		t.Errorf("slope2: got %s, want %s", got.Config.Strategy.VariableRateSlope2.Dec(), cfg.Strategy.VariableRateSlope2.Dec())
	}
	if got.Config.Risk != cfg.Risk {
		t.Errorf("risk: got %+v, want %+v", got.Config.Risk, cfg.Risk)
	}
}

func TestParseEventTypeCoversEveryAction(t *testing.T) {
	for et := event.EventTypeDeposit; et < event.EventTypeActionRejected; et++ {
		got, ok := ingestion.ParseEventType(et.String())
		if !ok || got != et {
			t.Errorf("%s: got %v (%v), want %v", et, got, ok, et)
		}
	}
	if _, ok := ingestion.ParseEventType("ActionRejected"); ok {
		t.Errorf("ActionRejected is produced by the ledger, never ingested")
	}
}
