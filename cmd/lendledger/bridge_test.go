package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/persistence"
	"LendLedger/internal/projection"
	"LendLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	debtAsset       = common.HexToAddress("0x000000000000000000000000000000000000aaaa")
	collateralAsset = common.HexToAddress("0x000000000000000000000000000000000000bbbb")
	borrower        = common.HexToAddress("0x0000000000000000000000000000000000001111")
	liquidator      = common.HexToAddress("0x0000000000000000000000000000000000002222")
)

func liquidationOutput(seq int64) core.CoreOutput {
	return core.CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       seq,
			IdempotencyKey: "liq-1",
			EventType:      event.EventTypeLiquidationCall,
			Asset:          debtAsset,
			Caller:         liquidator,
			Timestamp:      1_700_000_000,
			Payload:        []byte(`{}`),
			StateHash:      [32]byte{0xab},
		},
		Result: &core.Result{
			Op:              "liquidation_call",
			Asset:           debtAsset,
			User:            borrower,
			Amount:          uint256.NewInt(50),
			Collateral:      uint256.NewInt(60),
			CollateralAsset: collateralAsset,
			Counterparty:    liquidator,
		},
		Changes: &state.ChangeSummary{},
	}
}

func TestToProjection_Liquidation(t *testing.T) {
	out := toProjection(liquidationOutput(9))

	if out.Sequence != 9 || out.EventType != "LiquidationCall" {
		t.Errorf("header: got seq=%d type=%s", out.Sequence, out.EventType)
	}
	liq := out.Liquidation
	if liq == nil {
		t.Fatal("liquidation entry missing")
	}
	if liq.User != borrower || liq.Liquidator != liquidator {
		t.Errorf("parties: got user=%s liquidator=%s", liq.User.Hex(), liq.Liquidator.Hex())
	}
	if liq.DebtReserve != debtAsset || liq.CollateralReserve != collateralAsset {
		t.Errorf("reserves: got debt=%s collateral=%s", liq.DebtReserve.Hex(), liq.CollateralReserve.Hex())
	}
	if liq.DebtRepaid.Uint64() != 50 || liq.CollateralSeized.Uint64() != 60 {
		t.Errorf("amounts: got repaid=%s seized=%s", liq.DebtRepaid.Dec(), liq.CollateralSeized.Dec())
	}
}

func TestToProjection_RejectedHasNoLiquidation(t *testing.T) {
	output := liquidationOutput(3)
	output.Envelope.EventType = event.EventTypeActionRejected
	output.Envelope.RejectedType = event.EventTypeLiquidationCall
	output.Result = nil

	if out := toProjection(output); out.Liquidation != nil {
		t.Errorf("rejected liquidation must not reach the history")
	}
}

func TestToPublishable(t *testing.T) {
	env := liquidationOutput(4).Envelope
	pub := toPublishable(env)

	if got := ingestion.OutboundSubject(pub); got != "lend.ledger.events.liquidation."+strings.ToLower(debtAsset.Hex()) {
		t.Errorf("subject: got %s", got)
	}
	if pub.RejectReason != "" {
		t.Errorf("reject reason on an applied event: %q", pub.RejectReason)
	}
	if pub.StateHash[:2] != "ab" {
		t.Errorf("state hash: got %s", pub.StateHash)
	}

	env.EventType = event.EventTypeActionRejected
	env.RejectReason = "health factor above threshold"
	if pub := toPublishable(env); pub.RejectReason != env.RejectReason {
		t.Errorf("reject reason: got %q", pub.RejectReason)
	}
}

func TestBridge_DrainsAndClosesOutputs(t *testing.T) {
	persistIn := make(chan core.CoreOutput, 4)
	projectionIn := make(chan core.CoreOutput, 4)
	persistOut := make(chan persistence.CoreOutput, 4)
	projectionOut := make(chan projection.ProjectionOutput, 4)
	publishOut := make(chan ingestion.PublishableEvent, 4)

	persistIn <- liquidationOutput(1)
	projectionIn <- liquidationOutput(1)
	close(persistIn)
	close(projectionIn)

	done := make(chan struct{})
	go func() {
		bridgeCoreOutputs(context.Background(), persistIn, projectionIn, persistOut, projectionOut, publishOut, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not return after inputs closed")
	}

	row, ok := <-persistOut
	if !ok || row.EventRow.Sequence != 1 || row.EventRow.EventType != "LiquidationCall" {
		t.Errorf("persist row: got %+v", row.EventRow)
	}
	if _, ok := <-persistOut; ok {
		t.Errorf("persist output not closed")
	}
	if p, ok := <-projectionOut; !ok || p.Liquidation == nil {
		t.Errorf("projection output: got %+v", p)
	}
	if pub, ok := <-publishOut; !ok || pub.Sequence != 1 {
		t.Errorf("publish output: got %+v", pub)
	}
}
