package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"

	"github.com/google/uuid"
)

func depositPayload(t *testing.T) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{
		"id":        uuid.NewString(),
		"sender":    aliceHex,
		"sequence":  int64(1),
		"timestamp": int64(1_700_000_000),
		"reserve":   reserveHex,
		"user":      aliceHex,
		"amount":    "1000",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestGRPCIngest_SubmitQueuesParsedEvent(t *testing.T) {
	ch := make(chan event.Event, 1)
	svc := ingestion.NewGRPCIngestService(ch, 0, 0, nil)

	key, err := svc.Submit(context.Background(), "Deposit", depositPayload(t))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	evt := <-ch
	if evt.IdempotencyKey() != key {
		t.Errorf("key: got %s, want %s", evt.IdempotencyKey(), key)
	}
	if evt.EventType() != event.EventTypeDeposit {
		t.Errorf("type: got %s, want Deposit", evt.EventType())
	}
}

func TestGRPCIngest_SubmitRejectsMalformed(t *testing.T) {
	ch := make(chan event.Event, 1)
	svc := ingestion.NewGRPCIngestService(ch, 0, 0, nil)

	if _, err := svc.Submit(context.Background(), "Deposit", []byte(`{"amount":"1"}`)); !errors.Is(err, ingestion.ErrMalformed) {
		t.Errorf("got %v, want ErrMalformed", err)
	}
	if len(ch) != 0 {
		t.Errorf("malformed action must not be queued")
	}
}

func TestGRPCIngest_Throttles(t *testing.T) {
	ch := make(chan event.Event, 4)
	svc := ingestion.NewGRPCIngestService(ch, 0.001, 1, nil)

	if _, err := svc.Submit(context.Background(), "Deposit", depositPayload(t)); err != nil {
		t.Fatalf("first submit within burst: %v", err)
	}
	if _, err := svc.Submit(context.Background(), "Deposit", depositPayload(t)); !errors.Is(err, ingestion.ErrThrottled) {
		t.Errorf("second submit: got %v, want ErrThrottled", err)
	}
}

func TestGRPCIngest_SubmitHonoursContext(t *testing.T) {
	ch := make(chan event.Event) // nobody reads
	svc := ingestion.NewGRPCIngestService(ch, 0, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := svc.Submit(ctx, "Deposit", depositPayload(t)); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestOutboundSubject(t *testing.T) {
	cases := []struct {
		evt  ingestion.PublishableEvent
		want string
	}{
		{
			ingestion.PublishableEvent{EventType: "Borrow", Subject: "borrow", Asset: reserveHex},
			"lend.ledger.events.borrow.0x000000000000000000000000000000000000aaaa",
		},
		{
			ingestion.PublishableEvent{EventType: "ActionRejected", Subject: "rejected"},
			"lend.ledger.events.rejected",
		},
		{
			ingestion.PublishableEvent{EventType: "PriceUpdate"},
			"lend.ledger.events.priceupdate",
		},
	}
	for _, tc := range cases {
		if got := ingestion.OutboundSubject(tc.evt); got != tc.want {
			t.Errorf("got %s, want %s", got, tc.want)
		}
	}
}
