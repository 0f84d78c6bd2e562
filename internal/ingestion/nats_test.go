package ingestion_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"LendLedger/internal/ingestion"
	"LendLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// =============================================================================
// Integration: require a JetStream server
// =============================================================================

func TestNATSSubscriber_DeliversRawActions(t *testing.T) {
	js, cleanup := testutil.SetupTestNATS(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := ingestion.EnsureStreams(ctx, js, zerolog.Nop()); err != nil {
		t.Fatalf("ensure streams: %v", err)
	}

	run := strings.ReplaceAll(uuid.NewString(), "-", "")
	subject := "lend.actions.deposit." + run
	events := make(chan ingestion.RawEvent, 1)
	sub := ingestion.NewNATSSubscriber(js, events, nil, zerolog.Nop())
	err := sub.Subscribe(ctx, []ingestion.SubjectConfig{{
		Subject:      subject,
		EventType:    "Deposit",
		ConsumerName: "test-deposit-" + run,
		StreamName:   ingestion.ActionsStream,
	}})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stop()

	payload := depositPayload(t)
	if _, err := js.Publish(ctx, subject, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case raw := <-events:
		if raw.EventType != "Deposit" || raw.Subject != subject {
			t.Errorf("got type=%s subject=%s", raw.EventType, raw.Subject)
		}
		if string(raw.Data) != string(payload) {
			t.Errorf("payload changed in transit")
		}
		raw.AckFunc()
	case <-ctx.Done():
		t.Fatal("no action delivered")
	}
}

func TestOutboundPublisher_PublishesOnTypedSubject(t *testing.T) {
	js, cleanup := testutil.SetupTestNATS(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := ingestion.EnsureOutboundStream(ctx, js, zerolog.Nop()); err != nil {
		t.Fatalf("ensure outbound stream: %v", err)
	}

	evt := ingestion.PublishableEvent{
		Sequence:       time.Now().UnixNano(),
		EventType:      "Deposit",
		Subject:        "deposit",
		IdempotencyKey: uuid.NewString(),
		Asset:          "0x" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Payload:        json.RawMessage(`{}`),
		Timestamp:      time.Unix(1_700_000_000, 0).UTC(),
	}
	subject := ingestion.OutboundSubject(evt)

	cons, err := js.OrderedConsumer(ctx, ingestion.LedgerEventsStream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
	})
	if err != nil {
		t.Fatalf("ordered consumer: %v", err)
	}

	in := make(chan ingestion.PublishableEvent, 1)
	in <- evt
	close(in)
	if err := ingestion.NewOutboundPublisher(js, in, zerolog.Nop()).Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	msg, err := cons.Next(jetstream.FetchMaxWait(5 * time.Second))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	var got ingestion.PublishableEvent
	if err := json.Unmarshal(msg.Data(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Sequence != evt.Sequence || got.IdempotencyKey != evt.IdempotencyKey {
		t.Errorf("got seq=%d key=%s, want seq=%d key=%s",
			got.Sequence, got.IdempotencyKey, evt.Sequence, evt.IdempotencyKey)
	}
}
