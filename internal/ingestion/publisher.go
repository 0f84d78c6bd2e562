package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const LedgerEventsStream = "LEND_LEDGER_EVENTS"

// OutboundPublisher publishes persisted events to NATS for downstream
// consumers. Subjects follow lend.ledger.events.{event_type}.{asset}.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
	logger    zerolog.Logger
}

// PublishableEvent is a logged event ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	Subject        string          `json:"-"`
	IdempotencyKey string          `json:"idempotency_key"`
	Asset          string          `json:"asset"`
	Caller         string          `json:"caller"`
	RejectReason   string          `json:"reject_reason,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			// Non-fatal: downstream consumers can read the event log directly
			if err := op.publish(ctx, evt); err != nil {
				op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// Dedup on the stream side by ledger sequence.
	_, err = op.js.Publish(ctx, OutboundSubject(evt), data, jetstream.WithMsgID(fmt.Sprintf("seq-%d", evt.Sequence)))
	return err
}

// OutboundSubject builds lend.ledger.events.{subject}.{asset}; the asset
// segment is the lower-case hex address.
func OutboundSubject(evt PublishableEvent) string {
	segment := evt.Subject
	if segment == "" {
		segment = strings.ToLower(evt.EventType)
	}
	subject := "lend.ledger.events." + segment
	if evt.Asset != "" {
		subject += "." + strings.ToLower(evt.Asset)
	}
	return subject
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       LedgerEventsStream,
		Subjects:   []string{"lend.ledger.events.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     streamAge,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", LedgerEventsStream).Msg("ensured outbound stream")
	return nil
}
