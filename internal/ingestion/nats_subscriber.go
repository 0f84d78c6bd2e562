package ingestion

import (
	"context"
	"fmt"
	"time"

	"LendLedger/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	ActionsStream = "LEND_ACTIONS"
	ConfigStream  = "LEND_CONFIG"

	ackWait    = 30 * time.Second
	maxDeliver = 5
	streamAge  = 72 * time.Hour
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds raw
// actions to the ingestion loop, which parses them for the processor.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// RawEvent is one undecoded action. The loop that parses it must call
// exactly one of AckFunc and NakFunc.
type RawEvent struct {
	Subject   string
	EventType string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // processed (or permanently malformed)
	NakFunc   func() // redeliver
}

// SubjectConfig maps a NATS subject to one action type.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns one durable consumer per action type. Subjects
// end in the reserve address so streams can be filtered per asset.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "lend.actions.deposit.>", EventType: "Deposit", ConsumerName: "ledger-deposit", StreamName: ActionsStream},
		{Subject: "lend.actions.redeem.>", EventType: "Redeem", ConsumerName: "ledger-redeem", StreamName: ActionsStream},
		{Subject: "lend.actions.borrow.>", EventType: "Borrow", ConsumerName: "ledger-borrow", StreamName: ActionsStream},
		{Subject: "lend.actions.repay.>", EventType: "Repay", ConsumerName: "ledger-repay", StreamName: ActionsStream},
		{Subject: "lend.actions.swap.>", EventType: "SwapRateMode", ConsumerName: "ledger-swap", StreamName: ActionsStream},
		{Subject: "lend.actions.collateral.>", EventType: "SetCollateral", ConsumerName: "ledger-collateral", StreamName: ActionsStream},
		{Subject: "lend.actions.transfer.>", EventType: "TransferShares", ConsumerName: "ledger-transfer", StreamName: ActionsStream},
		{Subject: "lend.actions.liquidation.>", EventType: "LiquidationCall", ConsumerName: "ledger-liquidation", StreamName: ActionsStream},
		{Subject: "lend.config.init.>", EventType: "ReserveInitialized", ConsumerName: "ledger-reserve-init", StreamName: ConfigStream},
		{Subject: "lend.config.reserve.>", EventType: "ReserveConfigured", ConsumerName: "ledger-reserve-config", StreamName: ConfigStream},
		{Subject: "lend.config.refresh.>", EventType: "RefreshIndices", ConsumerName: "ledger-refresh", StreamName: ConfigStream},
		{Subject: "lend.config.price.>", EventType: "PriceUpdate", ConsumerName: "ledger-price", StreamName: ConfigStream},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, metrics *observability.Metrics, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       ackWait,
			MaxDeliver:    maxDeliver,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		eventType, subject := cfg.EventType, cfg.Subject
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			now := time.Now()
			if md, err := msg.Metadata(); err == nil && ns.metrics != nil {
				ns.metrics.NATSPullLatency.WithLabelValues(subject).Observe(now.Sub(md.Timestamp).Seconds())
			}
			raw := RawEvent{
				Subject:   msg.Subject(),
				EventType: eventType,
				Data:      msg.Data(),
				Timestamp: now,
				AckFunc:   func() { _ = msg.Ack() },
				NakFunc:   func() { _ = msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().
			Str("subject", cfg.Subject).
			Str("consumer", cfg.ConsumerName).
			Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the inbound streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      ActionsStream,
			Subjects:  []string{"lend.actions.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    streamAge,
			Replicas:  1,
		},
		{
			Name:      ConfigStream,
			Subjects:  []string{"lend.config.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    streamAge,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("lendledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
