package ingestion

import (
	"context"
	"errors"
	"fmt"

	"LendLedger/internal/event"
	"LendLedger/internal/observability"

	"golang.org/x/time/rate"
)

// ErrThrottled is returned when the admin ingest rate limit is exhausted.
var ErrThrottled = errors.New("ingest rate limit exceeded")

// GRPCIngestService provides admin/manual action injection via gRPC.
// It is not the high-throughput path (use NATS for that) and is rate
// limited accordingly.
type GRPCIngestService struct {
	eventChan chan<- event.Event
	limiter   *rate.Limiter
	metrics   *observability.Metrics
}

// NewGRPCIngestService admits up to perSecond actions per second with the
// given burst. perSecond <= 0 disables the limit.
func NewGRPCIngestService(eventChan chan<- event.Event, perSecond float64, burst int, metrics *observability.Metrics) *GRPCIngestService {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &GRPCIngestService{
		eventChan: eventChan,
		limiter:   rate.NewLimiter(limit, burst),
		metrics:   metrics,
	}
}

// Submit decodes one action in its wire format and queues it for the
// processor. It returns the action's idempotency key.
func (s *GRPCIngestService) Submit(ctx context.Context, eventType string, payload []byte) (string, error) {
	if !s.limiter.Allow() {
		if s.metrics != nil {
			s.metrics.IngestThrottled.WithLabelValues("Submit").Inc()
		}
		return "", ErrThrottled
	}

	evt, err := ParseRawEvent(RawEvent{EventType: eventType, Data: payload}, eventType)
	if err != nil {
		return "", err
	}
	if err := s.enqueue(ctx, evt); err != nil {
		return "", err
	}
	return evt.IdempotencyKey(), nil
}

// Inject queues an already typed action, used by operational tooling that
// builds events in process.
func (s *GRPCIngestService) Inject(ctx context.Context, evt event.Event) error {
	if err := s.limiter.Wait(ctx); err != nil {
		if s.metrics != nil {
			s.metrics.IngestThrottled.WithLabelValues("Inject").Inc()
		}
		return fmt.Errorf("%w: %v", ErrThrottled, err)
	}
	if err := validate(evt); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, evt.EventType(), err)
	}
	return s.enqueue(ctx, evt)
}

func (s *GRPCIngestService) enqueue(ctx context.Context, evt event.Event) error {
	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
