package main

import (
	"context"
	"encoding/hex"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/observability"
	"LendLedger/internal/persistence"
	"LendLedger/internal/projection"
)

// bridgeCoreOutputs converts core.CoreOutput to the persistence, projection
// and outbound formats, so those packages stay independent of the core.
// Persistence blocks; projections and publishing drop when full. Once both
// inputs are closed it closes every output, which lets the workers drain.
func bridgeCoreOutputs(
	ctx context.Context,
	persistIn <-chan core.CoreOutput,
	projectionIn <-chan core.CoreOutput,
	persistOut chan<- persistence.CoreOutput,
	projectionOut chan<- projection.ProjectionOutput,
	publishOut chan<- ingestion.PublishableEvent,
	metrics *observability.Metrics,
) {
	defer close(persistOut)
	defer close(projectionOut)
	defer close(publishOut)

	for persistIn != nil || projectionIn != nil {
		select {
		case <-ctx.Done():
			return

		case output, ok := <-persistIn:
			if !ok {
				persistIn = nil
				continue
			}

			row := persistence.BuildOutput(output.Envelope, output.Changes)
			select {
			case persistOut <- row:
			default:
				if metrics != nil {
					metrics.PersistBackpressure.Inc()
				}
				select {
				case persistOut <- row:
				case <-ctx.Done():
					return
				}
			}

			select {
			case publishOut <- toPublishable(output.Envelope):
			default:
				if metrics != nil {
					metrics.PublishDrops.Inc()
				}
			}

		case output, ok := <-projectionIn:
			if !ok {
				projectionIn = nil
				continue
			}

			select {
			case projectionOut <- toProjection(output):
			default:
				if metrics != nil {
					metrics.ProjectionDrops.WithLabelValues("bridge").Inc()
				}
			}
		}
	}
}

func toPublishable(env *event.EventEnvelope) ingestion.PublishableEvent {
	pub := ingestion.PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		Subject:        env.EventType.Subject(),
		IdempotencyKey: env.IdempotencyKey,
		Asset:          env.Asset.Hex(),
		Caller:         env.Caller.Hex(),
		Payload:        env.Payload,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      time.Unix(env.Timestamp, 0).UTC(),
	}
	if env.EventType == event.EventTypeActionRejected {
		pub.RejectReason = env.RejectReason
	}
	return pub
}

func toProjection(output core.CoreOutput) projection.ProjectionOutput {
	env := output.Envelope
	pOutput := projection.ProjectionOutput{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		Timestamp: env.Timestamp,
	}
	if output.Changes != nil {
		pOutput.Reserves = output.Changes.Reserves
		pOutput.Positions = output.Changes.Positions
		pOutput.Shares = output.Changes.Shares
	}

	if res := output.Result; res != nil && env.EventType == event.EventTypeLiquidationCall {
		pOutput.Liquidation = &projection.LiquidationEntry{
			Sequence:          env.Sequence,
			User:              res.User,
			Liquidator:        res.Counterparty,
			DebtReserve:       res.Asset,
			CollateralReserve: res.CollateralAsset,
			DebtRepaid:        res.Amount,
			CollateralSeized:  res.Collateral,
			Timestamp:         env.Timestamp,
		}
	}
	return pOutput
}
