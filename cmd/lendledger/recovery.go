package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/observability"
	"LendLedger/internal/persistence"

	"github.com/rs/zerolog"
)

const replayBatchSize = 1000

// restoreFromSnapshot loads the newest verified snapshot into the processor
// and returns its sequence, or 0 when the ledger must cold start.
func restoreFromSnapshot(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	proc *core.Processor,
	logger zerolog.Logger,
) (int64, error) {
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	if snap == nil {
		logger.Info().Msg("no verified snapshot, cold start from sequence 0")
		return 0, nil
	}

	var state core.SnapshotState
	if err := json.Unmarshal(snap.State, &state); err != nil {
		return 0, fmt.Errorf("decode snapshot at seq=%d: %w", snap.Sequence, err)
	}
	if state.Sequence != snap.Sequence {
		return 0, fmt.Errorf("snapshot row seq=%d holds state at seq=%d", snap.Sequence, state.Sequence)
	}
	if err := proc.RestoreFromSnapshot(&state); err != nil {
		return 0, err
	}
	if len(snap.StateHash) != 32 || proc.GetStateHash() != [32]byte(snap.StateHash) {
		return 0, fmt.Errorf("snapshot at seq=%d restored to hash %x, row has %x",
			snap.Sequence, proc.GetStateHash(), snap.StateHash)
	}

	logger.Info().
		Int64("sequence", snap.Sequence).
		Int("idempotency_keys", len(state.IdempotencyKeys)).
		Msg("restored state from snapshot")
	return snap.Sequence, nil
}

// replayEventsFromLog re-applies every logged event after fromSequence.
// Replay panics if a recomputed state hash differs from the log.
func replayEventsFromLog(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	proc *core.Processor,
	fromSequence int64,
	metrics *observability.Metrics,
) (int64, error) {
	start := time.Now()
	var replayed int64
	next := fromSequence + 1

	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, next, replayBatchSize)
		if err != nil {
			return replayed, fmt.Errorf("load events from seq %d: %w", next, err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			env, err := row.Envelope()
			if err != nil {
				return replayed, err
			}
			evt, err := ingestion.DecodeEvent(env.ActionType(), env.Payload)
			if err != nil {
				return replayed, fmt.Errorf("decode logged seq=%d: %w", env.Sequence, err)
			}
			if err := proc.Replay(env, evt); err != nil {
				return replayed, err
			}
			replayed++
		}
		next = rows[len(rows)-1].Sequence + 1
	}

	if metrics != nil {
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	return replayed, nil
}

// takeSnapshot captures the processor state and persists it.
func takeSnapshot(
	ctx context.Context,
	proc *core.Processor,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
) (int64, error) {
	start := time.Now()

	state := proc.CreateSnapshotState()
	data, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("encode snapshot: %w", err)
	}

	snap := &persistence.SnapshotData{
		Sequence:  state.Sequence,
		StateHash: append([]byte(nil), state.StateHash[:]...),
		State:     data,
	}
	if err := snapMgr.SaveSnapshot(ctx, snap); err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotSizeBytes.Set(float64(len(data)))
		metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	return snap.Sequence, nil
}
