package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"LendLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// snapshotFormat is bumped whenever the encoded processor state changes shape.
const snapshotFormat = 1

// SnapshotManager handles creating and loading state snapshots for recovery.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is one persisted snapshot. State is the JSON-encoded
// processor snapshot; the store image, prices, sequence partitions and
// recent idempotency keys all live inside it.
type SnapshotData struct {
	ID        uuid.UUID       `json:"id"`
	Sequence  int64           `json:"sequence"`
	StateHash []byte          `json:"state_hash"`
	State     json.RawMessage `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. Snapshots start unverified; they are
// only trusted once their hash matches the event log.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	if snap.ID == uuid.Nil {
		snap.ID = uuid.New()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	_, err := sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snap.ID, snap.Sequence, string(snap.State), snap.StateHash, snapshotFormat, len(snap.State), snap.CreatedAt)
	return err
}

// LoadLatestSnapshot returns the newest snapshot whose state hash matches
// the logged hash at its sequence, marking it verified. It returns nil when
// there is none and the ledger must cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT s.snapshot_id, s.sequence, s.state_hash, s.data, s.created_at
		FROM event_log.snapshots s
		JOIN event_log.events e ON e.sequence = s.sequence AND e.state_hash = s.state_hash
		WHERE s.format_version = $1
		ORDER BY s.sequence DESC
		LIMIT 1
	`, snapshotFormat)

	var snap SnapshotData
	var data []byte
	if err := row.Scan(&snap.ID, &snap.Sequence, &snap.StateHash, &data, &snap.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	snap.State = data

	if err := sm.MarkVerified(ctx, snap.Sequence); err != nil {
		return nil, fmt.Errorf("mark snapshot verified: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events from a given sequence for replay.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, action_type, idempotency_key, asset, caller, reject_reason,
		       payload, state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.ActionType, &e.IdempotencyKey, &e.Asset, &e.Caller, &e.RejectReason,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// Envelope rebuilds the logged envelope of a row.
func (e EventRow) Envelope() (*event.EventEnvelope, error) {
	env := &event.EventEnvelope{
		Sequence:       e.Sequence,
		IdempotencyKey: e.IdempotencyKey,
		EventType:      event.EventTypeFromString(e.EventType),
		Timestamp:      e.Timestamp.Unix(),
		SourceSequence: e.SourceSequence,
		Payload:        e.Payload,
	}
	if env.EventType == event.EventTypeUnknown {
		return nil, fmt.Errorf("seq=%d: unknown event type %q", e.Sequence, e.EventType)
	}
	if env.EventType == event.EventTypeActionRejected {
		env.RejectedType = event.EventTypeFromString(e.ActionType)
		if e.RejectReason != nil {
			env.RejectReason = *e.RejectReason
		}
	}
	if e.Asset != "" {
		env.Asset = common.HexToAddress(e.Asset)
	}
	if e.Caller != "" {
		env.Caller = common.HexToAddress(e.Caller)
	}
	if len(e.StateHash) != 32 || len(e.PrevHash) != 32 {
		return nil, fmt.Errorf("seq=%d: bad hash length", e.Sequence)
	}
	copy(env.StateHash[:], e.StateHash)
	copy(env.PrevHash[:], e.PrevHash)
	return env, nil
}
