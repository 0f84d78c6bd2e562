package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"LendLedger/internal/event"
	"LendLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EventLogWriter writes events and their state changes to Postgres using
// multi-row INSERTs inside one transaction per batch.
type EventLogWriter struct {
	db *sql.DB
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	ActionType     string // inbound type; differs from EventType only for rejections
	IdempotencyKey string
	Asset          string
	Caller         string
	RejectReason   *string
	Payload        []byte // JSON-encoded event payload, bound as text for JSONB
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// Record kinds in event_log.state_changes.
const (
	ChangeReserve  = "reserve"
	ChangePosition = "position"
	ChangeShare    = "share"
)

// StateChangeRow is one after-image written by an event. Amount columns are
// decimal strings bound to NUMERIC(78,0); nil means NULL.
type StateChangeRow struct {
	Sequence int64
	Ordinal  int
	Kind     string
	Asset    string
	User     *string

	TotalLiquidity         *string
	TotalBorrowsStable     *string
	TotalBorrowsVariable   *string
	LiquidityIndex         *string
	VariableBorrowIndex    *string
	PrincipalBorrowBalance *string
	StableRate             *string
	OriginationFee         *string
	ScaledShares           *string
	RateMode               *string

	Data []byte // full after-image as JSON
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes a batch of events to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, events []EventRow, ex execer) error {
	if len(events) == 0 {
		return nil
	}
	if ex == nil {
		ex = w.db
	}

	const cols = 12
	query := `INSERT INTO event_log.events
		(sequence, event_type, action_type, idempotency_key, asset, caller, reject_reason,
		 payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*cols)

	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.EventType, e.ActionType, e.IdempotencyKey, e.Asset, e.Caller, e.RejectReason,
			string(e.Payload), e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteStateChangeBatch writes after-images to event_log.state_changes.
func (w *EventLogWriter) WriteStateChangeBatch(ctx context.Context, changes []StateChangeRow, ex execer) error {
	if len(changes) == 0 {
		return nil
	}
	if ex == nil {
		ex = w.db
	}

	const cols = 16
	query := `INSERT INTO event_log.state_changes
		(sequence, ordinal, kind, asset, user_address,
		 total_liquidity, total_borrows_stable, total_borrows_variable,
		 liquidity_index, variable_borrow_index,
		 principal_borrow_balance, stable_rate, origination_fee, scaled_shares, rate_mode,
		 data)
		VALUES `

	values := make([]string, 0, len(changes))
	args := make([]interface{}, 0, len(changes)*cols)

	for i, c := range changes {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			c.Sequence, c.Ordinal, c.Kind, c.Asset, c.User,
			c.TotalLiquidity, c.TotalBorrowsStable, c.TotalBorrowsVariable,
			c.LiquidityIndex, c.VariableBorrowIndex,
			c.PrincipalBorrowBalance, c.StableRate, c.OriginationFee, c.ScaledShares, c.RateMode,
			string(c.Data),
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence, ordinal) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+i)
	}
	b.WriteByte(')')
	return b.String()
}

// BuildOutput converts one logged envelope and its after-images into rows.
func BuildOutput(env *event.EventEnvelope, changes *state.ChangeSummary) CoreOutput {
	row := EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		ActionType:     env.ActionType().String(),
		IdempotencyKey: env.IdempotencyKey,
		Asset:          addressHex(env.Asset),
		Caller:         addressHex(env.Caller),
		Payload:        env.Payload,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		PrevHash:       append([]byte(nil), env.PrevHash[:]...),
		Timestamp:      time.Unix(env.Timestamp, 0).UTC(),
		SourceSequence: env.SourceSequence,
	}
	if env.EventType == event.EventTypeActionRejected {
		reason := env.RejectReason
		row.RejectReason = &reason
	}
	return CoreOutput{EventRow: row, ChangeRows: BuildStateChanges(env.Sequence, changes)}
}

// BuildStateChanges flattens a change summary in canonical order.
func BuildStateChanges(sequence int64, changes *state.ChangeSummary) []StateChangeRow {
	if changes == nil || changes.Empty() {
		return nil
	}
	rows := make([]StateChangeRow, 0, len(changes.Reserves)+len(changes.Positions)+len(changes.Shares))
	next := func(kind string, asset common.Address, user *common.Address, v interface{}) StateChangeRow {
		row := StateChangeRow{
			Sequence: sequence,
			Ordinal:  len(rows),
			Kind:     kind,
			Asset:    addressHex(asset),
			Data:     MarshalPayload(v),
		}
		if user != nil {
			u := addressHex(*user)
			row.User = &u
		}
		return row
	}

	for _, r := range changes.Reserves {
		row := next(ChangeReserve, r.Asset, nil, r)
		row.TotalLiquidity = dec(r.TotalLiquidity)
		row.TotalBorrowsStable = dec(r.TotalBorrowsStable)
		row.TotalBorrowsVariable = dec(r.TotalBorrowsVariable)
		row.LiquidityIndex = dec(r.LiquidityIndex)
		row.VariableBorrowIndex = dec(r.VariableBorrowIndex)
		rows = append(rows, row)
	}
	for _, p := range changes.Positions {
		user := p.User
		row := next(ChangePosition, p.Asset, &user, p)
		row.PrincipalBorrowBalance = dec(p.PrincipalBorrowBalance)
		row.StableRate = dec(p.StableRate)
		row.OriginationFee = dec(p.OriginationFee)
		mode := p.RateMode.String()
		row.RateMode = &mode
		rows = append(rows, row)
	}
	for _, s := range changes.Shares {
		user := s.User
		row := next(ChangeShare, s.Asset, &user, s)
		row.ScaledShares = dec(s.Scaled)
		rows = append(rows, row)
	}
	return rows
}

func dec(v *uint256.Int) *string {
	if v == nil {
		return nil
	}
	s := v.Dec()
	return &s
}

func addressHex(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return strings.ToLower(a.Hex())
}

// MarshalPayload JSON-encodes a value for storage. Encoding the ledger's own
// types cannot fail, so a failure yields an empty object.
func MarshalPayload(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
