package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"LendLedger/internal/observability"
	"LendLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// WorkerName is the watermark row owned by the projection worker.
const WorkerName = "core"

// ProjectionOutput carries the after-images of one logged event.
// cmd/lendledger bridges core.CoreOutput into it.
type ProjectionOutput struct {
	Sequence  int64
	EventType string
	Timestamp int64
	Reserves  []*state.Reserve
	Positions []*state.UserPosition
	Shares    []state.ShareEntry
	// Liquidation is set for applied liquidation calls.
	Liquidation *LiquidationEntry
}

// ProjectionWorker updates projection tables from processed events.
// The projection channel drops when full; a worker that fell behind is
// repaired with RebuildProjections.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	history   *LiquidationHistory
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(
	db *sql.DB,
	inputChan <-chan ProjectionOutput,
	history *LiquidationHistory,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		history:   history,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if output.Liquidation != nil && pw.history != nil {
				pw.history.Add(*output.Liquidation)
			}

			start := time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				// Projections are eventually consistent and rebuilt from the log.
				pw.logger.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
				continue
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues("tables").Observe(time.Since(start).Seconds())
			}
			pw.lastSeq = output.Sequence
		}
	}
}

// LastSequence is the last sequence this worker projected.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := applyImages(ctx, tx, output.Sequence, output.Reserves, output.Positions, output.Shares); err != nil {
		return err
	}
	if err := setWatermark(ctx, tx, WorkerName, output.Sequence); err != nil {
		return err
	}
	return tx.Commit()
}

func applyImages(ctx context.Context, tx *sql.Tx, seq int64, reserves []*state.Reserve, positions []*state.UserPosition, shares []state.ShareEntry) error {
	for _, r := range reserves {
		if err := upsertReserve(ctx, tx, seq, r); err != nil {
			return fmt.Errorf("reserve projection: %w", err)
		}
	}
	for _, p := range positions {
		if err := upsertPosition(ctx, tx, seq, p); err != nil {
			return fmt.Errorf("position projection: %w", err)
		}
	}
	for _, s := range shares {
		if err := upsertShares(ctx, tx, seq, s); err != nil {
			return fmt.Errorf("share projection: %w", err)
		}
	}
	return nil
}

func upsertReserve(ctx context.Context, tx *sql.Tx, seq int64, r *state.Reserve) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.reserves (
			asset, total_liquidity, total_borrows_stable, total_borrows_variable, available_liquidity,
			liquidity_index, variable_borrow_index, liquidity_rate, variable_borrow_rate,
			stable_borrow_rate, average_stable_rate,
			borrowing_enabled, stable_rate_enabled, usable_as_collateral, active,
			base_ltv, liquidation_threshold, liquidation_bonus,
			last_update_timestamp, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, NOW())
		ON CONFLICT (asset) DO UPDATE SET
			total_liquidity = EXCLUDED.total_liquidity,
			total_borrows_stable = EXCLUDED.total_borrows_stable,
			total_borrows_variable = EXCLUDED.total_borrows_variable,
			available_liquidity = EXCLUDED.available_liquidity,
			liquidity_index = EXCLUDED.liquidity_index,
			variable_borrow_index = EXCLUDED.variable_borrow_index,
			liquidity_rate = EXCLUDED.liquidity_rate,
			variable_borrow_rate = EXCLUDED.variable_borrow_rate,
			stable_borrow_rate = EXCLUDED.stable_borrow_rate,
			average_stable_rate = EXCLUDED.average_stable_rate,
			borrowing_enabled = EXCLUDED.borrowing_enabled,
			stable_rate_enabled = EXCLUDED.stable_rate_enabled,
			usable_as_collateral = EXCLUDED.usable_as_collateral,
			active = EXCLUDED.active,
			base_ltv = EXCLUDED.base_ltv,
			liquidation_threshold = EXCLUDED.liquidation_threshold,
			liquidation_bonus = EXCLUDED.liquidation_bonus,
			last_update_timestamp = EXCLUDED.last_update_timestamp,
			last_sequence = EXCLUDED.last_sequence,
			updated_at = NOW()
		WHERE projections.reserves.last_sequence <= EXCLUDED.last_sequence
	`,
		addressKey(r.Asset), r.TotalLiquidity.Dec(), r.TotalBorrowsStable.Dec(), r.TotalBorrowsVariable.Dec(),
		r.AvailableLiquidity().Dec(), r.LiquidityIndex.Dec(), r.VariableBorrowIndex.Dec(),
		r.CurrentLiquidityRate.Dec(), r.CurrentVariableBorrowRate.Dec(),
		r.CurrentStableBorrowRate.Dec(), r.CurrentAverageStableRate.Dec(),
		r.BorrowingEnabled, r.StableBorrowRateEnabled, r.UsableAsCollateral, r.Active,
		r.Risk.BaseLTVAsCollateral, r.Risk.LiquidationThreshold, r.Risk.LiquidationBonus,
		r.LastUpdateTimestamp, seq,
	)
	return err
}

func upsertPosition(ctx context.Context, tx *sql.Tx, seq int64, p *state.UserPosition) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.user_positions (
			asset, user_address, principal_borrow_balance, rate_mode, stable_rate,
			last_variable_borrow_index, origination_fee, use_as_collateral,
			last_update_timestamp, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (asset, user_address) DO UPDATE SET
			principal_borrow_balance = EXCLUDED.principal_borrow_balance,
			rate_mode = EXCLUDED.rate_mode,
			stable_rate = EXCLUDED.stable_rate,
			last_variable_borrow_index = EXCLUDED.last_variable_borrow_index,
			origination_fee = EXCLUDED.origination_fee,
			use_as_collateral = EXCLUDED.use_as_collateral,
			last_update_timestamp = EXCLUDED.last_update_timestamp,
			last_sequence = GREATEST(projections.user_positions.last_sequence, EXCLUDED.last_sequence),
			updated_at = NOW()
	`,
		addressKey(p.Asset), addressKey(p.User), p.PrincipalBorrowBalance.Dec(), p.RateMode.String(),
		p.StableRate.Dec(), p.LastVariableBorrowIndex.Dec(), p.OriginationFee.Dec(), p.UseAsCollateral,
		p.LastUpdateTimestamp, seq,
	)
	return err
}

func upsertShares(ctx context.Context, tx *sql.Tx, seq int64, s state.ShareEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.user_positions (asset, user_address, scaled_shares, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (asset, user_address) DO UPDATE SET
			scaled_shares = EXCLUDED.scaled_shares,
			last_sequence = GREATEST(projections.user_positions.last_sequence, EXCLUDED.last_sequence),
			updated_at = NOW()
	`, addressKey(s.Asset), addressKey(s.User), s.Scaled.Dec(), seq)
	return err
}

func setWatermark(ctx context.Context, tx *sql.Tx, name string, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection_name) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, name, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

// RebuildProjections rebuilds the projection tables from the latest
// after-image of every record in event_log.state_changes.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.reserves`,
		`TRUNCATE projections.user_positions`,
		`DELETE FROM projections.watermark WHERE projection_name = '` + WorkerName + `'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT ON (kind, asset, user_address) kind, sequence, data
		FROM event_log.state_changes
		ORDER BY kind, asset, user_address, sequence DESC, ordinal DESC
	`)
	if err != nil {
		return fmt.Errorf("load state changes: %w", err)
	}

	type image struct {
		kind string
		seq  int64
		data []byte
	}
	var images []image
	var maxSeq int64
	for rows.Next() {
		var img image
		if err := rows.Scan(&img.kind, &img.seq, &img.data); err != nil {
			rows.Close()
			return err
		}
		if img.seq > maxSeq {
			maxSeq = img.seq
		}
		images = append(images, img)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, img := range images {
		var err error
		switch img.kind {
		case "reserve":
			var r state.Reserve
			if err = json.Unmarshal(img.data, &r); err == nil {
				err = upsertReserve(ctx, tx, img.seq, &r)
			}
		case "position":
			var p state.UserPosition
			if err = json.Unmarshal(img.data, &p); err == nil {
				err = upsertPosition(ctx, tx, img.seq, &p)
			}
		case "share":
			var s state.ShareEntry
			if err = json.Unmarshal(img.data, &s); err == nil {
				err = upsertShares(ctx, tx, img.seq, s)
			}
		default:
			err = fmt.Errorf("unknown change kind %q", img.kind)
		}
		if err != nil {
			return fmt.Errorf("rebuild %s at seq=%d: %w", img.kind, img.seq, err)
		}
	}

	if maxSeq > 0 {
		if err := setWatermark(ctx, tx, WorkerName, maxSeq); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info().Int("records", len(images)).Int64("sequence", maxSeq).Msg("projection rebuild complete")
	return nil
}

// addressKey is the lower-case hex form used as the projection key.
func addressKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}
