package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	fpmath "LendLedger/internal/math"
	"LendLedger/internal/observability"
	"LendLedger/internal/projection"
	"LendLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ErrNotFound is returned when the requested reserve has not been projected.
var ErrNotFound = errors.New("not found")

// LiveReader is the read-only view of the running core.
type LiveReader interface {
	UserAccountData(user common.Address, now int64) (*state.AccountData, error)
	GetSequence() int64
	GetStateHash() [32]byte
}

// QueryService provides read-only access to the ledger. Reserve and
// position queries read the projection tables and carry as_of_sequence;
// account data is computed from live core state.
type QueryService struct {
	db      *sql.DB
	live    LiveReader
	history *projection.LiquidationHistory
	metrics *observability.Metrics
	now     func() int64
}

func NewQueryService(db *sql.DB, live LiveReader, history *projection.LiquidationHistory, metrics *observability.Metrics) *QueryService {
	return &QueryService{
		db:      db,
		live:    live,
		history: history,
		metrics: metrics,
		now:     func() int64 { return time.Now().Unix() },
	}
}

// GetReserve returns the projected state of one reserve.
func (qs *QueryService) GetReserve(ctx context.Context, asset common.Address) (resp *ReserveResponse, err error) {
	defer qs.observe("GetReserve", time.Now(), &err)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	row := qs.db.QueryRowContext(ctx, reserveSelect+` WHERE asset = $1`, addressKey(asset))
	resp, err = scanReserve(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reserve %s: %w", asset.Hex(), ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	resp.AsOfSequence = asOfSeq
	return resp, nil
}

// ListReserves returns every projected reserve ordered by asset.
func (qs *QueryService) ListReserves(ctx context.Context) (out []ReserveResponse, err error) {
	defer qs.observe("ListReserves", time.Now(), &err)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := qs.db.QueryContext(ctx, reserveSelect+` ORDER BY asset`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanReserve(rows)
		if err != nil {
			return nil, err
		}
		r.AsOfSequence = asOfSeq
		out = append(out, *r)
	}
	return out, rows.Err()
}

// GetUserPositions returns a user's positions in every reserve. Deposit
// balances are scaled shares times the reserve's projected liquidity index.
func (qs *QueryService) GetUserPositions(ctx context.Context, user common.Address) (out []UserPositionResponse, err error) {
	defer qs.observe("GetUserPositions", time.Now(), &err)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := qs.db.QueryContext(ctx, `
		SELECT p.asset, p.scaled_shares, COALESCE(r.liquidity_index, $2),
		       p.principal_borrow_balance, p.rate_mode, p.stable_rate,
		       p.last_variable_borrow_index, p.origination_fee, p.use_as_collateral,
		       p.last_update_timestamp, p.last_sequence
		FROM projections.user_positions p
		LEFT JOIN projections.reserves r ON r.asset = p.asset
		WHERE p.user_address = $1
		  AND (p.scaled_shares > 0 OR p.principal_borrow_balance > 0 OR p.origination_fee > 0)
		ORDER BY p.asset
	`, addressKey(user), fpmath.RAY.Dec())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p UserPositionResponse
		var scaled, index, principal, rate, vbi, fee string
		if err := rows.Scan(
			&p.Asset, &scaled, &index, &principal, &p.RateMode, &rate,
			&vbi, &fee, &p.UseAsCollateral, &p.LastUpdateTimestamp, &p.LastSequence,
		); err != nil {
			return nil, err
		}
		shares, err := parseUint(scaled)
		if err != nil {
			return nil, err
		}
		idx, err := parseUint(index)
		if err != nil {
			return nil, err
		}
		balance, err := fpmath.RayMul(shares, idx)
		if err != nil {
			return nil, fmt.Errorf("deposit balance %s: %w", p.Asset, err)
		}

		p.User = addressKey(user)
		p.ScaledShares = wad(shares)
		p.DepositBalance = wad(balance)
		if p.PrincipalBorrowBalance, err = parseWad(principal); err != nil {
			return nil, err
		}
		if p.StableRate, err = parseRay(rate); err != nil {
			return nil, err
		}
		if p.LastVariableBorrowIndex, err = parseRay(vbi); err != nil {
			return nil, err
		}
		if p.OriginationFee, err = parseWad(fee); err != nil {
			return nil, err
		}
		p.AsOfSequence = asOfSeq
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetUserAccountData returns the user's aggregate collateral, debt and
// health factor from live core state.
func (qs *QueryService) GetUserAccountData(ctx context.Context, user common.Address) (resp *AccountDataResponse, err error) {
	defer qs.observe("GetUserAccountData", time.Now(), &err)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := qs.live.UserAccountData(user, qs.now())
	if err != nil {
		return nil, err
	}
	return &AccountDataResponse{
		User:                        addressKey(user),
		TotalLiquidity:              wad(data.TotalLiquidity),
		TotalCollateral:             wad(data.TotalCollateral),
		TotalBorrows:                wad(data.TotalBorrows),
		TotalFees:                   wad(data.TotalFees),
		AvailableBorrows:            wad(data.AvailableBorrows()),
		CurrentLTV:                  data.CurrentLTV,
		CurrentLiquidationThreshold: data.CurrentLiquidationThreshold,
		HealthFactor:                wad(data.HealthFactor),
		Liquidatable:                data.HealthFactorBelowThreshold(),
		AsOfSequence:                qs.live.GetSequence(),
	}, nil
}

// GetLiquidationHistory returns the newest liquidations of a user, or of
// everyone when user is the zero address.
func (qs *QueryService) GetLiquidationHistory(ctx context.Context, user common.Address, limit int) (out []LiquidationResponse, err error) {
	defer qs.observe("GetLiquidationHistory", time.Now(), &err)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if qs.history == nil {
		return nil, nil
	}
	for _, e := range qs.history.QueryByUser(user, limit) {
		out = append(out, LiquidationResponse{
			Sequence:          e.Sequence,
			User:              addressKey(e.User),
			Liquidator:        addressKey(e.Liquidator),
			DebtReserve:       addressKey(e.DebtReserve),
			CollateralReserve: addressKey(e.CollateralReserve),
			DebtRepaid:        wad(e.DebtRepaid),
			CollateralSeized:  wad(e.CollateralSeized),
			Timestamp:         e.Timestamp,
		})
	}
	return out, nil
}

// --- Admin APIs ---

// GetSystemStatus reports the core sequence and chain tip against the
// persisted log and the projections.
func (qs *QueryService) GetSystemStatus(ctx context.Context) (status *SystemStatus, err error) {
	defer qs.observe("GetSystemStatus", time.Now(), &err)

	hash := qs.live.GetStateHash()
	status = &SystemStatus{
		CoreSequence: qs.live.GetSequence(),
		StateHash:    hex.EncodeToString(hash[:]),
	}
	if status.ProjectionSequence, err = qs.getWatermark(ctx); err != nil {
		return nil, err
	}
	status.ProjectionLag = status.CoreSequence - status.ProjectionSequence

	err = qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0),
		       COUNT(*) FILTER (WHERE event_type = 'ActionRejected')
		FROM event_log.events
	`).Scan(&status.PersistedSequence, &status.RejectedActionCount)
	if err != nil {
		return nil, err
	}
	if err := qs.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projections.reserves`).Scan(&status.ReserveCount); err != nil {
		return nil, err
	}
	return status, nil
}

// VerifyIntegrity checks the persisted hash chain for breaks and gaps and
// compares its tip with the core.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer qs.observe("VerifyIntegrity", time.Now(), &err)

	report = &IntegrityReport{}

	// Check hash chain continuity
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			rows.Close()
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Sequences must run 1..N without holes
	gapRows, err := qs.db.QueryContext(ctx, `
		SELECT sequence FROM (
			SELECT sequence, LAG(sequence, 1, 0::BIGINT) OVER (ORDER BY sequence) AS prev
			FROM event_log.events
		) t
		WHERE sequence != prev + 1
		ORDER BY sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	for gapRows.Next() {
		var seq int64
		if err := gapRows.Scan(&seq); err != nil {
			gapRows.Close()
			return nil, err
		}
		report.SequenceGaps = append(report.SequenceGaps, seq)
	}
	gapRows.Close()
	if err := gapRows.Err(); err != nil {
		return nil, err
	}

	if err := qs.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_log.events`).Scan(&report.CheckedEvents); err != nil {
		return nil, err
	}

	report.TipMatchesCore = true
	if coreSeq := qs.live.GetSequence(); coreSeq > 0 {
		var logged []byte
		err := qs.db.QueryRowContext(ctx, `
			SELECT state_hash FROM event_log.events WHERE sequence = $1
		`, coreSeq).Scan(&logged)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// Not flushed yet; the persistence worker trails the core.
		case err != nil:
			return nil, err
		default:
			tip := qs.live.GetStateHash()
			report.TipMatchesCore = string(logged) == string(tip[:])
		}
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.SequenceGaps) == 0 && report.TipMatchesCore
	return report, nil
}

// --- helpers ---

const reserveSelect = `
	SELECT asset, total_liquidity, total_borrows_stable, total_borrows_variable, available_liquidity,
	       liquidity_index, variable_borrow_index, liquidity_rate, variable_borrow_rate,
	       stable_borrow_rate, average_stable_rate,
	       borrowing_enabled, stable_rate_enabled, usable_as_collateral, active,
	       base_ltv, liquidation_threshold, liquidation_bonus,
	       last_update_timestamp, last_sequence
	FROM projections.reserves`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReserve(s scanner) (*ReserveResponse, error) {
	var r ReserveResponse
	var liquidity, stable, variable, available, li, vbi string
	var liquidityRate, variableRate, stableRate, averageRate string
	if err := s.Scan(
		&r.Asset, &liquidity, &stable, &variable, &available,
		&li, &vbi, &liquidityRate, &variableRate,
		&stableRate, &averageRate,
		&r.BorrowingEnabled, &r.StableRateEnabled, &r.UsableAsCollateral, &r.Active,
		&r.BaseLTV, &r.LiquidationThreshold, &r.LiquidationBonus,
		&r.LastUpdateTimestamp, &r.LastSequence,
	); err != nil {
		return nil, err
	}

	amounts := []struct {
		dst   *Amount
		raw   string
		isRay bool
	}{
		{&r.TotalLiquidity, liquidity, false},
		{&r.TotalBorrowsStable, stable, false},
		{&r.TotalBorrowsVariable, variable, false},
		{&r.AvailableLiquidity, available, false},
		{&r.LiquidityIndex, li, true},
		{&r.VariableBorrowIndex, vbi, true},
		{&r.LiquidityRate, liquidityRate, true},
		{&r.VariableBorrowRate, variableRate, true},
		{&r.StableBorrowRate, stableRate, true},
		{&r.AverageStableRate, averageRate, true},
	}
	for _, a := range amounts {
		var err error
		if a.isRay {
			*a.dst, err = parseRay(a.raw)
		} else {
			*a.dst, err = parseWad(a.raw)
		}
		if err != nil {
			return nil, fmt.Errorf("reserve %s: %w", r.Asset, err)
		}
	}

	// utilization = total borrows / total liquidity, in RAY
	total, _ := uint256.FromDecimal(liquidity)
	s1, _ := uint256.FromDecimal(stable)
	s2, _ := uint256.FromDecimal(variable)
	borrows := new(uint256.Int).Add(s1, s2)
	util := fpmath.Zero()
	if !total.IsZero() {
		u, err := fpmath.RayDiv(borrows, total)
		if err != nil {
			return nil, fmt.Errorf("reserve %s utilization: %w", r.Asset, err)
		}
		util = u
	}
	r.UtilizationRate = ray(util)
	return &r, nil
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection_name = $1
	`, projection.WorkerName).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// observe records request count, latency and error class for one endpoint.
func (qs *QueryService) observe(endpoint string, start time.Time, errp *error) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	status := "ok"
	if *errp != nil {
		status = "error"
		code := "internal"
		switch {
		case errors.Is(*errp, ErrNotFound):
			code = "not_found"
		case errors.Is(*errp, context.Canceled), errors.Is(*errp, context.DeadlineExceeded):
			code = "canceled"
		}
		qs.metrics.QueryErrors.WithLabelValues(endpoint, code).Inc()
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
}

func parseUint(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", s, err)
	}
	return v, nil
}

func parseWad(s string) (Amount, error) {
	v, err := parseUint(s)
	if err != nil {
		return Amount{}, err
	}
	return wad(v), nil
}

func parseRay(s string) (Amount, error) {
	v, err := parseUint(s)
	if err != nil {
		return Amount{}, err
	}
	return ray(v), nil
}

func wad(v *uint256.Int) Amount {
	if v == nil {
		v = fpmath.Zero()
	}
	return Amount{Raw: v.Dec(), Decimal: fpmath.FormatWad(v)}
}

func ray(v *uint256.Int) Amount {
	if v == nil {
		v = fpmath.Zero()
	}
	return Amount{Raw: v.Dec(), Decimal: fpmath.FormatRay(v)}
}

func addressKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}
