package server

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"LendLedger/internal/errs"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/persistence"
	"LendLedger/internal/projection"
	"LendLedger/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// handlers implements the Query, Ingest and Admin services. Both the gRPC
// service descriptors and the HTTP gateway routes call into it.
type handlers struct {
	qs         *query.QueryService
	ingest     *ingestion.GRPCIngestService
	db         *sql.DB
	snapMgr    *persistence.SnapshotManager
	snapshot   func(ctx context.Context) (int64, error)
	live       query.LiveReader
	adminToken string
	logger     zerolog.Logger
}

// ============================================================================
// Query
// ============================================================================

func (h *handlers) GetReserve(ctx context.Context, req *GetReserveRequest) (*query.ReserveResponse, error) {
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		return nil, err
	}
	res, err := h.qs.GetReserve(ctx, asset)
	if err != nil {
		return nil, toStatus("get reserve", err)
	}
	return res, nil
}

func (h *handlers) ListReserves(ctx context.Context, _ *ListReservesRequest) (*ListReservesResponse, error) {
	reserves, err := h.qs.ListReserves(ctx)
	if err != nil {
		return nil, toStatus("list reserves", err)
	}
	resp := &ListReservesResponse{Reserves: reserves}
	if len(reserves) > 0 {
		resp.AsOfSequence = reserves[0].AsOfSequence
	}
	return resp, nil
}

func (h *handlers) GetUserPositions(ctx context.Context, req *UserRequest) (*GetUserPositionsResponse, error) {
	user, err := parseAddress("user", req.User)
	if err != nil {
		return nil, err
	}
	positions, err := h.qs.GetUserPositions(ctx, user)
	if err != nil {
		return nil, toStatus("get positions", err)
	}
	resp := &GetUserPositionsResponse{Positions: positions}
	if len(positions) > 0 {
		resp.AsOfSequence = positions[0].AsOfSequence
	}
	return resp, nil
}

func (h *handlers) GetUserAccountData(ctx context.Context, req *UserRequest) (*query.AccountDataResponse, error) {
	user, err := parseAddress("user", req.User)
	if err != nil {
		return nil, err
	}
	data, err := h.qs.GetUserAccountData(ctx, user)
	if err != nil {
		return nil, toStatus("get account data", err)
	}
	return data, nil
}

func (h *handlers) GetLiquidationHistory(ctx context.Context, req *LiquidationHistoryRequest) (*LiquidationHistoryResponse, error) {
	var user common.Address
	if req.User != "" {
		var err error
		if user, err = parseAddress("user", req.User); err != nil {
			return nil, err
		}
	}
	entries, err := h.qs.GetLiquidationHistory(ctx, user, req.Limit)
	if err != nil {
		return nil, toStatus("get liquidation history", err)
	}
	return &LiquidationHistoryResponse{Liquidations: entries}, nil
}

func (h *handlers) GetSystemStatus(ctx context.Context, _ *SystemStatusRequest) (*query.SystemStatus, error) {
	st, err := h.qs.GetSystemStatus(ctx)
	if err != nil {
		return nil, toStatus("get system status", err)
	}
	return st, nil
}

// ============================================================================
// Ingest
// ============================================================================

func (h *handlers) SubmitAction(ctx context.Context, req *SubmitActionRequest) (*SubmitActionResponse, error) {
	if req.EventType == "" {
		return nil, status.Error(codes.InvalidArgument, "event_type is required")
	}
	if len(req.Payload) == 0 {
		return nil, status.Error(codes.InvalidArgument, "payload is required")
	}
	key, err := h.ingest.Submit(ctx, req.EventType, req.Payload)
	if err != nil {
		return nil, toStatus("submit", err)
	}
	return &SubmitActionResponse{Accepted: true, IdempotencyKey: key}, nil
}

// ============================================================================
// Admin
// ============================================================================

func (h *handlers) VerifyIntegrity(ctx context.Context, req *AdminRequest) (*query.IntegrityReport, error) {
	if err := h.authorize(req); err != nil {
		return nil, err
	}
	report, err := h.qs.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus("verify integrity", err)
	}
	if !report.IsHealthy {
		h.logger.Warn().
			Ints64("hash_chain_breaks", report.HashChainBreaks).
			Ints64("sequence_gaps", report.SequenceGaps).
			Bool("tip_matches_core", report.TipMatchesCore).
			Msg("integrity check failed")
	}
	return report, nil
}

func (h *handlers) RebuildProjections(ctx context.Context, req *AdminRequest) (*RebuildProjectionsResponse, error) {
	if err := h.authorize(req); err != nil {
		return nil, err
	}
	if err := projection.RebuildProjections(ctx, h.db, h.logger); err != nil {
		return nil, toStatus("rebuild projections", err)
	}
	return &RebuildProjectionsResponse{Completed: true}, nil
}

func (h *handlers) GetEventLogInfo(ctx context.Context, req *AdminRequest) (*EventLogInfoResponse, error) {
	if err := h.authorize(req); err != nil {
		return nil, err
	}
	latest, err := h.snapMgr.GetLatestSequence(ctx)
	if err != nil {
		return nil, toStatus("get latest sequence", err)
	}
	return &EventLogInfoResponse{LastSequence: latest, CoreSequence: h.live.GetSequence()}, nil
}

func (h *handlers) TakeSnapshot(ctx context.Context, req *AdminRequest) (*TakeSnapshotResponse, error) {
	if err := h.authorize(req); err != nil {
		return nil, err
	}
	if h.snapshot == nil {
		return nil, status.Error(codes.Unimplemented, "snapshots are not configured")
	}
	seq, err := h.snapshot(ctx)
	if err != nil {
		return nil, toStatus("take snapshot", err)
	}
	return &TakeSnapshotResponse{Sequence: seq}, nil
}

func (h *handlers) authorize(req *AdminRequest) error {
	if h.adminToken == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(req.AdminToken), []byte(h.adminToken)) != 1 {
		return toStatus("admin", errs.ErrUnauthorized)
	}
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

func parseAddress(field, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "%s is required", field)
	}
	if !common.IsHexAddress(s) || !strings.HasPrefix(strings.ToLower(s), "0x") {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "invalid %s: %q is not a 0x address", field, s)
	}
	return common.HexToAddress(s), nil
}

// toStatus maps ledger errors onto gRPC status codes.
func toStatus(op string, err error) error {
	if _, ok := err.(interface{ GRPCStatus() *status.Status }); ok {
		return err
	}
	msg := fmt.Sprintf("%s: %v", op, err)
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, msg)
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, msg)
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.PermissionDenied, msg)
	case errors.Is(err, query.ErrNotFound), errors.Is(err, errs.ErrReserveNotFound):
		return status.Error(codes.NotFound, msg)
	case errors.Is(err, ingestion.ErrMalformed), errors.Is(err, errs.ErrInvalidAmount):
		return status.Error(codes.InvalidArgument, msg)
	case errors.Is(err, ingestion.ErrThrottled):
		return status.Error(codes.ResourceExhausted, msg)
	case errs.Kind(err) != nil:
		return status.Error(codes.FailedPrecondition, msg)
	default:
		return status.Error(codes.Internal, msg)
	}
}
