package server

import (
	"encoding/json"

	"LendLedger/internal/query"
)

// Request and response messages of the lendledger.v1 services. They travel
// as JSON over gRPC (content-subtype "json") and over the HTTP gateway.

type GetReserveRequest struct {
	Asset string `json:"asset"`
}

type ListReservesRequest struct{}

type ListReservesResponse struct {
	Reserves     []query.ReserveResponse `json:"reserves"`
	AsOfSequence int64                   `json:"as_of_sequence"`
}

type UserRequest struct {
	User string `json:"user"`
}

type GetUserPositionsResponse struct {
	Positions    []query.UserPositionResponse `json:"positions"`
	AsOfSequence int64                        `json:"as_of_sequence"`
}

type LiquidationHistoryRequest struct {
	// User filters by liquidated user; empty lists everyone.
	User  string `json:"user,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type LiquidationHistoryResponse struct {
	Liquidations []query.LiquidationResponse `json:"liquidations"`
}

type SystemStatusRequest struct{}

type SubmitActionRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type SubmitActionResponse struct {
	Accepted       bool   `json:"accepted"`
	IdempotencyKey string `json:"idempotency_key"`
}

type AdminRequest struct {
	AdminToken string `json:"admin_token"`
}

type RebuildProjectionsResponse struct {
	Completed bool `json:"completed"`
}

type EventLogInfoResponse struct {
	LastSequence int64 `json:"last_sequence"`
	CoreSequence int64 `json:"core_sequence"`
}

type TakeSnapshotResponse struct {
	Sequence int64 `json:"sequence"`
}
