package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDeposit
	EventTypeRedeem
	EventTypeBorrow
	EventTypeRepay
	EventTypeSwapRateMode
	EventTypeSetCollateral
	EventTypeTransferShares
	EventTypeLiquidationCall
	EventTypeReserveInitialized
	EventTypeReserveConfigured
	EventTypeRefreshIndices
	EventTypePriceUpdate
	EventTypeActionRejected
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator. Rejected actions carry
	// EventTypeActionRejected and keep the original type in RejectedType.
	EventType    EventType
	RejectedType EventType
	RejectReason string

	// Reserve the event is partitioned on
	Asset common.Address

	// Address the action was executed as
	Caller common.Address

	// Versioned input timestamp, unix seconds (NOT wall-clock)
	Timestamp int64

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// BLAKE3 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Asset returns the reserve the event is ordered against
	Asset() common.Address

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// Sender is the address that submitted the event upstream
	Sender() common.Address

	// Time is the action timestamp in unix seconds
	Time() int64
}

// Meta carries the fields every inbound action shares.
type Meta struct {
	ID       uuid.UUID      `json:"id"`
	From     common.Address `json:"sender"`
	Sequence int64          `json:"sequence"`
	At       int64          `json:"timestamp"`
}

func (m *Meta) IdempotencyKey() string {
	return m.ID.String()
}

func (m *Meta) SourceSequence() int64 {
	return m.Sequence
}

func (m *Meta) Sender() common.Address {
	return m.From
}

func (m *Meta) Time() int64 {
	return m.At
}

// Subject returns the outbound subject segment for the type.
func (et EventType) Subject() string {
	switch et {
	case EventTypeDeposit:
		return "deposit"
	case EventTypeRedeem:
		return "redeem"
	case EventTypeBorrow:
		return "borrow"
	case EventTypeRepay:
		return "repay"
	case EventTypeSwapRateMode:
		return "swap"
	case EventTypeSetCollateral:
		return "collateral"
	case EventTypeTransferShares:
		return "transfer"
	case EventTypeLiquidationCall:
		return "liquidation"
	case EventTypeReserveInitialized:
		return "reserve_initialized"
	case EventTypeReserveConfigured:
		return "reserve_configured"
	case EventTypeRefreshIndices:
		return "refresh"
	case EventTypePriceUpdate:
		return "price"
	case EventTypeActionRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

func (et EventType) String() string {
	switch et {
	case EventTypeDeposit:
		return "Deposit"
	case EventTypeRedeem:
		return "Redeem"
	case EventTypeBorrow:
		return "Borrow"
	case EventTypeRepay:
		return "Repay"
	case EventTypeSwapRateMode:
		return "SwapRateMode"
	case EventTypeSetCollateral:
		return "SetCollateral"
	case EventTypeTransferShares:
		return "TransferShares"
	case EventTypeLiquidationCall:
		return "LiquidationCall"
	case EventTypeReserveInitialized:
		return "ReserveInitialized"
	case EventTypeReserveConfigured:
		return "ReserveConfigured"
	case EventTypeRefreshIndices:
		return "RefreshIndices"
	case EventTypePriceUpdate:
		return "PriceUpdate"
	case EventTypeActionRejected:
		return "ActionRejected"
	default:
		return "Unknown"
	}
}

// EventTypeFromString is the inverse of String. Unknown names map to
// EventTypeUnknown.
func EventTypeFromString(name string) EventType {
	for et := EventTypeDeposit; et <= EventTypeActionRejected; et++ {
		if et.String() == name {
			return et
		}
	}
	return EventTypeUnknown
}

// ActionType is the inbound type of the envelope: RejectedType for
// rejections, EventType otherwise. Idempotency is keyed on it.
func (e *EventEnvelope) ActionType() EventType {
	if e.EventType == EventTypeActionRejected {
		return e.RejectedType
	}
	return e.EventType
}
