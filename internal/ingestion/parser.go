package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"LendLedger/internal/event"
	"LendLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ErrMalformed marks payloads that can never be processed. They are acked
// and dropped instead of redelivered.
var ErrMalformed = errors.New("malformed event")

var eventTypesByName = func() map[string]event.EventType {
	m := make(map[string]event.EventType)
	for et := event.EventTypeDeposit; et < event.EventTypeActionRejected; et++ {
		m[et.String()] = et
	}
	return m
}()

// ParseEventType resolves a type name such as "Borrow".
func ParseEventType(name string) (event.EventType, bool) {
	et, ok := eventTypesByName[name]
	return et, ok
}

// ParseRawEvent converts a RawEvent (JSON bytes + event type name) into a
// typed event.Event. The wire format is the event's own JSON encoding:
// addresses as 0x hex, amounts as decimal strings, rate modes by name.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	et, ok := ParseEventType(eventType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown event type: %s", ErrMalformed, eventType)
	}
	return DecodeEvent(et, raw.Data)
}

// DecodeEvent decodes and validates one payload. It is also how logged
// payloads are turned back into events during replay.
func DecodeEvent(et event.EventType, data []byte) (event.Event, error) {
	evt := newEvent(et)
	if evt == nil {
		return nil, fmt.Errorf("%w: no decoder for %s", ErrMalformed, et)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(evt); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrMalformed, et, err)
	}
	if err := validate(evt); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrMalformed, et, err)
	}
	return evt, nil
}

func newEvent(et event.EventType) event.Event {
	switch et {
	case event.EventTypeDeposit:
		return &event.Deposit{}
	case event.EventTypeRedeem:
		return &event.Redeem{}
	case event.EventTypeBorrow:
		return &event.Borrow{}
	case event.EventTypeRepay:
		return &event.Repay{}
	case event.EventTypeSwapRateMode:
		return &event.SwapRateMode{}
	case event.EventTypeSetCollateral:
		return &event.SetCollateral{}
	case event.EventTypeTransferShares:
		return &event.TransferShares{}
	case event.EventTypeLiquidationCall:
		return &event.LiquidationCall{}
	case event.EventTypeReserveInitialized:
		return &event.ReserveInitialized{}
	case event.EventTypeReserveConfigured:
		return &event.ReserveConfigured{}
	case event.EventTypeRefreshIndices:
		return &event.RefreshIndices{}
	case event.EventTypePriceUpdate:
		return &event.PriceUpdate{}
	default:
		return nil
	}
}

// --- Field validation ---
// Only structure is checked here. Whether an action is allowed is decided
// by the engine and recorded as a rejection.

func validate(evt event.Event) error {
	if err := validateMeta(evt); err != nil {
		return err
	}

	switch e := evt.(type) {
	case *event.Deposit:
		return firstErr(address("reserve", e.Reserve), address("user", e.User), amount("amount", e.Amount))
	case *event.Redeem:
		return firstErr(address("reserve", e.Reserve), address("user", e.User), amount("amount", e.Amount))
	case *event.Borrow:
		if e.RateMode != state.RateModeStable && e.RateMode != state.RateModeVariable {
			return fmt.Errorf("rate_mode: must be STABLE or VARIABLE, got %s", e.RateMode)
		}
		return firstErr(address("reserve", e.Reserve), address("user", e.User), amount("amount", e.Amount))
	case *event.Repay:
		return firstErr(address("reserve", e.Reserve), address("user", e.User), amount("amount", e.Amount))
	case *event.SwapRateMode:
		return firstErr(address("reserve", e.Reserve), address("user", e.User))
	case *event.SetCollateral:
		return firstErr(address("reserve", e.Reserve), address("user", e.User))
	case *event.TransferShares:
		return firstErr(address("reserve", e.Reserve), address("from", e.From), address("to", e.To), amount("amount", e.Amount))
	case *event.LiquidationCall:
		return firstErr(
			address("collateral_reserve", e.CollateralReserve),
			address("debt_reserve", e.DebtReserve),
			address("user", e.User),
			address("liquidator", e.Liquidator),
			amount("purchase_amount", e.PurchaseAmount),
		)
	case *event.ReserveInitialized:
		return address("reserve", e.Reserve)
	case *event.ReserveConfigured:
		return firstErr(address("reserve", e.Reserve), e.Action.Validate())
	case *event.RefreshIndices:
		return address("reserve", e.Reserve)
	case *event.PriceUpdate:
		return firstErr(address("reserve", e.Reserve), amount("price", e.Price))
	}
	return nil
}

func validateMeta(evt event.Event) error {
	switch evt.(type) {
	case *event.RefreshIndices, *event.PriceUpdate:
		// keyed by reserve and sequence
	default:
		if id, err := uuid.Parse(evt.IdempotencyKey()); err != nil || id == uuid.Nil {
			return fmt.Errorf("id: missing or invalid")
		}
	}
	if evt.SourceSequence() <= 0 {
		return fmt.Errorf("sequence: must be positive, got %d", evt.SourceSequence())
	}
	if evt.Time() <= 0 {
		return fmt.Errorf("timestamp: must be positive, got %d", evt.Time())
	}
	return address("sender", evt.Sender())
}

func address(field string, a common.Address) error {
	if a == (common.Address{}) {
		return fmt.Errorf("%s: zero address", field)
	}
	return nil
}

func amount(field string, v *uint256.Int) error {
	if v == nil || v.IsZero() {
		return fmt.Errorf("%s: must be positive", field)
	}
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
