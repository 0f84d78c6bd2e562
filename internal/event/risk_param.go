package event

import (
	"fmt"

	"LendLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// ReserveInitialized activates a new reserve with its full configuration.
// Only the configurator may send it.
type ReserveInitialized struct {
	Meta
	Reserve common.Address      `json:"reserve"`
	Config  state.ReserveConfig `json:"config"`
}

func (r *ReserveInitialized) EventType() EventType {
	return EventTypeReserveInitialized
}

func (r *ReserveInitialized) Asset() common.Address {
	return r.Reserve
}

// ConfigAction names one configurator switch.
type ConfigAction string

const (
	ConfigEnableBorrowing   ConfigAction = "enable_borrowing"
	ConfigDisableBorrowing  ConfigAction = "disable_borrowing"
	ConfigEnableCollateral  ConfigAction = "enable_collateral"
	ConfigDisableCollateral ConfigAction = "disable_collateral"
	ConfigEnableStableRate  ConfigAction = "enable_stable_rate"
	ConfigDisableStableRate ConfigAction = "disable_stable_rate"
	ConfigActivateReserve   ConfigAction = "activate"
	ConfigDeactivateReserve ConfigAction = "deactivate"
)

func (a ConfigAction) Validate() error {
	switch a {
	case ConfigEnableBorrowing, ConfigDisableBorrowing,
		ConfigEnableCollateral, ConfigDisableCollateral,
		ConfigEnableStableRate, ConfigDisableStableRate,
		ConfigActivateReserve, ConfigDeactivateReserve:
		return nil
	default:
		return fmt.Errorf("unknown config action %q", string(a))
	}
}

// ReserveConfigured flips one switch on an existing reserve.
// StableRateEnabled applies to enable_borrowing; Risk to enable_collateral,
// where a zero value keeps the current parameters.
type ReserveConfigured struct {
	Meta
	Reserve           common.Address   `json:"reserve"`
	Action            ConfigAction     `json:"action"`
	StableRateEnabled bool             `json:"stable_rate_enabled,omitempty"`
	Risk              state.RiskParams `json:"risk"`
}

func (r *ReserveConfigured) EventType() EventType {
	return EventTypeReserveConfigured
}

func (r *ReserveConfigured) Asset() common.Address {
	return r.Reserve
}
