package query

// Amount is a fixed-point value as its raw integer and its decimal
// rendering, e.g. {"1500000000000000000", "1.5"} for a WAD.
type Amount struct {
	Raw     string `json:"raw"`
	Decimal string `json:"decimal"`
}

// ReserveResponse is one reserve as projected from the event log.
type ReserveResponse struct {
	Asset string `json:"asset"`

	TotalLiquidity       Amount `json:"total_liquidity"`
	TotalBorrowsStable   Amount `json:"total_borrows_stable"`
	TotalBorrowsVariable Amount `json:"total_borrows_variable"`
	AvailableLiquidity   Amount `json:"available_liquidity"`
	UtilizationRate      Amount `json:"utilization_rate"` // RAY

	LiquidityIndex      Amount `json:"liquidity_cumulative_index"`
	VariableBorrowIndex Amount `json:"variable_borrow_cumulative_index"`
	LiquidityRate       Amount `json:"current_liquidity_rate"`
	VariableBorrowRate  Amount `json:"current_variable_borrow_rate"`
	StableBorrowRate    Amount `json:"current_stable_borrow_rate"`
	AverageStableRate   Amount `json:"current_average_stable_rate"`

	BorrowingEnabled   bool `json:"is_borrowing_enabled"`
	StableRateEnabled  bool `json:"is_stable_borrow_rate_enabled"`
	UsableAsCollateral bool `json:"is_usable_as_collateral"`
	Active             bool `json:"is_active"`

	BaseLTV              int64 `json:"base_ltv"`
	LiquidationThreshold int64 `json:"liquidation_threshold"`
	LiquidationBonus     int64 `json:"liquidation_bonus"`

	LastUpdateTimestamp int64 `json:"last_update_timestamp"`
	LastSequence        int64 `json:"last_sequence"`
	AsOfSequence        int64 `json:"as_of_sequence"`
}

// UserPositionResponse is one user's deposit and debt in one reserve.
type UserPositionResponse struct {
	Asset string `json:"asset"`
	User  string `json:"user"`

	ScaledShares   Amount `json:"scaled_shares"`
	DepositBalance Amount `json:"deposit_balance"` // at the reserve's projected liquidity index

	PrincipalBorrowBalance  Amount `json:"principal_borrow_balance"`
	RateMode                string `json:"rate_mode"`
	StableRate              Amount `json:"stable_rate"`
	LastVariableBorrowIndex Amount `json:"last_variable_borrow_cumulative_index"`
	OriginationFee          Amount `json:"origination_fee"`
	UseAsCollateral         bool   `json:"use_as_collateral"`

	LastUpdateTimestamp int64 `json:"last_update_timestamp"`
	LastSequence        int64 `json:"last_sequence"`
	AsOfSequence        int64 `json:"as_of_sequence"`
}

// AccountDataResponse is the live aggregate position of a user, in the
// base currency of the price oracle.
type AccountDataResponse struct {
	User                        string `json:"user"`
	TotalLiquidity              Amount `json:"total_liquidity"`
	TotalCollateral             Amount `json:"total_collateral"`
	TotalBorrows                Amount `json:"total_borrows"`
	TotalFees                   Amount `json:"total_fees"`
	AvailableBorrows            Amount `json:"available_borrows"`
	CurrentLTV                  uint64 `json:"current_ltv"`
	CurrentLiquidationThreshold uint64 `json:"current_liquidation_threshold"`
	HealthFactor                Amount `json:"health_factor"`
	Liquidatable                bool   `json:"liquidatable"`
	AsOfSequence                int64  `json:"as_of_sequence"`
}

// LiquidationResponse is one liquidation from the in-memory history.
type LiquidationResponse struct {
	Sequence          int64  `json:"sequence"`
	User              string `json:"user"`
	Liquidator        string `json:"liquidator"`
	DebtReserve       string `json:"debt_reserve"`
	CollateralReserve string `json:"collateral_reserve"`
	DebtRepaid        Amount `json:"debt_repaid"`
	CollateralSeized  Amount `json:"collateral_seized"`
	Timestamp         int64  `json:"timestamp"`
}

// SystemStatus reports the core's position against the projections.
type SystemStatus struct {
	CoreSequence        int64  `json:"core_sequence"`
	StateHash           string `json:"state_hash"`
	ProjectionSequence  int64  `json:"projection_sequence"`
	ProjectionLag       int64  `json:"projection_lag"`
	PersistedSequence   int64  `json:"persisted_sequence"`
	ReserveCount        int64  `json:"reserve_count"`
	RejectedActionCount int64  `json:"rejected_action_count"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	CheckedEvents   int64   `json:"checked_events"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    []int64 `json:"sequence_gaps,omitempty"`
	// TipMatchesCore is false when the last persisted hash differs from the
	// core's chain tip at the same sequence.
	TipMatchesCore bool `json:"tip_matches_core"`
}
