package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"LendLedger/internal/errs"
	"LendLedger/internal/event"
	"LendLedger/internal/observability"
	"LendLedger/internal/registry"
	"LendLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// ErrReplayDivergence means a replayed event did not reproduce the logged
// state hash. The ledger cannot continue from such a state.
var ErrReplayDivergence = errors.New("replay diverged from event log")

// Processor is the single-consumer pipeline around the engine. It assigns
// the global sequence, chains state hashes, deduplicates and orders inputs,
// and fans results out to persistence and projections.
type Processor struct {
	mu sync.Mutex

	sequence          int64 // last assigned
	hasher            *StateHasher
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator

	provider *registry.AddressesProvider
	store    *state.Store
	oracle   *state.StaticPriceOracle

	metrics *observability.Metrics
	logger  zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

type CoreOutput struct {
	Envelope *event.EventEnvelope
	// Result is nil for rejected actions and price updates.
	Result *Result
	// Changes holds the after-images of every record the event wrote.
	Changes    *state.ChangeSummary
	Price      *state.AssetPrice
	StateDelta []byte
	// RejectKind labels the failed precondition of a rejected action.
	RejectKind string
}

type ProcessorConfig struct {
	// LastSequence is the last sequence already in the log; the next event
	// gets LastSequence+1.
	LastSequence int64

	Provider *registry.AddressesProvider
	Store    *state.Store
	Oracle   *state.StaticPriceOracle

	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput

	DBChecker   DBIdempotencyChecker
	LRUCapacity int

	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

func NewProcessor(cfg ProcessorConfig) *Processor {
	capacity := cfg.LRUCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}
	return &Processor{
		sequence:          cfg.LastSequence,
		hasher:            NewStateHasher(),
		idempotency:       NewIdempotencyChecker(capacity, cfg.DBChecker),
		sequenceValidator: NewSequenceValidator(),
		provider:          cfg.Provider,
		store:             cfg.Store,
		oracle:            cfg.Oracle,
		metrics:           cfg.Metrics,
		logger:            cfg.Logger,
		persistChan:       cfg.PersistChan,
		projectionChan:    cfg.ProjectionChan,
	}
}

// ProcessEvent runs one inbound action through the pipeline. It returns the
// logged envelope, or nil when the action was a duplicate or a stale quote.
// Engine failures are not errors here: they are logged as ActionRejected.
func (p *Processor) ProcessEvent(evt event.Event) (*event.EventEnvelope, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	actionType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate, tier := p.idempotency.IsDuplicate(actionType, idempotencyKey)
	if isDuplicate && p.metrics != nil {
		p.metrics.IdempotencyDuplicates.WithLabelValues(actionType, tier).Inc()
	}

	// Step 2: Sequence validation
	keep, err := p.validateSequence(evt, isDuplicate)
	if err != nil {
		return nil, fmt.Errorf("sequence validation failed: %w", err)
	}
	if !keep {
		return nil, nil
	}

	if isDuplicate {
		p.reject(actionType, "duplicate")
		return nil, nil
	}

	// Step 3: Dispatch and hash
	output, err := p.apply(evt)
	if err != nil {
		return nil, err
	}

	// Step 4: Emit outputs. Persistence blocks (backpressure), projections
	// drop when full and catch up from the event log.
	if p.persistChan != nil {
		p.persistChan <- output
	}
	if p.projectionChan != nil {
		select {
		case p.projectionChan <- output:
		default:
			if p.metrics != nil {
				p.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}

	// Step 5: Mark as processed, rejected actions included
	p.idempotency.MarkProcessed(actionType, idempotencyKey)

	if p.metrics != nil {
		if output.Envelope.EventType == event.EventTypeActionRejected {
			p.metrics.CoreEventsRejected.WithLabelValues(actionType, output.RejectKind).Inc()
		} else {
			p.metrics.CoreEventsApplied.WithLabelValues(actionType).Inc()
		}
		p.metrics.CoreEventDuration.WithLabelValues(actionType).Observe(time.Since(start).Seconds())
		p.metrics.CoreSequence.Set(float64(p.sequence))
		p.metrics.DedupLRUSize.Set(float64(p.idempotency.LRU().Size()))
		p.metrics.ObserveChanges(output.Changes)
	}

	return output.Envelope, nil
}

// Replay re-applies a logged event on restart. Nothing is emitted; the
// recomputed hash must match the logged one.
func (p *Processor) Replay(logged *event.EventEnvelope, evt event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if logged.Sequence != p.sequence+1 {
		return fmt.Errorf("%w: expected sequence %d, log has %d", ErrReplayDivergence, p.sequence+1, logged.Sequence)
	}
	keep, err := p.validateSequence(evt, false)
	if err != nil {
		return fmt.Errorf("%w: seq=%d: %v", ErrReplayDivergence, logged.Sequence, err)
	}
	if !keep {
		return fmt.Errorf("%w: seq=%d stale price in log", ErrReplayDivergence, logged.Sequence)
	}

	output, err := p.apply(evt)
	if err != nil {
		return err
	}
	if output.Envelope.StateHash != logged.StateHash {
		panic(fmt.Sprintf("FATAL: state hash mismatch replaying seq=%d: log %x, recomputed %x",
			logged.Sequence, logged.StateHash, output.Envelope.StateHash))
	}
	p.idempotency.MarkProcessed(evt.EventType().String(), evt.IdempotencyKey())

	if p.metrics != nil {
		p.metrics.ReplayEventsTotal.Inc()
	}
	return nil
}

// validateSequence reports whether the event goes on to dispatch. Stale
// quotes are dropped without an error.
func (p *Processor) validateSequence(evt event.Event, isDuplicate bool) (bool, error) {
	if price, ok := evt.(*event.PriceUpdate); ok {
		if isDuplicate {
			return true, nil
		}
		if !p.sequenceValidator.ValidatePriceSequence(price.Reserve, price.SourceSequence()) {
			p.reject(evt.EventType().String(), "stale")
			return false, nil
		}
		return true, nil
	}

	partition := partitionOf(evt)
	err := p.sequenceValidator.ValidateSequence(partition, evt.SourceSequence(), evt.IdempotencyKey(), isDuplicate)
	if err != nil && p.metrics != nil {
		switch {
		case errors.Is(err, ErrSequenceGap):
			p.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
		case errors.Is(err, ErrOutOfOrder):
			p.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
		}
	}
	return err == nil, err
}

func partitionOf(evt event.Event) string {
	switch evt.EventType() {
	case event.EventTypeReserveInitialized, event.EventTypeReserveConfigured, event.EventTypeRefreshIndices:
		return ConfigPartition(evt.Asset())
	default:
		return ReservePartition(evt.Asset())
	}
}

// apply executes evt and extends the hash chain. Caller holds p.mu.
func (p *Processor) apply(evt event.Event) (CoreOutput, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return CoreOutput{}, fmt.Errorf("encode %s payload: %w", evt.EventType(), err)
	}

	envelope := &event.EventEnvelope{
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		Asset:          evt.Asset(),
		Caller:         evt.Sender(),
		Timestamp:      evt.Time(),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
	}
	output := CoreOutput{Envelope: envelope}

	var execErr error
	if price, ok := evt.(*event.PriceUpdate); ok {
		output.Price, execErr = p.applyPrice(price)
	} else {
		var eng *Engine
		eng, err = Resolve(p.provider)
		if err != nil {
			return CoreOutput{}, fmt.Errorf("resolve engine: %w", err)
		}
		output.Result, execErr = p.dispatch(eng, evt)
		if output.Result != nil {
			output.Changes = output.Result.Changes
		}
	}

	if execErr != nil {
		if errors.Is(execErr, errUnknownEvent) {
			return CoreOutput{}, execErr
		}
		envelope.RejectedType = envelope.EventType
		envelope.EventType = event.EventTypeActionRejected
		envelope.RejectReason = execErr.Error()
		output.RejectKind = RejectKind(execErr)
		output.Result, output.Changes, output.Price = nil, nil, nil
		p.logger.Debug().
			Str("action", evt.EventType().String()).
			Str("key", evt.IdempotencyKey()).
			Err(execErr).
			Msg("action rejected")
	}

	hashStart := time.Now()
	output.StateDelta = stateDigest(output)
	p.sequence++
	envelope.Sequence = p.sequence
	envelope.PrevHash = p.hasher.GetPrevHash()
	envelope.StateHash = p.hasher.ComputeHash(p.sequence, output.StateDelta)
	if p.metrics != nil {
		p.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}
	return output, nil
}

var errUnknownEvent = errors.New("unknown event type")

// dispatch executes evt on eng. User actions run as the lending pool,
// configurator actions as their sender.
func (p *Processor) dispatch(eng *Engine, evt event.Event) (*Result, error) {
	pool := p.provider.GetLendingPool()
	now := evt.Time()

	switch e := evt.(type) {
	case *event.Deposit:
		return eng.Deposit(pool, e.Reserve, e.User, e.Amount, now)
	case *event.Redeem:
		if err := requireSender("redeem", e, e.User); err != nil {
			return nil, err
		}
		return eng.Redeem(pool, e.Reserve, e.User, e.Amount, now)
	case *event.Borrow:
		if err := requireSender("borrow", e, e.User); err != nil {
			return nil, err
		}
		return eng.Borrow(pool, e.Reserve, e.User, e.Amount, e.RateMode, now)
	case *event.Repay:
		return eng.Repay(pool, e.Reserve, e.User, e.Amount, now)
	case *event.SwapRateMode:
		if err := requireSender("swap_borrow_rate_mode", e, e.User); err != nil {
			return nil, err
		}
		return eng.SwapBorrowRateMode(pool, e.Reserve, e.User, now)
	case *event.SetCollateral:
		if err := requireSender("set_use_as_collateral", e, e.User); err != nil {
			return nil, err
		}
		return eng.SetUserUseReserveAsCollateral(pool, e.Reserve, e.User, e.UseAsCollateral, now)
	case *event.TransferShares:
		if err := requireSender("transfer_shares", e, e.From); err != nil {
			return nil, err
		}
		return eng.TransferShares(pool, e.Reserve, e.From, e.To, e.Amount, now)
	case *event.LiquidationCall:
		if err := requireSender("liquidation_call", e, e.Liquidator); err != nil {
			return nil, err
		}
		return eng.LiquidationCall(pool, e.CollateralReserve, e.DebtReserve, e.User, e.Liquidator, e.PurchaseAmount, e.ReceiveShares, now)
	case *event.ReserveInitialized:
		return eng.InitReserve(e.Sender(), e.Reserve, e.Config, now)
	case *event.ReserveConfigured:
		return configureReserve(eng, e)
	case *event.RefreshIndices:
		return eng.RefreshReserveIndices(pool, e.Reserve, now)
	default:
		return nil, fmt.Errorf("%w: %T", errUnknownEvent, evt)
	}
}

func configureReserve(eng *Engine, e *event.ReserveConfigured) (*Result, error) {
	caller := e.Sender()
	switch e.Action {
	case event.ConfigEnableBorrowing:
		return eng.EnableBorrowingOnReserve(caller, e.Reserve, e.StableRateEnabled)
	case event.ConfigDisableBorrowing:
		return eng.DisableBorrowingOnReserve(caller, e.Reserve)
	case event.ConfigEnableCollateral:
		return eng.EnableReserveAsCollateral(caller, e.Reserve, e.Risk)
	case event.ConfigDisableCollateral:
		return eng.DisableReserveAsCollateral(caller, e.Reserve)
	case event.ConfigEnableStableRate:
		return eng.EnableReserveStableBorrowRate(caller, e.Reserve)
	case event.ConfigDisableStableRate:
		return eng.DisableReserveStableBorrowRate(caller, e.Reserve)
	case event.ConfigActivateReserve:
		return eng.ActivateReserve(caller, e.Reserve)
	case event.ConfigDeactivateReserve:
		return eng.DeactivateReserve(caller, e.Reserve)
	default:
		return nil, errs.Op("configure_reserve", e.Reserve, common.Address{}, e.Action.Validate())
	}
}

// requireSender rejects actions that only the affected user may submit.
func requireSender(op string, evt event.Event, user common.Address) error {
	if evt.Sender() != user {
		return errs.Op(op, evt.Asset(), user, errs.ErrUnauthorized)
	}
	return nil
}

func (p *Processor) applyPrice(e *event.PriceUpdate) (*state.AssetPrice, error) {
	if e.Sender() != p.provider.GetPriceOracle() {
		return nil, errs.Op("price_update", e.Reserve, common.Address{}, errs.ErrUnauthorized)
	}
	if e.Price == nil || e.Price.IsZero() {
		return nil, errs.Op("price_update", e.Reserve, common.Address{}, errs.ErrInvalidAmount)
	}
	p.oracle.SetAssetPrice(e.Reserve, e.Price)
	return &state.AssetPrice{Asset: e.Reserve, Price: e.Price.Clone()}, nil
}

// stateDigest is what the hash chain commits to for one event. Rejections
// change no state but still commit to their reason.
func stateDigest(out CoreOutput) []byte {
	env := out.Envelope
	if env.EventType == event.EventTypeActionRejected {
		digest := []byte{'X'}
		return append(digest, []byte(env.RejectReason)...)
	}
	if out.Price != nil {
		digest := []byte{'O'}
		digest = append(digest, out.Price.Asset.Bytes()...)
		b := out.Price.Price.Bytes32()
		return append(digest, b[:]...)
	}
	return out.Changes.Digest()
}

// RejectKind maps an engine error to a short metrics label.
func RejectKind(err error) string {
	if k := errs.Kind(err); k != nil {
		return k.Error()
	}
	return "other"
}

func (p *Processor) reject(actionType, reason string) {
	if p.metrics != nil {
		p.metrics.CoreEventsRejected.WithLabelValues(actionType, reason).Inc()
	}
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the serializable processor and store state.
type SnapshotState struct {
	Sequence        int64              `json:"sequence"`
	StateHash       [32]byte           `json:"state_hash"`
	Store           *state.Image       `json:"store"`
	Prices          []state.AssetPrice `json:"prices"`
	SequenceState   map[string]int64   `json:"sequence_state"`
	IdempotencyKeys []string           `json:"idempotency_keys"`
}

// CreateSnapshotState captures a consistent image between two events.
func (p *Processor) CreateSnapshotState() *SnapshotState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &SnapshotState{
		Sequence:        p.sequence,
		StateHash:       p.hasher.GetPrevHash(),
		Store:           p.store.Image(),
		Prices:          p.oracle.Prices(),
		SequenceState:   p.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: p.idempotency.LRU().GetAllKeys(),
	}
}

// RestoreFromSnapshot loads a snapshot before any event is processed.
// Replay then continues from snap.Sequence+1.
func (p *Processor) RestoreFromSnapshot(snap *SnapshotState) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if snap.Store != nil {
		if err := p.store.Restore(snap.Store); err != nil {
			return fmt.Errorf("restore store: %w", err)
		}
	}
	p.oracle.Load(snap.Prices)
	p.sequence = snap.Sequence
	p.hasher.SetPrevHash(snap.StateHash)
	for partition, next := range snap.SequenceState {
		p.sequenceValidator.RestorePartition(partition, next)
	}
	p.idempotency.LRU().WarmFromKeys(snap.IdempotencyKeys)
	return nil
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (p *Processor) WarmLRU(keys []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idempotency.LRU().WarmFromKeys(keys)
}

// GetSequence returns the last assigned sequence.
func (p *Processor) GetSequence() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (p *Processor) GetStateHash() [32]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasher.GetPrevHash()
}

// UserAccountData evaluates the user's collateral, debt and health factor
// against committed state. now is raised to the latest reserve update so
// interest never runs backwards.
func (p *Processor) UserAccountData(user common.Address, now int64) (*state.AccountData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if latest := p.store.LastUpdate(); latest > now {
		now = latest
	}
	calc := state.NewCollateralCalculator(p.oracle)
	return calc.AccountData(p.store.Begin(), user, now)
}
