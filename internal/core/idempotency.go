package core

import (
	"container/list"
)

// Dedup tiers, as reported in metrics.
const (
	TierLRU      = "lru"
	TierPostgres = "postgres"
)

// IdempotencyChecker implements two-tier deduplication
type IdempotencyChecker struct {
	// Tier 1: In-memory LRU
	lru *IdempotencyLRU

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker

	metrics *IdempotencyMetrics
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup. actionType
// is the inbound type, so rejected actions are found too.
type DBIdempotencyChecker interface {
	IsDuplicate(actionType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   NewIdempotencyMetrics(),
	}
}

// CompositeKey is the LRU key of an action.
func CompositeKey(actionType, idempotencyKey string) string {
	return actionType + ":" + idempotencyKey
}

// IsDuplicate checks if event has been processed (two-tier lookup) and which
// tier answered. A tier-2 error counts as not duplicate: the unique index on
// the event log still refuses a second row.
func (ic *IdempotencyChecker) IsDuplicate(actionType string, idempotencyKey string) (bool, string) {
	compositeKey := CompositeKey(actionType, idempotencyKey)

	if ic.lru.Contains(compositeKey) {
		ic.metrics.RecordDuplicate(actionType, TierLRU)
		return true, TierLRU
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(actionType, idempotencyKey)
		if err != nil {
			ic.metrics.RecordTier2Error()
			return false, ""
		}
		if isDup {
			ic.metrics.RecordDuplicate(actionType, TierPostgres)
			ic.lru.Add(compositeKey)
			return true, TierPostgres
		}
	}

	return false, ""
}

// MarkProcessed adds key to LRU after the action was applied or rejected.
func (ic *IdempotencyChecker) MarkProcessed(actionType string, idempotencyKey string) {
	ic.lru.Add(CompositeKey(actionType, idempotencyKey))
}

func (ic *IdempotencyChecker) LRU() *IdempotencyLRU {
	return ic.lru
}

// GetMetrics returns metrics for monitoring
func (ic *IdempotencyChecker) GetMetrics() *IdempotencyMetrics {
	return ic.metrics
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache for idempotency keys.
// Not thread-safe — only accessed from the single-threaded processor.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}
	lru.cache[key] = lru.lruList.PushFront(key)
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem == nil {
		return
	}
	lru.lruList.Remove(elem)
	delete(lru.cache, elem.Value.(string))
	lru.evictions++
}

// WarmFromKeys loads composite keys, oldest first, so the last key ends up
// most recent. Used on restart from a snapshot or the event log.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

// GetAllKeys returns every key from least to most recently used, the order
// WarmFromKeys expects.
func (lru *IdempotencyLRU) GetAllKeys() []string {
	keys := make([]string, 0, lru.lruList.Len())
	for e := lru.lruList.Back(); e != nil; e = e.Prev() {
		keys = append(keys, e.Value.(string))
	}
	return keys
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions (for metrics)
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}

// --- Metrics ---

// IdempotencyMetrics tracks dedup stats.
// Not thread-safe — only accessed from the single-threaded processor.
type IdempotencyMetrics struct {
	duplicates  map[string]map[string]int64 // tier -> action type -> count
	tier2Errors int64
}

func NewIdempotencyMetrics() *IdempotencyMetrics {
	return &IdempotencyMetrics{
		duplicates: map[string]map[string]int64{
			TierLRU:      {},
			TierPostgres: {},
		},
	}
}

func (m *IdempotencyMetrics) RecordDuplicate(actionType string, tier string) {
	m.duplicates[tier][actionType]++
}

func (m *IdempotencyMetrics) RecordTier2Error() {
	m.tier2Errors++
}

func (m *IdempotencyMetrics) GetDuplicates(actionType string) (lru int64, postgres int64) {
	return m.duplicates[TierLRU][actionType], m.duplicates[TierPostgres][actionType]
}

func (m *IdempotencyMetrics) GetTier2Errors() int64 {
	return m.tier2Errors
}
