package projection

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// LiquidationEntry records one applied liquidation call.
type LiquidationEntry struct {
	Sequence          int64
	User              common.Address
	Liquidator        common.Address
	DebtReserve       common.Address
	CollateralReserve common.Address
	DebtRepaid        *uint256.Int
	CollateralSeized  *uint256.Int
	Timestamp         int64
}

// LiquidationHistory keeps the most recent liquidations in memory for the
// query service. Older entries are read from the event log.
type LiquidationHistory struct {
	mu       sync.RWMutex
	entries  []LiquidationEntry
	capacity int
}

func NewLiquidationHistory(capacity int) *LiquidationHistory {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &LiquidationHistory{
		entries:  make([]LiquidationEntry, 0, capacity),
		capacity: capacity,
	}
}

// Add records a liquidation, evicting the oldest entry when full.
func (h *LiquidationHistory) Add(entry LiquidationEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) == h.capacity {
		copy(h.entries, h.entries[1:])
		h.entries = h.entries[:len(h.entries)-1]
	}
	h.entries = append(h.entries, entry)
}

// QueryByUser returns up to limit liquidations of user, newest first.
// The zero address matches every user.
func (h *LiquidationHistory) QueryByUser(user common.Address, limit int) []LiquidationEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]LiquidationEntry, 0)
	for i := len(h.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if user == (common.Address{}) || h.entries[i].User == user {
			result = append(result, h.entries[i])
		}
	}
	return result
}

// Len is the number of retained entries.
func (h *LiquidationHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}
