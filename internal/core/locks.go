package core

import (
	"bytes"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

const (
	lockUser    byte = 'u'
	lockReserve byte = 'r'
)

type lockKey struct {
	kind byte
	addr common.Address
}

// LockTable hands out per-user and per-reserve mutexes. It belongs to the
// store, not to an engine, so every implementation installed behind the
// proxy serializes on the same locks.
type LockTable struct {
	mu    sync.Mutex
	locks map[lockKey]*sync.Mutex
}

func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[lockKey]*sync.Mutex)}
}

// Acquire locks every user and then every reserve, each sorted by address
// with duplicates removed. The returned func releases them in reverse order.
func (t *LockTable) Acquire(users, reserves []common.Address) func() {
	keys := make([]lockKey, 0, len(users)+len(reserves))
	for _, u := range canonical(users) {
		keys = append(keys, lockKey{kind: lockUser, addr: u})
	}
	for _, r := range canonical(reserves) {
		keys = append(keys, lockKey{kind: lockReserve, addr: r})
	}

	held := make([]*sync.Mutex, 0, len(keys))
	for _, k := range keys {
		m := t.mutex(k)
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

func (t *LockTable) mutex(k lockKey) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.locks[k]
	if !ok {
		m = &sync.Mutex{}
		t.locks[k] = m
	}
	return m
}

func canonical(addrs []common.Address) []common.Address {
	out := make([]common.Address, 0, len(addrs))
	seen := make(map[common.Address]struct{}, len(addrs))
	for _, a := range addrs {
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}
