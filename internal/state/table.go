package state

import "sync"

// table is a keyed record map that can be staged: a child table clones rows
// from its parent on first access and writes them back on commit. Rows held
// by a root table are never mutated in place.
type table[K comparable, V any] struct {
	rows   map[K]V
	parent *table[K, V]
	mu     *sync.RWMutex // guards parent.rows; nil on a root table
	clone  func(V) V
}

func newTable[K comparable, V any](clone func(V) V) *table[K, V] {
	return &table[K, V]{
		rows:  make(map[K]V),
		clone: clone,
	}
}

// stage returns a child table reading through to t under mu.
func (t *table[K, V]) stage(mu *sync.RWMutex) *table[K, V] {
	return &table[K, V]{
		rows:   make(map[K]V),
		parent: t,
		mu:     mu,
		clone:  t.clone,
	}
}

// get returns the row for k for update. On a staged table the row is a
// private clone that commit writes back.
func (t *table[K, V]) get(k K) (V, bool) {
	if v, ok := t.rows[k]; ok {
		return v, true
	}
	if t.parent == nil {
		var zero V
		return zero, false
	}
	t.mu.RLock()
	v, ok := t.parent.rows[k]
	t.mu.RUnlock()
	if !ok {
		return v, false
	}
	c := t.clone(v)
	t.rows[k] = c
	return c, true
}

// peek returns the row for k without staging it. The result is read-only.
func (t *table[K, V]) peek(k K) (V, bool) {
	if v, ok := t.rows[k]; ok {
		return v, true
	}
	if t.parent == nil {
		var zero V
		return zero, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.parent.rows[k]
	return v, ok
}

func (t *table[K, V]) put(k K, v V) {
	t.rows[k] = v
}

// keys returns the union of staged and parent keys, unordered.
func (t *table[K, V]) keys() []K {
	seen := make(map[K]struct{}, len(t.rows))
	out := make([]K, 0, len(t.rows))
	for k := range t.rows {
		seen[k] = struct{}{}
		out = append(out, k)
	}
	if t.parent != nil {
		t.mu.RLock()
		for k := range t.parent.rows {
			if _, dup := seen[k]; !dup {
				out = append(out, k)
			}
		}
		t.mu.RUnlock()
	}
	return out
}

// commit writes staged rows into the parent. The caller holds the write lock.
func (t *table[K, V]) commit() {
	for k, v := range t.rows {
		t.parent.rows[k] = v
	}
}

func (t *table[K, V]) len() int {
	return len(t.rows)
}
