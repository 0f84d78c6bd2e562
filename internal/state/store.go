package state

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Store holds every reserve, position and share balance. It lives outside
// any engine implementation so state survives implementation swaps.
//
// Writers work on a Changeset of cloned records and publish it with Commit;
// committed records are never mutated in place.
type Store struct {
	mu        sync.RWMutex
	reserves  *ReserveLedger
	positions *PositionLedger
	shares    *ShareLedger
}

func NewStore() *Store {
	return &Store{
		reserves:  NewReserveLedger(),
		positions: NewPositionLedger(),
		shares:    NewShareLedger(),
	}
}

// Changeset stages writes against a Store. A changeset is owned by a single
// goroutine; discarding it leaves the store untouched.
type Changeset struct {
	Reserves  *ReserveLedger
	Positions *PositionLedger
	Shares    *ShareLedger
}

// Begin opens a changeset. It doubles as a consistent read view when only
// the Peek accessors are used.
func (s *Store) Begin() *Changeset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Changeset{
		Reserves:  &ReserveLedger{t: s.reserves.t.stage(&s.mu)},
		Positions: &PositionLedger{t: s.positions.t.stage(&s.mu)},
		Shares:    &ShareLedger{t: s.shares.t.stage(&s.mu)},
	}
}

// LastUpdate returns the latest index refresh time across every committed
// reserve, or 0 when nothing is listed.
func (s *Store) LastUpdate() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest int64
	for _, r := range s.reserves.t.rows {
		if r.LastUpdateTimestamp > latest {
			latest = r.LastUpdateTimestamp
		}
	}
	return latest
}

// Commit publishes every record staged in cs in one step and returns their
// after-images.
func (s *Store) Commit(cs *Changeset) *ChangeSummary {
	summary := cs.Summary()
	s.mu.Lock()
	cs.Reserves.t.commit()
	cs.Positions.t.commit()
	cs.Shares.t.commit()
	s.mu.Unlock()
	return summary
}

// Reserve returns a copy of the committed reserve.
func (s *Store) Reserve(asset common.Address) (*Reserve, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reserves.t.rows[asset]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Reserves returns copies of every committed reserve, by address.
func (s *Store) Reserves() []*Reserve {
	s.mu.RLock()
	defer s.mu.RUnlock()
	assets := make([]common.Address, 0, len(s.reserves.t.rows))
	for a := range s.reserves.t.rows {
		assets = append(assets, a)
	}
	sortAddresses(assets)
	out := make([]*Reserve, 0, len(assets))
	for _, a := range assets {
		out = append(out, s.reserves.t.rows[a].Clone())
	}
	return out
}

// Position returns a copy of the committed position, or an empty one.
func (s *Store) Position(asset, user common.Address) *UserPosition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.positions.t.rows[PositionKey{Asset: asset, User: user}]; ok {
		return p.Clone()
	}
	return NewUserPosition(asset, user)
}

// ChangeSummary lists the after-images of the records a changeset wrote.
type ChangeSummary struct {
	Reserves  []*Reserve      `json:"reserves,omitempty"`
	Positions []*UserPosition `json:"positions,omitempty"`
	Shares    []ShareEntry    `json:"shares,omitempty"`
}

// Summary returns the staged after-images in canonical order.
func (cs *Changeset) Summary() *ChangeSummary {
	return &ChangeSummary{
		Reserves:  cs.Reserves.staged(),
		Positions: cs.Positions.staged(),
		Shares:    cs.Shares.staged(),
	}
}

// Empty reports whether nothing was written.
func (c *ChangeSummary) Empty() bool {
	return c == nil || (len(c.Reserves) == 0 && len(c.Positions) == 0 && len(c.Shares) == 0)
}

// Digest is the canonical byte image of the summary for the state hash.
func (c *ChangeSummary) Digest() []byte {
	if c == nil {
		return nil
	}
	digest := make([]byte, 0, 512)
	for _, r := range c.Reserves {
		digest = append(digest, 'R')
		digest = append(digest, r.CanonicalBytes()...)
	}
	for _, p := range c.Positions {
		key := PositionKey{Asset: p.Asset, User: p.User}.Hash()
		digest = append(digest, 'P')
		digest = append(digest, key[:]...)
		digest = append(digest, p.CanonicalBytes()...)
	}
	for _, e := range c.Shares {
		key := PositionKey{Asset: e.Asset, User: e.User}.Hash()
		digest = append(digest, 'S')
		digest = append(digest, key[:]...)
		digest = append(digest, e.CanonicalBytes()...)
	}
	return digest
}

// Image is the full serializable content of a Store.
type Image struct {
	Reserves  []*Reserve      `json:"reserves"`
	Positions []*UserPosition `json:"positions"`
	Shares    []ShareEntry    `json:"shares"`
}

// Image captures the committed state in canonical order.
func (s *Store) Image() *Image {
	s.mu.RLock()
	defer s.mu.RUnlock()

	img := &Image{}
	assets := make([]common.Address, 0, len(s.reserves.t.rows))
	for a := range s.reserves.t.rows {
		assets = append(assets, a)
	}
	sortAddresses(assets)
	for _, a := range assets {
		img.Reserves = append(img.Reserves, s.reserves.t.rows[a].Clone())
	}

	posKeys := make([]PositionKey, 0, len(s.positions.t.rows))
	for k := range s.positions.t.rows {
		posKeys = append(posKeys, k)
	}
	sortPositionKeys(posKeys)
	for _, k := range posKeys {
		img.Positions = append(img.Positions, s.positions.t.rows[k].Clone())
	}

	shareKeys := make([]PositionKey, 0, len(s.shares.t.rows))
	for k := range s.shares.t.rows {
		shareKeys = append(shareKeys, k)
	}
	sortPositionKeys(shareKeys)
	for _, k := range shareKeys {
		img.Shares = append(img.Shares, ShareEntry{Asset: k.Asset, User: k.User, Scaled: new(uint256.Int).Set(s.shares.t.rows[k])})
	}
	return img
}

// Restore replaces the store content with img. Used on warm restart before
// any engine runs.
func (s *Store) Restore(img *Image) error {
	reserves := NewReserveLedger()
	positions := NewPositionLedger()
	shares := NewShareLedger()

	for _, r := range img.Reserves {
		if r == nil {
			return fmt.Errorf("restore: nil reserve")
		}
		c := r.Clone()
		c.normalize()
		reserves.t.put(c.Asset, c)
	}
	for _, p := range img.Positions {
		if p == nil {
			return fmt.Errorf("restore: nil position")
		}
		c := p.Clone()
		c.normalize()
		if _, ok := reserves.t.rows[c.Asset]; !ok {
			return fmt.Errorf("restore: position %s/%s references unknown reserve", c.Asset.Hex(), c.User.Hex())
		}
		positions.t.put(PositionKey{Asset: c.Asset, User: c.User}, c)
	}
	for _, e := range img.Shares {
		if _, ok := reserves.t.rows[e.Asset]; !ok {
			return fmt.Errorf("restore: shares %s/%s reference unknown reserve", e.Asset.Hex(), e.User.Hex())
		}
		shares.t.put(PositionKey{Asset: e.Asset, User: e.User}, cloneInt(e.Scaled))
	}

	s.mu.Lock()
	s.reserves, s.positions, s.shares = reserves, positions, shares
	s.mu.Unlock()
	return nil
}
