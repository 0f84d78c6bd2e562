package event

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// RefreshIndices brings a reserve's cumulative indices up to Time() without
// moving any balance. Keyed "{reserve}:refresh:{sequence}".
type RefreshIndices struct {
	Meta
	Reserve common.Address `json:"reserve"`
}

func (r *RefreshIndices) IdempotencyKey() string {
	return fmt.Sprintf("%s:refresh:%d", r.Reserve.Hex(), r.Sequence)
}

func (r *RefreshIndices) EventType() EventType {
	return EventTypeRefreshIndices
}

func (r *RefreshIndices) Asset() common.Address {
	return r.Reserve
}
