package projection_test

import (
	"testing"

	"LendLedger/internal/projection"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	alice = common.HexToAddress("0x1111")
	bob   = common.HexToAddress("0x2222")
)

func entry(seq int64, user common.Address) projection.LiquidationEntry {
	return projection.LiquidationEntry{
		Sequence:         seq,
		User:             user,
		Liquidator:       common.HexToAddress("0x9999"),
		DebtRepaid:       uint256.NewInt(uint64(seq)),
		CollateralSeized: uint256.NewInt(uint64(seq) * 2),
	}
}

func TestLiquidationHistory_NewestFirstPerUser(t *testing.T) {
	h := projection.NewLiquidationHistory(10)
	h.Add(entry(1, alice))
	h.Add(entry(2, bob))
	h.Add(entry(3, alice))

	got := h.QueryByUser(alice, 10)
	if len(got) != 2 {
		t.Fatalf("entries: got %d, want 2", len(got))
	}
	if got[0].Sequence != 3 || got[1].Sequence != 1 {
		t.Errorf("order: got %d,%d, want 3,1", got[0].Sequence, got[1].Sequence)
	}

	if all := h.QueryByUser(common.Address{}, 2); len(all) != 2 || all[0].Sequence != 3 {
		t.Errorf("zero address must match everyone up to the limit, got %+v", all)
	}
}

func TestLiquidationHistory_EvictsOldest(t *testing.T) {
	h := projection.NewLiquidationHistory(2)
	h.Add(entry(1, alice))
	h.Add(entry(2, alice))
	h.Add(entry(3, alice))

	if h.Len() != 2 {
		t.Fatalf("len: got %d, want 2", h.Len())
	}
	got := h.QueryByUser(alice, 10)
	if got[len(got)-1].Sequence != 2 {
		t.Errorf("oldest retained: got %d, want 2", got[len(got)-1].Sequence)
	}
}
