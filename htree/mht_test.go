package htree

import (
	"testing"

	"github.com/KarpelesLab/eccfs/crypto"
)

func TestLogi2PhyMonotonicAndAvoidsIndex(t *testing.T) {
	var prev uint64
	for l := uint64(0); l < 5000; l++ {
		p := Logi2Phy(l)
		if l > 0 && p <= prev {
			t.Fatalf("logi2phy not monotonic at %d: %d <= %d", l, p, prev)
		}
		if IsIdx(p) {
			t.Fatalf("logi2phy(%d) = %d lands on an index position", l, p)
		}
		prev = p
	}
}

func TestIdxphy2FatherReachesRootQuickly(t *testing.T) {
	for _, start := range []uint64{0, DataPerBlk + 1, GetFirstIdxChildPhy(0), Logi2Phy(100000)} {
		idxphy := Phy2IdxPhy(start)
		steps := 0
		for idxphy != RootBlkPhyPos && steps < 64 {
			f, _ := Idxphy2Father(idxphy)
			idxphy = f
			steps++
		}
		if idxphy != RootBlkPhyPos {
			t.Fatalf("did not reach root from %d within 64 steps", start)
		}
	}
}

func TestGetPhyNrBlkRoundTrip(t *testing.T) {
	for _, logi := range []uint64{0, 1, DataPerBlk - 1, DataPerBlk, DataPerBlk + 1, DataPerBlk * 5} {
		phy := GetPhyNrBlk(logi)
		back := GetLogiNrBlk(phy)
		if back != logi {
			t.Fatalf("GetLogiNrBlk(GetPhyNrBlk(%d)=%d) = %d", logi, phy, back)
		}
	}
}

func TestIdxChildIteration(t *testing.T) {
	idxphy := uint64(0)
	childPhy := GetFirstIdxChildPhy(idxphy)
	for i := uint64(0); i < ChildPerBlk; i++ {
		f, slot := GetFatherIdx(childPhy)
		if f != idxphy {
			t.Fatalf("child %d: father = %d, want %d", i, f, idxphy)
		}
		if slot.IsData() || slot.Slot() != i {
			t.Fatalf("child %d: slot = %+v", i, slot)
		}
		childPhy = NextIdxSiblingPhy(childPhy)
	}
}

func TestDataChildIteration(t *testing.T) {
	idxphy := uint64(0)
	childPhy := GetFirstDataChildPhy(idxphy)
	for i := uint64(0); i < DataPerBlk; i++ {
		f, slot := GetFatherIdx(childPhy)
		if f != idxphy {
			t.Fatalf("data child %d: father = %d, want %d", i, f, idxphy)
		}
		if !slot.IsData() || slot.Slot() != i {
			t.Fatalf("data child %d: slot = %+v", i, slot)
		}
		childPhy = NextDataSiblingPhy(childPhy)
	}
}

func TestSetGetKE(t *testing.T) {
	var blk crypto.Block
	var ke crypto.KeyEntry
	for i := range ke {
		ke[i] = byte(i)
	}
	SetKE(&blk, Data(5), ke)
	got := GetKE(&blk, Data(5))
	if got != ke {
		t.Fatalf("KE round trip mismatch")
	}
}
