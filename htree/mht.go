// Package htree implements the Merkle-keyed block tree (spec §3, §4.4):
// the central storage primitive every file's data, every directory's
// entry table, and the RW inode table live inside.
package htree

import (
	"github.com/KarpelesLab/eccfs/crypto"
)

const (
	// EntryPerBlk is the number of 32-byte key entries a block can hold.
	EntryPerBlk = crypto.BlkSize / 32
	// CHILD_PER_BLK (spec) — child index key entries per index block.
	ChildPerBlk = EntryPerBlk / 4
	// DATA_PER_BLK (spec) — child data key entries per index block.
	DataPerBlk = EntryPerBlk * 3 / 4
)

// RootBlkPhyPos is the physical position of the htree's root index block.
const RootBlkPhyPos uint64 = 0

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

// Logi2Phy maps a logical (data-only) block index to its physical
// position within the tree file.
func Logi2Phy(logi uint64) uint64 {
	nrIdx := ceilDiv(logi+1, DataPerBlk)
	return logi + nrIdx
}

// Logi2DataIdx returns the data-key-entry slot index within the index
// block that owns logical position logi.
func Logi2DataIdx(logi uint64) uint64 {
	return logi % DataPerBlk
}

// Phy2IdxPhy returns the physical position of the index block that
// directly owns the block at physical position phy (phy itself if it is
// already an index block).
func Phy2IdxPhy(phy uint64) uint64 {
	return phy - phy%(DataPerBlk+1)
}

// Phy2DataIdx returns the data slot index of a data block within its
// owning index block.
func Phy2DataIdx(phy uint64) uint64 {
	return phy - Phy2IdxPhy(phy) - 1
}

// Idxphy2Father returns the physical position of idxphy's parent index
// block and idxphy's child-index slot within it. The root is its own
// father with child index 0.
func Idxphy2Father(idxphy uint64) (fatherPhy uint64, childIdx uint64) {
	if idxphy == RootBlkPhyPos {
		return RootBlkPhyPos, 0
	}
	idx := idxphy / (DataPerBlk + 1)
	father := (idx - 1) / ChildPerBlk
	fatherPhy = father * (DataPerBlk + 1)
	childIdx = (idx - 1) % ChildPerBlk
	return fatherPhy, childIdx
}

// GetFirstIdxChildPhy returns the physical position of idxphy's first
// child index block.
func GetFirstIdxChildPhy(idxphy uint64) uint64 {
	n := IdxPhy2Number(idxphy)
	return (n*ChildPerBlk + 1) * (DataPerBlk + 1)
}

// NextIdxSiblingPhy returns the physical position of the next sibling
// index block after childPhy.
func NextIdxSiblingPhy(childPhy uint64) uint64 {
	return childPhy + DataPerBlk + 1
}

// GetFirstDataChildPhy returns the physical position of idxphy's first
// data-block child.
func GetFirstDataChildPhy(idxphy uint64) uint64 {
	return idxphy + 1
}

// NextDataSiblingPhy returns the physical position of the next data-block
// sibling after childPhy.
func NextDataSiblingPhy(childPhy uint64) uint64 {
	return childPhy + 1
}

// IdxPhy2Number returns the zero-based ordinal of the index block at
// idxphy among all index blocks, in physical order.
func IdxPhy2Number(idxphy uint64) uint64 {
	return idxphy / (DataPerBlk + 1)
}

// GetPhyNrBlk returns the physical block count needed to store logiNrBlk
// logical (data) blocks.
func GetPhyNrBlk(logiNrBlk uint64) uint64 {
	return logiNrBlk + ceilDiv(logiNrBlk, DataPerBlk)
}

// GetLogiNrBlk is the inverse of GetPhyNrBlk.
func GetLogiNrBlk(phyNrBlk uint64) uint64 {
	return phyNrBlk - ceilDiv(phyNrBlk, DataPerBlk+1)
}

// IsIdx reports whether phy is the position of an index block.
func IsIdx(phy uint64) bool {
	return phy%(DataPerBlk+1) == 0
}

// EntryType discriminates an index block slot: a child index block
// (Index) or a child data block (Data), both carrying the slot number.
type EntryType struct {
	isData bool
	idx    uint64
}

func Index(idx uint64) EntryType { return EntryType{isData: false, idx: idx} }
func Data(idx uint64) EntryType  { return EntryType{isData: true, idx: idx} }

func (e EntryType) IsData() bool  { return e.isData }
func (e EntryType) Slot() uint64  { return e.idx }

// GetFatherIdx returns phy's parent index block position and the slot
// type/number phy occupies within it.
func GetFatherIdx(phy uint64) (fatherPhy uint64, tp EntryType) {
	if IsIdx(phy) {
		f, idx := Idxphy2Father(phy)
		return f, Index(idx)
	}
	return Phy2IdxPhy(phy), Data(Phy2DataIdx(phy))
}

// slotOffset returns the key-entry slot number within a block for tp.
func slotOffset(tp EntryType) uint64 {
	if tp.isData {
		return ChildPerBlk + tp.idx
	}
	return tp.idx
}

// GetKE reads the key entry at slot tp out of blk.
func GetKE(blk *crypto.Block, tp EntryType) crypto.KeyEntry {
	pos := slotOffset(tp)
	var ke crypto.KeyEntry
	from := pos * 32
	copy(ke[:], blk[from:from+32])
	return ke
}

// SetKE writes ke into slot tp of blk.
func SetKE(blk *crypto.Block, tp EntryType, ke crypto.KeyEntry) {
	pos := slotOffset(tp)
	from := pos * 32
	copy(blk[from:from+32], ke[:])
}
