package ro

import "github.com/KarpelesLab/eccfs/crypto"

// pos64 packs a hash-tree block position (low 48 bits) and a within-block
// byte offset (high 16 bits) into one InodeID-sized value. Inode ids in
// the read-only image are pos64 values: the inode table isn't indexed by
// a dense integer, it's addressed directly by its packed location.

func pos64Split(pos uint64) (blk uint64, off uint16) {
	return Pos64Split(pos)
}

func pos64Join(blk uint64, off uint16) uint64 {
	return Pos64Join(blk, off)
}

func pos64ToByte(blk uint64, off uint16) uint64 {
	return Pos64ToByte(blk, off)
}

// Pos64Split unpacks an inode id / dirent position into its containing
// block number and within-block byte offset.
func Pos64Split(pos uint64) (blk uint64, off uint16) {
	return pos & 0x0000ffffffffffff, uint16(pos >> 48)
}

// Pos64Join packs a block number and byte offset into one pos64 value,
// used by the RO image builder for inode ids and (via Pos64FromByteOffset)
// for a directory's dirent-run position.
func Pos64Join(blk uint64, off uint16) uint64 {
	return blk | (uint64(off) << 48)
}

// Pos64ToByte converts a (block, offset) pair to an absolute byte offset.
func Pos64ToByte(blk uint64, off uint16) uint64 {
	return blk*crypto.BlkSize + uint64(off)
}

// Pos64Add advances a (blk,off) pair by add bytes, carrying into blk.
func Pos64Add(blk uint64, off uint16, add uint64) (uint64, uint16) {
	total := uint64(off) + add
	return blk + total/crypto.BlkSize, uint16(total % crypto.BlkSize)
}

// Pos64FromByteOffset packs an absolute byte offset into a pos64 value,
// used by roimage's builder to address a directory's entry run inside the
// dirent table from its inode record.
func Pos64FromByteOffset(off uint64) uint64 {
	return Pos64Join(off/crypto.BlkSize, uint16(off%crypto.BlkSize))
}
