package rw

import (
	"sync"

	"github.com/KarpelesLab/eccfs/crypto"
	"github.com/KarpelesLab/eccfs/vfs"
)

const bitsPerBlk = crypto.BlkSize * 8

// BitMap tracks which inode ids are in use, backed by a small run of
// dedicated blocks at the front of the filesystem. alloc scans forward
// from the last known-free position; free walks it back if it frees an
// earlier position.
type BitMap struct {
	mu              sync.Mutex
	used            map[uint64]struct{}
	possibleFreePos uint64
}

// NewBitMap decodes a BitMap from its on-disk blocks.
func NewBitMap(rawBlks []crypto.Block) *BitMap {
	bm := &BitMap{used: make(map[uint64]struct{})}
	for i, blk := range rawBlks {
		for byteIdx, b := range blk {
			if b == 0 {
				continue
			}
			for bit := uint(0); bit < 8; bit++ {
				if b&(1<<bit) != 0 {
					pos := uint64(i)*bitsPerBlk + uint64(byteIdx)*8 + uint64(bit)
					bm.used[pos] = struct{}{}
				}
			}
		}
	}
	return bm
}

// Alloc reserves and returns the lowest free position. Unlike the scan
// this mirrors, i always advances: a position known in use is skipped
// rather than retried forever.
func (bm *BitMap) Alloc() uint64 {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	i := bm.possibleFreePos
	for {
		if _, used := bm.used[i]; !used {
			bm.used[i] = struct{}{}
			bm.possibleFreePos = i + 1
			return i
		}
		i++
	}
}

// Free releases pos, which must currently be allocated.
func (bm *BitMap) Free(pos uint64) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if _, ok := bm.used[pos]; !ok {
		return vfs.New(vfs.ErrNotFound)
	}
	delete(bm.used, pos)
	if pos < bm.possibleFreePos {
		bm.possibleFreePos = pos
	}
	return nil
}

// Write renders the current state back into blocks, sized to cover the
// highest allocated position.
func (bm *BitMap) Write() []crypto.Block {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if len(bm.used) == 0 {
		return []crypto.Block{{}}
	}
	var maxPos uint64
	for pos := range bm.used {
		if pos > maxPos {
			maxPos = pos
		}
	}
	nrBlk := maxPos/bitsPerBlk + 1
	blks := make([]crypto.Block, nrBlk)
	for pos := range bm.used {
		blkIdx := pos / bitsPerBlk
		within := pos % bitsPerBlk
		blks[blkIdx][within/8] |= 1 << (within % 8)
	}
	return blks
}
