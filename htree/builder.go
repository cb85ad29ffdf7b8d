package htree

import (
	"io"

	"github.com/KarpelesLab/eccfs/crypto"
	"github.com/KarpelesLab/eccfs/storage"
	"github.com/KarpelesLab/eccfs/vfs"
)

// Builder writes a read-only hash tree in a single reverse post-order
// sweep over its logical data (spec §4.9): process logical blocks from
// last to first, filling each index block's data-KE slots as they
// complete, and whenever an index block's zeroth data slot is written
// (meaning all of its DataPerBlk children are now known) crypto-seal and
// write that index block too, threading its own KE up to its father
// through an in-memory map keyed by physical position. Only one pending
// index block and a small map of not-yet-claimed child KEs are held in
// memory at any time; everything else streams straight to the backend.
type Builder struct {
	keyGen    *crypto.KeyGen
	encrypted bool
}

// NewBuilder creates a Builder that will encrypt every block it writes if
// encrypted is true, or hash them for integrity-only verification if false.
func NewBuilder(encrypted bool) (*Builder, error) {
	kg, err := crypto.NewKeyGen()
	if err != nil {
		return nil, err
	}
	return &Builder{keyGen: kg, encrypted: encrypted}, nil
}

func (b *Builder) cryptoProcessBlk(blk *crypto.Block, pos uint64) (crypto.KeyEntry, error) {
	var key *crypto.Key128
	if b.encrypted {
		k, err := b.keyGen.GenKey(pos)
		if err != nil {
			return crypto.KeyEntry{}, err
		}
		key = &k
	}
	mode, err := crypto.CryptoOut(blk, key, pos)
	if err != nil {
		return crypto.KeyEntry{}, err
	}
	return mode.IntoKeyEntry(), nil
}

// Build reads logiNrBlk logical blocks from src (which need not be
// block-padded; a short final block is zero-padded) and writes the
// resulting hash tree into to, starting at physical block toStartBlk. It
// returns the number of physical blocks the tree occupies and the KeyEntry
// of its root block, which the caller threads into whatever structure
// (directory entry, inode, superblock) references this tree.
func (b *Builder) Build(to storage.Backend, toStartBlk uint64, src io.ReaderAt, logiNrBlk uint64) (uint64, crypto.KeyEntry, error) {
	if logiNrBlk == 0 {
		return 0, crypto.KeyEntry{}, vfs.New(vfs.ErrInvalidParameter)
	}
	htreeNrBlk := GetPhyNrBlk(logiNrBlk)
	if err := to.ExpandLen(toStartBlk + htreeNrBlk); err != nil {
		return 0, crypto.KeyEntry{}, err
	}

	var idxBlk crypto.Block
	idxKE := make(map[uint64]crypto.KeyEntry)

	for logi := logiNrBlk; logi > 0; logi-- {
		logiPos := logi - 1

		var d crypto.Block
		off := int64(logiPos) * crypto.BlkSize
		if _, err := src.ReadAt(d[:], off); err != nil && err != io.EOF {
			return 0, crypto.KeyEntry{}, vfs.Wrap("htree.Build", vfs.ErrIOError, err)
		}

		phyPos := Logi2Phy(logiPos)
		ke, err := b.cryptoProcessBlk(&d, phyPos)
		if err != nil {
			return 0, crypto.KeyEntry{}, err
		}
		if err := to.WriteBlk(toStartBlk+phyPos, &d); err != nil {
			return 0, crypto.KeyEntry{}, err
		}

		keIdx := Logi2DataIdx(logiPos)
		SetKE(&idxBlk, Data(keIdx), ke)

		// Slot 0 filling last means every data child of this index block
		// (processed in descending logical order) is now known.
		if keIdx != 0 {
			continue
		}

		idxPhyPos := Phy2IdxPhy(phyPos)
		childPhy := GetFirstIdxChildPhy(idxPhyPos)
		for i := uint64(0); i < ChildPerBlk; i++ {
			childKE, ok := idxKE[childPhy]
			if !ok {
				break
			}
			SetKE(&idxBlk, Index(i), childKE)
			delete(idxKE, childPhy)
			childPhy = NextIdxSiblingPhy(childPhy)
		}

		idxKEVal, err := b.cryptoProcessBlk(&idxBlk, idxPhyPos)
		if err != nil {
			return 0, crypto.KeyEntry{}, err
		}
		idxKE[idxPhyPos] = idxKEVal
		if err := to.WriteBlk(toStartBlk+idxPhyPos, &idxBlk); err != nil {
			return 0, crypto.KeyEntry{}, err
		}
		idxBlk = crypto.Block{}
	}

	rootKE, ok := idxKE[RootBlkPhyPos]
	if !ok {
		return 0, crypto.KeyEntry{}, vfs.New(vfs.ErrInvalidData)
	}
	delete(idxKE, RootBlkPhyPos)
	if len(idxKE) != 0 {
		return 0, crypto.KeyEntry{}, vfs.New(vfs.ErrInvalidData)
	}

	return htreeNrBlk, rootKE, nil
}
