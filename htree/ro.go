package htree

import (
	"sync"

	"github.com/KarpelesLab/eccfs/crypto"
	"github.com/KarpelesLab/eccfs/lru"
	"github.com/KarpelesLab/eccfs/storage"
	"github.com/KarpelesLab/eccfs/vfs"
)

// DefaultROCacheCap is used when a tree's caller does not request a
// specific data-block cache size.
const DefaultROCacheCap = 32

// ROHashTree is a read-only Merkle-keyed block tree (spec §4.4.1): a
// contiguous run of blocks on an RBackend, starting at Start, holding
// LogiLen logical data blocks, authenticated bottom-up to RootHint.
type ROHashTree struct {
	backend   storage.RBackend
	start     uint64
	logiLen   uint64
	encrypted bool
	cacheData bool
	rootHint  crypto.CryptoHint

	// mu serializes traversal per spec §5 ("each hash tree has one mutex
	// covering its cache"); lru.Cache is internally synchronized too, but
	// the multi-step walk below must appear atomic to avoid duplicate
	// backend fetches under concurrent misses on the same position.
	mu    sync.Mutex
	cache *lru.Cache[uint64, crypto.Block]
}

// NewROHashTree constructs a tree over backend starting at block start,
// covering logiLen logical blocks, authenticated at the root by rootMode.
// If cacheData is false, individual data blocks (but not index blocks)
// bypass the cache on every read.
func NewROHashTree(backend storage.RBackend, start, logiLen uint64, rootMode crypto.FSMode, cacheData bool) *ROHashTree {
	return &ROHashTree{
		backend:   backend,
		start:     start,
		logiLen:   logiLen,
		encrypted: rootMode.Encrypted,
		cacheData: cacheData,
		rootHint:  crypto.CryptoHint{Encrypted: rootMode.Encrypted, Key: rootMode.Key, MAC: rootMode.MAC, Hash: rootMode.Hash, Nonce: RootBlkPhyPos},
		cache:     lru.New[uint64, crypto.Block](DefaultROCacheCap),
	}
}

// fetchVerified reads the block at absolute physical position abs (start+phy)
// from the backend and authenticates it under hint.
func (t *ROHashTree) fetchVerified(phy uint64, hint crypto.CryptoHint) (*crypto.Block, error) {
	blk, err := t.backend.ReadBlk(t.start + phy)
	if err != nil {
		return nil, err
	}
	if err := crypto.CryptoIn(blk, hint); err != nil {
		return nil, err
	}
	return blk, nil
}

// GetBlk returns the data block at logical position logi.
func (t *ROHashTree) GetBlk(logi uint64) (*crypto.Block, error) {
	if logi >= t.logiLen {
		return nil, vfs.New(vfs.ErrInvalidParameter)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	phy := Logi2Phy(logi)

	if t.cacheData {
		if h, ok := t.cache.Get(phy); ok {
			v := *h.Value()
			t.cache.Release(h)
			return &v, nil
		}
	}

	// Walk up collecting the chain of (childPhy, slot) pairs until we
	// reach a cached (or root) index block.
	type step struct {
		childPhy uint64
		slot     EntryType
	}
	var chain []step

	idxphy := Phy2IdxPhy(phy)
	var dataSlot EntryType
	if phy == idxphy {
		// phy is itself an index position: should not happen for a data
		// fetch, but guard defensively.
		return nil, vfs.New(vfs.ErrInvalidData)
	}
	dataSlot = Data(Phy2DataIdx(phy))
	chain = append(chain, step{childPhy: phy, slot: dataSlot})

	cur := idxphy
	var baseHandle *lru.Handle[crypto.Block]
	for {
		if h, ok := t.cache.Get(cur); ok {
			baseHandle = h
			break
		}
		if cur == RootBlkPhyPos {
			break
		}
		father, slot := GetFatherIdx(cur)
		chain = append(chain, step{childPhy: cur, slot: slot})
		cur = father
	}

	if baseHandle == nil {
		blk, err := t.fetchVerified(RootBlkPhyPos, t.rootHint)
		if err != nil {
			return nil, err
		}
		h, _, err := t.cache.InsertAndGet(RootBlkPhyPos, *blk)
		if err != nil {
			return nil, err
		}
		baseHandle = h
	}

	// Walk down the chain (reverse order), fetching each child using the
	// KE stored in the currently held block.
	curHandle := baseHandle
	for i := len(chain) - 1; i >= 0; i-- {
		st := chain[i]
		blkVal := *curHandle.Value()
		ke := GetKE(&blkVal, st.slot)
		childHint := crypto.HintFromKeyEntry(ke, t.encrypted, st.childPhy)

		if st.slot.IsData() && i == 0 {
			// final, data block
			t.cache.Release(curHandle)
			blk, err := t.fetchVerified(st.childPhy, childHint)
			if err != nil {
				return nil, err
			}
			if t.cacheData {
				h, _, err := t.cache.InsertAndGet(st.childPhy, *blk)
				if err == nil {
					v := *h.Value()
					t.cache.Release(h)
					return &v, nil
				}
			}
			return blk, nil
		}

		blk, err := t.fetchVerified(st.childPhy, childHint)
		if err != nil {
			t.cache.Release(curHandle)
			return nil, err
		}
		h, _, err := t.cache.InsertAndGet(st.childPhy, *blk)
		t.cache.Release(curHandle)
		if err != nil {
			return nil, err
		}
		curHandle = h
	}

	// chain always has at least one element (the data slot), so we never
	// fall through to here; kept for completeness.
	v := *curHandle.Value()
	t.cache.Release(curHandle)
	return &v, nil
}

// ReadExact reads len(buf) bytes starting at byteOffset, spanning as many
// logical blocks as necessary.
func (t *ROHashTree) ReadExact(byteOffset uint64, buf []byte) (int, error) {
	total := 0
	for len(buf) > 0 {
		logi := byteOffset / crypto.BlkSize
		inBlk := byteOffset % crypto.BlkSize
		blk, err := t.GetBlk(logi)
		if err != nil {
			return total, err
		}
		n := copy(buf, blk[inBlk:])
		buf = buf[n:]
		byteOffset += uint64(n)
		total += n
	}
	return total, nil
}

// Flush empties the data/index cache. ROHashTree never holds dirty blocks.
func (t *ROHashTree) Flush() {
	t.cache.FlushUnusedUnchanged()
}

func (t *ROHashTree) LogiLen() uint64 { return t.logiLen }
