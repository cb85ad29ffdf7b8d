package htree

import (
	"sort"
	"sync"

	"github.com/KarpelesLab/eccfs/crypto"
	"github.com/KarpelesLab/eccfs/lru"
	"github.com/KarpelesLab/eccfs/storage"
	"github.com/KarpelesLab/eccfs/vfs"
)

// DefaultRWCacheCap mirrors the default used when a caller doesn't supply
// one; rw_cache_cap_defaults(htree_len) in the original clamps len/10 to
// [4,32] — callers needing that sizing policy should compute it themselves
// and pass it to NewRWHashTree.
const DefaultRWCacheCap = 16

// RWHashTree is the read-write counterpart of ROHashTree (spec §4.4.2). It
// holds a deferred key-entry write-back buffer (ke_buf) so that a child's
// freshly rotated KeyEntry need not force its not-yet-cached parent to be
// read back from the backend on every single write.
type RWHashTree struct {
	mu        sync.Mutex
	backend   storage.Backend
	cache     *lru.Cache[uint64, crypto.Block]
	logiLen   uint64
	encrypted bool
	rootMode  crypto.FSMode
	keBuf     map[uint64]crypto.KeyEntry
	keyGen    *crypto.KeyGen
	cacheCap  int
}

// NewRWHashTree opens (or creates, if rootMode is nil) a read-write hash
// tree over backend, holding logiLen logical blocks.
func NewRWHashTree(cacheCap int, backend storage.Backend, logiLen uint64, rootMode *crypto.FSMode, encrypted bool) (*RWHashTree, error) {
	if cacheCap <= 0 {
		cacheCap = DefaultRWCacheCap
	}
	kg, err := crypto.NewKeyGen()
	if err != nil {
		return nil, err
	}
	mode := crypto.FSMode{Encrypted: encrypted}
	if rootMode != nil {
		mode = *rootMode
	}
	return &RWHashTree{
		backend:   backend,
		cache:     lru.New[uint64, crypto.Block](cacheCap),
		logiLen:   logiLen,
		encrypted: encrypted,
		rootMode:  mode,
		keBuf:     make(map[uint64]crypto.KeyEntry),
		keyGen:    kg,
		cacheCap:  cacheCap,
	}, nil
}

func (t *RWHashTree) LogiLen() uint64 { return t.logiLen }

// childPositions enumerates every possible child physical position (and
// its slot) of the index block at idxphy, index children first then data
// children, without regard for whether they currently exist.
func childPositions(idxphy uint64) []struct {
	phy  uint64
	slot EntryType
} {
	out := make([]struct {
		phy  uint64
		slot EntryType
	}, 0, ChildPerBlk+DataPerBlk)
	cp := GetFirstIdxChildPhy(idxphy)
	for i := uint64(0); i < ChildPerBlk; i++ {
		out = append(out, struct {
			phy  uint64
			slot EntryType
		}{cp, Index(i)})
		cp = NextIdxSiblingPhy(cp)
	}
	dp := GetFirstDataChildPhy(idxphy)
	for i := uint64(0); i < DataPerBlk; i++ {
		out = append(out, struct {
			phy  uint64
			slot EntryType
		}{dp, Data(i)})
		dp = NextDataSiblingPhy(dp)
	}
	return out
}

// drainKeBufInto writes every ke_buf entry whose parent is idxphy into blk,
// removing them from ke_buf. Returns whether anything was drained.
func (t *RWHashTree) drainKeBufInto(idxphy uint64, blk *crypto.Block) bool {
	drained := false
	for _, c := range childPositions(idxphy) {
		if ke, ok := t.keBuf[c.phy]; ok {
			SetKE(blk, c.slot, ke)
			delete(t.keBuf, c.phy)
			drained = true
		}
	}
	return drained
}

func (t *RWHashTree) fetchVerified(phy uint64, hint crypto.CryptoHint) (*crypto.Block, error) {
	blk, err := t.backend.ReadBlk(phy)
	if err != nil {
		return nil, err
	}
	if err := crypto.CryptoIn(blk, hint); err != nil {
		return nil, err
	}
	return blk, nil
}

// fetchChild loads phy (a child found while walking down) into the cache,
// draining any of its own pending child KEs from ke_buf first so the
// freshly cached copy never has stale slots.
func (t *RWHashTree) fetchChild(phy uint64, hint crypto.CryptoHint, isIdx bool) (*lru.Handle[crypto.Block], error) {
	blk, err := t.fetchVerified(phy, hint)
	if err != nil {
		return nil, err
	}
	dirty := false
	if isIdx {
		dirty = t.drainKeBufInto(phy, blk)
	}
	h, evicted, err := t.cache.InsertAndGet(phy, *blk)
	if err != nil {
		return nil, err
	}
	if evicted != nil {
		if err := t.writeBackLocked(evicted.Key, evicted.Value); err != nil {
			t.cache.Release(h)
			return nil, err
		}
	}
	if dirty {
		t.cache.MarkDirty(phy)
	}
	return h, nil
}

// getBlkLocked performs the up-then-down traversal to fetch (or allocate,
// if writing past the current tree shape is not in play here — callers
// must Resize first) the block at logical position logi. Caller holds mu.
func (t *RWHashTree) getBlkLocked(logi uint64, write bool) (*lru.Handle[crypto.Block], error) {
	phy := Logi2Phy(logi)

	if h, ok := t.cache.Get(phy); ok {
		if write {
			t.cache.MarkDirty(phy)
		}
		return h, nil
	}

	type step struct {
		childPhy uint64
		slot     EntryType
	}
	var chain []step
	chain = append(chain, step{childPhy: phy, slot: Data(Phy2DataIdx(phy))})

	idxphy := Phy2IdxPhy(phy)
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
		rootHint := crypto.HintFromKeyEntry(t.rootMode.IntoKeyEntry(), t.encrypted, RootBlkPhyPos)
		h, err := t.fetchChild(RootBlkPhyPos, rootHint, true)
		if err != nil {
			return nil, err
		}
		baseHandle = h
	}

	curHandle := baseHandle
	for i := len(chain) - 1; i >= 0; i-- {
		st := chain[i]
		blkVal := *curHandle.Value()
		ke := GetKE(&blkVal, st.slot)
		childHint := crypto.HintFromKeyEntry(ke, t.encrypted, st.childPhy)

		h, err := t.fetchChild(st.childPhy, childHint, !st.slot.IsData() || i != 0)
		t.cache.Release(curHandle)
		if err != nil {
			return nil, err
		}
		curHandle = h
	}

	if write {
		t.cache.MarkDirty(phy)
	}
	return curHandle, nil
}

// GetBlk returns a handle to the data block at logical position logi. If
// write is true, the block is marked dirty before returning.
func (t *RWHashTree) GetBlk(logi uint64, write bool) (*lru.Handle[crypto.Block], error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if logi >= t.logiLen {
		return nil, vfs.New(vfs.ErrInvalidParameter)
	}
	return t.getBlkLocked(logi, write)
}

// ReadExact reads len(buf) bytes starting at byteOffset.
func (t *RWHashTree) ReadExact(byteOffset uint64, buf []byte) (int, error) {
	total := 0
	for len(buf) > 0 {
		logi := byteOffset / crypto.BlkSize
		inBlk := byteOffset % crypto.BlkSize
		h, err := t.GetBlk(logi, false)
		if err != nil {
			return total, err
		}
		n := copy(buf, h.Value()[inBlk:])
		t.mu.Lock()
		t.cache.Release(h)
		t.mu.Unlock()
		buf = buf[n:]
		byteOffset += uint64(n)
		total += n
	}
	return total, nil
}

// WriteExact writes data at byteOffset, growing the tree via Resize if the
// write extends past the current logical length.
func (t *RWHashTree) WriteExact(byteOffset uint64, data []byte) (int, error) {
	end := byteOffset + uint64(len(data))
	neededLogi := (end + crypto.BlkSize - 1) / crypto.BlkSize
	if neededLogi > t.logiLen {
		if err := t.Resize(neededLogi); err != nil {
			return 0, err
		}
	}

	total := 0
	for len(data) > 0 {
		logi := byteOffset / crypto.BlkSize
		inBlk := byteOffset % crypto.BlkSize
		h, err := t.GetBlk(logi, true)
		if err != nil {
			return total, err
		}
		n := copy(h.Value()[inBlk:], data)
		t.mu.Lock()
		t.cache.Release(h)
		t.mu.Unlock()
		data = data[n:]
		byteOffset += uint64(n)
		total += n
	}
	return total, nil
}

// bufferKELocked implements spec §4.4.2's buffer_ke: write the KE directly
// into the cached parent if present (marking it dirty), settle it into
// rootMode if phy is the root, or else defer it into ke_buf.
func (t *RWHashTree) bufferKELocked(phy uint64, ke crypto.KeyEntry) error {
	if phy == RootBlkPhyPos {
		t.rootMode = crypto.FromKeyEntry(ke, t.encrypted)
		return nil
	}
	fatherPhy, slot := GetFatherIdx(phy)
	if h, ok := t.cache.Get(fatherPhy); ok {
		SetKE(h.Value(), slot, ke)
		t.cache.Release(h)
		t.cache.MarkDirty(fatherPhy)
		return nil
	}
	t.keBuf[phy] = ke
	if len(t.keBuf) >= t.cacheCap/2 {
		return t.flushKeBufLocked()
	}
	return nil
}

// writeBackLocked implements spec §4.4.2's eviction write-back protocol
// for a dirty victim (phy, blk) popped from the cache.
func (t *RWHashTree) writeBackLocked(phy uint64, blk crypto.Block) error {
	if IsIdx(phy) {
		t.drainKeBufInto(phy, &blk)
	}

	var key *crypto.Key128
	if t.encrypted {
		k, err := t.keyGen.GenKey(phy)
		if err != nil {
			return err
		}
		key = &k
	}
	mode, err := crypto.CryptoOut(&blk, key, phy)
	if err != nil {
		return err
	}
	if err := t.backend.WriteBlk(phy, &blk); err != nil {
		return err
	}
	return t.bufferKELocked(phy, mode.IntoKeyEntry())
}

// flushKeBufLocked drains ke_buf, always taking the largest pending
// physical position next. Its KE goes straight into the father block if
// that block is cached (marking it dirty). Otherwise the uncached father
// is read back under the hint from ancestorHint, every pending KE for it
// is spliced in, and it is resealed and written; its own new KE is then
// queued into ke_buf, or becomes rootMode for the root, so updates climb
// one level per pass. It does not walk down from a cached ancestor to
// authenticate an uncached father: that block is checked only against a
// KE held in ke_buf or rootMode.
func (t *RWHashTree) flushKeBufLocked() error {
	for len(t.keBuf) > 0 {
		// pick the largest pending physical position's parent group.
		var maxPhy uint64
		first := true
		for phy := range t.keBuf {
			if first || phy > maxPhy {
				maxPhy = phy
				first = false
			}
		}
		fatherPhy, slot := GetFatherIdx(maxPhy)
		ke := t.keBuf[maxPhy]
		delete(t.keBuf, maxPhy)

		if h, ok := t.cache.Get(fatherPhy); ok {
			SetKE(h.Value(), slot, ke)
			t.cache.Release(h)
			t.cache.MarkDirty(fatherPhy)
			continue
		}

		if fatherPhy == RootBlkPhyPos && maxPhy == RootBlkPhyPos {
			t.rootMode = crypto.FromKeyEntry(ke, t.encrypted)
			continue
		}

		// Uncached ancestor: read it from the backend, splice in ke,
		// recompute its own KE, and thread that up to its father (which
		// may itself be uncached, handled by re-queuing into ke_buf).
		hint := t.ancestorHint(fatherPhy)
		blk, err := t.fetchVerified(fatherPhy, hint)
		if err != nil {
			return err
		}
		t.drainKeBufInto(fatherPhy, blk)
		SetKE(blk, slot, ke)

		var key *crypto.Key128
		if t.encrypted {
			k, err := t.keyGen.GenKey(fatherPhy)
			if err != nil {
				return err
			}
			key = &k
		}
		mode, err := crypto.CryptoOut(blk, key, fatherPhy)
		if err != nil {
			return err
		}
		if err := t.backend.WriteBlk(fatherPhy, blk); err != nil {
			return err
		}
		if fatherPhy == RootBlkPhyPos {
			t.rootMode = mode
		} else {
			t.keBuf[fatherPhy] = mode.IntoKeyEntry()
		}
	}
	return nil
}

// ancestorHint reconstructs the CryptoHint needed to authenticate an
// uncached ancestor block at phy: its KE lives either in ke_buf (not yet
// threaded to its own father) or must be accepted as already-authentic
// because it is the root. flushKeBufLocked only calls this for blocks
// that are themselves a ke_buf parent target with no cached copy, so the
// ancestor was necessarily last written with a KE now sitting either in
// ke_buf (rewritten here) or rootMode.
func (t *RWHashTree) ancestorHint(phy uint64) crypto.CryptoHint {
	if phy == RootBlkPhyPos {
		return crypto.HintFromKeyEntry(t.rootMode.IntoKeyEntry(), t.encrypted, RootBlkPhyPos)
	}
	if ke, ok := t.keBuf[phy]; ok {
		return crypto.HintFromKeyEntry(ke, t.encrypted, phy)
	}
	// Should not happen given flushKeBufLocked's invariant (an uncached
	// ancestor reached here always got here via its own ke_buf entry or
	// is the root); an empty hint fails integrity loudly rather than
	// silently succeeding, surfacing the logic bug instead of hiding it.
	return crypto.CryptoHint{}
}

// Resize grows or shrinks the tree to newNrBlk logical blocks.
func (t *RWHashTree) Resize(newNrBlk uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if newNrBlk == t.logiLen {
		return nil
	}

	if newNrBlk < t.logiLen {
		newPhyLen := GetPhyNrBlk(newNrBlk)
		if err := t.backend.SetLen(newPhyLen); err != nil {
			return err
		}
		t.cache.ForgetIf(func(phy uint64) bool { return phy >= newPhyLen })
		for phy := range t.keBuf {
			if phy >= newPhyLen {
				delete(t.keBuf, phy)
			}
		}
		if newNrBlk == 0 {
			t.rootMode = crypto.FSMode{Encrypted: t.encrypted}
		}
		t.logiLen = newNrBlk
		return nil
	}

	oldPhyLen := GetPhyNrBlk(t.logiLen)
	newPhyLen := GetPhyNrBlk(newNrBlk)
	if err := t.backend.ExpandLen(newPhyLen); err != nil {
		return err
	}
	for p := oldPhyLen; p < newPhyLen; p++ {
		var blk crypto.Block
		var key *crypto.Key128
		if t.encrypted {
			k, err := t.keyGen.GenKey(p)
			if err != nil {
				return err
			}
			key = &k
		}
		mode, err := crypto.CryptoOut(&blk, key, p)
		if err != nil {
			return err
		}
		if err := t.backend.WriteBlk(p, &blk); err != nil {
			return err
		}
		if err := t.bufferKELocked(p, mode.IntoKeyEntry()); err != nil {
			return err
		}
	}
	t.logiLen = newNrBlk
	return nil
}

// ZeroRange overwrites [offset, offset+length) with zero bytes, growing
// the tree first if needed.
func (t *RWHashTree) ZeroRange(offset, length uint64) error {
	zero := make([]byte, crypto.BlkSize)
	remaining := length
	off := offset
	for remaining > 0 {
		n := uint64(len(zero))
		if n > remaining {
			n = remaining
		}
		if _, err := t.WriteExact(off, zero[:n]); err != nil {
			return err
		}
		off += n
		remaining -= n
	}
	return nil
}

// Flush writes back every dirty block (deepest-first by descending
// physical position, which drains index subtrees outward, matching spec
// §4.4.2), then drains ke_buf, and returns the resulting root FSMode.
func (t *RWHashTree) Flush() (crypto.FSMode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := t.cache.FlushUnusedDirty()
	sort.Slice(evicted, func(i, j int) bool { return evicted[i].Key > evicted[j].Key })
	for _, e := range evicted {
		if err := t.writeBackLocked(e.Key, e.Value); err != nil {
			return crypto.FSMode{}, err
		}
	}
	if err := t.flushKeBufLocked(); err != nil {
		return crypto.FSMode{}, err
	}
	return t.rootMode, nil
}

// RootMode returns the tree's current root authenticator without flushing.
func (t *RWHashTree) RootMode() crypto.FSMode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rootMode
}
