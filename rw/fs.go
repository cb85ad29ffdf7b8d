package rw

import (
	"sync"

	"github.com/KarpelesLab/eccfs/crypto"
	"github.com/KarpelesLab/eccfs/htree"
	"github.com/KarpelesLab/eccfs/lru"
	"github.com/KarpelesLab/eccfs/storage"
	"github.com/KarpelesLab/eccfs/vfs"
)

// DefaultInodeCacheCap is used when a caller doesn't request a specific
// decoded-inode cache size. Unlike ro's, this cache cannot be disabled:
// a writable inode carries open hash-tree state between calls, not just
// decoded bytes, so every fetch must go through it.
const DefaultInodeCacheCap = 256

// itblObjectHash names the inode table's own data object. It isn't tied
// to any inode id (the table isn't an inode), so it's derived from a
// fixed marker instead of iidHash.
var itblObjectHash = crypto.HashBytes([]byte("eccfs-rw-itbl"))

// RWFS is the writable image filesystem (spec §4.8): a superblock, an
// inode bitmap, and an inode table hash tree, with every directory and
// every non-inline regular file's data in its own hash-tree-backed object
// on device, named by the hex hash of its owning inode id.
type RWFS struct {
	mu sync.Mutex

	device    storage.Device
	sbBackend storage.Backend

	mode   crypto.FSMode
	keyGen *crypto.KeyGen

	sb       *SuperBlock
	bitmap   *BitMap
	counters *Counters
	itbl     *htree.RWHashTree

	icac *lru.Cache[vfs.InodeID, *Inode]
}

// Open mounts an existing writable image. sbBackend holds the superblock
// at block 0 followed by the inode bitmap; device resolves every other
// named data object (the inode table and every directory/external-file
// object).
func Open(device storage.Device, sbBackend storage.Backend, mode crypto.FSMode, inodeCacheCap int) (*RWFS, error) {
	sbBlk, err := sbBackend.ReadBlk(SuperBlockPos)
	if err != nil {
		return nil, err
	}
	sb, err := NewSuperBlock(mode, *sbBlk)
	if err != nil {
		return nil, err
	}

	// Allocate the full slice up front: a capacity-only slice would leave
	// `range` iterating zero times and every bitmap block unread.
	rawBitmap := make([]crypto.Block, len(sb.IbitmapKE))
	for i := range rawBitmap {
		pos := sb.IbitmapStart + uint64(i)
		blk, err := sbBackend.ReadBlk(pos)
		if err != nil {
			return nil, err
		}
		hint := crypto.HintFromKeyEntry(sb.IbitmapKE[i], mode.Encrypted, pos)
		if err := crypto.CryptoIn(blk, hint); err != nil {
			return nil, err
		}
		rawBitmap[i] = *blk
	}
	bitmap := NewBitMap(rawBitmap)

	itblBackend, err := device.Open(hashName(sb.ItblName))
	if err != nil {
		return nil, err
	}
	itblMode := crypto.FromKeyEntry(sb.ItblKE, mode.Encrypted)
	itbl, err := htree.NewRWHashTree(DefaultDataCacheCap, itblBackend, htree.GetLogiNrBlk(sb.ItblLen), &itblMode, mode.Encrypted)
	if err != nil {
		return nil, err
	}

	var keyGen *crypto.KeyGen
	if mode.Encrypted {
		kg, err := crypto.NewKeyGen()
		if err != nil {
			return nil, err
		}
		keyGen = kg
	}

	cacheCap := inodeCacheCap
	if cacheCap <= 0 {
		cacheCap = DefaultInodeCacheCap
	}

	return &RWFS{
		device: device, sbBackend: sbBackend, mode: mode, keyGen: keyGen,
		sb: sb, bitmap: bitmap, counters: &Counters{}, itbl: itbl,
		icac: lru.New[vfs.InodeID, *Inode](cacheCap),
	}, nil
}

// New formats a brand-new, empty writable image on device/sbBackend and
// returns the mounted filesystem plus the root FSMode the caller must
// persist out of band to open it again.
func New(device storage.Device, sbBackend storage.Backend, encrypted bool, inodeCacheCap int) (*RWFS, vfs.FSModeBytes, error) {
	var keyGen *crypto.KeyGen
	if encrypted {
		kg, err := crypto.NewKeyGen()
		if err != nil {
			return nil, vfs.FSModeBytes{}, err
		}
		keyGen = kg
	}

	itblBackend, err := device.Create(hashName(itblObjectHash))
	if err != nil {
		return nil, vfs.FSModeBytes{}, err
	}
	itbl, err := htree.NewRWHashTree(DefaultDataCacheCap, itblBackend, 0, nil, encrypted)
	if err != nil {
		return nil, vfs.FSModeBytes{}, err
	}

	bitmap := NewBitMap(nil)
	bitmap.used[0] = struct{}{} // InodeID 0 means "none"; never allocate it

	cacheCap := inodeCacheCap
	if cacheCap <= 0 {
		cacheCap = DefaultInodeCacheCap
	}

	fs := &RWFS{
		device: device, sbBackend: sbBackend,
		mode:   crypto.FSMode{Encrypted: encrypted},
		keyGen: keyGen,
		sb:     &SuperBlock{Encrypted: encrypted, IbitmapStart: 1, ItblName: itblObjectHash},
		bitmap: bitmap, counters: &Counters{}, itbl: itbl,
		icac: lru.New[vfs.InodeID, *Inode](cacheCap),
	}

	root, err := NewInode(vfs.RootInodeID, vfs.RootInodeID, vfs.Dir, 0, 0, 0755, device, encrypted, fs.counters)
	if err != nil {
		return nil, vfs.FSModeBytes{}, err
	}
	bitmap.used[uint64(vfs.RootInodeID)] = struct{}{}
	bitmap.possibleFreePos = uint64(vfs.RootInodeID) + 1
	if err := fs.writeBackInode(vfs.RootInodeID, root); err != nil {
		return nil, vfs.FSModeBytes{}, err
	}

	fs.mu.Lock()
	err = fs.syncAllLocked()
	fs.mu.Unlock()
	if err != nil {
		return nil, vfs.FSModeBytes{}, err
	}

	return fs, vfs.FSModeBytes{
		Encrypted: fs.mode.Encrypted, Key: fs.mode.Key, MAC: fs.mode.MAC, Hash: fs.mode.Hash,
	}, nil
}

func iidToHtreeLogiPos(iid vfs.InodeID) uint64 { return uint64(iid) * InodeSize }

func (fs *RWFS) fetchInode(iid vfs.InodeID) (*Inode, error) {
	raw := make([]byte, InodeSize)
	if _, err := fs.itbl.ReadExact(iidToHtreeLogiPos(iid), raw); err != nil {
		return nil, err
	}
	return NewInodeFromRaw(raw, iid, fs.device, fs.mode.Encrypted, fs.counters)
}

// syncInodeMeta flushes data (resolving any pending inline/external
// promotion) then writes the resulting fixed-size record into the inode
// table. Order matters: SyncMeta must observe SyncData's outcome.
func (fs *RWFS) syncInodeMeta(iid vfs.InodeID, ino *Inode) error {
	if err := ino.SyncData(); err != nil {
		return err
	}
	raw, err := ino.SyncMeta()
	if err != nil {
		return err
	}
	_, err = fs.itbl.WriteExact(iidToHtreeLogiPos(iid), raw)
	return err
}

func (fs *RWFS) writeBackInode(iid vfs.InodeID, ino *Inode) error {
	return fs.syncInodeMeta(iid, ino)
}

// getInode returns a cache handle to iid's decoded inode; the caller must
// Release it exactly once.
func (fs *RWFS) getInode(iid vfs.InodeID) (*Inode, *lru.Handle[*Inode], error) {
	if h, ok := fs.icac.Get(iid); ok {
		return *h.Value(), h, nil
	}
	ino, err := fs.fetchInode(iid)
	if err != nil {
		return nil, nil, err
	}
	h, evicted, err := fs.icac.InsertAndGet(iid, ino)
	if err != nil {
		return nil, nil, err
	}
	if evicted != nil {
		if err := fs.writeBackInode(evicted.Key, evicted.Value); err != nil {
			return nil, nil, err
		}
	}
	return ino, h, nil
}

// cacheNewInode inserts a freshly created inode into the cache, marking
// it dirty so it gets written out on first eviction or sync.
func (fs *RWFS) cacheNewInode(iid vfs.InodeID, ino *Inode) error {
	h, evicted, err := fs.icac.InsertAndGet(iid, ino)
	if err != nil {
		return fs.writeBackInode(iid, ino)
	}
	fs.icac.MarkDirty(iid)
	fs.icac.Release(h)
	if evicted != nil {
		return fs.writeBackInode(evicted.Key, evicted.Value)
	}
	return nil
}

// removeInode deletes iid's external data object (if any) and frees its
// inode slot. Any cached copy is dropped without write-back: its on-disk
// record no longer matters once the slot is freed.
func (fs *RWFS) removeInode(iid vfs.InodeID) error {
	ino, h, err := fs.getInode(iid)
	if err != nil {
		return err
	}
	if err := ino.RemoveDataFile(); err != nil {
		fs.icac.Release(h)
		return err
	}
	fs.icac.Release(h)
	fs.icac.ForgetIf(func(k vfs.InodeID) bool { return k == iid })
	return fs.bitmap.Free(uint64(iid))
}

func (fs *RWFS) genRootKey(pos uint64) (*crypto.Key128, error) {
	if !fs.mode.Encrypted {
		return nil, nil
	}
	k, err := fs.keyGen.GenKey(pos)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// flushBitmapAndSuperLocked folds accumulated counters into the
// superblock, re-seals the bitmap blocks and the superblock itself, and
// writes them out. Caller must hold fs.mu.
func (fs *RWFS) flushBitmapAndSuperLocked() error {
	files, blocks := fs.counters.Take()
	fs.sb.ApplyDelta(files, blocks)

	itblMode := fs.itbl.RootMode()
	fs.sb.ItblKE = itblMode.IntoKeyEntry()
	fs.sb.ItblLen = htree.GetPhyNrBlk(fs.itbl.LogiLen())

	blks := fs.bitmap.Write()
	if err := fs.sbBackend.ExpandLen(fs.sb.IbitmapStart + uint64(len(blks))); err != nil {
		return err
	}
	ke := make([]crypto.KeyEntry, len(blks))
	for i := range blks {
		pos := fs.sb.IbitmapStart + uint64(i)
		key, err := fs.genRootKey(pos)
		if err != nil {
			return err
		}
		mode, err := crypto.CryptoOut(&blks[i], key, pos)
		if err != nil {
			return err
		}
		if err := fs.sbBackend.WriteBlk(pos, &blks[i]); err != nil {
			return err
		}
		ke[i] = mode.IntoKeyEntry()
	}
	fs.sb.IbitmapKE = ke

	key, err := fs.genRootKey(SuperBlockPos)
	if err != nil {
		return err
	}
	sbBlk, mode, err := fs.sb.Encode(key)
	if err != nil {
		return err
	}
	if err := fs.sbBackend.WriteBlk(SuperBlockPos, &sbBlk); err != nil {
		return err
	}
	fs.mode = mode
	return nil
}

func (fs *RWFS) syncAllLocked() error {
	for _, ev := range fs.icac.FlushUnusedDirty() {
		if err := fs.syncInodeMeta(ev.Key, ev.Value); err != nil {
			return err
		}
	}
	if _, err := fs.itbl.Flush(); err != nil {
		return err
	}
	return fs.flushBitmapAndSuperLocked()
}

// --- vfs.FileSystem ---

func (fs *RWFS) Init() error { return nil }

func (fs *RWFS) Destroy() (vfs.FSModeBytes, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.syncAllLocked(); err != nil {
		return vfs.FSModeBytes{}, err
	}
	return vfs.FSModeBytes{
		Encrypted: fs.mode.Encrypted, Key: fs.mode.Key, MAC: fs.mode.MAC, Hash: fs.mode.Hash,
	}, nil
}

func (fs *RWFS) FInfo() (vfs.FsInfo, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.sb.FsInfo(), nil
}

// Fsync always performs both a data-sync and a metadata-sync regardless
// of datasync: the data root key entry lives inside the fixed-size inode
// record, so a data-only sync still has to rewrite that record to stay
// self-consistent.
func (fs *RWFS) Fsync(datasync bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_ = datasync
	return fs.syncAllLocked()
}

func (fs *RWFS) IRead(iid vfs.InodeID, offset uint64, buf []byte) (int, error) {
	ino, h, err := fs.getInode(iid)
	if err != nil {
		return 0, err
	}
	defer fs.icac.Release(h)
	return ino.ReadData(offset, buf)
}

func (fs *RWFS) IWrite(iid vfs.InodeID, offset uint64, data []byte) (int, error) {
	ino, h, err := fs.getInode(iid)
	if err != nil {
		return 0, err
	}
	defer fs.icac.Release(h)
	n, err := ino.WriteData(offset, data)
	if err != nil {
		return n, err
	}
	fs.icac.MarkDirty(iid)
	return n, nil
}

func (fs *RWFS) GetMeta(iid vfs.InodeID) (vfs.Metadata, error) {
	ino, h, err := fs.getInode(iid)
	if err != nil {
		return vfs.Metadata{}, err
	}
	defer fs.icac.Release(h)
	return ino.GetMeta(), nil
}

func (fs *RWFS) SetMeta(iid vfs.InodeID, set vfs.SetMetadata) error {
	ino, h, err := fs.getInode(iid)
	if err != nil {
		return err
	}
	defer fs.icac.Release(h)
	if err := ino.SetMeta(set); err != nil {
		return err
	}
	fs.icac.MarkDirty(iid)
	return nil
}

func (fs *RWFS) IReadLink(iid vfs.InodeID) (string, error) {
	ino, h, err := fs.getInode(iid)
	if err != nil {
		return "", err
	}
	defer fs.icac.Release(h)
	return ino.GetLink()
}

func (fs *RWFS) ISetLink(iid vfs.InodeID, target string) error {
	ino, h, err := fs.getInode(iid)
	if err != nil {
		return err
	}
	defer fs.icac.Release(h)
	if err := ino.SetLink(target); err != nil {
		return err
	}
	fs.icac.MarkDirty(iid)
	return nil
}

func (fs *RWFS) ISyncMeta(iid vfs.InodeID) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	ino, h, err := fs.getInode(iid)
	if err != nil {
		return err
	}
	defer fs.icac.Release(h)
	if err := fs.syncInodeMeta(iid, ino); err != nil {
		return err
	}
	fs.icac.UnmarkDirty(iid)
	return nil
}

func (fs *RWFS) ISyncData(iid vfs.InodeID) error {
	ino, h, err := fs.getInode(iid)
	if err != nil {
		return err
	}
	defer fs.icac.Release(h)
	return ino.SyncData()
}

func (fs *RWFS) Create(parent vfs.InodeID, name string, ftype vfs.FileType, uid, gid uint32, perm vfs.FilePerm) (vfs.InodeID, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	pino, ph, err := fs.getInode(parent)
	if err != nil {
		return 0, err
	}
	defer fs.icac.Release(ph)
	if pino.Type() != vfs.Dir {
		return 0, vfs.New(vfs.ErrNotADirectory)
	}
	if _, ok, err := pino.FindChild(name); err != nil {
		return 0, err
	} else if ok {
		return 0, vfs.New(vfs.ErrAlreadyExists)
	}

	iid := vfs.InodeID(fs.bitmap.Alloc())
	ino, err := NewInode(iid, parent, ftype, uid, gid, perm, fs.device, fs.mode.Encrypted, fs.counters)
	if err != nil {
		fs.bitmap.Free(uint64(iid))
		return 0, err
	}

	if err := pino.AddChild(name, ftype, iid); err != nil {
		fs.bitmap.Free(uint64(iid))
		return 0, err
	}
	fs.icac.MarkDirty(parent)

	if err := fs.cacheNewInode(iid, ino); err != nil {
		return 0, err
	}
	return iid, nil
}

func (fs *RWFS) Link(parent vfs.InodeID, name string, target vfs.InodeID) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	pino, ph, err := fs.getInode(parent)
	if err != nil {
		return err
	}
	defer fs.icac.Release(ph)
	if pino.Type() != vfs.Dir {
		return vfs.New(vfs.ErrNotADirectory)
	}
	if _, ok, err := pino.FindChild(name); err != nil {
		return err
	} else if ok {
		return vfs.New(vfs.ErrAlreadyExists)
	}

	tino, th, err := fs.getInode(target)
	if err != nil {
		return err
	}
	defer fs.icac.Release(th)
	if tino.Type() == vfs.Dir {
		return vfs.New(vfs.ErrIsADirectory)
	}

	if err := pino.AddChild(name, tino.Type(), target); err != nil {
		return err
	}
	fs.icac.MarkDirty(parent)

	tino.SetNLinks(tino.NLinks() + 1)
	fs.icac.MarkDirty(target)
	return nil
}

func (fs *RWFS) Unlink(parent vfs.InodeID, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	pino, ph, err := fs.getInode(parent)
	if err != nil {
		return err
	}
	defer fs.icac.Release(ph)
	if pino.Type() != vfs.Dir {
		return vfs.New(vfs.ErrNotADirectory)
	}

	childIID, ok, err := pino.FindChild(name)
	if err != nil {
		return err
	}
	if !ok {
		return vfs.New(vfs.ErrNotFound)
	}

	cino, ch, err := fs.getInode(childIID)
	if err != nil {
		return err
	}
	tp := cino.Type()
	if tp == vfs.Dir && cino.entryCount() > 2 {
		fs.icac.Release(ch)
		return vfs.New(vfs.ErrDirectoryNotEmpty)
	}
	nlinks := cino.NLinks()
	fs.icac.Release(ch)

	if _, _, err := pino.RemoveChild(name); err != nil {
		return err
	}
	fs.icac.MarkDirty(parent)

	if tp == vfs.Dir || nlinks <= 1 {
		return fs.removeInode(childIID)
	}

	ino2, h2, err := fs.getInode(childIID)
	if err != nil {
		return err
	}
	ino2.SetNLinks(nlinks - 1)
	fs.icac.MarkDirty(childIID)
	fs.icac.Release(h2)
	return nil
}

func (fs *RWFS) Symlink(parent vfs.InodeID, name, target string, uid, gid uint32) (vfs.InodeID, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	pino, ph, err := fs.getInode(parent)
	if err != nil {
		return 0, err
	}
	defer fs.icac.Release(ph)
	if pino.Type() != vfs.Dir {
		return 0, vfs.New(vfs.ErrNotADirectory)
	}
	if _, ok, err := pino.FindChild(name); err != nil {
		return 0, err
	} else if ok {
		return 0, vfs.New(vfs.ErrAlreadyExists)
	}

	iid := vfs.InodeID(fs.bitmap.Alloc())
	ino, err := NewInode(iid, parent, vfs.Lnk, uid, gid, 0777, fs.device, fs.mode.Encrypted, fs.counters)
	if err != nil {
		fs.bitmap.Free(uint64(iid))
		return 0, err
	}
	if err := ino.SetLink(target); err != nil {
		fs.bitmap.Free(uint64(iid))
		return 0, err
	}

	if err := pino.AddChild(name, vfs.Lnk, iid); err != nil {
		fs.bitmap.Free(uint64(iid))
		return 0, err
	}
	fs.icac.MarkDirty(parent)

	if err := fs.cacheNewInode(iid, ino); err != nil {
		return 0, err
	}
	return iid, nil
}

func (fs *RWFS) Rename(from vfs.InodeID, name string, to vfs.InodeID, newname string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fromIno, fh, err := fs.getInode(from)
	if err != nil {
		return err
	}
	defer fs.icac.Release(fh)
	if fromIno.Type() != vfs.Dir {
		return vfs.New(vfs.ErrNotADirectory)
	}

	if from == to {
		if err := fromIno.RenameChild(name, newname); err != nil {
			return err
		}
		fs.icac.MarkDirty(from)
		return nil
	}

	toIno, th, err := fs.getInode(to)
	if err != nil {
		return err
	}
	defer fs.icac.Release(th)
	if toIno.Type() != vfs.Dir {
		return vfs.New(vfs.ErrNotADirectory)
	}
	if _, ok, err := toIno.FindChild(newname); err != nil {
		return err
	} else if ok {
		return vfs.New(vfs.ErrAlreadyExists)
	}

	iid, tp, err := fromIno.RemoveChild(name)
	if err != nil {
		return err
	}
	if err := toIno.AddChild(newname, tp, iid); err != nil {
		_ = fromIno.AddChild(name, tp, iid)
		return err
	}
	fs.icac.MarkDirty(from)
	fs.icac.MarkDirty(to)
	return nil
}

func (fs *RWFS) Lookup(iid vfs.InodeID, name string) (vfs.InodeID, bool, error) {
	ino, h, err := fs.getInode(iid)
	if err != nil {
		return 0, false, err
	}
	defer fs.icac.Release(h)
	return ino.FindChild(name)
}

func (fs *RWFS) ListDir(iid vfs.InodeID, offset uint64, count int) ([]vfs.DirEntry, error) {
	ino, h, err := fs.getInode(iid)
	if err != nil {
		return nil, err
	}
	defer fs.icac.Release(h)
	var num uint64
	if count > 0 {
		num = uint64(count)
	}
	list, err := ino.ReadChildren(offset, num)
	if err != nil {
		return nil, err
	}
	out := make([]vfs.DirEntry, len(list))
	for i, de := range list {
		out[i] = vfs.DirEntry{IID: de.Ipos, Name: de.Name, FType: de.Tp}
	}
	return out, nil
}

func (fs *RWFS) Fallocate(iid vfs.InodeID, mode vfs.FallocateMode, offset, length uint64) error {
	ino, h, err := fs.getInode(iid)
	if err != nil {
		return err
	}
	defer fs.icac.Release(h)
	if err := ino.Fallocate(mode, offset, length); err != nil {
		return err
	}
	fs.icac.MarkDirty(iid)
	return nil
}
