package rw

import (
	"encoding/binary"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/KarpelesLab/eccfs/crypto"
	"github.com/KarpelesLab/eccfs/htree"
	"github.com/KarpelesLab/eccfs/storage"
	"github.com/KarpelesLab/eccfs/vfs"
)

// DefaultDataCacheCap is the per-file/per-directory hash tree cache size.
const DefaultDataCacheCap = 16

// Counters accumulates file-count and block-count deltas produced by
// inode data promotions, demotions, creations and removals; RWFS folds
// these into the superblock's statfs counters at fsync.
type Counters struct {
	mu     sync.Mutex
	Files  int64
	Blocks int64
}

func (c *Counters) Add(files, blocks int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Files += files
	c.Blocks += blocks
}

// Take returns the accumulated deltas and resets them to zero.
func (c *Counters) Take() (files, blocks int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	files, blocks = c.Files, c.Blocks
	c.Files, c.Blocks = 0, 0
	return
}

func ceilDiv(n, d uint64) uint64 { return (n + d - 1) / d }

func fromUnixSecs(s uint32) time.Time { return time.Unix(int64(s), 0).UTC() }
func toUnixSecs(t time.Time) uint32   { return uint32(t.Unix()) }

// iidHash is the SHA3-256 hash of an inode id's little-endian bytes,
// used to name that inode's data object so the name can be re-derived
// and cross-checked from the id alone.
func iidHash(iid vfs.InodeID) crypto.Hash256 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(iid))
	return crypto.HashBytes(b[:])
}

func iidHashName(iid vfs.InodeID) string {
	h := iidHash(iid)
	return strings.ToUpper(hex.EncodeToString(h[:]))
}

func checkIidHash(iid vfs.InodeID, expect crypto.Hash256) error {
	if iidHash(iid) != expect {
		return vfs.New(vfs.ErrIntegrityCheck)
	}
	return nil
}

func hashName(h crypto.Hash256) string {
	return strings.ToUpper(hex.EncodeToString(h[:]))
}

// DirEntry is one decoded directory entry.
type DirEntry struct {
	Ipos vfs.InodeID
	Tp   vfs.FileType
	Name string
}

type regExt struct {
	dataFileName string
	htreeOrgLen  uint64 // physical blocks, at last sync
	tree         *htree.RWHashTree
}

type regInlineExt struct{ data []byte }

type dirExt struct {
	dataFileName string
	htreeOrgLen  uint64
	tree         *htree.RWHashTree
}

type lnkInlineExt struct{ name string }

type lnkExt struct {
	lnkName      string
	dataFileName string
	nameFileKE   crypto.KeyEntry
}

// Inode is one writable inode: decoded metadata plus a type-specific
// extension, backed by its own data object on device when not inline.
type Inode struct {
	iid      vfs.InodeID
	tp       vfs.FileType
	perm     vfs.FilePerm
	nlinks   uint16
	uid, gid uint32
	atime, ctime, mtime time.Time
	size     uint64 // byte size (reg), total dirent bytes (dir), name length (lnk)

	encrypted bool
	device    storage.Device
	counters  *Counters

	reg       *regExt
	regInline *regInlineExt
	dir       *dirExt
	lnkInline *lnkInlineExt
	lnk       *lnkExt
}

func (ino *Inode) IID() vfs.InodeID   { return ino.iid }
func (ino *Inode) Type() vfs.FileType { return ino.tp }
func (ino *Inode) NLinks() uint16     { return ino.nlinks }
func (ino *Inode) SetNLinks(n uint16) { ino.nlinks = n }

// NewInodeFromRaw decodes one 128-byte inode record, opening its data
// object on device if it isn't stored inline.
func NewInodeFromRaw(raw []byte, iid vfs.InodeID, device storage.Device, encrypted bool, counters *Counters) (*Inode, error) {
	var base DInodeBase
	if err := base.decode(raw); err != nil {
		return nil, err
	}
	tp := fileTypeFromMode(base.Mode)
	ino := &Inode{
		iid: iid, tp: tp, perm: permFromMode(base.Mode), nlinks: base.NLinks,
		uid: base.UID, gid: base.GID,
		atime: fromUnixSecs(base.Atime), ctime: fromUnixSecs(base.Ctime), mtime: fromUnixSecs(base.Mtime),
		size:      base.Size,
		encrypted: encrypted, device: device, counters: counters,
	}

	switch tp {
	case vfs.Reg:
		if base.Size <= RegInlineDataMax {
			d, err := decodeDInodeRegInline(raw)
			if err != nil {
				return nil, err
			}
			data := make([]byte, base.Size)
			copy(data, d.Data[:base.Size])
			ino.regInline = &regInlineExt{data: data}
			return ino, nil
		}
		d, err := decodeDInodeReg(raw)
		if err != nil {
			return nil, err
		}
		if err := checkIidHash(iid, d.DataFile); err != nil {
			return nil, err
		}
		name := hashName(d.DataFile)
		backend, err := device.Open(name)
		if err != nil {
			return nil, err
		}
		mode := crypto.FromKeyEntry(d.DataFileKE, encrypted)
		tree, err := htree.NewRWHashTree(DefaultDataCacheCap, backend, ceilDiv(base.Size, crypto.BlkSize), &mode, encrypted)
		if err != nil {
			return nil, err
		}
		ino.reg = &regExt{dataFileName: name, htreeOrgLen: d.Len, tree: tree}
		return ino, nil
	case vfs.Dir:
		d, err := decodeDInodeDir(raw)
		if err != nil {
			return nil, err
		}
		if err := checkIidHash(iid, d.DataFile); err != nil {
			return nil, err
		}
		name := hashName(d.DataFile)
		backend, err := device.Open(name)
		if err != nil {
			return nil, err
		}
		mode := crypto.FromKeyEntry(d.DataFileKE, encrypted)
		tree, err := htree.NewRWHashTree(DefaultDataCacheCap, backend, ceilDiv(base.Size, crypto.BlkSize), &mode, encrypted)
		if err != nil {
			return nil, err
		}
		ino.dir = &dirExt{dataFileName: name, htreeOrgLen: d.Len, tree: tree}
		return ino, nil
	case vfs.Lnk:
		if base.Size <= LnkInlineMax {
			d, err := decodeDInodeLnkInline(raw)
			if err != nil {
				return nil, err
			}
			ino.lnkInline = &lnkInlineExt{name: string(d.Name[:base.Size])}
			return ino, nil
		}
		d, err := decodeDInodeLnk(raw)
		if err != nil {
			return nil, err
		}
		if err := checkIidHash(iid, d.DataFile); err != nil {
			return nil, err
		}
		name := hashName(d.DataFile)
		backend, err := device.Open(name)
		if err != nil {
			return nil, err
		}
		var blk crypto.Block
		if err := backend.ReadBlkTo(0, &blk); err != nil {
			return nil, err
		}
		hint := crypto.HintFromKeyEntry(d.NameFileKE, encrypted, 0)
		if err := crypto.CryptoIn(&blk, hint); err != nil {
			return nil, err
		}
		ino.lnk = &lnkExt{lnkName: string(blk[:base.Size]), dataFileName: name, nameFileKE: d.NameFileKE}
		return ino, nil
	default:
		return nil, vfs.New(vfs.ErrInvalidData)
	}
}

// NewInode creates a fresh inode of the given type. Directories get their
// data object and "."/".." entries immediately; regular files and symlinks
// start out empty and inline.
func NewInode(iid, parentIid vfs.InodeID, tp vfs.FileType, uid, gid uint32, perm vfs.FilePerm, device storage.Device, encrypted bool, counters *Counters) (*Inode, error) {
	now := time.Now()
	ino := &Inode{
		iid: iid, tp: tp, perm: perm, nlinks: 1, uid: uid, gid: gid,
		atime: now, ctime: now, mtime: now,
		encrypted: encrypted, device: device, counters: counters,
	}
	switch tp {
	case vfs.Reg:
		ino.regInline = &regInlineExt{data: []byte{}}
	case vfs.Dir:
		name := iidHashName(iid)
		backend, err := device.Create(name)
		if err != nil {
			return nil, err
		}
		tree, err := htree.NewRWHashTree(DefaultDataCacheCap, backend, 0, nil, encrypted)
		if err != nil {
			return nil, err
		}
		dot := DiskDirEntry{Ipos: iid, Tp: uint16(tp), Len: 1}
		copy(dot.Name[:], ".")
		dotdot := DiskDirEntry{Ipos: parentIid, Tp: uint16(tp), Len: 2}
		copy(dotdot.Name[:], "..")
		buf := append(dot.encode(), dotdot.encode()...)
		if _, err := tree.WriteExact(0, buf); err != nil {
			return nil, err
		}
		ino.size = 2 * DirentSize
		phyLen := htree.GetPhyNrBlk(tree.LogiLen())
		ino.dir = &dirExt{dataFileName: name, htreeOrgLen: phyLen, tree: tree}
		counters.Add(1, int64(phyLen))
	case vfs.Lnk:
		ino.lnkInline = &lnkInlineExt{name: ""}
	}
	return ino, nil
}

// ReadData reads up to len(to) bytes of a regular file's content.
func (ino *Inode) ReadData(offset uint64, to []byte) (int, error) {
	if ino.tp != vfs.Reg {
		return 0, vfs.New(vfs.ErrPermissionDenied)
	}
	if offset >= ino.size {
		return 0, vfs.New(vfs.ErrInvalidParameter)
	}
	readable := ino.size - offset
	if uint64(len(to)) < readable {
		readable = uint64(len(to))
	}
	if ino.regInline != nil {
		copy(to[:readable], ino.regInline.data[offset:offset+readable])
		return int(readable), nil
	}
	return ino.reg.tree.ReadExact(offset, to[:readable])
}

// WriteData writes from at offset, growing the file and, past
// RegInlineExpandThreshold, promoting it out of line.
func (ino *Inode) WriteData(offset uint64, from []byte) (int, error) {
	if ino.tp != vfs.Reg {
		return 0, vfs.New(vfs.ErrPermissionDenied)
	}
	writeEnd := offset + uint64(len(from))
	if err := ino.possibleExpandToHtree(writeEnd); err != nil {
		return 0, err
	}
	if ino.reg != nil {
		n, err := ino.reg.tree.WriteExact(offset, from)
		if err != nil {
			return 0, err
		}
		if writeEnd > ino.size {
			ino.size = writeEnd
		}
		return n, nil
	}
	d := ino.regInline.data
	if writeEnd > uint64(len(d)) {
		grown := make([]byte, writeEnd)
		copy(grown, d)
		d = grown
		ino.regInline.data = d
	}
	copy(d[offset:writeEnd], from)
	if writeEnd > ino.size {
		ino.size = writeEnd
	}
	return len(from), nil
}

func (ino *Inode) possibleExpandToHtree(writeEnd uint64) error {
	if ino.regInline == nil {
		return nil
	}
	if writeEnd > RegInlineExpandThreshold {
		return ino.regExpandToHtree()
	}
	return nil
}

func (ino *Inode) regExpandToHtree() error {
	data := ino.regInline.data
	name := iidHashName(ino.iid)
	backend, err := ino.device.Create(name)
	if err != nil {
		return err
	}
	tree, err := htree.NewRWHashTree(DefaultDataCacheCap, backend, 0, nil, ino.encrypted)
	if err != nil {
		return err
	}
	if len(data) > 0 {
		if _, err := tree.WriteExact(0, data); err != nil {
			return err
		}
	}
	phyLen := htree.GetPhyNrBlk(tree.LogiLen())
	ino.counters.Add(1, int64(phyLen))
	ino.reg = &regExt{dataFileName: name, htreeOrgLen: phyLen, tree: tree}
	ino.regInline = nil
	return nil
}

func (ino *Inode) regShrinkToInline() error {
	d := make([]byte, ino.size)
	if ino.size > 0 {
		if _, err := ino.reg.tree.ReadExact(0, d); err != nil {
			return err
		}
	}
	if err := ino.removeFsFile(ino.reg.dataFileName, htree.GetPhyNrBlk(ino.reg.tree.LogiLen())); err != nil {
		return err
	}
	ino.regInline = &regInlineExt{data: d}
	ino.reg = nil
	return nil
}

func (ino *Inode) removeFsFile(name string, nrBlk uint64) error {
	if err := ino.device.Remove(name); err != nil {
		return err
	}
	ino.counters.Add(-1, -int64(nrBlk))
	return nil
}

// SetFileLen implements set_meta(Size) / truncate semantics.
func (ino *Inode) SetFileLen(newSz uint64) error {
	if ino.tp != vfs.Reg {
		return vfs.New(vfs.ErrPermissionDenied)
	}
	if err := ino.possibleExpandToHtree(newSz); err != nil {
		return err
	}
	if ino.reg != nil {
		if err := ino.reg.tree.Resize(ceilDiv(newSz, crypto.BlkSize)); err != nil {
			return err
		}
	} else {
		d := ino.regInline.data
		if newSz > uint64(len(d)) {
			grown := make([]byte, newSz)
			copy(grown, d)
			d = grown
		} else {
			d = d[:newSz]
		}
		ino.regInline.data = d
	}
	ino.size = newSz
	return nil
}

// GetMeta renders stat-like metadata for this inode.
func (ino *Inode) GetMeta() vfs.Metadata {
	size := ino.size
	var blocks uint64
	switch ino.tp {
	case vfs.Lnk:
		size = 0
	case vfs.Reg:
		blocks = ceilDiv(ino.size, crypto.BlkSize)
	}
	return vfs.Metadata{
		IID: ino.iid, FType: ino.tp, Perm: ino.perm, NLinks: ino.nlinks,
		UID: ino.uid, GID: ino.gid, Size: size, Blocks: blocks,
		Atime: ino.atime, Ctime: ino.ctime, Mtime: ino.mtime,
	}
}

// SetMeta applies a partial metadata update.
func (ino *Inode) SetMeta(set vfs.SetMetadata) error {
	if set.Size != nil {
		if err := ino.SetFileLen(*set.Size); err != nil {
			return err
		}
	}
	if set.Atime != nil {
		ino.atime = *set.Atime
	}
	if set.Ctime != nil {
		ino.ctime = *set.Ctime
	}
	if set.Mtime != nil {
		ino.mtime = *set.Mtime
	}
	if set.Perm != nil {
		ino.perm = *set.Perm
	}
	if set.UID != nil {
		ino.uid = *set.UID
	}
	if set.GID != nil {
		ino.gid = *set.GID
	}
	return nil
}

// GetLink returns a symlink's target.
func (ino *Inode) GetLink() (string, error) {
	if ino.tp != vfs.Lnk {
		return "", vfs.New(vfs.ErrPermissionDenied)
	}
	if ino.lnkInline != nil {
		return ino.lnkInline.name, nil
	}
	return ino.lnk.lnkName, nil
}

// SetLink replaces a symlink's target. Promotion to/from an external name
// file happens lazily at sync, mirroring regular-file inline promotion.
func (ino *Inode) SetLink(target string) error {
	if ino.tp != vfs.Lnk {
		return vfs.New(vfs.ErrPermissionDenied)
	}
	if ino.lnkInline != nil {
		ino.lnkInline.name = target
	} else {
		ino.lnk.lnkName = target
	}
	ino.size = uint64(len(target))
	return nil
}

func (ino *Inode) entryCount() uint64 { return ino.size / DirentSize }

// ReadChildren reads up to num entries starting at entry offset (num == 0
// means "as many as remain").
func (ino *Inode) ReadChildren(offset, num uint64) ([]DirEntry, error) {
	if ino.tp != vfs.Dir {
		return nil, vfs.New(vfs.ErrPermissionDenied)
	}
	total := ino.entryCount()
	if offset >= total {
		return nil, nil
	}
	avail := total - offset
	if num == 0 || num > avail {
		num = avail
	}
	buf := make([]byte, num*DirentSize)
	if _, err := ino.dir.tree.ReadExact(offset*DirentSize, buf); err != nil {
		return nil, err
	}
	out := make([]DirEntry, num)
	for i := range out {
		de := decodeDiskDirEntry(buf[i*DirentSize : (i+1)*DirentSize])
		out[i] = DirEntry{Ipos: de.Ipos, Tp: vfs.FileType(de.Tp), Name: string(de.Name[:de.Len])}
	}
	return out, nil
}

// FindChild looks up a name by linear scan.
func (ino *Inode) FindChild(name string) (vfs.InodeID, bool, error) {
	total := ino.entryCount()
	var done uint64
	for done < total {
		round := uint64(DirentPerBlk)
		if round > total-done {
			round = total - done
		}
		list, err := ino.ReadChildren(done, round)
		if err != nil {
			return 0, false, err
		}
		for _, de := range list {
			if de.Name == name {
				return de.Ipos, true, nil
			}
		}
		done += round
	}
	return 0, false, nil
}

func (ino *Inode) findChildPos(name string) (uint64, DirEntry, bool, error) {
	total := ino.entryCount()
	var done uint64
	for done < total {
		round := uint64(DirentPerBlk)
		if round > total-done {
			round = total - done
		}
		list, err := ino.ReadChildren(done, round)
		if err != nil {
			return 0, DirEntry{}, false, err
		}
		for i, de := range list {
			if de.Name == name {
				return done + uint64(i), de, true, nil
			}
		}
		done += round
	}
	return 0, DirEntry{}, false, nil
}

// AddChild appends a new directory entry, failing if name already exists.
func (ino *Inode) AddChild(name string, tp vfs.FileType, iid vfs.InodeID) error {
	if ino.tp != vfs.Dir {
		return vfs.New(vfs.ErrPermissionDenied)
	}
	if len(name) > DirentNameMax {
		return vfs.New(vfs.ErrInvalidParameter)
	}
	if _, ok, err := ino.FindChild(name); err != nil {
		return err
	} else if ok {
		return vfs.New(vfs.ErrAlreadyExists)
	}
	de := DiskDirEntry{Ipos: iid, Tp: uint16(tp), Len: uint16(len(name))}
	copy(de.Name[:], name)
	if _, err := ino.dir.tree.WriteExact(ino.size, de.encode()); err != nil {
		return err
	}
	ino.size += DirentSize
	return nil
}

// RenameChild renames an existing entry in place.
func (ino *Inode) RenameChild(name, newname string) error {
	if len(newname) > DirentNameMax {
		return vfs.New(vfs.ErrInvalidParameter)
	}
	if _, ok, err := ino.FindChild(newname); err != nil {
		return err
	} else if ok {
		return vfs.New(vfs.ErrAlreadyExists)
	}
	pos, de, ok, err := ino.findChildPos(name)
	if err != nil {
		return err
	}
	if !ok {
		return vfs.New(vfs.ErrNotFound)
	}
	disk := DiskDirEntry{Ipos: de.Ipos, Tp: uint16(de.Tp), Len: uint16(len(newname))}
	copy(disk.Name[:], newname)
	_, err = ino.dir.tree.WriteExact(pos*DirentSize, disk.encode())
	return err
}

// RemoveChild removes an entry, swap-compacting the last entry into its
// place to keep the entry list dense.
func (ino *Inode) RemoveChild(name string) (vfs.InodeID, vfs.FileType, error) {
	pos, de, ok, err := ino.findChildPos(name)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, vfs.New(vfs.ErrNotFound)
	}
	lastPos := ino.size - DirentSize
	if pos*DirentSize != lastPos {
		last := make([]byte, DirentSize)
		if _, err := ino.dir.tree.ReadExact(lastPos, last); err != nil {
			return 0, 0, err
		}
		if _, err := ino.dir.tree.WriteExact(pos*DirentSize, last); err != nil {
			return 0, 0, err
		}
	}
	ino.size -= DirentSize
	return de.Ipos, de.Tp, nil
}

// Fallocate implements both pre-allocation and zero-range. Unlike the
// source this was ported from, the new size after a zero-range is
// max(size, end) -- POSIX fallocate never shrinks a file.
func (ino *Inode) Fallocate(mode vfs.FallocateMode, offset, length uint64) error {
	if ino.tp != vfs.Reg {
		return vfs.New(vfs.ErrPermissionDenied)
	}
	end := offset + length
	if err := ino.possibleExpandToHtree(end); err != nil {
		return err
	}
	if mode == vfs.FallocateAlloc {
		if ino.reg != nil {
			if err := ino.reg.tree.Resize(ceilDiv(end, crypto.BlkSize)); err != nil {
				return err
			}
		} else {
			d := ino.regInline.data
			if end > uint64(len(d)) {
				grown := make([]byte, end)
				copy(grown, d)
				ino.regInline.data = grown
			}
		}
	} else {
		if ino.reg != nil {
			if err := ino.reg.tree.ZeroRange(offset, length); err != nil {
				return err
			}
		} else {
			d := ino.regInline.data
			if end > uint64(len(d)) {
				grown := make([]byte, end)
				copy(grown, d)
				d = grown
				ino.regInline.data = d
			}
			for i := offset; i < end; i++ {
				d[i] = 0
			}
		}
	}
	if end > ino.size {
		ino.size = end
	}
	return nil
}

// writeLnkFile writes target into its own single-block data object. Each
// symlink's name file gets a fresh key generator, exactly as each regular
// file or directory's hash tree does internally: sharing one generator
// across independent objects at the same block position (0) would reuse
// the same derived key for all of them.
func (ino *Inode) writeLnkFile(name, target string) (crypto.KeyEntry, error) {
	backend, err := ino.device.Create(name)
	if err != nil {
		return crypto.KeyEntry{}, err
	}
	if err := backend.ExpandLen(1); err != nil {
		return crypto.KeyEntry{}, err
	}
	var key *crypto.Key128
	if ino.encrypted {
		kg, err := crypto.NewKeyGen()
		if err != nil {
			return crypto.KeyEntry{}, err
		}
		k, err := kg.GenKey(0)
		if err != nil {
			return crypto.KeyEntry{}, err
		}
		key = &k
	}
	var blk crypto.Block
	copy(blk[:], target)
	mode, err := crypto.CryptoOut(&blk, key, 0)
	if err != nil {
		return crypto.KeyEntry{}, err
	}
	if err := backend.WriteBlk(0, &blk); err != nil {
		return crypto.KeyEntry{}, err
	}
	return mode.IntoKeyEntry(), nil
}

// SyncData flushes pending data and re-evaluates inline/external
// representation for regular files and symlinks.
func (ino *Inode) SyncData() error {
	switch {
	case ino.reg != nil && ino.size <= RegInlineDataMax:
		if err := ino.regShrinkToInline(); err != nil {
			return err
		}
	case ino.regInline != nil && ino.size > RegInlineDataMax:
		if err := ino.regExpandToHtree(); err != nil {
			return err
		}
	}

	if ino.reg != nil {
		if _, err := ino.reg.tree.Flush(); err != nil {
			return err
		}
	}
	if ino.dir != nil {
		if _, err := ino.dir.tree.Flush(); err != nil {
			return err
		}
	}

	switch {
	case ino.lnkInline != nil && len(ino.lnkInline.name) > LnkInlineMax:
		name := iidHashName(ino.iid)
		ke, err := ino.writeLnkFile(name, ino.lnkInline.name)
		if err != nil {
			return err
		}
		ino.lnk = &lnkExt{lnkName: ino.lnkInline.name, dataFileName: name, nameFileKE: ke}
		ino.lnkInline = nil
		ino.counters.Add(1, 1)
	case ino.lnk != nil && len(ino.lnk.lnkName) <= LnkInlineMax:
		if err := ino.removeFsFile(ino.lnk.dataFileName, 1); err != nil {
			return err
		}
		ino.lnkInline = &lnkInlineExt{name: ino.lnk.lnkName}
		ino.lnk = nil
	}
	return nil
}

// SyncMeta encodes this inode's current state into a fixed InodeSize
// record. Call after SyncData so any pending htree flush is reflected in
// the tree's root mode.
func (ino *Inode) SyncMeta() ([]byte, error) {
	base := DInodeBase{
		Mode: modeFromTypeAndPerm(ino.tp, ino.perm), NLinks: ino.nlinks,
		UID: ino.uid, GID: ino.gid,
		Atime: toUnixSecs(ino.atime), Ctime: toUnixSecs(ino.ctime), Mtime: toUnixSecs(ino.mtime),
		Size: ino.size,
	}
	switch {
	case ino.reg != nil:
		mode := ino.reg.tree.RootMode()
		d := DInodeReg{Base: base, DataFileKE: mode.IntoKeyEntry(), DataFile: iidHash(ino.iid), Len: htree.GetPhyNrBlk(ino.reg.tree.LogiLen())}
		return d.encode(), nil
	case ino.regInline != nil:
		d := DInodeRegInline{Base: base}
		copy(d.Data[:], ino.regInline.data)
		return d.encode(), nil
	case ino.dir != nil:
		mode := ino.dir.tree.RootMode()
		d := DInodeDir{Base: base, DataFileKE: mode.IntoKeyEntry(), DataFile: iidHash(ino.iid), Len: htree.GetPhyNrBlk(ino.dir.tree.LogiLen())}
		return d.encode(), nil
	case ino.lnk != nil:
		d := DInodeLnk{Base: base, NameFileKE: ino.lnk.nameFileKE, DataFile: iidHash(ino.iid), Len: 1}
		return d.encode(), nil
	case ino.lnkInline != nil:
		d := DInodeLnkInline{Base: base}
		copy(d.Name[:], ino.lnkInline.name)
		return d.encode(), nil
	default:
		return nil, vfs.New(vfs.ErrUnknown)
	}
}

// Destroy flushes data then encodes final metadata, in the order required
// so SyncMeta observes SyncData's possible inline/external conversion.
func (ino *Inode) Destroy() ([]byte, error) {
	if err := ino.SyncData(); err != nil {
		return nil, err
	}
	return ino.SyncMeta()
}

// RemoveDataFile deletes this inode's external data object, if any. Called
// once an inode's link count reaches zero and it is being deleted outright.
func (ino *Inode) RemoveDataFile() error {
	switch {
	case ino.reg != nil:
		return ino.removeFsFile(ino.reg.dataFileName, htree.GetPhyNrBlk(ino.reg.tree.LogiLen()))
	case ino.dir != nil:
		return ino.removeFsFile(ino.dir.dataFileName, htree.GetPhyNrBlk(ino.dir.tree.LogiLen()))
	case ino.lnk != nil:
		return ino.removeFsFile(ino.lnk.dataFileName, 1)
	default:
		return nil
	}
}
