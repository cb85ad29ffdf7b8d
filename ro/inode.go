package ro

import (
	"time"

	"github.com/KarpelesLab/eccfs/crypto"
	"github.com/KarpelesLab/eccfs/htree"
	"github.com/KarpelesLab/eccfs/storage"
	"github.com/KarpelesLab/eccfs/vfs"
)

// LnkName is a symlink target: either inline in the record or a reference
// into the path table.
type LnkName struct {
	Short string
	Long  bool
	Pos   uint64
	Len   int
}

type dirExt struct {
	deListStart uint64 // byte offset into dirent table
	idxList     []EntryIndex
}

type dirInlineExt struct {
	deList []DirEntry // includes "." and ".."
}

type regExt struct {
	data *htree.ROHashTree
}

type regInlineExt struct {
	data []byte
}

// Inode is one read-only inode: decoded metadata plus a type-specific
// extension (a hash tree for large files, an inline blob for small ones, a
// directory entry list, or a symlink target).
type Inode struct {
	iid    vfs.InodeID
	tp     vfs.FileType
	perm   vfs.FilePerm
	nlinks uint16
	uid    uint32
	gid    uint32
	atime  time.Time
	ctime  time.Time
	mtime  time.Time
	size   uint64 // entry count (dir, + 2), byte size (reg), name length (lnk)

	reg       *regExt
	regInline *regInlineExt
	dir       *dirExt
	dirInline *dirInlineExt
	lnk       *LnkName
}

func fromUnixSecs(s uint32) time.Time {
	return time.Unix(int64(s), 0).UTC()
}

// NewInodeFromRaw decodes one inode record of type tp out of raw, the exact
// bytes previously sized and read by the caller (spec §4.7's "read base,
// discover size, read again" two-step).
func NewInodeFromRaw(raw []byte, iid vfs.InodeID, tp vfs.FileType, backend storage.RBackend, fileSecStart, fileSecLen uint64, encrypted, cacheData bool) (*Inode, error) {
	switch tp {
	case vfs.Reg:
		return newRegInode(raw, iid, backend, fileSecStart, fileSecLen, encrypted, cacheData)
	case vfs.Dir:
		return newDirInode(raw, iid)
	case vfs.Lnk:
		return newLnkInode(raw, iid)
	default:
		return nil, vfs.New(vfs.ErrInvalidData)
	}
}

func newRegInode(raw []byte, iid vfs.InodeID, backend storage.RBackend, fileSecStart, fileSecLen uint64, encrypted, cacheData bool) (*Inode, error) {
	var base DInodeBase
	if err := base.decode(raw); err != nil {
		return nil, err
	}
	ino := &Inode{
		iid: iid, tp: vfs.Reg,
		perm: permFromMode(base.Mode), nlinks: base.NLinks,
		uid: base.UID, gid: base.GID,
		atime: fromUnixSecs(base.Atime), ctime: fromUnixSecs(base.Ctime), mtime: fromUnixSecs(base.Mtime),
		size: base.Size,
	}

	if base.Size <= DIRegInlineDataMax {
		dataStart := dInodeBaseSize
		want := dataStart + alignUp(int(base.Size), InodeAlign)
		if len(raw) < want {
			return nil, vfs.New(vfs.ErrUnexpectedEOF)
		}
		data := make([]byte, base.Size)
		copy(data, raw[dataStart:dataStart+int(base.Size)])
		ino.regInline = &regInlineExt{data: data}
		return ino, nil
	}

	d, err := decodeDInodeReg(raw)
	if err != nil {
		return nil, err
	}
	if fileSecLen == 0 || d.DataStart+d.DataLen > fileSecLen {
		return nil, vfs.New(vfs.ErrInvalidData)
	}
	mode := crypto.FromKeyEntry(d.CryptoBlob, encrypted)
	ino.reg = &regExt{data: htree.NewROHashTree(backend, fileSecStart+d.DataStart, d.DataLen, mode, cacheData)}
	return ino, nil
}

func newDirInode(raw []byte, iid vfs.InodeID) (*Inode, error) {
	var base DInodeBase
	if err := base.decode(raw); err != nil {
		return nil, err
	}
	ino := &Inode{
		iid: iid, tp: vfs.Dir,
		perm: permFromMode(base.Mode), nlinks: base.NLinks,
		uid: base.UID, gid: base.GID,
		atime: fromUnixSecs(base.Atime), ctime: fromUnixSecs(base.Ctime), mtime: fromUnixSecs(base.Mtime),
		size: base.Size + 2,
	}

	nrDe := base.Size
	if nrDe <= DEInlineMax {
		deStart := dInodeBaseSize
		nrDeDot := nrDe + 2
		want := deStart + int(nrDeDot)*dirEntrySize
		if len(raw) < want {
			return nil, vfs.New(vfs.ErrUnexpectedEOF)
		}
		deList := make([]DirEntry, nrDeDot)
		for i := range deList {
			off := deStart + int(i)*dirEntrySize
			deList[i] = decodeDirEntry(raw[off : off+dirEntrySize])
		}
		ino.dirInline = &dirInlineExt{deList: deList}
		return ino, nil
	}

	diDirBase, err := decodeDInodeDirBaseNoInline(raw)
	if err != nil {
		return nil, err
	}
	nrIdx := int(diDirBase.NrIdx)
	var idxList []EntryIndex
	if nrIdx != 0 {
		idxStart := dInodeDirBaseNoInlineSize
		want := idxStart + nrIdx*entryIndexSize
		if len(raw) < want {
			return nil, vfs.New(vfs.ErrUnexpectedEOF)
		}
		idxList = make([]EntryIndex, nrIdx)
		for i := range idxList {
			off := idxStart + i*entryIndexSize
			idxList[i] = decodeEntryIndex(raw[off : off+entryIndexSize])
		}
	}
	blk, off := pos64Split(diDirBase.DeListPos)
	ino.dir = &dirExt{deListStart: pos64ToByte(blk, off), idxList: idxList}
	return ino, nil
}

func newLnkInode(raw []byte, iid vfs.InodeID) (*Inode, error) {
	d, err := decodeDInodeLnk(raw)
	if err != nil {
		return nil, err
	}
	base := d.Base
	ino := &Inode{
		iid: iid, tp: vfs.Lnk,
		perm: permFromMode(base.Mode), nlinks: base.NLinks,
		uid: base.UID, gid: base.GID,
		atime: fromUnixSecs(base.Atime), ctime: fromUnixSecs(base.Ctime), mtime: fromUnixSecs(base.Mtime),
		size: base.Size,
	}
	if base.Size > DINameMaxInline {
		pos := uint64(0)
		for i := 0; i < 8; i++ {
			pos |= uint64(d.Name[i]) << (8 * i)
		}
		ino.lnk = &LnkName{Long: true, Pos: pos, Len: int(base.Size)}
	} else {
		ino.lnk = &LnkName{Short: string(d.Name[:base.Size])}
	}
	return ino, nil
}

// ReadData reads up to len(to) bytes of a regular file's content starting
// at offset.
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
	return ino.reg.data.ReadExact(offset, to[:readable])
}

// GetMeta renders stat-like metadata for this inode.
func (ino *Inode) GetMeta() vfs.Metadata {
	size := ino.size
	var blocks uint64
	switch ino.tp {
	case vfs.Dir:
		size = ino.size * dirEntrySize
	case vfs.Lnk:
		size = 0
	case vfs.Reg:
		blocks = (ino.size + crypto.BlkSize - 1) / crypto.BlkSize
	}
	return vfs.Metadata{
		IID: ino.iid, FType: ino.tp, Perm: ino.perm, NLinks: ino.nlinks,
		UID: ino.uid, GID: ino.gid, Size: size, Blocks: blocks,
		Atime: ino.atime, Ctime: ino.ctime, Mtime: ino.mtime,
	}
}

// GetLink returns a symlink's target descriptor.
func (ino *Inode) GetLink() (*LnkName, error) {
	if ino.tp != vfs.Lnk {
		return nil, vfs.New(vfs.ErrPermissionDenied)
	}
	return ino.lnk, nil
}

// dirEntrySlice is either an inline slice (borrowed from the inode) or an
// external (byte offset, count) pair into the dirent table.
type dirEntrySlice struct {
	inline   []DirEntry
	extStart uint64
	extCount int
	external bool
}

// GetEntryListInfo returns the entry run starting at logical offset, where
// "." and ".." are entries 0 and 1 in both the inline and external
// layouts, or ok=false once offset reaches the end.
func (ino *Inode) GetEntryListInfo(offset uint64) (dirEntrySlice, bool, error) {
	if ino.tp != vfs.Dir {
		return dirEntrySlice{}, false, vfs.New(vfs.ErrPermissionDenied)
	}
	if offset >= ino.size {
		return dirEntrySlice{}, false, nil
	}
	if ino.dirInline != nil {
		return dirEntrySlice{inline: ino.dirInline.deList[offset:]}, true, nil
	}
	return dirEntrySlice{
		external: true,
		extStart: ino.dir.deListStart + offset*dirEntrySize,
		extCount: int(ino.size - offset),
	}, true, nil
}

// LookupIndex resolves a child name's hash-indexed entry run: either an
// inline slice, or an (external byte offset, group length) to scan via the
// dirent table, or "definitely absent" when the hash falls below every
// index entry.
func (ino *Inode) LookupIndex(hash uint64) (dirEntrySlice, bool, error) {
	if ino.tp != vfs.Dir {
		return dirEntrySlice{}, false, vfs.New(vfs.ErrPermissionDenied)
	}
	if ino.dirInline != nil {
		return dirEntrySlice{inline: ino.dirInline.deList}, true, nil
	}
	if len(ino.dir.idxList) == 0 {
		return dirEntrySlice{
			external: true,
			extStart: ino.dir.deListStart + 2*dirEntrySize,
			extCount: int(ino.size - 2),
		}, true, nil
	}
	for i := len(ino.dir.idxList) - 1; i >= 0; i-- {
		ent := ino.dir.idxList[i]
		if hash >= ent.Hash {
			return dirEntrySlice{
				external: true,
				extStart: ino.dir.deListStart + uint64(ent.Position)*dirEntrySize,
				extCount: int(ent.GroupLen),
			}, true, nil
		}
	}
	return dirEntrySlice{}, false, nil
}
