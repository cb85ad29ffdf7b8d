// Package roimage builds a read-only eccfs image (spec §4.9): a single
// reverse sweep that writes every regular file's data straight into the
// image's file section as it is visited, stages the inode, dirent and
// path tables in memory, and finally wraps each staged table in its own
// hash tree before sealing the superblock. Grounded on
// original_source/src/ro/builder.rs, adapted to fix three bugs present in
// that draft (see DESIGN.md): a divide-by-zero in the entry-index sizing,
// a wrong root inode byte offset, and an inverted "does this record fit
// in the current block" check.
package roimage

import (
	"bytes"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/KarpelesLab/eccfs/crypto"
	"github.com/KarpelesLab/eccfs/htree"
	"github.com/KarpelesLab/eccfs/ro"
	"github.com/KarpelesLab/eccfs/storage"
	"github.com/KarpelesLab/eccfs/vfs"
)

// fileSectionStart is the physical block the file section begins at;
// block 0 is reserved for the superblock.
const fileSectionStart uint64 = 1

// dirIndexGroupSize is the number of directory entries each EntryIndex
// record in a non-inline directory summarizes. original_source computed
// a variable group size via a division that panicked when a directory
// needed exactly one index group; fixing that by using a fixed group
// size instead, so the index entry count falls out of a plain ceiling
// division with no degenerate denominator.
const dirIndexGroupSize = 16

func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}

// InodeMeta carries the caller-supplied attributes of one file. NLinks is
// ignored for directories: the builder derives it from the number of
// subdirectories, the way every Unix filesystem does.
type InodeMeta struct {
	Perm   vfs.FilePerm
	UID    uint32
	GID    uint32
	Mtime  time.Time
	NLinks uint16
}

// Child is the handle a Handle* call returns: enough to list it in its
// parent's directory and, if it is itself a directory, to patch its ".."
// entry once the parent's own inode id is known.
type Child struct {
	IID  vfs.InodeID
	Type vfs.FileType

	dotdot *dotdotPatch
}

// NamedChild pairs a Child with the name it is listed under in its
// parent directory.
type NamedChild struct {
	Name string
	Child
}

type dotdotPatch struct {
	external bool
	offset   uint64
}

// Builder assembles a read-only image on backend. Create one with
// NewBuilder, call ReserveRoot with the root's child count before
// processing anything else, feed it the tree bottom-up via
// HandleReg/HandleSym/HandleDir, close it off with FinishRoot, and call
// Finalize to seal the superblock.
type Builder struct {
	backend   storage.Backend
	htb       *htree.Builder
	sbKeyGen  *crypto.KeyGen
	encrypted bool

	fileSecCursor uint64 // physical blocks used so far, relative to fileSectionStart

	itbl []byte
	dtbl []byte
	ptbl []byte

	files uint64

	rootSlot *reservedRoot
}

// NewBuilder creates a Builder that will encrypt every block it writes if
// encrypted is true, or hash them for integrity-only verification if
// false. The whole image shares one crypto mode, matching the single
// FSMode a caller passes to ro.Open.
func NewBuilder(backend storage.Backend, encrypted bool) (*Builder, error) {
	htb, err := htree.NewBuilder(encrypted)
	if err != nil {
		return nil, err
	}
	var kg *crypto.KeyGen
	if encrypted {
		kg, err = crypto.NewKeyGen()
		if err != nil {
			return nil, err
		}
	}
	return &Builder{backend: backend, htb: htb, sbKeyGen: kg, encrypted: encrypted}, nil
}

func offsetToIID(off uint64) vfs.InodeID {
	return vfs.InodeID(ro.Pos64Join(off/crypto.BlkSize, uint16(off%crypto.BlkSize)))
}

// peekInodeOffset returns the byte offset an inode record of the given
// (already InodeAlign-padded) size would land at if written right now,
// without mutating the table. writeInode must apply the identical jump so
// a caller can commit to the offset (to fill in a "." self-reference)
// before the record's bytes exist.
func (b *Builder) peekInodeOffset(size int) uint64 {
	off := uint64(len(b.itbl))
	inBlk := off % crypto.BlkSize
	remaining := crypto.BlkSize - inBlk
	if remaining < uint64(size) {
		off += remaining
	}
	return off
}

// writeInode appends an already-sized, already-aligned inode record to
// the staging table, jumping to the next block first if the record would
// otherwise straddle a block boundary, and returns its freshly minted id.
func (b *Builder) writeInode(raw []byte) vfs.InodeID {
	off := uint64(len(b.itbl))
	inBlk := off % crypto.BlkSize
	remaining := crypto.BlkSize - inBlk
	if remaining < uint64(len(raw)) {
		b.itbl = append(b.itbl, make([]byte, remaining)...)
		off += remaining
	}
	iid := offsetToIID(off)
	b.itbl = append(b.itbl, raw...)
	return vfs.InodeID(iid)
}

// reserveBlockZero wastes the inode table's first logical block so the
// very next record lands at (block=1, offset=0), whose pos64 packing is
// exactly 1 == vfs.RootInodeID. Must run before the root's own record is
// written, and only once.
func (b *Builder) reserveBlockZero() {
	b.itbl = append(b.itbl, make([]byte, crypto.BlkSize)...)
}

func (b *Builder) appendPath(s string) uint64 {
	off := uint64(len(b.ptbl))
	b.ptbl = append(b.ptbl, s...)
	return off
}

func makeBase(tp vfs.FileType, m InodeMeta, size uint64, nlinks uint16) *ro.DInodeBase {
	if nlinks == 0 {
		nlinks = 1
	}
	sec := uint32(m.Mtime.Unix())
	return &ro.DInodeBase{
		Mode:   ro.ModeFromTypeAndPerm(tp, m.Perm),
		NLinks: nlinks,
		UID:    m.UID,
		GID:    m.GID,
		Atime:  sec,
		Ctime:  sec,
		Mtime:  sec,
		Size:   size,
	}
}

func (b *Builder) makeDirEntry(name string, iid vfs.InodeID, tp vfs.FileType) ro.DirEntry {
	hash := crypto.HalfMD4([]byte(name))
	de := ro.DirEntry{Hash: hash, Ipos: iid, Len: uint16(len(name)), Tp: uint16(tp)}
	if len(name) <= ro.DEMaxInlineName {
		copy(de.Name[:], name)
	} else {
		pos := b.appendPath(name)
		for i := 0; i < 8; i++ {
			de.Name[i] = byte(pos >> (8 * i))
		}
	}
	return de
}

func (b *Builder) applyDotDot(p *dotdotPatch, parent vfs.InodeID) {
	buf := b.itbl
	if p.external {
		buf = b.dtbl
	}
	var raw [8]byte
	v := uint64(parent)
	for i := 0; i < 8; i++ {
		raw[i] = byte(v >> (8 * i))
	}
	copy(buf[p.offset:p.offset+8], raw[:])
}

// HandleReg writes a regular file's content, read from r (which must
// support random access since htree.Builder sweeps it back to front),
// into the image: inline in its own inode record if size fits within
// ro.DIRegInlineDataMax, otherwise as a hash tree appended to the file
// section.
func (b *Builder) HandleReg(r io.ReaderAt, size uint64, meta InodeMeta) (Child, error) {
	base := makeBase(vfs.Reg, meta, size, meta.NLinks)
	b.files++

	if size <= ro.DIRegInlineDataMax {
		data := make([]byte, size)
		if _, err := r.ReadAt(data, 0); err != nil && err != io.EOF {
			return Child{}, vfs.Wrap("roimage.HandleReg", vfs.ErrIOError, err)
		}
		raw := append(base.Encode(), data...)
		if pad := alignUp(len(raw), ro.InodeAlign) - len(raw); pad > 0 {
			raw = append(raw, make([]byte, pad)...)
		}
		return Child{IID: b.writeInode(raw), Type: vfs.Reg}, nil
	}

	logiNrBlk := (size + crypto.BlkSize - 1) / crypto.BlkSize
	toStart := fileSectionStart + b.fileSecCursor
	phyNrBlk, rootKE, err := b.htb.Build(b.backend, toStart, r, logiNrBlk)
	if err != nil {
		return Child{}, err
	}
	dataStart := b.fileSecCursor
	b.fileSecCursor += phyNrBlk

	d := &ro.DInodeReg{Base: *base, CryptoBlob: rootKE, DataStart: dataStart, DataLen: logiNrBlk}
	raw := d.Encode()
	if pad := alignUp(len(raw), ro.InodeAlign) - len(raw); pad > 0 {
		raw = append(raw, make([]byte, pad)...)
	}
	return Child{IID: b.writeInode(raw), Type: vfs.Reg}, nil
}

// HandleSym writes a symlink inode for target, storing it inline if short
// enough or in the path table otherwise.
func (b *Builder) HandleSym(target string, meta InodeMeta) (Child, error) {
	n := len(target)
	base := makeBase(vfs.Lnk, meta, uint64(n), meta.NLinks)
	d := &ro.DInodeLnk{Base: *base}
	if n <= ro.DINameMaxInline {
		copy(d.Name[:], target)
	} else {
		pos := b.appendPath(target)
		for i := 0; i < 8; i++ {
			d.Name[i] = byte(pos >> (8 * i))
		}
	}
	raw := d.Encode()
	if pad := alignUp(len(raw), ro.InodeAlign) - len(raw); pad > 0 {
		raw = append(raw, make([]byte, pad)...)
	}
	b.files++
	return Child{IID: b.writeInode(raw), Type: vfs.Lnk}, nil
}

type hashedEntry struct {
	name string
	hash uint64
	c    Child
}

// HandleDir writes a directory's inode record given its already-built
// children, patching each child directory's ".." entry now that this
// directory's own id is known.
func (b *Builder) HandleDir(entries []NamedChild, meta InodeMeta) (Child, error) {
	return b.buildDir(entries, meta, nil)
}

// reservedRoot is the not-yet-filled inode-table slot set aside for the
// root directory by ReserveRoot.
type reservedRoot struct {
	off        uint64
	nrChildren int
}

// ReserveRoot wastes the inode table's first logical block, then reserves
// (but does not fill) a slot for the root directory's own record sized
// for nrChildren entries, sized so the slot starts at exactly
// (block=1, offset=0): the only (block,offset) pair whose pos64 packing
// equals vfs.RootInodeID. original_source's equivalent
// (jump_over_root_inode) reserves the same slot; its write_root_inode
// then wrote the real content at a byte offset one record-size past the
// slot's start instead of at the slot's start, overflowing into
// whatever was appended right after it. Must be called exactly once,
// before any other Handle* or ReserveRoot call, with the final number of
// direct children the root will have.
func (b *Builder) ReserveRoot(nrChildren int) error {
	if b.rootSlot != nil {
		return vfs.New(vfs.ErrAlreadyExists)
	}
	if len(b.itbl) != 0 {
		return vfs.New(vfs.ErrInvalidParameter)
	}
	b.reserveBlockZero()

	size := rootRecordSize(nrChildren)
	alignedSize := alignUp(size, ro.InodeAlign)
	off := b.peekInodeOffset(alignedSize)
	if off != crypto.BlkSize {
		return vfs.New(vfs.ErrInvalidData)
	}
	b.itbl = append(b.itbl, make([]byte, alignedSize)...)
	b.rootSlot = &reservedRoot{off: off, nrChildren: nrChildren}
	return nil
}

func rootRecordSize(nrChildren int) int {
	if nrChildren <= ro.DEInlineMax {
		return ro.DInodeBaseSize + (nrChildren+2)*ro.DirEntrySize
	}
	return ro.DInodeDirBaseNoInlineSize + estimateIdx(nrChildren)*ro.EntryIndexSize
}

// FinishRoot fills the slot ReserveRoot set aside with the root
// directory's real content, now that every child's inode id is known,
// and patches the root's own "." and ".." (both self-referential) plus
// every child directory's deferred ".." entry.
func (b *Builder) FinishRoot(entries []NamedChild, meta InodeMeta) (Child, error) {
	if b.rootSlot == nil {
		return Child{}, vfs.New(vfs.ErrInvalidParameter)
	}
	if len(entries) != b.rootSlot.nrChildren {
		return Child{}, vfs.New(vfs.ErrInvalidParameter)
	}
	root, err := b.buildDir(entries, meta, b.rootSlot)
	if err != nil {
		return Child{}, err
	}
	if root.IID != vfs.RootInodeID {
		return Child{}, vfs.New(vfs.ErrInvalidData)
	}
	b.applyDotDot(root.dotdot, root.IID)
	b.rootSlot = nil
	return root, nil
}

// buildDir assembles one directory's inode record and, for external
// directories, its dirent-table entries. If slot is nil the record is
// appended to the inode table normally (HandleDir); otherwise it is
// written into the pre-reserved byte range slot already occupies
// (FinishRoot), which is what pins the root directory to
// vfs.RootInodeID.
func (b *Builder) buildDir(entries []NamedChild, meta InodeMeta, slot *reservedRoot) (Child, error) {
	hashed := make([]hashedEntry, len(entries))
	nlinks := uint16(2)
	for i, e := range entries {
		hashed[i] = hashedEntry{name: e.Name, hash: crypto.HalfMD4([]byte(e.Name)), c: e.Child}
		if e.Type == vfs.Dir {
			nlinks++
		}
	}
	sort.Slice(hashed, func(i, j int) bool { return hashed[i].hash < hashed[j].hash })

	nrDe := len(hashed)
	base := makeBase(vfs.Dir, meta, uint64(nrDe), nlinks)

	var selfIID vfs.InodeID
	var dd *dotdotPatch
	var raw []byte
	var alignedSize int
	var recordOff uint64

	if nrDe <= ro.DEInlineMax {
		recSize := ro.DInodeBaseSize + (nrDe+2)*ro.DirEntrySize
		alignedSize = alignUp(recSize, ro.InodeAlign)
		if slot != nil {
			recordOff = slot.off
		} else {
			recordOff = b.peekInodeOffset(alignedSize)
		}
		selfIID = offsetToIID(recordOff)

		raw = make([]byte, 0, alignedSize)
		raw = append(raw, base.Encode()...)
		raw = append(raw, b.makeDirEntry(".", selfIID, vfs.Dir).Encode()...)
		dotdotOff := len(raw) + 8
		raw = append(raw, b.makeDirEntry("..", 0, vfs.Dir).Encode()...)
		for _, he := range hashed {
			raw = append(raw, b.makeDirEntry(he.name, he.c.IID, he.c.Type).Encode()...)
		}
		if pad := alignedSize - len(raw); pad > 0 {
			raw = append(raw, make([]byte, pad)...)
		}
		dd = &dotdotPatch{offset: recordOff + uint64(dotdotOff)}
	} else {
		nrIdx := estimateIdx(nrDe)
		recSize := ro.DInodeDirBaseNoInlineSize + nrIdx*ro.EntryIndexSize
		alignedSize = alignUp(recSize, ro.InodeAlign)
		if slot != nil {
			recordOff = slot.off
		} else {
			recordOff = b.peekInodeOffset(alignedSize)
		}
		selfIID = offsetToIID(recordOff)

		deListStart := uint64(len(b.dtbl))
		b.dtbl = append(b.dtbl, b.makeDirEntry(".", selfIID, vfs.Dir).Encode()...)
		dotdotByteOff := deListStart + ro.DirEntrySize + 8
		b.dtbl = append(b.dtbl, b.makeDirEntry("..", 0, vfs.Dir).Encode()...)
		for _, he := range hashed {
			b.dtbl = append(b.dtbl, b.makeDirEntry(he.name, he.c.IID, he.c.Type).Encode()...)
		}

		idxList := make([]ro.EntryIndex, 0, nrIdx)
		for i := 0; i < nrDe; i += dirIndexGroupSize {
			end := i + dirIndexGroupSize
			if end > nrDe {
				end = nrDe
			}
			idxList = append(idxList, ro.EntryIndex{
				Hash:     hashed[i].hash,
				Position: uint32(2 + i),
				GroupLen: uint32(end - i),
			})
		}

		hdr := &ro.DInodeDirBaseNoInline{Base: *base, DeListPos: ro.Pos64FromByteOffset(deListStart), NrIdx: uint32(nrIdx)}
		raw = hdr.Encode()
		for _, ei := range idxList {
			raw = append(raw, ei.Encode()...)
		}
		if pad := alignedSize - len(raw); pad > 0 {
			raw = append(raw, make([]byte, pad)...)
		}
		dd = &dotdotPatch{external: true, offset: dotdotByteOff}
	}

	var actual vfs.InodeID
	if slot != nil {
		if len(raw) != alignedSize {
			return Child{}, vfs.New(vfs.ErrInvalidData)
		}
		copy(b.itbl[slot.off:slot.off+uint64(alignedSize)], raw)
		actual = selfIID
	} else {
		actual = b.writeInode(raw)
		if actual != selfIID {
			return Child{}, vfs.New(vfs.ErrInvalidData)
		}
	}

	for _, he := range hashed {
		if he.c.Type == vfs.Dir && he.c.dotdot != nil {
			b.applyDotDot(he.c.dotdot, actual)
		}
	}

	return Child{IID: actual, Type: vfs.Dir, dotdot: dd}, nil
}

// estimateIdx returns the number of EntryIndex records a non-inline
// directory with nrEntries real children needs. original_source's
// estimate_idx divided the entry count by a group count it computed from
// a target index-block occupancy, and panicked with a divide-by-zero
// when that target came out to exactly one group; using a fixed group
// size instead removes the degenerate denominator entirely.
func estimateIdx(nrEntries int) int {
	if nrEntries <= 0 {
		return 0
	}
	return (nrEntries + dirIndexGroupSize - 1) / dirIndexGroupSize
}

// padToBlockMultiple zero-pads buf up to a multiple of crypto.BlkSize and
// returns the resulting block count.
func padToBlockMultiple(buf *[]byte) uint64 {
	n := uint64(len(*buf))
	nrBlk := (n + crypto.BlkSize - 1) / crypto.BlkSize
	if pad := nrBlk*crypto.BlkSize - n; pad > 0 {
		*buf = append(*buf, make([]byte, pad)...)
	}
	return nrBlk
}

// Finalize wraps the staged inode, dirent and path tables each in their
// own hash tree appended after the file section, seals the superblock,
// and returns the FSMode bytes the caller must persist to mount the
// image later.
func (b *Builder) Finalize() (vfs.FSModeBytes, error) {
	inodeLogiBlk := padToBlockMultiple(&b.itbl)
	direntLogiBlk := padToBlockMultiple(&b.dtbl)
	pathLogiBlk := padToBlockMultiple(&b.ptbl)

	cursor := fileSectionStart + b.fileSecCursor
	fileSecLen := b.fileSecCursor

	inodeTblStart := cursor
	inodePhy, inodeKE, err := b.htb.Build(b.backend, inodeTblStart, bytes.NewReader(b.itbl), inodeLogiBlk)
	if err != nil {
		return vfs.FSModeBytes{}, err
	}
	cursor += inodePhy

	var direntTblStart, direntPhy uint64
	var direntKE crypto.KeyEntry
	if direntLogiBlk > 0 {
		direntTblStart = cursor
		direntPhy, direntKE, err = b.htb.Build(b.backend, direntTblStart, bytes.NewReader(b.dtbl), direntLogiBlk)
		if err != nil {
			return vfs.FSModeBytes{}, err
		}
		cursor += direntPhy
	}

	var pathTblStart, pathPhy uint64
	var pathKE crypto.KeyEntry
	if pathLogiBlk > 0 {
		pathTblStart = cursor
		pathPhy, pathKE, err = b.htb.Build(b.backend, pathTblStart, bytes.NewReader(b.ptbl), pathLogiBlk)
		if err != nil {
			return vfs.FSModeBytes{}, err
		}
		cursor += pathPhy
	}

	sb := &ro.SuperBlock{
		InodeTblKey: inodeKE, DirentTblKey: direntKE, PathTblKey: pathKE,
		InodeTblStart: inodeTblStart, InodeTblLen: inodeLogiBlk,
		DirentTblStart: direntTblStart, DirentTblLen: direntLogiBlk,
		PathTblStart: pathTblStart, PathTblLen: pathLogiBlk,
		FileSecStart: fileSectionStart, FileSecLen: fileSecLen,
		RootIID:   vfs.RootInodeID,
		Blocks:    cursor,
		Files:     b.files,
		Encrypted: b.encrypted,
		BuildID:   uuid.New(),
	}

	var key *crypto.Key128
	if b.encrypted {
		k, err := b.sbKeyGen.GenKey(ro.SuperBlockPos)
		if err != nil {
			return vfs.FSModeBytes{}, err
		}
		key = &k
	}
	blk, mode, err := sb.Encode(key)
	if err != nil {
		return vfs.FSModeBytes{}, err
	}
	if err := b.backend.ExpandLen(1); err != nil {
		return vfs.FSModeBytes{}, err
	}
	if err := b.backend.WriteBlk(ro.SuperBlockPos, &blk); err != nil {
		return vfs.FSModeBytes{}, err
	}

	return vfs.FSModeBytes{Encrypted: mode.Encrypted, Key: mode.Key, MAC: mode.MAC, Hash: mode.Hash}, nil
}
