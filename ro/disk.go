// Package ro implements the read-only image filesystem (spec §4.7): inode
// table, dirent table and path table are each a ROHashTree; directory
// lookups use a half-MD4 hashed index over a sorted entry list.
package ro

import (
	"bytes"
	"encoding/binary"

	"github.com/KarpelesLab/eccfs/vfs"
)

// InodeAlign is the byte alignment every variable-length inode record is
// padded to inside the inode table.
const InodeAlign = 16

// DIRegInlineDataMax is the largest regular-file size stored inline in the
// inode record itself rather than behind its own hash tree. Chosen by the
// same 512-byte inline-record budget as DEInlineMax (see DESIGN.md): a
// DInodeBase (32 B) plus up to 480 B of inline data, rounded to InodeAlign.
const DIRegInlineDataMax = 480

// DEInlineMax is the largest directory entry count stored inline in the
// inode record (not counting "." and ".."). Derived from the same 512 B
// budget: 32 B base + (n+2)*32 B DirEntry records <= 512 => n <= 13.
const DEInlineMax = 13

func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}

// DInodeBase is the fixed 32-byte header shared by every inode record.
type DInodeBase struct {
	Mode   uint16
	NLinks uint16
	UID    uint32
	GID    uint32
	Atime  uint32
	Ctime  uint32
	Mtime  uint32
	Size   uint64
}

const dInodeBaseSize = 32

// DInodeBaseSize is the on-disk size of DInodeBase, exported for roimage's
// builder which assembles raw inode records field group by field group.
const DInodeBaseSize = dInodeBaseSize

func (b *DInodeBase) decode(raw []byte) error {
	if len(raw) < dInodeBaseSize {
		return vfs.New(vfs.ErrUnexpectedEOF)
	}
	r := bytes.NewReader(raw[:dInodeBaseSize])
	return binary.Read(r, binary.LittleEndian, b)
}

func (b *DInodeBase) encode() []byte {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, b)
	return buf.Bytes()
}

// fileTypeFromMode extracts the file type from the top bits of mode (spec
// §3: 4 bits FTYPE, 12 bits permission).
func fileTypeFromMode(mode uint16) vfs.FileType {
	return vfs.FileType(mode >> 12)
}

func permFromMode(mode uint16) vfs.FilePerm {
	return vfs.FilePerm(mode & 0x0fff)
}

func modeFromTypeAndPerm(tp vfs.FileType, perm vfs.FilePerm) uint16 {
	return uint16(tp)<<12 | uint16(perm&0x0fff)
}

// ModeFromTypeAndPerm packs a file type and permission bits into the
// on-disk mode field, used by roimage's builder to assemble DInodeBase
// records directly.
func ModeFromTypeAndPerm(tp vfs.FileType, perm vfs.FilePerm) uint16 {
	return modeFromTypeAndPerm(tp, perm)
}

// DInodeReg is the non-inline regular-file inode record: a 32-byte crypto
// blob (key+MAC or hash) followed by the hash tree's start/length.
type DInodeReg struct {
	Base       DInodeBase
	CryptoBlob [32]byte
	DataStart  uint64
	DataLen    uint64
}

const dInodeRegSize = dInodeBaseSize + 32 + 8 + 8

func decodeDInodeReg(raw []byte) (*DInodeReg, error) {
	if len(raw) < dInodeRegSize {
		return nil, vfs.New(vfs.ErrUnexpectedEOF)
	}
	d := &DInodeReg{}
	if err := d.Base.decode(raw); err != nil {
		return nil, err
	}
	copy(d.CryptoBlob[:], raw[dInodeBaseSize:dInodeBaseSize+32])
	d.DataStart = binary.LittleEndian.Uint64(raw[dInodeBaseSize+32:])
	d.DataLen = binary.LittleEndian.Uint64(raw[dInodeBaseSize+40:])
	return d, nil
}

func (d *DInodeReg) encode() []byte {
	buf := make([]byte, dInodeRegSize)
	copy(buf, d.Base.encode())
	copy(buf[dInodeBaseSize:], d.CryptoBlob[:])
	binary.LittleEndian.PutUint64(buf[dInodeBaseSize+32:], d.DataStart)
	binary.LittleEndian.PutUint64(buf[dInodeBaseSize+40:], d.DataLen)
	return buf
}

// EntryIndex is one entry of a directory's sorted hash index: the smallest
// half-MD4 hash in a contiguous run of DirEntry records, that run's start
// position, and its length.
type EntryIndex struct {
	Hash     uint64
	Position uint32
	GroupLen uint32
}

const entryIndexSize = 16

func decodeEntryIndex(raw []byte) EntryIndex {
	return EntryIndex{
		Hash:     binary.LittleEndian.Uint64(raw[0:8]),
		Position: binary.LittleEndian.Uint32(raw[8:12]),
		GroupLen: binary.LittleEndian.Uint32(raw[12:16]),
	}
}

func (e EntryIndex) encode() []byte {
	buf := make([]byte, entryIndexSize)
	binary.LittleEndian.PutUint64(buf[0:8], e.Hash)
	binary.LittleEndian.PutUint32(buf[8:12], e.Position)
	binary.LittleEndian.PutUint32(buf[12:16], e.GroupLen)
	return buf
}

// DEMaxInlineName is the longest file name stored inline in a DirEntry;
// longer names are stored in the path table and referenced by offset.
const DEMaxInlineName = 12

// DirEntry is one fixed 32-byte directory entry: the looked-up child's
// half-MD4 name hash, its inode id, the name's true length and file type,
// and up to 12 inline name bytes (or, if Len > 12, an 8-byte path-table
// byte offset packed into the first 8 bytes of Name).
type DirEntry struct {
	Hash uint64
	Ipos vfs.InodeID
	Len  uint16
	Tp   uint16
	Name [DEMaxInlineName]byte
}

const dirEntrySize = 8 + 8 + 2 + 2 + DEMaxInlineName

func decodeDirEntry(raw []byte) DirEntry {
	var de DirEntry
	de.Hash = binary.LittleEndian.Uint64(raw[0:8])
	de.Ipos = vfs.InodeID(binary.LittleEndian.Uint64(raw[8:16]))
	de.Len = binary.LittleEndian.Uint16(raw[16:18])
	de.Tp = binary.LittleEndian.Uint16(raw[18:20])
	copy(de.Name[:], raw[20:20+DEMaxInlineName])
	return de
}

func (e DirEntry) encode() []byte {
	buf := make([]byte, dirEntrySize)
	binary.LittleEndian.PutUint64(buf[0:8], e.Hash)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(e.Ipos))
	binary.LittleEndian.PutUint16(buf[16:18], e.Len)
	binary.LittleEndian.PutUint16(buf[18:20], e.Tp)
	copy(buf[20:], e.Name[:])
	return buf
}

// DInodeDirBaseNoInline is the non-inline directory inode's fixed header:
// the dir entry table's byte offset (as a packed pos64), the number of
// EntryIndex records following it, and padding to InodeAlign.
type DInodeDirBaseNoInline struct {
	Base       DInodeBase
	DeListPos  uint64
	NrIdx      uint32
	_          uint32
}

const dInodeDirBaseNoInlineSize = dInodeBaseSize + 8 + 4 + 4

func decodeDInodeDirBaseNoInline(raw []byte) (*DInodeDirBaseNoInline, error) {
	if len(raw) < dInodeDirBaseNoInlineSize {
		return nil, vfs.New(vfs.ErrUnexpectedEOF)
	}
	d := &DInodeDirBaseNoInline{}
	if err := d.Base.decode(raw); err != nil {
		return nil, err
	}
	d.DeListPos = binary.LittleEndian.Uint64(raw[dInodeBaseSize:])
	d.NrIdx = binary.LittleEndian.Uint32(raw[dInodeBaseSize+8:])
	return d, nil
}

func (d *DInodeDirBaseNoInline) encode() []byte {
	buf := make([]byte, dInodeDirBaseNoInlineSize)
	copy(buf, d.Base.encode())
	binary.LittleEndian.PutUint64(buf[dInodeBaseSize:], d.DeListPos)
	binary.LittleEndian.PutUint32(buf[dInodeBaseSize+8:], d.NrIdx)
	return buf
}

// DINameMaxInline is the longest symlink target stored directly in the
// inode record; longer targets are stored in the path table.
const DINameMaxInline = 32

// DInodeLnk is the fixed symlink inode record: base header plus either an
// inline target name or an 8-byte path-table offset in Name's first bytes.
type DInodeLnk struct {
	Base DInodeBase
	Name [DINameMaxInline]byte
}

const dInodeLnkSize = dInodeBaseSize + DINameMaxInline

func decodeDInodeLnk(raw []byte) (*DInodeLnk, error) {
	if len(raw) < dInodeLnkSize {
		return nil, vfs.New(vfs.ErrUnexpectedEOF)
	}
	d := &DInodeLnk{}
	if err := d.Base.decode(raw); err != nil {
		return nil, err
	}
	copy(d.Name[:], raw[dInodeBaseSize:dInodeLnkSize])
	return d, nil
}

func (d *DInodeLnk) encode() []byte {
	buf := make([]byte, dInodeLnkSize)
	copy(buf, d.Base.encode())
	copy(buf[dInodeBaseSize:], d.Name[:])
	return buf
}

// Exported encode wrappers and sizes, used by roimage's builder to
// assemble raw inode-table records without duplicating the wire layout.

// DInodeRegSize is the on-disk size of a non-inline regular-file inode.
const DInodeRegSize = dInodeRegSize

// DInodeDirBaseNoInlineSize is the on-disk size of a non-inline directory
// inode's fixed header, excluding its trailing EntryIndex records.
const DInodeDirBaseNoInlineSize = dInodeDirBaseNoInlineSize

// DInodeLnkSize is the on-disk size of a symlink inode record.
const DInodeLnkSize = dInodeLnkSize

// EntryIndexSize is the on-disk size of one EntryIndex record.
const EntryIndexSize = entryIndexSize

// DirEntrySize is the on-disk size of one DirEntry record.
const DirEntrySize = dirEntrySize

func (b *DInodeBase) Encode() []byte                  { return b.encode() }
func (d *DInodeReg) Encode() []byte                    { return d.encode() }
func (d *DInodeDirBaseNoInline) Encode() []byte        { return d.encode() }
func (d *DInodeLnk) Encode() []byte                    { return d.encode() }
func (e EntryIndex) Encode() []byte                    { return e.encode() }
func (e DirEntry) Encode() []byte                      { return e.encode() }
