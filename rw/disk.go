// Package rw implements the writable image filesystem (spec §4.8): a
// superblock plus an inode bitmap and inode table hash tree, with every
// directory and every non-inline regular file's content living in its own
// hash-tree-backed data object on the Device, named by the hex SHA3-256
// hash of its owning inode id.
package rw

import (
	"bytes"
	"encoding/binary"

	"github.com/KarpelesLab/eccfs/crypto"
	"github.com/KarpelesLab/eccfs/vfs"
)

// InodeSize is the fixed record size of one inode in the inode table.
const InodeSize = 128
const InodePerBlk = crypto.BlkSize / InodeSize

const dInodeBaseSize = 32

// RegInlineDataMax is the largest regular-file size stored inline in the
// fixed-size inode record. di_base(32) + data(96) = 128.
const RegInlineDataMax = InodeSize - dInodeBaseSize

// LnkInlineMax is the largest symlink target stored inline in the fixed
// inode record, same budget as RegInlineDataMax.
const LnkInlineMax = InodeSize - dInodeBaseSize

// RegInlineExpandThreshold is the soft, write-time threshold: a regular
// file being actively written stays represented as an in-memory inline
// buffer until a write would push it past one block, even though the
// on-disk inline capacity is only RegInlineDataMax. The hard threshold
// (RegInlineDataMax) is re-checked at sync time, so a file that grew past
// one block and shrank back under 96 bytes before syncing is still written
// inline.
const RegInlineExpandThreshold = crypto.BlkSize

// DirentSize is the fixed record size of one directory entry.
const DirentSize = 256
const DirentPerBlk = crypto.BlkSize / DirentSize
const DirentNameMax = DirentSize - 8 - 2 - 2

// DataFileNameLen is the length of a data object's hex-encoded name.
const DataFileNameLen = 2 * len(crypto.Hash256{})

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

func (b *DInodeBase) decode(raw []byte) error {
	if len(raw) < dInodeBaseSize {
		return vfs.New(vfs.ErrUnexpectedEOF)
	}
	return binary.Read(bytes.NewReader(raw[:dInodeBaseSize]), binary.LittleEndian, b)
}

func (b *DInodeBase) encode() []byte {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, b)
	return buf.Bytes()
}

func fileTypeFromMode(mode uint16) vfs.FileType { return vfs.FileType(mode >> 12) }
func permFromMode(mode uint16) vfs.FilePerm     { return vfs.FilePerm(mode & 0x0fff) }
func modeFromTypeAndPerm(tp vfs.FileType, perm vfs.FilePerm) uint16 {
	return uint16(tp)<<12 | uint16(perm&0x0fff)
}

// DInodeReg is the non-inline regular-file inode record: base, the data
// object's hash-tree key entry, the data object's name (hash of the
// inode id, checked on load), and its physical block length.
type DInodeReg struct {
	Base       DInodeBase
	DataFileKE crypto.KeyEntry
	DataFile   crypto.Hash256
	Len        uint64
}

func decodeDInodeReg(raw []byte) (*DInodeReg, error) {
	d := &DInodeReg{}
	if err := d.Base.decode(raw); err != nil {
		return nil, err
	}
	off := dInodeBaseSize
	copy(d.DataFileKE[:], raw[off:off+32])
	off += 32
	copy(d.DataFile[:], raw[off:off+32])
	off += 32
	d.Len = binary.LittleEndian.Uint64(raw[off:])
	return d, nil
}

func (d *DInodeReg) encode() []byte {
	buf := make([]byte, InodeSize)
	copy(buf, d.Base.encode())
	off := dInodeBaseSize
	copy(buf[off:], d.DataFileKE[:])
	off += 32
	copy(buf[off:], d.DataFile[:])
	off += 32
	binary.LittleEndian.PutUint64(buf[off:], d.Len)
	return buf
}

// DInodeRegInline is the inline regular-file inode record.
type DInodeRegInline struct {
	Base DInodeBase
	Data [RegInlineDataMax]byte
}

func decodeDInodeRegInline(raw []byte) (*DInodeRegInline, error) {
	d := &DInodeRegInline{}
	if err := d.Base.decode(raw); err != nil {
		return nil, err
	}
	copy(d.Data[:], raw[dInodeBaseSize:])
	return d, nil
}

func (d *DInodeRegInline) encode() []byte {
	buf := make([]byte, InodeSize)
	copy(buf, d.Base.encode())
	copy(buf[dInodeBaseSize:], d.Data[:])
	return buf
}

// DInodeDir has the same on-disk shape as DInodeReg: base, the directory
// entry hash tree's key entry, its data object name, and its block length.
type DInodeDir struct {
	Base       DInodeBase
	DataFileKE crypto.KeyEntry
	DataFile   crypto.Hash256
	Len        uint64
}

func decodeDInodeDir(raw []byte) (*DInodeDir, error) {
	r, err := decodeDInodeReg(raw)
	if err != nil {
		return nil, err
	}
	return &DInodeDir{Base: r.Base, DataFileKE: r.DataFileKE, DataFile: r.DataFile, Len: r.Len}, nil
}

func (d *DInodeDir) encode() []byte {
	r := DInodeReg{Base: d.Base, DataFileKE: d.DataFileKE, DataFile: d.DataFile, Len: d.Len}
	return r.encode()
}

// DiskDirEntry is one fixed 256-byte directory entry.
type DiskDirEntry struct {
	Ipos vfs.InodeID
	Tp   uint16
	Len  uint16
	Name [DirentNameMax]byte
}

func decodeDiskDirEntry(raw []byte) DiskDirEntry {
	var e DiskDirEntry
	e.Ipos = vfs.InodeID(binary.LittleEndian.Uint64(raw[0:8]))
	e.Tp = binary.LittleEndian.Uint16(raw[8:10])
	e.Len = binary.LittleEndian.Uint16(raw[10:12])
	copy(e.Name[:], raw[12:12+DirentNameMax])
	return e
}

func (e DiskDirEntry) encode() []byte {
	buf := make([]byte, DirentSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(e.Ipos))
	binary.LittleEndian.PutUint16(buf[8:10], e.Tp)
	binary.LittleEndian.PutUint16(buf[10:12], e.Len)
	copy(buf[12:], e.Name[:])
	return buf
}

// DInodeLnk is the non-inline symlink inode record: base, the single-block
// name file's key entry, its data object name, and length (always 1).
type DInodeLnk struct {
	Base       DInodeBase
	NameFileKE crypto.KeyEntry
	DataFile   crypto.Hash256
	Len        uint64
}

func decodeDInodeLnk(raw []byte) (*DInodeLnk, error) {
	r, err := decodeDInodeReg(raw)
	if err != nil {
		return nil, err
	}
	return &DInodeLnk{Base: r.Base, NameFileKE: r.DataFileKE, DataFile: r.DataFile, Len: r.Len}, nil
}

func (d *DInodeLnk) encode() []byte {
	r := DInodeReg{Base: d.Base, DataFileKE: d.NameFileKE, DataFile: d.DataFile, Len: d.Len}
	return r.encode()
}

// DInodeLnkInline is the inline symlink inode record.
type DInodeLnkInline struct {
	Base DInodeBase
	Name [LnkInlineMax]byte
}

func decodeDInodeLnkInline(raw []byte) (*DInodeLnkInline, error) {
	d := &DInodeLnkInline{}
	if err := d.Base.decode(raw); err != nil {
		return nil, err
	}
	copy(d.Name[:], raw[dInodeBaseSize:])
	return d, nil
}

func (d *DInodeLnkInline) encode() []byte {
	buf := make([]byte, InodeSize)
	copy(buf, d.Base.encode())
	copy(buf[dInodeBaseSize:], d.Name[:])
	return buf
}
