package vfs

import (
	"os"
	"time"
)

// InodeID identifies an inode within a FileSystem. The root directory is
// always InodeID(1).
type InodeID uint64

const RootInodeID InodeID = 1

// FileType is the type tag of an inode.
type FileType uint8

const (
	Reg FileType = iota
	Dir
	Lnk
)

func (t FileType) String() string {
	switch t {
	case Reg:
		return "file"
	case Dir:
		return "dir"
	case Lnk:
		return "symlink"
	default:
		return "unknown"
	}
}

// FilePerm is a POSIX permission bit set (mode & 0o7777).
type FilePerm uint16

// Metadata describes an inode's stat-like attributes.
type Metadata struct {
	IID    InodeID
	FType  FileType
	Perm   FilePerm
	NLinks uint16
	UID    uint32
	GID    uint32
	Size   uint64
	Blocks uint64
	Atime  time.Time
	Ctime  time.Time
	Mtime  time.Time
}

// Mode returns the combined os.FileMode of this metadata's type and perm.
func (m *Metadata) Mode() os.FileMode {
	mode := os.FileMode(m.Perm) & os.ModePerm
	switch m.FType {
	case Dir:
		mode |= os.ModeDir
	case Lnk:
		mode |= os.ModeSymlink
	}
	return mode
}

// SetMetadata carries the subset of Metadata fields a caller wants to
// change via set_meta. A nil pointer field means "leave unchanged".
type SetMetadata struct {
	Size  *uint64
	Atime *time.Time
	Ctime *time.Time
	Mtime *time.Time
	Perm  *FilePerm
	UID   *uint32
	GID   *uint32
}

// FallocateMode selects the behaviour of the fallocate operation.
type FallocateMode int

const (
	FallocateAlloc FallocateMode = iota
	FallocateZeroRange
)

// FsInfo reports aggregate counters, analogous to statfs(2).
type FsInfo struct {
	BlockSize uint64
	Blocks    uint64
	BFree     uint64
	Files     uint64
	FFree     uint64
	NameMax   uint64
}

// DirEntry is one entry returned by listdir/next_entry.
type DirEntry struct {
	IID   InodeID
	Name  string
	FType FileType
}
