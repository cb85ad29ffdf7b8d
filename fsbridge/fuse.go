//go:build fuse

// Package fsbridge adapts a vfs.FileSystem (ro.ROFS, rw.RWFS, or
// overlay.OverlayFS) onto github.com/hanwen/go-fuse/v2's high-level fs
// API, the kernel bridge driven by cmd/eccfs's mount subcommand.
// Generalized from go-fuse's own loopbackNode (fs/loopback.go) to
// dispatch through vfs.FileSystem by InodeID instead of through real
// syscalls against a backing directory.
package fsbridge

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/KarpelesLab/eccfs/vfs"
)

// Node is one FUSE inode, backed by a vfs.FileSystem InodeID.
type Node struct {
	fs.Inode

	sys vfs.FileSystem
	iid vfs.InodeID
}

var (
	_ fs.InodeEmbedder  = (*Node)(nil)
	_ fs.NodeStatfser   = (*Node)(nil)
	_ fs.NodeGetattrer  = (*Node)(nil)
	_ fs.NodeSetattrer  = (*Node)(nil)
	_ fs.NodeLookuper   = (*Node)(nil)
	_ fs.NodeReaddirer  = (*Node)(nil)
	_ fs.NodeOpener     = (*Node)(nil)
	_ fs.NodeReader     = (*Node)(nil)
	_ fs.NodeWriter     = (*Node)(nil)
	_ fs.NodeFsyncer    = (*Node)(nil)
	_ fs.NodeCreater    = (*Node)(nil)
	_ fs.NodeMkdirer    = (*Node)(nil)
	_ fs.NodeUnlinker   = (*Node)(nil)
	_ fs.NodeRmdirer    = (*Node)(nil)
	_ fs.NodeRenamer    = (*Node)(nil)
	_ fs.NodeSymlinker  = (*Node)(nil)
	_ fs.NodeLinker     = (*Node)(nil)
	_ fs.NodeReadlinker = (*Node)(nil)
)

// Root wraps sys as the root node of a FUSE tree. Pass the result to
// fs.Mount (see cmd/eccfs's mount_fuse.go).
func Root(sys vfs.FileSystem) fs.InodeEmbedder {
	return &Node{sys: sys, iid: vfs.RootInodeID}
}

func unixMode(meta *vfs.Metadata) uint32 {
	m := uint32(meta.Perm) & 0o7777
	switch meta.FType {
	case vfs.Dir:
		m |= syscall.S_IFDIR
	case vfs.Lnk:
		m |= syscall.S_IFLNK
	default:
		m |= syscall.S_IFREG
	}
	return m
}

func stable(iid vfs.InodeID, meta *vfs.Metadata) fs.StableAttr {
	return fs.StableAttr{Ino: uint64(iid), Mode: unixMode(meta)}
}

// errno translates a *vfs.Error (or wrapped error) into the syscall.Errno
// FUSE expects, per spec §7 "thin translator at the boundary".
func errno(err error) syscall.Errno {
	if err == nil {
		return fs.OK
	}
	switch {
	case vfs.Is(err, vfs.ErrNotFound):
		return syscall.ENOENT
	case vfs.Is(err, vfs.ErrAlreadyExists):
		return syscall.EEXIST
	case vfs.Is(err, vfs.ErrNotADirectory):
		return syscall.ENOTDIR
	case vfs.Is(err, vfs.ErrIsADirectory):
		return syscall.EISDIR
	case vfs.Is(err, vfs.ErrDirectoryNotEmpty):
		return syscall.ENOTEMPTY
	case vfs.Is(err, vfs.ErrPermissionDenied):
		return syscall.EPERM
	case vfs.Is(err, vfs.ErrInvalidData):
		return syscall.EIO
	case vfs.Is(err, vfs.ErrInvalidParameter):
		return syscall.EINVAL
	case vfs.Is(err, vfs.ErrUnexpectedEOF):
		return syscall.EIO
	case vfs.Is(err, vfs.ErrNotSupported):
		return syscall.ENOSYS
	case vfs.Is(err, vfs.ErrCryptoError), vfs.Is(err, vfs.ErrIntegrityCheck):
		return syscall.EIO
	case vfs.Is(err, vfs.ErrCacheFull), vfs.Is(err, vfs.ErrCacheNeedHint):
		return syscall.EBUSY
	case vfs.Is(err, vfs.ErrIncompatibleMetadata), vfs.Is(err, vfs.ErrSuperBlockCheckFailed):
		return syscall.EIO
	default:
		return syscall.EIO
	}
}

func (n *Node) child(iid vfs.InodeID) *Node {
	return &Node{sys: n.sys, iid: iid}
}

func fillAttr(out *fuse.Attr, iid vfs.InodeID, meta *vfs.Metadata) {
	out.Ino = uint64(iid)
	out.Size = meta.Size
	out.Blocks = meta.Blocks
	out.Mode = unixMode(meta)
	out.Nlink = uint32(meta.NLinks)
	out.Uid = meta.UID
	out.Gid = meta.GID
	out.SetTimes(&meta.Atime, &meta.Mtime, &meta.Ctime)
}

func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	info, err := n.sys.FInfo()
	if err != nil {
		return errno(err)
	}
	out.Blocks = info.Blocks
	out.Bfree = info.BFree
	out.Bavail = info.BFree
	out.Files = info.Files
	out.Ffree = info.FFree
	out.Bsize = uint32(info.BlockSize)
	out.NameLen = uint32(info.NameMax)
	out.Frsize = uint32(info.BlockSize)
	return fs.OK
}

func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	meta, err := n.sys.GetMeta(n.iid)
	if err != nil {
		return errno(err)
	}
	fillAttr(&out.Attr, n.iid, &meta)
	return fs.OK
}

func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	var set vfs.SetMetadata
	if sz, ok := in.GetSize(); ok {
		set.Size = &sz
	}
	if mode, ok := in.GetMode(); ok {
		perm := vfs.FilePerm(mode & 0o7777)
		set.Perm = &perm
	}
	if uid, ok := in.GetUID(); ok {
		set.UID = &uid
	}
	if gid, ok := in.GetGID(); ok {
		set.GID = &gid
	}
	if at, ok := in.GetATime(); ok {
		set.Atime = &at
	}
	if mt, ok := in.GetMTime(); ok {
		set.Mtime = &mt
	}
	if err := n.sys.SetMeta(n.iid, set); err != nil {
		return errno(err)
	}
	meta, err := n.sys.GetMeta(n.iid)
	if err != nil {
		return errno(err)
	}
	fillAttr(&out.Attr, n.iid, &meta)
	return fs.OK
}

func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	iid, ok, err := n.sys.Lookup(n.iid, name)
	if err != nil {
		return nil, errno(err)
	}
	if !ok {
		return nil, syscall.ENOENT
	}
	meta, err := n.sys.GetMeta(iid)
	if err != nil {
		return nil, errno(err)
	}
	fillAttr(&out.Attr, iid, &meta)
	child := n.child(iid)
	return n.NewInode(ctx, child, stable(iid, &meta)), fs.OK
}

func ftypeToDirEntMode(t vfs.FileType) uint32 {
	switch t {
	case vfs.Dir:
		return syscall.S_IFDIR
	case vfs.Lnk:
		return syscall.S_IFLNK
	default:
		return syscall.S_IFREG
	}
}

func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	list, err := n.sys.ListDir(n.iid, 0, 0)
	if err != nil {
		return nil, errno(err)
	}
	out := make([]fuse.DirEntry, 0, len(list))
	for _, e := range list {
		out = append(out, fuse.DirEntry{Name: e.Name, Ino: uint64(e.IID), Mode: ftypeToDirEntMode(e.FType)})
	}
	return fs.NewListDirStream(out), fs.OK
}

func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_KEEP_CACHE, fs.OK
}

func (n *Node) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	nr, err := n.sys.IRead(n.iid, uint64(off), dest)
	if err != nil {
		return nil, errno(err)
	}
	return &fuse.ReadResultData{Data: dest[:nr]}, fs.OK
}

func (n *Node) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	nw, err := n.sys.IWrite(n.iid, uint64(off), data)
	if err != nil {
		return 0, errno(err)
	}
	return uint32(nw), fs.OK
}

func (n *Node) Fsync(ctx context.Context, f fs.FileHandle, flags uint32) syscall.Errno {
	if err := n.sys.ISyncData(n.iid); err != nil {
		return errno(err)
	}
	if err := n.sys.ISyncMeta(n.iid); err != nil {
		return errno(err)
	}
	return fs.OK
}

func callerIDs(ctx context.Context) (uid, gid uint32) {
	if caller, ok := fuse.FromContext(ctx); ok {
		return caller.Uid, caller.Gid
	}
	return 0, 0
}

func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	uid, gid := callerIDs(ctx)
	iid, err := n.sys.Create(n.iid, name, vfs.Reg, uid, gid, vfs.FilePerm(mode&0o7777))
	if err != nil {
		return nil, nil, 0, errno(err)
	}
	meta, err := n.sys.GetMeta(iid)
	if err != nil {
		return nil, nil, 0, errno(err)
	}
	fillAttr(&out.Attr, iid, &meta)
	child := n.child(iid)
	return n.NewInode(ctx, child, stable(iid, &meta)), nil, 0, fs.OK
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	uid, gid := callerIDs(ctx)
	iid, err := n.sys.Create(n.iid, name, vfs.Dir, uid, gid, vfs.FilePerm(mode&0o7777))
	if err != nil {
		return nil, errno(err)
	}
	meta, err := n.sys.GetMeta(iid)
	if err != nil {
		return nil, errno(err)
	}
	fillAttr(&out.Attr, iid, &meta)
	child := n.child(iid)
	return n.NewInode(ctx, child, stable(iid, &meta)), fs.OK
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return errno(n.sys.Unlink(n.iid, name))
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return errno(n.sys.Unlink(n.iid, name))
}

func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	to, ok := newParent.(*Node)
	if !ok {
		return syscall.EXDEV
	}
	return errno(n.sys.Rename(n.iid, name, to.iid, newName))
}

func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	uid, gid := callerIDs(ctx)
	iid, err := n.sys.Symlink(n.iid, name, target, uid, gid)
	if err != nil {
		return nil, errno(err)
	}
	meta, err := n.sys.GetMeta(iid)
	if err != nil {
		return nil, errno(err)
	}
	fillAttr(&out.Attr, iid, &meta)
	child := n.child(iid)
	return n.NewInode(ctx, child, stable(iid, &meta)), fs.OK
}

func (n *Node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	tn, ok := target.(*Node)
	if !ok {
		return nil, syscall.EXDEV
	}
	if err := n.sys.Link(n.iid, name, tn.iid); err != nil {
		return nil, errno(err)
	}
	meta, err := n.sys.GetMeta(tn.iid)
	if err != nil {
		return nil, errno(err)
	}
	fillAttr(&out.Attr, tn.iid, &meta)
	child := n.child(tn.iid)
	return n.NewInode(ctx, child, stable(tn.iid, &meta)), fs.OK
}

func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.sys.IReadLink(n.iid)
	if err != nil {
		return nil, errno(err)
	}
	return []byte(target), fs.OK
}
