package ro

import (
	"github.com/KarpelesLab/eccfs/crypto"
	"github.com/KarpelesLab/eccfs/htree"
	"github.com/KarpelesLab/eccfs/lru"
	"github.com/KarpelesLab/eccfs/storage"
	"github.com/KarpelesLab/eccfs/vfs"
)

// DefaultInodeCacheCap is used when a caller doesn't request a specific
// decoded-inode cache size.
const DefaultInodeCacheCap = 256

// ROFS is the read-only image filesystem (spec §4.7): a FileSystem backed
// by three hash trees (inode table, dirent table, path table) plus a file
// section holding one hash tree per non-inline regular file.
type ROFS struct {
	mode      crypto.FSMode
	cacheData bool
	backend   storage.RBackend
	sb        *SuperBlock

	inodeTbl  *htree.ROHashTree
	direntTbl *htree.ROHashTree
	pathTbl   *htree.ROHashTree

	icac *lru.Cache[vfs.InodeID, *Inode]
}

// Open mounts the read-only image on backend, authenticated at the root by
// mode. inodeCacheCap <= 0 disables the decoded-inode cache entirely.
func Open(backend storage.RBackend, mode crypto.FSMode, cacheData bool, inodeCacheCap int) (*ROFS, error) {
	sbBlk, err := backend.ReadBlk(SuperBlockPos)
	if err != nil {
		return nil, err
	}
	sb, err := NewSuperBlock(mode, *sbBlk)
	if err != nil {
		return nil, err
	}
	if sb.InodeTblLen == 0 {
		return nil, vfs.New(vfs.ErrSuperBlockCheckFailed)
	}

	fs := &ROFS{
		mode:      mode,
		cacheData: cacheData,
		backend:   backend,
		sb:        sb,
		inodeTbl: htree.NewROHashTree(backend, sb.InodeTblStart, sb.InodeTblLen,
			crypto.FromKeyEntry(sb.InodeTblKey, mode.Encrypted), cacheData),
	}
	if sb.DirentTblLen != 0 {
		fs.direntTbl = htree.NewROHashTree(backend, sb.DirentTblStart, sb.DirentTblLen,
			crypto.FromKeyEntry(sb.DirentTblKey, mode.Encrypted), cacheData)
	}
	if sb.PathTblLen != 0 {
		fs.pathTbl = htree.NewROHashTree(backend, sb.PathTblStart, sb.PathTblLen,
			crypto.FromKeyEntry(sb.PathTblKey, mode.Encrypted), cacheData)
	}
	if inodeCacheCap > 0 {
		fs.icac = lru.New[vfs.InodeID, *Inode](inodeCacheCap)
	}
	return fs, nil
}

func (fs *ROFS) fetchInode(iid vfs.InodeID) (*Inode, error) {
	blk, off := pos64Split(uint64(iid))
	start := pos64ToByte(blk, off)

	raw := make([]byte, dInodeBaseSize)
	if _, err := fs.inodeTbl.ReadExact(start, raw); err != nil {
		return nil, err
	}
	var base DInodeBase
	if err := base.decode(raw); err != nil {
		return nil, err
	}
	itp := fileTypeFromMode(base.Mode)

	var inodeSize int
	switch itp {
	case vfs.Reg:
		if base.Size <= DIRegInlineDataMax {
			inodeSize = dInodeBaseSize + alignUp(int(base.Size), InodeAlign)
		} else {
			inodeSize = dInodeRegSize
		}
	case vfs.Dir:
		if base.Size <= DEInlineMax {
			inodeSize = dInodeBaseSize + int(base.Size+2)*dirEntrySize
		} else {
			hdr := make([]byte, dInodeDirBaseNoInlineSize)
			if _, err := fs.inodeTbl.ReadExact(start, hdr); err != nil {
				return nil, err
			}
			diDirBase, err := decodeDInodeDirBaseNoInline(hdr)
			if err != nil {
				return nil, err
			}
			inodeSize = dInodeDirBaseNoInlineSize + int(diDirBase.NrIdx)*entryIndexSize
		}
	case vfs.Lnk:
		inodeSize = dInodeLnkSize
	default:
		return nil, vfs.New(vfs.ErrInvalidData)
	}

	raw = make([]byte, inodeSize)
	if _, err := fs.inodeTbl.ReadExact(start, raw); err != nil {
		return nil, err
	}
	return NewInodeFromRaw(raw, iid, itp, fs.backend, fs.sb.FileSecStart, fs.sb.FileSecLen, fs.mode.Encrypted, fs.cacheData)
}

func (fs *ROFS) getInode(iid vfs.InodeID) (*Inode, error) {
	if fs.icac == nil {
		return fs.fetchInode(iid)
	}
	if h, ok := fs.icac.Get(iid); ok {
		v := *h.Value()
		fs.icac.Release(h)
		return v, nil
	}
	ino, err := fs.fetchInode(iid)
	if err != nil {
		return nil, err
	}
	h, evicted, err := fs.icac.InsertAndGet(iid, ino)
	if err != nil {
		// Cache full/race: still return the freshly fetched inode.
		return ino, nil
	}
	_ = evicted // decoded inodes carry no dirty state, nothing to write back
	fs.icac.Release(h)
	return ino, nil
}

func (fs *ROFS) getDirEntName(de DirEntry) (string, error) {
	if int(de.Len) <= DEMaxInlineName {
		return string(de.Name[:de.Len]), nil
	}
	if fs.pathTbl == nil {
		return "", vfs.New(vfs.ErrInvalidData)
	}
	pos := uint64(0)
	for i := 0; i < 8; i++ {
		pos |= uint64(de.Name[i]) << (8 * i)
	}
	buf := make([]byte, de.Len)
	if _, err := fs.pathTbl.ReadExact(pos, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (fs *ROFS) readDirSlice(s dirEntrySlice) ([]DirEntry, error) {
	if !s.external {
		return s.inline, nil
	}
	buf := make([]byte, s.extCount*dirEntrySize)
	if _, err := fs.direntTbl.ReadExact(s.extStart, buf); err != nil {
		return nil, err
	}
	out := make([]DirEntry, s.extCount)
	for i := range out {
		off := i * dirEntrySize
		out[i] = decodeDirEntry(buf[off : off+dirEntrySize])
	}
	return out, nil
}

func (fs *ROFS) findInSlice(list []DirEntry, hash uint64, name string) (vfs.InodeID, bool, error) {
	for _, de := range list {
		if de.Hash != hash {
			continue
		}
		got, err := fs.getDirEntName(de)
		if err != nil {
			return 0, false, err
		}
		if got == name {
			return de.Ipos, true, nil
		}
	}
	return 0, false, nil
}

// --- vfs.FileSystem ---

func (fs *ROFS) Init() error { return nil }

func (fs *ROFS) Destroy() (vfs.FSModeBytes, error) {
	fs.inodeTbl.Flush()
	if fs.direntTbl != nil {
		fs.direntTbl.Flush()
	}
	if fs.pathTbl != nil {
		fs.pathTbl.Flush()
	}
	return vfs.FSModeBytes{
		Encrypted: fs.mode.Encrypted,
		Key:       fs.mode.Key,
		MAC:       fs.mode.MAC,
		Hash:      fs.mode.Hash,
	}, nil
}

func (fs *ROFS) FInfo() (vfs.FsInfo, error) { return fs.sb.FsInfo(), nil }

func (fs *ROFS) Fsync(datasync bool) error {
	fs.inodeTbl.Flush()
	if fs.direntTbl != nil {
		fs.direntTbl.Flush()
	}
	if fs.pathTbl != nil {
		fs.pathTbl.Flush()
	}
	return nil
}

func (fs *ROFS) IRead(iid vfs.InodeID, offset uint64, buf []byte) (int, error) {
	ino, err := fs.getInode(iid)
	if err != nil {
		return 0, err
	}
	return ino.ReadData(offset, buf)
}

func (fs *ROFS) IWrite(vfs.InodeID, uint64, []byte) (int, error) {
	return 0, vfs.New(vfs.ErrNotSupported)
}

func (fs *ROFS) GetMeta(iid vfs.InodeID) (vfs.Metadata, error) {
	ino, err := fs.getInode(iid)
	if err != nil {
		return vfs.Metadata{}, err
	}
	return ino.GetMeta(), nil
}

func (fs *ROFS) SetMeta(vfs.InodeID, vfs.SetMetadata) error {
	return vfs.New(vfs.ErrNotSupported)
}

func (fs *ROFS) IReadLink(iid vfs.InodeID) (string, error) {
	ino, err := fs.getInode(iid)
	if err != nil {
		return "", err
	}
	lnk, err := ino.GetLink()
	if err != nil {
		return "", err
	}
	if !lnk.Long {
		return lnk.Short, nil
	}
	if fs.pathTbl == nil {
		return "", vfs.New(vfs.ErrIncompatibleMetadata)
	}
	buf := make([]byte, lnk.Len)
	if _, err := fs.pathTbl.ReadExact(lnk.Pos, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (fs *ROFS) ISetLink(vfs.InodeID, string) error {
	return vfs.New(vfs.ErrNotSupported)
}

func (fs *ROFS) ISyncMeta(iid vfs.InodeID) error {
	if fs.icac != nil {
		fs.icac.UnmarkDirty(iid)
	}
	return nil
}

func (fs *ROFS) ISyncData(vfs.InodeID) error { return nil }

func (fs *ROFS) Create(vfs.InodeID, string, vfs.FileType, uint32, uint32, vfs.FilePerm) (vfs.InodeID, error) {
	return 0, vfs.New(vfs.ErrNotSupported)
}

func (fs *ROFS) Link(vfs.InodeID, string, vfs.InodeID) error {
	return vfs.New(vfs.ErrNotSupported)
}

func (fs *ROFS) Unlink(vfs.InodeID, string) error {
	return vfs.New(vfs.ErrNotSupported)
}

func (fs *ROFS) Symlink(vfs.InodeID, string, string, uint32, uint32) (vfs.InodeID, error) {
	return 0, vfs.New(vfs.ErrNotSupported)
}

func (fs *ROFS) Rename(vfs.InodeID, string, vfs.InodeID, string) error {
	return vfs.New(vfs.ErrNotSupported)
}

func (fs *ROFS) Lookup(iid vfs.InodeID, name string) (vfs.InodeID, bool, error) {
	ino, err := fs.getInode(iid)
	if err != nil {
		return 0, false, err
	}
	hash := crypto.HalfMD4([]byte(name))
	slice, ok, err := ino.LookupIndex(hash)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	list, err := fs.readDirSlice(slice)
	if err != nil {
		return 0, false, err
	}
	return fs.findInSlice(list, hash, name)
}

func (fs *ROFS) ListDir(iid vfs.InodeID, offset uint64, count int) ([]vfs.DirEntry, error) {
	ino, err := fs.getInode(iid)
	if err != nil {
		return nil, err
	}
	slice, ok, err := ino.GetEntryListInfo(offset)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if count > 0 && slice.external && slice.extCount > count {
		slice.extCount = count
	}
	if count > 0 && !slice.external && len(slice.inline) > count {
		slice.inline = slice.inline[:count]
	}
	list, err := fs.readDirSlice(slice)
	if err != nil {
		return nil, err
	}
	out := make([]vfs.DirEntry, 0, len(list))
	for _, de := range list {
		name, err := fs.getDirEntName(de)
		if err != nil {
			return nil, err
		}
		out = append(out, vfs.DirEntry{IID: de.Ipos, Name: name, FType: vfs.FileType(de.Tp)})
	}
	return out, nil
}

func (fs *ROFS) Fallocate(vfs.InodeID, vfs.FallocateMode, uint64, uint64) error {
	return vfs.New(vfs.ErrNotSupported)
}
