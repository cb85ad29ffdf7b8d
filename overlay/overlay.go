// Package overlay implements the union filesystem (spec §4.8): one
// writable layer on top of zero or more read-only layers, with copy-up on
// first write and whiteout files standing in for deletion of a lower-layer
// entry.
package overlay

import (
	"sort"
	"strings"
	"sync"

	"github.com/KarpelesLab/eccfs/crypto"
	"github.com/KarpelesLab/eccfs/vfs"
)

// rwLayerIdx is the index of the writable layer within OverlayFS.layers.
// Layers 1..len(layers)-1 are read-only, ordered bottom to top: the last
// layer shadows the others and sits directly beneath the RW layer.
const rwLayerIdx = 0

const blackOutPrefix = ".blacked."

func blackOutNameOf(name string) string { return blackOutPrefix + name }

func isBlackOutName(name string) bool { return strings.HasPrefix(name, blackOutPrefix) }

func stripBlackOutPrefix(name string) string { return name[len(blackOutPrefix):] }

// layerPos is one (layer, inner inode id) position an overlay inode exists
// at. Regular files and symlinks have exactly one; directories carry one
// per layer that holds a same-named directory.
type layerPos struct {
	layer int
	iid   vfs.InodeID
}

// pathSeg is one path component from the overlay root, carrying the
// perm/uid/gid copy-up needs to recreate the segment in the RW layer.
type pathSeg struct {
	name string
	perm vfs.FilePerm
	uid  uint32
	gid  uint32
}

type childEntry struct {
	tp  vfs.FileType
	iid vfs.InodeID
}

// overlayInode is one node of the union tree.
type overlayInode struct {
	tp vfs.FileType

	// rwFIID/rwFIdx locate the nearest ancestor (possibly this node
	// itself) already materialised in the RW layer: rwFIdx indexes into
	// fullPath, rwFIID is that ancestor's inner inode id in the RW layer.
	rwFIID vfs.InodeID
	rwFIdx int

	fullPath []pathSeg
	ipos     []layerPos

	// blackOutRO marks that this name is shadowed in every RO layer by a
	// whiteout recorded in the RW layer, even though the file here may
	// itself live only in a RO layer (e.g. case: deleted then never
	// recreated).
	blackOutRO bool

	// children is nil until the directory's entries have been merged
	// across every layer by ensureChildrenCached.
	children map[string]childEntry
}

// OverlayFS unions layers[0] (mandatory, writable) with layers[1:] (read
// only, bottom to top).
type OverlayFS struct {
	mu      sync.RWMutex
	layers  []vfs.FileSystem
	icac    map[vfs.InodeID]*overlayInode
	nextIID vfs.InodeID
}

// New builds an overlay over layers. layers[0] is the writable layer and
// must already be mounted/formatted; layers[1:] are read-only, ordered
// bottom to top.
func New(layers []vfs.FileSystem) (*OverlayFS, error) {
	if len(layers) == 0 {
		return nil, vfs.New(vfs.ErrInvalidParameter)
	}

	ipos := make([]layerPos, 0, len(layers))
	ipos = append(ipos, layerPos{layer: rwLayerIdx, iid: vfs.RootInodeID})
	for i := len(layers) - 1; i >= 1; i-- {
		ipos = append(ipos, layerPos{layer: i, iid: vfs.RootInodeID})
	}

	root := &overlayInode{
		tp:       vfs.Dir,
		rwFIID:   vfs.RootInodeID,
		rwFIdx:   0,
		fullPath: []pathSeg{{name: "/", perm: 0755}},
		ipos:     ipos,
	}

	return &OverlayFS{
		layers:  layers,
		icac:    map[vfs.InodeID]*overlayInode{vfs.RootInodeID: root},
		nextIID: vfs.RootInodeID + 1,
	}, nil
}

func (o *OverlayFS) lookupLocked(iid vfs.InodeID) (*overlayInode, error) {
	ino, ok := o.icac[iid]
	if !ok {
		return nil, vfs.New(vfs.ErrNotFound)
	}
	return ino, nil
}

// insertInodeLocked allocates the next overlay inode id for ino. Caller
// must hold mu for writing.
func (o *OverlayFS) insertInodeLocked(ino *overlayInode) vfs.InodeID {
	iid := o.nextIID
	o.nextIID++
	o.icac[iid] = ino
	return iid
}

func dirHasROLayer(ino *overlayInode) bool {
	return len(ino.ipos) > 1 || ino.ipos[0].layer != rwLayerIdx
}

func childFullPath(parent []pathSeg, seg pathSeg) []pathSeg {
	out := make([]pathSeg, len(parent)+1)
	copy(out, parent)
	out[len(parent)] = seg
	return out
}

// ensureCopyUp materialises iid, and any not-yet-materialised ancestor, in
// the RW layer. After it returns, ino.ipos[0] names a RW layer position.
func (o *OverlayFS) ensureCopyUp(iid vfs.InodeID) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	ino, err := o.lookupLocked(iid)
	if err != nil {
		return err
	}
	if ino.rwFIdx == len(ino.fullPath)-1 {
		return nil
	}

	rwfs := o.layers[rwLayerIdx]
	father := ino.rwFIID
	idx := ino.rwFIdx + 1

	for idx < len(ino.fullPath)-1 {
		seg := ino.fullPath[idx]
		newIID, err := rwfs.Create(father, seg.name, vfs.Dir, seg.uid, seg.gid, seg.perm)
		if err != nil {
			if !vfs.Is(err, vfs.ErrAlreadyExists) {
				return err
			}
			existing, ok, lerr := rwfs.Lookup(father, seg.name)
			if lerr != nil {
				return lerr
			}
			if !ok {
				return vfs.New(vfs.ErrNotFound)
			}
			newIID = existing
		}
		father = newIID
		idx++
	}

	leaf := ino.fullPath[idx]
	newIID, err := rwfs.Create(father, leaf.name, ino.tp, leaf.uid, leaf.gid, leaf.perm)
	if err != nil {
		return err
	}

	switch ino.tp {
	case vfs.Reg:
		if len(ino.ipos) != 1 {
			return vfs.New(vfs.ErrInvalidData)
		}
		src := ino.ipos[0]
		if err := copyRegContent(o.layers[src.layer], src.iid, rwfs, newIID); err != nil {
			return err
		}
		ino.ipos[0] = layerPos{layer: rwLayerIdx, iid: newIID}
	case vfs.Dir:
		ino.ipos = append([]layerPos{{layer: rwLayerIdx, iid: newIID}}, ino.ipos...)
	case vfs.Lnk:
		if len(ino.ipos) != 1 {
			return vfs.New(vfs.ErrInvalidData)
		}
		src := ino.ipos[0]
		target, err := o.layers[src.layer].IReadLink(src.iid)
		if err != nil {
			return err
		}
		if err := rwfs.ISetLink(newIID, target); err != nil {
			return err
		}
		ino.ipos[0] = layerPos{layer: rwLayerIdx, iid: newIID}
	default:
		return vfs.New(vfs.ErrInvalidData)
	}

	ino.rwFIID = newIID
	ino.rwFIdx = len(ino.fullPath) - 1
	return nil
}

func copyRegContent(src vfs.FileSystem, srcIID vfs.InodeID, dst vfs.FileSystem, dstIID vfs.InodeID) error {
	meta, err := src.GetMeta(srcIID)
	if err != nil {
		return err
	}
	var buf [crypto.BlkSize]byte
	var done uint64
	for done < meta.Size {
		n, err := src.IRead(srcIID, done, buf[:])
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		if _, err := dst.IWrite(dstIID, done, buf[:n]); err != nil {
			return err
		}
		done += uint64(n)
	}
	return nil
}

// ensureBlackOutFile creates the whiteout sentinel for name under parent
// (in the RW layer fs) unless it already exists.
func (o *OverlayFS) ensureBlackOutFile(fs vfs.FileSystem, parent vfs.InodeID, name string) error {
	blkName := blackOutNameOf(name)
	if _, ok, err := fs.Lookup(parent, blkName); err != nil {
		return err
	} else if ok {
		return nil
	}
	meta, err := fs.GetMeta(parent)
	if err != nil {
		return err
	}
	_, err = fs.Create(parent, blkName, vfs.Reg, meta.UID, meta.GID, 0)
	return err
}

const enumBatch = 64

// ensureChildrenCached populates parent.children by walking every layer
// parent exists at and merging entries by name, upper layers shadowing
// lower ones, whiteouts from the RW layer suppressing same-named entries
// from RO layers.
func (o *OverlayFS) ensureChildrenCached(iid vfs.InodeID) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	parent, err := o.lookupLocked(iid)
	if err != nil {
		return err
	}
	if parent.children != nil {
		return nil
	}

	blackedOut := make(map[string]struct{})
	children := make(map[string]childEntry)

	for _, p := range parent.ipos {
		if p.layer != rwLayerIdx && parent.blackOutRO {
			continue
		}
		fs := o.layers[p.layer]
		var offset uint64
		for {
			entries, err := fs.ListDir(p.iid, offset, enumBatch)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				break
			}
			for _, de := range entries {
				if de.Name == "." || de.Name == ".." {
					// these are real, stored dirents in both the ro and rw
					// on-disk layouts, but they name the layer's own inner
					// inode id, not an overlay id; the overlay tracks
					// parent/self identity itself via fullPath/rwFIID.
					continue
				}
				if p.layer == rwLayerIdx && isBlackOutName(de.Name) {
					blackedOut[stripBlackOutPrefix(de.Name)] = struct{}{}
					continue
				}
				if existing, ok := children[de.Name]; ok {
					if de.FType == vfs.Dir && existing.tp == vfs.Dir {
						exIno, err := o.lookupLocked(existing.iid)
						if err != nil {
							return err
						}
						exIno.ipos = append(exIno.ipos, layerPos{layer: p.layer, iid: de.IID})
					}
					continue
				}

				meta, err := fs.GetMeta(de.IID)
				if err != nil {
					return err
				}

				rwFIID, rwFIdx := parent.rwFIID, parent.rwFIdx
				fullPath := childFullPath(parent.fullPath, pathSeg{name: de.Name, perm: meta.Perm, uid: meta.UID, gid: meta.GID})
				if p.layer == rwLayerIdx && parent.rwFIID == p.iid {
					rwFIID, rwFIdx = de.IID, len(fullPath)-1
				}

				blackOutRO := parent.blackOutRO
				if _, bo := blackedOut[de.Name]; bo {
					blackOutRO = true
				}

				newIno := &overlayInode{
					tp:         de.FType,
					rwFIID:     rwFIID,
					rwFIdx:     rwFIdx,
					fullPath:   fullPath,
					ipos:       []layerPos{{layer: p.layer, iid: de.IID}},
					blackOutRO: blackOutRO,
				}
				newIID := o.insertInodeLocked(newIno)
				children[de.Name] = childEntry{tp: de.FType, iid: newIID}
			}
			offset += uint64(len(entries))
			if len(entries) < enumBatch {
				break
			}
		}
	}

	// a name first seen in a RO layer may still be shadowed if the RW
	// layer's blackout for it is discovered later in the loop (RW is
	// iterated first here since rwLayerIdx == 0, so in practice this
	// only matters if that invariant ever changes).
	for name := range blackedOut {
		ce, ok := children[name]
		if !ok {
			continue
		}
		chIno, err := o.lookupLocked(ce.iid)
		if err != nil {
			return err
		}
		if chIno.ipos[0].layer != rwLayerIdx {
			delete(children, name)
		}
	}

	parent.children = children
	return nil
}

func (o *OverlayFS) Init() error {
	for _, fs := range o.layers {
		if err := fs.Init(); err != nil {
			return err
		}
	}
	return nil
}

func (o *OverlayFS) Destroy() (vfs.FSModeBytes, error) {
	for i := 1; i < len(o.layers); i++ {
		if _, err := o.layers[i].Destroy(); err != nil {
			return vfs.FSModeBytes{}, err
		}
	}
	return o.layers[rwLayerIdx].Destroy()
}

func (o *OverlayFS) FInfo() (vfs.FsInfo, error) {
	info, err := o.layers[rwLayerIdx].FInfo()
	if err != nil {
		return vfs.FsInfo{}, err
	}
	for i := 1; i < len(o.layers); i++ {
		li, err := o.layers[i].FInfo()
		if err != nil {
			return vfs.FsInfo{}, err
		}
		info.Blocks += li.Blocks
		info.BFree += li.BFree
		info.Files += li.Files
		if li.NameMax < info.NameMax {
			info.NameMax = li.NameMax
		}
	}
	return info, nil
}

// Fsync syncs RO layers before the RW layer, so the RW layer's metadata
// (which may reference freshly copied-up content) is never flushed ahead
// of the data it was copied from.
func (o *OverlayFS) Fsync(datasync bool) error {
	for i := len(o.layers) - 1; i >= 0; i-- {
		if err := o.layers[i].Fsync(datasync); err != nil {
			return err
		}
	}
	return nil
}

func (o *OverlayFS) IRead(iid vfs.InodeID, offset uint64, to []byte) (int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ino, err := o.lookupLocked(iid)
	if err != nil {
		return 0, err
	}
	if ino.tp != vfs.Reg {
		return 0, vfs.New(vfs.ErrInvalidParameter)
	}
	p := ino.ipos[0]
	return o.layers[p.layer].IRead(p.iid, offset, to)
}

func (o *OverlayFS) IWrite(iid vfs.InodeID, offset uint64, from []byte) (int, error) {
	if err := o.ensureCopyUp(iid); err != nil {
		return 0, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	ino, err := o.lookupLocked(iid)
	if err != nil {
		return 0, err
	}
	if ino.tp != vfs.Reg {
		return 0, vfs.New(vfs.ErrInvalidParameter)
	}
	p := ino.ipos[0]
	return o.layers[p.layer].IWrite(p.iid, offset, from)
}

func (o *OverlayFS) GetMeta(iid vfs.InodeID) (vfs.Metadata, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ino, err := o.lookupLocked(iid)
	if err != nil {
		return vfs.Metadata{}, err
	}

	top := ino.ipos[0]
	meta, err := o.layers[top.layer].GetMeta(top.iid)
	if err != nil {
		return vfs.Metadata{}, err
	}
	meta.IID = iid
	meta.FType = ino.tp

	if ino.tp == vfs.Dir {
		for _, p := range ino.ipos[1:] {
			mt, err := o.layers[p.layer].GetMeta(p.iid)
			if err != nil {
				return vfs.Metadata{}, err
			}
			meta.Size += mt.Size
			meta.Blocks += mt.Blocks
		}
	}
	return meta, nil
}

func (o *OverlayFS) SetMeta(iid vfs.InodeID, set vfs.SetMetadata) error {
	if err := o.ensureCopyUp(iid); err != nil {
		return err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	ino, err := o.lookupLocked(iid)
	if err != nil {
		return err
	}
	p := ino.ipos[0]
	return o.layers[p.layer].SetMeta(p.iid, set)
}

func (o *OverlayFS) IReadLink(iid vfs.InodeID) (string, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ino, err := o.lookupLocked(iid)
	if err != nil {
		return "", err
	}
	if ino.tp != vfs.Lnk {
		return "", vfs.New(vfs.ErrInvalidParameter)
	}
	p := ino.ipos[0]
	return o.layers[p.layer].IReadLink(p.iid)
}

func (o *OverlayFS) ISetLink(iid vfs.InodeID, target string) error {
	if err := o.ensureCopyUp(iid); err != nil {
		return err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	ino, err := o.lookupLocked(iid)
	if err != nil {
		return err
	}
	if ino.tp != vfs.Lnk {
		return vfs.New(vfs.ErrInvalidParameter)
	}
	p := ino.ipos[0]
	return o.layers[p.layer].ISetLink(p.iid, target)
}

func (o *OverlayFS) ISyncMeta(iid vfs.InodeID) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ino, err := o.lookupLocked(iid)
	if err != nil {
		return err
	}
	if ino.tp == vfs.Dir {
		for _, p := range ino.ipos {
			if err := o.layers[p.layer].ISyncMeta(p.iid); err != nil {
				return err
			}
		}
		return nil
	}
	p := ino.ipos[0]
	return o.layers[p.layer].ISyncMeta(p.iid)
}

func (o *OverlayFS) ISyncData(iid vfs.InodeID) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ino, err := o.lookupLocked(iid)
	if err != nil {
		return err
	}
	if ino.tp == vfs.Dir {
		for _, p := range ino.ipos {
			if err := o.layers[p.layer].ISyncData(p.iid); err != nil {
				return err
			}
		}
		return nil
	}
	p := ino.ipos[0]
	return o.layers[p.layer].ISyncData(p.iid)
}

func (o *OverlayFS) Create(parent vfs.InodeID, name string, ftype vfs.FileType, uid, gid uint32, perm vfs.FilePerm) (vfs.InodeID, error) {
	if isBlackOutName(name) {
		return 0, vfs.New(vfs.ErrPermissionDenied)
	}
	if _, ok, err := o.Lookup(parent, name); err != nil {
		return 0, err
	} else if ok {
		return 0, vfs.New(vfs.ErrAlreadyExists)
	}
	if err := o.ensureCopyUp(parent); err != nil {
		return 0, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	ino, err := o.lookupLocked(parent)
	if err != nil {
		return 0, err
	}
	if ino.tp != vfs.Dir {
		return 0, vfs.New(vfs.ErrNotADirectory)
	}
	p := ino.ipos[0]
	// the RW anchor recorded on ino must already be ino's own RW
	// position; anything else means a stale ancestor was inherited by a
	// directory created directly in the RW layer (see DESIGN.md).
	if ino.rwFIID != p.iid {
		return 0, vfs.New(vfs.ErrInvalidParameter)
	}
	rwfs := o.layers[rwLayerIdx]

	newIID, err := rwfs.Create(p.iid, name, ftype, uid, gid, perm)
	if err != nil {
		return 0, err
	}
	_, blackedOut, err := rwfs.Lookup(p.iid, blackOutNameOf(name))
	if err != nil {
		return 0, err
	}

	fullPath := childFullPath(ino.fullPath, pathSeg{name: name, perm: perm, uid: uid, gid: gid})
	newIno := &overlayInode{
		tp: ftype,
		// the new node's own RW anchor is itself, not the parent's: a
		// later copy-up of one of ITS children must start from this
		// inode's own RW position, not the parent's.
		rwFIID:     newIID,
		rwFIdx:     len(fullPath) - 1,
		fullPath:   fullPath,
		ipos:       []layerPos{{layer: rwLayerIdx, iid: newIID}},
		blackOutRO: ino.blackOutRO || blackedOut,
	}
	overlayIID := o.insertInodeLocked(newIno)
	if ino.children != nil {
		ino.children[name] = childEntry{tp: ftype, iid: overlayIID}
	}
	return overlayIID, nil
}

func (o *OverlayFS) Link(parent vfs.InodeID, name string, target vfs.InodeID) error {
	if isBlackOutName(name) {
		return vfs.New(vfs.ErrPermissionDenied)
	}
	if _, ok, err := o.Lookup(parent, name); err != nil {
		return err
	} else if ok {
		return vfs.New(vfs.ErrAlreadyExists)
	}
	if err := o.ensureCopyUp(parent); err != nil {
		return err
	}
	if err := o.ensureCopyUp(target); err != nil {
		return err
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	to, err := o.lookupLocked(target)
	if err != nil {
		return err
	}
	if to.tp == vfs.Dir {
		return vfs.New(vfs.ErrIsADirectory)
	}
	toPos := to.ipos[0]
	if toPos.layer != rwLayerIdx {
		return vfs.New(vfs.ErrInvalidParameter)
	}

	fromIno, err := o.lookupLocked(parent)
	if err != nil {
		return err
	}
	fromPos := fromIno.ipos[0]
	if fromPos.layer != rwLayerIdx {
		return vfs.New(vfs.ErrInvalidParameter)
	}

	return o.layers[rwLayerIdx].Link(fromPos.iid, name, toPos.iid)
}

func (o *OverlayFS) Unlink(parent vfs.InodeID, name string) error {
	if isBlackOutName(name) {
		return vfs.New(vfs.ErrPermissionDenied)
	}
	if err := o.ensureCopyUp(parent); err != nil {
		return err
	}

	o.mu.RLock()
	fino, err := o.lookupLocked(parent)
	if err != nil {
		o.mu.RUnlock()
		return err
	}
	fpos := fino.ipos[0]
	o.mu.RUnlock()
	if fpos.layer != rwLayerIdx {
		return vfs.New(vfs.ErrInvalidParameter)
	}

	rwfs := o.layers[rwLayerIdx]
	if err := rwfs.Unlink(fpos.iid, name); err != nil && !vfs.Is(err, vfs.ErrNotFound) {
		return err
	}
	// a whiteout is recorded even when the RW layer never had this
	// entry, so that a same-named RO layer entry stays shadowed.
	if err := o.ensureBlackOutFile(rwfs, fpos.iid, name); err != nil {
		return err
	}

	o.mu.Lock()
	if fino.children != nil {
		delete(fino.children, name)
	}
	o.mu.Unlock()
	return nil
}

func (o *OverlayFS) Symlink(parent vfs.InodeID, name, target string, uid, gid uint32) (vfs.InodeID, error) {
	if isBlackOutName(name) {
		return 0, vfs.New(vfs.ErrPermissionDenied)
	}
	if _, ok, err := o.Lookup(parent, name); err != nil {
		return 0, err
	} else if ok {
		return 0, vfs.New(vfs.ErrAlreadyExists)
	}
	if err := o.ensureCopyUp(parent); err != nil {
		return 0, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	ino, err := o.lookupLocked(parent)
	if err != nil {
		return 0, err
	}
	if ino.tp != vfs.Dir {
		return 0, vfs.New(vfs.ErrNotADirectory)
	}
	p := ino.ipos[0]
	if ino.rwFIID != p.iid {
		return 0, vfs.New(vfs.ErrInvalidParameter)
	}
	rwfs := o.layers[rwLayerIdx]

	newIID, err := rwfs.Symlink(p.iid, name, target, uid, gid)
	if err != nil {
		return 0, err
	}
	_, blackedOut, err := rwfs.Lookup(p.iid, blackOutNameOf(name))
	if err != nil {
		return 0, err
	}

	fullPath := childFullPath(ino.fullPath, pathSeg{name: name, perm: 0777, uid: uid, gid: gid})
	newIno := &overlayInode{
		tp:         vfs.Lnk,
		rwFIID:     newIID,
		rwFIdx:     len(fullPath) - 1,
		fullPath:   fullPath,
		ipos:       []layerPos{{layer: rwLayerIdx, iid: newIID}},
		blackOutRO: ino.blackOutRO || blackedOut,
	}
	overlayIID := o.insertInodeLocked(newIno)
	if ino.children != nil {
		ino.children[name] = childEntry{tp: vfs.Lnk, iid: overlayIID}
	}
	return overlayIID, nil
}

func (o *OverlayFS) Rename(from vfs.InodeID, name string, to vfs.InodeID, newname string) error {
	if isBlackOutName(name) || isBlackOutName(newname) {
		return vfs.New(vfs.ErrPermissionDenied)
	}
	if _, ok, err := o.Lookup(to, newname); err != nil {
		return err
	} else if ok {
		return vfs.New(vfs.ErrAlreadyExists)
	}

	oldIID, ok, err := o.Lookup(from, name)
	if err != nil {
		return err
	}
	if !ok {
		return vfs.New(vfs.ErrNotFound)
	}

	o.mu.RLock()
	oldIno, err := o.lookupLocked(oldIID)
	if err != nil {
		o.mu.RUnlock()
		return err
	}
	// a directory still backed by a RO layer cannot be moved: the RW
	// layer has no single inode to rename that would carry the RO
	// content along with it.
	movesDir := oldIno.tp == vfs.Dir && dirHasROLayer(oldIno)
	o.mu.RUnlock()
	if movesDir {
		return vfs.New(vfs.ErrPermissionDenied)
	}

	if err := o.ensureCopyUp(from); err != nil {
		return err
	}
	if err := o.ensureCopyUp(to); err != nil {
		return err
	}
	if err := o.ensureCopyUp(oldIID); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	fromIno, err := o.lookupLocked(from)
	if err != nil {
		return err
	}
	if fromIno.tp != vfs.Dir {
		return vfs.New(vfs.ErrNotADirectory)
	}
	fromPos := fromIno.ipos[0]
	if fromPos.layer != rwLayerIdx {
		return vfs.New(vfs.ErrInvalidParameter)
	}
	rwfs := o.layers[rwLayerIdx]

	toInnd := fromPos.iid
	var toIno *overlayInode
	if from != to {
		toIno, err = o.lookupLocked(to)
		if err != nil {
			return err
		}
		if toIno.tp != vfs.Dir {
			return vfs.New(vfs.ErrNotADirectory)
		}
		toPos := toIno.ipos[0]
		if toPos.layer != rwLayerIdx {
			return vfs.New(vfs.ErrInvalidParameter)
		}
		toInnd = toPos.iid
	}

	if err := rwfs.Rename(fromPos.iid, name, toInnd, newname); err != nil {
		return err
	}
	// unconditionally whiteout the old name, even though it has just
	// been renamed away, so a same-named RO layer entry stays shadowed.
	if err := o.ensureBlackOutFile(rwfs, fromPos.iid, name); err != nil {
		return err
	}

	if fromIno.children != nil {
		delete(fromIno.children, name)
	}
	destChildren := fromIno.children
	if from != to {
		destChildren = toIno.children
	}
	if destChildren != nil {
		destChildren[newname] = childEntry{tp: oldIno.tp, iid: oldIID}
	}

	if n := len(oldIno.fullPath); n > 0 {
		seg := oldIno.fullPath[n-1]
		seg.name = newname
		oldIno.fullPath[n-1] = seg
	}
	return nil
}

func (o *OverlayFS) Lookup(iid vfs.InodeID, name string) (vfs.InodeID, bool, error) {
	if err := o.ensureChildrenCached(iid); err != nil {
		return 0, false, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	ino, err := o.lookupLocked(iid)
	if err != nil {
		return 0, false, err
	}
	ce, ok := ino.children[name]
	return ce.iid, ok, nil
}

func (o *OverlayFS) ListDir(iid vfs.InodeID, offset uint64, count int) ([]vfs.DirEntry, error) {
	if err := o.ensureChildrenCached(iid); err != nil {
		return nil, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	ino, err := o.lookupLocked(iid)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(ino.children))
	for name := range ino.children {
		names = append(names, name)
	}
	sort.Strings(names)

	if offset >= uint64(len(names)) {
		return nil, nil
	}
	names = names[offset:]
	if count > 0 && len(names) > count {
		names = names[:count]
	}

	out := make([]vfs.DirEntry, len(names))
	for i, name := range names {
		ce := ino.children[name]
		out[i] = vfs.DirEntry{IID: ce.iid, Name: name, FType: ce.tp}
	}
	return out, nil
}

func (o *OverlayFS) Fallocate(iid vfs.InodeID, mode vfs.FallocateMode, offset, length uint64) error {
	if err := o.ensureCopyUp(iid); err != nil {
		return err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	ino, err := o.lookupLocked(iid)
	if err != nil {
		return err
	}
	if ino.tp != vfs.Reg {
		return vfs.New(vfs.ErrInvalidParameter)
	}
	p := ino.ipos[0]
	return o.layers[p.layer].Fallocate(p.iid, mode, offset, length)
}
