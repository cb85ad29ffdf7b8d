package roimage

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/KarpelesLab/eccfs/vfs"
)

// BuildFromDir walks the real directory tree rooted at rootPath and feeds
// it into b bottom-up: each directory's children are fully built (and,
// if they are themselves directories, their own children recursively)
// before the directory's own inode record is written, the same
// post-order a writer.Add-style fs.WalkDir callback would visit in if it
// wrote each node's record immediately instead of staging a tree and
// writing it at Finalize time. Call this on a freshly created Builder;
// it reserves and fills the root itself.
func BuildFromDir(b *Builder, rootPath string) (vfs.InodeID, error) {
	entries, err := sortedDirEntries(rootPath)
	if err != nil {
		return 0, err
	}
	nrChildren := 0
	for _, e := range entries {
		if t := e.Type(); t.IsDir() || t.IsRegular() || t&fs.ModeSymlink != 0 {
			nrChildren++
		}
	}
	if err := b.ReserveRoot(nrChildren); err != nil {
		return 0, err
	}
	children, err := buildChildren(b, rootPath, entries)
	if err != nil {
		return 0, err
	}
	meta, err := dirMeta(rootPath)
	if err != nil {
		return 0, err
	}
	root, err := b.FinishRoot(children, meta)
	if err != nil {
		return 0, err
	}
	return root.IID, nil
}

func sortedDirEntries(dir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, vfs.Wrap("roimage.walk", vfs.ErrIOError, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}

// buildChildren builds every entry of dir, recursing into subdirectories
// first so a directory's own record is only ever written after all of
// its children's ids are known. Device files, sockets and fifos are
// skipped: eccfs only models regular files, directories and symlinks.
func buildChildren(b *Builder, dir string, entries []os.DirEntry) ([]NamedChild, error) {
	children := make([]NamedChild, 0, len(entries))
	for _, e := range entries {
		full := filepath.Join(dir, e.Name())
		info, err := e.Info()
		if err != nil {
			return nil, vfs.Wrap("roimage.walk", vfs.ErrIOError, err)
		}
		meta := metaFromInfo(info)

		var child Child
		switch {
		case info.IsDir():
			sub, err := sortedDirEntries(full)
			if err != nil {
				return nil, err
			}
			grandChildren, err := buildChildren(b, full, sub)
			if err != nil {
				return nil, err
			}
			child, err = b.HandleDir(grandChildren, meta)
			if err != nil {
				return nil, err
			}
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(full)
			if err != nil {
				return nil, vfs.Wrap("roimage.walk", vfs.ErrIOError, err)
			}
			child, err = b.HandleSym(target, meta)
			if err != nil {
				return nil, err
			}
		case info.Mode().IsRegular():
			f, err := os.Open(full)
			if err != nil {
				return nil, vfs.Wrap("roimage.walk", vfs.ErrIOError, err)
			}
			child, err = b.HandleReg(f, uint64(info.Size()), meta)
			f.Close()
			if err != nil {
				return nil, err
			}
		default:
			continue
		}
		children = append(children, NamedChild{Name: e.Name(), Child: child})
	}
	return children, nil
}

func metaFromInfo(info os.FileInfo) InodeMeta {
	uid, gid := statOwner(info)
	return InodeMeta{Perm: vfs.FilePerm(info.Mode().Perm()), UID: uid, GID: gid, Mtime: info.ModTime()}
}

func dirMeta(path string) (InodeMeta, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return InodeMeta{}, vfs.Wrap("roimage.walk", vfs.ErrIOError, err)
	}
	return metaFromInfo(info), nil
}
