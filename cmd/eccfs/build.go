package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/KarpelesLab/eccfs/roimage"
	"github.com/KarpelesLab/eccfs/rw"
	"github.com/KarpelesLab/eccfs/storage"
	"github.com/KarpelesLab/eccfs/vfs"
)

func parseEncMode(mode string) (bool, error) {
	switch mode {
	case "enc":
		return true, nil
	case "int":
		return false, nil
	default:
		return false, fmt.Errorf("unrecognized fsmode %q, want enc or int", mode)
	}
}

func runBuild(tp, mode, target string) error {
	encrypted, err := parseEncMode(mode)
	if err != nil {
		return err
	}

	var modeBytes vfs.FSModeBytes
	switch tp {
	case "ro":
		modeBytes, err = buildRO(target, encrypted)
	case "rw":
		modeBytes, err = buildRW(target, encrypted)
	case "empty":
		modeBytes, err = buildEmpty(target, encrypted)
	default:
		return fmt.Errorf("unrecognized type %q, want ro, rw or empty", tp)
	}
	if err != nil {
		return err
	}

	printMode("Built", modeBytes)
	return writeModeFile(target+".mode", modeBytes)
}

func buildRO(target string, encrypted bool) (vfs.FSModeBytes, error) {
	imagePath := target + ".roimage"
	os.Remove(imagePath)
	f, err := os.OpenFile(imagePath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return vfs.FSModeBytes{}, err
	}
	defer f.Close()

	backend := storage.NewFileBackend(f)
	b, err := roimage.NewBuilder(backend, encrypted)
	if err != nil {
		return vfs.FSModeBytes{}, err
	}
	if _, err := roimage.BuildFromDir(b, target); err != nil {
		return vfs.FSModeBytes{}, err
	}
	return b.Finalize()
}

func buildRW(target string, encrypted bool) (vfs.FSModeBytes, error) {
	dir := target + ".rwimage"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return vfs.FSModeBytes{}, err
	}
	device := storage.NewFileDevice(dir)
	sbBackend, err := device.Create("meta")
	if err != nil {
		return vfs.FSModeBytes{}, err
	}
	sys, _, err := rw.New(device, sbBackend, encrypted, rw.DefaultInodeCacheCap)
	if err != nil {
		return vfs.FSModeBytes{}, err
	}
	if err := populateDir(sys, vfs.RootInodeID, target); err != nil {
		return vfs.FSModeBytes{}, err
	}
	return sys.Destroy()
}

func buildEmpty(target string, encrypted bool) (vfs.FSModeBytes, error) {
	dir := target + ".rwimage"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return vfs.FSModeBytes{}, err
	}
	device := storage.NewFileDevice(dir)
	sbBackend, err := device.Create("meta")
	if err != nil {
		return vfs.FSModeBytes{}, err
	}
	sys, _, err := rw.New(device, sbBackend, encrypted, rw.DefaultInodeCacheCap)
	if err != nil {
		return vfs.FSModeBytes{}, err
	}
	return sys.Destroy()
}

// populateDir walks the real directory tree at path and recreates it under
// parent in sys, the rw/overlay equivalent of roimage's BuildFromDir. Unlike
// BuildFromDir's post-order, it is pre-order: each directory is created
// before its children, with live Create/IWrite/Symlink calls against a
// mutable vfs.FileSystem instead of staged builder records.
func populateDir(sys vfs.FileSystem, parent vfs.InodeID, path string) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	uid, gid := uint32(os.Getuid()), uint32(os.Getgid())

	for _, e := range entries {
		full := filepath.Join(path, e.Name())
		info, err := e.Info()
		if err != nil {
			return err
		}
		perm := vfs.FilePerm(info.Mode().Perm())

		switch {
		case info.IsDir():
			iid, err := sys.Create(parent, e.Name(), vfs.Dir, uid, gid, perm)
			if err != nil {
				return err
			}
			if err := populateDir(sys, iid, full); err != nil {
				return err
			}

		case info.Mode()&os.ModeSymlink != 0:
			linkTarget, err := os.Readlink(full)
			if err != nil {
				return err
			}
			if _, err := sys.Symlink(parent, e.Name(), linkTarget, uid, gid); err != nil {
				return err
			}

		case info.Mode().IsRegular():
			iid, err := sys.Create(parent, e.Name(), vfs.Reg, uid, gid, perm)
			if err != nil {
				return err
			}
			if err := copyFileData(sys, iid, full); err != nil {
				return err
			}

		default:
			continue
		}
	}
	return nil
}

func copyFileData(sys vfs.FileSystem, iid vfs.InodeID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, 1<<20)
	var offset uint64
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, werr := sys.IWrite(iid, offset, buf[:n]); werr != nil {
				return werr
			}
			offset += uint64(n)
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}
