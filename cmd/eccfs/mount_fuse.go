//go:build fuse

package main

import (
	"fmt"
	"os"

	gofs "github.com/hanwen/go-fuse/v2/fs"

	"github.com/KarpelesLab/eccfs/fsbridge"
	"github.com/KarpelesLab/eccfs/overlay"
	"github.com/KarpelesLab/eccfs/ro"
	"github.com/KarpelesLab/eccfs/rw"
	"github.com/KarpelesLab/eccfs/storage"
	"github.com/KarpelesLab/eccfs/vfs"
)

func runMount(fsTp string, targets []string) error {
	switch fsTp {
	case "ro":
		return mountRO(targets[0])
	case "rw":
		return mountRW(targets[0])
	case "ovl":
		if len(targets) < 2 {
			return fmt.Errorf("ovl mount needs an upper rw target and at least one lower ro target")
		}
		return mountOvl(targets[0], targets[1:])
	default:
		return fmt.Errorf("unrecognized fs type %q, want ro, rw or ovl", fsTp)
	}
}

func openRO(target string) (*ro.ROFS, error) {
	b, err := readModeFile(target + ".mode")
	if err != nil {
		return nil, err
	}
	printMode("Mounting "+target, b)

	f, err := os.OpenFile(target+".roimage", os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	backend := storage.NewFileBackend(f)
	return ro.Open(backend, modeBytesToCrypto(b), true, ro.DefaultInodeCacheCap)
}

func openRW(target string) (*rw.RWFS, error) {
	b, err := readModeFile(target + ".mode")
	if err != nil {
		return nil, err
	}
	printMode("Mounting "+target, b)

	dir := target + ".rwimage"
	device := storage.NewFileDevice(dir)
	sbBackend, err := device.Open("meta")
	if err != nil {
		return nil, err
	}
	return rw.Open(device, sbBackend, modeBytesToCrypto(b), rw.DefaultInodeCacheCap)
}

func serve(sys vfs.FileSystem, target, mountpoint string, readOnly bool) error {
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return err
	}

	root := fsbridge.Root(sys)
	opts := &gofs.Options{}
	opts.AllowOther = true

	server, err := gofs.Mount(mountpoint, root, opts)
	if err != nil {
		return err
	}

	fmt.Printf("Mounted %s at %s, ctrl-c or fusermount -u to unmount\n", target, mountpoint)
	server.Wait()

	if readOnly {
		return nil
	}

	newMode, err := sys.Destroy()
	if err != nil {
		return err
	}
	printMode("New mode", newMode)
	return writeModeFile(target+".mode", newMode)
}

func mountRO(target string) error {
	sys, err := openRO(target)
	if err != nil {
		return err
	}
	return serve(sys, target, target+".mnt", true)
}

func mountRW(target string) error {
	sys, err := openRW(target)
	if err != nil {
		return err
	}
	return serve(sys, target, target+".mnt", false)
}

func mountOvl(upperTarget string, lowerTargets []string) error {
	upper, err := openRW(upperTarget)
	if err != nil {
		return err
	}
	layers := []vfs.FileSystem{upper}
	for _, lt := range lowerTargets {
		lower, err := openRO(lt)
		if err != nil {
			return err
		}
		layers = append(layers, lower)
	}
	ovl, err := overlay.New(layers)
	if err != nil {
		return err
	}
	return serve(ovl, upperTarget, upperTarget+".mnt", false)
}
