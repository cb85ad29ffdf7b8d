package roimage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/KarpelesLab/eccfs/ro"
	"github.com/KarpelesLab/eccfs/storage"
	"github.com/KarpelesLab/eccfs/vfs"
)

func TestBuildFromDir(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hi there"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "sub", "nested.txt"), []byte("nested"), 0o644); err != nil {
		t.Fatalf("WriteFile nested: %v", err)
	}
	if err := os.Symlink("hello.txt", filepath.Join(root, "link")); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	backend := storage.NewMemBackend(0)
	b, err := NewBuilder(backend, false)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	rootIID, err := BuildFromDir(b, root)
	if err != nil {
		t.Fatalf("BuildFromDir: %v", err)
	}
	if rootIID != vfs.RootInodeID {
		t.Fatalf("root iid = %d, want %d", rootIID, vfs.RootInodeID)
	}

	modeBytes, err := b.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	mode := modeFromBytes(modeBytes)

	fs, err := ro.Open(backend, mode, true, ro.DefaultInodeCacheCap)
	if err != nil {
		t.Fatalf("ro.Open: %v", err)
	}

	iid, ok, err := fs.Lookup(vfs.RootInodeID, "hello.txt")
	if err != nil || !ok {
		t.Fatalf("lookup hello.txt: ok=%v err=%v", ok, err)
	}
	buf := make([]byte, 32)
	n, err := fs.IRead(iid, 0, buf)
	if err != nil || string(buf[:n]) != "hi there" {
		t.Fatalf("content = %q err=%v", buf[:n], err)
	}

	linkIID, ok, err := fs.Lookup(vfs.RootInodeID, "link")
	if err != nil || !ok {
		t.Fatalf("lookup link: ok=%v err=%v", ok, err)
	}
	target, err := fs.IReadLink(linkIID)
	if err != nil || target != "hello.txt" {
		t.Fatalf("readlink = %q err=%v", target, err)
	}

	subIID, ok, err := fs.Lookup(vfs.RootInodeID, "sub")
	if err != nil || !ok {
		t.Fatalf("lookup sub: ok=%v err=%v", ok, err)
	}
	nestedIID, ok, err := fs.Lookup(subIID, "nested.txt")
	if err != nil || !ok {
		t.Fatalf("lookup nested.txt: ok=%v err=%v", ok, err)
	}
	n, err = fs.IRead(nestedIID, 0, buf)
	if err != nil || string(buf[:n]) != "nested" {
		t.Fatalf("nested content = %q err=%v", buf[:n], err)
	}

	dotdot, ok, err := fs.Lookup(subIID, "..")
	if err != nil || !ok || dotdot != vfs.RootInodeID {
		t.Fatalf("sub/.. = %d ok=%v err=%v", dotdot, ok, err)
	}
}
