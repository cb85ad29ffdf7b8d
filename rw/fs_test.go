package rw

import (
	"bytes"
	"testing"

	"github.com/KarpelesLab/eccfs/crypto"
	"github.com/KarpelesLab/eccfs/storage"
	"github.com/KarpelesLab/eccfs/vfs"
)

func modeFromBytes(b vfs.FSModeBytes) crypto.FSMode {
	return crypto.FSMode{Encrypted: b.Encrypted, Key: b.Key, MAC: b.MAC, Hash: b.Hash}
}

func newTestFS(t *testing.T, encrypted bool) (*RWFS, storage.Device, storage.Backend) {
	t.Helper()
	device := storage.NewMemDevice()
	sbBackend := storage.NewMemBackend(0)
	fs, _, err := New(device, sbBackend, encrypted, DefaultInodeCacheCap)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fs, device, sbBackend
}

func TestNewHasEmptyRoot(t *testing.T) {
	fs, _, _ := newTestFS(t, false)
	meta, err := fs.GetMeta(vfs.RootInodeID)
	if err != nil {
		t.Fatalf("GetMeta(root): %v", err)
	}
	if meta.FType != vfs.Dir {
		t.Fatalf("root is not a directory: %v", meta.FType)
	}
	entries, err := fs.ListDir(vfs.RootInodeID, 0, 0)
	if err != nil {
		t.Fatalf("ListDir(root): %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries (. and ..), got %d", len(entries))
	}
}

func TestCreateWriteReadInline(t *testing.T) {
	fs, _, _ := newTestFS(t, false)
	iid, err := fs.Create(vfs.RootInodeID, "hello", vfs.Reg, 0, 0, 0644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	content := []byte("hello, eccfs")
	n, err := fs.IWrite(iid, 0, content)
	if err != nil || n != len(content) {
		t.Fatalf("IWrite: n=%d err=%v", n, err)
	}

	buf := make([]byte, len(content))
	n, err = fs.IRead(iid, 0, buf)
	if err != nil || n != len(content) {
		t.Fatalf("IRead: n=%d err=%v", n, err)
	}
	if !bytes.Equal(buf, content) {
		t.Fatalf("content mismatch: got %q want %q", buf, content)
	}

	found, ok, err := fs.Lookup(vfs.RootInodeID, "hello")
	if err != nil || !ok || found != iid {
		t.Fatalf("Lookup: found=%v ok=%v err=%v", found, ok, err)
	}
}

func TestWritePastThresholdPromotesToHtree(t *testing.T) {
	fs, _, _ := newTestFS(t, false)
	iid, err := fs.Create(vfs.RootInodeID, "big", vfs.Reg, 0, 0, 0644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	big := bytes.Repeat([]byte{0xAB}, crypto.BlkSize+128)
	if _, err := fs.IWrite(iid, 0, big); err != nil {
		t.Fatalf("IWrite: %v", err)
	}

	ino, h, err := fs.getInode(iid)
	if err != nil {
		t.Fatalf("getInode: %v", err)
	}
	if ino.reg == nil {
		t.Fatalf("expected write past RegInlineExpandThreshold to promote to external storage")
	}
	fs.icac.Release(h)

	readBack := make([]byte, len(big))
	if _, err := fs.IRead(iid, 0, readBack); err != nil {
		t.Fatalf("IRead: %v", err)
	}
	if !bytes.Equal(readBack, big) {
		t.Fatalf("content mismatch after promotion")
	}
}

func TestSyncDataDemotesSmallFileBackToInline(t *testing.T) {
	fs, _, _ := newTestFS(t, false)
	iid, err := fs.Create(vfs.RootInodeID, "shrink", vfs.Reg, 0, 0, 0644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	big := bytes.Repeat([]byte{0x11}, crypto.BlkSize+128)
	if _, err := fs.IWrite(iid, 0, big); err != nil {
		t.Fatalf("IWrite: %v", err)
	}
	small := []byte("tiny")
	if err := fs.SetMeta(iid, vfs.SetMetadata{Size: &[]uint64{uint64(len(small))}[0]}); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	if _, err := fs.IWrite(iid, 0, small); err != nil {
		t.Fatalf("IWrite: %v", err)
	}
	if err := fs.ISyncData(iid); err != nil {
		t.Fatalf("ISyncData: %v", err)
	}

	ino, h, err := fs.getInode(iid)
	if err != nil {
		t.Fatalf("getInode: %v", err)
	}
	if ino.regInline == nil {
		t.Fatalf("expected sync to demote small file back to inline storage")
	}
	fs.icac.Release(h)
}

func TestMkdirAndNestedLookup(t *testing.T) {
	fs, _, _ := newTestFS(t, false)
	dirIID, err := fs.Create(vfs.RootInodeID, "sub", vfs.Dir, 0, 0, 0755)
	if err != nil {
		t.Fatalf("Create(dir): %v", err)
	}
	fileIID, err := fs.Create(dirIID, "leaf", vfs.Reg, 0, 0, 0644)
	if err != nil {
		t.Fatalf("Create(file): %v", err)
	}
	found, ok, err := fs.Lookup(dirIID, "leaf")
	if err != nil || !ok || found != fileIID {
		t.Fatalf("Lookup: found=%v ok=%v err=%v", found, ok, err)
	}
	entries, err := fs.ListDir(dirIID, 0, 0)
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	if len(entries) != 3 { // ".", "..", "leaf"
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
}

func TestUnlinkRemovesEntryAndFreesInode(t *testing.T) {
	fs, _, _ := newTestFS(t, false)
	iid, err := fs.Create(vfs.RootInodeID, "gone", vfs.Reg, 0, 0, 0644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := fs.IWrite(iid, 0, []byte("data")); err != nil {
		t.Fatalf("IWrite: %v", err)
	}
	if err := fs.Unlink(vfs.RootInodeID, "gone"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, ok, err := fs.Lookup(vfs.RootInodeID, "gone"); err != nil || ok {
		t.Fatalf("expected entry gone, ok=%v err=%v", ok, err)
	}
}

func TestUnlinkNonEmptyDirFails(t *testing.T) {
	fs, _, _ := newTestFS(t, false)
	dirIID, err := fs.Create(vfs.RootInodeID, "sub", vfs.Dir, 0, 0, 0755)
	if err != nil {
		t.Fatalf("Create(dir): %v", err)
	}
	if _, err := fs.Create(dirIID, "leaf", vfs.Reg, 0, 0, 0644); err != nil {
		t.Fatalf("Create(file): %v", err)
	}
	err = fs.Unlink(vfs.RootInodeID, "sub")
	if !vfs.Is(err, vfs.ErrDirectoryNotEmpty) {
		t.Fatalf("expected ErrDirectoryNotEmpty, got %v", err)
	}
}

func TestRenameAcrossDirectories(t *testing.T) {
	fs, _, _ := newTestFS(t, false)
	srcDir, err := fs.Create(vfs.RootInodeID, "src", vfs.Dir, 0, 0, 0755)
	if err != nil {
		t.Fatalf("Create(src): %v", err)
	}
	dstDir, err := fs.Create(vfs.RootInodeID, "dst", vfs.Dir, 0, 0, 0755)
	if err != nil {
		t.Fatalf("Create(dst): %v", err)
	}
	fileIID, err := fs.Create(srcDir, "f", vfs.Reg, 0, 0, 0644)
	if err != nil {
		t.Fatalf("Create(f): %v", err)
	}

	if err := fs.Rename(srcDir, "f", dstDir, "g"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, ok, _ := fs.Lookup(srcDir, "f"); ok {
		t.Fatalf("old entry should be gone")
	}
	found, ok, err := fs.Lookup(dstDir, "g")
	if err != nil || !ok || found != fileIID {
		t.Fatalf("Lookup(dst,g): found=%v ok=%v err=%v", found, ok, err)
	}
}

func TestSymlinkInlineAndExternal(t *testing.T) {
	fs, _, _ := newTestFS(t, false)

	shortTarget := "short"
	iid, err := fs.Symlink(vfs.RootInodeID, "link1", shortTarget, 0, 0)
	if err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	got, err := fs.IReadLink(iid)
	if err != nil || got != shortTarget {
		t.Fatalf("IReadLink: got=%q err=%v", got, err)
	}

	longTarget := string(bytes.Repeat([]byte("x"), LnkInlineMax+10))
	iid2, err := fs.Symlink(vfs.RootInodeID, "link2", longTarget, 0, 0)
	if err != nil {
		t.Fatalf("Symlink(long): %v", err)
	}
	if err := fs.ISyncData(iid2); err != nil {
		t.Fatalf("ISyncData: %v", err)
	}
	ino, h, err := fs.getInode(iid2)
	if err != nil {
		t.Fatalf("getInode: %v", err)
	}
	if ino.lnk == nil {
		t.Fatalf("expected long symlink target to be promoted to an external name file")
	}
	fs.icac.Release(h)

	got2, err := fs.IReadLink(iid2)
	if err != nil || got2 != longTarget {
		t.Fatalf("IReadLink(long): err=%v", err)
	}
}

func TestFallocateGrowsAndZeroes(t *testing.T) {
	fs, _, _ := newTestFS(t, false)
	iid, err := fs.Create(vfs.RootInodeID, "falloc", vfs.Reg, 0, 0, 0644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := fs.IWrite(iid, 0, []byte("abcdefgh")); err != nil {
		t.Fatalf("IWrite: %v", err)
	}
	if err := fs.Fallocate(iid, vfs.FallocateZeroRange, 4, 4096); err != nil {
		t.Fatalf("Fallocate: %v", err)
	}
	meta, err := fs.GetMeta(iid)
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if meta.Size != 4+4096 {
		t.Fatalf("expected size = max(size,end) = %d, got %d", 4+4096, meta.Size)
	}
	buf := make([]byte, 4)
	if _, err := fs.IRead(iid, 4, buf); err != nil {
		t.Fatalf("IRead: %v", err)
	}
	if !bytes.Equal(buf, []byte{0, 0, 0, 0}) {
		t.Fatalf("expected zeroed range, got %v", buf)
	}
}

func TestFsyncThenReopen(t *testing.T) {
	fs, device, sbBackend := newTestFS(t, false)
	iid, err := fs.Create(vfs.RootInodeID, "persist", vfs.Reg, 0, 0, 0644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	content := []byte("durable bytes")
	if _, err := fs.IWrite(iid, 0, content); err != nil {
		t.Fatalf("IWrite: %v", err)
	}
	modeBytes, err := fs.Destroy()
	if err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	reopened, err := Open(device, sbBackend, modeFromBytes(modeBytes), DefaultInodeCacheCap)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	found, ok, err := reopened.Lookup(vfs.RootInodeID, "persist")
	if err != nil || !ok || found != iid {
		t.Fatalf("Lookup after reopen: found=%v ok=%v err=%v", found, ok, err)
	}
	buf := make([]byte, len(content))
	if _, err := reopened.IRead(found, 0, buf); err != nil {
		t.Fatalf("IRead after reopen: %v", err)
	}
	if !bytes.Equal(buf, content) {
		t.Fatalf("content mismatch after reopen: got %q want %q", buf, content)
	}
}

func TestBitmapAllocationPersistsAcrossReopen(t *testing.T) {
	fs, device, sbBackend := newTestFS(t, false)
	var last vfs.InodeID
	for i := 0; i < 5; i++ {
		iid, err := fs.Create(vfs.RootInodeID, string(rune('a'+i)), vfs.Reg, 0, 0, 0644)
		if err != nil {
			t.Fatalf("Create #%d: %v", i, err)
		}
		last = iid
	}
	if err := fs.Unlink(vfs.RootInodeID, "a"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	modeBytes, err := fs.Destroy()
	if err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	reopened, err := Open(device, sbBackend, modeFromBytes(modeBytes), DefaultInodeCacheCap)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// The freed slot for "a" must not collide with any inode still in use,
	// including the most recently created one.
	newIID, err := reopened.Create(vfs.RootInodeID, "z", vfs.Reg, 0, 0, 0644)
	if err != nil {
		t.Fatalf("Create after reopen: %v", err)
	}
	if newIID == last {
		t.Fatalf("newly allocated inode id collides with a still-live one")
	}
}

func TestEncryptedRoundTrip(t *testing.T) {
	fs, device, sbBackend := newTestFS(t, true)
	iid, err := fs.Create(vfs.RootInodeID, "secret", vfs.Reg, 0, 0, 0600)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	content := bytes.Repeat([]byte{0x42}, crypto.BlkSize*2)
	if _, err := fs.IWrite(iid, 0, content); err != nil {
		t.Fatalf("IWrite: %v", err)
	}
	modeBytes, err := fs.Destroy()
	if err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	reopened, err := Open(device, sbBackend, modeFromBytes(modeBytes), DefaultInodeCacheCap)
	if err != nil {
		t.Fatalf("Open(encrypted): %v", err)
	}
	buf := make([]byte, len(content))
	if _, err := reopened.IRead(iid, 0, buf); err != nil {
		t.Fatalf("IRead(encrypted): %v", err)
	}
	if !bytes.Equal(buf, content) {
		t.Fatalf("content mismatch on encrypted round trip")
	}
}
