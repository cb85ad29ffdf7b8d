package overlay

import (
	"testing"

	"github.com/KarpelesLab/eccfs/rw"
	"github.com/KarpelesLab/eccfs/storage"
	"github.com/KarpelesLab/eccfs/vfs"
)

func newLayer(t *testing.T) *rw.RWFS {
	t.Helper()
	device := storage.NewMemDevice()
	sbBackend := storage.NewMemBackend(0)
	fs, _, err := rw.New(device, sbBackend, false, rw.DefaultInodeCacheCap)
	if err != nil {
		t.Fatalf("rw.New: %v", err)
	}
	return fs
}

// seedFile creates name directly on a rw layer's root, for use as
// lower-layer ("read-only" in spirit, not enforced) content.
func seedFile(t *testing.T, fs *rw.RWFS, name, content string) vfs.InodeID {
	t.Helper()
	iid, err := fs.Create(vfs.RootInodeID, name, vfs.Reg, 0, 0, 0644)
	if err != nil {
		t.Fatalf("seed Create(%s): %v", name, err)
	}
	if content != "" {
		if _, err := fs.IWrite(iid, 0, []byte(content)); err != nil {
			t.Fatalf("seed IWrite(%s): %v", name, err)
		}
	}
	return iid
}

func newOverlay(t *testing.T, layers ...vfs.FileSystem) *OverlayFS {
	t.Helper()
	o, err := New(layers)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func TestRootListsUnionOfLayers(t *testing.T) {
	roFS := newLayer(t)
	seedFile(t, roFS, "lower.txt", "lower")
	rwFS := newLayer(t)

	o := newOverlay(t, rwFS, roFS)

	entries, err := o.ListDir(vfs.RootInodeID, 0, 0)
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "lower.txt" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestReadThroughToLowerLayer(t *testing.T) {
	roFS := newLayer(t)
	seedFile(t, roFS, "lower.txt", "hello from below")
	rwFS := newLayer(t)

	o := newOverlay(t, rwFS, roFS)

	iid, ok, err := o.Lookup(vfs.RootInodeID, "lower.txt")
	if err != nil || !ok {
		t.Fatalf("Lookup: ok=%v err=%v", ok, err)
	}
	buf := make([]byte, 64)
	n, err := o.IRead(iid, 0, buf)
	if err != nil {
		t.Fatalf("IRead: %v", err)
	}
	if string(buf[:n]) != "hello from below" {
		t.Fatalf("unexpected content: %q", buf[:n])
	}
}

func TestWriteTriggersCopyUp(t *testing.T) {
	roFS := newLayer(t)
	seedFile(t, roFS, "f.txt", "original")
	rwFS := newLayer(t)

	o := newOverlay(t, rwFS, roFS)

	iid, ok, err := o.Lookup(vfs.RootInodeID, "f.txt")
	if err != nil || !ok {
		t.Fatalf("Lookup: ok=%v err=%v", ok, err)
	}
	if _, err := o.IWrite(iid, 0, []byte("changed!")); err != nil {
		t.Fatalf("IWrite: %v", err)
	}

	// the RW layer must now have its own copy.
	rwIID, ok, err := rwFS.Lookup(vfs.RootInodeID, "f.txt")
	if err != nil || !ok {
		t.Fatalf("rw layer Lookup: ok=%v err=%v", ok, err)
	}
	buf := make([]byte, 64)
	n, err := rwFS.IRead(rwIID, 0, buf)
	if err != nil {
		t.Fatalf("rw IRead: %v", err)
	}
	if string(buf[:n]) != "changed!" {
		t.Fatalf("rw layer content not updated: %q", buf[:n])
	}

	// the RO layer's own copy must be untouched.
	roIID, ok, err := roFS.Lookup(vfs.RootInodeID, "f.txt")
	if err != nil || !ok {
		t.Fatalf("ro layer Lookup: ok=%v err=%v", ok, err)
	}
	n, err = roFS.IRead(roIID, 0, buf)
	if err != nil {
		t.Fatalf("ro IRead: %v", err)
	}
	if string(buf[:n]) != "original" {
		t.Fatalf("ro layer content was mutated: %q", buf[:n])
	}
}

// TestUnlinkOfLowerLayerFileCreatesWhiteout exercises the overlay law from
// spec §8: RO layer has /x, RW layer is empty; unlink("/x") creates
// .blacked.x in RW; next listdir("/") omits x.
func TestUnlinkOfLowerLayerFileCreatesWhiteout(t *testing.T) {
	roFS := newLayer(t)
	seedFile(t, roFS, "x", "content")
	rwFS := newLayer(t)

	o := newOverlay(t, rwFS, roFS)

	if err := o.Unlink(vfs.RootInodeID, "x"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}

	if _, ok, err := rwFS.Lookup(vfs.RootInodeID, blackOutNameOf("x")); err != nil || !ok {
		t.Fatalf("expected whiteout in rw layer: ok=%v err=%v", ok, err)
	}

	entries, err := o.ListDir(vfs.RootInodeID, 0, 0)
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	for _, e := range entries {
		if e.Name == "x" {
			t.Fatalf("x should be shadowed by whiteout, got entries: %+v", entries)
		}
	}
}

func TestCreateRejectsBlackOutName(t *testing.T) {
	rwFS := newLayer(t)
	o := newOverlay(t, rwFS)

	_, err := o.Create(vfs.RootInodeID, blackOutNameOf("x"), vfs.Reg, 0, 0, 0644)
	if !vfs.Is(err, vfs.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestMkdirThenFileOnlyInRWLayer(t *testing.T) {
	rwFS := newLayer(t)
	o := newOverlay(t, rwFS)

	dirIID, err := o.Create(vfs.RootInodeID, "d", vfs.Dir, 0, 0, 0755)
	if err != nil {
		t.Fatalf("Create dir: %v", err)
	}
	fileIID, err := o.Create(dirIID, "f", vfs.Reg, 0, 0, 0644)
	if err != nil {
		t.Fatalf("Create file: %v", err)
	}
	if _, err := o.IWrite(fileIID, 0, []byte("hi")); err != nil {
		t.Fatalf("IWrite: %v", err)
	}
	buf := make([]byte, 8)
	n, err := o.IRead(fileIID, 0, buf)
	if err != nil {
		t.Fatalf("IRead: %v", err)
	}
	if string(buf[:n]) != "hi" {
		t.Fatalf("unexpected content: %q", buf[:n])
	}
}

func TestRenameOfDirWithLowerLayerContentRejected(t *testing.T) {
	roFS := newLayer(t)
	if _, err := roFS.Create(vfs.RootInodeID, "d", vfs.Dir, 0, 0, 0755); err != nil {
		t.Fatalf("seed mkdir: %v", err)
	}
	rwFS := newLayer(t)

	o := newOverlay(t, rwFS, roFS)

	dIID, ok, err := o.Lookup(vfs.RootInodeID, "d")
	if err != nil || !ok {
		t.Fatalf("Lookup(d): ok=%v err=%v", ok, err)
	}
	_ = dIID

	err = o.Rename(vfs.RootInodeID, "d", vfs.RootInodeID, "d2")
	if !vfs.Is(err, vfs.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied renaming a dir with RO content, got %v", err)
	}
}

func TestGetMetaAggregatesAcrossLayersForDir(t *testing.T) {
	roFS := newLayer(t)
	roDirIID, err := roFS.Create(vfs.RootInodeID, "d", vfs.Dir, 0, 0, 0755)
	if err != nil {
		t.Fatalf("seed mkdir: %v", err)
	}
	if _, err := roFS.Create(roDirIID, "a", vfs.Reg, 0, 0, 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	rwFS := newLayer(t)

	o := newOverlay(t, rwFS, roFS)

	// force copy-up of the directory itself without renaming, by
	// creating a new file inside it through the overlay.
	dIID, ok, err := o.Lookup(vfs.RootInodeID, "d")
	if err != nil || !ok {
		t.Fatalf("Lookup(d): ok=%v err=%v", ok, err)
	}
	if _, err := o.Create(dIID, "b", vfs.Reg, 0, 0, 0644); err != nil {
		t.Fatalf("Create(b): %v", err)
	}

	meta, err := o.GetMeta(dIID)
	if err != nil {
		t.Fatalf("GetMeta(d): %v", err)
	}
	if meta.FType != vfs.Dir {
		t.Fatalf("expected Dir, got %v", meta.FType)
	}
	// size/blocks must reflect both the RO layer's original directory
	// entries and the RW layer's newly copied-up one.
	if meta.Size == 0 {
		t.Fatalf("expected nonzero aggregated size")
	}
}
