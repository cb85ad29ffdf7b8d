package ro

import (
	"bytes"
	"testing"

	"github.com/KarpelesLab/eccfs/crypto"
	"github.com/KarpelesLab/eccfs/htree"
	"github.com/KarpelesLab/eccfs/storage"
	"github.com/KarpelesLab/eccfs/vfs"
)

// buildTinyImage hand-assembles a minimal RO image with one directory
// (root) holding one inline regular file "hello", to exercise ROFS without
// the (separately built) roimage package.
func buildTinyImage(t *testing.T, encrypted bool) (*ROFS, vfs.InodeID) {
	t.Helper()
	backend := storage.NewMemBackend(0)

	content := []byte("hello, eccfs")
	var regRaw bytes.Buffer
	base := DInodeBase{Mode: modeFromTypeAndPerm(vfs.Reg, 0o644), NLinks: 1, Size: uint64(len(content))}
	regRaw.Write(base.encode())
	regRaw.Write(content)
	for regRaw.Len()%InodeAlign != 0 {
		regRaw.WriteByte(0)
	}
	fileInodeSize := regRaw.Len()

	rootDE := []DirEntry{
		{Hash: 0, Ipos: vfs.RootInodeID, Len: 1, Tp: uint16(vfs.Dir), Name: [12]byte{'.'}},
		{Hash: 0, Ipos: vfs.RootInodeID, Len: 2, Tp: uint16(vfs.Dir), Name: [12]byte{'.', '.'}},
		{Hash: crypto.HalfMD4([]byte("hello")), Ipos: 0, Len: 5, Tp: uint16(vfs.Reg), Name: [12]byte{'h', 'e', 'l', 'l', 'o'}},
	}
	dirBase := DInodeBase{Mode: modeFromTypeAndPerm(vfs.Dir, 0o755), NLinks: 2, Size: 1}
	var dirRaw bytes.Buffer
	dirRaw.Write(dirBase.encode())
	for _, de := range rootDE {
		dirRaw.Write(de.encode())
	}

	// Logical block 0 stays empty so the root record sits at (block=1,
	// offset=0), whose pos64 packing is vfs.RootInodeID.
	rootPad := make([]byte, crypto.BlkSize)
	var inodeTblBuf bytes.Buffer
	inodeTblBuf.Write(rootPad)
	inodeTblBuf.Write(dirRaw.Bytes())
	fileOff := inodeTblBuf.Len()
	inodeTblBuf.Write(regRaw.Bytes())

	rootDE[2].Ipos = pos64Join(uint64(fileOff)/crypto.BlkSize, uint16(fileOff%crypto.BlkSize))
	// Patch the file's ipos back into the root directory raw we just wrote.
	dirRaw.Reset()
	dirRaw.Write(dirBase.encode())
	for _, de := range rootDE {
		dirRaw.Write(de.encode())
	}
	inodeTblBuf.Reset()
	inodeTblBuf.Write(rootPad)
	inodeTblBuf.Write(dirRaw.Bytes())
	inodeTblBuf.Write(regRaw.Bytes())

	_ = fileInodeSize

	b, err := htree.NewBuilder(encrypted)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	inodeLogiNrBlk := (uint64(inodeTblBuf.Len()) + crypto.BlkSize - 1) / crypto.BlkSize
	_, inodeRootKE, err := b.Build(backend, 0, bytes.NewReader(inodeTblBuf.Bytes()), inodeLogiNrBlk)
	if err != nil {
		t.Fatalf("build inode tbl: %v", err)
	}
	inodeTblStart := uint64(1) // superblock occupies block 0
	inodeTblLen := htree.GetPhyNrBlk(inodeLogiNrBlk)

	// Re-home: htree.Builder wrote starting at physical 0 of backend; shift
	// everything up by reallocating into place at inodeTblStart.
	shiftBackend(t, backend, inodeTblLen, inodeTblStart)

	sb := &SuperBlock{
		InodeTblKey:   inodeRootKE,
		InodeTblStart: inodeTblStart,
		InodeTblLen:   inodeTblLen,
		RootIID:       vfs.RootInodeID,
		Blocks:        inodeTblStart + inodeTblLen,
		Files:         2,
		Encrypted:     encrypted,
	}
	var rootKey *crypto.Key128
	if encrypted {
		var k crypto.Key128
		copy(k[:], "0123456789abcdef")
		rootKey = &k
	}
	sbBlk, rootMode, err := sb.Encode(rootKey)
	if err != nil {
		t.Fatalf("encode superblock: %v", err)
	}
	if err := backend.ExpandLen(inodeTblStart + inodeTblLen); err != nil {
		t.Fatalf("expand: %v", err)
	}
	if err := backend.WriteBlk(SuperBlockPos, &sbBlk); err != nil {
		t.Fatalf("write sb: %v", err)
	}

	fs, err := Open(backend, rootMode, true, DefaultInodeCacheCap)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return fs, rootDE[2].Ipos
}

// shiftBackend copies nrBlk blocks from physical 0 to dstStart within
// backend, growing it first. Test-only helper since htree.Builder always
// writes starting at its toStartBlk argument directly; here we want the
// inode table to start right after the (not-yet-written) superblock, so we
// build at 0 then relocate.
func shiftBackend(t *testing.T, backend *storage.MemBackend, nrBlk, dstStart uint64) {
	t.Helper()
	if err := backend.ExpandLen(dstStart + nrBlk); err != nil {
		t.Fatalf("expand for shift: %v", err)
	}
	for i := nrBlk; i > 0; i-- {
		src := i - 1
		blk, err := backend.ReadBlk(src)
		if err != nil {
			t.Fatalf("read for shift: %v", err)
		}
		if err := backend.WriteBlk(dstStart+src, blk); err != nil {
			t.Fatalf("write for shift: %v", err)
		}
	}
}

func TestROFSLookupAndRead(t *testing.T) {
	for _, encrypted := range []bool{false, true} {
		fs, fileIID := buildTinyImage(t, encrypted)

		iid, ok, err := fs.Lookup(vfs.RootInodeID, "hello")
		if err != nil {
			t.Fatalf("encrypted=%v lookup: %v", encrypted, err)
		}
		if !ok || iid != fileIID {
			t.Fatalf("encrypted=%v lookup mismatch: ok=%v iid=%v want=%v", encrypted, ok, iid, fileIID)
		}

		buf := make([]byte, 64)
		n, err := fs.IRead(iid, 0, buf)
		if err != nil {
			t.Fatalf("encrypted=%v read: %v", encrypted, err)
		}
		if string(buf[:n]) != "hello, eccfs" {
			t.Fatalf("encrypted=%v content mismatch: %q", encrypted, buf[:n])
		}

		meta, err := fs.GetMeta(iid)
		if err != nil {
			t.Fatalf("encrypted=%v getmeta: %v", encrypted, err)
		}
		if meta.FType != vfs.Reg || meta.Size != uint64(n) {
			t.Fatalf("encrypted=%v unexpected meta: %+v", encrypted, meta)
		}

		_, ok, err = fs.Lookup(vfs.RootInodeID, "nope")
		if err != nil {
			t.Fatalf("encrypted=%v negative lookup: %v", encrypted, err)
		}
		if ok {
			t.Fatalf("encrypted=%v expected negative lookup", encrypted)
		}
	}
}

func TestROFSListDir(t *testing.T) {
	fs, _ := buildTinyImage(t, false)
	entries, err := fs.ListDir(vfs.RootInodeID, 0, 0)
	if err != nil {
		t.Fatalf("listdir: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries (. .. hello), got %d: %+v", len(entries), entries)
	}
	found := false
	for _, e := range entries {
		if e.Name == "hello" {
			found = true
		}
	}
	if !found {
		t.Fatalf("hello missing from listdir output")
	}
}
