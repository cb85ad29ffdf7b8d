package roimage

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/KarpelesLab/eccfs/crypto"
	"github.com/KarpelesLab/eccfs/ro"
	"github.com/KarpelesLab/eccfs/storage"
	"github.com/KarpelesLab/eccfs/vfs"
)

func testMeta() InodeMeta {
	return InodeMeta{Perm: 0o755, UID: 1000, GID: 1000, Mtime: time.Unix(1700000000, 0)}
}

func modeFromBytes(m vfs.FSModeBytes) crypto.FSMode {
	return crypto.FSMode{Encrypted: m.Encrypted, Key: m.Key, MAC: m.MAC, Hash: m.Hash}
}

func buildSmallTree(t *testing.T, encrypted bool) (*storage.MemBackend, vfs.FSModeBytes) {
	t.Helper()
	backend := storage.NewMemBackend(0)
	b, err := NewBuilder(backend, encrypted)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	if err := b.ReserveRoot(4); err != nil {
		t.Fatalf("ReserveRoot: %v", err)
	}

	helloWorld, err := b.HandleReg(bytes.NewReader([]byte("hello world")), 11, testMeta())
	if err != nil {
		t.Fatalf("HandleReg small: %v", err)
	}
	link, err := b.HandleSym("hello world", testMeta())
	if err != nil {
		t.Fatalf("HandleSym: %v", err)
	}

	big := bytes.Repeat([]byte{0x42}, 9000)
	bigFile, err := b.HandleReg(bytes.NewReader(big), uint64(len(big)), testMeta())
	if err != nil {
		t.Fatalf("HandleReg big: %v", err)
	}

	sub, err := b.HandleDir([]NamedChild{{Name: "hello.txt", Child: helloWorld}}, testMeta())
	if err != nil {
		t.Fatalf("HandleDir sub: %v", err)
	}

	root, err := b.FinishRoot([]NamedChild{
		{Name: "hello.txt", Child: helloWorld},
		{Name: "link", Child: link},
		{Name: "big.bin", Child: bigFile},
		{Name: "sub", Child: sub},
	}, testMeta())
	if err != nil {
		t.Fatalf("FinishRoot: %v", err)
	}
	if root.IID != vfs.RootInodeID {
		t.Fatalf("root iid = %d, want %d", root.IID, vfs.RootInodeID)
	}

	mode, err := b.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return backend, mode
}

func TestBuildSmallTreeIntegrityOnly(t *testing.T) {
	backend, modeBytes := buildSmallTree(t, false)
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
	if err != nil {
		t.Fatalf("IRead: %v", err)
	}
	if string(buf[:n]) != "hello world" {
		t.Fatalf("content = %q", buf[:n])
	}

	linkIID, ok, err := fs.Lookup(vfs.RootInodeID, "link")
	if err != nil || !ok {
		t.Fatalf("lookup link: ok=%v err=%v", ok, err)
	}
	target, err := fs.IReadLink(linkIID)
	if err != nil || target != "hello world" {
		t.Fatalf("readlink = %q, err=%v", target, err)
	}

	bigIID, ok, err := fs.Lookup(vfs.RootInodeID, "big.bin")
	if err != nil || !ok {
		t.Fatalf("lookup big.bin: ok=%v err=%v", ok, err)
	}
	bigBuf := make([]byte, 9000)
	n, err = fs.IRead(bigIID, 0, bigBuf)
	if err != nil || n != 9000 {
		t.Fatalf("IRead big: n=%d err=%v", n, err)
	}
	for i, c := range bigBuf {
		if c != 0x42 {
			t.Fatalf("byte %d = %x", i, c)
		}
	}

	subIID, ok, err := fs.Lookup(vfs.RootInodeID, "sub")
	if err != nil || !ok {
		t.Fatalf("lookup sub: ok=%v err=%v", ok, err)
	}
	entries, err := fs.ListDir(subIID, 0, 0)
	if err != nil {
		t.Fatalf("ListDir sub: %v", err)
	}
	if len(entries) != 3 || entries[0].Name != "." || entries[1].Name != ".." || entries[2].Name != "hello.txt" {
		t.Fatalf("sub entries = %+v", entries)
	}

	// ".." from sub must resolve back to root.
	dotdot, ok, err := fs.Lookup(subIID, "..")
	if err != nil || !ok || dotdot != vfs.RootInodeID {
		t.Fatalf("sub/.. = %d ok=%v err=%v", dotdot, ok, err)
	}
	selfDot, ok, err := fs.Lookup(vfs.RootInodeID, ".")
	if err != nil || !ok || selfDot != vfs.RootInodeID {
		t.Fatalf("root/. = %d ok=%v err=%v", selfDot, ok, err)
	}
	rootDotDot, ok, err := fs.Lookup(vfs.RootInodeID, "..")
	if err != nil || !ok || rootDotDot != vfs.RootInodeID {
		t.Fatalf("root/.. = %d ok=%v err=%v", rootDotDot, ok, err)
	}
}

func TestBuildSmallTreeEncrypted(t *testing.T) {
	backend, modeBytes := buildSmallTree(t, true)
	mode := modeFromBytes(modeBytes)

	fs, err := ro.Open(backend, mode, true, ro.DefaultInodeCacheCap)
	if err != nil {
		t.Fatalf("ro.Open: %v", err)
	}
	iid, ok, err := fs.Lookup(vfs.RootInodeID, "hello.txt")
	if err != nil || !ok {
		t.Fatalf("lookup: ok=%v err=%v", ok, err)
	}
	buf := make([]byte, 32)
	n, err := fs.IRead(iid, 0, buf)
	if err != nil || string(buf[:n]) != "hello world" {
		t.Fatalf("content = %q err=%v", buf[:n], err)
	}
}

func TestBuildManyEntriesUsesExternalDir(t *testing.T) {
	backend := storage.NewMemBackend(0)
	b, err := NewBuilder(backend, false)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	if err := b.ReserveRoot(200); err != nil {
		t.Fatalf("ReserveRoot: %v", err)
	}

	var children []NamedChild
	for i := 0; i < 200; i++ {
		name := "file" + paddedIndex(i) + ".txt"
		c, err := b.HandleReg(bytes.NewReader([]byte(name)), uint64(len(name)), testMeta())
		if err != nil {
			t.Fatalf("HandleReg %s: %v", name, err)
		}
		children = append(children, NamedChild{Name: name, Child: c})
	}

	root, err := b.FinishRoot(children, testMeta())
	if err != nil {
		t.Fatalf("FinishRoot: %v", err)
	}
	if root.IID != vfs.RootInodeID {
		t.Fatalf("root iid = %d", root.IID)
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
	for i := 0; i < 200; i++ {
		name := "file" + paddedIndex(i) + ".txt"
		iid, ok, err := fs.Lookup(vfs.RootInodeID, name)
		if err != nil || !ok {
			t.Fatalf("lookup %s: ok=%v err=%v", name, ok, err)
		}
		buf := make([]byte, len(name))
		n, err := fs.IRead(iid, 0, buf)
		if err != nil || string(buf[:n]) != name {
			t.Fatalf("content of %s = %q err=%v", name, buf[:n], err)
		}
	}
	entries, err := fs.ListDir(vfs.RootInodeID, 0, 0)
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	if len(entries) != 202 {
		t.Fatalf("got %d entries, want 202 (200 files plus . and ..)", len(entries))
	}
}

func paddedIndex(i int) string {
	s := "000" + itoa(i)
	return s[len(s)-3:]
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}

func TestBuildLongNameUsesPathTable(t *testing.T) {
	backend := storage.NewMemBackend(0)
	b, err := NewBuilder(backend, false)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	if err := b.ReserveRoot(1); err != nil {
		t.Fatalf("ReserveRoot: %v", err)
	}
	longName := strings.Repeat("x", 40) + ".txt"
	c, err := b.HandleReg(bytes.NewReader([]byte("data")), 4, testMeta())
	if err != nil {
		t.Fatalf("HandleReg: %v", err)
	}
	root, err := b.FinishRoot([]NamedChild{{Name: longName, Child: c}}, testMeta())
	if err != nil {
		t.Fatalf("FinishRoot: %v", err)
	}
	if root.IID != vfs.RootInodeID {
		t.Fatalf("root iid = %d", root.IID)
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
	iid, ok, err := fs.Lookup(vfs.RootInodeID, longName)
	if err != nil || !ok {
		t.Fatalf("lookup long name: ok=%v err=%v", ok, err)
	}
	buf := make([]byte, 4)
	if _, err := fs.IRead(iid, 0, buf); err != nil || string(buf) != "data" {
		t.Fatalf("content = %q err=%v", buf, err)
	}
}
