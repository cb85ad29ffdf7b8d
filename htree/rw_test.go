package htree

import (
	"bytes"
	"testing"

	"github.com/KarpelesLab/eccfs/crypto"
	"github.com/KarpelesLab/eccfs/storage"
)

func newRW(t *testing.T, encrypted bool) (*RWHashTree, *storage.MemBackend) {
	t.Helper()
	backend := storage.NewMemBackend(0)
	tr, err := NewRWHashTree(4, backend, 0, nil, encrypted)
	if err != nil {
		t.Fatalf("NewRWHashTree: %v", err)
	}
	return tr, backend
}

func TestRWWriteReadRoundTrip(t *testing.T) {
	for _, encrypted := range []bool{false, true} {
		tr, _ := newRW(t, encrypted)
		data := bytes.Repeat([]byte("abcdefgh"), 4096*3/8+7)
		if _, err := tr.WriteExact(100, data); err != nil {
			t.Fatalf("encrypted=%v WriteExact: %v", encrypted, err)
		}
		got := make([]byte, len(data))
		if _, err := tr.ReadExact(100, got); err != nil {
			t.Fatalf("encrypted=%v ReadExact: %v", encrypted, err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("encrypted=%v round trip mismatch", encrypted)
		}
	}
}

func TestRWGrowsAcrossManyIndexBlocks(t *testing.T) {
	tr, _ := newRW(t, false)
	nrBlocks := uint64(DataPerBlk*2 + 10)
	data := make([]byte, crypto.BlkSize)
	for i := range data {
		data[i] = byte(i)
	}
	for i := uint64(0); i < nrBlocks; i++ {
		if _, err := tr.WriteExact(i*crypto.BlkSize, data); err != nil {
			t.Fatalf("write blk %d: %v", i, err)
		}
	}
	if tr.LogiLen() != nrBlocks {
		t.Fatalf("LogiLen = %d, want %d", tr.LogiLen(), nrBlocks)
	}
	got := make([]byte, crypto.BlkSize)
	if _, err := tr.ReadExact((nrBlocks-1)*crypto.BlkSize, got); err != nil {
		t.Fatalf("read last blk: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("last block mismatch after growth across index boundary")
	}
}

func TestRWFlushAndReopen(t *testing.T) {
	tr, backend := newRW(t, true)
	payload := bytes.Repeat([]byte("Z"), crypto.BlkSize*5+17)
	if _, err := tr.WriteExact(0, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	rootMode, err := tr.Flush()
	if err != nil {
		t.Fatalf("flush: %v", err)
	}

	logiLen := tr.LogiLen()
	tr2, err := NewRWHashTree(4, backend, logiLen, &rootMode, true)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got := make([]byte, len(payload))
	if _, err := tr2.ReadExact(0, got); err != nil {
		t.Fatalf("reopen read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("reopen round trip mismatch")
	}
}

func TestRWShrinkDropsStaleCache(t *testing.T) {
	tr, _ := newRW(t, false)
	data := make([]byte, crypto.BlkSize*4)
	if _, err := tr.WriteExact(0, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tr.Resize(1); err != nil {
		t.Fatalf("shrink: %v", err)
	}
	if tr.LogiLen() != 1 {
		t.Fatalf("LogiLen after shrink = %d", tr.LogiLen())
	}
	if _, err := tr.GetBlk(1, false); err == nil {
		t.Fatalf("expected out-of-range read to fail after shrink")
	}
}

func TestRWZeroRange(t *testing.T) {
	tr, _ := newRW(t, false)
	ones := bytes.Repeat([]byte{0xff}, crypto.BlkSize*2)
	if _, err := tr.WriteExact(0, ones); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tr.ZeroRange(crypto.BlkSize/2, crypto.BlkSize); err != nil {
		t.Fatalf("zero range: %v", err)
	}
	got := make([]byte, len(ones))
	if _, err := tr.ReadExact(0, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	for i := crypto.BlkSize / 2; i < crypto.BlkSize/2+crypto.BlkSize; i++ {
		if got[i] != 0 {
			t.Fatalf("byte %d not zeroed: %x", i, got[i])
		}
	}
	if got[0] != 0xff || got[len(got)-1] != 0xff {
		t.Fatalf("bytes outside zero range were clobbered")
	}
}
