package htree

import (
	"bytes"
	"testing"

	"github.com/KarpelesLab/eccfs/crypto"
	"github.com/KarpelesLab/eccfs/storage"
)

func buildAndOpen(t *testing.T, encrypted bool, data []byte) (*ROHashTree, uint64) {
	t.Helper()
	b, err := NewBuilder(encrypted)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	backend := storage.NewMemBackend(0)
	logiNrBlk := (uint64(len(data)) + crypto.BlkSize - 1) / crypto.BlkSize
	if logiNrBlk == 0 {
		logiNrBlk = 1
	}
	_, rootKE, err := b.Build(backend, 0, bytes.NewReader(data), logiNrBlk)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	mode := crypto.FromKeyEntry(rootKE, encrypted)
	tr := NewROHashTree(backend, 0, logiNrBlk, mode, true)
	return tr, logiNrBlk
}

func TestBuilderRoundTripSingleIdxBlock(t *testing.T) {
	for _, encrypted := range []bool{false, true} {
		data := bytes.Repeat([]byte("0123456789abcdef"), crypto.BlkSize*3/16)
		tr, _ := buildAndOpen(t, encrypted, data)
		got := make([]byte, len(data))
		if _, err := tr.ReadExact(0, got); err != nil {
			t.Fatalf("encrypted=%v read: %v", encrypted, err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("encrypted=%v round trip mismatch", encrypted)
		}
	}
}

func TestBuilderRoundTripMultipleIdxBlocks(t *testing.T) {
	logiNrBlk := uint64(DataPerBlk*2 + 5)
	data := make([]byte, logiNrBlk*crypto.BlkSize)
	for i := range data {
		data[i] = byte(i * 7)
	}
	tr, gotLogi := buildAndOpen(t, true, data)
	if gotLogi != logiNrBlk {
		t.Fatalf("logiNrBlk = %d, want %d", gotLogi, logiNrBlk)
	}
	got := make([]byte, len(data))
	if _, err := tr.ReadExact(0, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("multi-index round trip mismatch")
	}
}

func TestBuilderShortFinalBlockZeroPadded(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, crypto.BlkSize+13)
	tr, _ := buildAndOpen(t, false, data)
	got := make([]byte, crypto.BlkSize)
	if _, err := tr.ReadExact(crypto.BlkSize, got); err != nil {
		t.Fatalf("read final block: %v", err)
	}
	for i := 13; i < crypto.BlkSize; i++ {
		if got[i] != 0 {
			t.Fatalf("byte %d of final block not zero-padded: %x", i, got[i])
		}
	}
}

func TestBuilderTamperDetected(t *testing.T) {
	data := bytes.Repeat([]byte("x"), crypto.BlkSize*5)
	b, err := NewBuilder(false)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	backend := storage.NewMemBackend(0)
	logiNrBlk := uint64(len(data)) / crypto.BlkSize
	_, rootKE, err := b.Build(backend, 0, bytes.NewReader(data), logiNrBlk)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	blk, err := backend.ReadBlk(1)
	if err != nil {
		t.Fatalf("read blk 1: %v", err)
	}
	blk[0] ^= 0xff
	if err := backend.WriteBlk(1, blk); err != nil {
		t.Fatalf("write blk 1: %v", err)
	}

	mode := crypto.FromKeyEntry(rootKE, false)
	tr := NewROHashTree(backend, 0, logiNrBlk, mode, true)
	buf := make([]byte, crypto.BlkSize)
	if _, err := tr.ReadExact(0, buf); err == nil {
		t.Fatalf("expected tamper to be detected")
	}
}
