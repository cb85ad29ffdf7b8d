package ro

import (
	"bytes"
	"encoding/binary"

	"github.com/KarpelesLab/eccfs/crypto"
	"github.com/KarpelesLab/eccfs/vfs"
)

// SuperBlockPos is the block position of the image's superblock.
const SuperBlockPos uint64 = 0

// ROFSMagic identifies an eccfs read-only image.
const ROFSMagic uint64 = 0x00454343524f4653 // "\0ECCROFS" read as a big-endian number

// DSuperBlock is the on-disk superblock: three hash trees (inode, dirent,
// path tables) each with a start/length/root-key-entry triple, the file
// section holding every large regular file's own hash tree, and a few
// fs-level counters surfaced through statfs.
type DSuperBlock struct {
	Magic         uint64
	InodeTblKey   crypto.KeyEntry
	DirentTblKey  crypto.KeyEntry
	PathTblKey    crypto.KeyEntry
	InodeTblStart uint64
	InodeTblLen   uint64
	DirentTblStart uint64
	DirentTblLen  uint64
	PathTblStart  uint64
	PathTblLen    uint64
	FileSecStart  uint64
	FileSecLen    uint64
	RootIID       vfs.InodeID
	Blocks        uint64
	Files         uint64
	Encrypted     uint8
	BuildID       [16]byte
}

const dSuperBlockSize = 8 + 32*3 + 8*11 + 1 + 16

func (d *DSuperBlock) encode() []byte {
	var blk crypto.Block
	buf := bytes.NewBuffer(blk[:0])
	binary.Write(buf, binary.LittleEndian, d.Magic)
	buf.Write(d.InodeTblKey[:])
	buf.Write(d.DirentTblKey[:])
	buf.Write(d.PathTblKey[:])
	binary.Write(buf, binary.LittleEndian, d.InodeTblStart)
	binary.Write(buf, binary.LittleEndian, d.InodeTblLen)
	binary.Write(buf, binary.LittleEndian, d.DirentTblStart)
	binary.Write(buf, binary.LittleEndian, d.DirentTblLen)
	binary.Write(buf, binary.LittleEndian, d.PathTblStart)
	binary.Write(buf, binary.LittleEndian, d.PathTblLen)
	binary.Write(buf, binary.LittleEndian, d.FileSecStart)
	binary.Write(buf, binary.LittleEndian, d.FileSecLen)
	binary.Write(buf, binary.LittleEndian, uint64(d.RootIID))
	binary.Write(buf, binary.LittleEndian, d.Blocks)
	binary.Write(buf, binary.LittleEndian, d.Files)
	buf.WriteByte(d.Encrypted)
	buf.Write(d.BuildID[:])
	return blk[:]
}

func decodeDSuperBlock(raw []byte) (*DSuperBlock, error) {
	if len(raw) < dSuperBlockSize {
		return nil, vfs.New(vfs.ErrUnexpectedEOF)
	}
	d := &DSuperBlock{}
	r := bytes.NewReader(raw)
	d.Magic, _ = readU64(r)
	r.Read(d.InodeTblKey[:])
	r.Read(d.DirentTblKey[:])
	r.Read(d.PathTblKey[:])
	d.InodeTblStart, _ = readU64(r)
	d.InodeTblLen, _ = readU64(r)
	d.DirentTblStart, _ = readU64(r)
	d.DirentTblLen, _ = readU64(r)
	d.PathTblStart, _ = readU64(r)
	d.PathTblLen, _ = readU64(r)
	d.FileSecStart, _ = readU64(r)
	d.FileSecLen, _ = readU64(r)
	rootIID, _ := readU64(r)
	d.RootIID = vfs.InodeID(rootIID)
	d.Blocks, _ = readU64(r)
	d.Files, _ = readU64(r)
	enc, err := r.ReadByte()
	if err != nil {
		return nil, vfs.New(vfs.ErrUnexpectedEOF)
	}
	d.Encrypted = enc
	r.Read(d.BuildID[:])
	return d, nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var v uint64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

// SuperBlock is the runtime, decrypted/verified superblock plus the
// statfs-style counters it answers FInfo with.
type SuperBlock struct {
	InodeTblKey    crypto.KeyEntry
	DirentTblKey   crypto.KeyEntry
	PathTblKey     crypto.KeyEntry
	InodeTblStart  uint64
	InodeTblLen    uint64
	DirentTblStart uint64
	DirentTblLen   uint64
	PathTblStart   uint64
	PathTblLen     uint64
	FileSecStart   uint64
	FileSecLen     uint64
	RootIID        vfs.InodeID
	Blocks         uint64
	Files          uint64
	Encrypted      bool
	// BuildID identifies one build of the image for diagnostics. It is
	// ambient metadata, not part of the authenticated tree structure
	// proper (it lives in the superblock's own sealed block, so it is
	// still tamper-evident, just not load-bearing for any tree lookup).
	BuildID [16]byte
}

// NewSuperBlock authenticates and parses the superblock's raw block under
// mode, the image's root FSMode.
func NewSuperBlock(mode crypto.FSMode, rawBlk crypto.Block) (*SuperBlock, error) {
	hint := crypto.CryptoHint{Encrypted: mode.Encrypted, Key: mode.Key, MAC: mode.MAC, Hash: mode.Hash, Nonce: SuperBlockPos}
	if err := crypto.CryptoIn(&rawBlk, hint); err != nil {
		return nil, err
	}
	d, err := decodeDSuperBlock(rawBlk[:])
	if err != nil {
		return nil, err
	}
	if d.Magic != ROFSMagic {
		return nil, vfs.New(vfs.ErrSuperBlockCheckFailed)
	}
	return &SuperBlock{
		InodeTblKey:    d.InodeTblKey,
		DirentTblKey:   d.DirentTblKey,
		PathTblKey:     d.PathTblKey,
		InodeTblStart:  d.InodeTblStart,
		InodeTblLen:    d.InodeTblLen,
		DirentTblStart: d.DirentTblStart,
		DirentTblLen:   d.DirentTblLen,
		PathTblStart:   d.PathTblStart,
		PathTblLen:     d.PathTblLen,
		FileSecStart:   d.FileSecStart,
		FileSecLen:     d.FileSecLen,
		RootIID:        d.RootIID,
		Blocks:         d.Blocks,
		Files:          d.Files,
		Encrypted:      d.Encrypted != 0,
		BuildID:        d.BuildID,
	}, nil
}

// Encode seals sb into a fresh superblock block, used by roimage's builder.
func (sb *SuperBlock) Encode(key *crypto.Key128) (crypto.Block, crypto.FSMode, error) {
	d := &DSuperBlock{
		Magic:          ROFSMagic,
		InodeTblKey:    sb.InodeTblKey,
		DirentTblKey:   sb.DirentTblKey,
		PathTblKey:     sb.PathTblKey,
		InodeTblStart:  sb.InodeTblStart,
		InodeTblLen:    sb.InodeTblLen,
		DirentTblStart: sb.DirentTblStart,
		DirentTblLen:   sb.DirentTblLen,
		PathTblStart:   sb.PathTblStart,
		PathTblLen:     sb.PathTblLen,
		FileSecStart:   sb.FileSecStart,
		FileSecLen:     sb.FileSecLen,
		RootIID:        sb.RootIID,
		Blocks:         sb.Blocks,
		Files:          sb.Files,
		BuildID:        sb.BuildID,
	}
	if sb.Encrypted {
		d.Encrypted = 1
	}
	var blk crypto.Block
	copy(blk[:], d.encode())
	mode, err := crypto.CryptoOut(&blk, key, SuperBlockPos)
	return blk, mode, err
}

// FsInfo renders statfs-style counters. The image is immutable once built,
// so free counters are always zero.
func (sb *SuperBlock) FsInfo() vfs.FsInfo {
	return vfs.FsInfo{
		BlockSize: crypto.BlkSize,
		Blocks:    sb.Blocks,
		BFree:     0,
		Files:     sb.Files,
		FFree:     0,
		NameMax:   4096,
	}
}
