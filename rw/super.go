package rw

import (
	"bytes"
	"encoding/binary"

	"github.com/KarpelesLab/eccfs/crypto"
	"github.com/KarpelesLab/eccfs/vfs"
)

// SuperBlockPos is the block position of the image's superblock.
const SuperBlockPos uint64 = 0

// RWFSMagic identifies an eccfs writable image.
const RWFSMagic uint64 = 0x0045434352574653 // "\0ECCRWFS" read as a big-endian number

// NameMax is the maximum directory entry name length this layout allows.
const NameMax = DirentNameMax

const dSuperBlockBaseSize = 8*3 + 1 + 8*5 + 32 + 8 + 32

// DSuperBlock is the on-disk superblock: counters, the inode bitmap's
// start/length and per-block key entries, and the inode table's data
// object name/length/key entry. The ibitmap key entries are stored inline
// right after the fixed header, all within the one superblock block,
// since the bitmap itself is not htree-covered (it is a flat run of
// independently authenticated blocks).
type DSuperBlock struct {
	Magic        uint64
	NrDataFile   uint64
	BSize        uint64
	Encrypted    uint8
	Files        uint64
	NameMax      uint64
	Blocks       uint64
	IbitmapStart uint64
	IbitmapLen   uint64
	ItblName     crypto.Hash256
	ItblLen      uint64
	ItblKE       crypto.KeyEntry
	IbitmapKE    []crypto.KeyEntry
}

func (d *DSuperBlock) encode() (crypto.Block, error) {
	var blk crypto.Block
	buf := bytes.NewBuffer(blk[:0])
	binary.Write(buf, binary.LittleEndian, d.Magic)
	binary.Write(buf, binary.LittleEndian, d.NrDataFile)
	binary.Write(buf, binary.LittleEndian, d.BSize)
	buf.WriteByte(d.Encrypted)
	binary.Write(buf, binary.LittleEndian, d.Files)
	binary.Write(buf, binary.LittleEndian, d.NameMax)
	binary.Write(buf, binary.LittleEndian, d.Blocks)
	binary.Write(buf, binary.LittleEndian, d.IbitmapStart)
	binary.Write(buf, binary.LittleEndian, uint64(len(d.IbitmapKE)))
	buf.Write(d.ItblName[:])
	binary.Write(buf, binary.LittleEndian, d.ItblLen)
	buf.Write(d.ItblKE[:])

	keBytes := len(d.IbitmapKE) * len(crypto.KeyEntry{})
	if dSuperBlockBaseSize+keBytes > crypto.BlkSize {
		return blk, vfs.New(vfs.ErrInvalidData)
	}
	for _, ke := range d.IbitmapKE {
		buf.Write(ke[:])
	}
	copy(blk[:], buf.Bytes())
	return blk, nil
}

func decodeDSuperBlock(raw []byte) (*DSuperBlock, error) {
	if len(raw) < dSuperBlockBaseSize {
		return nil, vfs.New(vfs.ErrUnexpectedEOF)
	}
	d := &DSuperBlock{}
	r := bytes.NewReader(raw)
	d.Magic, _ = readU64(r)
	d.NrDataFile, _ = readU64(r)
	d.BSize, _ = readU64(r)
	enc, err := r.ReadByte()
	if err != nil {
		return nil, vfs.New(vfs.ErrUnexpectedEOF)
	}
	d.Encrypted = enc
	d.Files, _ = readU64(r)
	d.NameMax, _ = readU64(r)
	d.Blocks, _ = readU64(r)
	d.IbitmapStart, _ = readU64(r)
	d.IbitmapLen, _ = readU64(r)
	r.Read(d.ItblName[:])
	d.ItblLen, _ = readU64(r)
	r.Read(d.ItblKE[:])

	d.IbitmapKE = make([]crypto.KeyEntry, d.IbitmapLen)
	for i := range d.IbitmapKE {
		if _, err := r.Read(d.IbitmapKE[i][:]); err != nil {
			return nil, vfs.New(vfs.ErrUnexpectedEOF)
		}
	}
	return d, nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var v uint64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

// SuperBlock is the runtime, decrypted/verified superblock plus the
// counters RWFS keeps current as files and blocks are created or removed.
type SuperBlock struct {
	NrDataFile   uint64
	Encrypted    bool
	Files        uint64
	Blocks       uint64
	IbitmapStart uint64
	IbitmapKE    []crypto.KeyEntry
	ItblName     crypto.Hash256
	ItblLen      uint64
	ItblKE       crypto.KeyEntry
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
	if d.Magic != RWFSMagic || d.BSize != crypto.BlkSize || d.NameMax != DirentNameMax {
		return nil, vfs.New(vfs.ErrSuperBlockCheckFailed)
	}
	return &SuperBlock{
		NrDataFile:   d.NrDataFile,
		Encrypted:    d.Encrypted != 0,
		Files:        d.Files,
		Blocks:       d.Blocks,
		IbitmapStart: d.IbitmapStart,
		IbitmapKE:    d.IbitmapKE,
		ItblName:     d.ItblName,
		ItblLen:      d.ItblLen,
		ItblKE:       d.ItblKE,
	}, nil
}

// Encode seals sb into a fresh superblock block.
func (sb *SuperBlock) Encode(key *crypto.Key128) (crypto.Block, crypto.FSMode, error) {
	d := &DSuperBlock{
		Magic:        RWFSMagic,
		NrDataFile:   sb.NrDataFile,
		BSize:        crypto.BlkSize,
		Files:        sb.Files,
		NameMax:      DirentNameMax,
		Blocks:       sb.Blocks,
		IbitmapStart: sb.IbitmapStart,
		ItblName:     sb.ItblName,
		ItblLen:      sb.ItblLen,
		ItblKE:       sb.ItblKE,
		IbitmapKE:    sb.IbitmapKE,
	}
	if sb.Encrypted {
		d.Encrypted = 1
	}
	blk, err := d.encode()
	if err != nil {
		return blk, crypto.FSMode{}, err
	}
	mode, err := crypto.CryptoOut(&blk, key, SuperBlockPos)
	return blk, mode, err
}

// ApplyDelta folds a Counters snapshot into the live file/block counters.
func (sb *SuperBlock) ApplyDelta(files, blocks int64) {
	sb.NrDataFile = uint64(int64(sb.NrDataFile) + files)
	sb.Blocks = uint64(int64(sb.Blocks) + blocks)
}

// FsInfo renders statfs-style counters. Because every regular file and
// directory is its own independently resizable hash tree, there is no
// fixed total size to report free space against; free block/inode counts
// are estimated rather than exact, mirroring the source's get_bfree.
func (sb *SuperBlock) FsInfo() vfs.FsInfo {
	bfree := sb.NrDataFile * 64
	return vfs.FsInfo{
		BlockSize: crypto.BlkSize,
		Blocks:    sb.Blocks,
		BFree:     bfree,
		Files:     sb.Files,
		FFree:     ^uint64(0) - sb.Files,
		NameMax:   DirentNameMax,
	}
}
