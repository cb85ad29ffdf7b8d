package crypto

import (
	"crypto/aes"
	"crypto/rand"
	"encoding/binary"

	"github.com/aead/cmac"

	"github.com/KarpelesLab/eccfs/vfs"
)

// kdfLabel is the fixed 64-byte label mixed into every key derivation,
// matching original_source/src/crypto.rs's key_gen module exactly.
var kdfLabel = [64]byte{}

func init() {
	copy(kdfLabel[:], "#ENCLAVE-CC-TEE-FS-SECURE-RANDOM-KEY-AES-128-CMAC-NIST-SP800-108")
}

// kdfInput is the struct fed into AES-CMAC to derive one block key. Field
// order and sizes mirror the Rust KdfInput repr(C) layout: idx(4) ||
// label(64) || context(8) || nonce(16) || out_len(4) = 96 bytes.
type kdfInput struct {
	Idx     uint32
	Label   [64]byte
	Context uint64
	Nonce   [16]byte
	OutLen  uint32
}

func (k *kdfInput) bytes() []byte {
	buf := make([]byte, 4+64+8+16+4)
	binary.LittleEndian.PutUint32(buf[0:4], k.Idx)
	copy(buf[4:68], k.Label[:])
	binary.LittleEndian.PutUint64(buf[68:76], k.Context)
	copy(buf[76:92], k.Nonce[:])
	binary.LittleEndian.PutUint32(buf[92:96], k.OutLen)
	return buf
}

// generateRandomKey derives a fresh 128-bit key from kdk via AES-CMAC over
// a freshly randomized 16-byte nonce, a monotonically increasing counter,
// and a context word (the block's physical position).
func generateRandomKey(kdk Key128, counter uint32, pos uint64) (Key128, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return Key128{}, vfs.Wrap("keygen.generateRandomKey", vfs.ErrCryptoError, err)
	}

	block, err := aes.NewCipher(kdk[:])
	if err != nil {
		return Key128{}, vfs.Wrap("keygen.generateRandomKey", vfs.ErrCryptoError, err)
	}
	mac, err := cmac.New(block)
	if err != nil {
		return Key128{}, vfs.Wrap("keygen.generateRandomKey", vfs.ErrCryptoError, err)
	}

	in := kdfInput{
		Idx:     counter,
		Label:   kdfLabel,
		Context: pos,
		Nonce:   nonce,
		OutLen:  128,
	}
	mac.Write(in.bytes())
	sum := mac.Sum(nil)

	var key Key128
	copy(key[:], sum)
	return key, nil
}

// KeyGen derives fresh per-block keys. The key-derivation key (kdk) is
// rotated every 16 derivations to bound the amount of data produced under
// a single kdk.
type KeyGen struct {
	kdk        Key128
	usedTime   uint32
	genCounter uint32
}

// NewKeyGen creates a KeyGen with a freshly randomized key-derivation key.
func NewKeyGen() (*KeyGen, error) {
	var kdk Key128
	if _, err := rand.Read(kdk[:]); err != nil {
		return nil, vfs.Wrap("keygen.New", vfs.ErrCryptoError, err)
	}
	return &KeyGen{kdk: kdk}, nil
}

// GenKey derives the next block key, bound to posAsNonce as derivation
// context. Rotates the kdk after every 16 uses.
func (g *KeyGen) GenKey(posAsNonce uint64) (Key128, error) {
	if g.usedTime >= 16 {
		if _, err := rand.Read(g.kdk[:]); err != nil {
			return Key128{}, vfs.Wrap("keygen.GenKey", vfs.ErrCryptoError, err)
		}
		g.usedTime = 0
	}
	key, err := generateRandomKey(g.kdk, g.genCounter, posAsNonce)
	if err != nil {
		return Key128{}, err
	}
	g.genCounter++
	g.usedTime++
	return key, nil
}
