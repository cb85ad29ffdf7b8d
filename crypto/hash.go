package crypto

import (
	"golang.org/x/crypto/sha3"

	"github.com/KarpelesLab/eccfs/vfs"
)

// HashBlock computes the SHA3-256 digest of blk.
func HashBlock(blk *Block) Hash256 {
	var h Hash256
	d := sha3.Sum256(blk[:])
	copy(h[:], d[:])
	return h
}

// CheckBlock verifies blk hashes to the expected digest.
func CheckBlock(blk *Block, hash Hash256) error {
	actual := HashBlock(blk)
	if actual != hash {
		return vfs.New(vfs.ErrIntegrityCheck)
	}
	return nil
}

// HashBytes computes the SHA3-256 digest of an arbitrary byte slice, used
// to name per-inode data objects from their inode id (rw.iidHash).
func HashBytes(data []byte) Hash256 {
	var h Hash256
	d := sha3.Sum256(data)
	copy(h[:], d[:])
	return h
}

// CheckBytes verifies data hashes to the expected digest.
func CheckBytes(data []byte, hash Hash256) error {
	if HashBytes(data) != hash {
		return vfs.New(vfs.ErrIntegrityCheck)
	}
	return nil
}

// CryptoIn authenticates and, if encrypted, decrypts blk in place under the
// given hint. This is the unified entry point used on every cache miss.
func CryptoIn(blk *Block, hint CryptoHint) error {
	if hint.Encrypted {
		return DecryptBlock(blk, hint.Key, hint.MAC, hint.Nonce)
	}
	return CheckBlock(blk, hint.Hash)
}

// CryptoOut authenticates and, if key is non-nil, encrypts blk in place at
// the given position, returning the resulting FSMode.
func CryptoOut(blk *Block, key *Key128, pos uint64) (FSMode, error) {
	if key != nil {
		mac, err := EncryptBlock(blk, *key, pos)
		if err != nil {
			return FSMode{}, err
		}
		return FSMode{Encrypted: true, Key: *key, MAC: mac}, nil
	}
	return FSMode{Hash: HashBlock(blk)}, nil
}
