// Package crypto implements the block-level cryptographic primitives used
// throughout the hash tree: AES-128-GCM encryption, SHA3-256 integrity
// hashing, the AES-CMAC based per-block key derivation function, and the
// half-MD4 directory name hash.
//
// All block operations work in place on a fixed BlkSize buffer, mirroring
// original_source/src/crypto.rs.
package crypto

const BlkSize = 4096

// Block is one fixed-size unit of the hash tree.
type Block = [BlkSize]byte

type (
	Key128   = [16]byte
	MAC128   = [16]byte
	Hash256  = [32]byte
	KeyEntry = [32]byte
)

// KEIsZero reports whether ke is the all-zero key entry (used as a sentinel
// for "unset" in on-disk structures that predate a block's first write).
func KEIsZero(ke KeyEntry) bool {
	return ke == KeyEntry{}
}

// FSMode is the root authenticator for a protected object: either the key
// and MAC of an AES-128-GCM-encrypted root block, or the SHA3-256 hash of
// an integrity-only root block.
type FSMode struct {
	Encrypted bool
	Key       Key128
	MAC       MAC128
	Hash      Hash256
}

// IntoKeyEntry packs an FSMode into the 32-byte KeyEntry representation
// stored inside a parent block.
func (m FSMode) IntoKeyEntry() KeyEntry {
	var ke KeyEntry
	if m.Encrypted {
		copy(ke[:16], m.Key[:])
		copy(ke[16:], m.MAC[:])
	} else {
		copy(ke[:], m.Hash[:])
	}
	return ke
}

// FromKeyEntry unpacks a KeyEntry given whether the containing tree is
// encrypted or integrity-only.
func FromKeyEntry(ke KeyEntry, encrypted bool) FSMode {
	if encrypted {
		var m FSMode
		m.Encrypted = true
		copy(m.Key[:], ke[:16])
		copy(m.MAC[:], ke[16:])
		return m
	}
	var m FSMode
	copy(m.Hash[:], ke[:])
	return m
}

// CryptoHint is a KeyEntry together with the block's physical position,
// used to authenticate a freshly fetched block.
type CryptoHint struct {
	Encrypted bool
	Key       Key128
	MAC       MAC128
	Hash      Hash256
	Nonce     uint64
}

func HintFromKeyEntry(ke KeyEntry, encrypted bool, nonce uint64) CryptoHint {
	m := FromKeyEntry(ke, encrypted)
	return CryptoHint{Encrypted: m.Encrypted, Key: m.Key, MAC: m.MAC, Hash: m.Hash, Nonce: nonce}
}
