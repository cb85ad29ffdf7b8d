package crypto

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/KarpelesLab/eccfs/vfs"
)

// posToNonce builds the 96-bit GCM nonce as 4 zero bytes followed by the
// little-endian 8-byte block physical position.
func posToNonce(pos uint64) []byte {
	nonce := make([]byte, 12)
	nonce[4] = byte(pos)
	nonce[5] = byte(pos >> 8)
	nonce[6] = byte(pos >> 16)
	nonce[7] = byte(pos >> 24)
	nonce[8] = byte(pos >> 32)
	nonce[9] = byte(pos >> 40)
	nonce[10] = byte(pos >> 48)
	nonce[11] = byte(pos >> 56)
	return nonce
}

func newGCM(key Key128) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptBlock encrypts blk in place under key, using pos as the nonce,
// and returns the authentication tag.
func EncryptBlock(blk *Block, key Key128, pos uint64) (MAC128, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return MAC128{}, vfs.Wrap("aesgcm.encrypt", vfs.ErrCryptoError, err)
	}
	nonce := posToNonce(pos)
	out := gcm.Seal(blk[:0], nonce, blk[:], nil)
	// out = ciphertext || tag, same length as input + tag since Seal
	// appended into blk[:0]; ciphertext is same size as plaintext (CTR
	// mode internally), tag is gcm.Overhead() bytes appended at the end.
	var mac MAC128
	copy(mac[:], out[len(out)-gcm.Overhead():])
	copy(blk[:], out[:len(out)-gcm.Overhead()])
	return mac, nil
}

// DecryptBlock decrypts blk in place under key, verifying mac, using pos as
// the nonce. Returns ErrIntegrityCheck on tag mismatch.
func DecryptBlock(blk *Block, key Key128, mac MAC128, pos uint64) error {
	gcm, err := newGCM(key)
	if err != nil {
		return vfs.Wrap("aesgcm.decrypt", vfs.ErrCryptoError, err)
	}
	nonce := posToNonce(pos)
	ciphertext := make([]byte, 0, len(blk)+len(mac))
	ciphertext = append(ciphertext, blk[:]...)
	ciphertext = append(ciphertext, mac[:]...)
	plain, err := gcm.Open(blk[:0], nonce, ciphertext, nil)
	if err != nil {
		return vfs.Wrap("aesgcm.decrypt", vfs.ErrIntegrityCheck, err)
	}
	copy(blk[:], plain)
	return nil
}
