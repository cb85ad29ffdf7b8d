package crypto

import "golang.org/x/crypto/md4"

// HalfMD4 hashes a directory entry name down to a 64-bit value: bytes 4..12
// of the MD4 digest, interpreted little-endian. Used to group and binary
// search directory entries (ro/inode.go LookupIndex, roimage builder).
func HalfMD4(name []byte) uint64 {
	h := md4.New()
	h.Write(name)
	sum := h.Sum(nil)
	return uint64(sum[4]) | uint64(sum[5])<<8 | uint64(sum[6])<<16 | uint64(sum[7])<<24 |
		uint64(sum[8])<<32 | uint64(sum[9])<<40 | uint64(sum[10])<<48 | uint64(sum[11])<<56
}
