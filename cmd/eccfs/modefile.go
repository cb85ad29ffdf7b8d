package main

import (
	"fmt"
	"os"

	"github.com/KarpelesLab/eccfs/crypto"
	"github.com/KarpelesLab/eccfs/vfs"
)

// The .mode side-channel file is the external trust root: one tag byte
// (0 = integrity-only hash, 1 = encrypted key+mac) followed by a 32-byte
// payload. original_source stores this as a raw memory dump of its FSMode
// enum; this is an explicit, portable encoding of the same two cases.
const (
	modeTagIntegrity = 0
	modeTagEncrypted = 1
	modeFileSize     = 1 + 32
)

func writeModeFile(path string, b vfs.FSModeBytes) error {
	buf := make([]byte, modeFileSize)
	if b.Encrypted {
		buf[0] = modeTagEncrypted
		copy(buf[1:17], b.Key[:])
		copy(buf[17:33], b.MAC[:])
	} else {
		buf[0] = modeTagIntegrity
		copy(buf[1:33], b.Hash[:])
	}
	return os.WriteFile(path, buf, 0o600)
}

func readModeFile(path string) (vfs.FSModeBytes, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return vfs.FSModeBytes{}, err
	}
	if len(buf) != modeFileSize {
		return vfs.FSModeBytes{}, fmt.Errorf("eccfs: %s: bad mode file size %d", path, len(buf))
	}
	var b vfs.FSModeBytes
	switch buf[0] {
	case modeTagEncrypted:
		b.Encrypted = true
		copy(b.Key[:], buf[1:17])
		copy(b.MAC[:], buf[17:33])
	case modeTagIntegrity:
		copy(b.Hash[:], buf[1:33])
	default:
		return vfs.FSModeBytes{}, fmt.Errorf("eccfs: %s: unrecognized mode tag %d", path, buf[0])
	}
	return b, nil
}

func modeBytesToCrypto(b vfs.FSModeBytes) crypto.FSMode {
	return crypto.FSMode{Encrypted: b.Encrypted, Key: b.Key, MAC: b.MAC, Hash: b.Hash}
}

func printMode(label string, b vfs.FSModeBytes) {
	if b.Encrypted {
		fmt.Printf("%s: Encrypted Mode\n", label)
		fmt.Printf("  Key: %X\n", b.Key)
		fmt.Printf("  Mac: %X\n", b.MAC)
		return
	}
	fmt.Printf("%s: IntegrityOnly Mode\n", label)
	fmt.Printf("  Hash: %X\n", b.Hash)
}
