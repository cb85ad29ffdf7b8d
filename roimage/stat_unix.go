//go:build linux || darwin

package roimage

import (
	"os"
	"syscall"
)

// statOwner extracts uid/gid from a FileInfo's platform Sys() value, the
// way teacher's inode_linux.go/inode_darwin.go split platform-specific
// stat_t access into its own file per OS.
func statOwner(info os.FileInfo) (uid, gid uint32) {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint32(st.Uid), uint32(st.Gid)
	}
	return 0, 0
}
