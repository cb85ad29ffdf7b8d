//go:build !linux && !darwin

package roimage

import "os"

// statOwner has no portable uid/gid source outside unix; walked files get
// uid/gid 0 on other platforms.
func statOwner(info os.FileInfo) (uid, gid uint32) {
	return 0, 0
}
