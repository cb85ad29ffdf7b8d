//go:build linux

package storage

import "golang.org/x/sys/unix"

// directFlag is OR'd into the os.OpenFile flags for a FileDevice with
// Direct set, bypassing the page cache for backing files the hash tree
// already authenticates end to end.
const directFlag = unix.O_DIRECT
