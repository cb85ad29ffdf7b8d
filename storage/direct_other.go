//go:build !linux

package storage

// directFlag is a no-op outside Linux: O_DIRECT has no portable
// equivalent, and the page cache is harmless here since every block is
// already integrity-checked on read.
const directFlag = 0
