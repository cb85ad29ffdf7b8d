//go:build !fuse

package main

import "fmt"

func runMount(fsTp string, targets []string) error {
	return fmt.Errorf("eccfs was built without FUSE support, rebuild with -tags fuse to mount %s %v", fsTp, targets)
}
