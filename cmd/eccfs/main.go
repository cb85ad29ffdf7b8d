// Command eccfs builds and mounts eccfs images: confidentiality- and
// integrity-protected filesystems backed by a Merkle hash tree, per the
// core library in github.com/KarpelesLab/eccfs.
package main

import (
	"fmt"
	"os"
)

const usage = `eccfs - confidentiality/integrity-protected filesystem tool

Usage:
  eccfs build ro <enc|int> <target>     Build a read-only image from directory <target>
  eccfs build rw <enc|int> <target>     Build a read-write image from directory <target>
  eccfs build empty <enc|int> <target>  Create an empty read-write image
  eccfs mount ro <target>               Mount <target>.roimage read-only
  eccfs mount rw <target>               Mount <target>.rwimage read-write
  eccfs mount ovl <target> <lower>...   Mount <target>.rwimage over one or more <lower>.roimage layers
  eccfs help                            Show this help message

Build writes <target>.roimage or <target>.rwimage plus a <target>.mode
side-channel file holding the root key or hash. Mount reads that file and,
for rw and ovl, rewrites it with the new root authenticator on unmount.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "build":
		if len(os.Args) < 5 {
			fmt.Println("Error: build requires <tp> <mode> <target>")
			fmt.Println(usage)
			os.Exit(1)
		}
		if err := runBuild(os.Args[2], os.Args[3], os.Args[4]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}

	case "mount":
		if len(os.Args) < 4 {
			fmt.Println("Error: mount requires <fs_tp> <target>...")
			fmt.Println(usage)
			os.Exit(1)
		}
		if err := runMount(os.Args[2], os.Args[3:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}

	case "help":
		fmt.Println(usage)

	default:
		fmt.Printf("Error: Unknown command '%s'\n", os.Args[1])
		fmt.Println(usage)
		os.Exit(1)
	}
}
