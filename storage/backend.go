// Package storage defines the narrow block I/O interfaces the core reads
// and writes through (spec §1, §4.2), plus a real file-backed Device used
// by tests and the cmd/eccfs driver.
package storage

import "github.com/KarpelesLab/eccfs/crypto"

// RBackend is a read-only block object: an opaque byte blob addressed in
// fixed crypto.BlkSize units.
type RBackend interface {
	ReadBlk(pos uint64) (*crypto.Block, error)
	ReadBlkTo(pos uint64, blk *crypto.Block) error
	GetLen() (uint64, error) // length in blocks
}

// Backend additionally allows writing and resizing.
type Backend interface {
	RBackend
	WriteBlk(pos uint64, blk *crypto.Block) error
	SetLen(nrBlk uint64) error
	ExpandLen(nrBlk uint64) error
}

// Device opens, creates, and removes named block objects (e.g. the RW
// image's per-inode data objects, named by hex(sha3_256(iid))).
type Device interface {
	Open(name string) (Backend, error)
	Create(name string) (Backend, error)
	Remove(name string) error
	Exists(name string) bool
}
