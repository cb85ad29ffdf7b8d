package vfs

// FileSystem is the capability interface exposed by ro, rw, and overlay
// (spec §4.6). All operations are keyed by InodeID. Implementations return
// *Error values built with New/Wrap above.
type FileSystem interface {
	Init() error
	// Destroy flushes all state and returns the new root FSMode-shaped
	// authenticator bytes the caller must persist. Implementations that
	// don't have a root authenticator (e.g. overlay) return nil.
	Destroy() (FSModeBytes, error)
	FInfo() (FsInfo, error)
	Fsync(datasync bool) error

	IRead(iid InodeID, offset uint64, buf []byte) (int, error)
	IWrite(iid InodeID, offset uint64, data []byte) (int, error)

	GetMeta(iid InodeID) (Metadata, error)
	SetMeta(iid InodeID, set SetMetadata) error

	IReadLink(iid InodeID) (string, error)
	ISetLink(iid InodeID, target string) error

	ISyncMeta(iid InodeID) error
	ISyncData(iid InodeID) error

	Create(parent InodeID, name string, ftype FileType, uid, gid uint32, perm FilePerm) (InodeID, error)
	Link(parent InodeID, name string, target InodeID) error
	Unlink(parent InodeID, name string) error
	Symlink(parent InodeID, name, target string, uid, gid uint32) (InodeID, error)
	Rename(from InodeID, name string, to InodeID, newname string) error

	Lookup(iid InodeID, name string) (InodeID, bool, error)
	ListDir(iid InodeID, offset uint64, count int) ([]DirEntry, error)

	Fallocate(iid InodeID, mode FallocateMode, offset, length uint64) error
}

// FSModeBytes is the externalized, side-channel "mode file" blob: either
// (tag=Encrypted, key[16], mac[16]) or (tag=IntegrityOnly, hash[32]),
// exactly the size of an FSMode discriminant plus 32 bytes of payload.
type FSModeBytes struct {
	Encrypted bool
	Key       [16]byte
	MAC       [16]byte
	Hash      [32]byte
}
