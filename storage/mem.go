package storage

import (
	"sync"

	"github.com/KarpelesLab/eccfs/crypto"
	"github.com/KarpelesLab/eccfs/vfs"
)

// MemBackend is an in-memory Backend, used across the test suite in place
// of a real file the way mock_test.go's mockReader stands in for a real
// squashfs image.
type MemBackend struct {
	mu   sync.Mutex
	blks []crypto.Block
}

func NewMemBackend(nrBlk uint64) *MemBackend {
	return &MemBackend{blks: make([]crypto.Block, nrBlk)}
}

func (m *MemBackend) ReadBlk(pos uint64) (*crypto.Block, error) {
	var blk crypto.Block
	if err := m.ReadBlkTo(pos, &blk); err != nil {
		return nil, err
	}
	return &blk, nil
}

func (m *MemBackend) ReadBlkTo(pos uint64, blk *crypto.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pos >= uint64(len(m.blks)) {
		return vfs.New(vfs.ErrUnexpectedEOF)
	}
	*blk = m.blks[pos]
	return nil
}

func (m *MemBackend) WriteBlk(pos uint64, blk *crypto.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pos >= uint64(len(m.blks)) {
		return vfs.New(vfs.ErrInvalidParameter)
	}
	m.blks[pos] = *blk
	return nil
}

func (m *MemBackend) GetLen() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.blks)), nil
}

func (m *MemBackend) SetLen(nrBlk uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if nrBlk <= uint64(len(m.blks)) {
		m.blks = m.blks[:nrBlk]
		return nil
	}
	grown := make([]crypto.Block, nrBlk)
	copy(grown, m.blks)
	m.blks = grown
	return nil
}

func (m *MemBackend) ExpandLen(nrBlk uint64) error {
	m.mu.Lock()
	cur := uint64(len(m.blks))
	m.mu.Unlock()
	if nrBlk <= cur {
		return nil
	}
	return m.SetLen(nrBlk)
}

// MemDevice is an in-memory Device keyed by object name.
type MemDevice struct {
	mu      sync.Mutex
	objects map[string]*MemBackend
}

func NewMemDevice() *MemDevice {
	return &MemDevice{objects: make(map[string]*MemBackend)}
}

func (d *MemDevice) Open(name string) (Backend, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.objects[name]
	if !ok {
		return nil, vfs.New(vfs.ErrNotFound)
	}
	return b, nil
}

func (d *MemDevice) Create(name string) (Backend, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := NewMemBackend(0)
	d.objects[name] = b
	return b, nil
}

func (d *MemDevice) Remove(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.objects[name]; !ok {
		return vfs.New(vfs.ErrNotFound)
	}
	delete(d.objects, name)
	return nil
}

func (d *MemDevice) Exists(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.objects[name]
	return ok
}
