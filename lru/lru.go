// Package lru implements the generic bounded cache with refcounted,
// pinned entries and dirty-bit tracking described in spec §4.3. It
// generalizes original_source/src/lru.rs's Lru<K,V>. Rather than Rust's
// Arc strong-count, entries here carry an explicit refcount incremented by
// Get/InsertAndGet and decremented by the caller via Handle.Release; an
// entry is evictable only while its refcount is zero (no outstanding
// handle), matching spec §5's "eviction requires handle-count = 1" (the
// cache's own internal reference is not counted, so zero here is the
// direct analogue of Rust's strong_count == 1).
package lru

import (
	"container/list"
	"sync"

	"github.com/KarpelesLab/eccfs/vfs"
)

type entry[K comparable, V any] struct {
	key   K
	value *V
	dirty bool
	refs  int
}

// Handle is a caller's reference-counted hold on a cached value. The
// caller must call Release when done so the entry becomes evictable again.
type Handle[V any] struct {
	v *V
}

func (h *Handle[V]) Value() *V { return h.v }

// Cache is a bounded, key-value LRU cache whose values are only evicted
// while unreferenced. It is safe for concurrent use; spec §5 assigns one
// mutex per hash tree's cache, which maps directly onto this type's
// internal sync.Mutex.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	cap      int
	ll       *list.List
	index    map[K]*list.Element
	released map[*V]*entry[K, V] // reverse lookup for Release
}

// Evicted is a dirty entry popped out of the cache for write-back.
type Evicted[K comparable, V any] struct {
	Key   K
	Value V
}

func New[K comparable, V any](capacity int) *Cache[K, V] {
	return &Cache[K, V]{
		cap:      capacity,
		ll:       list.New(),
		index:    make(map[K]*list.Element),
		released: make(map[*V]*entry[K, V]),
	}
}

func (c *Cache[K, V]) refHandle(e *entry[K, V]) *Handle[V] {
	e.refs++
	c.released[e.value] = e
	return &Handle[V]{v: e.value}
}

// Release drops a reference obtained from Get/InsertAndGet. It must be
// called exactly once per Handle.
func (c *Cache[K, V]) Release(h *Handle[V]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.released[h.v]; ok {
		e.refs--
	}
}

// Get returns a shared handle for key, touching recency, or false if
// absent.
func (c *Cache[K, V]) Get(key K) (*Handle[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	e := el.Value.(*entry[K, V])
	return c.refHandle(e), true
}

// MarkDirty sets the dirty bit on key's entry, if present.
func (c *Cache[K, V]) MarkDirty(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		el.Value.(*entry[K, V]).dirty = true
	}
}

// UnmarkDirty clears the dirty bit on key's entry, if present.
func (c *Cache[K, V]) UnmarkDirty(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		el.Value.(*entry[K, V]).dirty = false
	}
}

// InsertAndGet inserts a fresh value for key and returns a handle to it.
// If the cache is at capacity, the least-recently-used unpinned entry is
// evicted first; if it was dirty, it is returned in evicted for write-back.
// Returns ErrCacheFull if every entry is pinned, and ErrAlreadyExists if
// key is already present.
func (c *Cache[K, V]) InsertAndGet(key K, value V) (handle *Handle[V], evicted *Evicted[K, V], err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.index[key]; ok {
		return nil, nil, vfs.New(vfs.ErrAlreadyExists)
	}

	if c.ll.Len() >= c.cap {
		ev, popErr := c.popLRULocked()
		if popErr != nil {
			return nil, nil, popErr
		}
		evicted = ev
	}

	e := &entry[K, V]{key: key, value: &value}
	el := c.ll.PushFront(e)
	c.index[key] = el
	return c.refHandle(e), evicted, nil
}

// popLRULocked evicts the least-recently-used entry with refs == 0. Caller
// must hold c.mu.
func (c *Cache[K, V]) popLRULocked() (*Evicted[K, V], error) {
	for el := c.ll.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry[K, V])
		if e.refs != 0 {
			continue
		}
		c.ll.Remove(el)
		delete(c.index, e.key)
		delete(c.released, e.value)
		if e.dirty {
			return &Evicted[K, V]{Key: e.key, Value: *e.value}, nil
		}
		return nil, nil
	}
	return nil, vfs.New(vfs.ErrCacheFull)
}

// TryPopKey removes key if it is present and unpinned. On removal it
// returns the value, whether the entry was dirty (so the caller must write
// it back), and removed=true; if the entry was absent or pinned it removes
// nothing and returns removed=false.
func (c *Cache[K, V]) TryPopKey(key K) (value V, dirty bool, removed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[key]
	if !ok {
		return value, false, false
	}
	e := el.Value.(*entry[K, V])
	if e.refs != 0 {
		return value, false, false
	}
	c.ll.Remove(el)
	delete(c.index, key)
	delete(c.released, e.value)
	return *e.value, e.dirty, true
}

// FlushUnusedUnchanged drops every unpinned, clean entry.
func (c *Cache[K, V]) FlushUnusedUnchanged() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var next *list.Element
	for el := c.ll.Front(); el != nil; el = next {
		next = el.Next()
		e := el.Value.(*entry[K, V])
		if e.refs == 0 && !e.dirty {
			c.ll.Remove(el)
			delete(c.index, e.key)
			delete(c.released, e.value)
		}
	}
}

// FlushUnusedDirty removes every unpinned entry and returns the dirty ones
// for write-back.
func (c *Cache[K, V]) FlushUnusedDirty() []Evicted[K, V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Evicted[K, V]
	var next *list.Element
	for el := c.ll.Front(); el != nil; el = next {
		next = el.Next()
		e := el.Value.(*entry[K, V])
		if e.refs != 0 {
			continue
		}
		c.ll.Remove(el)
		delete(c.index, e.key)
		delete(c.released, e.value)
		if e.dirty {
			out = append(out, Evicted[K, V]{Key: e.key, Value: *e.value})
		}
	}
	return out
}

// ForgetIf drops every unpinned entry whose key matches pred, discarding
// any dirty bit rather than returning it for write-back. Used when the
// backing storage for those keys is being discarded outright (e.g. a
// shrinking resize), so writing them back would be pointless.
func (c *Cache[K, V]) ForgetIf(pred func(K) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var next *list.Element
	for el := c.ll.Front(); el != nil; el = next {
		next = el.Next()
		e := el.Value.(*entry[K, V])
		if e.refs != 0 || !pred(e.key) {
			continue
		}
		c.ll.Remove(el)
		delete(c.index, e.key)
		delete(c.released, e.value)
	}
}

// Len returns the current number of entries (pinned and unpinned).
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
