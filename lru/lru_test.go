package lru

import "testing"

func TestInsertAndGet(t *testing.T) {
	c := New[int, string](2)
	h1, ev, err := c.InsertAndGet(1, "one")
	if err != nil || ev != nil {
		t.Fatalf("insert 1: %v %v", err, ev)
	}
	if *h1.Value() != "one" {
		t.Fatalf("wrong value")
	}
	c.Release(h1)

	h2, ev, err := c.InsertAndGet(2, "two")
	if err != nil || ev != nil {
		t.Fatalf("insert 2: %v %v", err, ev)
	}
	c.Release(h2)

	// cache full: inserting a third evicts key 1 (LRU, unpinned, clean)
	h3, ev, err := c.InsertAndGet(3, "three")
	if err != nil {
		t.Fatalf("insert 3: %v", err)
	}
	if ev != nil {
		t.Fatalf("expected no write-back for clean victim, got %+v", ev)
	}
	c.Release(h3)

	if _, ok := c.Get(1); ok {
		t.Fatalf("expected key 1 to have been evicted")
	}
}

func TestEvictionReturnsDirtyVictim(t *testing.T) {
	c := New[int, string](1)
	h1, _, err := c.InsertAndGet(1, "one")
	if err != nil {
		t.Fatalf("insert 1: %v", err)
	}
	c.MarkDirty(1)
	c.Release(h1)

	h2, ev, err := c.InsertAndGet(2, "two")
	if err != nil {
		t.Fatalf("insert 2: %v", err)
	}
	c.Release(h2)
	if ev == nil || ev.Key != 1 || ev.Value != "one" {
		t.Fatalf("expected dirty victim (1,one), got %+v", ev)
	}
}

func TestCacheFullWhenAllPinned(t *testing.T) {
	c := New[int, string](1)
	h1, _, err := c.InsertAndGet(1, "one")
	if err != nil {
		t.Fatalf("insert 1: %v", err)
	}
	_, _, err = c.InsertAndGet(2, "two")
	if err == nil {
		t.Fatalf("expected CacheFull error")
	}
	c.Release(h1)
}

func TestTryPopKey(t *testing.T) {
	c := New[int, string](2)
	h1, _, _ := c.InsertAndGet(1, "one")
	c.MarkDirty(1)
	// still pinned: TryPopKey should refuse
	if _, _, removed := c.TryPopKey(1); removed {
		t.Fatalf("expected pinned entry to not be popped")
	}
	c.Release(h1)
	v, dirty, removed := c.TryPopKey(1)
	if !removed || !dirty || v != "one" {
		t.Fatalf("unexpected pop result: %v %v %v", v, dirty, removed)
	}
}

func TestFlushUnusedDirty(t *testing.T) {
	c := New[int, string](4)
	h1, _, _ := c.InsertAndGet(1, "one")
	c.MarkDirty(1)
	c.Release(h1)
	h2, _, _ := c.InsertAndGet(2, "two")
	c.Release(h2)

	evicted := c.FlushUnusedDirty()
	if len(evicted) != 1 || evicted[0].Key != 1 {
		t.Fatalf("expected only key 1 dirty, got %+v", evicted)
	}
	if c.Len() != 0 {
		t.Fatalf("expected cache empty after flush, got len %d", c.Len())
	}
}
