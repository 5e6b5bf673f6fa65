package email

import (
	"fmt"
	"testing"
)

func TestThreadCachePutGet(t *testing.T) {
	c := newThreadCache(4)
	c.Put("m1", "root1")
	c.Put("m2", "root1")

	for _, id := range []string{"m1", "m2"} {
		if root, ok := c.Get(id); !ok || root != "root1" {
			t.Errorf("Get(%s) = %q %v", id, root, ok)
		}
	}
	if _, ok := c.Get("unknown"); ok {
		t.Error("unknown id resolved")
	}
}

func TestThreadCacheEvictsLRU(t *testing.T) {
	c := newThreadCache(3)
	c.Put("m1", "r1")
	c.Put("m2", "r2")
	c.Put("m3", "r3")
	// Refresh m1 so m2 is the eviction candidate.
	c.Get("m1")
	c.Put("m4", "r4")

	if _, ok := c.Get("m2"); ok {
		t.Error("least recently used entry survived")
	}
	if _, ok := c.Get("m1"); !ok {
		t.Error("recently used entry evicted")
	}
	if c.Len() != 3 {
		t.Errorf("len = %d", c.Len())
	}
}

func TestThreadCacheBounded(t *testing.T) {
	c := newThreadCache(0)
	for i := 0; i < threadCacheSize*4; i++ {
		c.Put(fmt.Sprintf("m%d", i), "r")
	}
	if c.Len() != threadCacheSize {
		t.Errorf("len = %d, want %d", c.Len(), threadCacheSize)
	}
}

func TestThreadCacheUpdateExisting(t *testing.T) {
	c := newThreadCache(2)
	c.Put("m1", "r1")
	c.Put("m1", "r2")
	if c.Len() != 1 {
		t.Errorf("len = %d", c.Len())
	}
	if root, _ := c.Get("m1"); root != "r2" {
		t.Errorf("root = %q", root)
	}
}
