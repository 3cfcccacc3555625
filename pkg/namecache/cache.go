package namecache

import (
	"sync"

	"github.com/go-logr/logr"
)

// Cache owns the global LRU of zero-refcount entries and the
// high-water-mark eviction policy described in spec.md §4.9.
type Cache struct {
	mu  sync.Mutex
	log logr.Logger

	lruHead, lruTail *Entry
	lruLen           int
	highWaterMark    int
}

// NewCache returns a namecache whose LRU evicts down toward
// highWaterMark whenever it is exceeded.
func NewCache(highWaterMark int, log logr.Logger) *Cache {
	return &Cache{highWaterMark: highWaterMark, log: log.WithName("namecache")}
}

// NewRoot creates a filesystem's root entry (nc_make_root), with an
// initial reference count of one and no parent — it is never placed on
// the LRU, matching the reference kernel's root namecache, which is
// kept alive for the system's lifetime by the mount table rather than
// by any ordinary caller's reference.
func (c *Cache) NewRoot(vfs *VFS, vn Vnode) *Entry {
	return &Entry{VFS: vfs, Vnode: vn, refcount: 1, cache: c}
}

func (c *Cache) lruRemove(e *Entry) {
	if e.lruPrev != nil {
		e.lruPrev.lruNext = e.lruNext
	} else {
		c.lruHead = e.lruNext
	}
	if e.lruNext != nil {
		e.lruNext.lruPrev = e.lruPrev
	} else {
		c.lruTail = e.lruPrev
	}
	e.lruPrev, e.lruNext = nil, nil
	c.lruLen--
}

func (c *Cache) lruInsertTail(e *Entry) {
	e.lruPrev = c.lruTail
	e.lruNext = nil
	if c.lruTail != nil {
		c.lruTail.lruNext = e
	} else {
		c.lruHead = e
	}
	c.lruTail = e
	c.lruLen++
}

// trim is nc_trim_lru: while the LRU exceeds the high-water mark, evict
// its head (the least-recently-used entry), unlinking it from its
// parent's child tree and releasing the parent — which may itself
// cascade into a further eviction.
func (c *Cache) trim() {
	for {
		c.mu.Lock()
		if c.lruLen <= c.highWaterMark || c.lruHead == nil {
			c.mu.Unlock()
			return
		}
		victim := c.lruHead
		c.lruRemove(victim)
		parent := victim.Parent
		if parent != nil {
			parent.children.remove(victim)
		}
		c.mu.Unlock()

		c.log.V(1).Info("evicting namecache entry", "name", victim.Name)
		if parent != nil {
			parent.Release()
		}
	}
}

// Len reports the number of entries currently on the LRU, for tests
// and diagnostics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruLen
}
