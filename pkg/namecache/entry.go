package namecache

import (
	"github.com/keyronex/kernel/pkg/errkind"
)

// Entry is a namecache entry (spec.md §3 "Namecache entry" / §4.9): it
// represents either a resolved name (Vnode != nil) or a known-missing
// name (Vnode == nil, "negative") within a parent directory.
//
// The reference kernel gives each entry its own mutex plus a separate
// global LRU mutex, so lookups in unrelated subtrees don't serialize
// against each other. This core folds both into the owning Cache's
// single mutex: correct (every method below still observes the same
// happens-before ordering the original's two-lock scheme provides) but
// coarser-grained, a deliberate simplification for a core with no
// workload requiring subtree-level lookup concurrency.
type Entry struct {
	Name   string
	key    uint64
	Parent *Entry
	VFS    *VFS
	Vnode  Vnode

	// MountedVFS is non-nil when a filesystem is mounted on this entry;
	// traversing onto it during lookup substitutes MountedVFS's root.
	MountedVFS *VFS

	children childTree
	refcount int

	cache            *Cache
	lruPrev, lruNext *Entry
}

// IsNegative reports whether this entry records a known-missing name.
func (e *Entry) IsNegative() bool { return e.Vnode == nil }

// Retain is nc_retain (spec.md §4.9): incrementing off zero removes
// the entry from the LRU, since its parent pointer now keeps it alive
// instead.
func (e *Entry) Retain() {
	c := e.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.refcount == 0 {
		c.lruRemove(e)
	}
	e.refcount++
}

// Release is nc_release (spec.md §4.9): dropping to zero either frees
// the entry immediately (if orphaned) or moves it to the LRU tail, then
// triggers high-water-mark eviction.
func (e *Entry) Release() {
	c := e.cache
	c.mu.Lock()
	e.refcount--
	if e.refcount > 0 {
		c.mu.Unlock()
		return
	}
	if e.Parent == nil {
		c.mu.Unlock()
		return
	}
	c.lruInsertTail(e)
	c.mu.Unlock()
	c.trim()
}

// Lookup is nc_lookup (spec.md §4.9 step 2's "consult the current
// entry's child tree" clause): it consults e's child tree, falling
// back to the vnode lookup operation on a miss and caching the result
// (positive or negative) for next time. The returned entry is already
// retained.
func (e *Entry) Lookup(name string) (*Entry, error) {
	c := e.cache
	c.mu.Lock()

	if found := e.children.find(name); found != nil {
		if found.IsNegative() {
			c.mu.Unlock()
			return nil, errkind.Err(errkind.NotFound)
		}
		found.refcount++
		if found.refcount == 1 {
			c.lruRemove(found)
		}
		c.mu.Unlock()
		return found, nil
	}

	if e.Vnode == nil {
		c.mu.Unlock()
		return nil, errkind.Err(errkind.NotFound)
	}

	child := &Entry{Name: name, Parent: e, VFS: e.VFS, cache: c}
	e.children.insert(child)
	// The child's Parent pointer is itself a reference that must keep e
	// alive, exactly as nc_lookup's found->parent = nc_retain(nc) does;
	// inlined (rather than calling e.Retain, which would deadlock on
	// c.mu) since this whole block already runs under it.
	if e.refcount == 0 {
		c.lruRemove(e)
	}
	e.refcount++

	vn, lerr := e.Vnode.Lookup(name)
	if lerr != nil {
		child.refcount = 0
		c.lruInsertTail(child)
		c.mu.Unlock()
		return nil, errkind.Err(errkind.NotFound)
	}
	child.Vnode = vn
	child.refcount = 1
	c.mu.Unlock()
	return child, nil
}
