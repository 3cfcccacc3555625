package namecache

import (
	"sync"

	"github.com/keyronex/kernel/pkg/errkind"
	"github.com/keyronex/kernel/pkg/object"
)

// VFSOps is a filesystem's per-fs operations vector (spec.md §3
// "VFS").
type VFSOps interface {
	// Root returns the filesystem's root vnode.
	Root() (Vnode, error)
}

// VFS is a mount instance (spec.md §3 "VFS" / §4.9): independently
// refcounted through an embedded object header, so an unmount can be
// refused while Handles referencing it are still outstanding.
type VFS struct {
	Header *object.Header
	Ops    VFSOps
	Root   *Entry

	// Covered is the namecache handle this filesystem was mounted over
	// (nil for the system's initial root filesystem). ".." resolution
	// at Root walks back through it into the parent filesystem.
	Covered *Handle

	mu     sync.Mutex
	vnodes []Vnode
}

// NewVFS mounts ops as a standalone filesystem instance rooted through
// cache. It is not attached to any parent entry; use Mount for that.
func NewVFS(cache *Cache, ops VFSOps, covered *Handle, name string) (*VFS, error) {
	vfs := &VFS{Ops: ops, Covered: covered}
	vfs.Header = object.NewHeader(object.TypeVFS, name, nil)

	root, err := ops.Root()
	if err != nil {
		return nil, err
	}
	vfs.Root = cache.NewRoot(vfs, root)
	vfs.trackVnode(root)
	return vfs, nil
}

func (v *VFS) trackVnode(vn Vnode) {
	v.mu.Lock()
	v.vnodes = append(v.vnodes, vn)
	v.mu.Unlock()
}

// VnodeCount reports how many vnodes this filesystem instance has
// handed out, for diagnostics.
func (v *VFS) VnodeCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.vnodes)
}

// Mount attaches a new filesystem instance over target, substituting
// its root for target on future lookups that cross it.
func Mount(target *Entry, cache *Cache, ops VFSOps, name string) (*VFS, error) {
	covered := &Handle{Entry: target, VFS: target.VFS}
	vfs, err := NewVFS(cache, ops, covered, name)
	if err != nil {
		return nil, err
	}
	target.cache.mu.Lock()
	target.MountedVFS = vfs
	target.cache.mu.Unlock()
	return vfs, nil
}

// Unmount detaches the filesystem mounted on target, refusing with
// errkind.Busy while any Handle referencing it remains outstanding
// beyond the mount table's own implicit reference.
func Unmount(target *Entry) error {
	target.cache.mu.Lock()
	vfs := target.MountedVFS
	target.cache.mu.Unlock()
	if vfs == nil {
		return errkind.Err(errkind.NotFound)
	}
	if vfs.Header.RefCount() > 1 {
		return errkind.Err(errkind.Busy)
	}
	target.cache.mu.Lock()
	target.MountedVFS = nil
	target.cache.mu.Unlock()
	return nil
}

// Handle pairs a namecache entry with the VFS instance it belongs to
// (spec.md §4.9: "All returned handles pair a namecache entry with its
// owning VFS").
type Handle struct {
	Entry *Entry
	VFS   *VFS
}

// Retain retains both halves of the handle.
func (h *Handle) Retain() error {
	h.Entry.Retain()
	if err := h.VFS.Header.Retain(); err != nil {
		h.Entry.Release()
		return err
	}
	return nil
}

// Release releases both halves of the handle.
func (h *Handle) Release() {
	h.VFS.Header.Release()
	h.Entry.Release()
}
