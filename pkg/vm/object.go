package vm

import (
	"sync"

	"github.com/keyronex/kernel/pkg/ipl"
	"github.com/keyronex/kernel/pkg/pfn"
)

// VADWriter is the write-back half of a mapped vnode, implemented by
// backing objects whose shared mappings must propagate writes (spec.md
// §4.6.2's "direct view of the vnode's cache" shared object map). A
// backing object that implements only VADObject can still be mapped
// shared, and a write fault against such a mapping succeeds; the write
// lands in the cached page only, since Sync has nothing to write it
// back through.
type VADWriter interface {
	WritePage(pageOffset uint64, src []byte) error
}

// Object is the VM object of spec.md §3: the cache of a vnode's pages
// that every VAD mapping that vnode maps into, shared across every Map
// that holds one. spec.md describes it as a red-black tree of cached
// pages keyed by object-relative page offset; as with vadTree (see
// vad.go), no red-black tree implementation is available anywhere in the
// retrieved corpus, so a guarded map serves the same lookup/fill
// semantics. See DESIGN.md.
//
// Caching pages here rather than inside each VAD's own amap is what
// gives a shared (non-private) object mapping its defining property:
// two unrelated Maps that both MapObject the same *Object observe the
// same resident page, and a write fault taken through one is visible to
// a fault taken through the other, without either Map's own amap ever
// holding an entry for it. A private (copy-on-write) VAD still resolves
// its pages through the same cache on first touch, but only forks its
// own anon, into its own amap, on the write that actually dirties it.
type Object struct {
	backing VADObject

	mu    sync.Mutex
	pages map[uint64]*Anon
}

// NewObject wraps backing — typically a vnode — in a fresh, empty VM
// object cache. Callers that want two mappings to share pages must pass
// the same *Object to both; the cache has no notion of vnode identity of
// its own.
func NewObject(backing VADObject) *Object {
	return &Object{backing: backing, pages: make(map[uint64]*Anon)}
}

// resolve returns the cached anon for pageOffset, reading it in from the
// backing object on a cache miss. The returned anon is owned by the
// object cache, not by any one Map; callers must not insert it into a
// VAD's amap without forking a private copy first.
func (o *Object) resolve(cpu *ipl.CPU, pfndb *pfn.DB, pageOffset uint64) (*Anon, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if a, ok := o.pages[pageOffset]; ok {
		return a, nil
	}
	f, err := pfndb.Alloc(cpu, pfn.UseAnonymous)
	if err != nil {
		return nil, err
	}
	if err := o.backing.ReadPage(pageOffset, f.Data[:]); err != nil {
		pfndb.Unwire(cpu, f)
		pfndb.Free(cpu, f)
		return nil, err
	}
	a := NewResidentAnon(f)
	f.Owner = a
	o.pages[pageOffset] = a
	return a, nil
}

// Sync writes the cached page at pageOffset back to the backing object,
// if it is resident and the backing object implements VADWriter. This is
// the msync half of a shared object mapping: the fault path never writes
// through on its own, since nothing in this simulation traps individual
// stores to flip a dirty bit, so a writer that wants its change to reach
// the vnode calls Sync explicitly. Returns nil with no effect for a page
// that was never faulted in, or a backing object that is read-only.
func (o *Object) Sync(pageOffset uint64) error {
	o.mu.Lock()
	a, ok := o.pages[pageOffset]
	o.mu.Unlock()
	if !ok || !a.Resident() {
		return nil
	}
	w, ok := o.backing.(VADWriter)
	if !ok {
		return nil
	}
	return w.WritePage(pageOffset, a.Frame().Data[:])
}
