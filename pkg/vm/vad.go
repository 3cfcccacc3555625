package vm

import (
	"sort"

	"github.com/keyronex/kernel/pkg/pmap"
)

// Inheritance controls what vm_map_fork does to a VAD's mapping in the
// child process (spec.md §4.6.4).
type Inheritance int

const (
	// InheritCopy gives the child a private, copy-on-write duplicate of
	// the mapping (the default for anonymous private memory).
	InheritCopy Inheritance = iota
	// InheritShare gives the child the same amap/object, both processes
	// observing each other's writes (e.g. shared-memory segments).
	InheritShare
	// InheritStack marks a thread-stack mapping. Fork handles it exactly
	// like InheritCopy: the whole VAD is duplicated copy-on-write; no
	// committed range or guard region is distinguished.
	InheritStack
)

// VADObject is the backing object a VAD may reference: a vnode-backed
// file mapping, or nil for pure anonymous memory. It is kept minimal and
// untyped here; pkg/executive's memVnode is the implementation this
// module ships.
type VADObject interface {
	// ReadPage reads the page at the given object-relative page offset
	// into dst (len(dst) == pfn.PageSize).
	ReadPage(pageOffset uint64, dst []byte) error
}

// VAD (virtual address descriptor) records one contiguous mapped range
// of a process's address space, per spec.md §4.6.2. Two VAD shapes share
// this one struct: a shared object map (Private false, Object non-nil)
// is a direct view of Object's cache — every page fault it takes maps
// Object's cached page straight into the pmap, and Amap never holds an
// entry for it. A private (copy-on-write) object map (Private true)
// reads through Object's cache too, but only on a write fault forks its
// own anon into Amap; until then it shares Object's page read-only, the
// same as the shared shape. Pure anonymous memory (Object nil) never
// touches an Object at all and lives entirely in Amap.
type VAD struct {
	Start, End  uintptr // [Start, End), page-aligned
	Prot        pmap.Prot
	Inherit     Inheritance
	Object      *Object // nil for anonymous memory
	ObjectPgOff uint64  // page offset into Object, if any
	Amap        *Amap
	Private     bool // copy-on-write against Object if true
}

// Len returns the VAD's length in bytes.
func (v *VAD) Len() uintptr { return v.End - v.Start }

// Contains reports whether addr falls within the VAD's range.
func (v *VAD) Contains(addr uintptr) bool { return addr >= v.Start && addr < v.End }

// vadTree is a sorted slice of non-overlapping VADs ordered by Start.
//
// spec.md describes the VAD collection as a red-black tree keyed by
// address range; no red-black tree implementation is available anywhere
// in the retrieved corpus, so a sorted slice with binary-search lookup
// and insertion is used instead. This preserves the externally
// observable semantics (ordered, non-overlapping ranges, O(log n)
// lookup) at the cost of O(n) insertion, which is an acceptable
// trade-off for a simulation handling at most a few dozen VADs per
// process. See DESIGN.md.
type vadTree struct {
	vads []*VAD
}

func newVadTree() *vadTree { return &vadTree{} }

// Find returns the VAD containing addr, or nil.
func (t *vadTree) Find(addr uintptr) *VAD {
	i := sort.Search(len(t.vads), func(i int) bool { return t.vads[i].End > addr })
	if i < len(t.vads) && t.vads[i].Contains(addr) {
		return t.vads[i]
	}
	return nil
}

// Insert adds v to the tree. v must not overlap any existing VAD.
func (t *vadTree) Insert(v *VAD) {
	i := sort.Search(len(t.vads), func(i int) bool { return t.vads[i].Start >= v.Start })
	t.vads = append(t.vads, nil)
	copy(t.vads[i+1:], t.vads[i:])
	t.vads[i] = v
}

// Remove deletes v from the tree.
func (t *vadTree) Remove(v *VAD) {
	for i, cur := range t.vads {
		if cur == v {
			t.vads = append(t.vads[:i], t.vads[i+1:]...)
			return
		}
	}
}

// Overlaps reports whether [start, end) overlaps any existing VAD.
func (t *vadTree) Overlaps(start, end uintptr) bool {
	for _, v := range t.vads {
		if start < v.End && end > v.Start {
			return true
		}
	}
	return false
}

// All returns every VAD in address order. The returned slice must not be
// mutated.
func (t *vadTree) All() []*VAD { return t.vads }
