package vm

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/keyronex/kernel/pkg/ipl"
	"github.com/keyronex/kernel/pkg/pfn"
	"github.com/keyronex/kernel/pkg/pmap"
	"github.com/keyronex/kernel/pkg/vm/swap"
)

// UserBase and UserLimit bound the user-mappable portion of the address
// space handed to every new Map's Vmem arena.
const (
	UserBase  = 0x1000
	UserLimit = 0x0000_8000_0000_0000
)

// Map is one process's virtual address space: the VAD collection, the
// backing pmap.Map, and the vmem arena used to pick addresses for
// mappings that don't request a fixed one. Guarded by a single mutex,
// matching spec.md §5's statement that per-map state is private to the
// owning process except for the fault path, which additionally takes
// the PFN lock internally through pfn.DB and pmap.Map.
type Map struct {
	mu    sync.Mutex
	vads  *vadTree
	vmem  *Vmem
	pmap  *pmap.Map
	pfndb *pfn.DB
	swap  swap.Store
	log   logr.Logger
}

// NewMap creates a process address space. kernel is the system's shared
// kernel pmap.Map (nil only for the kernel's own Map).
func NewMap(kernel *pmap.Map, pfndb *pfn.DB, store swap.Store, log logr.Logger) *Map {
	if store == nil {
		store = swap.DisabledStore{}
	}
	return &Map{
		vads:  newVadTree(),
		vmem:  NewVmem(UserBase, UserLimit),
		pmap:  pmap.New(pmap.DefaultLayout, kernel, pfndb, log),
		pfndb: pfndb,
		swap:  store,
		log:   log.WithName("vm-map"),
	}
}

// PMap returns the underlying pmap.Map, for Activate on context switch.
func (m *Map) PMap() *pmap.Map { return m.pmap }

// MapAnon establishes a new anonymous VAD of the given length and
// protection, choosing an address if addr is 0. Returns the VAD's start
// address.
func (m *Map) MapAnon(addr, length uintptr, prot pmap.Prot, inherit Inheritance) (uintptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var base uintptr
	var err error
	if addr != 0 {
		if m.vads.Overlaps(addr, addr+length) {
			return 0, fmt.Errorf("vm: fixed range %#x-%#x overlaps an existing mapping", addr, addr+length)
		}
		if err = m.vmem.AllocAt(addr, length); err != nil {
			return 0, err
		}
		base = addr
	} else {
		base, err = m.vmem.Alloc(length)
		if err != nil {
			return 0, err
		}
	}

	v := &VAD{
		Start:   base,
		End:     base + length,
		Prot:    prot,
		Inherit: inherit,
		Amap:    NewAmap(),
		Private: true,
	}
	m.vads.Insert(v)
	return base, nil
}

// MapObject establishes a VAD backed by obj, copy-on-write if private is
// true, shared otherwise. Pass the same *Object to multiple MapObject
// calls (across one Map or several) to have them observe each other's
// resident pages and, for shared mappings, each other's writes.
func (m *Map) MapObject(addr, length uintptr, prot pmap.Prot, obj *Object, objPgOff uint64, private bool) (uintptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var base uintptr
	var err error
	if addr != 0 {
		if m.vads.Overlaps(addr, addr+length) {
			return 0, fmt.Errorf("vm: fixed range %#x-%#x overlaps an existing mapping", addr, addr+length)
		}
		if err = m.vmem.AllocAt(addr, length); err != nil {
			return 0, err
		}
		base = addr
	} else {
		base, err = m.vmem.Alloc(length)
		if err != nil {
			return 0, err
		}
	}

	inherit := InheritShare
	if private {
		inherit = InheritCopy
	}
	v := &VAD{
		Start:       base,
		End:         base + length,
		Prot:        prot,
		Inherit:     inherit,
		Object:      obj,
		ObjectPgOff: objPgOff,
		Amap:        NewAmap(),
		Private:     private,
	}
	m.vads.Insert(v)
	return base, nil
}

// Unmap tears down every VAD overlapping [addr, addr+length), unentering
// their pages and returning the address range to the vmem arena.
func (m *Map) Unmap(cpu *ipl.CPU, addr, length uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()

	end := addr + length
	for _, v := range append([]*VAD(nil), m.vads.All()...) {
		if v.End <= addr || v.Start >= end {
			continue
		}
		if v.Object != nil {
			// An object-backed VAD may have pages mapped straight from
			// the object's cache (shared mappings, and a private
			// mapping's not-yet-forked pages) with no amap entry at
			// all, so every page in range has to be considered, not
			// just the ones Amap.ForEach would find. Only a frame that
			// is actually this Map's own private anon gets freed here;
			// a frame owned by the object cache outlives the unmap.
			for off := uintptr(0); off < v.Len(); off += pfn.PageSize {
				vaddr := v.Start + off
				pageIdx := uint64(off) / pfn.PageSize
				anon := v.Amap.Lookup(pageIdx)
				f := m.pmap.UnenterPageable(cpu, vaddr)
				if f == nil {
					continue
				}
				if anon != nil && anon.release() == 0 {
					m.pfndb.Unwire(cpu, f)
					m.pfndb.Free(cpu, f)
				}
			}
		} else {
			v.Amap.ForEach(func(pageIdx uint64, anon *Anon) {
				vaddr := v.Start + uintptr(pageIdx)*pfn.PageSize
				f := m.pmap.UnenterPageable(cpu, vaddr)
				if f != nil && anon.release() == 0 {
					m.pfndb.Unwire(cpu, f)
					m.pfndb.Free(cpu, f)
				}
			})
		}
		m.vads.Remove(v)
		m.vmem.Free(v.Start, v.Len())
	}
}

// Lookup returns the VAD covering addr, or nil.
func (m *Map) Lookup(addr uintptr) *VAD {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vads.Find(addr)
}
