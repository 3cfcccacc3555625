// Package pmap implements the software page-table / TLB model described
// in spec.md §4.3. There is no real hardware MMU underneath this
// simulation, so a pmap.Map is a plain guarded map from virtual address
// to mapping entry; the operations, invariants, and the cross-CPU TLB
// shootdown protocol are exactly the ones §4.3 specifies.
package pmap

import (
	"fmt"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/keyronex/kernel/pkg/errkind"
	"github.com/keyronex/kernel/pkg/ipl"
	"github.com/keyronex/kernel/pkg/pfn"
)

// Prot is a page protection bitmask.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExecute
)

// Lesser reports whether p grants no more access than other — used by
// protect_range's "lesser_prot" argument, which may only narrow.
func (p Prot) Lesser(other Prot) bool {
	return p&^other == 0
}

// Layout carries the platform parameters that spec.md's Open Questions
// ask to be modelled as configuration rather than hard-coded constants:
// the size of the kernel's shared upper half of every address space.
type Layout struct {
	// SharedRoots is the count of top-level page-table roots shared
	// globally across every address space (spec.md §4.3: "the top 256
	// page-table roots in kernel virtual space are shared globally").
	SharedRoots int
}

// DefaultLayout matches spec.md's stated constant.
var DefaultLayout = Layout{SharedRoots: 256}

type entry struct {
	phys     uintptr
	prot     Prot
	pageable bool
	frame    *pfn.Frame
}

// Map is one address space's page-table simulation. The kernel's own
// Map is created first and passed as kernel to every later New so its
// shared upper-half roots (a conceptual slice of entries) are copied in,
// per spec.md §4.3.
type Map struct {
	layout  Layout
	lock    ipl.Spinlock
	entries map[uintptr]*entry
	kernel  *Map
	pfndb   *pfn.DB
	log     logr.Logger
}

// New creates an address space. If kernel is non-nil, the new map gets
// a by-value copy of every entry the kernel map holds at that moment
// (later kernel mappings are not seen), modelling "every new address
// space copies the kernel's upper-half roots on creation".
// Pass kernel == nil exactly once, to create the kernel map itself.
func New(layout Layout, kernel *Map, pfndb *pfn.DB, log logr.Logger) *Map {
	m := &Map{
		layout:  layout,
		entries: make(map[uintptr]*entry),
		kernel:  kernel,
		pfndb:   pfndb,
		log:     log.WithName("pmap"),
	}
	if kernel != nil {
		kernel.lock.Acquire()
		for va, e := range kernel.entries {
			ce := *e
			m.entries[va] = &ce
		}
		kernel.lock.Release()
	}
	return m
}

// isKernelShared reports whether m is the kernel map itself; virt is not
// consulted, since entries is a flat map and the simulation does not
// distinguish the shared upper half by address.
func (m *Map) isKernelShared(virt uintptr) bool {
	return m.kernel == nil
}

// Enter installs a non-pageable (wired) mapping of phys at virt with
// prot. Re-entering a non-empty slot is a fatal assertion — callers
// must Unenter first (spec.md §4.3 invariant 1).
func (m *Map) Enter(cpu *ipl.CPU, phys, virt uintptr, prot Prot) {
	m.lock.Acquire()
	defer m.lock.Release()

	_, exists := m.entries[virt]
	errkind.Assert(m.log, !exists, "pmap: re-enter of non-empty slot at %#x", virt)
	m.entries[virt] = &entry{phys: phys, prot: prot}
}

// EnterPageable installs a mapping backed by a PFN database frame and
// records a PV entry under the PFN lock, so that the frame's PV list and
// the pmap's own entries stay in lockstep (spec.md §4.3 invariant 2).
func (m *Map) EnterPageable(cpu *ipl.CPU, f *pfn.Frame, virt uintptr, prot Prot) {
	m.lock.Acquire()
	defer m.lock.Release()

	_, exists := m.entries[virt]
	errkind.Assert(m.log, !exists, "pmap: re-enter of non-empty slot at %#x", virt)

	m.entries[virt] = &entry{phys: uintptr(f.Number) * pfn.PageSize, prot: prot, pageable: true, frame: f}
	m.pfndb.InsertPV(cpu, f, m, virt)
}

// Unenter removes a wired mapping, returning the physical address it
// held, and issues a local TLB shootdown for virt (spec.md §4.3
// invariant 3: "shootdown is issued by the unenter path on the local
// CPU").
func (m *Map) Unenter(cpu *ipl.CPU, virt uintptr) uintptr {
	m.lock.Acquire()
	e, ok := m.entries[virt]
	if ok {
		errkind.Assert(m.log, !e.pageable, "pmap: unenter of pageable slot %#x via Unenter, use UnenterPageable", virt)
		delete(m.entries, virt)
	}
	m.lock.Release()

	localShootdown(virt)
	if !ok {
		return 0
	}
	return e.phys
}

// UnenterPageable removes a pageable mapping and its PV entry, and
// issues a local TLB shootdown for virt.
func (m *Map) UnenterPageable(cpu *ipl.CPU, virt uintptr) *pfn.Frame {
	m.lock.Acquire()
	e, ok := m.entries[virt]
	if ok {
		errkind.Assert(m.log, e.pageable, "pmap: unenter-pageable of wired slot %#x", virt)
		delete(m.entries, virt)
	}
	m.lock.Release()

	localShootdown(virt)
	if !ok {
		return nil
	}
	m.pfndb.RemovePV(cpu, e.frame, m, virt)
	return e.frame
}

// ProtectRange narrows the protection of every mapped page in [lo, hi)
// to lesserProt, which must not grant more access than the page's
// existing protection.
func (m *Map) ProtectRange(cpu *ipl.CPU, lo, hi uintptr, lesserProt Prot) {
	m.lock.Acquire()
	defer m.lock.Release()

	for va, e := range m.entries {
		if va < lo || va >= hi {
			continue
		}
		errkind.Assert(m.log, lesserProt.Lesser(e.prot), "pmap: protect_range at %#x requests wider access", va)
		e.prot = lesserProt
	}
}

// Translate returns the physical address mapped at virt, and whether a
// mapping exists.
func (m *Map) Translate(virt uintptr) (uintptr, bool) {
	m.lock.Acquire()
	defer m.lock.Release()
	e, ok := m.entries[virt]
	if !ok {
		return 0, false
	}
	return e.phys, true
}

// Frame returns the PFN frame backing a pageable mapping at virt, or
// nil if virt is unmapped or wired.
func (m *Map) Frame(virt uintptr) *pfn.Frame {
	m.lock.Acquire()
	defer m.lock.Release()
	e, ok := m.entries[virt]
	if !ok || !e.pageable {
		return nil
	}
	return e.frame
}

// Activate models switching the hardware root pointer to m. In this
// simulation there is nothing to do beyond logging, since every
// operation above reads m.entries directly; it exists so callers that
// port §4.5's "load a new address space on context switch" logic have a
// call to make.
func (m *Map) Activate(cpu *ipl.CPU) {
	m.log.V(2).Info("address space activated")
}

// shootdown is the single global cross-CPU TLB invalidation request
// queue (spec.md §4.3 invariant 3): "a word protected by a global
// shootdown spinlock and a decrement-to-zero completion counter".
var shootdown struct {
	lock      ipl.Spinlock
	pending   uintptr
	remaining atomic.Int32
	done      chan struct{}
}

// localShootdown models invalidating virt in the issuing CPU's own TLB;
// in this simulation there is no cache to invalidate, so it is a no-op
// retained as the call site §4.3 describes.
func localShootdown(virt uintptr) {}

// RequestShootdown broadcasts an invalidation of vaddr to the other
// cpus and blocks until all of them have acknowledged, via the IPI
// handler each of them is expected to invoke (AcknowledgeShootdown).
func RequestShootdown(vaddr uintptr, cpus int) {
	if cpus == 0 {
		return
	}
	shootdown.lock.Acquire()
	shootdown.pending = vaddr
	shootdown.remaining.Store(int32(cpus))
	shootdown.done = make(chan struct{})
	done := shootdown.done
	shootdown.lock.Release()

	<-done
}

// AcknowledgeShootdown is the cross-CPU IPI handler: it invalidates
// vaddr locally (a no-op here) and decrements the completion counter,
// closing the requester's done channel once every target has
// acknowledged.
func AcknowledgeShootdown() {
	if shootdown.remaining.Add(-1) == 0 {
		shootdown.lock.Acquire()
		d := shootdown.done
		shootdown.lock.Release()
		if d != nil {
			close(d)
		}
	}
}

// PendingShootdownAddr returns the virtual address of the in-flight
// shootdown request, for IPI handlers that need to know what to
// invalidate. Returns 0 if there is none.
func PendingShootdownAddr() uintptr {
	shootdown.lock.Acquire()
	defer shootdown.lock.Release()
	return shootdown.pending
}

func (m *Map) String() string {
	return fmt.Sprintf("pmap.Map{entries=%d}", len(m.entries))
}
