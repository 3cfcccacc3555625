// Package pfn implements the physical page frame database and the page
// allocator built on top of it (spec §3 "Page frame (PFN entry)",
// §4.2).
//
// The free list is a single LIFO linked through queue-entry fields in
// the PFN records themselves, exactly as spec.md describes; there is no
// separate container. The whole database (frame metadata, the free
// list, PV entries, wire-count transitions) is guarded by one spinlock
// acquired at ipl.Dispatch — the "PFN lock".
package pfn

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/keyronex/kernel/pkg/errkind"
	"github.com/keyronex/kernel/pkg/ipl"
)

// PageSize is the simulated hardware page size.
const PageSize = 4096

// Use is what a frame is currently allocated for.
type Use int

const (
	UseFree Use = iota
	UseAnonymous
	UseObjectCached
	UseWired
	UseVMInternal
	UseDeviceBuffer
)

func (u Use) String() string {
	switch u {
	case UseFree:
		return "free"
	case UseAnonymous:
		return "anonymous"
	case UseObjectCached:
		return "object-cached"
	case UseWired:
		return "wired"
	case UseVMInternal:
		return "vm-internal"
	case UseDeviceBuffer:
		return "device-buffer"
	default:
		return fmt.Sprintf("use(%d)", int(u))
	}
}

// Status is a frame's page-replacement state.
type Status int

const (
	StatusWired Status = iota
	StatusActive
	StatusInactive
	StatusBusy
)

func (s Status) String() string {
	switch s {
	case StatusWired:
		return "wired"
	case StatusActive:
		return "active"
	case StatusInactive:
		return "inactive"
	case StatusBusy:
		return "busy"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// pv is one physical-to-virtual mapping record (spec §3 "PV entry").
// Wired kernel mappings never get a pv record; only pageable enters do.
type pv struct {
	space any // opaque address-space identity; compared with ==
	vaddr uintptr
	next  *pv
}

// Frame is one PFN database entry: one per managed physical page.
type Frame struct {
	Number    uint64
	Use       Use
	Status    Status
	Dirty     bool
	WireCount uint16
	// Owner is a weak back-pointer to the anon or vnode-object-page
	// that owns this frame's contents (spec §9 "cyclic refcounts": the
	// owner outlives its pages by construction, so this is always safe
	// to dereference without a refcount).
	Owner any
	// Data is the simulated page content.
	Data [PageSize]byte

	pvHead *pv
	next   *Frame // free-list / intrusive linkage
}

// ErrPageShortage is returned by Alloc when the free list is empty.
// It is retryable: the caller is expected to wait on the low-memory
// event and retry (spec §7).
var ErrPageShortage = errkind.NewRetryable(errkind.PageShortage.String())

// DB is the PFN database for one simulated machine.
type DB struct {
	lock      ipl.Spinlock
	frames    []Frame
	freeHead  *Frame
	freeCount int
	log       logr.Logger
}

// New creates a PFN database of n frames, all initially free, as if
// populated once at boot from a firmware memory map.
func New(n int, log logr.Logger) *DB {
	db := &DB{
		frames: make([]Frame, n),
		log:    log.WithName("pfn"),
	}
	for i := n - 1; i >= 0; i-- {
		f := &db.frames[i]
		f.Number = uint64(i)
		f.Use = UseFree
		f.next = db.freeHead
		db.freeHead = f
		db.freeCount++
	}
	return db
}

// NumFrames returns the total number of managed frames.
func (db *DB) NumFrames() int { return len(db.frames) }

// Frame returns the frame for number n.
func (db *DB) Frame(n uint64) *Frame { return &db.frames[n] }

// FreeCount returns the current length of the free list. Intended for
// tests and diagnostics; callers must not rely on it remaining accurate
// without holding the PFN lock themselves.
func (db *DB) FreeCount(cpu *ipl.CPU) int {
	prior := db.lock.AcquireRaise(cpu, ipl.Dispatch)
	defer db.lock.ReleaseLower(cpu, prior)
	return db.freeCount
}

// Alloc pops the head of the free list, zeroes it, sets its use, sets
// wire count to 1, and returns it. Returns ErrPageShortage if the free
// list is empty.
func (db *DB) Alloc(cpu *ipl.CPU, use Use) (*Frame, error) {
	prior := db.lock.AcquireRaise(cpu, ipl.Dispatch)
	defer db.lock.ReleaseLower(cpu, prior)

	f := db.freeHead
	if f == nil {
		return nil, ErrPageShortage
	}
	db.freeHead = f.next
	db.freeCount--

	f.next = nil
	f.Data = [PageSize]byte{}
	f.Use = use
	f.Status = StatusActive
	f.WireCount = 1
	f.Dirty = false
	f.Owner = nil
	f.pvHead = nil
	db.log.V(2).Info("page allocated", "frame", f.Number, "use", use)
	return f, nil
}

// Free requires f.WireCount == 0 and pushes it back onto the free
// list. Freeing a wired page is a programmer error and halts the
// system.
func (db *DB) Free(cpu *ipl.CPU, f *Frame) {
	prior := db.lock.AcquireRaise(cpu, ipl.Dispatch)
	defer db.lock.ReleaseLower(cpu, prior)

	errkind.Assert(db.log, f.WireCount == 0, "pfn: free of frame %d with wire count %d", f.Number, f.WireCount)
	errkind.Assert(db.log, f.pvHead == nil, "pfn: free of frame %d with live PV entries", f.Number)

	f.Use = UseFree
	f.Owner = nil
	f.Status = StatusActive
	f.next = db.freeHead
	db.freeHead = f
	db.freeCount++
	db.log.V(2).Info("page freed", "frame", f.Number)
}

// Wire increments f's wire count atomically under the PFN lock and
// marks the frame StatusWired.
func (db *DB) Wire(cpu *ipl.CPU, f *Frame) {
	prior := db.lock.AcquireRaise(cpu, ipl.Dispatch)
	defer db.lock.ReleaseLower(cpu, prior)
	f.WireCount++
	f.Status = StatusWired
}

// Unwire decrements f's wire count atomically under the PFN lock. A
// page reaching wire count 0 becomes eligible for paging out; it is
// not freed implicitly.
func (db *DB) Unwire(cpu *ipl.CPU, f *Frame) {
	prior := db.lock.AcquireRaise(cpu, ipl.Dispatch)
	defer db.lock.ReleaseLower(cpu, prior)
	errkind.Assert(db.log, f.WireCount > 0, "pfn: unwire of frame %d at wire count 0", f.Number)
	f.WireCount--
	if f.WireCount == 0 && f.Status == StatusWired {
		f.Status = StatusActive
	}
}

// InsertPV records a new virtual mapping of f in address space space at
// vaddr. Must be called under the PFN lock by the pmap layer as part of
// a pageable enter.
func (db *DB) InsertPV(cpu *ipl.CPU, f *Frame, space any, vaddr uintptr) {
	prior := db.lock.AcquireRaise(cpu, ipl.Dispatch)
	defer db.lock.ReleaseLower(cpu, prior)
	f.pvHead = &pv{space: space, vaddr: vaddr, next: f.pvHead}
}

// RemovePV removes the (space, vaddr) mapping of f, returning whether
// one was found. Must be called under the PFN lock by the pmap layer
// as part of a pageable unenter.
func (db *DB) RemovePV(cpu *ipl.CPU, f *Frame, space any, vaddr uintptr) bool {
	prior := db.lock.AcquireRaise(cpu, ipl.Dispatch)
	defer db.lock.ReleaseLower(cpu, prior)

	var prev *pv
	for cur := f.pvHead; cur != nil; cur = cur.next {
		if cur.space == space && cur.vaddr == vaddr {
			if prev == nil {
				f.pvHead = cur.next
			} else {
				prev.next = cur.next
			}
			return true
		}
		prev = cur
	}
	return false
}

// PVCount returns the number of live PV entries for f. Intended for
// tests/invariant checks.
func (db *DB) PVCount(cpu *ipl.CPU, f *Frame) int {
	prior := db.lock.AcquireRaise(cpu, ipl.Dispatch)
	defer db.lock.ReleaseLower(cpu, prior)
	n := 0
	for cur := f.pvHead; cur != nil; cur = cur.next {
		n++
	}
	return n
}

// ForEachPVAddr walks f's PV list within the given address space,
// calling fn for every matching virtual address. Used by vm_map_fork's
// COW demotion, which must walk all of a parent's mappings of a shared
// anon's page under the PFN lock (spec §4.6.4).
func (db *DB) ForEachPVAddr(cpu *ipl.CPU, f *Frame, space any, fn func(vaddr uintptr)) {
	prior := db.lock.AcquireRaise(cpu, ipl.Dispatch)
	defer db.lock.ReleaseLower(cpu, prior)
	for cur := f.pvHead; cur != nil; cur = cur.next {
		if cur.space == space {
			fn(cur.vaddr)
		}
	}
}

// Invariant checks the universal PFN invariants from spec §8:
// every page with wire_count == 0 has a well-defined status, and every
// use == free frame is reachable from the free list and vice versa.
func (db *DB) Invariant(cpu *ipl.CPU) error {
	prior := db.lock.AcquireRaise(cpu, ipl.Dispatch)
	defer db.lock.ReleaseLower(cpu, prior)

	onFreeList := make(map[uint64]bool, db.freeCount)
	for f := db.freeHead; f != nil; f = f.next {
		onFreeList[f.Number] = true
	}
	for i := range db.frames {
		f := &db.frames[i]
		if f.Use == UseFree && !onFreeList[f.Number] {
			return fmt.Errorf("frame %d has use=free but is not on the free list", f.Number)
		}
		if f.Use != UseFree && onFreeList[f.Number] {
			return fmt.Errorf("frame %d is on the free list but use=%s", f.Number, f.Use)
		}
	}
	return nil
}
