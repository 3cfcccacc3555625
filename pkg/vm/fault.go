package vm

import (
	"errors"
	"fmt"

	"github.com/keyronex/kernel/pkg/errkind"
	"github.com/keyronex/kernel/pkg/ipl"
	"github.com/keyronex/kernel/pkg/pfn"
	"github.com/keyronex/kernel/pkg/pmap"
	"github.com/keyronex/kernel/pkg/vm/swap"
)

// FaultResult is the outcome of a page-fault, per spec.md §4.6.3's four
// fault-handler branches folded down to the three outcomes callers act
// on: satisfied, transient (retry the faulting instruction), or a real
// failure (deliver a fault signal to the thread).
type FaultResult int

const (
	FaultOK FaultResult = iota
	FaultRetry
	FaultFailure
)

// ErrNoSuchMapping is returned when vaddr falls outside every VAD.
var ErrNoSuchMapping = errors.New("vm: fault at unmapped address")

// ErrProtectionViolation is returned when the access kind conflicts with
// the VAD's protection (e.g. writing a read-only VAD that isn't a COW
// target).
var ErrProtectionViolation = errors.New("vm: fault violates mapping protection")

// Fault implements vm_fault(map, vaddr, write): spec.md §4.6.3's
// hit/resident (with copy-on-write demotion), hit/non-resident (swap-in
// plus retry), miss/no-object-parent (zero-fill), and
// miss/with-object-parent (read-through) branches.
func (m *Map) Fault(cpu *ipl.CPU, vaddr uintptr, write bool) (FaultResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := m.vads.Find(vaddr)
	if v == nil {
		return FaultFailure, ErrNoSuchMapping
	}
	if write && v.Prot&pmap.ProtWrite == 0 {
		return FaultFailure, ErrProtectionViolation
	}

	pageAligned := vaddr &^ (pfn.PageSize - 1)
	pageIdx := uint64(pageAligned-v.Start) / pfn.PageSize

	anon := v.Amap.Lookup(pageIdx)
	if anon == nil {
		return m.faultMiss(cpu, v, pageIdx, pageAligned, write)
	}
	return m.faultHit(cpu, v, anon, pageIdx, pageAligned, write)
}

// faultHit handles an amap slot that already holds an anon: either it is
// resident (map it, demoting via copy-on-write if shared and the access
// is a write) or it must be swapped back in first.
func (m *Map) faultHit(cpu *ipl.CPU, v *VAD, anon *Anon, pageIdx uint64, vaddr uintptr, write bool) (FaultResult, error) {
	if !anon.Resident() {
		f, err := m.pfndb.Alloc(cpu, pfn.UseAnonymous)
		if err != nil {
			return m.shortage(err)
		}
		data, rerr := m.swap.Read(anon.swapID)
		if rerr != nil {
			m.pfndb.Unwire(cpu, f)
			m.pfndb.Free(cpu, f)
			return FaultFailure, fmt.Errorf("vm: swap-in failed: %w", rerr)
		}
		copy(f.Data[:], data)
		m.swap.Delete(anon.swapID)
		anon.swapID = swap.ID{}
		anon.frame = f
		anon.resident = true
		f.Owner = anon
		return FaultRetry, nil
	}

	if write && anon.Refcount() > 1 {
		return m.copyOnWrite(cpu, v, anon, pageIdx, vaddr)
	}

	prot := v.Prot
	if anon.Refcount() > 1 {
		prot &^= pmap.ProtWrite
	}
	if m.pmap.Frame(vaddr) == nil {
		m.pmap.EnterPageable(cpu, anon.frame, vaddr, prot)
	}
	return FaultOK, nil
}

// copyOnWrite duplicates a shared anon's page into a fresh, privately
// owned anon and remaps vaddr to it (spec.md §4.6.3's resident/COW
// branch and §4.6.4's deferred-copy fork contract).
func (m *Map) copyOnWrite(cpu *ipl.CPU, v *VAD, shared *Anon, pageIdx uint64, vaddr uintptr) (FaultResult, error) {
	f, err := m.pfndb.Alloc(cpu, pfn.UseAnonymous)
	if err != nil {
		return m.shortage(err)
	}
	f.Data = shared.frame.Data
	fresh := NewResidentAnon(f)
	f.Owner = fresh

	if m.pmap.Frame(vaddr) != nil {
		m.pmap.UnenterPageable(cpu, vaddr)
	}
	m.pmap.EnterPageable(cpu, f, vaddr, v.Prot)
	v.Amap.Insert(pageIdx, fresh)

	if shared.release() == 0 {
		m.pfndb.Unwire(cpu, shared.frame)
		m.pfndb.Free(cpu, shared.frame)
	}
	return FaultOK, nil
}

// faultMiss handles an amap slot with no anon: zero-fill for pure
// anonymous memory, or a lookup against the VAD's backing object for an
// object-backed VAD. Object-backed VADs implement spec.md §4.6.2's two
// shapes here: a shared object map always maps the object's own cached
// page directly, at full protection, regardless of read or write, so
// every mapper of the same Object observes the same frame; a private
// (copy-on-write) object map also maps the object's cached page
// directly on a read, but on a write forks a private anon into its own
// amap, copying the object's page once and never touching it again.
func (m *Map) faultMiss(cpu *ipl.CPU, v *VAD, pageIdx uint64, vaddr uintptr, write bool) (FaultResult, error) {
	if v.Object == nil {
		f, err := m.pfndb.Alloc(cpu, pfn.UseAnonymous)
		if err != nil {
			return m.shortage(err)
		}
		anon := NewResidentAnon(f)
		f.Owner = anon
		v.Amap.Insert(pageIdx, anon)
		m.pmap.EnterPageable(cpu, f, vaddr, v.Prot)
		return FaultOK, nil
	}

	cached, err := v.Object.resolve(cpu, m.pfndb, v.ObjectPgOff+pageIdx)
	if err != nil {
		return m.shortage(err)
	}

	if !v.Private {
		// Shared object map: a direct view of the object's cache, no
		// anon of this Map's own. Writes through this mapping dirty
		// cached.frame itself, visible to every other mapper of v.Object.
		m.pmap.EnterPageable(cpu, cached.frame, vaddr, v.Prot)
		return FaultOK, nil
	}

	if !write {
		// Private object map, first touch is a read: defer the copy by
		// mapping the object's cached page read-only. A later write
		// faults again (this VAD's amap still has no entry) and takes
		// the fork branch below.
		m.pmap.EnterPageable(cpu, cached.frame, vaddr, v.Prot&^pmap.ProtWrite)
		return FaultOK, nil
	}

	f, err := m.pfndb.Alloc(cpu, pfn.UseAnonymous)
	if err != nil {
		return m.shortage(err)
	}
	f.Data = cached.frame.Data
	anon := NewResidentAnon(f)
	f.Owner = anon
	v.Amap.Insert(pageIdx, anon)

	if m.pmap.Frame(vaddr) != nil {
		m.pmap.UnenterPageable(cpu, vaddr)
	}
	m.pmap.EnterPageable(cpu, f, vaddr, v.Prot)
	return FaultOK, nil
}

// ErrAlreadyNonResident is returned by PageOut when the target page has
// no frame to evict.
var ErrAlreadyNonResident = errors.New("vm: page already non-resident")

// PageOut evicts the resident page at vaddr to the swap store, unenters
// its pmap mapping, and marks its anon non-resident so the next access
// takes Fault's hit/non-resident branch. This is the pageout half of the
// swap-descriptor contract spec.md's "Anon" type describes; it stands in
// for the page-replacement daemon a full kernel would drive it from.
func (m *Map) PageOut(cpu *ipl.CPU, vaddr uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := m.vads.Find(vaddr)
	if v == nil {
		return ErrNoSuchMapping
	}
	pageAligned := vaddr &^ (pfn.PageSize - 1)
	pageIdx := uint64(pageAligned-v.Start) / pfn.PageSize

	anon := v.Amap.Lookup(pageIdx)
	if anon == nil || !anon.Resident() {
		return ErrAlreadyNonResident
	}

	id := swap.NewID()
	if err := m.swap.Write(id, anon.frame.Data[:]); err != nil {
		return fmt.Errorf("vm: pageout failed: %w", err)
	}

	m.pmap.UnenterPageable(cpu, pageAligned)
	m.pfndb.Unwire(cpu, anon.frame)
	m.pfndb.Free(cpu, anon.frame)
	anon.frame = nil
	anon.resident = false
	anon.swapID = id
	return nil
}

// shortage turns a page-shortage condition into a retryable fault
// result, matching spec.md §7's "the faulting thread waits on the
// low-memory event and retries" contract.
func (m *Map) shortage(err error) (FaultResult, error) {
	if errkind.Retryable(err) {
		return FaultRetry, err
	}
	return FaultFailure, err
}
