package vm

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"

	"github.com/keyronex/kernel/pkg/errkind"
	"github.com/keyronex/kernel/pkg/ipl"
	"github.com/keyronex/kernel/pkg/pfn"
	"github.com/keyronex/kernel/pkg/pmap"
)

// WiredArena is the kernel's own wired-memory allocator (spec.md §4.6.5):
// a fixed-size range of kernel virtual address space whose pages are
// always resident, used for kernel stacks, MDLs, and other structures
// that must never be paged out. Concurrent wired allocation is bounded
// by a weighted semaphore sized to the arena's page count, matching the
// "bounded concurrent resource" shape golang.org/x/sync/semaphore is
// built for, instead of a hand-rolled counting lock.
type WiredArena struct {
	base, limit uintptr
	vmem        *Vmem
	sem         *semaphore.Weighted
	pmap        *pmap.Map
	pfndb       *pfn.DB
	log         logr.Logger
}

// NewWiredArena creates a wired arena covering [base, limit) backed by
// the kernel pmap kmap.
func NewWiredArena(base, limit uintptr, kmap *pmap.Map, pfndb *pfn.DB, log logr.Logger) *WiredArena {
	pages := int64(limit-base) / pfn.PageSize
	return &WiredArena{
		base:  base,
		limit: limit,
		vmem:  NewVmem(base, limit),
		sem:   semaphore.NewWeighted(pages),
		pmap:  kmap,
		pfndb: pfndb,
		log:   log.WithName("wired-arena"),
	}
}

// maxRetryElapsed bounds how long Alloc will retry a transient page
// shortage before giving up, so a persistent shortage surfaces as an
// error rather than hanging the caller forever.
const maxRetryElapsed = 2 * time.Second

// Alloc reserves npages of wired kernel virtual memory and returns its
// base address. Retries with backoff on a transient page shortage
// (spec.md §7's "wait on the low-memory event and retry" contract,
// implemented here as bounded exponential backoff since this simulation
// has no low-memory event to wait on directly).
func (a *WiredArena) Alloc(cpu *ipl.CPU, npages int) (uintptr, error) {
	if !a.sem.TryAcquire(int64(npages)) {
		return 0, fmt.Errorf("vm: wired arena exhausted")
	}

	addr, err := a.vmem.Alloc(uintptr(npages) * pfn.PageSize)
	if err != nil {
		a.sem.Release(int64(npages))
		return 0, err
	}

	frames := make([]*pfn.Frame, 0, npages)
	op := func() (struct{}, error) {
		f, aerr := a.pfndb.Alloc(cpu, pfn.UseWired)
		if aerr != nil {
			return struct{}{}, aerr
		}
		frames = append(frames, f)
		return struct{}{}, nil
	}
	for i := 0; i < npages; i++ {
		if _, err := backoff.Retry(context.Background(), op,
			backoff.WithMaxElapsedTime(maxRetryElapsed),
			backoff.WithBackOff(backoff.NewExponentialBackOff())); err != nil {
			for _, f := range frames {
				a.pfndb.Unwire(cpu, f)
				a.pfndb.Free(cpu, f)
			}
			a.vmem.Free(addr, uintptr(npages)*pfn.PageSize)
			a.sem.Release(int64(npages))
			return 0, fmt.Errorf("vm: wired allocation failed after retries: %w", err)
		}
	}

	for i, f := range frames {
		va := addr + uintptr(i)*pfn.PageSize
		a.pmap.Enter(cpu, uintptr(f.Number)*pfn.PageSize, va, pmap.ProtRead|pmap.ProtWrite)
		a.pfndb.Wire(cpu, f)
	}
	return addr, nil
}


// Free releases npages of wired memory starting at addr.
func (a *WiredArena) Free(cpu *ipl.CPU, addr uintptr, npages int) {
	for i := 0; i < npages; i++ {
		va := addr + uintptr(i)*pfn.PageSize
		_, mapped := a.pmap.Translate(va)
		errkind.Assert(a.log, mapped, "vm: wired free of unmapped page at %#x", va)
		phys := a.pmap.Unenter(cpu, va)
		f := a.pfndb.Frame(uint64(phys / pfn.PageSize))
		// drop Alloc's own Wire and the allocation's initial wire count
		a.pfndb.Unwire(cpu, f)
		a.pfndb.Unwire(cpu, f)
		a.pfndb.Free(cpu, f)
	}
	a.vmem.Free(addr, uintptr(npages)*pfn.PageSize)
	a.sem.Release(int64(npages))
}
