package vm

import (
	"fmt"
	"sort"

	"github.com/go-logr/logr"
	"github.com/keyronex/kernel/pkg/errkind"
)

// vmemRange is a free [Start, End) span of virtual address space.
type vmemRange struct {
	Start, End uintptr
}

// Vmem is a simple boundary-tag-style arena tracking free virtual
// address ranges within one process's user address space, used to pick
// a range for anonymous mappings that don't specify a fixed address.
// Modeled on the "arena of free ranges, first-fit" allocator shape
// common to the corpus's resource managers, simplified to a sorted
// slice of free spans since the full boundary-tag/quantum-cache vmem
// algorithm is unnecessary for a simulation with a handful of VADs per
// process.
type Vmem struct {
	free []vmemRange
}

// NewVmem creates an arena covering [base, limit).
func NewVmem(base, limit uintptr) *Vmem {
	return &Vmem{free: []vmemRange{{Start: base, End: limit}}}
}

// ErrNoSpace is returned when Alloc cannot satisfy a request.
var ErrNoSpace = fmt.Errorf("vm: no free address range of requested size")

// Alloc finds and removes a free span of at least size bytes,
// first-fit, returning its base address.
func (a *Vmem) Alloc(size uintptr) (uintptr, error) {
	for i, r := range a.free {
		if r.End-r.Start >= size {
			base := r.Start
			if r.Start+size == r.End {
				a.free = append(a.free[:i], a.free[i+1:]...)
			} else {
				a.free[i].Start += size
			}
			return base, nil
		}
	}
	return 0, ErrNoSpace
}

// AllocAt removes exactly [start, start+size) from the free set. It is
// an error (an invariant violation, not a recoverable condition) for
// that range not to be entirely free, since that would mean the caller
// raced with itself or miscalculated an overlap.
func (a *Vmem) AllocAt(start uintptr, size uintptr) error {
	end := start + size
	for i, r := range a.free {
		if r.Start <= start && end <= r.End {
			var repl []vmemRange
			if r.Start < start {
				repl = append(repl, vmemRange{Start: r.Start, End: start})
			}
			if end < r.End {
				repl = append(repl, vmemRange{Start: end, End: r.End})
			}
			a.free = append(a.free[:i], append(repl, a.free[i+1:]...)...)
			return nil
		}
	}
	return ErrNoSpace
}

// Free returns [start, start+size) to the arena, coalescing with
// adjacent free spans.
func (a *Vmem) Free(start, size uintptr) {
	end := start + size
	a.free = append(a.free, vmemRange{Start: start, End: end})
	sort.Slice(a.free, func(i, j int) bool { return a.free[i].Start < a.free[j].Start })

	merged := a.free[:1]
	for _, r := range a.free[1:] {
		last := &merged[len(merged)-1]
		if r.Start <= last.End {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	a.free = merged
}

// assertNonOverlapping checks the arena's internal invariant (free spans
// sorted and non-overlapping), failing via errkind.Assert. Nothing in
// this module calls it.
func (a *Vmem) assertNonOverlapping() {
	log := logr.Discard()
	for i := 1; i < len(a.free); i++ {
		errkind.Assert(log, a.free[i-1].End <= a.free[i].Start, "vmem: overlapping free ranges")
	}
}
