// Package vm implements the virtual memory manager of spec.md §4.6:
// VM objects and amaps, the VAD tree, the page-fault handler, fork, and
// the kernel wired-memory arena.
package vm

import (
	"github.com/keyronex/kernel/pkg/pfn"
	"github.com/keyronex/kernel/pkg/vm/swap"
)

// Anon is a single logical anonymous page (spec.md §3 "Anon"). Refcount
// > 1 implies the anon is mapped read-only everywhere — callers that
// write to a shared anon must copy-on-write first (enforced by Fault,
// not by Anon itself).
type Anon struct {
	refcount int32
	resident bool
	frame    *pfn.Frame
	swapID   swap.ID
}

// NewResidentAnon wraps an already-allocated frame in a fresh anon with
// refcount 1.
func NewResidentAnon(f *pfn.Frame) *Anon {
	return &Anon{refcount: 1, resident: true, frame: f}
}

// Refcount returns the anon's current reference count.
func (a *Anon) Refcount() int32 { return a.refcount }

// Resident reports whether the anon currently has a backing frame.
func (a *Anon) Resident() bool { return a.resident }

// Frame returns the anon's backing frame, or nil if non-resident.
func (a *Anon) Frame() *pfn.Frame { return a.frame }

func (a *Anon) retain() { a.refcount++ }

func (a *Anon) release() int32 {
	a.refcount--
	return a.refcount
}
