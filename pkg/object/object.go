// Package object implements the kernel object manager of spec.md §4.8:
// reference-counted object headers with per-type teardown, plus a
// named-object directory. There is deliberately no cycle detection —
// callers that need to break a cycle hold a Weak reference instead of
// a strong one.
package object

import (
	"sync/atomic"

	"github.com/keyronex/kernel/pkg/errkind"
)

// TypeTag identifies the kind of object a Header is embedded in, for
// debugging and for the named-object directory's listings.
type TypeTag int

const (
	TypeGeneric TypeTag = iota
	TypeVnode
	TypeVFS
	TypeProcess
	TypeThread
	TypeEvent
	TypeIOP
)

func (t TypeTag) String() string {
	switch t {
	case TypeVnode:
		return "vnode"
	case TypeVFS:
		return "vfs"
	case TypeProcess:
		return "process"
	case TypeThread:
		return "thread"
	case TypeEvent:
		return "event"
	case TypeIOP:
		return "iop"
	default:
		return "generic"
	}
}

// Teardown runs exactly once, when an object's reference count reaches
// zero. It must not block (spec.md §5's suspension-point list does not
// include object teardown) and must not itself Retain the header.
type Teardown func(h *Header)

// Header is the object header spec.md §4.8 describes: "type tag,
// 32-bit reference count, optional name". Every managed object embeds
// one. retain/release operate on the embedded Header; the type-specific
// struct carries whatever state sits alongside it.
type Header struct {
	Type TypeTag

	name     string
	refcount atomic.Int32
	teardown Teardown
}

// NewHeader creates a Header with a reference count of one. name may be
// empty for objects never published in a Directory. teardown may be nil
// for objects with nothing to release beyond Go's own GC.
func NewHeader(t TypeTag, name string, teardown Teardown) *Header {
	h := &Header{Type: t, name: name, teardown: teardown}
	h.refcount.Store(1)
	return h
}

// Name returns the object's optional name, or "" if it was created
// without one.
func (h *Header) Name() string { return h.name }

// RefCount returns the current reference count, for diagnostics only —
// it is stale the instant it is read under any concurrent access.
func (h *Header) RefCount() int32 { return h.refcount.Load() }

// Retain is an atomic increment (spec.md §4.8). Retaining an object
// whose count has already reached zero is a caller bug — the object's
// teardown may already be running — and is reported rather than
// silently resurrecting the object. The compare-and-swap loop (rather
// than a plain add) matters under concurrency: a bare add-then-check
// can't tell "I was the one who bumped a dead object back to life" from
// "someone else already had a live reference", so two racing retains
// against a just-zeroed header could both wrongly succeed.
func (h *Header) Retain() error {
	for {
		cur := h.refcount.Load()
		if cur <= 0 {
			return errkind.Err(errkind.NotFound)
		}
		if h.refcount.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

// Release is an atomic decrement; reaching zero runs the object's
// per-type teardown (spec.md §4.8). Exactly one Release call ever sees
// the transition to zero, so teardown runs exactly once.
func (h *Header) Release() {
	if h.refcount.Add(-1) == 0 && h.teardown != nil {
		h.teardown(h)
	}
}
