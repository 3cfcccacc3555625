package dispatch

import (
	"container/list"
	"sync/atomic"
)

// inlineCapacity is the size of a thread's small inline wait-block
// array (spec.md §3 "Wait block": "capacity 4; larger waits require a
// caller-supplied array").
const inlineCapacity = 4

// Result is what Wait returns.
type Result int

const (
	ResultOK Result = iota
	ResultTimedOut
	// ResultSignalled is returned to an alertable wait cancelled
	// externally (spec.md §4.4 "Cancellation").
	ResultSignalled
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultTimedOut:
		return "timed-out"
	case ResultSignalled:
		return "signalled"
	default:
		return "result(?)"
	}
}

// Mode selects any-wait or all-wait semantics for Wait.
type Mode int

const (
	WaitAny Mode = iota
	WaitAll
)

// WaitBlock is one (thread, object) pair in an active wait (spec.md §3
// "Wait block"). It is queued on exactly one object's waiter list at a
// time.
type WaitBlock struct {
	waiter *Waiter
	object Object
	elem   *list.Element
}

// Waiter is the dispatch-level view of a thread: the minimal state
// needed to participate in a wait. pkg/sched.Thread embeds a *Waiter so
// that pkg/dispatch need not depend on pkg/sched (dispatch is a leaf
// relative to the scheduler, per the module dependency order).
type Waiter struct {
	Name string

	inline   [inlineCapacity]WaitBlock
	overflow []WaitBlock
	n        int
	all      bool
	alertable bool

	settled  atomic.Bool
	result   Result
	acquired int // index of the object satisfied (any-wait), or -1
	payload  any // set by MessageQueue's acquire for the winning waiter

	wakeCh chan struct{}
}

// NewWaiter allocates a Waiter. name is used only for diagnostics.
func NewWaiter(name string) *Waiter {
	return &Waiter{Name: name, wakeCh: make(chan struct{}, 1)}
}

// Payload returns the message a MessageQueue wait delivered to this
// waiter, for callers that drive Wait/WaitHook directly (e.g.
// pkg/sched's scheduler-integrated wait) instead of going through
// MessageQueue.Dequeue.
func (w *Waiter) Payload() any { return w.payload }

// blockSlice returns a slice of n wait blocks to fill, using the inline
// array when it suffices and allocating overflow otherwise.
func (w *Waiter) blockSlice(n int) []WaitBlock {
	w.n = n
	if n <= inlineCapacity {
		return w.inline[:n]
	}
	if cap(w.overflow) < n {
		w.overflow = make([]WaitBlock, n)
	}
	return w.overflow[:n]
}

func (w *Waiter) block(i int) *WaitBlock {
	if i < inlineCapacity {
		return &w.inline[i]
	}
	return &w.overflow[i]
}
