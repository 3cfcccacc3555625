// Package dispatch implements the dispatcher objects (spec.md §4.4):
// the unified dispatch header that events, mutexes, semaphores, timers,
// and message queues all embed, the wait-block queueing and wakeup
// algorithm, DPCs, and the timer wheel. All dispatch-object state
// mutation happens under the single global dispatcher lock at
// ipl.Dispatch, exactly as §4.4 requires.
package dispatch

import (
	"container/list"
	"fmt"

	"github.com/keyronex/kernel/pkg/ipl"
)

// Kind tags the closed set of dispatch-object implementations (the
// "sum type of known implementations" design note: dispatch objects
// form a closed set, unlike vnops/vfsops).
type Kind int

const (
	KindMutex Kind = iota
	KindSemaphore
	KindEvent
	KindTimer
	KindMessageQueue
)

func (k Kind) String() string {
	switch k {
	case KindMutex:
		return "mutex"
	case KindSemaphore:
		return "semaphore"
	case KindEvent:
		return "event"
	case KindTimer:
		return "timer"
	case KindMessageQueue:
		return "message-queue"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Header is the embedded base of every waitable primitive (spec.md §3
// "Dispatch header"). Its signal count's meaning depends on Kind, per
// the table in §4.4.
type Header struct {
	kind    Kind
	signal  int64
	owner   *Waiter // mutex only: current owner
	waiters list.List
}

// Object is implemented by every dispatch-object wrapper type
// (Mutex, Semaphore, Event, Timer, MessageQueue).
type Object interface {
	dispatchHeader() *Header
}

func (h *Header) dispatchHeader() *Header { return h }

// Kind reports the object's type tag.
func (h *Header) Kind() Kind { return h.kind }

// SignalCount reports the header's current signal count. Callers must
// hold the dispatcher lock (via Lock/Unlock) for this to be meaningful
// outside of a test.
func (h *Header) SignalCount() int64 { return h.signal }

// signalled reports whether the object currently has something to give
// an acquiring waiter, per the per-Kind semantics in §4.4's table.
func (h *Header) signalled() bool {
	return h.signal > 0
}

// acquireLocked performs object-acquire for kind k on behalf of w,
// assuming it is already known to be signalled. Must be called with
// the dispatcher lock held.
func (h *Header) acquireLocked(w *Waiter) {
	switch h.kind {
	case KindSemaphore, KindMessageQueue:
		h.signal--
	case KindMutex:
		h.signal = 0
		h.owner = w
	case KindEvent, KindTimer:
		// non-consuming: stays signalled
	}
}
