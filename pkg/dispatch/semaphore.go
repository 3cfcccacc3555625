package dispatch

import (
	"github.com/go-logr/logr"

	"github.com/keyronex/kernel/pkg/ipl"
)

// Semaphore is a dispatch object whose signal count is a non-negative
// counter: release(n) adds n, a waiter acquires by decrementing one
// (spec.md §4.4 table).
type Semaphore struct {
	Header
	log logr.Logger
}

// NewSemaphore creates a semaphore with the given initial count.
func NewSemaphore(initial int64, log logr.Logger) *Semaphore {
	s := &Semaphore{log: log.WithName("semaphore")}
	s.kind = KindSemaphore
	s.signal = initial
	return s
}

// Release adds n to the semaphore's count and wakes any waiters it now
// satisfies, in FIFO order.
func (s *Semaphore) Release(cpu *ipl.CPU, n int64) {
	prior := Lock(cpu)
	s.signal += n
	signalLocked(&s.Header, s.log)
	Unlock(cpu, prior)
}

// Count returns the current signal count.
func (s *Semaphore) Count(cpu *ipl.CPU) int64 {
	prior := Lock(cpu)
	defer Unlock(cpu, prior)
	return s.signal
}
