package dispatch

import (
	"github.com/go-logr/logr"

	"github.com/keyronex/kernel/pkg/errkind"
	"github.com/keyronex/kernel/pkg/ipl"
)

// Mutex is a dispatch object whose signal count is 1 ⇔ free; acquire
// sets it to 0 and records the owning waiter, release only legal from
// the owner (spec.md §4.4 table).
type Mutex struct {
	Header
	log logr.Logger
}

// NewMutex creates a mutex, initially free.
func NewMutex(log logr.Logger) *Mutex {
	m := &Mutex{log: log.WithName("mutex")}
	m.kind = KindMutex
	m.signal = 1
	return m
}

// Owner returns the current owning waiter, or nil if free.
func (m *Mutex) Owner(cpu *ipl.CPU) *Waiter {
	prior := Lock(cpu)
	defer Unlock(cpu, prior)
	return m.owner
}

// Release frees the mutex. w must be the current owner; releasing from
// any other waiter is a fatal assertion (spec.md §4.4 table: "release
// only legal from owner").
func (m *Mutex) Release(cpu *ipl.CPU, w *Waiter) {
	prior := Lock(cpu)
	defer Unlock(cpu, prior)
	errkind.Assert(m.log, m.owner == w, "dispatch: mutex release by non-owner")
	m.owner = nil
	m.signal = 1
	signalLocked(&m.Header, m.log)
}

// Acquire is sugar for Wait(cpu, w, []Object{m}, WaitAny, false, timeout).
func (m *Mutex) Acquire(cpu *ipl.CPU, w *Waiter, timeout int64) Result {
	r, _ := Wait(cpu, w, []Object{m}, WaitAny, false, nsToDuration(timeout))
	return r
}
