package dispatch

import (
	"github.com/go-logr/logr"

	"github.com/keyronex/kernel/pkg/ipl"
)

// Event is a dispatch object whose signal count is 1 ⇔ signalled, and
// stays set until explicitly cleared (spec.md §4.4 table). It is
// non-consuming: waking a waiter does not reset it.
type Event struct {
	Header
	log logr.Logger
}

// NewEvent creates an event, initially clear unless initiallySet.
func NewEvent(initiallySet bool, log logr.Logger) *Event {
	e := &Event{log: log.WithName("event")}
	e.kind = KindEvent
	if initiallySet {
		e.signal = 1
	}
	return e
}

// Set signals the event, waking every waiter it satisfies.
func (e *Event) Set(cpu *ipl.CPU) {
	prior := Lock(cpu)
	e.signal = 1
	signalLocked(&e.Header, e.log)
	Unlock(cpu, prior)
}

// Clear un-signals the event. Waiters already woken are unaffected.
func (e *Event) Clear(cpu *ipl.CPU) {
	prior := Lock(cpu)
	e.signal = 0
	Unlock(cpu, prior)
}

// IsSet reports whether the event is currently signalled.
func (e *Event) IsSet(cpu *ipl.CPU) bool {
	prior := Lock(cpu)
	defer Unlock(cpu, prior)
	return e.signal > 0
}
