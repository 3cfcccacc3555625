package dispatch

import (
	"time"

	"github.com/go-logr/logr"

	"github.com/keyronex/kernel/pkg/ipl"
)

// Timer is a dispatch object whose signal count is 0 until its
// deadline, then stays set once elapsed until re-armed (spec.md §4.4
// table). Deadline delivery uses a native timer rather than the
// tick-driven "pending-timer list" spec.md §4.5 describes for the
// scheduler's own quantum/DPC timers — the one place this core departs
// from a literal hardclock simulation, since Go's runtime timer wheel
// already gives every caller a correctly-ordered wakeup without
// polling a tick counter.
type Timer struct {
	Header
	log     logr.Logger
	armedAt *time.Timer
}

// NewTimer creates a disarmed timer.
func NewTimer(log logr.Logger) *Timer {
	t := &Timer{log: log.WithName("timer")}
	t.kind = KindTimer
	return t
}

// Arm schedules the timer to elapse after d, cancelling any previous
// arming (spec.md §4.5 "Timer arming inserts in sorted order" — here,
// Go's runtime timer heap does the ordering).
func (t *Timer) Arm(cpu *ipl.CPU, d time.Duration) {
	prior := Lock(cpu)
	if t.armedAt != nil {
		t.armedAt.Stop()
	}
	t.signal = 0
	t.armedAt = time.AfterFunc(d, func() { t.fire() })
	Unlock(cpu, prior)
}

func (t *Timer) fire() {
	cpu := ipl.NewCPU()
	prior := Lock(cpu)
	t.signal = 1
	signalLocked(&t.Header, t.log)
	Unlock(cpu, prior)
}

// Cancel disarms the timer. Idempotent if already elapsed (spec.md §8
// "timer_cancel on an already-elapsed timer is a no-op").
func (t *Timer) Cancel(cpu *ipl.CPU) {
	prior := Lock(cpu)
	if t.armedAt != nil {
		t.armedAt.Stop()
		t.armedAt = nil
	}
	Unlock(cpu, prior)
}

// Elapsed reports whether the timer has fired since it was last armed.
func (t *Timer) Elapsed(cpu *ipl.CPU) bool {
	prior := Lock(cpu)
	defer Unlock(cpu, prior)
	return t.signal > 0
}
