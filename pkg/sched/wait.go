package sched

import (
	"sync/atomic"
	"time"

	"github.com/keyronex/kernel/pkg/dispatch"
)

// Wait blocks t on objs exactly as dispatch.Wait does, but additionally
// performs the CPU handoff spec.md §4.4 step 4 describes ("call the
// scheduler, which drops the lock and switches") and the re-dispatch
// once woken (unblocked → runnable → scheduled → running, spec.md §3
// "Thread" lifecycle).
func Wait(t *Thread, objs []dispatch.Object, mode dispatch.Mode, alertable bool, timeout time.Duration) (dispatch.Result, int) {
	cpu := t.cpu
	t.state = StateWaiting

	r, idx := dispatch.WaitHook(cpu.ipl, t.Waiter, objs, mode, alertable, timeout, func() {
		cpu.control <- ReasonBlocked
	})

	t.state = StateRunnable
	cpu.Enqueue(t)
	<-t.resumeCh
	t.state = StateRunning
	return r, idx
}

// Yield voluntarily gives up the remainder of the current quantum
// (spec.md §4.5's reschedule entry point, invoked cooperatively since
// this simulation has no hardware preemption).
func Yield(t *Thread) {
	cpu := t.cpu
	cpu.control <- ReasonYielded
	<-t.resumeCh
	t.state = StateRunning
}

// Tick is the cooperative checkpoint thread bodies call periodically to
// stand in for the periodic timer interrupt decrementing the current
// thread's quantum (spec.md §4.5 "Timeslice"). It also observes a
// pending reschedule IPI. Returns true if the thread was preempted.
func Tick(t *Thread) bool {
	cpu := t.cpu
	q := atomic.AddInt32(&t.Quantum, -1)
	ipi := cpu.ipiPending.Swap(false)
	if q > 0 && !ipi {
		return false
	}

	reason := ReasonPreempted
	if ipi {
		reason = ReasonRemoteRequest
	}
	cpu.control <- reason
	<-t.resumeCh
	t.state = StateRunning
	return true
}

// Exit transitions t to done and hands the CPU back to the driver loop
// for the last time. Called automatically once a thread's body
// function returns; thread bodies do not call it directly.
func Exit(t *Thread) {
	t.state = StateDone
	t.cpu.control <- ReasonExited
}
