// Package sched implements the scheduling half of spec.md §4.5: CPUs,
// threads, processes, per-CPU runqueues, ki_reschedule, and the
// reschedule IPI. Each simulated CPU is a long-lived driver goroutine;
// each thread is its own goroutine, gated so that only the thread
// currently "running" on a CPU is allowed to make progress — the
// gating channel stands in for the hardware's "one instruction stream
// per core" guarantee.
package sched

import (
	"github.com/google/uuid"

	"github.com/keyronex/kernel/pkg/dispatch"
)

// State is a thread's scheduling state (spec.md §3 "Thread").
type State int

const (
	StateInitial State = iota
	StateRunnable
	StateRunning
	StateWaiting
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateRunnable:
		return "runnable"
	case StateRunning:
		return "running"
	case StateWaiting:
		return "waiting"
	case StateDone:
		return "done"
	default:
		return "state(?)"
	}
}

// RescheduleReason explains why a thread last gave up the CPU (the
// ki_cpu_t reschedule-reason field, made an explicit enum here rather
// than loose flags).
type RescheduleReason int

const (
	ReasonNone RescheduleReason = iota
	ReasonBlocked
	ReasonPreempted
	ReasonYielded
	ReasonExited
	ReasonRemoteRequest
)

// DefaultQuantum is the timeslice (spec.md §4.5 "Timeslice") assigned
// to a thread each time it is dispatched.
const DefaultQuantum = 10

// Thread is spec.md §3's "Thread": kernel stack (the goroutine itself),
// saved machine frame (not modelled — Go's goroutine stack plays that
// role), state, CPU binding, wait participation (embedded Waiter),
// owning process, runqueue linkage, timeslice counter, statistics.
type Thread struct {
	*dispatch.Waiter
	ID      uuid.UUID
	Process *Process

	state State
	cpu   *CPU

	Quantum int32

	SwitchCount   int64
	PreemptCount  int64

	resumeCh chan struct{}
	started  bool

	fn func(t *Thread)
}

// NewThread creates a thread in state initial, bound to no CPU.
// fn is the thread body; it is run on the thread's own goroutine once
// a CPU's driver loop dispatches the thread for the first time.
func NewThread(name string, proc *Process, fn func(t *Thread)) *Thread {
	t := &Thread{
		Waiter:   dispatch.NewWaiter(name),
		ID:       uuid.New(),
		Process:  proc,
		state:    StateInitial,
		Quantum:  DefaultQuantum,
		resumeCh: make(chan struct{}),
		fn:       fn,
	}
	if proc != nil {
		proc.addThread(t)
	}
	return t
}

// State returns the thread's current scheduling state.
func (t *Thread) State() State { return t.state }

// CPU returns the CPU this thread is currently bound to (its
// most-recently-run CPU, or the CPU it is currently queued/running on).
func (t *Thread) CPU() *CPU { return t.cpu }

// Spawn creates a thread and enqueues it runnable on cpu, the initial
// binding of spec.md §3's "Thread" lifecycle ("created in initial,
// started -> runnable").
func Spawn(cpu *CPU, name string, proc *Process, fn func(t *Thread)) *Thread {
	t := NewThread(name, proc, fn)
	cpu.Enqueue(t)
	return t
}
