package dispatch

import (
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/keyronex/kernel/pkg/ipl"
)

// dpcState is a DPC's lifecycle state (spec.md §3 "DPC": state ∈
// {unbound, bound, running}).
type dpcState int32

const (
	dpcUnbound dpcState = iota
	dpcBound
	dpcRunning
)

// DPC is a single-fire deferred procedure call (spec.md §4.5 "DPCs").
type DPC struct {
	fn    func(arg any)
	arg   any
	state atomic.Int32
}

// NewDPC creates an unbound DPC around fn.
func NewDPC(fn func(arg any)) *DPC {
	return &DPC{fn: fn}
}

func (d *DPC) run() {
	d.state.Store(int32(dpcRunning))
	d.fn(d.arg)
	d.state.Store(int32(dpcUnbound))
}

// Queue is a per-CPU DPC queue (spec.md §3 "CPU": "DPC queue"; §5's
// lock hierarchy: "DPC queue lock (high IPL)"). pkg/sched constructs
// one per simulated CPU via NewQueue, which wires it into the CPU's
// ipl.CPU as the DPC-drain callback that Lower invokes when IPL falls
// back below ipl.Dispatch.
type Queue struct {
	cpu   *ipl.CPU
	lock  ipl.Spinlock
	items []*DPC
	log   logr.Logger

	draining atomic.Bool
}

// NewQueue creates cpu's DPC queue and installs its drain as cpu's DPC
// drain hook.
func NewQueue(cpu *ipl.CPU, log logr.Logger) *Queue {
	q := &Queue{cpu: cpu, log: log.WithName("dpc-queue")}
	cpu.SetDPCDrain(q.Drain)
	return q
}

// Enqueue runs d inline if the CPU is currently below ipl.Dispatch, or
// queues it and marks it bound otherwise, per spec.md §4.5: "dpc_enqueue
// at IPL < dispatch invokes the callback inline; at IPL >= dispatch it
// queues the DPC on the current CPU".
func (q *Queue) Enqueue(d *DPC, arg any) {
	d.arg = arg

	if q.cpu.Current() < ipl.Dispatch {
		d.run()
		return
	}

	if !d.state.CompareAndSwap(int32(dpcUnbound), int32(dpcBound)) {
		// already queued or running; do not double-queue.
		return
	}

	prior := q.lock.AcquireRaise(q.cpu, ipl.High)
	q.items = append(q.items, d)
	q.lock.ReleaseLower(q.cpu, prior)
}

// Drain runs every DPC queued on this CPU. It is invoked automatically
// by ipl.CPU.Lower whenever IPL crosses back below ipl.Dispatch; tests
// may also call it directly. A Drain entered while another is already
// running on this queue (including the one its own lock release
// triggers) returns at once; the running Drain picks up anything queued
// in the meantime before it returns.
func (q *Queue) Drain() {
	if !q.draining.CompareAndSwap(false, true) {
		return
	}
	defer q.draining.Store(false)

	for {
		prior := q.lock.AcquireRaise(q.cpu, ipl.High)
		items := q.items
		q.items = nil
		q.lock.ReleaseLower(q.cpu, prior)

		if len(items) == 0 {
			return
		}
		for _, d := range items {
			d.run()
		}
	}
}

// Len returns the number of DPCs currently queued (not running).
func (q *Queue) Len() int {
	prior := q.lock.AcquireRaise(q.cpu, ipl.High)
	defer q.lock.ReleaseLower(q.cpu, prior)
	return len(q.items)
}
