package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/keyronex/kernel/pkg/dispatch"
	"github.com/keyronex/kernel/pkg/ipl"
)

// CPU is spec.md §3's "CPU": unique number, runqueue, DPC queue,
// pending-timer queue, current thread, idle thread, tick counter,
// reschedule-reason flag. There is no literal idle *Thread here — when
// the runqueue is empty the driver loop idles directly and counts
// ticks, a simplification documented in DESIGN.md; pending-timers are
// delivered through Go's own runtime timers (see pkg/dispatch.Timer)
// rather than a literal hardclock sweep.
//
// Per spec.md §5's "shared resources" note ("per-CPU structures...
// accessed only by that CPU, with peers requesting changes via IPI"),
// runq is guarded by a plain mutex rather than the dispatcher lock —
// the mutex is the stand-in for "changes arrive via IPI", since every
// caller other than this CPU's own driver loop is, in effect, another
// simulated CPU delivering a cross-CPU wakeup.
type CPU struct {
	Number int

	ipl *ipl.CPU
	dpc *dispatch.Queue
	log logr.Logger

	mu      sync.Mutex
	runq    []*Thread
	current *Thread

	control chan RescheduleReason

	IdleTicks  int64
	ipiPending atomic.Bool
}

// NewCPU creates simulated CPU number n.
func NewCPU(n int, log logr.Logger) *CPU {
	c := &CPU{
		Number:  n,
		ipl:     ipl.NewCPU(),
		log:     log.WithName("cpu").WithValues("cpu", n),
		control: make(chan RescheduleReason),
	}
	c.dpc = dispatch.NewQueue(c.ipl, c.log)
	return c
}

// IPL returns the CPU's IPL handle, for subsystems (PFN, pmap, VM) that
// need it to acquire their own spinlocks.
func (c *CPU) IPL() *ipl.CPU { return c.ipl }

// DPCQueue returns the CPU's DPC queue.
func (c *CPU) DPCQueue() *dispatch.Queue { return c.dpc }

// Current returns the thread currently running on this CPU, or nil if
// idle.
func (c *CPU) Current() *Thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Enqueue appends t to the tail of the runqueue and marks it runnable.
// Safe to call from any goroutine — this is the IPI-delivered wakeup
// path.
func (c *CPU) Enqueue(t *Thread) {
	c.mu.Lock()
	t.state = StateRunnable
	t.cpu = c
	c.runq = append(c.runq, t)
	c.mu.Unlock()
}

func (c *CPU) dequeue() *Thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.runq) == 0 {
		return nil
	}
	t := c.runq[0]
	c.runq = c.runq[1:]
	return t
}

func (c *CPU) requeueTail(t *Thread) {
	c.mu.Lock()
	c.runq = append(c.runq, t)
	c.mu.Unlock()
}

// RunqueueLen returns the number of runnable threads currently queued
// (not counting the running one).
func (c *CPU) RunqueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.runq)
}

// RequestReschedule is the reschedule IPI (spec.md §4.5): it zeroes the
// remote thread's quantum and marks an IPI pending so that the remote
// CPU re-enters the scheduler at its next reschedule checkpoint
// (Tick), standing in for "raises a DPC software interrupt".
func (c *CPU) RequestReschedule() {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur != nil {
		atomic.StoreInt32(&cur.Quantum, 0)
	}
	c.ipiPending.Store(true)
}

// Run drives this CPU until ctx is cancelled: the ki_reschedule loop.
// Pick the head of the runqueue, else idle; grant it the CPU; wait for
// it to give control back; requeue at the tail if it is still runnable.
func (c *CPU) Run(ctx context.Context) {
	for ctx.Err() == nil {
		t := c.dequeue()
		if t == nil {
			c.IdleTicks++
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Millisecond):
			}
			continue
		}
		c.runOnce(t)
	}
}

func (c *CPU) runOnce(t *Thread) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()

	t.state = StateRunning
	t.Quantum = DefaultQuantum
	t.SwitchCount++

	if !t.started {
		t.started = true
		go func() {
			<-t.resumeCh
			t.fn(t)
			Exit(t)
		}()
	}

	t.resumeCh <- struct{}{}
	reason := <-c.control

	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()

	switch reason {
	case ReasonExited:
		t.state = StateDone
	case ReasonPreempted, ReasonYielded, ReasonRemoteRequest:
		t.PreemptCount++
		t.state = StateRunnable
		c.requeueTail(t)
	case ReasonBlocked:
		// The thread's Wait call re-enqueues itself once woken; there
		// is nothing for the driver to do here.
	}
}
