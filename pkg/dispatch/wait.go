package dispatch

import (
	"time"

	"github.com/go-logr/logr"

	"github.com/keyronex/kernel/pkg/ipl"
)

// Wait implements spec.md §4.4's wait(objects, n, all-vs-any, alertable,
// timeout). timeout < 0 means "never" (block indefinitely); timeout ==
// 0 means "poll" (return immediately if not already satisfied);
// timeout > 0 is a relative deadline.
//
// Returns the result and, for an any-wait that completed with
// ResultOK, the index into objs of the object that was acquired (-1
// otherwise).
func Wait(cpu *ipl.CPU, w *Waiter, objs []Object, mode Mode, alertable bool, timeout time.Duration) (Result, int) {
	return WaitHook(cpu, w, objs, mode, alertable, timeout, nil)
}

// WaitHook is Wait with an additional onBlock callback, invoked exactly
// once the thread is durably registered as a waiter and the dispatcher
// lock has been dropped — the precise point at which spec.md §4.4 step
// 4's "call the scheduler (which drops the lock and switches)" hands
// control to another thread. pkg/sched uses this to hand its CPU driver
// loop the next runnable thread at exactly the right moment, without
// pkg/dispatch needing to know anything about CPUs or threads.
func WaitHook(cpu *ipl.CPU, w *Waiter, objs []Object, mode Mode, alertable bool, timeout time.Duration, onBlock func()) (Result, int) {
	prior := Lock(cpu)

	if idx, ok := checkImmediate(objs, mode); ok {
		acquireSatisfied(objs, w, mode, idx)
		Unlock(cpu, prior)
		return ResultOK, idx
	}

	if timeout == 0 {
		Unlock(cpu, prior)
		return ResultTimedOut, -1
	}

	w.settled.Store(false)
	w.all = mode == WaitAll
	w.alertable = alertable
	w.acquired = -1
	w.payload = nil
	blocks := w.blockSlice(len(objs))
	for i, o := range objs {
		blocks[i] = WaitBlock{waiter: w, object: o}
		hdr := o.dispatchHeader()
		blocks[i].elem = hdr.waiters.PushBack(w.block(i))
	}

	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() { fireTimeout(w) })
	}

	Unlock(cpu, prior)
	if onBlock != nil {
		onBlock()
	}

	<-w.wakeCh
	if timer != nil {
		timer.Stop()
	}
	return w.result, w.acquired
}

// checkImmediate is Wait's step 2: for any-wait, is any object already
// signalled; for all-wait, are they all signalled. Must be called with
// the dispatcher lock held.
func checkImmediate(objs []Object, mode Mode) (int, bool) {
	if mode == WaitAny {
		for i, o := range objs {
			if o.dispatchHeader().signalled() {
				return i, true
			}
		}
		return -1, false
	}
	for _, o := range objs {
		if !o.dispatchHeader().signalled() {
			return -1, false
		}
	}
	return -1, true
}

// acquireSatisfied performs the acquisition for an immediately-satisfied
// wait. Must be called with the dispatcher lock held.
func acquireSatisfied(objs []Object, w *Waiter, mode Mode, idx int) {
	if mode == WaitAny {
		hdr := objs[idx].dispatchHeader()
		hdr.acquireLocked(w)
		if hdr.kind == KindMessageQueue {
			if mq, ok := objs[idx].(*MessageQueue); ok {
				w.payload = mq.popLocked()
			}
		}
		return
	}
	for _, o := range objs {
		o.dispatchHeader().acquireLocked(w)
	}
}

// removeBlocksLocked unlinks every wait block belonging to w from its
// object's queue. Must be called with the dispatcher lock held.
func removeBlocksLocked(w *Waiter) {
	for i := 0; i < w.n; i++ {
		b := w.block(i)
		if b.elem != nil {
			b.object.dispatchHeader().waiters.Remove(b.elem)
			b.elem = nil
		}
	}
}

// wakeLocked settles w with result, removing its wait blocks. Idempotent:
// only the first caller (real wakeup vs timeout vs cancellation) has any
// effect. Must be called with the dispatcher lock held.
func wakeLocked(w *Waiter, result Result) {
	if !w.settled.CompareAndSwap(false, true) {
		return
	}
	removeBlocksLocked(w)
	w.result = result
	w.wakeCh <- struct{}{}
}

// fireTimeout is the timeout-expiry DPC of spec.md §4.4's
// "Cancellation": it acquires the dispatcher lock, removes the thread's
// wait blocks, and wakes it timed-out. It runs on a throwaway simulated
// CPU since time.AfterFunc delivers it on its own goroutine, standing in
// for a real timer-interrupt context.
func fireTimeout(w *Waiter) {
	cpu := ipl.NewCPU()
	prior := Lock(cpu)
	wakeLocked(w, ResultTimedOut)
	Unlock(cpu, prior)
}

// Cancel wakes an alertable wait early with ResultSignalled, per
// spec.md §4.4's "Cancellation" (external alertable cancellation).
// It is a no-op if w is not currently waiting or is not alertable.
func Cancel(cpu *ipl.CPU, w *Waiter) {
	prior := Lock(cpu)
	if w.alertable {
		wakeLocked(w, ResultSignalled)
	}
	Unlock(cpu, prior)
}

// signalLocked walks hdr's waiter queue, waking every waiter the new
// signal state satisfies, in FIFO arrival order, per §4.4's "Wakeup"
// and "Ordering guarantees" (FIFO per dispatcher-object waiter queue).
// Must be called with the dispatcher lock held, after updating
// hdr.signal.
func signalLocked(hdr *Header, log logr.Logger) {
	for e := hdr.waiters.Front(); e != nil; {
		next := e.Next()
		b := e.Value.(*WaitBlock)
		w := b.waiter

		if w.all {
			if allSatisfied(w) {
				acquireAllLocked(w)
				wakeLocked(w, ResultOK)
				log.V(2).Info("all-wait satisfied", "waiter", w.Name)
			}
		} else {
			if !hdr.signalled() {
				e = next
				continue
			}
			idx := indexOf(w, hdr)
			hdr.acquireLocked(w)
			if hdr.kind == KindMessageQueue {
				for i := 0; i < w.n; i++ {
					if w.block(i).object.dispatchHeader() == hdr {
						if mq, ok := w.block(i).object.(*MessageQueue); ok {
							w.payload = mq.popLocked()
						}
					}
				}
			}
			w.acquired = idx
			wakeLocked(w, ResultOK)
			log.V(2).Info("any-wait satisfied", "waiter", w.Name, "index", idx)
		}
		e = next
	}
}

func allSatisfied(w *Waiter) bool {
	for i := 0; i < w.n; i++ {
		if !w.block(i).object.dispatchHeader().signalled() {
			return false
		}
	}
	return true
}

func acquireAllLocked(w *Waiter) {
	for i := 0; i < w.n; i++ {
		w.block(i).object.dispatchHeader().acquireLocked(w)
	}
}

func indexOf(w *Waiter, hdr *Header) int {
	for i := 0; i < w.n; i++ {
		if w.block(i).object.dispatchHeader() == hdr {
			return i
		}
	}
	return -1
}
