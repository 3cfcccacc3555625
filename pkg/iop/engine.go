package iop

import (
	"github.com/keyronex/kernel/pkg/dispatch"
	"github.com/keyronex/kernel/pkg/ipl"
)

// Continue is iop_continue (spec.md §4.7): the single re-entrant loop
// that traverses an IOP's frame stack. result is the outcome of
// whatever just ran at the IOP's current position — either the return
// value of the dispatch/completion routine Continue itself just called,
// or, on resumption after a ResultPending suspension, the result an
// asynchronous device handler is now reporting for that same frame.
//
// Direction changes (turn-around) never move stackCurrent; they only
// swap which routine (Dispatch or Complete) runs next at the same
// frame. Continuing in the same direction always moves stackCurrent one
// step further in that direction before running the next routine. This
// reading of the table in spec.md §4.7 keeps "turn around" and "keep
// going" symmetric for both directions.
func Continue(cpu *ipl.CPU, p *IOP, result Result) Result {
	for {
		switch result {
		case ResultPending:
			return ResultPending

		case ResultCompleted:
			if p.direction == Down {
				p.direction = Up
			} else {
				p.stackCurrent--
				if p.stackCurrent == BeginSentinel {
					return p.finish(cpu)
				}
			}

		case ResultContinue:
			if p.direction == Up {
				p.direction = Down
			} else {
				p.stackCurrent++
			}
		}

		frame := p.frames[p.stackCurrent]

		if p.direction == Down {
			result = frame.Target.Dispatch(p, frame)
		} else {
			result = frame.Target.Complete(p, frame)
		}

		if result == ResultPending && frame.slaveHead != nil && !frame.slavesResolved {
			if r := p.runSlaves(cpu, frame); r == ResultCompleted {
				frame.slavesResolved = true
				result = ResultCompleted
				continue
			}
			return ResultPending
		}
		if result == ResultPending {
			return ResultPending
		}
	}
}

// runSlaves starts every not-yet-begun slave attached to frame and
// reports whether they have all already finished synchronously. While
// this runs, p.draining is true so that a slave finishing synchronously
// (on this same goroutine, inside this very loop) does not also try to
// recursively resume p — this loop's own return value is how that
// resumption happens instead. A slave that finishes only after this
// call returns (truly asynchronous) finds draining false and resumes p
// itself through finish's master-notification path.
func (p *IOP) runSlaves(cpu *ipl.CPU, frame *Frame) Result {
	p.draining.Store(true)
	for s := frame.slaveHead; s != nil; s = s.nextSlave {
		if s.begun.CompareAndSwap(false, true) {
			Continue(cpu, s, ResultContinue)
		}
	}
	p.draining.Store(false)

	if p.incompleteSlaveIOPs.Load() == 0 {
		return ResultCompleted
	}
	return ResultPending
}

// finish runs once an IOP's stack has fully unwound. It records the
// final result, and either signals the completion event (master IOPs)
// or notifies the parent (slave IOPs), resuming it once every sibling
// slave has also finished — unless the master is itself synchronously
// draining this slave right now, in which case its own runSlaves call
// owns the resumption.
func (p *IOP) finish(cpu *ipl.CPU) Result {
	if len(p.frames) > 0 {
		p.finalResult = p.frames[0].Result
	}

	if p.master == nil {
		p.event.Set(cpu)
		return ResultCompleted
	}

	if p.master.incompleteSlaveIOPs.Add(-1) == 0 && !p.master.draining.Load() {
		Continue(cpu, p.master, ResultCompleted)
	}
	return ResultCompleted
}

// SendSync implements iop_send_sync: it drives p to completion, waiting
// on its event if a device along the way went asynchronous.
func SendSync(cpu *ipl.CPU, p *IOP) error {
	res := Continue(cpu, p, ResultContinue)
	if res == ResultPending {
		w := dispatch.NewWaiter("iop-send-sync")
		dispatch.Wait(cpu, w, []dispatch.Object{p.event}, dispatch.WaitAny, false, dispatch.Forever)
	}
	return p.finalResult
}
