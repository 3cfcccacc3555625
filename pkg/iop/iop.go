package iop

import (
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/keyronex/kernel/pkg/dispatch"
)

// stackIndex is the type of IOP.stackCurrent. spec.md §4.7: "stack_current
// starts at −1; moving down increments, moving up decrements; when
// going up it reaches −1 the IOP is complete."
//
// The original devmgr.c reused the literal value -1 both as this
// "below the bottom of the stack" sentinel and, elsewhere, as an
// uninitialised-frame-index bug trap, so the two meanings collided. Per
// the Open Questions, this core never does that: an explicit
// BeginSentinel value stands only for "not yet started / finished
// unwinding", and stackCurrent otherwise always holds a valid index
// into frames. iop.c's usage is the one this mirrors.
type stackIndex int

// BeginSentinel is stackIndex's "below frame 0" value.
const BeginSentinel stackIndex = -1

// Direction is the IOP's current traversal direction.
type Direction int

const (
	Down Direction = iota
	Up
)

// Result is what a dispatch or completion routine returns to transfer
// control back to the engine (spec.md §4.7's three-row table).
type Result int

const (
	// ResultCompleted means turn around (if going down) or keep going
	// up (if already going up).
	ResultCompleted Result = iota
	// ResultContinue means keep going down (if going down) or reverse
	// to going down (if going up).
	ResultContinue
	// ResultPending means the device is asynchronous; suspend this IOP.
	ResultPending
)

// IOP is a stack of frames plus the control state spec.md §3 describes.
type IOP struct {
	frames       []*Frame
	stackCurrent stackIndex
	direction    Direction

	event *dispatch.Event
	log   logr.Logger

	master              *IOP
	incompleteSlaveIOPs atomic.Int32
	nextSlave           *IOP // sibling linkage in the parent frame's slave list
	begun               atomic.Bool
	finalResult         error

	// draining is set while this IOP's own goroutine is synchronously
	// driving its slaves inside runSlaves. A slave whose completion
	// brings incompleteSlaveIOPs to zero while draining is true must not
	// recursively resume the master itself — the synchronous runSlaves
	// call already owns that resumption once it returns. A slave that
	// finishes after runSlaves has returned (truly asynchronous) finds
	// draining false and resumes the master itself. Exactly one of the
	// two paths ever resumes a given master for a given pending frame.
	draining atomic.Bool
}

// NewIOP creates a master IOP with the given frame stack. frames[0] is
// the outermost frame (the one nearest the original caller); traversal
// starts there and moves toward higher indices on the way down.
func NewIOP(frames []*Frame, log logr.Logger) *IOP {
	return &IOP{
		frames:       frames,
		stackCurrent: BeginSentinel,
		direction:    Down,
		event:        dispatch.NewEvent(false, log),
		log:          log.WithName("iop"),
	}
}

// NewSlaveIOP creates an IOP attached as a slave of master on frame,
// per spec.md §4.7's "a device may attach child (slave) IOPs to a
// frame before returning". It must be called before the master's
// Continue loop next visits frame.
func NewSlaveIOP(master *IOP, frame *Frame, frames []*Frame, log logr.Logger) *IOP {
	slave := &IOP{
		frames:       frames,
		stackCurrent: BeginSentinel,
		direction:    Down,
		master:       master,
		log:          log.WithName("iop"),
	}
	master.incompleteSlaveIOPs.Add(1)

	if frame.slaveHead == nil {
		frame.slaveHead = slave
	} else {
		tail := frame.slaveHead
		for tail.nextSlave != nil {
			tail = tail.nextSlave
		}
		tail.nextSlave = slave
	}
	frame.slaveCount++
	return slave
}

// IsComplete reports whether the IOP has finished.
func (p *IOP) IsComplete() bool {
	return p.direction == Up && p.stackCurrent == BeginSentinel
}

// Result returns the IOP's final outcome once IsComplete is true.
func (p *IOP) Result() error { return p.finalResult }
