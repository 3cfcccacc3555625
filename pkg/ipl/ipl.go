// Package ipl implements the core's interrupt-priority-level discipline
// and the spinlocks built on top of it (spec §4.1).
//
// IPL is modelled as a per-simulated-CPU value rather than a real
// interrupt mask: each CPU is a *CPU handle threaded explicitly through
// the APIs that need it (the "ambient thread state" design note),
// never a package-level global. Raising IPL models disabling delivery
// of lower-priority work on that CPU; at IPL >= Dispatch, preemption and
// DPC delivery are suppressed on that CPU (spec §5).
package ipl

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// Level is one of the core's interrupt priority levels, lowest first.
type Level uint8

const (
	// Passive is the level ordinary kernel and user code runs at.
	Passive Level = iota
	// APC is used for asynchronous procedure call delivery.
	APC
	// Dispatch is the level at which the dispatcher lock, the
	// scheduler, and DPC delivery run. Preemption is disabled at this
	// level and above.
	Dispatch
	// Device is used by device interrupt handlers; spec §4.1 allows
	// more than one device level in a full implementation, but a
	// single level is sufficient for the core's contract.
	Device
	// High is the top level, used for cross-CPU shootdown handling.
	High
)

func (l Level) String() string {
	switch l {
	case Passive:
		return "passive"
	case APC:
		return "apc"
	case Dispatch:
		return "dispatch"
	case Device:
		return "device"
	case High:
		return "high"
	default:
		return fmt.Sprintf("ipl(%d)", int(l))
	}
}

// CPU holds the current IPL of one simulated CPU. The zero value starts
// at Passive.
type CPU struct {
	current atomic.Int32
	// drain is invoked by Lower whenever the level crosses back below
	// Dispatch; pkg/sched installs it via SetDPCDrain once the CPU's
	// DPC queue exists, keeping pkg/ipl free of a dependency on
	// pkg/sched (it is a leaf module per spec §2).
	drain atomic.Pointer[func()]
}

// NewCPU returns a CPU handle starting at Passive.
func NewCPU() *CPU {
	return &CPU{}
}

// SetDPCDrain installs the callback Lower runs after dropping IPL from
// >= Dispatch down to < Dispatch. Passing nil clears it.
func (c *CPU) SetDPCDrain(fn func()) {
	if fn == nil {
		c.drain.Store(nil)
		return
	}
	c.drain.Store(&fn)
}

// Current returns the CPU's current IPL.
func (c *CPU) Current() Level {
	return Level(c.current.Load())
}

// Raise sets the CPU's IPL to to, which must be >= the current level,
// and returns the prior level. Raising to the current level is a no-op
// and returns that same level (idempotent).
func (c *CPU) Raise(to Level) Level {
	prior := Level(c.current.Load())
	if to < prior {
		panic(fmt.Sprintf("ipl: raise(%s) below current %s", to, prior))
	}
	c.current.Store(int32(to))
	return prior
}

// Lower restores the CPU's IPL to to, which must be <= the current
// level. If the level crosses back below Dispatch, any installed DPC
// drain callback runs before Lower returns, modelling "lowering from >=
// dispatch runs any pending DPCs on that CPU before returning".
func (c *CPU) Lower(to Level) {
	prior := Level(c.current.Load())
	if to > prior {
		panic(fmt.Sprintf("ipl: lower(%s) above current %s", to, prior))
	}
	c.current.Store(int32(to))
	if prior >= Dispatch && to < Dispatch {
		if fn := c.drain.Load(); fn != nil {
			(*fn)()
		}
	}
}

// Spinlock is a test-and-set flag. A held spinlock implies preemption
// is disabled on the acquiring CPU only if it was acquired via
// AcquireRaise at IPL >= Dispatch; Acquire/Release operate at whatever
// IPL the caller is already at and are the building block for locks
// that do not themselves need to raise IPL.
type Spinlock struct {
	held atomic.Bool
}

// Acquire spins until the lock is free, without touching IPL.
func (s *Spinlock) Acquire() {
	for !s.held.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

// TryAcquire attempts a single non-blocking acquisition.
func (s *Spinlock) TryAcquire() bool {
	return s.held.CompareAndSwap(false, true)
}

// Release drops the lock. The caller must hold it.
func (s *Spinlock) Release() {
	if !s.held.CompareAndSwap(true, false) {
		panic("ipl: release of unheld spinlock")
	}
}

// AcquireRaise raises cpu's IPL to level, then acquires the lock,
// returning the prior IPL. Pair with ReleaseLower, passing back the
// same prior level, so that "a spinlock acquired at IPL X must be
// released restoring exactly IPL X" holds by construction.
func (s *Spinlock) AcquireRaise(cpu *CPU, level Level) Level {
	prior := cpu.Raise(level)
	s.Acquire()
	return prior
}

// ReleaseLower releases the lock and restores cpu's IPL to prior.
func (s *Spinlock) ReleaseLower(cpu *CPU, prior Level) {
	s.Release()
	cpu.Lower(prior)
}
