package dispatch

import "github.com/keyronex/kernel/pkg/ipl"

// globalLock is THE dispatcher lock (spec.md §3 "Dispatch header":
// "all mutation of header or its queue requires the global dispatcher
// lock held at IPL = dispatch"). It is unavoidably global per the
// "global mutable state" design note, which asks only that it be
// encapsulated behind a single access point rather than exposed
// directly — Lock/Unlock are that point.
var globalLock ipl.Spinlock

// Lock raises cpu to ipl.Dispatch and acquires the dispatcher lock,
// returning the prior IPL to pass to Unlock. Exported so pkg/sched can
// take the dispatcher lock around reschedule, as the lock hierarchy
// (spec.md §5) requires it held across wakeup-driven runqueue changes.
func Lock(cpu *ipl.CPU) ipl.Level {
	return globalLock.AcquireRaise(cpu, ipl.Dispatch)
}

// Unlock releases the dispatcher lock and restores cpu's IPL to prior.
func Unlock(cpu *ipl.CPU, prior ipl.Level) {
	globalLock.ReleaseLower(cpu, prior)
}
