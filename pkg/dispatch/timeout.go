package dispatch

import "time"

// Forever is the spec.md §5 "timeout of −1 means never" sentinel,
// expressed as a time.Duration for use with Wait.
const Forever time.Duration = -1

// Poll is the spec.md §5 "timeout of 0 means poll" sentinel.
const Poll time.Duration = 0

// nsToDuration converts a raw nanosecond count in spec.md §5's
// convention (relative to the thread's CPU tick; -1 = never, 0 = poll)
// into a time.Duration. Since time.Duration already counts nanoseconds,
// this is the identity conversion; it exists so call sites that carry
// the spec's exact numeric convention read naturally.
func nsToDuration(ns int64) time.Duration {
	return time.Duration(ns)
}
