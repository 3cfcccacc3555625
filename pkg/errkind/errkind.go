// Package errkind is the core's error vocabulary.
//
// The executive never uses out-of-band error channels: dispatcher,
// fault, and IOP entry points return one of the enum values below by
// value. errkind re-exports the standard library's errors package so
// callers never need to import both.
package errkind

import (
	"errors"
	"fmt"

	"github.com/go-logr/logr"
)

var (
	New    = errors.New
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Kind is a closed vocabulary of error conditions the core returns by
// value. It is deliberately small: most subsystems return a
// subsystem-specific result enum (vm.FaultResult, iop.Result,
// dispatch.Result) rather than a Kind; Kind covers the handful of
// conditions shared across subsystem boundaries.
type Kind int

const (
	// OK is the zero value; never compared against directly outside
	// this package.
	OK Kind = iota
	// PageShortage is returned by pageable allocation when the free
	// list is empty. The caller must wait on the low-memory event and
	// retry; it is never returned to a caller that cannot retry.
	PageShortage
	// SwapDisabled names the condition of paging out with no swap
	// store configured. swap.DisabledStore reports that condition with
	// its own sentinel, swap.ErrDisabled, which is not of this Kind.
	SwapDisabled
	// NotFound covers named-object, namecache, and vnode lookup misses.
	NotFound
	// Exists covers named-object registration collisions.
	Exists
	// Busy covers operations racing an in-progress state transition
	// (e.g. waiting on an anon that is already being paged in).
	Busy
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "ok"
	case PageShortage:
		return "page-shortage"
	case SwapDisabled:
		return "swap-disabled"
	case NotFound:
		return "not-found"
	case Exists:
		return "exists"
	case Busy:
		return "busy"
	default:
		return fmt.Sprintf("errkind(%d)", int(k))
	}
}

// kindError adapts a Kind to the error interface so it can travel
// through APIs that want a plain error (e.g. the swap.Store interface)
// while still being recoverable with Is/As.
type kindError struct{ kind Kind }

func (e *kindError) Error() string { return e.kind.String() }

// Err returns the canonical error value for a Kind.
func Err(k Kind) error { return &kindError{k} }

// KindOf extracts the Kind from an error produced by Err, or OK if err
// is nil, or a best-effort zero Kind if err is some other error.
func KindOf(err error) Kind {
	if err == nil {
		return OK
	}
	var ke *kindError
	if As(err, &ke) {
		return ke.kind
	}
	return OK
}

// RetryableError marks errors that a caller may retry after waiting on
// some condition (typically the low-memory event). Mirrors the
// teacher's own RetryableError/Retryable() pattern.
type RetryableError interface {
	error
	Retryable()
}

type retryableError struct{ text string }

func (r *retryableError) Error() string { return r.text }
func (r *retryableError) Retryable()    {}

// NewRetryable builds a RetryableError.
func NewRetryable(text string) RetryableError {
	return &retryableError{text}
}

// Retryable reports whether err (or something it wraps) is a RetryableError.
func Retryable(err error) bool {
	var rerr RetryableError
	return As(err, &rerr)
}

// Assert halts the system on a violated invariant: spinlock IPL
// mismatch, PFN corruption, re-entering a non-empty page-table slot,
// mutex release by a non-owner, and the like. These are programmer
// errors, not recoverable conditions — Assert logs the failure, if a
// logger is supplied, and then panics so the caller's panic-recovery
// point (the per-CPU driver loop) can halt that CPU and report a trace.
func Assert(log logr.Logger, cond bool, format string, args ...any) {
	if cond {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Error(New(msg), "assertion failed")
	panic("keyronex: assertion failed: " + msg)
}
