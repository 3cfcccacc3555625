package object

// Weak is a reference that does not keep an object alive, for breaking
// the reference cycles spec.md §4.8 explicitly declines to detect
// automatically (its own example: a vnode's cache window holding a
// back-reference to the vnode must be weak). Promote succeeds only if
// the target's reference count is still positive at the moment of the
// attempt; it never races a concurrent teardown into resurrecting the
// object, because Header.Retain uses the same compare-and-swap gate.
type Weak struct {
	target *Header
}

// NewWeak wraps h without retaining it.
func NewWeak(h *Header) Weak {
	return Weak{target: h}
}

// Promote attempts to obtain a strong reference, returning the header
// with its count already bumped, or nil if the object's count had
// already reached zero.
func (w Weak) Promote() *Header {
	if w.target == nil {
		return nil
	}
	if err := w.target.Retain(); err != nil {
		return nil
	}
	return w.target
}

// IsNil reports whether this Weak was never pointed at an object.
func (w Weak) IsNil() bool { return w.target == nil }
