package secret

import (
	"crypto/subtle"
	"fmt"
)

// Bytes is a zeroising wrapper around a secret byte slice. It is the base
// primitive every other sensitive type in this package is built from.
//
// The zero value is not usable; construct with NewBytes. A Bytes owns its
// backing array — callers must not retain the slice passed to NewBytes.
type Bytes struct {
	data   []byte
	closed bool
}

// NewBytes copies b into a freshly-owned buffer.
func NewBytes(b []byte) *Bytes {
	owned := make([]byte, len(b))
	copy(owned, b)
	return &Bytes{data: owned}
}

// Len reports the length of the secret, or 0 if released.
func (s *Bytes) Len() int {
	if s == nil || s.closed {
		return 0
	}
	return len(s.data)
}

// Reveal returns the raw backing slice for use by a single owning call
// site. The returned slice aliases internal storage; it must not be
// retained past the call that obtained it.
func (s *Bytes) Reveal() []byte {
	if s == nil || s.closed {
		return nil
	}
	return s.data
}

// Equal performs a constant-time comparison against another Bytes.
// This is the ONLY comparison this type supports.
func (s *Bytes) Equal(other *Bytes) bool {
	if s == nil || other == nil || s.closed || other.closed {
		return false
	}
	if len(s.data) != len(other.data) {
		return false
	}
	return subtle.ConstantTimeCompare(s.data, other.data) == 1
}

// UnsafeCloneForTransmit makes an explicit, named copy of the secret for
// handing ownership to another subsystem (e.g. handing a derived key to
// the age façade). Every other form of duplication is forbidden; this is
// the sole sanctioned escape hatch, and its name says so.
func (s *Bytes) UnsafeCloneForTransmit() *Bytes {
	if s == nil || s.closed {
		return nil
	}
	return NewBytes(s.data)
}

// Close overwrites the backing memory with zeros and releases it. Close is
// idempotent and safe to call on a nil receiver.
func (s *Bytes) Close() {
	if s == nil || s.closed {
		return
	}
	secureZero(s.data)
	s.data = nil
	s.closed = true
}

// Closed reports whether Close has already run.
func (s *Bytes) Closed() bool {
	return s == nil || s.closed
}

// String never prints the secret.
func (s *Bytes) String() string {
	return RedactionToken
}

// Format implements fmt.Formatter so %v, %s, and %q all redact, including
// in wrapped errors and structured logging.
func (s *Bytes) Format(f fmt.State, verb rune) {
	_, _ = f.Write([]byte(RedactionToken))
}
