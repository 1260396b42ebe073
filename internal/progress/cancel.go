package progress

import "sync/atomic"

// CancelToken is polled between phase boundaries and every N MiB of
// streamed bytes. Cancel() is safe to call from any goroutine
// and any number of times; Cancelled() is a cheap, lock-free read.
type CancelToken struct {
	flag int32
}

// NewCancelToken returns an armed, not-yet-cancelled token.
func NewCancelToken() *CancelToken { return &CancelToken{} }

// Cancel requests cancellation. Idempotent.
func (c *CancelToken) Cancel() { atomic.StoreInt32(&c.flag, 1) }

// Cancelled reports whether Cancel has been called.
func (c *CancelToken) Cancelled() bool { return atomic.LoadInt32(&c.flag) == 1 }

// Poll returns a CancelFunc closure suitable for handing to archive.Build
// / archive.Extract's Cancel hook.
func (c *CancelToken) Poll() func() bool {
	return c.Cancelled
}
