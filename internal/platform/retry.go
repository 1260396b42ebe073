package platform

import (
	"errors"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// transientErrnos are the filesystem conditions worth retrying: contention
// and descriptor/interrupt pressure, not permissions or missing paths.
var transientErrnos = []syscall.Errno{
	syscall.EAGAIN,
	syscall.EBUSY,
	syscall.EINTR,
	syscall.EMFILE,
	syscall.ENFILE,
}

func isTransient(err error) bool {
	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

// RetryTransient runs fn, retrying up to 3 times on transient filesystem
// errors with 100 ms, 400 ms, and 1 s delays. Any other error returns
// immediately.
func RetryTransient(fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 4
	b.MaxInterval = time.Second
	b.RandomizationFactor = 0

	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithMaxRetries(b, 3))
}
