package keystore

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// cooldown parameters: after maxAttempts wrong passphrases
// within window, enforce an exponential back-off starting at 1s and
// capped at 30s.
const (
	maxAttempts  = 5
	failWindow   = 5 * time.Minute
	initialDelay = 1 * time.Second
	maxDelay     = 30 * time.Second
)

type labelState struct {
	failures  []time.Time
	blockedAt time.Time
	backoff   *backoff.ExponentialBackOff
}

// cooldownTracker enforces the sliding-window wrong-passphrase lockout
// per label. It is not a package-level singleton: each Store owns one
// tracker instance.
type cooldownTracker struct {
	mu     sync.Mutex
	states map[string]*labelState
	now    func() time.Time
}

func newCooldownTracker() *cooldownTracker {
	return &cooldownTracker{states: make(map[string]*labelState), now: time.Now}
}

func newStateBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialDelay
	b.MaxInterval = maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	return b
}

// blocked reports whether label is currently in its cool-down window and,
// if so, how much longer the caller must wait.
func (c *cooldownTracker) blocked(label string) (bool, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.states[label]
	if !ok || st.blockedAt.IsZero() {
		return false, 0
	}
	now := c.now()
	if now.After(st.blockedAt) {
		return false, 0
	}
	return true, st.blockedAt.Sub(now)
}

// recordFailure registers a wrong-passphrase attempt and, once maxAttempts
// have landed within failWindow, arms the next exponential back-off delay.
func (c *cooldownTracker) recordFailure(label string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.states[label]
	if !ok {
		st = &labelState{backoff: newStateBackoff()}
		c.states[label] = st
	}

	now := c.now()
	cutoff := now.Add(-failWindow)
	var recent []time.Time
	for _, t := range st.failures {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	st.failures = recent

	if len(st.failures) >= maxAttempts {
		delay := st.backoff.NextBackOff()
		if delay == backoff.Stop {
			delay = maxDelay
		}
		st.blockedAt = now.Add(delay)
	}
}

// recordSuccess clears failure history for label after a correct
// passphrase unlock.
func (c *cooldownTracker) recordSuccess(label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, label)
}

func (c *cooldownTracker) forget(label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, label)
}
