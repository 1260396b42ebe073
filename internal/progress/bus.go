// Package progress implements the correlation-ID-tagged progress bus:
// publish/subscribe progress updates for long-running operations with
// monotonic progress enforcement, plus cooperative cancellation. The bus
// is keyed by operation ID so multiple vault operations can run and be
// observed concurrently.
package progress

import (
	"sync"
	"time"
)

// Update is one progress report for a long-running operation.
type Update struct {
	OpID                   string
	Progress               float64
	Message                string
	Details                string
	Timestamp              time.Time
	EstimatedTimeRemaining time.Duration
}

// nowFunc is overridable in tests.
var nowFunc = time.Now

type subscriber struct {
	ch chan Update
}

type opState struct {
	mu      sync.Mutex
	last    float64
	history []Update
	subs    []*subscriber
	done    bool
}

// Bus is a process-wide publish/subscribe hub keyed by operation ID.
type Bus struct {
	mu  sync.Mutex
	ops map[string]*opState
}

// NewBus creates an empty progress bus.
func NewBus() *Bus {
	return &Bus{ops: make(map[string]*opState)}
}

func (b *Bus) state(opID string) *opState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.ops[opID]
	if !ok {
		st = &opState{}
		b.ops[opID] = st
	}
	return st
}

// Publish appends an update for opID. Progress is monotonically
// non-decreasing within an operation; any attempt to
// publish a lower value than the last one seen is silently dropped.
func (b *Bus) Publish(opID string, u Update) {
	st := b.state(opID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if u.Progress < st.last {
		return
	}
	st.last = u.Progress
	if u.Timestamp.IsZero() {
		u.Timestamp = nowFunc()
	}
	u.OpID = opID
	st.history = append(st.history, u)
	for _, s := range st.subs {
		select {
		case s.ch <- u:
		default:
			// A slow subscriber does not block the publisher; it will
			// observe the next update or the final snapshot via Latest.
		}
	}
	if u.Progress >= 1.0 {
		st.done = true
	}
}

// Subscribe returns a channel receiving subsequent updates for opID, in
// publish order. The channel buffers 32 updates; while it is full,
// Publish drops new updates for this subscriber rather than blocking. The
// caller must drain or abandon the channel; the returned unsubscribe
// function releases it. The bus never closes the channel.
func (b *Bus) Subscribe(opID string) (<-chan Update, func()) {
	st := b.state(opID)
	st.mu.Lock()
	sub := &subscriber{ch: make(chan Update, 32)}
	st.subs = append(st.subs, sub)
	st.mu.Unlock()

	unsubscribe := func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		for i, s := range st.subs {
			if s == sub {
				st.subs = append(st.subs[:i], st.subs[i+1:]...)
				break
			}
		}
	}
	return sub.ch, unsubscribe
}

// Latest returns the most recent update published for opID and whether any
// update exists.
func (b *Bus) Latest(opID string) (Update, bool) {
	st := b.state(opID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.history) == 0 {
		return Update{}, false
	}
	return st.history[len(st.history)-1], true
}

// Forget drops all retained state for opID, releasing its history and
// subscriber channels. Call once an operation is fully finished and its
// progress has been read for the last time.
func (b *Bus) Forget(opID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.ops, opID)
}
