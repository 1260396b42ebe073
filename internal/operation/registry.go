// Package operation implements the concurrency-safe operation registry:
// a bounded map from operation ID to a live operation handle, used by
// progress reads, cancellation, and duplicate prevention (at most one
// encrypt or decrypt operation per vault output path).
package operation

import (
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/barqly/vault-core/internal/progress"
	"github.com/barqly/vault-core/internal/vaulterr"
)

// DefaultCapacity is the default bound on live operations.
const DefaultCapacity = 64

// Kind classifies what a Handle represents.
type Kind string

const (
	KindEncrypt          Kind = "encrypt"
	KindDecrypt          Kind = "decrypt"
	KindInitializeDevice Kind = "initialize_device"
	KindRegisterDevice   Kind = "register_device"
)

// Handle is the live state the registry tracks for one operation: its
// kind, start time, cancel token, and the output path it owns. It holds
// no progress publisher; progress is published on a progress.Bus under
// the same operation ID.
type Handle struct {
	ID         string
	Kind       Kind
	StartedAt  time.Time
	Cancel     *progress.CancelToken
	OutputPath string // vault output path this operation owns exclusively, if any
}

// Registry is the bounded, concurrency-safe operation map.
type Registry struct {
	mu       sync.Mutex
	handles  map[string]*Handle
	byOutput map[string]string // output path -> op id, for the at-most-one-per-path rule
	sem      *semaphore.Weighted
	capacity int64
}

// New creates a Registry with the given capacity (DefaultCapacity if <= 0).
func New(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{
		handles:  make(map[string]*Handle),
		byOutput: make(map[string]string),
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

// Register admits a new operation, enforcing the capacity cap and the
// exactly-one-operation-per-output-path rule.
// outputPath may be empty for operations that do not own one (e.g. device
// initialisation, which is instead exclusive per-serial — see the
// yubikey package).
func (r *Registry) Register(id string, kind Kind, outputPath string) (*Handle, error) {
	if !r.sem.TryAcquire(1) {
		return nil, vaulterr.New(vaulterr.KindConcurrentOperation, "too many operations in flight", "wait for an operation to finish and retry", true)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if outputPath != "" {
		if existing, ok := r.byOutput[outputPath]; ok {
			r.sem.Release(1)
			return nil, vaulterr.New(vaulterr.KindConcurrentOperation, "an operation is already running against this output path", "wait for the other operation to finish", true).WithDetails(existing)
		}
	}

	h := &Handle{ID: id, Kind: kind, StartedAt: time.Now(), Cancel: progress.NewCancelToken(), OutputPath: outputPath}
	r.handles[id] = h
	if outputPath != "" {
		r.byOutput[outputPath] = id
	}
	return h, nil
}

// Get returns the handle for id, if it is still live.
func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	return h, ok
}

// Cancel requests cancellation of a live operation.
func (r *Registry) Cancel(id string) error {
	h, ok := r.Get(id)
	if !ok {
		return vaulterr.New(vaulterr.KindOperationNotFound, "operation not found", "", true).WithDetails(id)
	}
	h.Cancel.Cancel()
	return nil
}

// Remove releases id's slot, freeing both its capacity unit and any
// output-path exclusivity it held. Must be called exactly once per
// successful Register, at the operation's finish or cancellation.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	h, ok := r.handles[id]
	if ok {
		delete(r.handles, id)
		if h.OutputPath != "" {
			delete(r.byOutput, h.OutputPath)
		}
	}
	r.mu.Unlock()
	if ok {
		r.sem.Release(1)
	}
}
