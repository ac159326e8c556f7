// Package detector defines the object-detection capability consumed by the
// pipeline and the registry that hot-swaps it.
package detector

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/dj-oyu/cyolo-monitor/internal/logger"
	"github.com/dj-oyu/cyolo-monitor/pkg/types"
)

// ErrCapabilityLoad reports a failed model load; the previous capability stays active.
var ErrCapabilityLoad = errors.New("capability load failed")

// Capability runs object detection on one frame.
type Capability interface {
	// Infer returns detections at or above confidence, in backend order.
	Infer(frame image.Image, confidence float64) ([]types.RawDetection, error)
	Close() error
}

// Loader turns a model id into a ready Capability.
type Loader interface {
	Load(modelID string) (Capability, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(modelID string) (Capability, error)

// Load implements Loader.
func (f LoaderFunc) Load(modelID string) (Capability, error) { return f(modelID) }

// entry is one loaded capability with its lease count.
type entry struct {
	id  string
	cap Capability

	mu      sync.Mutex
	refs    int
	retired bool
	closed  bool
}

func (e *entry) closeLocked() {
	if e.closed {
		return
	}
	e.closed = true
	if err := e.cap.Close(); err != nil {
		logger.Warn("Detector", "Closing model %s: %v", e.id, err)
	}
}

// Lease pins a capability for the duration of one pipeline cycle.
type Lease struct {
	e    *entry
	once sync.Once
}

// ModelID returns the id of the leased model.
func (l *Lease) ModelID() string { return l.e.id }

// Capability returns the leased capability.
func (l *Lease) Capability() Capability { return l.e.cap }

// Release returns the lease. A retired capability is closed once its last
// lease is released.
func (l *Lease) Release() {
	l.once.Do(func() {
		e := l.e
		e.mu.Lock()
		defer e.mu.Unlock()
		e.refs--
		if e.refs == 0 && e.retired {
			e.closeLocked()
		}
	})
}

// Registry holds the active capability. Swaps never close an instance that a
// cycle is still using.
type Registry struct {
	loader Loader
	swapMu sync.Mutex
	active atomic.Pointer[entry]
}

// NewRegistry creates an empty registry.
func NewRegistry(loader Loader) *Registry {
	return &Registry{loader: loader}
}

// Swap loads modelID and makes it active. On failure the previous capability
// remains active and the returned error wraps ErrCapabilityLoad.
func (r *Registry) Swap(modelID string) error {
	r.swapMu.Lock()
	defer r.swapMu.Unlock()

	c, err := r.loader.Load(modelID)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCapabilityLoad, modelID, err)
	}
	if c == nil {
		return fmt.Errorf("%w: %s: loader returned nil", ErrCapabilityLoad, modelID)
	}

	old := r.active.Swap(&entry{id: modelID, cap: c})
	if old != nil {
		old.mu.Lock()
		old.retired = true
		if old.refs == 0 {
			old.closeLocked()
		}
		old.mu.Unlock()
	}

	logger.Info("Detector", "Switched to model: %s", modelID)
	return nil
}

// Acquire leases the active capability, or returns nil when none is loaded.
func (r *Registry) Acquire() *Lease {
	for {
		e := r.active.Load()
		if e == nil {
			return nil
		}
		e.mu.Lock()
		if e.retired {
			// lost a race with Swap; the new entry is already published
			e.mu.Unlock()
			continue
		}
		e.refs++
		e.mu.Unlock()
		return &Lease{e: e}
	}
}

// Active returns the id of the active model, or "".
func (r *Registry) Active() string {
	if e := r.active.Load(); e != nil {
		return e.id
	}
	return ""
}

// Close retires the active capability.
func (r *Registry) Close() {
	r.swapMu.Lock()
	defer r.swapMu.Unlock()

	old := r.active.Swap(nil)
	if old == nil {
		return
	}
	old.mu.Lock()
	old.retired = true
	if old.refs == 0 {
		old.closeLocked()
	}
	old.mu.Unlock()
}
