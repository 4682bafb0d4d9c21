// Package camera tracks the lifecycle of configured cameras, providing
// create/remove/list operations used by cmd/apss to start and stop each
// camera's capture/processor goroutine pair and to apply config hot-reload
// enable/disable flips without a process restart.
package camera

import (
	"log/slog"
	"sync"
	"time"
)

// Camera represents one configured camera's runtime handle.
type Camera struct {
	Name      string
	StartedAt time.Time
	Cancel    func() // stops this camera's capture/processor goroutines
	done      chan struct{}
}

// Done returns a channel closed once the camera has been removed from the
// registry, for callers waiting on shutdown completion.
func (c *Camera) Done() <-chan struct{} { return c.done }

// Registry manages the lifecycle of active cameras.
type Registry struct {
	log     *slog.Logger
	mu      sync.RWMutex
	cameras map[string]*Camera
}

// NewRegistry creates a camera registry. If log is nil, slog.Default() is used.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:     log.With("component", "camera-registry"),
		cameras: make(map[string]*Camera),
	}
}

// Create registers a new running camera under name, with cancel invoked to
// stop it. Returns the Camera and true if created, or nil and false if a
// camera with this name is already registered.
func (r *Registry) Create(name string, cancel func()) (*Camera, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.cameras[name]; ok {
		r.log.Warn("camera already running, rejecting duplicate start", "camera", name)
		return nil, false
	}

	c := &Camera{
		Name:      name,
		StartedAt: time.Now(),
		Cancel:    cancel,
		done:      make(chan struct{}),
	}

	r.cameras[name] = c
	r.log.Info("camera started", "camera", name)
	return c, true
}

// Remove cancels and deregisters the named camera, if running.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	c, ok := r.cameras[name]
	if ok {
		delete(r.cameras, name)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if c.Cancel != nil {
		c.Cancel()
	}
	close(c.done)
	r.log.Info("camera stopped", "camera", name)
}

// List returns all currently running cameras.
func (r *Registry) List() []*Camera {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cameras := make([]*Camera, 0, len(r.cameras))
	for _, c := range r.cameras {
		cameras = append(cameras, c)
	}
	return cameras
}

// Get returns the named camera, if running.
func (r *Registry) Get(name string) (*Camera, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cameras[name]
	return c, ok
}
