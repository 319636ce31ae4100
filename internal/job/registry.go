package job

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Meta is the per-class metadata recorded at registration time. Dispatch
// options may override it per call.
type Meta struct {
	Overlap      OverlapBehavior
	OverlapDelay time.Duration
}

// Registry maps job class names to factories. It replaces runtime
// reflection: every resolvable class is registered explicitly, normally at
// process startup. Registries are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	classes map[string]registration
}

type registration struct {
	factory Factory
	meta    Meta
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{classes: make(map[string]registration)}
}

// RegisterOption configures a registration.
type RegisterOption func(*Meta)

// WithNoOverlap registers the class with the NoOverlap policy and an
// optional cool-down applied after each terminal state.
func WithNoOverlap(delay time.Duration) RegisterOption {
	return func(m *Meta) {
		m.Overlap = NoOverlap
		m.OverlapDelay = delay
	}
}

// Register adds a job class under name. Registering the same name twice is
// an error; collisions at startup are bugs worth failing loudly on.
func (r *Registry) Register(name string, f Factory, opts ...RegisterOption) error {
	if name == "" {
		return fmt.Errorf("register job class: empty name")
	}
	if f == nil {
		return fmt.Errorf("register job class %q: nil factory", name)
	}
	meta := Meta{Overlap: AllowOverlap}
	for _, opt := range opts {
		opt(&meta)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.classes[name]; ok {
		return fmt.Errorf("register job class %q: already registered", name)
	}
	r.classes[name] = registration{factory: f, meta: meta}
	return nil
}

// MustRegister is Register that panics on error, for static startup wiring.
func (r *Registry) MustRegister(name string, f Factory, opts ...RegisterOption) {
	if err := r.Register(name, f, opts...); err != nil {
		panic(err)
	}
}

// Resolve returns the factory and metadata for a class name.
func (r *Registry) Resolve(name string) (Factory, Meta, error) {
	r.mu.RLock()
	reg, ok := r.classes[name]
	r.mu.RUnlock()
	if !ok {
		return nil, Meta{}, fmt.Errorf("job class %q not registered", name)
	}
	return reg.factory, reg.meta, nil
}

// Names returns the registered class names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.classes))
	for name := range r.classes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
