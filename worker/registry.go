package worker

import (
	"context"
	"sync"

	strerr "github.com/strutframework/strut/internal/runtime/errors"
	"github.com/strutframework/strut/internal/runtime/jsoncodec"
)

// handlerFunc is the type-erased form of a registered worker: it decodes
// the payload and invokes the typed handler.
type handlerFunc func(ctx context.Context, job *Job) error

// registration pairs the erased handler with the worker's resolved-config
// inputs.
type registration struct {
	name    string
	handler handlerFunc
	config  Config
}

// Registry holds the workers a processor can dispatch to. A worker name
// can be registered once.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*registration
}

// NewRegistry creates an empty worker registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]*registration)}
}

// Register adds a typed worker. It is a top-level function rather than a
// method so the argument type can be inferred per worker.
func Register[T any](reg *Registry, w Worker[T]) error {
	if w == nil {
		return strerr.ErrWorkerRequired
	}
	name := w.Name()
	if name == "" {
		return strerr.ErrWorkerNameRequired
	}

	var cfg Config
	if provider, ok := any(w).(ConfigProvider); ok {
		cfg = provider.WorkerConfig()
	}

	entry := &registration{
		name:   name,
		config: cfg,
		handler: func(ctx context.Context, job *Job) error {
			var args T
			if len(job.Payload) > 0 {
				if err := jsoncodec.Unmarshal(job.Payload, &args); err != nil {
					return &strerr.SerializationError{Subject: name, Err: err}
				}
			}
			if err := w.Handle(ctx, args); err != nil {
				return &strerr.HandlerError{Worker: name, Err: err}
			}
			return nil
		},
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, exists := reg.workers[name]; exists {
		return strerr.DuplicateName("worker", name)
	}
	reg.workers[name] = entry
	return nil
}

// Names returns the registered worker names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workers))
	for name := range r.workers {
		names = append(names, name)
	}
	return names
}

// Has reports whether a worker name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.workers[name]
	return ok
}

func (r *Registry) lookup(name string) (*registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.workers[name]
	return entry, ok
}
