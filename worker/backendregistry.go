package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	configpkg "github.com/strutframework/strut/internal/runtime/config"
	loggingpkg "github.com/strutframework/strut/internal/runtime/logging"
)

// BackendResources is what a backend builder gets to work with: the
// worker config section plus the app's shared clients. Builders use the
// client matching their storage and ignore the rest.
type BackendResources struct {
	Config configpkg.WorkerService
	Redis  *redis.Client
	DB     *pgxpool.Pool
	Logger loggingpkg.ServiceLogger
}

// BackendBuilder constructs a backend from resources.
type BackendBuilder func(ctx context.Context, res BackendResources) (Backend, error)

// BackendRegistry maps backend names to builders. Backend packages
// register themselves with RegisterBackend.
type BackendRegistry struct {
	mu       sync.RWMutex
	builders map[string]BackendBuilder
}

// DefaultBackendRegistry is the global backend registry.
var DefaultBackendRegistry = NewBackendRegistry()

// NewBackendRegistry creates an empty backend registry.
func NewBackendRegistry() *BackendRegistry {
	return &BackendRegistry{builders: make(map[string]BackendBuilder)}
}

// Register adds a builder under the name matching the
// service.worker.backend config value.
func (r *BackendRegistry) Register(name string, builder BackendBuilder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
}

// Names returns the registered backend names.
func (r *BackendRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	return names
}

// Build creates the backend configured by res.Config.Backend.
func (r *BackendRegistry) Build(ctx context.Context, res BackendResources) (Backend, error) {
	name := res.Config.Backend
	r.mu.RLock()
	builder, ok := r.builders[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("strut: unknown worker backend %q (registered: %v)", name, r.Names())
	}
	return builder(ctx, res)
}

// RegisterBackend registers a builder on the default registry.
func RegisterBackend(name string, builder BackendBuilder) {
	DefaultBackendRegistry.Register(name, builder)
}
