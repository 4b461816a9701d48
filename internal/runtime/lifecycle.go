package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	loggingpkg "github.com/strutframework/strut/internal/runtime/logging"
	registrypkg "github.com/strutframework/strut/internal/runtime/registry"
)

// LifecyclePhase is the coarse state of a running app. Transitions are
// strictly forward.
type LifecyclePhase int

const (
	PhaseInitializing LifecyclePhase = iota
	PhaseHealthChecksRunning
	PhaseBeforeServiceHooksRunning
	PhaseServicesRunning
	PhaseServicesStopping
	PhaseOnShutdownHooksRunning
	PhaseTerminated
)

func (p LifecyclePhase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseHealthChecksRunning:
		return "health-checks-running"
	case PhaseBeforeServiceHooksRunning:
		return "before-service-hooks-running"
	case PhaseServicesRunning:
		return "services-running"
	case PhaseServicesStopping:
		return "services-stopping"
	case PhaseOnShutdownHooksRunning:
		return "on-shutdown-hooks-running"
	case PhaseTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// lifecycleState guards phase transitions.
type lifecycleState struct {
	mu    sync.Mutex
	phase LifecyclePhase
}

func (s *lifecycleState) current() LifecyclePhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *lifecycleState) transition(to LifecyclePhase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to <= s.phase {
		return fmt.Errorf("strut: cannot move lifecycle from %s back to %s", s.phase, to)
	}
	s.phase = to
	return nil
}

// LifecycleHandler runs app-scoped work at fixed points in the run loop.
// Hooks run in priority order within each point.
type LifecycleHandler interface {
	Name() string
	Priority() int64
	// BeforeHealthChecks runs before startup health checks, typically to
	// create the resources the checks probe.
	BeforeHealthChecks(ctx context.Context, app *AppContext) error
	// BeforeServices runs after health checks pass and before any
	// service starts.
	BeforeServices(ctx context.Context, app *AppContext) error
	// OnShutdown runs after every service has stopped. Errors are logged
	// and do not stop the remaining handlers.
	OnShutdown(ctx context.Context, app *AppContext) error
}

// BaseLifecycleHandler is a no-op LifecycleHandler to embed.
type BaseLifecycleHandler struct{}

func (BaseLifecycleHandler) BeforeHealthChecks(context.Context, *AppContext) error { return nil }

func (BaseLifecycleHandler) BeforeServices(context.Context, *AppContext) error { return nil }

func (BaseLifecycleHandler) OnShutdown(context.Context, *AppContext) error { return nil }

// MigrateLifecycleHandler applies pending database migrations in
// BeforeServices when auto-migrate is on. Registered by default; it is a
// no-op without a configured migration source.
type MigrateLifecycleHandler struct {
	BaseLifecycleHandler
}

func (MigrateLifecycleHandler) Name() string { return "db-migration" }

func (MigrateLifecycleHandler) Priority() int64 { return 0 }

func (MigrateLifecycleHandler) BeforeServices(_ context.Context, app *AppContext) error {
	db := app.Config.Database
	if !db.AutoMigrate || db.MigrationSource == "" || db.URI == "" {
		return nil
	}

	m, err := migrate.New(db.MigrationSource, db.URI)
	if err != nil {
		return fmt.Errorf("strut: opening migrations: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil || dbErr != nil {
			app.Logger.Warn("closing migrator", loggingpkg.LogFields{
				"source_err": fmt.Sprint(sourceErr),
				"db_err":     fmt.Sprint(dbErr),
			})
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("strut: applying migrations: %w", err)
	}
	app.Logger.Info("database migrations applied", loggingpkg.LogFields{
		"source": db.MigrationSource,
	})
	return nil
}

// DefaultLifecycleHandlers returns the handlers registered out of the box.
func DefaultLifecycleHandlers() []LifecycleHandler {
	return []LifecycleHandler{
		MigrateLifecycleHandler{},
	}
}

// NewLifecycleRegistry creates the lifecycle handler registry with the
// defaults registered and config overrides applied.
func NewLifecycleRegistry(app *AppContext) (*registrypkg.Registry[LifecycleHandler], error) {
	reg := registrypkg.New[LifecycleHandler]("lifecycle-handler")

	group := app.Config.LifecycleHandler
	if group.DefaultEnable != nil {
		reg.SetGroupDefaultEnable(*group.DefaultEnable)
	}

	for _, handler := range DefaultLifecycleHandlers() {
		priority := handler.Priority()
		if entry, ok := group.Entries[handler.Name()]; ok && entry.Priority != nil {
			priority = *entry.Priority
		}
		if err := reg.Register(handler.Name(), handler, priority, true); err != nil {
			return nil, err
		}
	}
	for name, entry := range group.Entries {
		if entry.Enable != nil {
			reg.SetEnabled(name, *entry.Enable)
		}
	}
	return reg, nil
}
