package runtime

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	configpkg "github.com/strutframework/strut/internal/runtime/config"
	strerr "github.com/strutframework/strut/internal/runtime/errors"
	loggingpkg "github.com/strutframework/strut/internal/runtime/logging"
	registrypkg "github.com/strutframework/strut/internal/runtime/registry"
)

// AppService is a long-running unit owned by the app: the HTTP server, the
// worker processor, or anything user-provided. Run blocks until ctx is
// canceled or the service fails.
type AppService interface {
	Name() string
	// Enabled reports whether the service should start for this app.
	Enabled(app *AppContext) bool
	Run(ctx context.Context, app *AppContext) error
}

// AppContext carries the shared state every component can reach: resolved
// config, logger, metrics registry, and the shared clients. It is built
// once and never mutated after Run starts.
type AppContext struct {
	Config  *configpkg.AppConfig
	Logger  loggingpkg.ServiceLogger
	Metrics *prometheus.Registry

	// DB is non-nil when database.uri is configured.
	DB *pgxpool.Pool
	// Redis is non-nil when the redis worker backend is configured.
	Redis *redis.Client

	healthChecks *registrypkg.Registry[HealthCheck]
	middleware   *registrypkg.Registry[MiddlewareBuilder]
	initializers *registrypkg.Registry[Initializer]
	weak         *AppContextWeak
}

// Weak returns a non-owning handle to this context. Health checks and
// other registry-held components hold this instead of the context itself.
func (c *AppContext) Weak() *AppContextWeak { return c.weak }

// RegisterHealthCheck adds a check to the app's health registry. The
// hardcoded default is enabled; config can override per name or via the
// group default-enable.
func (c *AppContext) RegisterHealthCheck(check HealthCheck) error {
	return c.healthChecks.Register(check.Name(), check, 0, true)
}

// App assembles the context, registries, and services, and drives the
// lifecycle from initialization to termination.
type App struct {
	ctx      *AppContext
	services []AppService

	lifecycle *registrypkg.Registry[LifecycleHandler]

	state lifecycleState
}

// NewApp builds an app for the given configuration. The logger defaults to
// a slog-backed ServiceLogger configured from the logging section; shared
// clients are created from config and probed by default health checks.
func NewApp(ctx context.Context, cfg *configpkg.AppConfig, logger loggingpkg.ServiceLogger) (*App, error) {
	if cfg == nil {
		return nil, strerr.ErrConfigRequired
	}
	if logger == nil {
		logger = loggingpkg.NewServiceLogger(cfg.Logging.Level, cfg.Logging.Format)
	}

	appCtx := &AppContext{
		Config:  cfg,
		Logger:  logger,
		Metrics: prometheus.NewRegistry(),
		weak:    &AppContextWeak{},
	}
	appCtx.healthChecks = NewHealthCheckRegistry(appCtx)
	appCtx.weak.set(appCtx)

	if cfg.Database.URI != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URI)
		if err != nil {
			return nil, &strerr.ConfigError{Source: "database.uri", Err: err}
		}
		appCtx.DB = pool
		if err := appCtx.RegisterHealthCheck(&PingHealthCheck{CheckName: "database", Target: pool}); err != nil {
			return nil, err
		}
	}

	if cfg.Service.Worker.Backend == "redis" {
		redisOpts, err := redis.ParseURL(cfg.Service.Worker.Redis.URI)
		if err != nil {
			return nil, &strerr.ConfigError{Source: "service.worker.redis.uri", Err: err}
		}
		client := redis.NewClient(redisOpts)
		appCtx.Redis = client
		if err := appCtx.RegisterHealthCheck(&PingHealthCheck{CheckName: "redis", Target: redisPinger{client}}); err != nil {
			return nil, err
		}
	}

	app := &App{ctx: appCtx}

	var err error
	if appCtx.middleware, err = NewMiddlewareRegistry(appCtx); err != nil {
		return nil, err
	}
	if appCtx.initializers, err = NewInitializerRegistry(appCtx); err != nil {
		return nil, err
	}
	if app.lifecycle, err = NewLifecycleRegistry(appCtx); err != nil {
		return nil, err
	}

	return app, nil
}

// redisPinger narrows the go-redis client to the Pinger shape.
type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Context returns the app context for wiring services and checks before
// Run.
func (a *App) Context() *AppContext { return a.ctx }

// Phase reports the current lifecycle phase.
func (a *App) Phase() LifecyclePhase { return a.state.current() }

// RegisterService adds a service to start during ServicesRunning.
func (a *App) RegisterService(service AppService) error {
	if service == nil {
		return strerr.ErrHandlerRequired
	}
	for _, existing := range a.services {
		if existing.Name() == service.Name() {
			return strerr.DuplicateName("service", service.Name())
		}
	}
	a.services = append(a.services, service)
	return nil
}

// RegisterMiddleware adds a middleware registration beyond the defaults.
func (a *App) RegisterMiddleware(registration MiddlewareRegistration) error {
	return a.ctx.middleware.Register(registration.Name, registration.Builder, registration.Priority, registration.Enabled)
}

// RegisterInitializer adds an initializer beyond the defaults.
func (a *App) RegisterInitializer(init Initializer) error {
	return a.ctx.initializers.Register(init.Name(), init, init.Priority(), true)
}

// RegisterLifecycleHandler adds a lifecycle handler beyond the defaults.
func (a *App) RegisterLifecycleHandler(handler LifecycleHandler) error {
	return a.lifecycle.Register(handler.Name(), handler, handler.Priority(), true)
}

// Run drives the full lifecycle: health checks, before-service hooks,
// services, and shutdown hooks. It returns once the app reaches
// Terminated, joining any service errors. SIGINT and SIGTERM trigger a
// graceful stop.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := a.ctx.Logger
	handlers := a.lifecycle.Build()

	if err := a.state.transition(PhaseHealthChecksRunning); err != nil {
		return err
	}
	for _, entry := range handlers {
		if err := entry.Component.BeforeHealthChecks(ctx, a.ctx); err != nil {
			return fmt.Errorf("strut: lifecycle handler %q before health checks: %w", entry.Name, err)
		}
	}
	if err := a.runStartupHealthChecks(ctx); err != nil {
		return err
	}

	if err := a.state.transition(PhaseBeforeServiceHooksRunning); err != nil {
		return err
	}
	for _, entry := range handlers {
		if err := entry.Component.BeforeServices(ctx, a.ctx); err != nil {
			return fmt.Errorf("strut: lifecycle handler %q before services: %w", entry.Name, err)
		}
	}

	if err := a.state.transition(PhaseServicesRunning); err != nil {
		return err
	}
	runErr := a.runServices(ctx)

	if err := a.state.transition(PhaseOnShutdownHooksRunning); err != nil {
		return errors.Join(runErr, err)
	}
	for i := len(handlers) - 1; i >= 0; i-- {
		entry := handlers[i]
		if err := entry.Component.OnShutdown(context.WithoutCancel(ctx), a.ctx); err != nil {
			logger.Error("shutdown hook failed", err, loggingpkg.LogFields{
				"handler": entry.Name,
			})
		}
	}

	a.closeClients()
	if err := a.state.transition(PhaseTerminated); err != nil {
		return errors.Join(runErr, err)
	}
	logger.Info("app terminated", nil)
	return runErr
}

func (a *App) runStartupHealthChecks(ctx context.Context) error {
	report := RunHealthChecks(ctx, a.ctx)
	for _, result := range report.Results {
		fields := loggingpkg.LogFields{
			"check":   result.Name,
			"status":  string(result.Status),
			"latency": result.Latency.String(),
		}
		if result.Status == HealthOk {
			a.ctx.Logger.Debug("health check passed", fields)
		} else {
			fields["message"] = result.Message
			a.ctx.Logger.Warn("health check failed", fields)
		}
	}

	blockStartup := true
	if b := a.ctx.Config.HealthCheck.BlockStartup; b != nil {
		blockStartup = *b
	}
	if !report.Healthy && blockStartup {
		return errors.New("strut: startup health checks failed")
	}
	return nil
}

// runServices starts every enabled service and blocks until all of them
// return. The first failure cancels the rest when shutdown-on-error is
// set.
func (a *App) runServices(ctx context.Context) error {
	serviceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	started := 0
	for _, service := range a.services {
		if !service.Enabled(a.ctx) {
			a.ctx.Logger.Debug("service disabled", loggingpkg.LogFields{"service": service.Name()})
			continue
		}
		started++
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.ctx.Logger.Info("service starting", loggingpkg.LogFields{"service": service.Name()})
			err := service.Run(serviceCtx, a.ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.ctx.Logger.Error("service stopped with error", err, loggingpkg.LogFields{
					"service": service.Name(),
				})
				mu.Lock()
				errs = append(errs, fmt.Errorf("service %q: %w", service.Name(), err))
				mu.Unlock()
				if a.ctx.Config.App.ShutdownOnError {
					cancel()
				}
				return
			}
			a.ctx.Logger.Info("service stopped", loggingpkg.LogFields{"service": service.Name()})
		}()
	}

	if started == 0 {
		a.ctx.Logger.Warn("no services enabled, waiting for shutdown signal", nil)
		<-ctx.Done()
	}

	wg.Wait()
	if err := a.state.transition(PhaseServicesStopping); err != nil {
		return errors.Join(append(errs, err)...)
	}
	return errors.Join(errs...)
}

func (a *App) closeClients() {
	if a.ctx.DB != nil {
		a.ctx.DB.Close()
	}
	if a.ctx.Redis != nil {
		if err := a.ctx.Redis.Close(); err != nil {
			a.ctx.Logger.Warn("closing redis client", loggingpkg.LogFields{"error": err.Error()})
		}
	}
}
