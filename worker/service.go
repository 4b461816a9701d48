package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/strutframework/strut/internal/runtime"
	loggingpkg "github.com/strutframework/strut/internal/runtime/logging"
)

// Service runs the processor (and the periodic scheduler when entries are
// registered) as an app service named "worker".
type Service struct {
	registry *Registry
	backend  Backend
	enqueuer *Enqueuer
	hooks    JobHooks

	scheduler   *Scheduler
	schedulerMu sync.Mutex
	appLogger   loggingpkg.ServiceLogger
	appCtx      *runtime.AppContext
}

// NewService builds the backend from config, wires a backend health
// check, and returns the service ready for worker registration.
func NewService(ctx context.Context, app *runtime.AppContext) (*Service, error) {
	backend, err := DefaultBackendRegistry.Build(ctx, BackendResources{
		Config: app.Config.Service.Worker,
		Redis:  app.Redis,
		DB:     app.DB,
		Logger: app.Logger,
	})
	if err != nil {
		return nil, err
	}

	enqueuer, err := NewEnqueuer(backend, app.Config.Service.Worker, app.Config.App.Name)
	if err != nil {
		return nil, err
	}

	check := &runtime.PingHealthCheck{CheckName: "worker-backend", Target: backend}
	if err := app.RegisterHealthCheck(check); err != nil {
		return nil, err
	}

	return &Service{
		registry:  NewRegistry(),
		backend:   backend,
		enqueuer:  enqueuer,
		appLogger: app.Logger,
		appCtx:    app,
	}, nil
}

// Registry exposes the worker registry for Register calls.
func (s *Service) Registry() *Registry { return s.registry }

// Enqueuer exposes the enqueuer for producing jobs anywhere in the app.
func (s *Service) Enqueuer() *Enqueuer { return s.enqueuer }

// Backend exposes the built backend, mainly for CLI inspection commands.
func (s *Service) Backend() Backend { return s.backend }

// SetHooks installs job hooks. Call before the app starts.
func (s *Service) SetHooks(hooks JobHooks) { s.hooks = hooks }

// RegisterPeriodicJob schedules w with args on the cron expression. The
// first periodic registration fails when the backend cannot store
// periodic entries.
func RegisterPeriodicJob[T any](s *Service, w Worker[T], schedule string, args T, queue string) error {
	s.schedulerMu.Lock()
	defer s.schedulerMu.Unlock()
	if s.scheduler == nil {
		scheduler, err := NewScheduler(s.backend, s.appCtx.Config.Service.Worker.Periodic, s.appLogger)
		if err != nil {
			return err
		}
		s.scheduler = scheduler
	}
	return RegisterPeriodic(s.scheduler, w, schedule, args, queue)
}

func (s *Service) Name() string { return "worker" }

// Enabled reports whether the worker service should run: it follows the
// enable flag and requires at least one registered worker.
func (s *Service) Enabled(app *runtime.AppContext) bool {
	if enable := app.Config.Service.Worker.Enable; enable != nil && !*enable {
		return false
	}
	return len(s.registry.Names()) > 0 || s.scheduler != nil
}

// Run starts the processor and, when periodic jobs are registered, the
// scheduler, and blocks until ctx is canceled.
func (s *Service) Run(ctx context.Context, app *runtime.AppContext) error {
	defer func() {
		if err := s.backend.Close(); err != nil {
			app.Logger.Warn("closing worker backend", loggingpkg.LogFields{"error": err.Error()})
		}
	}()

	processor, err := NewProcessor(s.backend, s.registry, app.Config.Service.Worker, ProcessorOptions{
		Logger:  app.Logger,
		Hooks:   s.hooks,
		Metrics: app.Metrics,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := processor.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
			cancel()
		}
	}()

	if s.scheduler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.scheduler.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
				cancel()
			}
		}()
	}

	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return ctx.Err()
}
