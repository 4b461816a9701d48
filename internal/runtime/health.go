package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	configpkg "github.com/strutframework/strut/internal/runtime/config"
	strerr "github.com/strutframework/strut/internal/runtime/errors"
	"github.com/strutframework/strut/internal/runtime/jsoncodec"
	registrypkg "github.com/strutframework/strut/internal/runtime/registry"
)

// HealthStatus classifies a single check outcome.
type HealthStatus string

const (
	// HealthOk means the check completed and the resource is usable.
	HealthOk HealthStatus = "ok"
	// HealthUnhealthy means the check completed and reported the
	// resource as not usable.
	HealthUnhealthy HealthStatus = "unhealthy"
	// HealthTimeout means the check did not complete within its
	// max-duration.
	HealthTimeout HealthStatus = "timeout"
	// HealthError means the check itself failed to run.
	HealthError HealthStatus = "error"
)

// HealthCheck probes one dependency. Checks receive a weak app-context
// handle at registration time rather than owning the context, since the
// context owns the check registry.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthResult is the outcome of one check run.
type HealthResult struct {
	Name    string        `json:"name"`
	Status  HealthStatus  `json:"status"`
	Latency time.Duration `json:"latency_ns"`
	Message string        `json:"message,omitempty"`
}

// HealthReport aggregates one run of all enabled checks.
type HealthReport struct {
	Healthy bool           `json:"healthy"`
	Results []HealthResult `json:"results"`
}

// AppContextWeak is a non-owning handle to the AppContext. The context
// owns the health check registry, and checks reach back through this
// handle, which stays nil-safe until the app is assembled.
type AppContextWeak struct {
	ptr atomic.Pointer[AppContext]
}

// Get returns the app context once the app is assembled.
func (w *AppContextWeak) Get() (*AppContext, bool) {
	app := w.ptr.Load()
	return app, app != nil
}

func (w *AppContextWeak) set(app *AppContext) { w.ptr.Store(app) }

// unhealthy marks an error as a definitive unhealthy verdict rather than
// a check failure.
type unhealthyError struct{ err error }

func (e *unhealthyError) Error() string { return e.err.Error() }

func (e *unhealthyError) Unwrap() error { return e.err }

// Unhealthy wraps err so the runner reports HealthUnhealthy instead of
// HealthError. Use it when the check ran fine and the verdict is the
// resource being down.
func Unhealthy(err error) error {
	if err == nil {
		return nil
	}
	return &unhealthyError{err: err}
}

// RunHealthChecks executes every enabled check concurrently, applying the
// per-check max-duration (falling back to the group max-duration) as a
// timeout. Results come back in registry order.
func RunHealthChecks(ctx context.Context, app *AppContext) HealthReport {
	entries := app.healthChecks.Build()
	group := app.Config.HealthCheck

	results := make([]HealthResult, len(entries))
	var wg sync.WaitGroup
	for i, entry := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = runOneHealthCheck(ctx, entry.Component, checkMaxDuration(group, entry.Name))
		}()
	}
	wg.Wait()

	report := HealthReport{Healthy: true, Results: results}
	for _, result := range results {
		if result.Status != HealthOk {
			report.Healthy = false
		}
	}
	return report
}

// checkMaxDuration resolves the per-check timeout, falling back from the
// entry override to the group max-duration.
func checkMaxDuration(group configpkg.HealthGroup, name string) time.Duration {
	if entry, ok := group.Entries[name]; ok && entry.MaxDuration.Std() > 0 {
		return entry.MaxDuration.Std()
	}
	return group.MaxDuration.Std()
}

func runOneHealthCheck(ctx context.Context, check HealthCheck, maxDuration time.Duration) HealthResult {
	if maxDuration <= 0 {
		maxDuration = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, maxDuration)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- &strerr.HealthCheckError{Check: check.Name(), Err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		done <- check.Check(ctx)
	}()

	result := HealthResult{Name: check.Name()}
	select {
	case err := <-done:
		result.Latency = time.Since(start)
		switch {
		case err == nil:
			result.Status = HealthOk
		case errors.Is(err, context.DeadlineExceeded):
			result.Status = HealthTimeout
			result.Message = err.Error()
		case isUnhealthy(err):
			result.Status = HealthUnhealthy
			result.Message = err.Error()
		default:
			result.Status = HealthError
			result.Message = err.Error()
		}
	case <-ctx.Done():
		result.Latency = time.Since(start)
		result.Status = HealthTimeout
		result.Message = ctx.Err().Error()
	}
	return result
}

func isUnhealthy(err error) bool {
	var u *unhealthyError
	return errors.As(err, &u)
}

// HealthHandler serves the aggregated report as JSON, 200 when healthy and
// 503 otherwise.
func HealthHandler(app *AppContext) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := RunHealthChecks(r.Context(), app)
		w.Header().Set("Content-Type", "application/json")
		if !report.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := jsoncodec.Encode(w, report); err != nil {
			app.Logger.Error("failed to write health report", err, nil)
		}
	})
}

// Pinger is anything with a context-aware ping, which covers pgxpool.Pool,
// the go-redis client, and the worker queue backends.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingHealthCheck adapts a Pinger into a HealthCheck. A failed ping is an
// unhealthy verdict, not a check error.
type PingHealthCheck struct {
	CheckName string
	Target    Pinger
}

func (c *PingHealthCheck) Name() string { return c.CheckName }

func (c *PingHealthCheck) Check(ctx context.Context) error {
	if err := c.Target.Ping(ctx); err != nil {
		return Unhealthy(&strerr.HealthCheckError{Check: c.CheckName, Err: err})
	}
	return nil
}

// NewHealthCheckRegistry creates the health check registry with config
// overrides applied. Built-in checks are registered by the app once the
// shared clients exist.
func NewHealthCheckRegistry(app *AppContext) *registrypkg.Registry[HealthCheck] {
	reg := registrypkg.New[HealthCheck]("health-check")
	group := app.Config.HealthCheck
	if group.DefaultEnable != nil {
		reg.SetGroupDefaultEnable(*group.DefaultEnable)
	}
	for name, entry := range group.Entries {
		if entry.Enable != nil {
			reg.SetEnabled(name, *entry.Enable)
		}
	}
	return reg
}
