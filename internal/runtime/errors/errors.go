// Package errors defines the error taxonomy shared by all strut components.
//
// Startup-phase errors (ConfigError, BuildError) are fatal and abort the
// process. Steady-state errors (BackendError, HandlerError, TimeoutError)
// are contained per worker task and reported through the logger.
package errors

import (
	sterrors "errors"
	"fmt"
	"time"
)

var (
	ErrAppContextRequired = sterrors.New("strut: app context is required")
	ErrLoggerRequired     = sterrors.New("strut: logger is required")
	ErrConfigRequired     = sterrors.New("strut: config is required")
	ErrWorkerRequired     = sterrors.New("strut: worker is required")
	ErrWorkerNameRequired = sterrors.New("strut: worker name is required")
	ErrBackendRequired    = sterrors.New("strut: worker backend is required")
	ErrQueueRequired      = sterrors.New("strut: queue name is required")
	ErrHandlerRequired    = sterrors.New("strut: handler function is required")
)

// ConfigError indicates malformed or missing configuration. Fatal at startup.
type ConfigError struct {
	Source string // file path, env var, or provider name
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("strut: config error: %v", e.Err)
	}
	return fmt.Sprintf("strut: config error in %s: %v", e.Source, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// BuildError indicates an invalid registration detected while assembling the
// app, for example registering two components under the same name. Fatal at
// startup.
type BuildError struct {
	Registry string
	Name     string
	Err      error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("strut: build error in %s registry for %q: %v", e.Registry, e.Name, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// ErrDuplicateName is wrapped by BuildError when a name is registered twice
// within one registry.
var ErrDuplicateName = sterrors.New("duplicate name")

// DuplicateName constructs the BuildError returned for a repeated
// registration.
func DuplicateName(registry, name string) *BuildError {
	return &BuildError{Registry: registry, Name: name, Err: ErrDuplicateName}
}

// BackendError indicates a transient failure talking to a queue backend or
// other external resource. Retryable by the caller or poll loop with backoff.
type BackendError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("strut: backend %s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// SerializationError indicates a payload that could not be encoded or
// decoded. Fatal for the affected job, never retried.
type SerializationError struct {
	Subject string
	Err     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("strut: serialization error for %s: %v", e.Subject, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// HandlerError indicates a job handler failure. Retried per the worker
// config up to max-retries, then the terminal failure action applies.
type HandlerError struct {
	Worker string
	Err    error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("strut: worker %q failed: %v", e.Worker, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// TimeoutError indicates a handler exceeded its max-duration. It counts as
// a HandlerError for retry accounting. The handler goroutine is abandoned,
// not force-killed; side effects it completes afterwards must be tolerated.
type TimeoutError struct {
	Worker      string
	MaxDuration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("strut: worker %q exceeded max duration %s", e.Worker, e.MaxDuration)
}

// HealthCheckError indicates a probe that could not run at all, as opposed
// to one that ran and reported an unhealthy resource.
type HealthCheckError struct {
	Check string
	Err   error
}

func (e *HealthCheckError) Error() string {
	return fmt.Sprintf("strut: health check %q: %v", e.Check, e.Err)
}

func (e *HealthCheckError) Unwrap() error { return e.Err }
