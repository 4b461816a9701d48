// Package worker provides typed background workers over interchangeable
// queue backends. Workers declare how their jobs are handled, the
// Enqueuer serializes arguments onto a queue, and the Processor fetches
// and dispatches jobs with retry, timeout, and completion policies.
package worker

import (
	"context"
	"time"

	configpkg "github.com/strutframework/strut/internal/runtime/config"
)

// Worker handles jobs carrying arguments of type T. Name must be unique
// within a registry and stable across deploys, since it is stored on
// enqueued jobs.
type Worker[T any] interface {
	Name() string
	Handle(ctx context.Context, args T) error
}

// ConfigProvider is implemented by workers that override the app-level
// worker policy. Zero fields fall back to the configured defaults.
type ConfigProvider interface {
	WorkerConfig() Config
}

// Config is the per-worker policy. Pointer fields distinguish "unset,
// inherit the default" from an explicit zero.
type Config struct {
	// Queue overrides the enqueue target for this worker.
	Queue string
	// MaxRetries bounds retry attempts after the first failure.
	MaxRetries *int
	// Timeout toggles the per-job deadline.
	Timeout *bool
	// MaxDuration is the per-job deadline when Timeout is on.
	MaxDuration time.Duration
	// Retry backoff overrides. RetryDelayOffset bounds the random
	// jitter added on top of the computed delay.
	RetryDelay       time.Duration
	RetryDelayOffset time.Duration
	RetryMaxDelay    time.Duration
	BackoffStrategy  string
	// SuccessAction and FailureAction pick what happens to the job row
	// after a terminal outcome: "delete" or "archive".
	SuccessAction string
	FailureAction string
}

// resolve layers the worker's overrides on top of the app defaults.
func (c Config) resolve(defaults configpkg.WorkerPolicy, defaultQueue string) resolvedConfig {
	out := resolvedConfig{
		queue:            defaultQueue,
		maxRetries:       5,
		timeout:          true,
		maxDuration:      defaults.MaxDuration.Std(),
		retryDelay:       defaults.Retry.Delay.Std(),
		retryDelayOffset: defaults.Retry.DelayOffset.Std(),
		retryMaxDelay:    defaults.Retry.MaxDelay.Std(),
		backoffStrategy:  defaults.Retry.BackoffStrategy,
		successAction:    defaults.SuccessAction,
		failureAction:    defaults.FailureAction,
	}
	if defaults.Retry.MaxRetries != nil {
		out.maxRetries = *defaults.Retry.MaxRetries
	}
	if defaults.Timeout != nil {
		out.timeout = *defaults.Timeout
	}
	if out.successAction == "" {
		out.successAction = configpkg.ActionDelete
	}
	if out.failureAction == "" {
		out.failureAction = configpkg.ActionArchive
	}

	if c.Queue != "" {
		out.queue = c.Queue
	}
	if c.MaxRetries != nil {
		out.maxRetries = *c.MaxRetries
	}
	if c.Timeout != nil {
		out.timeout = *c.Timeout
	}
	if c.MaxDuration > 0 {
		out.maxDuration = c.MaxDuration
	}
	if c.RetryDelay > 0 {
		out.retryDelay = c.RetryDelay
	}
	if c.RetryDelayOffset > 0 {
		out.retryDelayOffset = c.RetryDelayOffset
	}
	if c.RetryMaxDelay > 0 {
		out.retryMaxDelay = c.RetryMaxDelay
	}
	if c.BackoffStrategy != "" {
		out.backoffStrategy = c.BackoffStrategy
	}
	if c.SuccessAction != "" {
		out.successAction = c.SuccessAction
	}
	if c.FailureAction != "" {
		out.failureAction = c.FailureAction
	}
	return out
}

// resolvedConfig is the fully-defaulted policy the processor runs with.
type resolvedConfig struct {
	queue            string
	maxRetries       int
	timeout          bool
	maxDuration      time.Duration
	retryDelay       time.Duration
	retryDelayOffset time.Duration
	retryMaxDelay    time.Duration
	backoffStrategy  string
	successAction    string
	failureAction    string
}
