package worker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	runtimepkg "github.com/strutframework/strut/internal/runtime"
	configpkg "github.com/strutframework/strut/internal/runtime/config"
	strerr "github.com/strutframework/strut/internal/runtime/errors"
	"github.com/strutframework/strut/internal/runtime/ids"
	"github.com/strutframework/strut/internal/runtime/jsoncodec"
	"github.com/strutframework/strut/internal/runtime/metadata"
)

// Enqueuer serializes worker arguments onto a backend queue.
type Enqueuer struct {
	backend  Backend
	defaults configpkg.WorkerService
	// enqueuedBy tags job metadata, usually the app name.
	enqueuedBy string
}

// NewEnqueuer creates an enqueuer over the backend with the app-level
// worker defaults.
func NewEnqueuer(backend Backend, defaults configpkg.WorkerService, enqueuedBy string) (*Enqueuer, error) {
	if backend == nil {
		return nil, strerr.ErrBackendRequired
	}
	return &Enqueuer{backend: backend, defaults: defaults, enqueuedBy: enqueuedBy}, nil
}

// EnqueueOption adjusts a single enqueue call.
type EnqueueOption func(*enqueueSettings)

type enqueueSettings struct {
	queue    string
	delay    time.Duration
	runAt    time.Time
	metadata metadata.Metadata
}

// ToQueue overrides the target queue for this call.
func ToQueue(queue string) EnqueueOption {
	return func(s *enqueueSettings) { s.queue = queue }
}

// WithDelay makes the job fetchable only after d has passed.
func WithDelay(d time.Duration) EnqueueOption {
	return func(s *enqueueSettings) { s.delay = d }
}

// At makes the job fetchable at the given time. Takes precedence over
// WithDelay.
func At(t time.Time) EnqueueOption {
	return func(s *enqueueSettings) { s.runAt = t }
}

// WithMetadata merges extra metadata onto the job.
func WithMetadata(md metadata.Metadata) EnqueueOption {
	return func(s *enqueueSettings) { s.metadata = s.metadata.WithAll(md) }
}

// Enqueue serializes args and stores a job for w. The queue resolves from
// call options, then the worker's config, then the app default.
func Enqueue[T any](ctx context.Context, e *Enqueuer, w Worker[T], args T, opts ...EnqueueOption) (*Job, error) {
	if w == nil {
		return nil, strerr.ErrWorkerRequired
	}
	if w.Name() == "" {
		return nil, strerr.ErrWorkerNameRequired
	}

	var workerCfg Config
	if provider, ok := any(w).(ConfigProvider); ok {
		workerCfg = provider.WorkerConfig()
	}
	resolved := workerCfg.resolve(e.defaults.WorkerConfig, e.defaultQueue())

	settings := enqueueSettings{metadata: metadata.New()}
	for _, opt := range opts {
		opt(&settings)
	}
	queue := settings.queue
	if queue == "" {
		queue = resolved.queue
	}
	if queue == "" {
		return nil, strerr.ErrQueueRequired
	}

	payload, err := jsoncodec.Marshal(args)
	if err != nil {
		return nil, &strerr.SerializationError{Subject: w.Name(), Err: err}
	}

	now := time.Now().UTC()
	runAt := now
	if settings.delay > 0 {
		runAt = now.Add(settings.delay)
	}
	if !settings.runAt.IsZero() {
		runAt = settings.runAt.UTC()
	}

	md := settings.metadata.With(metadata.KeyEnqueuedBy, e.enqueuedBy)
	if id := runtimepkg.RequestID(ctx); id != "" {
		if _, ok := md[metadata.KeyRequestID]; !ok {
			md = md.With(metadata.KeyRequestID, id)
		}
	}
	if span := trace.SpanContextFromContext(ctx); span.HasTraceID() {
		if _, ok := md[metadata.KeyTraceID]; !ok {
			md = md.With(metadata.KeyTraceID, span.TraceID().String())
		}
	}

	job := &Job{
		ID:         ids.CreateULID(),
		Queue:      queue,
		Worker:     w.Name(),
		Payload:    payload,
		Metadata:   md,
		MaxRetries: resolved.maxRetries,
		EnqueuedAt: now,
		RunAt:      runAt,
	}

	if err := e.backend.Enqueue(ctx, job); err != nil {
		return nil, &strerr.BackendError{Backend: e.backend.Name(), Op: "enqueue", Err: err}
	}
	return job, nil
}

func (e *Enqueuer) defaultQueue() string {
	if e.defaults.Enqueue.Queue != "" {
		return e.defaults.Enqueue.Queue
	}
	return "default"
}
