package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/strutframework/strut/internal/runtime/config"
	strerr "github.com/strutframework/strut/internal/runtime/errors"
)

// memBackend is an in-memory Backend for tests that records terminal
// outcomes.
type memBackend struct {
	mu       sync.Mutex
	ready    []*Job
	retried  []*Job
	done     []*Job
	killed   []*Job
	actions  map[string]string
	fetchErr error
}

func newMemBackend() *memBackend {
	return &memBackend{actions: map[string]string{}}
}

func (m *memBackend) Name() string { return "mem" }

func (m *memBackend) Ping(context.Context) error { return nil }

func (m *memBackend) CreateQueue(context.Context, string) error { return nil }

func (m *memBackend) Enqueue(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = append(m.ready, job)
	return nil
}

func (m *memBackend) Fetch(_ context.Context, queue string, _ time.Duration) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	for i, job := range m.ready {
		if job.Queue == queue && !job.RunAt.After(time.Now()) {
			m.ready = append(m.ready[:i], m.ready[i+1:]...)
			return job, nil
		}
	}
	return nil, nil
}

func (m *memBackend) Complete(_ context.Context, job *Job, action string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done = append(m.done, job)
	m.actions[job.ID] = action
	return nil
}

func (m *memBackend) Retry(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retried = append(m.retried, job)
	m.ready = append(m.ready, job)
	return nil
}

func (m *memBackend) Kill(_ context.Context, job *Job, action string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killed = append(m.killed, job)
	m.actions[job.ID] = action
	return nil
}

func (m *memBackend) Close() error { return nil }

func (m *memBackend) snapshot() (done, retried, killed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.done), len(m.retried), len(m.killed)
}

type argsPayload struct {
	Value string `json:"value"`
}

type funcWorker struct {
	name   string
	cfg    Config
	handle func(ctx context.Context, args argsPayload) error
}

func (w funcWorker) Name() string { return w.name }

func (w funcWorker) Handle(ctx context.Context, args argsPayload) error {
	return w.handle(ctx, args)
}

func (w funcWorker) WorkerConfig() Config { return w.cfg }

func workerServiceConfig() configpkg.WorkerService {
	cfg := configpkg.Default().Service.Worker
	cfg.NumWorkers = 1
	cfg.QueueFetch.EmptyDelay = configpkg.Duration(time.Millisecond)
	cfg.QueueFetch.ErrorDelay = configpkg.Duration(time.Millisecond)
	cfg.WorkerConfig.Retry.Delay = configpkg.Duration(time.Millisecond)
	cfg.WorkerConfig.Retry.MaxDelay = configpkg.Duration(2 * time.Millisecond)
	return cfg
}

func newTestProcessor(t *testing.T, backend Backend, reg *Registry, cfg configpkg.WorkerService, hooks JobHooks) *Processor {
	t.Helper()
	p, err := NewProcessor(backend, reg, cfg, ProcessorOptions{Hooks: hooks})
	require.NoError(t, err)
	return p
}

// runUntil runs the processor until check returns true or the deadline
// hits.
func runUntil(t *testing.T, p *Processor, check func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()

	deadline := time.After(5 * time.Second)
	for !check() {
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatal("condition not reached before deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestProcessorSuccess(t *testing.T) {
	backend := newMemBackend()
	reg := NewRegistry()
	var handled argsPayload
	var mu sync.Mutex
	require.NoError(t, Register(reg, funcWorker{
		name: "greeter",
		handle: func(_ context.Context, args argsPayload) error {
			mu.Lock()
			handled = args
			mu.Unlock()
			return nil
		},
	}))

	enq, err := NewEnqueuer(backend, workerServiceConfig(), "test-app")
	require.NoError(t, err)
	job, err := Enqueue(context.Background(), enq, funcWorker{name: "greeter"}, argsPayload{Value: "hi"})
	require.NoError(t, err)

	var completed bool
	hooks := JobHooks{OnSuccess: func(context.Context, *Job) { completed = true }}
	p := newTestProcessor(t, backend, reg, workerServiceConfig(), hooks)
	runUntil(t, p, func() bool { done, _, _ := backend.snapshot(); return done == 1 })

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "hi", handled.Value)
	assert.True(t, completed)
	assert.Equal(t, configpkg.ActionDelete, backend.actions[job.ID])
}

func TestProcessorRetriesThenSucceeds(t *testing.T) {
	backend := newMemBackend()
	reg := NewRegistry()
	var attempts int
	var mu sync.Mutex
	require.NoError(t, Register(reg, funcWorker{
		name: "flaky",
		handle: func(context.Context, argsPayload) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 3 {
				return errors.New("transient")
			}
			return nil
		},
	}))

	enq, err := NewEnqueuer(backend, workerServiceConfig(), "test-app")
	require.NoError(t, err)
	_, err = Enqueue(context.Background(), enq, funcWorker{name: "flaky"}, argsPayload{})
	require.NoError(t, err)

	p := newTestProcessor(t, backend, reg, workerServiceConfig(), JobHooks{})
	runUntil(t, p, func() bool { done, _, _ := backend.snapshot(); return done == 1 })

	_, retried, killed := backend.snapshot()
	assert.Equal(t, 2, retried)
	assert.Zero(t, killed)
}

func TestProcessorExhaustsRetries(t *testing.T) {
	backend := newMemBackend()
	reg := NewRegistry()
	retries := 1
	require.NoError(t, Register(reg, funcWorker{
		name: "doomed",
		cfg:  Config{MaxRetries: &retries},
		handle: func(context.Context, argsPayload) error {
			return errors.New("permanent")
		},
	}))

	enq, err := NewEnqueuer(backend, workerServiceConfig(), "test-app")
	require.NoError(t, err)
	job, err := Enqueue(context.Background(), enq, funcWorker{name: "doomed", cfg: Config{MaxRetries: &retries}}, argsPayload{})
	require.NoError(t, err)

	var deadErr error
	hooks := JobHooks{OnDead: func(_ context.Context, _ *Job, err error) { deadErr = err }}
	p := newTestProcessor(t, backend, reg, workerServiceConfig(), hooks)
	runUntil(t, p, func() bool { _, _, killed := backend.snapshot(); return killed == 1 })

	_, retried, _ := backend.snapshot()
	assert.Equal(t, 1, retried, "one retry before exhausting max_retries=1")
	assert.Equal(t, configpkg.ActionArchive, backend.actions[job.ID])
	var handlerErr *strerr.HandlerError
	assert.ErrorAs(t, deadErr, &handlerErr)

	killedJob := backend.killed[0]
	assert.Equal(t, 2, killedJob.Attempt)
	assert.Contains(t, killedJob.LastError, "permanent")
}

func TestProcessorUnknownWorker(t *testing.T) {
	backend := newMemBackend()
	require.NoError(t, backend.Enqueue(context.Background(), &Job{
		ID: "j1", Queue: "default", Worker: "nobody",
		EnqueuedAt: time.Now(), RunAt: time.Now(),
	}))

	p := newTestProcessor(t, backend, NewRegistry(), workerServiceConfig(), JobHooks{})
	runUntil(t, p, func() bool { _, _, killed := backend.snapshot(); return killed == 1 })

	assert.Equal(t, configpkg.ActionArchive, backend.actions["j1"])
}

func TestProcessorUndecodablePayloadNotRetried(t *testing.T) {
	backend := newMemBackend()
	reg := NewRegistry()
	retries := 3
	var handled int
	var mu sync.Mutex
	require.NoError(t, Register(reg, funcWorker{
		name: "strict",
		cfg:  Config{MaxRetries: &retries},
		handle: func(context.Context, argsPayload) error {
			mu.Lock()
			handled++
			mu.Unlock()
			return nil
		},
	}))

	// Value is an object where the worker expects a string.
	require.NoError(t, backend.Enqueue(context.Background(), &Job{
		ID: "j1", Queue: "default", Worker: "strict",
		Payload:    []byte(`{"value":{"nested":true}}`),
		MaxRetries: retries,
		EnqueuedAt: time.Now(), RunAt: time.Now(),
	}))

	var deadErr error
	hooks := JobHooks{OnDead: func(_ context.Context, _ *Job, err error) { deadErr = err }}
	p := newTestProcessor(t, backend, reg, workerServiceConfig(), hooks)
	runUntil(t, p, func() bool { _, _, killed := backend.snapshot(); return killed == 1 })

	_, retried, _ := backend.snapshot()
	assert.Zero(t, retried, "an undecodable payload must not be retried")
	mu.Lock()
	assert.Zero(t, handled, "handler must not run on an undecodable payload")
	mu.Unlock()
	assert.Equal(t, configpkg.ActionArchive, backend.actions["j1"])
	var serErr *strerr.SerializationError
	assert.ErrorAs(t, deadErr, &serErr)
}

func TestProcessorTimeout(t *testing.T) {
	backend := newMemBackend()
	reg := NewRegistry()
	retries := 0
	require.NoError(t, Register(reg, funcWorker{
		name: "sleepy",
		cfg:  Config{MaxRetries: &retries, MaxDuration: 10 * time.Millisecond},
		handle: func(ctx context.Context, _ argsPayload) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}))

	require.NoError(t, backend.Enqueue(context.Background(), &Job{
		ID: "j1", Queue: "default", Worker: "sleepy",
		EnqueuedAt: time.Now(), RunAt: time.Now(),
	}))

	var deadErr error
	hooks := JobHooks{OnDead: func(_ context.Context, _ *Job, err error) { deadErr = err }}
	p := newTestProcessor(t, backend, reg, workerServiceConfig(), hooks)
	runUntil(t, p, func() bool { _, _, killed := backend.snapshot(); return killed == 1 })

	var timeoutErr *strerr.TimeoutError
	assert.ErrorAs(t, deadErr, &timeoutErr)
}

func TestProcessorSurvivesFetchErrors(t *testing.T) {
	backend := newMemBackend()
	backend.fetchErr = errors.New("socket closed")
	p := newTestProcessor(t, backend, NewRegistry(), workerServiceConfig(), JobHooks{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNextQueueRoundRobin(t *testing.T) {
	cfg := workerServiceConfig()
	cfg.Queues = []string{"a", "b", "c"}
	p := newTestProcessor(t, newMemBackend(), NewRegistry(), cfg, JobHooks{})

	var picks []string
	for i := 0; i < 6; i++ {
		picks = append(picks, p.nextQueue(cfg.Queues, 0))
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, picks,
		"round-robin advances every cycle regardless of yield")
}

func TestNextQueueNone(t *testing.T) {
	cfg := workerServiceConfig()
	cfg.Queues = []string{"a", "b"}
	cfg.BalanceStrategy = configpkg.BalanceNone
	p := newTestProcessor(t, newMemBackend(), NewRegistry(), cfg, JobHooks{})

	assert.Equal(t, "a", p.nextQueue(cfg.Queues, 0), "scan restarts at the first queue")
	assert.Equal(t, "b", p.nextQueue(cfg.Queues, 1), "empty first queue moves the scan on")
}
