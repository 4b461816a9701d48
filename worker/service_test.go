package worker_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	runtimepkg "github.com/strutframework/strut/internal/runtime"
	configpkg "github.com/strutframework/strut/internal/runtime/config"
	"github.com/strutframework/strut/worker"
	_ "github.com/strutframework/strut/worker/backend/channel"
)

type greetArgs struct {
	Name string `json:"name"`
}

type greetWorker struct {
	handled atomic.Int64
}

func (w *greetWorker) Name() string { return "greet" }

func (w *greetWorker) Handle(ctx context.Context, args greetArgs) error {
	w.handled.Add(1)
	return nil
}

func newTestAppContext(t *testing.T, mutate func(cfg *configpkg.AppConfig)) *runtimepkg.AppContext {
	t.Helper()
	cfg := configpkg.Default()
	cfg.Service.Worker.QueueFetch.EmptyDelay = configpkg.Duration(5 * time.Millisecond)
	cfg.Service.Worker.QueueFetch.ErrorDelay = configpkg.Duration(5 * time.Millisecond)
	if mutate != nil {
		mutate(cfg)
	}
	app, err := runtimepkg.NewApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	return app.Context()
}

func TestNewServiceBuildsConfiguredBackend(t *testing.T) {
	appCtx := newTestAppContext(t, nil)

	svc, err := worker.NewService(context.Background(), appCtx)
	require.NoError(t, err)
	defer svc.Backend().Close()

	assert.Equal(t, "channel", svc.Backend().Name())
	assert.NotNil(t, svc.Enqueuer())

	report := runtimepkg.RunHealthChecks(context.Background(), appCtx)
	names := make([]string, 0, len(report.Results))
	for _, result := range report.Results {
		names = append(names, result.Name)
	}
	assert.Contains(t, names, "worker-backend")
}

func TestNewServiceRejectsUnknownBackend(t *testing.T) {
	appCtx := newTestAppContext(t, func(cfg *configpkg.AppConfig) {
		cfg.Service.Worker.Backend = "bogus"
	})

	_, err := worker.NewService(context.Background(), appCtx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown worker backend")
}

func TestServiceEnabled(t *testing.T) {
	appCtx := newTestAppContext(t, nil)

	svc, err := worker.NewService(context.Background(), appCtx)
	require.NoError(t, err)
	defer svc.Backend().Close()

	assert.False(t, svc.Enabled(appCtx), "no workers registered yet")

	require.NoError(t, worker.Register(svc.Registry(), &greetWorker{}))
	assert.True(t, svc.Enabled(appCtx))

	disabled := newTestAppContext(t, func(cfg *configpkg.AppConfig) {
		off := false
		cfg.Service.Worker.Enable = &off
	})
	assert.False(t, svc.Enabled(disabled))
}

func TestServiceRunProcessesEnqueuedJob(t *testing.T) {
	appCtx := newTestAppContext(t, nil)

	svc, err := worker.NewService(context.Background(), appCtx)
	require.NoError(t, err)

	w := &greetWorker{}
	require.NoError(t, worker.Register(svc.Registry(), w))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx, appCtx) }()

	_, err = worker.Enqueue(context.Background(), svc.Enqueuer(), w, greetArgs{Name: "strut"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return w.handled.Load() == 1
	}, 5*time.Second, 10*time.Millisecond, "job should be handled")

	cancel()
	select {
	case err := <-done:
		assert.True(t, err == nil || errors.Is(err, context.Canceled), "unexpected run error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop after cancel")
	}
}

func TestRegisterPeriodicJobEnablesService(t *testing.T) {
	appCtx := newTestAppContext(t, nil)

	svc, err := worker.NewService(context.Background(), appCtx)
	require.NoError(t, err)
	defer svc.Backend().Close()

	w := &greetWorker{}
	require.NoError(t, worker.RegisterPeriodicJob(svc, w, "@every 1h", greetArgs{Name: "tick"}, ""))
	assert.True(t, svc.Enabled(appCtx), "periodic registration should enable the service")
}
