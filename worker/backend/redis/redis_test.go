package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strutframework/strut/worker"
	"github.com/strutframework/strut/worker/backend/backendtest"
)

func newTestBackend(t *testing.T) (*Backend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client), mr
}

func testJob(id, queue string) *worker.Job {
	now := time.Now().UTC()
	return &worker.Job{
		ID:         id,
		Queue:      queue,
		Worker:     "w",
		Payload:    []byte(`{"value":"x"}`),
		MaxRetries: 5,
		EnqueuedAt: now,
		RunAt:      now,
	}
}

func TestRegisteredOnDefaultRegistry(t *testing.T) {
	assert.Contains(t, worker.DefaultBackendRegistry.Names(), BackendName)
}

func TestBackendContract(t *testing.T) {
	backendtest.Suite(t, func(t *testing.T) worker.Backend {
		b, _ := newTestBackend(t)
		return b
	})
}

func TestPeriodicStoreContract(t *testing.T) {
	backendtest.PeriodicSuite(t, func(t *testing.T) worker.PeriodicStore {
		b, _ := newTestBackend(t)
		return b
	})
}

func TestBuildRequiresClient(t *testing.T) {
	_, err := Build(context.Background(), worker.BackendResources{})
	assert.Error(t, err)
}

func TestEnqueueFetchComplete(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, testJob("j1", "default")))

	job, err := b.Fetch(ctx, "default", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, "w", job.Worker)
	assert.JSONEq(t, `{"value":"x"}`, string(job.Payload))

	t.Run("claimed job is invisible", func(t *testing.T) {
		again, err := b.Fetch(ctx, "default", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, again)
	})

	t.Run("complete with delete removes everything", func(t *testing.T) {
		require.NoError(t, b.Complete(ctx, job, "delete"))
		again, err := b.Fetch(ctx, "default", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, again)
	})
}

func TestFetchEmptyQueue(t *testing.T) {
	b, _ := newTestBackend(t)
	job, err := b.Fetch(context.Background(), "default", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestFetchOrdersByDueTime(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	later := testJob("later", "default")
	later.RunAt = time.Now().UTC().Add(-time.Minute)
	earlier := testJob("earlier", "default")
	earlier.RunAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, b.Enqueue(ctx, later))
	require.NoError(t, b.Enqueue(ctx, earlier))

	job, err := b.Fetch(ctx, "default", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "earlier", job.ID, "most overdue job first")
}

func TestDelayedJobInvisibleUntilDue(t *testing.T) {
	b, mr := newTestBackend(t)
	ctx := context.Background()

	job := testJob("j1", "default")
	job.RunAt = time.Now().UTC().Add(time.Hour)
	require.NoError(t, b.Enqueue(ctx, job))

	fetched, err := b.Fetch(ctx, "default", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, fetched)

	// Rewind the schedule instead of waiting an hour.
	mr.ZAdd(queueKey("default"), scoreAt(time.Now().UTC().Add(-time.Second)), "j1")
	fetched, err = b.Fetch(ctx, "default", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, fetched)
}

func TestVisibilityExpiryReleasesJob(t *testing.T) {
	b, mr := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, testJob("j1", "default")))
	first, err := b.Fetch(ctx, "default", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Simulate the visibility window passing.
	mr.ZAdd(queueKey("default"), scoreAt(time.Now().UTC().Add(-time.Second)), "j1")
	second, err := b.Fetch(ctx, "default", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second, "unacked job reappears after visibility expires")
	assert.Equal(t, "j1", second.ID)
}

func TestKillArchive(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, testJob("j1", "default")))
	job, err := b.Fetch(ctx, "default", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	job.Attempt = 6
	job.LastError = "permanent"

	require.NoError(t, b.Kill(ctx, job, "archive"))

	archived, err := b.Archived(ctx, "default", 10)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "j1", archived[0].ID)
	assert.Equal(t, 6, archived[0].Attempt)
	assert.Equal(t, "permanent", archived[0].LastError)

	fetched, err := b.Fetch(ctx, "default", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, fetched, "killed job is off the queue")

	// Terminal actions are idempotent: a second kill must not duplicate
	// the archive entry.
	require.NoError(t, b.Kill(ctx, job, "archive"))
	archived, err = b.Archived(ctx, "default", 10)
	require.NoError(t, err)
	assert.Len(t, archived, 1)
}

func TestRetryReschedules(t *testing.T) {
	b, mr := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, testJob("j1", "default")))
	job, err := b.Fetch(ctx, "default", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)

	job.Attempt = 1
	job.LastError = "transient"
	job.RunAt = time.Now().UTC().Add(time.Hour)
	require.NoError(t, b.Retry(ctx, job))

	fetched, err := b.Fetch(ctx, "default", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, fetched, "retried job waits for its backoff")

	mr.ZAdd(queueKey("default"), scoreAt(time.Now().UTC().Add(-time.Second)), "j1")
	fetched, err = b.Fetch(ctx, "default", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, 1, fetched.Attempt)
	assert.Equal(t, "transient", fetched.LastError)
}

func TestPeriodicStore(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	entry := &worker.PeriodicEntry{
		Name:     "report@1",
		Worker:   "report",
		Queue:    "default",
		Schedule: "@hourly",
		NextRun:  time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, b.UpsertPeriodic(ctx, entry))

	entries, err := b.ListPeriodic(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	t.Run("claim", func(t *testing.T) {
		next := time.Now().UTC().Add(time.Hour)
		claimed, err := b.ClaimPeriodic(ctx, "report@1", next, time.Minute)
		require.NoError(t, err)
		assert.True(t, claimed)

		claimed, err = b.ClaimPeriodic(ctx, "report@1", next, time.Minute)
		require.NoError(t, err)
		assert.False(t, claimed)
	})

	t.Run("claim unknown entry", func(t *testing.T) {
		claimed, err := b.ClaimPeriodic(ctx, "missing", time.Now(), time.Minute)
		require.NoError(t, err)
		assert.False(t, claimed)
	})

	t.Run("prune stale", func(t *testing.T) {
		require.NoError(t, b.UpsertPeriodic(ctx, &worker.PeriodicEntry{Name: "old@2", Schedule: "@daily"}))
		require.NoError(t, b.PrunePeriodic(ctx, []string{"report@1"}, true))
		entries, err := b.ListPeriodic(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "report@1", entries[0].Name)
	})

	t.Run("prune all", func(t *testing.T) {
		require.NoError(t, b.PrunePeriodic(ctx, nil, false))
		entries, err := b.ListPeriodic(ctx)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}
