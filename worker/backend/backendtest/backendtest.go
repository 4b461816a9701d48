// Package backendtest holds the behavioral contract every queue backend
// must satisfy, expressed as a reusable test suite. Backend packages run
// it from their own tests with a factory producing a fresh backend per
// subtest.
package backendtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strutframework/strut/internal/runtime/ids"
	"github.com/strutframework/strut/worker"
)

const queue = "default"

func newJob(id string) *worker.Job {
	now := time.Now().UTC()
	return &worker.Job{
		ID:         id,
		Queue:      queue,
		Worker:     "contract",
		Payload:    []byte(`{"n":1}`),
		EnqueuedAt: now,
		RunAt:      now,
	}
}

// fetchOne polls until the backend yields a job or the deadline hits.
// Backends may deliver asynchronously, so an immediate fetch can miss.
func fetchOne(t *testing.T, b worker.Backend) *worker.Job {
	t.Helper()
	var job *worker.Job
	require.Eventually(t, func() bool {
		fetched, err := b.Fetch(context.Background(), queue, time.Minute)
		require.NoError(t, err)
		job = fetched
		return job != nil
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

// Suite exercises the worker.Backend contract. The factory must return a
// fresh, empty backend; cleanup belongs in the factory via t.Cleanup.
func Suite(t *testing.T, factory func(t *testing.T) worker.Backend) {
	t.Run("empty fetch yields nothing", func(t *testing.T) {
		b := factory(t)
		require.NoError(t, b.CreateQueue(context.Background(), queue))

		job, err := b.Fetch(context.Background(), queue, time.Minute)
		require.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("enqueue fetch round trip", func(t *testing.T) {
		b := factory(t)
		ctx := context.Background()
		require.NoError(t, b.CreateQueue(ctx, queue))

		id := ids.CreateULID()
		require.NoError(t, b.Enqueue(ctx, newJob(id)))

		job := fetchOne(t, b)
		assert.Equal(t, id, job.ID)
		assert.Equal(t, "contract", job.Worker)
		assert.JSONEq(t, `{"n":1}`, string(job.Payload))
	})

	t.Run("claimed job is invisible", func(t *testing.T) {
		b := factory(t)
		ctx := context.Background()
		require.NoError(t, b.CreateQueue(ctx, queue))
		require.NoError(t, b.Enqueue(ctx, newJob(ids.CreateULID())))

		fetchOne(t, b)
		again, err := b.Fetch(ctx, queue, time.Minute)
		require.NoError(t, err)
		assert.Nil(t, again, "a claimed job must not be fetched twice within its visibility window")
	})

	t.Run("delayed job becomes visible at run_at", func(t *testing.T) {
		b := factory(t)
		ctx := context.Background()
		require.NoError(t, b.CreateQueue(ctx, queue))

		job := newJob(ids.CreateULID())
		job.RunAt = time.Now().UTC().Add(75 * time.Millisecond)
		require.NoError(t, b.Enqueue(ctx, job))

		early, err := b.Fetch(ctx, queue, time.Minute)
		require.NoError(t, err)
		assert.Nil(t, early, "job must stay invisible before run_at")

		fetched := fetchOne(t, b)
		assert.Equal(t, job.ID, fetched.ID)
	})

	t.Run("complete removes the job and is idempotent", func(t *testing.T) {
		b := factory(t)
		ctx := context.Background()
		require.NoError(t, b.CreateQueue(ctx, queue))
		require.NoError(t, b.Enqueue(ctx, newJob(ids.CreateULID())))

		job := fetchOne(t, b)
		require.NoError(t, b.Complete(ctx, job, "delete"))
		require.NoError(t, b.Complete(ctx, job, "delete"), "re-applying a terminal action is a no-op")

		again, err := b.Fetch(ctx, queue, time.Minute)
		require.NoError(t, err)
		assert.Nil(t, again)
	})

	t.Run("kill with archive is idempotent", func(t *testing.T) {
		b := factory(t)
		ctx := context.Background()
		require.NoError(t, b.CreateQueue(ctx, queue))
		require.NoError(t, b.Enqueue(ctx, newJob(ids.CreateULID())))

		job := fetchOne(t, b)
		job.Attempt = 3
		job.LastError = "boom"
		require.NoError(t, b.Kill(ctx, job, "archive"))
		require.NoError(t, b.Kill(ctx, job, "archive"))

		again, err := b.Fetch(ctx, queue, time.Minute)
		require.NoError(t, err)
		assert.Nil(t, again, "a killed job is off the queue")
	})

	t.Run("retry makes the job fetchable again with its state", func(t *testing.T) {
		b := factory(t)
		ctx := context.Background()
		require.NoError(t, b.CreateQueue(ctx, queue))
		require.NoError(t, b.Enqueue(ctx, newJob(ids.CreateULID())))

		job := fetchOne(t, b)
		job.Attempt = 1
		job.LastError = "transient"
		job.RunAt = time.Now().UTC()
		require.NoError(t, b.Retry(ctx, job))

		retried := fetchOne(t, b)
		assert.Equal(t, job.ID, retried.ID)
		assert.Equal(t, 1, retried.Attempt)
		assert.Equal(t, "transient", retried.LastError)
	})
}

// PeriodicSuite exercises the worker.PeriodicStore contract.
func PeriodicSuite(t *testing.T, factory func(t *testing.T) worker.PeriodicStore) {
	entry := func(name, schedule string, next time.Time) *worker.PeriodicEntry {
		return &worker.PeriodicEntry{
			Name:     name,
			Worker:   "contract",
			Queue:    queue,
			Schedule: schedule,
			Payload:  []byte(`{}`),
			NextRun:  next,
		}
	}

	t.Run("upsert and list", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		next := time.Now().UTC().Add(time.Hour).Truncate(time.Second)

		require.NoError(t, s.UpsertPeriodic(ctx, entry("e1", "@hourly", next)))
		entries, err := s.ListPeriodic(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "e1", entries[0].Name)
		assert.Equal(t, "@hourly", entries[0].Schedule)
	})

	t.Run("unchanged schedule keeps next run", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		first := time.Now().UTC().Add(time.Hour).Truncate(time.Second)

		require.NoError(t, s.UpsertPeriodic(ctx, entry("e1", "@hourly", first)))
		require.NoError(t, s.UpsertPeriodic(ctx, entry("e1", "@hourly", first.Add(time.Hour))))

		entries, err := s.ListPeriodic(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.True(t, entries[0].NextRun.Equal(first), "re-registering the same schedule must not move next_run")
	})

	t.Run("claim advances a due entry exactly once", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		due := time.Now().UTC().Add(-time.Second)
		next := time.Now().UTC().Add(time.Hour)

		require.NoError(t, s.UpsertPeriodic(ctx, entry("e1", "@hourly", due)))

		claimed, err := s.ClaimPeriodic(ctx, "e1", next, 30*time.Second)
		require.NoError(t, err)
		assert.True(t, claimed)

		again, err := s.ClaimPeriodic(ctx, "e1", next.Add(time.Hour), 30*time.Second)
		require.NoError(t, err)
		assert.False(t, again, "an advanced entry is no longer due")
	})

	t.Run("claim of unknown entry fails", func(t *testing.T) {
		s := factory(t)
		claimed, err := s.ClaimPeriodic(context.Background(), "ghost", time.Now().UTC(), time.Second)
		require.NoError(t, err)
		assert.False(t, claimed)
	})

	t.Run("prune stale keeps the registered set", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		next := time.Now().UTC().Add(time.Hour)

		require.NoError(t, s.UpsertPeriodic(ctx, entry("keep", "@hourly", next)))
		require.NoError(t, s.UpsertPeriodic(ctx, entry("stale", "@daily", next)))

		require.NoError(t, s.PrunePeriodic(ctx, []string{"keep"}, true))
		entries, err := s.ListPeriodic(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "keep", entries[0].Name)
	})

	t.Run("prune all clears the store", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertPeriodic(ctx, entry("e1", "@hourly", time.Now().UTC())))
		require.NoError(t, s.PrunePeriodic(ctx, nil, false))

		entries, err := s.ListPeriodic(ctx)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}
