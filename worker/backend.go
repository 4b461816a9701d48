package worker

import (
	"context"
	"time"
)

// Backend is the queue storage contract. Implementations live under
// worker/backend and register themselves with the backend registry.
//
// Fetch returns (nil, nil) when the queue is empty. A fetched job is
// invisible to other consumers for the visibility window; a consumer that
// neither completes nor fails it within the window lets the job reappear.
type Backend interface {
	Name() string
	Ping(ctx context.Context) error
	// CreateQueue provisions storage for a queue. Idempotent.
	CreateQueue(ctx context.Context, queue string) error
	Enqueue(ctx context.Context, job *Job) error
	Fetch(ctx context.Context, queue string, visibility time.Duration) (*Job, error)
	// Complete applies the success action: "delete" drops the job,
	// "archive" moves it to the archive.
	Complete(ctx context.Context, job *Job, action string) error
	// Retry re-enqueues the job with its updated attempt count to run
	// again at job.RunAt.
	Retry(ctx context.Context, job *Job) error
	// Kill applies the failure action to a job that exhausted its
	// retries.
	Kill(ctx context.Context, job *Job, action string) error
	Close() error
}

// PeriodicEntry is one registered periodic job: a cron schedule plus the
// enqueue template.
type PeriodicEntry struct {
	// Name identifies the entry, derived from worker name and schedule.
	Name     string            `json:"name"`
	Worker   string            `json:"worker"`
	Queue    string            `json:"queue"`
	Schedule string            `json:"schedule"`
	Payload  []byte            `json:"payload,omitempty"`
	NextRun  time.Time         `json:"next_run"`
}

// PeriodicStore persists periodic entries and arbitrates which scheduler
// instance enqueues a due entry. Backends that support periodic jobs
// implement it alongside Backend.
type PeriodicStore interface {
	// UpsertPeriodic registers or refreshes an entry, keeping an
	// existing NextRun when the schedule is unchanged.
	UpsertPeriodic(ctx context.Context, entry *PeriodicEntry) error
	ListPeriodic(ctx context.Context) ([]*PeriodicEntry, error)
	// ClaimPeriodic atomically claims a due entry and advances its
	// NextRun. It returns false when another instance holds the claim
	// or the entry is no longer due.
	ClaimPeriodic(ctx context.Context, name string, next time.Time, lockTTL time.Duration) (bool, error)
	// PrunePeriodic removes entries not in keep. With staleOnly it
	// keeps entries whose names are current and removes the rest;
	// without it everything is removed.
	PrunePeriodic(ctx context.Context, keep []string, staleOnly bool) error
}
