package worker

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/robfig/cron/v3"

	configpkg "github.com/strutframework/strut/internal/runtime/config"
	strerr "github.com/strutframework/strut/internal/runtime/errors"
	"github.com/strutframework/strut/internal/runtime/ids"
	"github.com/strutframework/strut/internal/runtime/jsoncodec"
	loggingpkg "github.com/strutframework/strut/internal/runtime/logging"
	"github.com/strutframework/strut/internal/runtime/metadata"
)

// Scheduler enqueues registered periodic jobs on their cron schedules.
// Multiple app instances can run the same scheduler; the backend claim
// arbitrates so each due entry is enqueued once.
type Scheduler struct {
	backend Backend
	store   PeriodicStore
	cfg     configpkg.PeriodicConfig
	logger  loggingpkg.ServiceLogger

	entries []*periodicRegistration
}

type periodicRegistration struct {
	entry    PeriodicEntry
	schedule cron.Schedule
}

// NewScheduler builds a scheduler over a backend that supports periodic
// storage.
func NewScheduler(backend Backend, cfg configpkg.PeriodicConfig, logger loggingpkg.ServiceLogger) (*Scheduler, error) {
	if backend == nil {
		return nil, strerr.ErrBackendRequired
	}
	store, ok := backend.(PeriodicStore)
	if !ok {
		return nil, &strerr.BackendError{
			Backend: backend.Name(),
			Op:      "periodic",
			Err:     fmt.Errorf("backend does not support periodic jobs"),
		}
	}
	if logger == nil {
		logger = loggingpkg.NewServiceLogger("info", "text")
	}
	return &Scheduler{backend: backend, store: store, cfg: cfg, logger: logger}, nil
}

// RegisterPeriodic schedules w to run with args on the given cron
// expression ("*/5 * * * *" or "@hourly" style). The queue resolves from
// the worker's config or queue.
func RegisterPeriodic[T any](s *Scheduler, w Worker[T], schedule string, args T, queue string) error {
	if w == nil {
		return strerr.ErrWorkerRequired
	}
	parsed, err := cron.ParseStandard(schedule)
	if err != nil {
		return fmt.Errorf("strut: invalid cron schedule %q: %w", schedule, err)
	}
	payload, err := jsoncodec.Marshal(args)
	if err != nil {
		return &strerr.SerializationError{Subject: w.Name(), Err: err}
	}
	if queue == "" {
		if provider, ok := any(w).(ConfigProvider); ok {
			queue = provider.WorkerConfig().Queue
		}
	}
	if queue == "" {
		queue = "default"
	}

	entry := PeriodicEntry{
		Name:     periodicName(w.Name(), schedule, payload),
		Worker:   w.Name(),
		Queue:    queue,
		Schedule: schedule,
		Payload:  payload,
	}
	s.entries = append(s.entries, &periodicRegistration{entry: entry, schedule: parsed})
	return nil
}

// periodicName derives a stable identity from the worker, schedule, and
// arguments, so changing any of them registers a new entry and ages out
// the old one.
func periodicName(worker, schedule string, payload []byte) string {
	h := fnv.New64a()
	h.Write([]byte(schedule))
	h.Write([]byte{0})
	h.Write(payload)
	return fmt.Sprintf("%s@%016x", worker, h.Sum64())
}

// Sync reconciles the backend's periodic entries with the registered set
// per the stale-cleanup behavior, then upserts every registration.
func (s *Scheduler) Sync(ctx context.Context) error {
	keep := make([]string, 0, len(s.entries))
	for _, reg := range s.entries {
		keep = append(keep, reg.entry.Name)
	}

	switch s.cfg.StaleCleanup {
	case configpkg.StaleCleanupManual:
	case configpkg.StaleCleanupAll:
		if err := s.store.PrunePeriodic(ctx, nil, false); err != nil {
			return &strerr.BackendError{Backend: s.backend.Name(), Op: "prune-periodic", Err: err}
		}
	default: // auto-clean-stale
		if err := s.store.PrunePeriodic(ctx, keep, true); err != nil {
			return &strerr.BackendError{Backend: s.backend.Name(), Op: "prune-periodic", Err: err}
		}
	}

	now := time.Now().UTC()
	for _, reg := range s.entries {
		entry := reg.entry
		entry.NextRun = reg.schedule.Next(now)
		if err := s.store.UpsertPeriodic(ctx, &entry); err != nil {
			return &strerr.BackendError{Backend: s.backend.Name(), Op: "upsert-periodic", Err: err}
		}
	}
	return nil
}

// Run syncs the registered entries and ticks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Sync(ctx); err != nil {
		return err
	}

	interval := s.cfg.TickInterval.Std()
	if interval <= 0 {
		interval = time.Second
	}
	lockTTL := s.cfg.LockTTL.Std()
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx, lockTTL)
		}
	}
}

// tick enqueues every due entry this instance manages to claim.
func (s *Scheduler) tick(ctx context.Context, lockTTL time.Duration) {
	now := time.Now().UTC()
	for _, reg := range s.entries {
		stored := reg.entry
		next := reg.schedule.Next(now)

		claimed, err := s.store.ClaimPeriodic(ctx, stored.Name, next, lockTTL)
		if err != nil {
			s.logger.Error("claiming periodic entry failed", err, loggingpkg.LogFields{
				"entry": stored.Name,
			})
			continue
		}
		if !claimed {
			continue
		}

		job := &Job{
			ID:         ids.CreateULID(),
			Queue:      stored.Queue,
			Worker:     stored.Worker,
			Payload:    stored.Payload,
			Metadata:   metadata.New(metadata.KeyPeriodic, stored.Name),
			EnqueuedAt: now,
			RunAt:      now,
		}
		if err := s.backend.Enqueue(ctx, job); err != nil {
			s.logger.Error("enqueueing periodic job failed", err, loggingpkg.LogFields{
				"entry":  stored.Name,
				"worker": stored.Worker,
			})
			continue
		}
		s.logger.Debug("periodic job enqueued", loggingpkg.LogFields{
			"entry":  stored.Name,
			"job_id": job.ID,
		})
	}
}
