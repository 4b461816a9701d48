// Package channel provides an in-memory queue backend over Watermill's Go
// channel pub/sub. It is meant for testing and local development: jobs do
// not survive a restart and visibility windows are not enforced, since
// the process that fetched a job is the only consumer.
package channel

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/strutframework/strut/internal/runtime/jsoncodec"
	"github.com/strutframework/strut/worker"
)

// BackendName is the service.worker.backend value selecting this backend.
const BackendName = "channel"

// Factory allows overriding the pub/sub creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(cfg, logger)
}

func init() {
	worker.RegisterBackend(BackendName, Build)
}

// Build creates the in-memory backend.
func Build(_ context.Context, _ worker.BackendResources) (worker.Backend, error) {
	return New(), nil
}

// Backend is the in-memory implementation of worker.Backend and
// worker.PeriodicStore.
type Backend struct {
	pubsub *gochannel.GoChannel

	mu      sync.Mutex
	subs    map[string]<-chan *message.Message
	archive []*worker.Job
	timers  []*time.Timer

	periodicMu sync.Mutex
	periodic   map[string]*worker.PeriodicEntry
	locks      map[string]time.Time

	closed    bool
	closeOnce sync.Once
	// background subscriptions are bound to this context so Close can
	// tear them down.
	subCtx    context.Context
	subCancel context.CancelFunc
}

// New creates an empty in-memory backend.
func New() *Backend {
	ctx, cancel := context.WithCancel(context.Background())
	return &Backend{
		// Persistent so jobs enqueued before the processor subscribes
		// are not lost.
		pubsub: Factory(gochannel.Config{
			OutputChannelBuffer: 1024,
			Persistent:          true,
		}, watermill.NopLogger{}),
		subs:      make(map[string]<-chan *message.Message),
		periodic:  make(map[string]*worker.PeriodicEntry),
		locks:     make(map[string]time.Time),
		subCtx:    ctx,
		subCancel: cancel,
	}
}

func (b *Backend) Name() string { return BackendName }

func (b *Backend) Ping(context.Context) error { return nil }

// CreateQueue opens the subscription backing the queue.
func (b *Backend) CreateQueue(_ context.Context, queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[queue]; ok {
		return nil
	}
	ch, err := b.pubsub.Subscribe(b.subCtx, queue)
	if err != nil {
		return err
	}
	b.subs[queue] = ch
	return nil
}

// Enqueue publishes the job, holding it on a timer first when RunAt is in
// the future.
func (b *Backend) Enqueue(_ context.Context, job *worker.Job) error {
	delay := time.Until(job.RunAt)
	if delay <= 0 {
		return b.publish(job)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	timer := time.AfterFunc(delay, func() {
		// Publish failures after close are expected and dropped.
		_ = b.publish(job)
	})
	b.timers = append(b.timers, timer)
	return nil
}

func (b *Backend) publish(job *worker.Job) error {
	payload, err := jsoncodec.Marshal(job)
	if err != nil {
		return err
	}
	return b.pubsub.Publish(job.Queue, message.NewMessage(job.ID, payload))
}

// Fetch returns the next job on the queue without blocking. Messages are
// acked on receipt; an in-process consumer cannot lose them to a crash it
// would survive itself.
func (b *Backend) Fetch(_ context.Context, queue string, _ time.Duration) (*worker.Job, error) {
	b.mu.Lock()
	ch, ok := b.subs[queue]
	b.mu.Unlock()
	if !ok {
		if err := b.CreateQueue(context.Background(), queue); err != nil {
			return nil, err
		}
		b.mu.Lock()
		ch = b.subs[queue]
		b.mu.Unlock()
	}

	select {
	case msg, open := <-ch:
		if !open {
			return nil, nil
		}
		msg.Ack()
		var job worker.Job
		if err := jsoncodec.Unmarshal(msg.Payload, &job); err != nil {
			return nil, err
		}
		return &job, nil
	default:
		return nil, nil
	}
}

// Complete archives or drops the job per the action.
func (b *Backend) Complete(_ context.Context, job *worker.Job, action string) error {
	if action == "archive" {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, archived := range b.archive {
			if archived.ID == job.ID {
				return nil
			}
		}
		b.archive = append(b.archive, job)
	}
	return nil
}

// Retry republishes the job for its next attempt.
func (b *Backend) Retry(ctx context.Context, job *worker.Job) error {
	return b.Enqueue(ctx, job)
}

// Kill applies the failure action.
func (b *Backend) Kill(ctx context.Context, job *worker.Job, action string) error {
	return b.Complete(ctx, job, action)
}

// Archived returns the archived jobs, oldest first. Test helper.
func (b *Backend) Archived() []*worker.Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*worker.Job, len(b.archive))
	copy(out, b.archive)
	return out
}

func (b *Backend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		for _, timer := range b.timers {
			timer.Stop()
		}
		b.mu.Unlock()
		b.subCancel()
		err = b.pubsub.Close()
	})
	return err
}

// UpsertPeriodic stores the entry, keeping the stored NextRun when the
// schedule is unchanged.
func (b *Backend) UpsertPeriodic(_ context.Context, entry *worker.PeriodicEntry) error {
	b.periodicMu.Lock()
	defer b.periodicMu.Unlock()
	if existing, ok := b.periodic[entry.Name]; ok && existing.Schedule == entry.Schedule {
		return nil
	}
	clone := *entry
	b.periodic[entry.Name] = &clone
	return nil
}

func (b *Backend) ListPeriodic(context.Context) ([]*worker.PeriodicEntry, error) {
	b.periodicMu.Lock()
	defer b.periodicMu.Unlock()
	out := make([]*worker.PeriodicEntry, 0, len(b.periodic))
	for _, entry := range b.periodic {
		clone := *entry
		out = append(out, &clone)
	}
	return out, nil
}

func (b *Backend) ClaimPeriodic(_ context.Context, name string, next time.Time, lockTTL time.Duration) (bool, error) {
	b.periodicMu.Lock()
	defer b.periodicMu.Unlock()

	entry, ok := b.periodic[name]
	if !ok {
		return false, nil
	}
	now := time.Now().UTC()
	if entry.NextRun.After(now) {
		return false, nil
	}
	if lockedUntil, ok := b.locks[name]; ok && lockedUntil.After(now) {
		return false, nil
	}
	entry.NextRun = next
	b.locks[name] = now.Add(lockTTL)
	return true, nil
}

func (b *Backend) PrunePeriodic(_ context.Context, keep []string, staleOnly bool) error {
	b.periodicMu.Lock()
	defer b.periodicMu.Unlock()
	if !staleOnly {
		b.periodic = make(map[string]*worker.PeriodicEntry)
		return nil
	}
	keepSet := make(map[string]struct{}, len(keep))
	for _, name := range keep {
		keepSet[name] = struct{}{}
	}
	for name := range b.periodic {
		if _, ok := keepSet[name]; !ok {
			delete(b.periodic, name)
		}
	}
	return nil
}
