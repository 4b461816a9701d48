// Package redis provides a Redis queue backend. Each queue is a sorted
// set scored by the time a job becomes fetchable; claiming a job bumps
// its score by the visibility window, so jobs from crashed consumers
// reappear on their own. Job bodies live in per-job keys, dead jobs in
// a per-queue archive sorted set scored by their time of death.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/strutframework/strut/internal/runtime/jsoncodec"
	"github.com/strutframework/strut/worker"
)

// BackendName is the service.worker.backend value selecting this backend.
const BackendName = "redis"

func init() {
	worker.RegisterBackend(BackendName, Build)
}

// Build creates the backend over the app's shared Redis client.
func Build(_ context.Context, res worker.BackendResources) (worker.Backend, error) {
	if res.Redis == nil {
		return nil, errors.New("strut: redis backend requires a configured redis client")
	}
	return New(res.Redis), nil
}

// Backend implements worker.Backend and worker.PeriodicStore on Redis.
type Backend struct {
	client *redis.Client
}

// New creates a backend over an existing client. The backend does not own
// the client and Close leaves it open.
func New(client *redis.Client) *Backend {
	return &Backend{client: client}
}

func (b *Backend) Name() string { return BackendName }

func (b *Backend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func queueKey(queue string) string { return "strut:queue:" + queue }

func jobKey(id string) string { return "strut:job:" + id }

func archiveKey(queue string) string { return "strut:archive:" + queue }

const periodicKey = "strut:periodic"

func periodicLockKey(name string) string { return "strut:periodic:lock:" + name }

// CreateQueue is a no-op: sorted sets appear on first ZADD.
func (b *Backend) CreateQueue(context.Context, string) error { return nil }

// Enqueue stores the job body and schedules it at its RunAt score.
func (b *Backend) Enqueue(ctx context.Context, job *worker.Job) error {
	body, err := jsoncodec.Marshal(job)
	if err != nil {
		return err
	}
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), body, 0)
	pipe.ZAdd(ctx, queueKey(job.Queue), redis.Z{
		Score:  scoreAt(job.RunAt),
		Member: job.ID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

// fetchScript claims the most overdue due job by pushing its score past
// the visibility window, all in one round trip.
var fetchScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #due == 0 then
  return false
end
redis.call('ZADD', KEYS[1], ARGV[2], due[1])
return due[1]
`)

// Fetch claims one due job. The claim lasts for the visibility window;
// Complete, Retry, or Kill must land before it expires.
func (b *Backend) Fetch(ctx context.Context, queue string, visibility time.Duration) (*worker.Job, error) {
	now := time.Now().UTC()
	id, err := fetchScript.Run(ctx, b.client, []string{queueKey(queue)},
		scoreAt(now), scoreAt(now.Add(visibility))).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	body, err := b.client.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		// Orphaned schedule entry; drop it and report empty.
		_ = b.client.ZRem(ctx, queueKey(queue), id).Err()
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var job worker.Job
	if err := jsoncodec.Unmarshal(body, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Complete removes the claim and applies the success action.
func (b *Backend) Complete(ctx context.Context, job *worker.Job, action string) error {
	return b.finish(ctx, job, action)
}

// Kill removes the claim and applies the failure action.
func (b *Backend) Kill(ctx context.Context, job *worker.Job, action string) error {
	return b.finish(ctx, job, action)
}

func (b *Backend) finish(ctx context.Context, job *worker.Job, action string) error {
	removed, err := b.client.ZRem(ctx, queueKey(job.Queue), job.ID).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		// Already finished; terminal actions are idempotent.
		return nil
	}
	pipe := b.client.TxPipeline()
	if action == "archive" {
		body, err := jsoncodec.Marshal(job)
		if err != nil {
			return err
		}
		pipe.ZAdd(ctx, archiveKey(job.Queue), redis.Z{
			Score:  scoreAt(time.Now().UTC()),
			Member: string(body),
		})
	}
	pipe.Del(ctx, jobKey(job.ID))
	_, err = pipe.Exec(ctx)
	return err
}

// Retry rewrites the job body with its updated attempt count and
// reschedules it at job.RunAt.
func (b *Backend) Retry(ctx context.Context, job *worker.Job) error {
	body, err := jsoncodec.Marshal(job)
	if err != nil {
		return err
	}
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), body, 0)
	pipe.ZAdd(ctx, queueKey(job.Queue), redis.Z{
		Score:  scoreAt(job.RunAt),
		Member: job.ID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

// Archived returns up to limit archived jobs from the queue, newest
// first.
func (b *Backend) Archived(ctx context.Context, queue string, limit int64) ([]*worker.Job, error) {
	bodies, err := b.client.ZRevRange(ctx, archiveKey(queue), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]*worker.Job, 0, len(bodies))
	for _, body := range bodies {
		var job worker.Job
		if err := jsoncodec.Unmarshal([]byte(body), &job); err != nil {
			return nil, err
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// Close leaves the shared client open; the app owns it.
func (b *Backend) Close() error { return nil }

func (b *Backend) UpsertPeriodic(ctx context.Context, entry *worker.PeriodicEntry) error {
	existing, err := b.client.HGet(ctx, periodicKey, entry.Name).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if err == nil {
		var stored worker.PeriodicEntry
		if decodeErr := jsoncodec.Unmarshal(existing, &stored); decodeErr == nil && stored.Schedule == entry.Schedule {
			return nil
		}
	}
	body, err := jsoncodec.Marshal(entry)
	if err != nil {
		return err
	}
	return b.client.HSet(ctx, periodicKey, entry.Name, body).Err()
}

func (b *Backend) ListPeriodic(ctx context.Context) ([]*worker.PeriodicEntry, error) {
	fields, err := b.client.HGetAll(ctx, periodicKey).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]*worker.PeriodicEntry, 0, len(fields))
	for _, body := range fields {
		var entry worker.PeriodicEntry
		if err := jsoncodec.Unmarshal([]byte(body), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// ClaimPeriodic takes a short lock so exactly one scheduler instance
// advances and enqueues a due entry.
func (b *Backend) ClaimPeriodic(ctx context.Context, name string, next time.Time, lockTTL time.Duration) (bool, error) {
	body, err := b.client.HGet(ctx, periodicKey, name).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var entry worker.PeriodicEntry
	if err := jsoncodec.Unmarshal(body, &entry); err != nil {
		return false, err
	}
	if entry.NextRun.After(time.Now().UTC()) {
		return false, nil
	}

	locked, err := b.client.SetNX(ctx, periodicLockKey(name), "1", lockTTL).Result()
	if err != nil || !locked {
		return false, err
	}

	entry.NextRun = next
	updated, err := jsoncodec.Marshal(&entry)
	if err != nil {
		return false, err
	}
	return true, b.client.HSet(ctx, periodicKey, name, updated).Err()
}

func (b *Backend) PrunePeriodic(ctx context.Context, keep []string, staleOnly bool) error {
	if !staleOnly {
		return b.client.Del(ctx, periodicKey).Err()
	}
	fields, err := b.client.HKeys(ctx, periodicKey).Result()
	if err != nil {
		return err
	}
	keepSet := make(map[string]struct{}, len(keep))
	for _, name := range keep {
		keepSet[name] = struct{}{}
	}
	var stale []string
	for _, name := range fields {
		if _, ok := keepSet[name]; !ok {
			stale = append(stale, name)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return b.client.HDel(ctx, periodicKey, stale...).Err()
}

// scoreAt renders a time as a millisecond score.
func scoreAt(t time.Time) float64 {
	return float64(t.UnixMilli())
}
