// Package postgres provides a Postgres queue backend. Jobs live in a
// single table keyed by queue, with run_at doubling as the visibility
// horizon: fetching a due job pushes run_at past the visibility window
// inside a FOR UPDATE SKIP LOCKED claim, so concurrent consumers never
// double-fetch and crashed consumers release their jobs by timeout.
package postgres

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/strutframework/strut/internal/runtime/jsoncodec"
	"github.com/strutframework/strut/worker"
)

// BackendName is the service.worker.backend value selecting this backend.
const BackendName = "postgres"

func init() {
	worker.RegisterBackend(BackendName, Build)
}

// Build creates the backend over the worker-specific pool when
// service.worker.postgres.uri is set, falling back to the app's shared
// pool.
func Build(ctx context.Context, res worker.BackendResources) (worker.Backend, error) {
	if uri := res.Config.Postgres.URI; uri != "" {
		pool, err := pgxpool.New(ctx, uri)
		if err != nil {
			return nil, err
		}
		return New(pool, true), nil
	}
	if res.DB == nil {
		return nil, errors.New("strut: postgres backend requires a database pool")
	}
	return New(res.DB, false), nil
}

// db is the slice of the pgx pool API the backend issues queries
// through. Keeping it narrow lets tests drive the SQL paths without a
// server.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// Backend implements worker.Backend and worker.PeriodicStore on Postgres.
type Backend struct {
	db       db
	pool     *pgxpool.Pool
	ownsPool bool
	ddlOnce  sync.Once
	ddlErr   error
}

// New creates a backend over the pool. ownsPool controls whether Close
// closes it.
func New(pool *pgxpool.Pool, ownsPool bool) *Backend {
	return &Backend{db: pool, pool: pool, ownsPool: ownsPool}
}

func (b *Backend) Name() string { return BackendName }

func (b *Backend) Ping(ctx context.Context) error {
	return b.db.Ping(ctx)
}

const ddl = `
CREATE TABLE IF NOT EXISTS strut_jobs (
	id          TEXT PRIMARY KEY,
	queue       TEXT NOT NULL,
	worker      TEXT NOT NULL,
	payload     BYTEA,
	metadata    JSONB,
	attempt     INT NOT NULL DEFAULT 0,
	max_retries INT NOT NULL DEFAULT 0,
	last_error  TEXT,
	enqueued_at TIMESTAMPTZ NOT NULL,
	run_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS strut_jobs_fetch_idx ON strut_jobs (queue, run_at);
CREATE TABLE IF NOT EXISTS strut_jobs_archive (
	id          TEXT PRIMARY KEY,
	queue       TEXT NOT NULL,
	worker      TEXT NOT NULL,
	payload     BYTEA,
	metadata    JSONB,
	attempt     INT NOT NULL,
	last_error  TEXT,
	enqueued_at TIMESTAMPTZ NOT NULL,
	archived_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS strut_periodic (
	name         TEXT PRIMARY KEY,
	worker       TEXT NOT NULL,
	queue        TEXT NOT NULL,
	schedule     TEXT NOT NULL,
	payload      BYTEA,
	next_run     TIMESTAMPTZ NOT NULL,
	locked_until TIMESTAMPTZ
);
`

// CreateQueue ensures the tables exist. Queues need no DDL of their own.
func (b *Backend) CreateQueue(ctx context.Context, _ string) error {
	b.ddlOnce.Do(func() {
		_, b.ddlErr = b.db.Exec(ctx, ddl)
	})
	return b.ddlErr
}

func (b *Backend) Enqueue(ctx context.Context, job *worker.Job) error {
	if err := b.CreateQueue(ctx, job.Queue); err != nil {
		return err
	}
	md, err := metadataJSON(job)
	if err != nil {
		return err
	}
	_, err = b.db.Exec(ctx, `
		INSERT INTO strut_jobs (id, queue, worker, payload, metadata, attempt, max_retries, enqueued_at, run_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.Queue, job.Worker, job.Payload, md,
		job.Attempt, job.MaxRetries, job.EnqueuedAt, job.RunAt)
	return err
}

// Fetch claims one due job by pushing run_at past the visibility window.
func (b *Backend) Fetch(ctx context.Context, queue string, visibility time.Duration) (*worker.Job, error) {
	if err := b.CreateQueue(ctx, queue); err != nil {
		return nil, err
	}
	row := b.db.QueryRow(ctx, `
		UPDATE strut_jobs SET run_at = now() + $1
		WHERE id = (
			SELECT id FROM strut_jobs
			WHERE queue = $2 AND run_at <= now()
			ORDER BY run_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, queue, worker, payload, metadata, attempt, max_retries, last_error, enqueued_at`,
		visibility, queue)

	var (
		job     worker.Job
		md      []byte
		lastErr *string
	)
	err := row.Scan(&job.ID, &job.Queue, &job.Worker, &job.Payload, &md,
		&job.Attempt, &job.MaxRetries, &lastErr, &job.EnqueuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lastErr != nil {
		job.LastError = *lastErr
	}
	if len(md) > 0 {
		if err := jsoncodec.Unmarshal(md, &job.Metadata); err != nil {
			return nil, err
		}
	}
	return &job, nil
}

func (b *Backend) Complete(ctx context.Context, job *worker.Job, action string) error {
	return b.finish(ctx, job, action)
}

func (b *Backend) Kill(ctx context.Context, job *worker.Job, action string) error {
	return b.finish(ctx, job, action)
}

func (b *Backend) finish(ctx context.Context, job *worker.Job, action string) error {
	if action != "archive" {
		_, err := b.db.Exec(ctx, `DELETE FROM strut_jobs WHERE id = $1`, job.ID)
		return err
	}

	md, err := metadataJSON(job)
	if err != nil {
		return err
	}
	tx, err := b.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM strut_jobs WHERE id = $1`, job.ID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO strut_jobs_archive (id, queue, worker, payload, metadata, attempt, last_error, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
		ON CONFLICT (id) DO NOTHING`,
		job.ID, job.Queue, job.Worker, job.Payload, md,
		job.Attempt, job.LastError, job.EnqueuedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Retry records the failed attempt and reschedules the job.
func (b *Backend) Retry(ctx context.Context, job *worker.Job) error {
	_, err := b.db.Exec(ctx, `
		UPDATE strut_jobs
		SET attempt = $2, last_error = $3, run_at = $4, max_retries = $5
		WHERE id = $1`,
		job.ID, job.Attempt, job.LastError, job.RunAt, job.MaxRetries)
	return err
}

func (b *Backend) Close() error {
	if b.ownsPool {
		b.pool.Close()
	}
	return nil
}

func (b *Backend) UpsertPeriodic(ctx context.Context, entry *worker.PeriodicEntry) error {
	if err := b.CreateQueue(ctx, entry.Queue); err != nil {
		return err
	}
	_, err := b.db.Exec(ctx, `
		INSERT INTO strut_periodic (name, worker, queue, schedule, payload, next_run)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE
		SET worker = EXCLUDED.worker, queue = EXCLUDED.queue, payload = EXCLUDED.payload,
		    next_run = CASE WHEN strut_periodic.schedule = EXCLUDED.schedule
		                    THEN strut_periodic.next_run
		                    ELSE EXCLUDED.next_run END,
		    schedule = EXCLUDED.schedule`,
		entry.Name, entry.Worker, entry.Queue, entry.Schedule, entry.Payload, entry.NextRun)
	return err
}

func (b *Backend) ListPeriodic(ctx context.Context) ([]*worker.PeriodicEntry, error) {
	if err := b.CreateQueue(ctx, ""); err != nil {
		return nil, err
	}
	rows, err := b.db.Query(ctx, `
		SELECT name, worker, queue, schedule, payload, next_run FROM strut_periodic`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*worker.PeriodicEntry
	for rows.Next() {
		var entry worker.PeriodicEntry
		if err := rows.Scan(&entry.Name, &entry.Worker, &entry.Queue,
			&entry.Schedule, &entry.Payload, &entry.NextRun); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// ClaimPeriodic atomically advances a due, unlocked entry.
func (b *Backend) ClaimPeriodic(ctx context.Context, name string, next time.Time, lockTTL time.Duration) (bool, error) {
	tag, err := b.db.Exec(ctx, `
		UPDATE strut_periodic
		SET next_run = $2, locked_until = now() + $3
		WHERE name = $1 AND next_run <= now()
		  AND (locked_until IS NULL OR locked_until <= now())`,
		name, next, lockTTL)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (b *Backend) PrunePeriodic(ctx context.Context, keep []string, staleOnly bool) error {
	if err := b.CreateQueue(ctx, ""); err != nil {
		return err
	}
	if !staleOnly {
		_, err := b.db.Exec(ctx, `DELETE FROM strut_periodic`)
		return err
	}
	_, err := b.db.Exec(ctx, `DELETE FROM strut_periodic WHERE NOT (name = ANY($1))`, keep)
	return err
}

// metadataJSON renders the job metadata as JSONB input, nil when empty.
func metadataJSON(job *worker.Job) ([]byte, error) {
	if len(job.Metadata) == 0 {
		return nil, nil
	}
	return jsoncodec.Marshal(job.Metadata)
}
