package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	configpkg "github.com/strutframework/strut/internal/runtime/config"
	strerr "github.com/strutframework/strut/internal/runtime/errors"
	loggingpkg "github.com/strutframework/strut/internal/runtime/logging"
)

// visibilityGrace pads the fetch visibility window beyond the job
// deadline so a job is never both visible to another consumer and still
// running here.
const visibilityGrace = 30 * time.Second

// Processor fetches jobs from the configured queues and dispatches them
// to registered workers across a pool of goroutines.
type Processor struct {
	backend  Backend
	registry *Registry
	cfg      configpkg.WorkerService
	logger   loggingpkg.ServiceLogger
	hooks    JobHooks

	// rrIndex advances every fetch cycle under the round-robin
	// strategy, whether or not the queue yielded a job.
	rrIndex atomic.Uint64

	limiters    map[string]*rate.Limiter
	concurrency map[string]chan struct{}

	processed *prometheus.CounterVec
}

// ProcessorOptions configures a Processor beyond the app config.
type ProcessorOptions struct {
	Logger  loggingpkg.ServiceLogger
	Hooks   JobHooks
	Metrics *prometheus.Registry
}

// NewProcessor builds a processor over the backend and worker registry.
func NewProcessor(backend Backend, registry *Registry, cfg configpkg.WorkerService, opts ProcessorOptions) (*Processor, error) {
	if backend == nil {
		return nil, strerr.ErrBackendRequired
	}
	if registry == nil {
		return nil, strerr.ErrWorkerRequired
	}
	logger := opts.Logger
	if logger == nil {
		logger = loggingpkg.NewServiceLogger("info", "text")
	}

	p := &Processor{
		backend:     backend,
		registry:    registry,
		cfg:         cfg,
		logger:      logger,
		hooks:       opts.Hooks,
		limiters:    make(map[string]*rate.Limiter),
		concurrency: make(map[string]chan struct{}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strut",
			Subsystem: "worker",
			Name:      "jobs_processed_total",
			Help:      "Jobs processed by queue, worker, and outcome.",
		}, []string{"queue", "worker", "outcome"}),
	}

	for queue, limit := range cfg.QueueLimits {
		if limit.RateLimit > 0 {
			burst := limit.RateBurst
			if burst <= 0 {
				burst = 1
			}
			p.limiters[queue] = rate.NewLimiter(rate.Limit(limit.RateLimit), burst)
		}
		if limit.MaxConcurrency > 0 {
			p.concurrency[queue] = make(chan struct{}, limit.MaxConcurrency)
		}
	}

	if opts.Metrics != nil {
		if err := opts.Metrics.Register(p.processed); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return nil, err
			}
		}
	}
	return p, nil
}

// Run creates the configured queues and processes jobs until ctx is
// canceled.
func (p *Processor) Run(ctx context.Context) error {
	queues := p.queues()
	for _, queue := range queues {
		if err := p.backend.CreateQueue(ctx, queue); err != nil {
			return &strerr.BackendError{Backend: p.backend.Name(), Op: "create-queue", Err: err}
		}
	}

	numWorkers := p.cfg.NumWorkers
	if numWorkers <= 0 {
		numWorkers = 4
	}
	p.logger.Info("worker processor starting", loggingpkg.LogFields{
		"backend":     p.backend.Name(),
		"num_workers": numWorkers,
		"queues":      queues,
	})

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.workLoop(ctx, queues)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Processor) queues() []string {
	if len(p.cfg.Queues) > 0 {
		return p.cfg.Queues
	}
	return []string{"default"}
}

// workLoop repeatedly picks a queue, fetches one job, and processes it.
// A full cycle of empty queues sleeps for empty-delay; fetch errors sleep
// for error-delay.
func (p *Processor) workLoop(ctx context.Context, queues []string) {
	emptyStreak := 0
	for {
		if ctx.Err() != nil {
			return
		}

		queue := p.nextQueue(queues, emptyStreak)
		job, err := p.fetchOne(ctx, queue)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			p.logger.Error("fetch failed", err, loggingpkg.LogFields{"queue": queue})
			p.sleep(ctx, p.cfg.QueueFetch.ErrorDelay.Std(), 5*time.Second)
			emptyStreak = 0
		case job == nil:
			emptyStreak++
			if emptyStreak >= len(queues) {
				p.sleep(ctx, p.cfg.QueueFetch.EmptyDelay.Std(), time.Second)
				emptyStreak = 0
			}
		default:
			emptyStreak = 0
			p.process(ctx, job)
		}
	}
}

// nextQueue picks the queue for this fetch cycle. Round-robin advances a
// shared index every call, whether or not the last fetch yielded a job;
// "none" restarts the scan from the first queue after every hit, so
// earlier queues starve later ones under load.
func (p *Processor) nextQueue(queues []string, emptyStreak int) string {
	if len(queues) == 1 {
		return queues[0]
	}
	if p.cfg.BalanceStrategy == configpkg.BalanceNone {
		return queues[emptyStreak%len(queues)]
	}
	index := p.rrIndex.Add(1) - 1
	return queues[index%uint64(len(queues))]
}

// fetchOne applies the queue's rate and concurrency limits around a
// single fetch. It returns (nil, nil) when the queue is empty or limited.
func (p *Processor) fetchOne(ctx context.Context, queue string) (*Job, error) {
	if limiter, ok := p.limiters[queue]; ok && !limiter.Allow() {
		return nil, nil
	}
	if slots, ok := p.concurrency[queue]; ok {
		select {
		case slots <- struct{}{}:
		default:
			return nil, nil
		}
		// The slot is held for the whole processing of the fetched
		// job and released in process; release here only when no job
		// was fetched.
		job, err := p.backend.Fetch(ctx, queue, p.visibility())
		if job == nil {
			<-slots
		}
		return job, err
	}
	return p.backend.Fetch(ctx, queue, p.visibility())
}

// visibility is how long a fetched job stays invisible to other
// consumers.
func (p *Processor) visibility() time.Duration {
	maxDuration := p.cfg.WorkerConfig.MaxDuration.Std()
	if maxDuration <= 0 {
		maxDuration = 60 * time.Second
	}
	return maxDuration + visibilityGrace
}

func (p *Processor) sleep(ctx context.Context, d, fallback time.Duration) {
	if d <= 0 {
		d = fallback
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// process runs one job to a terminal or retry outcome. Errors from the
// backend bookkeeping are logged, not returned: the job will reappear
// after its visibility window.
func (p *Processor) process(ctx context.Context, job *Job) {
	if slots, ok := p.concurrency[job.Queue]; ok {
		defer func() { <-slots }()
	}

	entry, ok := p.registry.lookup(job.Worker)
	if !ok {
		// A job for an unknown worker is a deploy-order hazard, not a
		// reason to crash the processor.
		err := &strerr.HandlerError{Worker: job.Worker, Err: errors.New("no such worker registered")}
		p.logger.Error("unknown worker for job", err, loggingpkg.LogFields{
			"job_id": job.ID,
			"queue":  job.Queue,
		})
		p.finishDead(ctx, job, p.cfg.WorkerConfig.FailureAction, err)
		return
	}

	resolved := entry.config.resolve(p.cfg.WorkerConfig, job.Queue)
	p.hooks.start(ctx, job)
	err := p.invoke(ctx, entry, job, resolved)
	if err == nil {
		p.finishSuccess(ctx, job, resolved.successAction)
		return
	}

	job.Attempt++
	job.LastError = err.Error()

	// An undecodable payload will never decode on a later attempt, so
	// retrying only burns attempts; apply the failure action right away.
	var serErr *strerr.SerializationError
	if errors.As(err, &serErr) {
		p.finishDead(ctx, job, resolved.failureAction, err)
		return
	}

	if job.MaxRetries == 0 {
		job.MaxRetries = resolved.maxRetries
	}
	if job.Attempt > job.MaxRetries {
		p.finishDead(ctx, job, resolved.failureAction, err)
		return
	}

	delay := retryDelay(resolved.backoffStrategy, job.Attempt, resolved.retryDelay, resolved.retryDelayOffset, resolved.retryMaxDelay)
	job.RunAt = time.Now().UTC().Add(delay)
	if backendErr := p.backend.Retry(ctx, job); backendErr != nil {
		p.logger.Error("scheduling retry failed", backendErr, loggingpkg.LogFields{
			"job_id": job.ID,
			"worker": job.Worker,
		})
		return
	}
	p.processed.WithLabelValues(job.Queue, job.Worker, "retried").Inc()
	p.logger.Warn("job failed, retrying", loggingpkg.LogFields{
		"job_id":  job.ID,
		"worker":  job.Worker,
		"attempt": job.Attempt,
		"delay":   delay.String(),
		"error":   err.Error(),
	})
	p.hooks.retry(ctx, job, err)
}

// invoke runs the handler, racing it against the per-job deadline when
// timeouts are enabled.
func (p *Processor) invoke(ctx context.Context, entry *registration, job *Job, resolved resolvedConfig) error {
	if !resolved.timeout || resolved.maxDuration <= 0 {
		return entry.handler(ctx, job)
	}

	jobCtx, cancel := context.WithTimeout(ctx, resolved.maxDuration)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- &strerr.HandlerError{Worker: job.Worker, Err: errors.New("handler panicked")}
			}
		}()
		done <- entry.handler(jobCtx, job)
	}()

	select {
	case err := <-done:
		if errors.Is(err, context.DeadlineExceeded) {
			return &strerr.TimeoutError{Worker: job.Worker, MaxDuration: resolved.maxDuration}
		}
		return err
	case <-jobCtx.Done():
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			return &strerr.TimeoutError{Worker: job.Worker, MaxDuration: resolved.maxDuration}
		}
		return jobCtx.Err()
	}
}

func (p *Processor) finishSuccess(ctx context.Context, job *Job, action string) {
	if err := p.backend.Complete(ctx, job, action); err != nil {
		p.logger.Error("completing job failed", err, loggingpkg.LogFields{
			"job_id": job.ID,
			"worker": job.Worker,
		})
		return
	}
	p.processed.WithLabelValues(job.Queue, job.Worker, "success").Inc()
	p.hooks.success(ctx, job)
}

func (p *Processor) finishDead(ctx context.Context, job *Job, action string, cause error) {
	if action == "" {
		action = configpkg.ActionArchive
	}
	if err := p.backend.Kill(ctx, job, action); err != nil {
		p.logger.Error("discarding job failed", err, loggingpkg.LogFields{
			"job_id": job.ID,
			"worker": job.Worker,
		})
		return
	}
	p.processed.WithLabelValues(job.Queue, job.Worker, "dead").Inc()
	p.logger.Error("job exhausted retries", cause, loggingpkg.LogFields{
		"job_id":  job.ID,
		"worker":  job.Worker,
		"attempt": job.Attempt,
		"action":  action,
	})
	p.hooks.dead(ctx, job, cause)
}
