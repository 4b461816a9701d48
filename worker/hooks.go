package worker

import "context"

// JobHooks observe job outcomes on the processor. All fields are optional;
// hooks run synchronously on the processing goroutine, so keep them
// cheap.
type JobHooks struct {
	// OnStart fires before the handler runs.
	OnStart func(ctx context.Context, job *Job)
	// OnSuccess fires after the handler returns nil and the success
	// action is applied.
	OnSuccess func(ctx context.Context, job *Job)
	// OnRetry fires when a failed job is scheduled for another attempt.
	OnRetry func(ctx context.Context, job *Job, err error)
	// OnDead fires when a job exhausts its retries and the failure
	// action is applied.
	OnDead func(ctx context.Context, job *Job, err error)
}

func (h JobHooks) start(ctx context.Context, job *Job) {
	if h.OnStart != nil {
		h.OnStart(ctx, job)
	}
}

func (h JobHooks) success(ctx context.Context, job *Job) {
	if h.OnSuccess != nil {
		h.OnSuccess(ctx, job)
	}
}

func (h JobHooks) retry(ctx context.Context, job *Job, err error) {
	if h.OnRetry != nil {
		h.OnRetry(ctx, job, err)
	}
}

func (h JobHooks) dead(ctx context.Context, job *Job, err error) {
	if h.OnDead != nil {
		h.OnDead(ctx, job, err)
	}
}
