package worker

import (
	"time"

	"github.com/strutframework/strut/internal/runtime/metadata"
)

// Job is the unit stored on a queue. Payload is the worker's arguments as
// JSON; Attempt starts at 0 and counts completed tries.
type Job struct {
	ID         string            `json:"id"`
	Queue      string            `json:"queue"`
	Worker     string            `json:"worker"`
	Payload    []byte            `json:"payload"`
	Metadata   metadata.Metadata `json:"metadata,omitempty"`
	Attempt    int               `json:"attempt"`
	MaxRetries int               `json:"max_retries"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	// RunAt is when the job becomes fetchable. Equal to EnqueuedAt for
	// immediate jobs, in the future for delayed and retried ones.
	RunAt time.Time `json:"run_at"`
	// LastError holds the message from the most recent failed attempt.
	LastError string `json:"last_error,omitempty"`
}

// Periodic reports whether the job was enqueued by the scheduler.
func (j *Job) Periodic() bool {
	return j.Metadata[metadata.KeyPeriodic] != ""
}
