// Package pipeline runs media transcoding jobs on a bounded worker pool.
// Every submitted job terminates in StatusDone or StatusFailed; the per-job
// wall-clock timeout guarantees forward progress.
package pipeline

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a media job.
type Status string

const (
	// StatusQueued means the job is accepted and waiting for a worker.
	StatusQueued Status = "queued"
	// StatusRunning means a transcoder process is active for the job.
	StatusRunning Status = "running"
	// StatusDone means the derived artifact was produced.
	StatusDone Status = "done"
	// StatusFailed means the job gave up; Job.Error carries the reason.
	StatusFailed Status = "failed"
)

var (
	// ErrResourceExhausted is returned by Submit when the queue is saturated.
	// Callers surface it as backpressure instead of dropping the request.
	ErrResourceExhausted = errors.New("pipeline: resource exhausted")
	// ErrClosed is returned by Submit after shutdown began.
	ErrClosed = errors.New("pipeline: closed")
	// ErrJobNotFound is returned by the store for unknown job ids.
	ErrJobNotFound = errors.New("pipeline: job not found")
)

// Job is the durable record of one transcoding unit of work.
type Job struct {
	ID        string    `db:"id"`
	UserID    int64     `db:"user_id"`
	InputRef  string    `db:"input_ref"`
	OutputRef string    `db:"output_ref"`
	Status    Status    `db:"status"`
	Error     string    `db:"error"`
	Attempts  int       `db:"attempts"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Store is the persistence contract for job records.
type Store interface {
	CreateJob(ctx context.Context, j *Job) error
	UpdateJob(ctx context.Context, j *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
}

// Completion is delivered to the registered callback once a job reaches a
// terminal status and the record has been persisted.
type Completion struct {
	JobID     string
	UserID    int64
	InputRef  string
	OutputRef string
	Status    Status
	Err       string
}
