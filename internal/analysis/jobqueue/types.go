// Package jobqueue runs keyed jobs on a bounded pool of workers with a
// per-job timeout. Jobs are executed at most once; failed jobs are recorded
// in the stats and never retried.
package jobqueue

import (
	"context"
	"time"

	"github.com/tphakala/birdnet-census/internal/errors"
)

// Common errors that can be returned by job queue operations
var (
	ErrNilAction    = errors.NewStd("cannot enqueue nil action")
	ErrQueueStopped = errors.NewStd("job queue has been stopped")
	ErrQueueFull    = errors.NewStd("job queue is full")
	ErrDuplicateJob = errors.NewStd("job with this key is already queued or running")
)

// Action is the unit of work executed by the queue.
type Action interface {
	Execute(ctx context.Context) error
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context) error

func (f ActionFunc) Execute(ctx context.Context) error { return f(ctx) }

// Config sizes the queue.
type Config struct {
	Workers         int           // concurrent executions, default 1
	QueueSize       int           // pending jobs before Enqueue fails, default 100
	JobTimeout      time.Duration // per job; zero disables the timeout
	MaxArchivedJobs int           // finished jobs kept for inspection, default 100
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	if c.MaxArchivedJobs <= 0 {
		c.MaxArchivedJobs = 100
	}
	return c
}

// JobStatus represents the current status of a job in the queue
type JobStatus int

const (
	JobStatusPending JobStatus = iota
	JobStatusRunning
	JobStatusCompleted
	JobStatusFailed
	JobStatusCancelled
)

// String returns a string representation of the job status
func (s JobStatus) String() string {
	switch s {
	case JobStatusPending:
		return "Pending"
	case JobStatusRunning:
		return "Running"
	case JobStatusCompleted:
		return "Completed"
	case JobStatusFailed:
		return "Failed"
	case JobStatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}
