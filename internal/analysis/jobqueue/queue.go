package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tphakala/birdnet-census/internal/errors"
	"github.com/tphakala/birdnet-census/internal/logger"
)

// JobQueue executes jobs on a fixed number of workers.
type JobQueue struct {
	cfg Config
	log logger.Logger

	mu         sync.Mutex
	jobs       chan *Job
	active     map[string]*Job // pending or running, by key
	running    int
	archived   []*Job
	stats      JobStats
	jobCounter int
	isRunning  bool
	cancel     context.CancelFunc
	workers    sync.WaitGroup
}

// NewJobQueue creates a stopped queue.
func NewJobQueue(cfg Config) *JobQueue {
	cfg = cfg.withDefaults()
	return &JobQueue{
		cfg:    cfg,
		log:    logger.Global().Module("analysis").Module("jobqueue"),
		active: make(map[string]*Job),
	}
}

// Start launches the workers. Cancelling ctx stops execution of queued jobs;
// call Stop to wait for the workers.
func (q *JobQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.isRunning {
		return
	}

	workCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.jobs = make(chan *Job, q.cfg.QueueSize)
	q.isRunning = true

	for i := 0; i < q.cfg.Workers; i++ {
		q.workers.Add(1)
		go q.worker(workCtx, q.jobs)
	}
	q.log.Debug("job queue started",
		logger.Int("workers", q.cfg.Workers),
		logger.Int("queue_size", q.cfg.QueueSize))
}

// Stop cancels running jobs and waits up to timeout for the workers to exit.
func (q *JobQueue) Stop(timeout time.Duration) error {
	q.mu.Lock()
	if !q.isRunning {
		q.mu.Unlock()
		return nil
	}
	q.isRunning = false
	q.cancel()
	close(q.jobs)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.Newf("timed out waiting for jobs to complete after %v", timeout).
			Component("analysis").
			Category(errors.CategoryJobQueue).
			Build()
	}
}

// Enqueue schedules action. A non-empty key that is already pending or
// running is rejected with ErrDuplicateJob.
func (q *JobQueue) Enqueue(key string, action Action) (*Job, error) {
	if action == nil {
		return nil, ErrNilAction
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.isRunning {
		return nil, ErrQueueStopped
	}
	if key != "" {
		if _, ok := q.active[key]; ok {
			return nil, ErrDuplicateJob
		}
	}

	q.jobCounter++
	job := &Job{
		ID:        fmt.Sprintf("job-%d", q.jobCounter),
		Key:       key,
		Action:    action,
		CreatedAt: time.Now(),
		Status:    JobStatusPending,
	}

	select {
	case q.jobs <- job:
	default:
		q.stats.DroppedJobs++
		return nil, errors.New(fmt.Errorf("%w: maximum queue size (%d) reached", ErrQueueFull, q.cfg.QueueSize)).
			Component("analysis").
			Category(errors.CategoryJobQueue).
			Context("key", key).
			Build()
	}

	if key != "" {
		q.active[key] = job
	}
	q.stats.TotalJobs++
	q.log.Trace("job enqueued", logger.String("job_id", job.ID), logger.String("key", key))
	return job, nil
}

func (q *JobQueue) worker(ctx context.Context, jobs <-chan *Job) {
	defer q.workers.Done()
	for job := range jobs {
		if ctx.Err() != nil {
			q.finish(job, JobStatusCancelled, ctx.Err(), false, false)
			continue
		}
		q.executeJob(ctx, job)
	}
}

// executeJob runs a job with the configured timeout and converts panics
// into failures.
func (q *JobQueue) executeJob(ctx context.Context, job *Job) {
	q.mu.Lock()
	job.Status = JobStatusRunning
	job.StartedAt = time.Now()
	q.running++
	q.mu.Unlock()

	execCtx := ctx
	if q.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, q.cfg.JobTimeout)
		defer cancel()
	}

	var (
		err      error
		panicked bool
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicked = true
				err = errors.Newf("job execution panicked: %v", r).
					Component("analysis").
					Category(errors.CategoryWorker).
					Context("job_id", job.ID).
					Build()
			}
		}()
		err = job.Action.Execute(execCtx)
	}()

	status := JobStatusCompleted
	timedOut := false
	switch {
	case err != nil && ctx.Err() != nil:
		status = JobStatusCancelled
	case err != nil:
		status = JobStatusFailed
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			timedOut = true
			err = fmt.Errorf("job execution timed out after %v: %w", q.cfg.JobTimeout, err)
		}
	}
	q.finish(job, status, err, panicked, timedOut)
}

func (q *JobQueue) finish(job *Job, status JobStatus, err error, panicked, timedOut bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if job.Status == JobStatusRunning {
		q.running--
	}
	job.Status = status
	job.LastError = err
	job.FinishedAt = time.Now()
	if job.Key != "" {
		delete(q.active, job.Key)
	}

	d := job.Duration()
	q.stats.TotalDuration += d
	if d > q.stats.MaxDuration {
		q.stats.MaxDuration = d
	}

	switch status {
	case JobStatusCompleted:
		q.stats.SuccessfulJobs++
	case JobStatusCancelled:
		q.stats.CancelledJobs++
	case JobStatusFailed:
		q.stats.FailedJobs++
		q.stats.LastError = err.Error()
		if panicked {
			q.stats.PanickedJobs++
		}
		if timedOut {
			q.stats.TimedOutJobs++
		}
		q.log.Warn("job failed",
			logger.String("job_id", job.ID),
			logger.String("key", job.Key),
			logger.Duration("duration", d),
			logger.Error(err))
	}

	q.archived = append(q.archived, job)
	if excess := len(q.archived) - q.cfg.MaxArchivedJobs; excess > 0 {
		q.archived = q.archived[excess:]
	}
}

// IsQueued reports whether a job with key is pending or running.
func (q *JobQueue) IsQueued(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.active[key]
	return ok
}

// IsRunning reports whether the workers are started.
func (q *JobQueue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.isRunning
}

// GetStats returns a snapshot of the current job statistics
func (q *JobQueue) GetStats() JobStatsSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := 0
	if q.jobs != nil {
		pending = len(q.jobs)
	}
	s := JobStatsSnapshot{
		JobStats:     q.stats,
		PendingJobs:  pending,
		RunningJobs:  q.running,
		ArchivedJobs: len(q.archived),
		MaxQueueSize: q.cfg.QueueSize,
		Workers:      q.cfg.Workers,
	}
	s.QueueUtilization = float64(pending) / float64(q.cfg.QueueSize) * 100
	if finished := q.stats.SuccessfulJobs + q.stats.FailedJobs; finished > 0 {
		s.AverageDuration = q.stats.TotalDuration / time.Duration(finished)
	}
	return s
}

// ArchivedJobs returns the most recently finished jobs, oldest first.
func (q *JobQueue) ArchivedJobs() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, len(q.archived))
	copy(out, q.archived)
	return out
}
