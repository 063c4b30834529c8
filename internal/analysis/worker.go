package analysis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tphakala/birdnet-census/internal/analysis/jobqueue"
	"github.com/tphakala/birdnet-census/internal/conf"
	"github.com/tphakala/birdnet-census/internal/datastore/entities"
	"github.com/tphakala/birdnet-census/internal/datastore/repository"
	"github.com/tphakala/birdnet-census/internal/errors"
	"github.com/tphakala/birdnet-census/internal/logger"
)

// Analyzer is the part of Pipeline the worker needs.
type Analyzer interface {
	Analyze(ctx context.Context, recordingID string) (*Result, error)
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, recordingID string) (*Result, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, id string) (*Result, error) { return f(ctx, id) }

// Worker polls for uploaded recordings and analyzes them in the background.
// Several workers, in one or many processes, may poll the same database:
// the claim in Analyze guarantees a single run per recording.
type Worker struct {
	analyzer   Analyzer
	recordings repository.RecordingRepository
	queue      *jobqueue.JobQueue
	settings   conf.WorkerSettings
	log        logger.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	observer func(pending, running int)
}

func NewWorker(analyzer Analyzer, recordings repository.RecordingRepository, settings *conf.WorkerSettings) *Worker {
	s := *settings
	if s.PollInterval <= 0 {
		s.PollInterval = 30 * time.Second
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 50
	}
	return &Worker{
		analyzer:   analyzer,
		recordings: recordings,
		settings:   s,
		queue: jobqueue.NewJobQueue(jobqueue.Config{
			Workers:    s.Workers,
			QueueSize:  s.QueueSize,
			JobTimeout: s.JobTimeout,
		}),
		log: logger.Global().Module("analysis").Module("worker"),
	}
}

// SetQueueObserver registers fn to receive queue depth after every poll.
// Call it before Start.
func (w *Worker) SetQueueObserver(fn func(pending, running int)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.observer = fn
}

// Start begins polling. It returns immediately.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.queue.Start(loopCtx)

	go w.loop(loopCtx, w.done)
	w.log.Info("analysis worker started",
		logger.Duration("poll_interval", w.settings.PollInterval),
		logger.Int("batch_size", w.settings.BatchSize))
}

// Stop ends polling and waits up to timeout for running analyses.
func (w *Worker) Stop(timeout time.Duration) error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	<-done
	err := w.queue.Stop(timeout)
	w.log.Info("analysis worker stopped")
	return err
}

func (w *Worker) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.settings.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			w.log.Warn("poll failed", logger.Error(err))
		}
		w.observe()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll enqueues the oldest uploaded recordings and returns how many were
// added.
func (w *Worker) Poll(ctx context.Context) (int, error) {
	ids, err := w.recordings.ListIDsByStatus(ctx, entities.StatusUploaded, w.settings.BatchSize)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, id := range ids {
		if w.queue.IsQueued(id) {
			continue
		}
		_, err := w.queue.Enqueue(id, w.job(id))
		switch {
		case err == nil:
			added++
		case errors.Is(err, jobqueue.ErrDuplicateJob):
		case errors.Is(err, jobqueue.ErrQueueFull):
			w.log.Debug("queue full, remaining recordings wait for the next poll",
				logger.Int("pending", len(ids)-added))
			return added, nil
		default:
			return added, err
		}
	}
	if added > 0 {
		w.log.Debug("recordings queued", logger.Int("count", added))
	}
	return added, nil
}

func (w *Worker) job(id string) jobqueue.Action {
	return jobqueue.ActionFunc(func(ctx context.Context) error {
		res, err := w.analyzer.Analyze(ctx, id)
		switch {
		case errors.Is(err, ErrAlreadyProcessing), errors.Is(err, ErrInvalidState), errors.IsNotFound(err):
			// Another worker claimed it, or it was retried or deleted meanwhile.
			return nil
		case err != nil:
			return err
		case !res.Succeeded():
			return fmt.Errorf("recording %s failed: %s", id, res.Error)
		}
		return nil
	})
}

func (w *Worker) observe() {
	w.mu.Lock()
	fn := w.observer
	w.mu.Unlock()
	if fn == nil {
		return
	}
	stats := w.queue.GetStats()
	fn(stats.PendingJobs, stats.RunningJobs)
}

// Stats returns the job queue statistics.
func (w *Worker) Stats() jobqueue.JobStatsSnapshot {
	return w.queue.GetStats()
}
