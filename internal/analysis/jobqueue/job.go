package jobqueue

import (
	"encoding/json"
	"time"
)

// Job represents a unit of work in the job queue
type Job struct {
	ID         string // queue assigned, job-N
	Key        string // caller key used for de-duplication, may be empty
	Action     Action
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Status     JobStatus
	LastError  error
}

// Duration is the execution time of a finished job.
func (j *Job) Duration() time.Duration {
	if j.StartedAt.IsZero() || j.FinishedAt.IsZero() {
		return 0
	}
	return j.FinishedAt.Sub(j.StartedAt)
}

// JobStats tracks statistics about job processing
type JobStats struct {
	TotalJobs      int
	SuccessfulJobs int
	FailedJobs     int
	CancelledJobs  int
	DroppedJobs    int // rejected because the queue was full
	TimedOutJobs   int
	PanickedJobs   int
	TotalDuration  time.Duration
	MaxDuration    time.Duration
	LastError      string
}

// JobStatsSnapshot provides a point-in-time snapshot of job statistics
type JobStatsSnapshot struct {
	JobStats

	PendingJobs      int
	RunningJobs      int
	ArchivedJobs     int
	MaxQueueSize     int
	Workers          int
	QueueUtilization float64 // percent
	AverageDuration  time.Duration
}

// ToJSON converts the snapshot to a compact JSON document.
func (s *JobStatsSnapshot) ToJSON() (string, error) {
	data, err := json.Marshal(map[string]any{
		"queue": map[string]any{
			"total":       s.TotalJobs,
			"successful":  s.SuccessfulJobs,
			"failed":      s.FailedJobs,
			"cancelled":   s.CancelledJobs,
			"dropped":     s.DroppedJobs,
			"timedOut":    s.TimedOutJobs,
			"panicked":    s.PanickedJobs,
			"pending":     s.PendingJobs,
			"running":     s.RunningJobs,
			"archived":    s.ArchivedJobs,
			"maxSize":     s.MaxQueueSize,
			"workers":     s.Workers,
			"utilization": s.QueueUtilization,
		},
		"performance": map[string]any{
			"averageDurationMs": s.AverageDuration.Milliseconds(),
			"maxDurationMs":     s.MaxDuration.Milliseconds(),
		},
		"lastError": s.LastError,
		"timestamp": time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}
