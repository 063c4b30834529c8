package edge

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/tphakala/birdnet-census/internal/conf"
	"github.com/tphakala/birdnet-census/internal/errors"
	"github.com/tphakala/birdnet-census/internal/logger"
)

// CheckInSender delivers device heartbeats.
type CheckInSender interface {
	CheckIn(ctx context.Context, deviceID string, in *CheckIn) error
}

// SyncReport summarises one sync pass.
type SyncReport struct {
	Pending  int
	Uploaded int
	Failed   int
	Deleted  int
	Bytes    int64
	Elapsed  time.Duration
	CheckIn  bool
}

// Syncer uploads pending recordings and records them in the sync state.
type Syncer struct {
	settings conf.EdgeSettings
	scanner  *Scanner
	state    *StateManager
	uploader Uploader
	checkIn  CheckInSender
	log      logger.Logger
	now      func() time.Time

	running sync.Mutex
}

type SyncerOption func(*Syncer)

// WithCheckIn enables the heartbeat after each pass.
func WithCheckIn(s CheckInSender) SyncerOption {
	return func(sy *Syncer) { sy.checkIn = s }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) SyncerOption {
	return func(sy *Syncer) {
		sy.now = now
		sy.scanner.now = now
	}
}

func NewSyncer(settings *conf.EdgeSettings, uploader Uploader, state *StateManager, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		settings: *settings,
		scanner:  NewScanner(settings.WatchDir, settings.MinAge),
		state:    state,
		uploader: uploader,
		log:      moduleLogger("sync"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncOnce uploads every pending recording. A failed file is left in place
// for the next pass; the returned error joins all per-file failures.
func (s *Syncer) SyncOnce(ctx context.Context) (*SyncReport, error) {
	s.running.Lock()
	defer s.running.Unlock()

	start := s.now()
	report := &SyncReport{}
	pending, err := s.scanner.Scan(s.state.Synced)
	if err != nil {
		return report, err
	}
	report.Pending = len(pending)

	var errs []error
	for i := range pending {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		f := &pending[i]
		if err := s.uploader.Upload(ctx, f); err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("%s: %w", f.Name, err))
			s.log.Warn("upload failed",
				logger.String("file", f.Name),
				logger.String("method", s.uploader.Name()),
				logger.Error(err))
			continue
		}

		s.state.Mark(f.Name, f.Size, s.uploader.Name(), s.now())
		if err := s.state.Save(); err != nil {
			// Without a persisted record the file would be sent again.
			return report, err
		}
		report.Uploaded++
		report.Bytes += f.Size
		s.log.Info("recording uploaded",
			logger.String("file", f.Name),
			logger.Int64("bytes", f.Size),
			logger.String("method", s.uploader.Name()))

		if s.settings.DeleteAfter && s.remove(f) {
			report.Deleted++
		}
	}

	if s.settings.CheckIn && s.checkIn != nil && s.settings.DeviceID != "" {
		if err := s.sendCheckIn(ctx); err != nil {
			s.log.Warn("check-in failed", logger.Error(err))
		} else {
			report.CheckIn = true
		}
	}

	report.Elapsed = s.now().Sub(start)
	s.log.Info("sync finished",
		logger.Int("pending", report.Pending),
		logger.Int("uploaded", report.Uploaded),
		logger.Int("failed", report.Failed),
		logger.Duration("elapsed", report.Elapsed))
	return report, errors.Join(errs...)
}

func (s *Syncer) remove(f *PendingFile) bool {
	if err := os.Remove(f.Path); err != nil {
		s.log.Warn("failed to delete uploaded recording", logger.String("path", f.Path), logger.Error(err))
		return false
	}
	if f.SidecarPath != "" {
		if err := os.Remove(f.SidecarPath); err != nil && !os.IsNotExist(err) {
			s.log.Warn("failed to delete sidecar", logger.String("path", f.SidecarPath), logger.Error(err))
		}
	}
	return true
}

func (s *Syncer) sendCheckIn(ctx context.Context) error {
	in := &CheckIn{}
	if s.settings.Latitude != 0 || s.settings.Longitude != 0 {
		lat, lon := s.settings.Latitude, s.settings.Longitude
		in.Latitude, in.Longitude = &lat, &lon
	}
	if usage, err := disk.UsageWithContext(ctx, s.settings.WatchDir); err == nil {
		total, used := int64(usage.Total), int64(usage.Used) //nolint:gosec // disk sizes fit in int64
		in.DiskSpaceTotal, in.DiskSpaceUsed = &total, &used
	}
	return s.checkIn.CheckIn(ctx, s.settings.DeviceID, in)
}

// Run syncs on the cron schedule until ctx is done. Overlapping passes are
// skipped. With immediate set, one pass runs before the first tick.
func (s *Syncer) Run(ctx context.Context, immediate bool) error {
	schedule := s.settings.Schedule
	if schedule == "" {
		schedule = "0 0 * * *"
	}

	cl := cronLogger{log: s.log}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := c.AddFunc(schedule, func() { s.pass(ctx) }); err != nil {
		return edgeError(fmt.Errorf("invalid schedule %q: %w", schedule, err), errors.CategoryConfiguration, "schedule")
	}

	if immediate {
		s.pass(ctx)
	}
	c.Start()
	s.log.Info("edge sync scheduled", logger.String("schedule", schedule))

	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info("edge sync stopped")
	return nil
}

func (s *Syncer) pass(ctx context.Context) {
	if _, err := s.SyncOnce(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("sync pass finished with errors", logger.Error(err))
	}
}

// cronLogger adapts logger.Logger to cron.Logger.
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logger.Error(err))...)
}

func kvFields(kv []any) []logger.Field {
	fields := make([]logger.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, logger.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return fields
}
