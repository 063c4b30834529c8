// Package analysis runs stored recordings through the classifier and
// persists the detections. Pipeline.Analyze is the single entry point used
// by the HTTP API, the CLI and the background Worker.
package analysis

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tphakala/birdnet-census/internal/classifier"
	"github.com/tphakala/birdnet-census/internal/conf"
	"github.com/tphakala/birdnet-census/internal/datastore/entities"
	"github.com/tphakala/birdnet-census/internal/datastore/repository"
	"github.com/tphakala/birdnet-census/internal/errors"
	"github.com/tphakala/birdnet-census/internal/logger"
	"github.com/tphakala/birdnet-census/internal/myaudio"
	"github.com/tphakala/birdnet-census/internal/storage"
)

const (
	defaultClassifierTimeout = 30 * time.Second
	publishTimeout           = 5 * time.Second
)

// Result is the outcome of one pipeline run. Status is processed or failed.
type Result struct {
	RecordingID string                   `json:"recording_id"`
	Status      entities.RecordingStatus `json:"status"`
	Windows     int                      `json:"windows"`
	Detections  int                      `json:"detections"`
	Duration    float64                  `json:"duration"` // audio seconds
	Elapsed     time.Duration            `json:"elapsed_ns"`
	Error       string                   `json:"error,omitempty"`
}

// Succeeded reports whether the recording ended up processed.
func (r *Result) Succeeded() bool { return r.Status == entities.StatusProcessed }

// Pipeline decodes, segments and classifies recordings.
type Pipeline struct {
	db         *gorm.DB
	recordings repository.RecordingRepository
	analyses   repository.AnalysisRepository
	files      storage.FileStore
	classifier classifier.Classifier
	settings   conf.PipelineSettings
	timeout    time.Duration

	publisher EventPublisher
	metrics   Metrics
	log       logger.Logger
	now       func() time.Time
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithPublisher sends an Event after each terminal state.
func WithPublisher(p EventPublisher) Option {
	return func(pl *Pipeline) { pl.publisher = p }
}

// WithMetrics records run and classifier metrics.
func WithMetrics(m Metrics) Option {
	return func(pl *Pipeline) { pl.metrics = m }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(pl *Pipeline) { pl.now = now }
}

func NewPipeline(
	db *gorm.DB,
	recordings repository.RecordingRepository,
	analyses repository.AnalysisRepository,
	files storage.FileStore,
	cls classifier.Classifier,
	settings *conf.PipelineSettings,
	classifierTimeout time.Duration,
	opts ...Option,
) *Pipeline {
	if classifierTimeout <= 0 {
		classifierTimeout = defaultClassifierTimeout
	}
	p := &Pipeline{
		db:         db,
		recordings: recordings,
		analyses:   analyses,
		files:      files,
		classifier: cls,
		settings:   *settings,
		timeout:    classifierTimeout,
		log:        logger.Global().Module("analysis"),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Analyze claims the recording and runs it through the classifier.
//
// Claim problems are returned as errors with no state change: NotFound,
// ErrAlreadyProcessing or ErrInvalidState. Every failure after the claim
// marks the recording failed and is reported in the Result with a nil error.
func (p *Pipeline) Analyze(ctx context.Context, recordingID string) (*Result, error) {
	start := time.Now()

	won, err := p.recordings.Claim(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, p.claimError(ctx, recordingID)
	}

	log := p.log.With(logger.String("recording_id", recordingID))
	log.Info("analysis started")

	res := &Result{RecordingID: recordingID}
	rec, err := p.recordings.Get(ctx, recordingID)
	if err != nil {
		return p.fail(ctx, rec, res, start, fmt.Errorf("load recording: %w", err))
	}

	pcm, err := p.decode(rec)
	if err != nil {
		return p.fail(ctx, rec, res, start, err)
	}
	res.Duration = pcm.Duration()

	windows, err := myaudio.SplitWindows(pcm, p.settings.WindowLength, p.settings.Overlap)
	if err != nil {
		return p.fail(ctx, rec, res, start, err)
	}
	res.Windows = len(windows)

	rows, err := p.classifyWindows(ctx, rec, pcm, windows)
	if err != nil {
		return p.fail(ctx, rec, res, start, err)
	}

	duration := res.Duration
	analyzedAt := p.now()
	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := p.analyses.BulkInsert(ctx, tx, recordingID, rows); err != nil {
			return err
		}
		return p.recordings.MarkProcessed(ctx, tx, recordingID, &duration, analyzedAt)
	})
	if err != nil {
		return p.fail(ctx, rec, res, start, fmt.Errorf("store detections: %w", err))
	}

	res.Status = entities.StatusProcessed
	res.Detections = len(rows)
	res.Elapsed = time.Since(start)

	log.Info("analysis completed",
		logger.Int("windows", res.Windows),
		logger.Int("detections", res.Detections),
		logger.Float64("audio_seconds", res.Duration),
		logger.Duration("elapsed", res.Elapsed))

	p.recordRun(res)
	p.publish(ctx, rec, res, rows, analyzedAt)
	return res, nil
}

// claimError explains why the claim was lost.
func (p *Pipeline) claimError(ctx context.Context, id string) error {
	rec, err := p.recordings.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status == entities.StatusProcessing {
		return alreadyProcessing(id)
	}
	return invalidState(id, rec.Status)
}

func (p *Pipeline) decode(rec *entities.Recording) (*myaudio.PCM, error) {
	f, err := p.files.Open(rec.FilePath)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer func() { _ = f.Close() }()

	format := rec.FileType
	if format == "" {
		format = myaudio.FormatFromPath(rec.FilePath)
	}
	pcm, err := myaudio.Decode(f, format, p.settings.SampleRate, p.settings.Channels)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}
	return pcm, nil
}

func (p *Pipeline) classifyWindows(ctx context.Context, rec *entities.Recording, pcm *myaudio.PCM, windows []myaudio.Window) ([]entities.Analysis, error) {
	cc := p.classifierContext(rec)
	var rows []entities.Analysis

	for _, w := range windows {
		seg := classifier.Segment{
			Samples:    w.Samples,
			SampleRate: pcm.SampleRate,
			Channels:   pcm.Channels,
			Start:      w.Start,
			End:        w.End,
		}
		preds, err := p.classify(ctx, seg, cc)
		if err != nil {
			return nil, fmt.Errorf("classify window %d [%.1fs-%.1fs]: %w", w.Index, w.Start, w.End, err)
		}
		rows = append(rows, p.filterPredictions(preds, w)...)
	}
	return rows, nil
}

// classify bounds one classifier call by the configured timeout, also for
// classifiers that do not watch their context.
func (p *Pipeline) classify(ctx context.Context, seg classifier.Segment, cc classifier.Context) ([]classifier.Prediction, error) {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type outcome struct {
		preds []classifier.Prediction
		err   error
	}
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("classifier panicked: %v", r)}
			}
		}()
		preds, err := p.classifier.Classify(cctx, seg, cc)
		done <- outcome{preds: preds, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-cctx.Done():
		out.err = cctx.Err()
	}
	if out.err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		out.err = errors.New(fmt.Errorf("classifier timed out after %v", p.timeout)).
			Component("analysis").
			Category(errors.CategoryTimeout).
			Build()
	}

	if p.metrics != nil {
		p.metrics.RecordClassification(time.Since(start), out.err)
	}
	return out.preds, out.err
}

// filterPredictions applies the confidence threshold and the per window
// limit, keeping the most confident. Predictions outside [0,1] or without
// a species are dropped.
func (p *Pipeline) filterPredictions(preds []classifier.Prediction, w myaudio.Window) []entities.Analysis {
	sorted := slices.Clone(preds)
	slices.SortStableFunc(sorted, func(a, b classifier.Prediction) int {
		return cmp.Compare(b.Confidence, a.Confidence)
	})

	var rows []entities.Analysis
	for _, pred := range sorted {
		if p.settings.MaxResults > 0 && len(rows) >= p.settings.MaxResults {
			break
		}
		species := strings.TrimSpace(pred.Species)
		// Written as a range check so NaN confidences fall out too.
		if species == "" || !(pred.Confidence >= p.settings.Threshold && pred.Confidence <= 1) {
			continue
		}
		row := entities.Analysis{
			Species:    species,
			Confidence: pred.Confidence,
			StartTime:  w.Start,
			EndTime:    w.End,
			RawData:    entities.JSONMap(pred.Raw),
		}
		if pred.CommonName != "" {
			name := pred.CommonName
			row.CommonName = &name
		}
		rows = append(rows, row)
	}
	return rows
}

func (p *Pipeline) classifierContext(rec *entities.Recording) classifier.Context {
	cc := classifier.Context{Date: rec.RecordedAt}
	switch {
	case rec.HasLocation():
		cc.Latitude, cc.Longitude, cc.HasLocation = *rec.Latitude, *rec.Longitude, true
	case p.settings.Latitude != 0 || p.settings.Longitude != 0:
		cc.Latitude, cc.Longitude, cc.HasLocation = p.settings.Latitude, p.settings.Longitude, true
	}
	return cc
}

// fail marks a claimed recording failed. The status write ignores
// cancellation of ctx so an aborted request cannot leave it processing.
func (p *Pipeline) fail(ctx context.Context, rec *entities.Recording, res *Result, start time.Time, cause error) (*Result, error) {
	msg := cause.Error()
	res.Status = entities.StatusFailed
	res.Error = msg
	res.Detections = 0
	res.Elapsed = time.Since(start)

	wctx := context.WithoutCancel(ctx)
	analyzedAt := p.now()
	if err := p.recordings.MarkFailed(wctx, nil, res.RecordingID, msg, analyzedAt); err != nil {
		p.log.Error("failed to mark recording failed",
			logger.String("recording_id", res.RecordingID),
			logger.String("cause", msg),
			logger.Error(err))
		return nil, err
	}

	p.log.Warn("analysis failed",
		logger.String("recording_id", res.RecordingID),
		logger.String("error", msg),
		logger.Duration("elapsed", res.Elapsed))

	p.recordRun(res)
	p.publish(wctx, rec, res, nil, analyzedAt)
	return res, nil
}

func (p *Pipeline) recordRun(res *Result) {
	if p.metrics != nil {
		p.metrics.RecordRun(string(res.Status), res.Elapsed, res.Windows, res.Detections)
	}
}

func (p *Pipeline) publish(ctx context.Context, rec *entities.Recording, res *Result, rows []entities.Analysis, analyzedAt time.Time) {
	if p.publisher == nil {
		return
	}
	ev := &Event{
		RecordingID: res.RecordingID,
		Status:      res.Status,
		Detections:  res.Detections,
		Species:     summarizeSpecies(rows),
		Duration:    res.Duration,
		Error:       res.Error,
		AnalyzedAt:  analyzedAt,
	}
	if rec != nil {
		if rec.DeviceID != nil {
			ev.DeviceID = *rec.DeviceID
		}
		ev.Latitude, ev.Longitude = rec.Latitude, rec.Longitude
		ev.RecordedAt = rec.RecordedAt
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := p.publisher.PublishAnalysis(pctx, ev); err != nil {
		p.log.Warn("failed to publish analysis event",
			logger.String("recording_id", res.RecordingID),
			logger.Error(err))
	}
}
