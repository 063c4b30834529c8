package analysis

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gorm.io/gorm"

	"github.com/tphakala/birdnet-census/internal/classifier"
	"github.com/tphakala/birdnet-census/internal/conf"
	"github.com/tphakala/birdnet-census/internal/datastore/entities"
	"github.com/tphakala/birdnet-census/internal/datastore/repository"
	"github.com/tphakala/birdnet-census/internal/errors"
	"github.com/tphakala/birdnet-census/internal/myaudio"
	"github.com/tphakala/birdnet-census/internal/recording"
	"github.com/tphakala/birdnet-census/internal/storage"
	"github.com/tphakala/birdnet-census/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

type mockClassifier struct {
	mock.Mock
}

func (m *mockClassifier) Classify(_ context.Context, seg classifier.Segment, cc classifier.Context) ([]classifier.Prediction, error) {
	args := m.Called(seg.Start, cc)
	preds, _ := args.Get(0).([]classifier.Prediction)
	return preds, args.Error(1)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []*Event
}

func (c *capturePublisher) PublishAnalysis(_ context.Context, ev *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

type captureMetrics struct {
	mu       sync.Mutex
	runs     map[string]int
	classify int
}

func (c *captureMetrics) RecordRun(status string, _ time.Duration, _, _ int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runs == nil {
		c.runs = make(map[string]int)
	}
	c.runs[status]++
}

func (c *captureMetrics) RecordClassification(time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.classify++
}

type fixture struct {
	db       *gorm.DB
	files    *storage.LocalStore
	recs     repository.RecordingRepository
	analyses repository.AnalysisRepository
	svc      *recording.Service
	settings conf.PipelineSettings
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestStore(t).DB()
	files, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = files.Close() })

	recs := repository.NewRecordingRepository(db)
	svc := recording.NewService(recs, repository.NewDeviceRepository(db), files, &conf.StorageSettings{
		MaxFileSize:         50 << 20,
		AllowedExtensions:   []string{"wav", "mp3", "flac"},
		AutoRegisterDevices: true,
	})
	return &fixture{
		db:       db,
		files:    files,
		recs:     recs,
		analyses: repository.NewAnalysisRepository(db),
		svc:      svc,
		settings: conf.PipelineSettings{
			SampleRate:   48000,
			Channels:     1,
			WindowLength: 3.0,
			Overlap:      0,
			Threshold:    0.7,
			MaxResults:   10,
		},
	}
}

func (f *fixture) pipeline(cls classifier.Classifier, timeout time.Duration, opts ...Option) *Pipeline {
	return NewPipeline(f.db, f.recs, f.analyses, f.files, cls, &f.settings, timeout, opts...)
}

// upload stores a mono 48 kHz sine of the given length as a device upload.
func (f *fixture) upload(t *testing.T, seconds float64) *entities.Recording {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pi-01_20240501_060000.wav")
	require.NoError(t, myaudio.WriteWAVFile(path, myaudio.Sine(2000, seconds, 48000, 0.3), 48000, 1))
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	rec, err := f.svc.Create(context.Background(), bytes.NewReader(data), recording.UploadMetadata{
		FileName:  filepath.Base(path),
		Size:      int64(len(data)),
		DeviceID:  "pi-01",
		Latitude:  testutil.Ptr(34.5),
		Longitude: testutil.Ptr(74.5),
	})
	require.NoError(t, err)
	return rec
}

func (f *fixture) analysisCount(t *testing.T, id string) int64 {
	t.Helper()
	n, err := f.analyses.CountForRecording(context.Background(), id)
	require.NoError(t, err)
	return n
}

func (f *fixture) status(t *testing.T, id string) *entities.Recording {
	t.Helper()
	rec, err := f.recs.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

// A 60 second upload with one detection in the first window.
func TestAnalyzeSingleDetection(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := f.upload(t, 60)
	assert.Equal(t, entities.StatusUploaded, rec.Status)
	assert.Equal(t, "wav", rec.FileType)

	cls := &mockClassifier{}
	cls.On("Classify", 0.0, mock.MatchedBy(func(cc classifier.Context) bool {
		return cc.HasLocation && cc.Latitude == 34.5 && cc.Longitude == 74.5
	})).Return([]classifier.Prediction{{Species: "Corvus splendens", CommonName: "House Crow", Confidence: 0.82}}, nil).Once()
	cls.On("Classify", mock.Anything, mock.Anything).Return(nil, nil)

	pub := &capturePublisher{}
	metrics := &captureMetrics{}
	res, err := f.pipeline(cls, time.Second, WithPublisher(pub), WithMetrics(metrics)).Analyze(context.Background(), rec.ID)
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, entities.StatusProcessed, res.Status)
	assert.True(t, res.Succeeded())
	assert.Equal(t, 20, res.Windows)
	assert.Equal(t, 1, res.Detections)
	assert.InDelta(t, 60.0, res.Duration, 0.001)
	assert.Empty(t, res.Error)
	cls.AssertNumberOfCalls(t, "Classify", 20)

	rows, err := f.analyses.ListForRecording(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Corvus splendens", rows[0].Species)
	require.NotNil(t, rows[0].CommonName)
	assert.Equal(t, "House Crow", *rows[0].CommonName)
	assert.InDelta(t, 0.82, rows[0].Confidence, 1e-9)
	assert.InDelta(t, 0.0, rows[0].StartTime, 1e-9)
	assert.InDelta(t, 3.0, rows[0].EndTime, 1e-9)

	stored := f.status(t, rec.ID)
	assert.Equal(t, entities.StatusProcessed, stored.Status)
	assert.NotNil(t, stored.AnalyzedAt)
	assert.Nil(t, stored.AnalysisError)
	require.NotNil(t, stored.Duration)
	assert.InDelta(t, 60.0, *stored.Duration, 0.001)

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, "pi-01", ev.DeviceID)
	assert.Equal(t, entities.StatusProcessed, ev.Status)
	require.Len(t, ev.Species, 1)
	assert.Equal(t, SpeciesDetection{Species: "Corvus splendens", CommonName: "House Crow", Count: 1, MaxConfidence: 0.82}, ev.Species[0])

	assert.Equal(t, 1, metrics.runs["processed"])
	assert.Equal(t, 20, metrics.classify)
}

// The stored file disappeared before analysis.
func TestAnalyzeMissingFile(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := f.upload(t, 6)
	require.NoError(t, f.files.Remove(rec.FilePath))

	cls := &mockClassifier{}
	pub := &capturePublisher{}
	res, err := f.pipeline(cls, time.Second, WithPublisher(pub)).Analyze(context.Background(), rec.ID)
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, entities.StatusFailed, res.Status)
	assert.NotEmpty(t, res.Error)
	assert.Zero(t, res.Detections)
	cls.AssertNotCalled(t, "Classify", mock.Anything, mock.Anything)

	stored := f.status(t, rec.ID)
	assert.Equal(t, entities.StatusFailed, stored.Status)
	require.NotNil(t, stored.AnalysisError)
	assert.NotEmpty(t, *stored.AnalysisError)
	assert.NotNil(t, stored.AnalyzedAt)
	assert.Zero(t, f.analysisCount(t, rec.ID))

	require.Len(t, pub.events, 1)
	assert.Equal(t, entities.StatusFailed, pub.events[0].Status)
	assert.NotEmpty(t, pub.events[0].Error)
}

// A second caller loses the claim while the first is running.
func TestAnalyzeConcurrentClaim(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := f.upload(t, 3)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	cls := classifier.Func(func(ctx context.Context, _ classifier.Segment, _ classifier.Context) ([]classifier.Prediction, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []classifier.Prediction{{Species: "Corvus splendens", Confidence: 0.9}}, nil
	})
	p := f.pipeline(cls, 5*time.Second)

	type outcome struct {
		res *Result
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := p.Analyze(context.Background(), rec.ID)
		first <- outcome{res, err}
	}()
	testutil.WaitForChannel(t, started, testutil.DefaultTestTimeout, "first run did not reach the classifier")

	res, err := p.Analyze(context.Background(), rec.ID)
	assert.Nil(t, res)
	require.ErrorIs(t, err, ErrAlreadyProcessing)
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))
	assert.Equal(t, entities.StatusProcessing, f.status(t, rec.ID).Status)

	close(release)
	var out outcome
	select {
	case out = <-first:
	case <-time.After(testutil.DefaultTestTimeout):
		require.Fail(t, "first run did not finish")
	}
	require.NoError(t, out.err)
	assert.Equal(t, entities.StatusProcessed, out.res.Status)
	assert.Equal(t, entities.StatusProcessed, f.status(t, rec.ID).Status)
	assert.Equal(t, int64(1), f.analysisCount(t, rec.ID))
}

func TestAnalyzeManyConcurrentCallersOneWinner(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := f.upload(t, 3)

	const callers = 8
	var losers sync.WaitGroup
	losers.Add(callers - 1)
	losersDone := make(chan struct{})
	go func() { losers.Wait(); close(losersDone) }()

	cls := classifier.Func(func(ctx context.Context, _ classifier.Segment, _ classifier.Context) ([]classifier.Prediction, error) {
		select {
		case <-losersDone:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return nil, nil
	})
	p := f.pipeline(cls, 5*time.Second)

	var (
		mu       sync.Mutex
		winners  int
		conflict int
		wg       sync.WaitGroup
	)
	gate := make(chan struct{})
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-gate
			res, err := p.Analyze(context.Background(), rec.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && res != nil:
				winners++
			case errors.Is(err, ErrAlreadyProcessing):
				conflict++
				losers.Done()
			default:
				t.Errorf("unexpected outcome: %v", err)
				losers.Done()
			}
		}()
	}
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, callers-1, conflict)
	assert.Equal(t, entities.StatusProcessed, f.status(t, rec.ID).Status)
}

func TestAnalyzeClassifierError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := f.upload(t, 9)

	cls := &mockClassifier{}
	cls.On("Classify", 0.0, mock.Anything).Return([]classifier.Prediction{{Species: "Corvus splendens", Confidence: 0.95}}, nil).Once()
	cls.On("Classify", 3.0, mock.Anything).Return(nil, errors.NewStd("model crashed")).Once()

	res, err := f.pipeline(cls, time.Second).Analyze(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "model crashed")
	assert.Contains(t, res.Error, "window 1")

	// Detections from windows that succeeded are not kept.
	assert.Zero(t, f.analysisCount(t, rec.ID))
	stored := f.status(t, rec.ID)
	assert.Equal(t, entities.StatusFailed, stored.Status)
	require.NotNil(t, stored.AnalysisError)
	assert.Contains(t, *stored.AnalysisError, "model crashed")
}

func TestAnalyzeClassifierTimeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := f.upload(t, 3)

	cls := classifier.Func(func(ctx context.Context, _ classifier.Segment, _ classifier.Context) ([]classifier.Prediction, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	metrics := &captureMetrics{}
	res, err := f.pipeline(cls, 30*time.Millisecond, WithMetrics(metrics)).Analyze(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "timed out")
	assert.Equal(t, entities.StatusFailed, f.status(t, rec.ID).Status)
	assert.Equal(t, 1, metrics.runs["failed"])
}

func TestAnalyzeDecodeError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec, err := f.svc.Create(context.Background(), bytes.NewReader([]byte("definitely not a wav file")), recording.UploadMetadata{
		FileName: "broken.wav",
		Size:     -1,
	})
	require.NoError(t, err)

	res, err := f.pipeline(&mockClassifier{}, time.Second).Analyze(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "decode audio")
}

func TestAnalyzeThresholdAndMaxResults(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.settings.Threshold = 0.5
	f.settings.MaxResults = 2
	rec := f.upload(t, 3)

	cls := &mockClassifier{}
	cls.On("Classify", 0.0, mock.Anything).Return([]classifier.Prediction{
		{Species: "Parus major", Confidence: 0.6},
		{Species: "Turdus merula", Confidence: 0.9},
		{Species: "Noise", Confidence: 0.2},
		{Species: "Erithacus rubecula", Confidence: 0.75},
		{Species: "Broken", Confidence: 1.5},
		{Species: "", Confidence: 0.99},
	}, nil)

	res, err := f.pipeline(cls, time.Second).Analyze(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.StatusProcessed, res.Status)
	assert.Equal(t, 2, res.Detections)

	rows, err := f.analyses.ListForRecording(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Turdus merula", rows[0].Species)
	assert.Equal(t, "Erithacus rubecula", rows[1].Species)
}

func TestAnalyzeDropsNaNConfidence(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := f.upload(t, 3)

	cls := classifier.Func(func(context.Context, classifier.Segment, classifier.Context) ([]classifier.Prediction, error) {
		return []classifier.Prediction{
			{Species: "Corvus splendens", Confidence: 0.82},
			{Species: "Bogus", Confidence: math.NaN()},
			{Species: "   ", Confidence: 0.9},
		}, nil
	})

	res, err := f.pipeline(cls, time.Second).Analyze(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.StatusProcessed, res.Status, res.Error)
	assert.Equal(t, 1, res.Detections)

	rows, err := f.analyses.ListForRecording(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Corvus splendens", rows[0].Species)
	assert.InDelta(t, 0.82, rows[0].Confidence, 1e-9)
}

func TestAnalyzeFallbackLocation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.settings.Latitude = 34.4167
	f.settings.Longitude = 74.5833

	rec, err := f.svc.Create(context.Background(), bytes.NewReader(mustWAV(t, 3)), recording.UploadMetadata{
		FileName: "clip.wav",
		Size:     -1,
	})
	require.NoError(t, err)

	var got classifier.Context
	cls := classifier.Func(func(_ context.Context, _ classifier.Segment, cc classifier.Context) ([]classifier.Prediction, error) {
		got = cc
		return nil, nil
	})
	res, err := f.pipeline(cls, time.Second).Analyze(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.StatusProcessed, res.Status)
	assert.True(t, got.HasLocation)
	assert.InDelta(t, 34.4167, got.Latitude, 1e-9)
	assert.WithinDuration(t, rec.RecordedAt, got.Date, time.Millisecond)
}

func TestAnalyzeClaimErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	noop := classifier.Func(func(context.Context, classifier.Segment, classifier.Context) ([]classifier.Prediction, error) {
		return nil, nil
	})
	p := f.pipeline(noop, time.Second)

	_, err := p.Analyze(ctx, "does-not-exist")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	rec := f.upload(t, 3)
	res, err := p.Analyze(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, res.Succeeded())

	// A processed recording is final.
	_, err = p.Analyze(ctx, rec.ID)
	require.ErrorIs(t, err, ErrInvalidState)
	assert.True(t, errors.IsCategory(err, errors.CategoryState))
	assert.Equal(t, int64(0), f.analysisCount(t, rec.ID))

	// A failed recording needs a manual retry first.
	failed := f.upload(t, 3)
	require.NoError(t, f.files.Remove(failed.FilePath))
	res, err = p.Analyze(ctx, failed.ID)
	require.NoError(t, err)
	require.Equal(t, entities.StatusFailed, res.Status)

	_, err = p.Analyze(ctx, failed.ID)
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = f.svc.Retry(ctx, failed.ID)
	require.NoError(t, err)
	res, err = p.Analyze(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.StatusFailed, res.Status)
}

func TestSummarizeSpecies(t *testing.T) {
	t.Parallel()

	crow := "House Crow"
	rows := []entities.Analysis{
		{Species: "Parus major", Confidence: 0.8},
		{Species: "Corvus splendens", CommonName: &crow, Confidence: 0.7},
		{Species: "Corvus splendens", CommonName: &crow, Confidence: 0.9},
	}
	got := summarizeSpecies(rows)
	require.Len(t, got, 2)
	assert.Equal(t, SpeciesDetection{Species: "Corvus splendens", CommonName: "House Crow", Count: 2, MaxConfidence: 0.9}, got[0])
	assert.Equal(t, "Parus major", got[1].Species)
	assert.Empty(t, summarizeSpecies(nil))
}

func mustWAV(t *testing.T, seconds float64) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tone.wav")
	require.NoError(t, myaudio.WriteWAVFile(path, myaudio.Sine(1500, seconds, 48000, 0.3), 48000, 1))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}
