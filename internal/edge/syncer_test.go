package edge

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdnet-census/internal/conf"
	"github.com/tphakala/birdnet-census/internal/errors"
	"github.com/tphakala/birdnet-census/internal/testutil"
)

type fakeUploader struct {
	mu       sync.Mutex
	uploaded []string
	fail     map[string]error
	calls    chan string
}

func (f *fakeUploader) Name() string { return "fake" }

func (f *fakeUploader) Upload(_ context.Context, pf *PendingFile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls != nil {
		select {
		case f.calls <- pf.Name:
		default:
		}
	}
	if err := f.fail[pf.Name]; err != nil {
		return err
	}
	f.uploaded = append(f.uploaded, pf.Name)
	return nil
}

func (f *fakeUploader) Close() error { return nil }

func (f *fakeUploader) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.uploaded...)
}

type fakeCheckIn struct {
	device string
	in     *CheckIn
}

func (f *fakeCheckIn) CheckIn(_ context.Context, deviceID string, in *CheckIn) error {
	f.device, f.in = deviceID, in
	return nil
}

var syncNow = time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)

func newSyncer(t *testing.T, settings *conf.EdgeSettings, up Uploader, opts ...SyncerOption) (*Syncer, *StateManager) {
	t.Helper()
	if settings.WatchDir == "" {
		settings.WatchDir = t.TempDir()
	}
	if settings.StateFile == "" {
		settings.StateFile = filepath.Join(t.TempDir(), "sync_state.json")
	}
	state, err := LoadState(settings.StateFile)
	require.NoError(t, err)
	opts = append([]SyncerOption{WithClock(func() time.Time { return syncNow })}, opts...)
	return NewSyncer(settings, up, state, opts...), state
}

func TestSyncOnceUploadsEachFileOnce(t *testing.T) {
	t.Parallel()
	settings := &conf.EdgeSettings{MinAge: time.Minute}
	up := &fakeUploader{}
	s, _ := newSyncer(t, settings, up)

	writeRecording(t, settings.WatchDir, "pi-01_20240501_060000.wav", "one", time.Hour, syncNow)
	writeRecording(t, settings.WatchDir, "pi-01_20240501_070000.wav", "two", time.Hour, syncNow)
	writeRecording(t, settings.WatchDir, "pi-01_20240502_115959.wav", "fresh", time.Second, syncNow)

	report, err := s.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Pending)
	assert.Equal(t, 2, report.Uploaded)
	assert.EqualValues(t, 6, report.Bytes)
	assert.Zero(t, report.Deleted)

	// A new syncer over the same state file does not send them again.
	reloaded, err := LoadState(settings.StateFile)
	require.NoError(t, err)
	again := NewSyncer(settings, up, reloaded, WithClock(func() time.Time { return syncNow }))
	report, err = again.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Pending)
	assert.Equal(t, []string{"pi-01_20240501_060000.wav", "pi-01_20240501_070000.wav"}, up.names())

	_, err = os.Stat(filepath.Join(settings.WatchDir, "pi-01_20240501_060000.wav"))
	assert.NoError(t, err, "files stay in place without delete_after")
}

func TestSyncOnceDeleteAfterUpload(t *testing.T) {
	t.Parallel()
	settings := &conf.EdgeSettings{DeleteAfter: true}
	s, state := newSyncer(t, settings, &fakeUploader{})

	p := writeRecording(t, settings.WatchDir, "pi-01_20240501_060000.wav", "one", time.Hour, syncNow)
	writeSidecar(t, p, sampleSidecar)

	report, err := s.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)
	assert.NoFileExists(t, p)
	assert.NoFileExists(t, sidecarPath(p))
	assert.Equal(t, 1, state.Count())
}

func TestSyncOnceFailureKeepsFile(t *testing.T) {
	t.Parallel()
	settings := &conf.EdgeSettings{DeleteAfter: true}
	up := &fakeUploader{fail: map[string]error{
		"pi-01_20240501_060000.wav": errors.NewStd("connection reset by peer"),
	}}
	s, state := newSyncer(t, settings, up)

	bad := writeRecording(t, settings.WatchDir, "pi-01_20240501_060000.wav", "one", time.Hour, syncNow)
	good := writeRecording(t, settings.WatchDir, "pi-01_20240501_070000.wav", "two", time.Hour, syncNow)

	report, err := s.SyncOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pi-01_20240501_060000.wav")
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Uploaded)
	assert.FileExists(t, bad)
	assert.NoFileExists(t, good)
	assert.False(t, state.Synced("pi-01_20240501_060000.wav", 3))

	// The next pass retries the failed file.
	delete(up.fail, "pi-01_20240501_060000.wav")
	report, err = s.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Uploaded)
}

func TestSyncOnceSendsCheckIn(t *testing.T) {
	t.Parallel()
	settings := &conf.EdgeSettings{DeviceID: "pi-01", CheckIn: true, Latitude: 60.17, Longitude: 24.94}
	ci := &fakeCheckIn{}
	s, _ := newSyncer(t, settings, &fakeUploader{}, WithCheckIn(ci))

	report, err := s.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.CheckIn)
	assert.Equal(t, "pi-01", ci.device)
	require.NotNil(t, ci.in.Latitude)
	assert.InDelta(t, 60.17, *ci.in.Latitude, 1e-9)
	require.NotNil(t, ci.in.DiskSpaceTotal)
	assert.Positive(t, *ci.in.DiskSpaceTotal)

	// Disabled in settings: no heartbeat even with a sender.
	ci2 := &fakeCheckIn{}
	s2, _ := newSyncer(t, &conf.EdgeSettings{DeviceID: "pi-01"}, &fakeUploader{}, WithCheckIn(ci2))
	report, err = s2.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, report.CheckIn)
	assert.Empty(t, ci2.device)
}

func TestRunRejectsInvalidSchedule(t *testing.T) {
	t.Parallel()
	s, _ := newSyncer(t, &conf.EdgeSettings{Schedule: "every full moon"}, &fakeUploader{})
	err := s.Run(context.Background(), false)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestRunImmediatePassThenStops(t *testing.T) {
	t.Parallel()
	up := &fakeUploader{calls: make(chan string, 1)}
	settings := &conf.EdgeSettings{Schedule: "0 3 * * *"}
	s, _ := newSyncer(t, settings, up)
	writeRecording(t, settings.WatchDir, "pi-01_20240501_060000.wav", "one", time.Hour, syncNow)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, true) }()

	select {
	case name := <-up.calls:
		assert.Equal(t, "pi-01_20240501_060000.wav", name)
	case <-time.After(testutil.DefaultTestTimeout):
		t.Fatal("immediate pass did not run")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(testutil.DefaultTestTimeout):
		t.Fatal("Run did not return after cancel")
	}
}
