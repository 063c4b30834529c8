package recording

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tphakala/birdnet-census/internal/conf"
	"github.com/tphakala/birdnet-census/internal/datastore/entities"
	"github.com/tphakala/birdnet-census/internal/datastore/repository"
	"github.com/tphakala/birdnet-census/internal/errors"
	"github.com/tphakala/birdnet-census/internal/myaudio"
	"github.com/tphakala/birdnet-census/internal/storage"
	"github.com/tphakala/birdnet-census/internal/testutil"
)

type fixture struct {
	svc   *Service
	db    *gorm.DB
	files *storage.LocalStore
}

func newFixture(t *testing.T, mutate func(*conf.StorageSettings)) *fixture {
	t.Helper()
	db := testutil.NewTestStore(t).DB()
	files, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = files.Close() })

	settings := &conf.StorageSettings{
		MaxFileSize:         10 << 20,
		AllowedExtensions:   []string{"wav", "mp3", "flac"},
		AutoRegisterDevices: true,
	}
	if mutate != nil {
		mutate(settings)
	}
	svc := NewService(repository.NewRecordingRepository(db), repository.NewDeviceRepository(db), files, settings)
	return &fixture{svc: svc, db: db, files: files}
}

func wavBytes(t *testing.T, seconds float64) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tone.wav")
	require.NoError(t, myaudio.WriteWAVFile(path, myaudio.Sine(1000, seconds, 8000, 0.3), 8000, 1))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func storedFiles(t *testing.T, root string) int {
	t.Helper()
	n := 0
	require.NoError(t, filepath.WalkDir(root, func(_ string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			n++
		}
		return err
	}))
	return n
}

func countRecordings(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&entities.Recording{}).Count(&n).Error)
	return n
}

func TestUploadWAVFromDevice(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	data := wavBytes(t, 60)

	rec, err := f.svc.Create(context.Background(), bytes.NewReader(data), UploadMetadata{
		FileName:  "recording.wav",
		Size:      int64(len(data)),
		DeviceID:  "pi-01",
		Latitude:  testutil.Ptr(34.5),
		Longitude: testutil.Ptr(74.5),
		Metadata:  map[string]any{"gain": 12.0},
	})
	require.NoError(t, err)
	assert.Equal(t, entities.StatusUploaded, rec.Status)
	assert.Equal(t, "wav", rec.FileType)
	assert.EqualValues(t, len(data), rec.FileSize)
	require.NotNil(t, rec.Duration)
	assert.InDelta(t, 60.0, *rec.Duration, 0.01)
	assert.True(t, f.files.Exists(rec.FilePath))

	stored, err := f.svc.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.DeviceID)
	assert.Equal(t, "pi-01", *stored.DeviceID)
	assert.InDelta(t, 12.0, stored.Metadata["gain"], 1e-9)

	dev, err := repository.NewDeviceRepository(f.db).Get(context.Background(), "pi-01")
	require.NoError(t, err, "unknown devices are registered on upload")
	assert.NotNil(t, dev.LastSeen)
}

func TestUploadRejectsDisallowedExtension(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	_, err := f.svc.Create(context.Background(), strings.NewReader("MZ"), UploadMetadata{FileName: "payload.exe", Size: 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedExtension)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
	assert.Zero(t, countRecordings(t, f.db))
	assert.Zero(t, storedFiles(t, f.files.Root()))
}

func TestUploadSizeLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(s *conf.StorageSettings) { s.MaxFileSize = 1024 })
	data := wavBytes(t, 1)

	_, err := f.svc.Create(context.Background(), bytes.NewReader(data), UploadMetadata{FileName: "a.wav", Size: int64(len(data))})
	require.ErrorIs(t, err, ErrFileTooLarge)

	// A client that under-declares is caught while streaming.
	_, err = f.svc.Create(context.Background(), bytes.NewReader(data), UploadMetadata{FileName: "a.wav", Size: -1})
	require.ErrorIs(t, err, ErrFileTooLarge)

	var ee *errors.EnhancedError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 413, ee.GetContext()["status"])
	assert.Zero(t, countRecordings(t, f.db))
	assert.Zero(t, storedFiles(t, f.files.Root()))
}

func TestUploadValidatesLocation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	tests := []struct {
		name     string
		lat, lon *float64
	}{
		{"latitude only", testutil.Ptr(10.0), nil},
		{"latitude out of range", testutil.Ptr(90.5), testutil.Ptr(0.0)},
		{"longitude out of range", testutil.Ptr(0.0), testutil.Ptr(-181.0)},
	}
	for _, tt := range tests {
		_, err := f.svc.Create(context.Background(), strings.NewReader("RIFF"), UploadMetadata{
			FileName: "a.wav", Size: 4, Latitude: tt.lat, Longitude: tt.lon,
		})
		assert.ErrorIs(t, err, ErrInvalidLocation, tt.name)
	}
	assert.Zero(t, countRecordings(t, f.db))
}

func TestUploadDeviceRules(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(s *conf.StorageSettings) { s.AutoRegisterDevices = false })
	ctx := context.Background()
	devices := repository.NewDeviceRepository(f.db)

	_, err := f.svc.Create(ctx, strings.NewReader("RIFF"), UploadMetadata{FileName: "a.wav", DeviceID: "ghost"})
	assert.ErrorIs(t, err, ErrUnknownDevice)

	_, _, err = devices.Register(ctx, repository.DeviceRegistration{DeviceID: "retired"})
	require.NoError(t, err)
	_, err = devices.Deactivate(ctx, "retired")
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, strings.NewReader("RIFF"), UploadMetadata{FileName: "a.wav", DeviceID: "retired"})
	assert.ErrorIs(t, err, ErrInactiveDevice)

	rec, err := f.svc.Create(ctx, strings.NewReader("not really audio"), UploadMetadata{FileName: "a.flac", Size: -1})
	require.NoError(t, err, "unattributed uploads are allowed")
	assert.Nil(t, rec.DeviceID)
	assert.Nil(t, rec.Duration, "probe failure leaves duration unset")
	assert.Equal(t, 1, storedFiles(t, f.files.Root()))
}

func TestUploadRecordedAtFromFileName(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	rec, err := f.svc.Create(context.Background(), strings.NewReader("RIFF"), UploadMetadata{
		FileName: "pi-01_20240501_053000.wav", DeviceID: "pi-01",
	})
	require.NoError(t, err)
	assert.True(t, rec.RecordedAt.Equal(time.Date(2024, 5, 1, 5, 30, 0, 0, time.UTC)))
	assert.True(t, strings.HasPrefix(rec.FilePath, "pi-01/2024-05-01/"))
}

type failingRecordings struct {
	repository.RecordingRepository
}

func (failingRecordings) Create(context.Context, *entities.Recording) error {
	return errors.New(repository.ErrPersistence).Category(errors.CategoryDatabase).Build()
}

func TestUploadInsertFailureRemovesFile(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.svc.recordings = failingRecordings{f.svc.recordings}

	_, err := f.svc.Create(context.Background(), strings.NewReader("RIFF"), UploadMetadata{FileName: "a.wav"})
	require.ErrorIs(t, err, repository.ErrPersistence)
	assert.Zero(t, storedFiles(t, f.files.Root()))
}

func TestDeleteRemovesRowAndFile(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	rec, err := f.svc.Create(ctx, strings.NewReader("RIFF"), UploadMetadata{FileName: "a.wav"})
	require.NoError(t, err)

	_, err = f.svc.Delete(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, f.files.Exists(rec.FilePath))
	_, err = f.svc.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, repository.ErrRecordingNotFound)
}

func TestRetryOnlyFromFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	rec, err := f.svc.Create(ctx, strings.NewReader("RIFF"), UploadMetadata{FileName: "a.wav"})
	require.NoError(t, err)

	_, err = f.svc.Retry(ctx, rec.ID)
	assert.ErrorIs(t, err, entities.ErrInvalidTransition)

	_, err = f.svc.UpdateStatus(ctx, rec.ID, entities.StatusProcessing, "")
	require.NoError(t, err)
	_, err = f.svc.UpdateStatus(ctx, rec.ID, entities.StatusFailed, "classifier timeout")
	require.NoError(t, err)

	got, err := f.svc.Retry(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.StatusUploaded, got.Status)
	assert.Nil(t, got.AnalysisError)
}

func TestOpenAudio(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	rec, err := f.svc.Create(ctx, strings.NewReader("RIFFDATA"), UploadMetadata{FileName: "a.wav"})
	require.NoError(t, err)

	_, file, err := f.svc.OpenAudio(ctx, rec.ID)
	require.NoError(t, err)
	defer file.Close()
	buf := make([]byte, 8)
	_, err = file.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "RIFFDATA", string(buf))
	assert.Equal(t, "audio/wav", ContentType(rec.FileType))
}

func TestParseFileName(t *testing.T) {
	t.Parallel()

	id, at, ok := ParseFileName("/data/rpi_garden_20240102_030405.flac")
	require.True(t, ok)
	assert.Equal(t, "rpi_garden", id)
	assert.True(t, at.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)))
	assert.Equal(t, "rpi_garden_20240102_030405.flac", FormatFileName(id, at, ".flac"))

	_, _, ok = ParseFileName("random.wav")
	assert.False(t, ok)
	_, _, ok = ParseFileName("dev_20241399_000000.wav")
	assert.False(t, ok)
}
