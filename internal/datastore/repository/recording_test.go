package repository_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tphakala/birdnet-census/internal/datastore/entities"
	"github.com/tphakala/birdnet-census/internal/datastore/repository"
	"github.com/tphakala/birdnet-census/internal/errors"
	"github.com/tphakala/birdnet-census/internal/testutil"
)

// newRecording inserts an uploaded recording, registering deviceID first
// so the foreign key holds.
func newRecording(t *testing.T, db *gorm.DB, deviceID string, recordedAt time.Time) *entities.Recording {
	t.Helper()
	ensureDevice(t, db, deviceID)
	rec := &entities.Recording{
		ID:         uuid.NewString(),
		FilePath:   "dev/2024-05-01/x.wav",
		FileName:   "x.wav",
		FileSize:   1024,
		FileType:   "wav",
		RecordedAt: recordedAt.UTC(),
	}
	if deviceID != "" {
		rec.DeviceID = &deviceID
	}
	require.NoError(t, repository.NewRecordingRepository(db).Create(context.Background(), rec))
	return rec
}

func ensureDevice(t *testing.T, db *gorm.DB, deviceID string) {
	t.Helper()
	if deviceID == "" {
		return
	}
	_, _, err := repository.NewDeviceRepository(db).Register(context.Background(), repository.DeviceRegistration{DeviceID: deviceID})
	require.NoError(t, err)
}

func TestRecordingCreateAndGet(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestStore(t).DB()
	repo := repository.NewRecordingRepository(db)
	ctx := context.Background()

	rec := newRecording(t, db, "", time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC))

	got, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.StatusUploaded, got.Status)
	assert.Nil(t, got.AnalyzedAt)
	assert.Nil(t, got.DeviceID)

	_, err = repo.Get(ctx, "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, repository.ErrRecordingNotFound)
	assert.True(t, errors.IsNotFound(err))
}

func TestRecordingListFiltersAndOrder(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestStore(t).DB()
	repo := repository.NewRecordingRepository(db)
	ctx := context.Background()

	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := range 5 {
		device := "dev-a"
		if i%2 == 1 {
			device = "dev-b"
		}
		ids = append(ids, newRecording(t, db, device, day.Add(time.Duration(i)*time.Hour)).ID)
	}

	all, total, err := repo.List(ctx, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].CreatedAt.After(all[i-1].CreatedAt), "newest first")
	}

	byDevice, total, err := repo.List(ctx, &repository.RecordingFilter{DeviceID: "DEV-B"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, byDevice, 2)

	ranged, total, err := repo.List(ctx, &repository.RecordingFilter{
		Range: repository.TimeRange{Start: day.Add(time.Hour), End: day.Add(3 * time.Hour)},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, ranged, 2)

	paged, total, err := repo.List(ctx, &repository.RecordingFilter{Page: repository.Page{Limit: 2, Offset: 4}})
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	assert.Len(t, paged, 1)

	uploaded, err := repo.ListIDsByStatus(ctx, entities.StatusUploaded, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, uploaded)
}

func TestClaimSingleWinner(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestStore(t).DB()
	repo := repository.NewRecordingRepository(db)
	rec := newRecording(t, db, "", time.Now())

	const claimers = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	for range claimers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.Claim(context.Background(), rec.ID)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	got, err := repo.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.StatusProcessing, got.Status)
}

func TestUpdateStatusFollowsLifecycle(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestStore(t).DB()
	repo := repository.NewRecordingRepository(db)
	ctx := context.Background()
	rec := newRecording(t, db, "", time.Now())

	_, err := repo.UpdateStatus(ctx, rec.ID, entities.StatusProcessed, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, entities.ErrInvalidTransition)

	got, err := repo.UpdateStatus(ctx, rec.ID, entities.StatusProcessing, "")
	require.NoError(t, err)
	assert.Equal(t, entities.StatusProcessing, got.Status)

	got, err = repo.UpdateStatus(ctx, rec.ID, entities.StatusFailed, "decoder exploded")
	require.NoError(t, err)
	assert.Equal(t, entities.StatusFailed, got.Status)
	require.NotNil(t, got.AnalysisError)
	assert.Equal(t, "decoder exploded", *got.AnalysisError)
	assert.NotNil(t, got.AnalyzedAt)

	got, err = repo.UpdateStatus(ctx, rec.ID, entities.StatusUploaded, "")
	require.NoError(t, err)
	assert.Equal(t, entities.StatusUploaded, got.Status)
	assert.Nil(t, got.AnalysisError)
	assert.Nil(t, got.AnalyzedAt)

	_, err = repo.UpdateStatus(ctx, "missing", entities.StatusProcessing, "")
	assert.ErrorIs(t, err, repository.ErrRecordingNotFound)
}

func TestProcessedIsFinal(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestStore(t).DB()
	repo := repository.NewRecordingRepository(db)
	ctx := context.Background()
	rec := newRecording(t, db, "", time.Now())

	ok, err := repo.Claim(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, ok)
	dur := 9.0
	require.NoError(t, repo.MarkProcessed(ctx, nil, rec.ID, &dur, time.Now()))

	for _, next := range entities.AllStatuses() {
		_, err := repo.UpdateStatus(ctx, rec.ID, next, "")
		assert.ErrorIs(t, err, entities.ErrInvalidTransition, "processed -> %s", next)
	}

	got, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.StatusProcessed, got.Status)
	require.NotNil(t, got.Duration)
	assert.InDelta(t, 9.0, *got.Duration, 1e-9)
}

func TestMarkRequiresProcessing(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestStore(t).DB()
	repo := repository.NewRecordingRepository(db)
	ctx := context.Background()
	rec := newRecording(t, db, "", time.Now())

	err := repo.MarkProcessed(ctx, nil, rec.ID, nil, time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, repository.ErrStatusChanged)

	err = repo.MarkFailed(ctx, nil, rec.ID, "nope", time.Now())
	assert.ErrorIs(t, err, repository.ErrStatusChanged)

	got, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.StatusUploaded, got.Status)
}

func TestDeleteCascadesAnalyses(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestStore(t).DB()
	recs := repository.NewRecordingRepository(db)
	analyses := repository.NewAnalysisRepository(db)
	ctx := context.Background()

	rec := newRecording(t, db, "", time.Now())
	other := newRecording(t, db, "", time.Now())
	for _, id := range []string{rec.ID, other.ID} {
		err := db.Transaction(func(tx *gorm.DB) error {
			return analyses.BulkInsert(ctx, tx, id, []entities.Analysis{
				{Species: "Turdus merula", Confidence: 0.9, StartTime: 0, EndTime: 3},
				{Species: "Parus major", Confidence: 0.8, StartTime: 3, EndTime: 6},
			})
		})
		require.NoError(t, err)
	}

	deleted, err := recs.Delete(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, deleted.ID)

	n, err := analyses.CountForRecording(ctx, rec.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = analyses.CountForRecording(ctx, other.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, err = recs.Delete(ctx, rec.ID)
	assert.ErrorIs(t, err, repository.ErrRecordingNotFound)
}

func TestCountByStatus(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestStore(t).DB()
	repo := repository.NewRecordingRepository(db)
	ctx := context.Background()

	a := newRecording(t, db, "", time.Now())
	newRecording(t, db, "", time.Now())
	_, err := repo.Claim(ctx, a.ID)
	require.NoError(t, err)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts[entities.StatusUploaded])
	assert.EqualValues(t, 1, counts[entities.StatusProcessing])
	assert.Zero(t, counts[entities.StatusFailed])
}
