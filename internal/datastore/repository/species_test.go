package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdnet-census/internal/datastore/entities"
	"github.com/tphakala/birdnet-census/internal/datastore/repository"
	"github.com/tphakala/birdnet-census/internal/errors"
	"github.com/tphakala/birdnet-census/internal/testutil"
)

func TestSpeciesCatalogCRUD(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestStore(t).DB()
	repo := repository.NewSpeciesRepository(db)
	ctx := context.Background()

	blackbird := &entities.Species{
		ScientificName: "Turdus merula",
		CommonName:     testutil.Ptr("Eurasian Blackbird"),
		Family:         testutil.Ptr("Turdidae"),
		IUCNStatus:     testutil.Ptr("lc"),
	}
	require.NoError(t, repo.Create(ctx, blackbird))
	assert.NotZero(t, blackbird.ID)
	assert.Equal(t, "LC", *blackbird.IUCNStatus)

	err := repo.Create(ctx, &entities.Species{ScientificName: "turdus  MERULA"})
	require.Error(t, err)
	assert.ErrorIs(t, err, repository.ErrSpeciesExists)
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))

	tit := &entities.Species{ScientificName: "Parus major", CommonName: testutil.Ptr("Great Tit"), Family: testutil.Ptr("Paridae")}
	require.NoError(t, repo.Create(ctx, tit))

	got, err := repo.GetByScientificName(ctx, "TURDUS MERULA")
	require.NoError(t, err)
	assert.Equal(t, blackbird.ID, got.ID)

	_, err = repo.GetByScientificName(ctx, "Corvus corax")
	assert.ErrorIs(t, err, repository.ErrSpeciesNotFound)

	list, total, err := repo.List(ctx, repository.SpeciesFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, list, 2)
	assert.Equal(t, "Parus major", list[0].ScientificName)

	list, total, err = repo.List(ctx, repository.SpeciesFilter{Query: "blackbird"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, "Turdus merula", list[0].ScientificName)

	list, _, err = repo.List(ctx, repository.SpeciesFilter{OrderBy: "family", Desc: true})
	require.NoError(t, err)
	assert.Equal(t, "Turdus merula", list[0].ScientificName, "Turdidae sorts after Paridae")

	_, _, err = repo.List(ctx, repository.SpeciesFilter{OrderBy: "id; DROP TABLE species"})
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	updated, err := repo.Update(ctx, tit.ID, repository.SpeciesUpdate{IUCNStatus: testutil.Ptr("nt")})
	require.NoError(t, err)
	assert.Equal(t, "NT", *updated.IUCNStatus)
	assert.Equal(t, "Great Tit", *updated.CommonName, "unset fields keep their value")

	_, err = repo.Update(ctx, tit.ID, repository.SpeciesUpdate{ScientificName: testutil.Ptr("Turdus Merula")})
	assert.ErrorIs(t, err, repository.ErrSpeciesExists)

	_, err = repo.Update(ctx, tit.ID, repository.SpeciesUpdate{IUCNStatus: testutil.Ptr("zz")})
	assert.ErrorIs(t, err, entities.ErrInvalidSpecies)

	renamed, err := repo.Update(ctx, tit.ID, repository.SpeciesUpdate{ScientificName: testutil.Ptr("parus major")})
	require.NoError(t, err, "a case-only rename is not a conflict")
	assert.Equal(t, "parus major", renamed.ScientificName)

	require.NoError(t, repo.Delete(ctx, tit.ID))
	_, err = repo.Get(ctx, tit.ID)
	assert.ErrorIs(t, err, repository.ErrSpeciesNotFound)
}

func TestSpeciesDeleteRefusedWithDetections(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestStore(t).DB()
	seedReportData(t, db)
	repo := repository.NewSpeciesRepository(db)
	ctx := context.Background()

	s := &entities.Species{ScientificName: "TURDUS MERULA"}
	require.NoError(t, repo.Create(ctx, s))

	err := repo.Delete(ctx, s.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, repository.ErrSpeciesInUse)

	_, err = repo.Get(ctx, s.ID)
	assert.NoError(t, err)
}

func TestSpeciesLookupAndUpsert(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestStore(t).DB()
	repo := repository.NewSpeciesRepository(db)
	ctx := context.Background()

	created, err := repo.Upsert(ctx, &entities.Species{ScientificName: "Turdus merula", Family: testutil.Ptr("Turdidae")})
	require.NoError(t, err)
	assert.True(t, created)

	again := &entities.Species{ScientificName: "turdus merula", CommonName: testutil.Ptr("Eurasian Blackbird")}
	created, err = repo.Upsert(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "Turdus merula", again.ScientificName, "stored spelling wins")
	require.NotNil(t, again.Family)
	assert.Equal(t, "Turdidae", *again.Family)
	assert.Equal(t, "Eurasian Blackbird", *again.CommonName)

	found, err := repo.Lookup(ctx, []string{"TURDUS MERULA", "Corvus corax", "", "turdus merula"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Turdidae", *found["turdus merula"].Family)

	empty, err := repo.Lookup(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSpeciesActivity(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestStore(t).DB()
	seedReportData(t, db)
	repo := repository.NewReportRepository(db)
	ctx := context.Background()
	now := time.Date(2024, 5, 2, 18, 0, 0, 0, time.UTC)

	act, err := repo.SpeciesActivity(ctx, "turdus merula", 3, now)
	require.NoError(t, err)
	assert.Equal(t, 3, act.Days)
	assert.True(t, act.Since.Equal(time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC)))
	assert.EqualValues(t, 3, act.Summary.Count)
	assert.Equal(t, []repository.DayCount{
		{Date: "2024-04-30"},
		{Date: "2024-05-01", Count: 3},
		{Date: "2024-05-02"},
	}, act.Timeline)
	require.Len(t, act.Locations, 1)
	assert.InDelta(t, 60.1, act.Locations[0].CellLatitude, 1e-9)
	assert.EqualValues(t, 3, act.Locations[0].Count)
	assert.Equal(t, []repository.DeviceCount{{DeviceID: "dev-a", Count: 3}}, act.TopDevices)

	tit, err := repo.SpeciesActivity(ctx, "Parus major", 1, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, tit.Summary.Count, "only today is in range")
	assert.Equal(t, []repository.DeviceCount{{DeviceID: "dev-b", Count: 1}}, tit.TopDevices)

	none, err := repo.SpeciesActivity(ctx, "Corvus corax", 0, now)
	require.NoError(t, err)
	assert.Equal(t, repository.DefaultSpeciesStatsDays, none.Days)
	assert.Len(t, none.Timeline, repository.DefaultSpeciesStatsDays)
	assert.Zero(t, none.Summary.Count)
	assert.Equal(t, "Corvus corax", none.Summary.Species)
	assert.Empty(t, none.TopDevices)
}

func TestSearchByScientificName(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestStore(t).DB()
	seedReportData(t, db)

	rows, total, err := repository.NewAnalysisRepository(db).
		Search(context.Background(), &repository.AnalysisFilter{ScientificName: "PARUS  major"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	for _, row := range rows {
		assert.Equal(t, "Parus major", row.Species)
	}

	_, total, err = repository.NewAnalysisRepository(db).
		Search(context.Background(), &repository.AnalysisFilter{ScientificName: "Parus"})
	require.NoError(t, err)
	assert.Zero(t, total, "the exact filter does not match prefixes")
}
