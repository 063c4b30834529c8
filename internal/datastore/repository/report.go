package repository

import (
	"context"
	"math"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/tphakala/birdnet-census/internal/datastore/entities"
	"github.com/tphakala/birdnet-census/internal/errors"
)

// DefaultCellSize is the area grid size in degrees.
const DefaultCellSize = 0.1

type TimeBucketCount struct {
	Bucket     string  `json:"bucket"`
	Species    string  `json:"species"`
	CommonName *string `json:"common_name,omitempty"`
	Count      int64   `json:"count"`
}

type DeviceSpeciesCount struct {
	DeviceID   string  `json:"device_id"`
	Species    string  `json:"species"`
	CommonName *string `json:"common_name,omitempty"`
	Count      int64   `json:"count"`
}

// AreaCount is keyed by the south-west corner of a grid cell.
type AreaCount struct {
	CellLatitude  float64 `json:"cell_latitude"`
	CellLongitude float64 `json:"cell_longitude"`
	CellSize      float64 `json:"cell_size"`
	Species       string  `json:"species"`
	Count         int64   `json:"count"`
}

type SpeciesSummary struct {
	Species       string     `json:"species"`
	CommonName    *string    `json:"common_name,omitempty"`
	Count         int64      `json:"count"`
	AvgConfidence float64    `json:"avg_confidence"`
	MaxConfidence float64    `json:"max_confidence"`
	FirstSeen     *time.Time `json:"first_seen,omitempty"`
	LastSeen      *time.Time `json:"last_seen,omitempty"`

	// Catalog is attached by callers that consult the species catalog.
	Catalog *entities.Species `json:"species_info,omitempty"`
}

type ConfidenceBin struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Count int64   `json:"count"`
}

type DayActivity struct {
	Date       string `json:"date"`
	Recordings int64  `json:"recordings"`
	Detections int64  `json:"detections"`
}

// ReportRepository answers aggregate questions. Every call reads live rows.
type ReportRepository interface {
	SpeciesCountsByTime(ctx context.Context, f ReportFilter, bucket Bucket) ([]TimeBucketCount, error)
	SpeciesCountsByDevice(ctx context.Context, f ReportFilter) ([]DeviceSpeciesCount, error)
	SpeciesCountsByArea(ctx context.Context, f ReportFilter, cellSize float64) ([]AreaCount, error)
	SpeciesSummary(ctx context.Context, f ReportFilter, limit int) ([]SpeciesSummary, error)
	ConfidenceDistribution(ctx context.Context, f ReportFilter) ([]ConfidenceBin, error)
	DeviceActivity(ctx context.Context, deviceID string, days int, now time.Time) ([]DayActivity, error)
	SpeciesActivity(ctx context.Context, name string, days int, now time.Time) (*SpeciesActivity, error)
}

type reportRepository struct {
	db      *gorm.DB
	dialect string
}

func NewReportRepository(db *gorm.DB) ReportRepository {
	return &reportRepository{db: db, dialect: db.Dialector.Name()}
}

// detections joins analyses with their recordings and applies f.
func (r *reportRepository) detections(ctx context.Context, f *ReportFilter) *gorm.DB {
	q := r.db.WithContext(ctx).
		Table("analyses AS a").
		Joins("JOIN recordings AS r ON r.id = a.recording_id")
	q = applySpecies(q, "a", f.Species, f.ScientificName)
	if f.MinConfidence > 0 {
		q = q.Where("a.confidence >= ?", f.MinConfidence)
	}
	return applyRecordingScope(q, "r", f.DeviceID, f.Range, f.BBox)
}

func (r *reportRepository) SpeciesCountsByTime(ctx context.Context, f ReportFilter, bucket Bucket) ([]TimeBucketCount, error) {
	expr, err := bucketExpr(r.dialect, bucket, "r.recorded_at")
	if err != nil {
		return nil, err
	}
	var rows []TimeBucketCount
	err = r.detections(ctx, &f).
		Select(expr + " AS bucket, a.species AS species, MAX(a.common_name) AS common_name, COUNT(*) AS count").
		Group(expr + ", a.species").
		Order("bucket ASC, count DESC, species ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, dbError(err, "species_counts_by_time")
	}
	return rows, nil
}

func (r *reportRepository) SpeciesCountsByDevice(ctx context.Context, f ReportFilter) ([]DeviceSpeciesCount, error) {
	var rows []DeviceSpeciesCount
	err := r.detections(ctx, &f).
		Where("r.device_id IS NOT NULL").
		Select("r.device_id AS device_id, a.species AS species, MAX(a.common_name) AS common_name, COUNT(*) AS count").
		Group("r.device_id, a.species").
		Order("device_id ASC, count DESC, species ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, dbError(err, "species_counts_by_device")
	}
	return rows, nil
}

func (r *reportRepository) SpeciesCountsByArea(ctx context.Context, f ReportFilter, cellSize float64) ([]AreaCount, error) {
	if cellSize <= 0 || math.IsNaN(cellSize) || cellSize > 180 {
		if cellSize != 0 {
			return nil, errors.Newf("cell size %v must be in (0, 180]", cellSize).
				Component("datastore").
				Category(errors.CategoryValidation).
				Build()
		}
		cellSize = DefaultCellSize
	}

	var points []struct {
		Latitude  float64
		Longitude float64
		Species   string
		Count     int64
	}
	err := r.detections(ctx, &f).
		Where("r.latitude IS NOT NULL AND r.longitude IS NOT NULL").
		Select("r.latitude AS latitude, r.longitude AS longitude, a.species AS species, COUNT(*) AS count").
		Group("r.latitude, r.longitude, a.species").
		Scan(&points).Error
	if err != nil {
		return nil, dbError(err, "species_counts_by_area")
	}

	type cellKey struct {
		lat, lon int64
		species  string
	}
	cells := make(map[cellKey]int64)
	for _, p := range points {
		k := cellKey{
			lat:     int64(math.Floor(p.Latitude / cellSize)),
			lon:     int64(math.Floor(p.Longitude / cellSize)),
			species: p.Species,
		}
		cells[k] += p.Count
	}

	out := make([]AreaCount, 0, len(cells))
	for k, n := range cells {
		out = append(out, AreaCount{
			CellLatitude:  roundTo(float64(k.lat)*cellSize, 6),
			CellLongitude: roundTo(float64(k.lon)*cellSize, 6),
			CellSize:      cellSize,
			Species:       k.species,
			Count:         n,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.CellLatitude != b.CellLatitude {
			return a.CellLatitude < b.CellLatitude
		}
		if a.CellLongitude != b.CellLongitude {
			return a.CellLongitude < b.CellLongitude
		}
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Species < b.Species
	})
	return out, nil
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func (r *reportRepository) SpeciesSummary(ctx context.Context, f ReportFilter, limit int) ([]SpeciesSummary, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	var rows []struct {
		Species       string
		CommonName    *string
		Count         int64
		AvgConfidence float64
		MaxConfidence float64
		FirstSeen     *string
		LastSeen      *string
	}
	err := r.detections(ctx, &f).
		Select("a.species AS species, MAX(a.common_name) AS common_name, COUNT(*) AS count, " +
			"AVG(a.confidence) AS avg_confidence, MAX(a.confidence) AS max_confidence, " +
			"MIN(r.recorded_at) AS first_seen, MAX(r.recorded_at) AS last_seen").
		Group("a.species").
		Order("count DESC, species ASC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, dbError(err, "species_summary")
	}

	out := make([]SpeciesSummary, len(rows))
	for i, row := range rows {
		out[i] = SpeciesSummary{
			Species:       row.Species,
			CommonName:    row.CommonName,
			Count:         row.Count,
			AvgConfidence: roundTo(row.AvgConfidence, 4),
			MaxConfidence: row.MaxConfidence,
			FirstSeen:     parseDBTime(row.FirstSeen),
			LastSeen:      parseDBTime(row.LastSeen),
		}
	}
	return out, nil
}

func (r *reportRepository) ConfidenceDistribution(ctx context.Context, f ReportFilter) ([]ConfidenceBin, error) {
	expr := confidenceBinExpr(r.dialect, "a.confidence")
	var rows []struct {
		Bin   int
		Count int64
	}
	err := r.detections(ctx, &f).
		Select(expr + " AS bin, COUNT(*) AS count").
		Group(expr).
		Scan(&rows).Error
	if err != nil {
		return nil, dbError(err, "confidence_distribution")
	}

	out := make([]ConfidenceBin, 10)
	for i := range out {
		out[i] = ConfidenceBin{Lower: float64(i) / 10, Upper: float64(i+1) / 10}
	}
	for _, row := range rows {
		bin := min(max(row.Bin, 0), 9) // confidence 1.0 belongs to the top bin
		out[bin].Count += row.Count
	}
	return out, nil
}

func (r *reportRepository) DeviceActivity(ctx context.Context, deviceID string, days int, now time.Time) ([]DayActivity, error) {
	if days <= 0 {
		days = 7
	}
	if days > 366 {
		days = 366
	}
	id := entities.NormalizeDeviceID(deviceID)
	today := now.UTC().Truncate(24 * time.Hour)
	start := today.AddDate(0, 0, -(days - 1))

	expr, err := bucketExpr(r.dialect, BucketDay, "r.recorded_at")
	if err != nil {
		return nil, err
	}

	type dayCount struct {
		Day   string
		Count int64
	}
	var recs []dayCount
	err = r.db.WithContext(ctx).Table("recordings AS r").
		Where("r.device_id = ? AND r.recorded_at >= ?", id, start).
		Select(expr + " AS day, COUNT(*) AS count").
		Group(expr).
		Scan(&recs).Error
	if err != nil {
		return nil, dbError(err, "device_activity_recordings")
	}

	var dets []dayCount
	err = r.db.WithContext(ctx).Table("analyses AS a").
		Joins("JOIN recordings AS r ON r.id = a.recording_id").
		Where("r.device_id = ? AND r.recorded_at >= ?", id, start).
		Select(expr + " AS day, COUNT(*) AS count").
		Group(expr).
		Scan(&dets).Error
	if err != nil {
		return nil, dbError(err, "device_activity_detections")
	}

	out := make([]DayActivity, days)
	index := make(map[string]int, days)
	for i := range out {
		d := start.AddDate(0, 0, i).Format(time.DateOnly)
		out[i].Date = d
		index[d] = i
	}
	for _, c := range recs {
		if i, ok := index[c.Day]; ok {
			out[i].Recordings = c.Count
		}
	}
	for _, c := range dets {
		if i, ok := index[c.Day]; ok {
			out[i].Detections = c.Count
		}
	}
	return out, nil
}
