package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/tphakala/birdnet-census/internal/datastore/entities"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 1000
)

// Page is limit/offset pagination. Zero limit means DefaultPageSize.
type Page struct {
	Limit  int
	Offset int
}

// Normalize clamps limit to [1, MaxPageSize] and offset to >= 0.
func (p Page) Normalize() Page {
	switch {
	case p.Limit <= 0:
		p.Limit = DefaultPageSize
	case p.Limit > MaxPageSize:
		p.Limit = MaxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// BoundingBox selects coordinates inside an inclusive lat/lon rectangle.
type BoundingBox struct {
	MinLat, MinLon, MaxLat, MaxLon float64
}

// TimeRange bounds recorded_at. Zero values are open ends; End is exclusive.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// RecordingFilter selects recordings for listing.
type RecordingFilter struct {
	DeviceID string
	Status   string
	Range    TimeRange
	BBox     *BoundingBox
	Page     Page
}

// AnalysisFilter selects detections for search.
type AnalysisFilter struct {
	Species        string // substring of scientific or common name, "*" wildcard
	ScientificName string // exact, case-insensitive
	MinConfidence  float64
	DeviceID       string
	Range          TimeRange
	BBox           *BoundingBox
	Page           Page
}

// ReportFilter narrows the rows aggregated by report queries.
type ReportFilter struct {
	Species        string
	ScientificName string
	DeviceID       string
	MinConfidence  float64
	Range          TimeRange
	BBox           *BoundingBox
}

// applyRecordingScope adds filters on the recordings table, referenced by
// the given alias.
func applyRecordingScope(q *gorm.DB, alias, deviceID string, tr TimeRange, bbox *BoundingBox) *gorm.DB {
	if deviceID != "" {
		q = q.Where(alias+".device_id = ?", entities.NormalizeDeviceID(deviceID))
	}
	if !tr.Start.IsZero() {
		q = q.Where(alias+".recorded_at >= ?", tr.Start.UTC())
	}
	if !tr.End.IsZero() {
		q = q.Where(alias+".recorded_at < ?", tr.End.UTC())
	}
	if bbox != nil {
		q = q.Where(alias+".latitude BETWEEN ? AND ? AND "+alias+".longitude BETWEEN ? AND ?",
			bbox.MinLat, bbox.MaxLat, bbox.MinLon, bbox.MaxLon)
	}
	return q
}

// speciesPattern turns user input into a LIKE pattern: "*" becomes "%" and
// the term is wrapped for substring matching.
func speciesPattern(term string) string {
	out := make([]rune, 0, len(term)+2)
	out = append(out, '%')
	for _, r := range term {
		switch r {
		case '*':
			out = append(out, '%')
		case '%', '_':
			// literal wildcards are not supported; drop them
		default:
			out = append(out, r)
		}
	}
	return string(append(out, '%'))
}

// applySpecies filters analyses by a case-insensitive name pattern and an
// optional exact scientific name.
func applySpecies(q *gorm.DB, alias, term, scientificName string) *gorm.DB {
	if name := entities.NormalizeScientificName(scientificName); name != "" {
		q = q.Where("LOWER("+alias+".species) = LOWER(?)", name)
	}
	if term == "" {
		return q
	}
	p := speciesPattern(term)
	return q.Where("(LOWER("+alias+".species) LIKE LOWER(?) OR LOWER("+alias+".common_name) LIKE LOWER(?))", p, p)
}
