package entities

import (
	"fmt"
	"math"
	"time"

	"github.com/tphakala/birdnet-census/internal/errors"
)

// Analysis is one species detected in one window of a Recording.
type Analysis struct {
	ID          string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	RecordingID string    `gorm:"type:varchar(36);not null;index" json:"recording_id"`
	Species     string    `gorm:"type:varchar(255);not null;index" json:"species"`
	CommonName  *string   `gorm:"type:varchar(255)" json:"common_name,omitempty"`
	Confidence  float64   `gorm:"not null;index;check:chk_analyses_confidence,confidence >= 0 AND confidence <= 1" json:"confidence"`
	StartTime   float64   `gorm:"not null;check:chk_analyses_window,start_time < end_time" json:"start_time"`
	EndTime     float64   `gorm:"not null" json:"end_time"`
	RawData     JSONMap   `gorm:"type:text" json:"raw_data,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	Recording *Recording `gorm:"foreignKey:RecordingID" json:"recording,omitempty"`
	// Catalog is filled from the species catalog on read, never stored.
	Catalog *Species `gorm:"-" json:"species_info,omitempty"`
}

func (Analysis) TableName() string { return "analyses" }

// ErrInvalidAnalysis marks rows that violate the confidence or window rules.
var ErrInvalidAnalysis = errors.NewStd("invalid analysis")

// Validate enforces 0 <= confidence <= 1, start < end and a species name.
func (a *Analysis) Validate() error {
	var reason string
	switch {
	case a.Species == "":
		reason = "species is required"
	case math.IsNaN(a.Confidence) || a.Confidence < 0 || a.Confidence > 1:
		reason = fmt.Sprintf("confidence %v outside [0,1]", a.Confidence)
	case math.IsNaN(a.StartTime) || math.IsNaN(a.EndTime) || a.StartTime >= a.EndTime:
		reason = fmt.Sprintf("start %.3f must be before end %.3f", a.StartTime, a.EndTime)
	default:
		return nil
	}
	return errors.New(fmt.Errorf("%w: %s", ErrInvalidAnalysis, reason)).
		Component("datastore").
		Category(errors.CategoryValidation).
		Context("species", a.Species).
		Build()
}
