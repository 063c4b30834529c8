package entities

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/tphakala/birdnet-census/internal/errors"
)

// IUCNStatuses are the accepted red list codes.
var IUCNStatuses = []string{"LC", "NT", "VU", "EN", "CR", "EW", "EX", "DD", "NE"}

// Species is a catalog entry keyed by scientific name. Detections reference
// species by name only, so catalog entries are optional metadata.
type Species struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ScientificName string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"scientific_name"`
	CommonName     *string   `gorm:"type:varchar(255);index" json:"common_name,omitempty"`
	Family         *string   `gorm:"type:varchar(255)" json:"family,omitempty"`
	Order          *string   `gorm:"column:taxon_order;type:varchar(255)" json:"order,omitempty"`
	IUCNStatus     *string   `gorm:"column:iucn_status;type:varchar(2)" json:"iucn_status,omitempty"`
	Description    *string   `gorm:"type:text" json:"description,omitempty"`
	ImageURL       *string   `gorm:"type:varchar(500)" json:"image_url,omitempty"`
	AudioURL       *string   `gorm:"type:varchar(500)" json:"audio_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Species) TableName() string { return "species" }

// ErrInvalidSpecies marks catalog entries with a missing name or unknown
// IUCN code.
var ErrInvalidSpecies = errors.NewStd("invalid species")

// NormalizeScientificName collapses inner whitespace and trims the name.
func NormalizeScientificName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

// Validate normalizes the name and IUCN code in place and checks them.
func (s *Species) Validate() error {
	s.ScientificName = NormalizeScientificName(s.ScientificName)
	var reason string
	switch {
	case s.ScientificName == "":
		reason = "scientific_name is required"
	case s.IUCNStatus != nil:
		code := strings.ToUpper(strings.TrimSpace(*s.IUCNStatus))
		if code == "" {
			s.IUCNStatus = nil
			return nil
		}
		s.IUCNStatus = &code
		if !slices.Contains(IUCNStatuses, code) {
			reason = fmt.Sprintf("iucn_status %q is not one of %s", code, strings.Join(IUCNStatuses, ", "))
		}
	}
	if reason == "" {
		return nil
	}
	return errors.New(fmt.Errorf("%w: %s", ErrInvalidSpecies, reason)).
		Component("datastore").
		Category(errors.CategoryValidation).
		Context("scientific_name", s.ScientificName).
		Build()
}
