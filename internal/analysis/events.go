package analysis

import (
	"context"
	"sort"
	"time"

	"github.com/tphakala/birdnet-census/internal/datastore/entities"
)

// Event is published once a recording reaches a terminal state.
type Event struct {
	RecordingID string                   `json:"recording_id"`
	DeviceID    string                   `json:"device_id,omitempty"`
	Status      entities.RecordingStatus `json:"status"`
	Detections  int                      `json:"detections"`
	Species     []SpeciesDetection       `json:"species,omitempty"`
	Duration    float64                  `json:"duration"`
	Error       string                   `json:"error,omitempty"`
	Latitude    *float64                 `json:"latitude,omitempty"`
	Longitude   *float64                 `json:"longitude,omitempty"`
	RecordedAt  time.Time                `json:"recorded_at"`
	AnalyzedAt  time.Time                `json:"analyzed_at"`
}

// SpeciesDetection summarises one species within a recording.
type SpeciesDetection struct {
	Species       string  `json:"species"`
	CommonName    string  `json:"common_name,omitempty"`
	Count         int     `json:"count"`
	MaxConfidence float64 `json:"max_confidence"`
}

// EventPublisher receives analysis events. Publishing errors are logged and
// never change the recording state.
type EventPublisher interface {
	PublishAnalysis(ctx context.Context, ev *Event) error
}

// Metrics records pipeline outcomes.
type Metrics interface {
	RecordRun(status string, elapsed time.Duration, windows, detections int)
	RecordClassification(elapsed time.Duration, err error)
}

// summarizeSpecies groups rows by species, ordered by count then name.
func summarizeSpecies(rows []entities.Analysis) []SpeciesDetection {
	idx := make(map[string]int)
	var out []SpeciesDetection
	for i := range rows {
		r := &rows[i]
		j, ok := idx[r.Species]
		if !ok {
			j = len(out)
			idx[r.Species] = j
			sd := SpeciesDetection{Species: r.Species}
			if r.CommonName != nil {
				sd.CommonName = *r.CommonName
			}
			out = append(out, sd)
		}
		out[j].Count++
		out[j].MaxConfidence = max(out[j].MaxConfidence, r.Confidence)
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Count != out[b].Count {
			return out[a].Count > out[b].Count
		}
		return out[a].Species < out[b].Species
	})
	return out
}
