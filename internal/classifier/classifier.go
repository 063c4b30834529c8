// Package classifier defines the species classifier boundary used by the
// analysis pipeline and its remote and static implementations. The BirdNET
// TFLite implementation lives in internal/birdnet.
package classifier

import (
	"context"
	"time"

	"github.com/tphakala/birdnet-census/internal/errors"
)

// Segment is one decoded analysis window.
type Segment struct {
	Samples    []float32
	SampleRate int
	Channels   int
	Start      float64 // seconds from the start of the recording
	End        float64
}

// Context carries where and when the audio was recorded.
type Context struct {
	Latitude    float64
	Longitude   float64
	HasLocation bool
	Date        time.Time
}

// Prediction is one candidate species for a segment.
type Prediction struct {
	Species    string         `json:"species"`
	CommonName string         `json:"common_name,omitempty"`
	Confidence float64        `json:"confidence"`
	Raw        map[string]any `json:"raw,omitempty"`
}

// Classifier turns a segment into ranked predictions.
type Classifier interface {
	Classify(ctx context.Context, seg Segment, cc Context) ([]Prediction, error)
}

// Readiness is implemented by classifiers that load resources.
type Readiness interface {
	Ready() bool
}

// Named is implemented by classifiers that report a model name.
type Named interface {
	Name() string
}

// ErrNotReady is returned when the model has not been loaded.
var ErrNotReady = errors.NewStd("classifier not ready")

// IsReady reports readiness for any classifier; classifiers without a
// Readiness implementation are always ready.
func IsReady(c Classifier) bool {
	if c == nil {
		return false
	}
	if r, ok := c.(Readiness); ok {
		return r.Ready()
	}
	return true
}

// NameOf returns the classifier name or "unknown".
func NameOf(c Classifier) string {
	if n, ok := c.(Named); ok {
		return n.Name()
	}
	return "unknown"
}

// Func adapts a function to Classifier.
type Func func(ctx context.Context, seg Segment, cc Context) ([]Prediction, error)

func (f Func) Classify(ctx context.Context, seg Segment, cc Context) ([]Prediction, error) {
	return f(ctx, seg, cc)
}
