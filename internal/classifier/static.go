package classifier

import (
	"context"
	"fmt"
	"sort"

	"github.com/tphakala/birdnet-census/internal/conf"
)

// Static returns the same configured predictions for every segment. It is
// used for demo deployments and tests.
type Static struct {
	predictions []Prediction
}

// NewStatic builds a static classifier from configuration rules.
func NewStatic(rules []conf.StaticRule) (*Static, error) {
	preds := make([]Prediction, 0, len(rules))
	for _, r := range rules {
		if r.Species == "" {
			return nil, fmt.Errorf("static classifier rule without species")
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			return nil, fmt.Errorf("static classifier rule %s: confidence %v outside [0,1]", r.Species, r.Confidence)
		}
		preds = append(preds, Prediction{Species: r.Species, CommonName: r.CommonName, Confidence: r.Confidence})
	}
	sort.SliceStable(preds, func(i, j int) bool { return preds[i].Confidence > preds[j].Confidence })
	return &Static{predictions: preds}, nil
}

func (s *Static) Name() string { return "static" }

func (s *Static) Classify(ctx context.Context, _ Segment, _ Context) ([]Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Prediction, len(s.predictions))
	copy(out, s.predictions)
	return out, nil
}
