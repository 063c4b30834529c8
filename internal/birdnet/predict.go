package birdnet

import (
	"context"
	"math"
	"sort"
	"time"

	tflite "github.com/tphakala/go-tflite"

	"github.com/tphakala/birdnet-census/internal/classifier"
	"github.com/tphakala/birdnet-census/internal/errors"
)

// maxPredictions is how many top classes Classify returns; the pipeline
// applies its own threshold and per-window limit on top.
const maxPredictions = 10

// Classify runs one window through the model. Windows must be mono 48 kHz;
// shorter input is zero padded to the model input length.
func (bn *BirdNET) Classify(ctx context.Context, seg classifier.Segment, cc classifier.Context) ([]classifier.Prediction, error) {
	if !bn.Ready() {
		return nil, classifier.ErrNotReady
	}
	if seg.SampleRate != SampleRate || seg.Channels != 1 {
		return nil, errors.Newf("birdnet needs mono %d Hz input, got %d Hz with %d channels", SampleRate, seg.SampleRate, seg.Channels).
			Component("birdnet").
			Category(errors.CategoryAudioAnalysis).
			Build()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	confidence, err := bn.predict(seg.Samples)
	if err != nil {
		return nil, err
	}

	var allowed map[string]float64
	if cc.HasLocation {
		allowed, err = bn.allowedSpecies(cc.Latitude, cc.Longitude, cc.Date)
		if err != nil {
			return nil, err
		}
	}

	results := make([]classifier.Prediction, 0, len(bn.labels))
	for i, label := range bn.labels {
		raw := map[string]any{"model": bn.modelID, "index": i}
		if allowed != nil {
			score, ok := allowed[label.Scientific]
			if !ok {
				continue
			}
			raw["range_score"] = score
		}
		results = append(results, classifier.Prediction{
			Species:    label.Scientific,
			CommonName: label.Common,
			Confidence: float64(confidence[i]),
			Raw:        raw,
		})
	}

	sortPredictions(results)
	return trimResultsToMax(results, maxPredictions), nil
}

// predict invokes the analysis interpreter and returns sigmoid scaled
// confidences aligned with bn.labels.
func (bn *BirdNET) predict(samples []float32) ([]float32, error) {
	bn.mu.Lock()
	defer bn.mu.Unlock()

	if bn.analysis == nil {
		return nil, classifier.ErrNotReady
	}
	start := time.Now()

	input := bn.analysis.GetInputTensor(0)
	if input == nil {
		return nil, errors.Newf("cannot get input tensor").
			Component("birdnet").
			Category(errors.CategoryAudioAnalysis).
			Build()
	}
	buf := input.Float32s()
	n := copy(buf, samples)
	clear(buf[n:])

	if status := bn.analysis.Invoke(); status != tflite.OK {
		return nil, errors.Newf("tensor invoke failed: %v", status).
			Component("birdnet").
			Category(errors.CategoryAudioAnalysis).
			Timing("predict", time.Since(start)).
			Build()
	}

	predictions := extractPredictions(bn.analysis.GetOutputTensor(0))
	if len(predictions) != len(bn.labels) {
		return nil, errors.Newf("mismatched labels and predictions lengths: %d vs %d", len(bn.labels), len(predictions)).
			Component("birdnet").
			Category(errors.CategoryAudioAnalysis).
			Build()
	}
	return applySigmoidToPredictions(predictions, bn.settings.Sensitivity), nil
}

// customSigmoid applies a sigmoid function with sensitivity adjustment to a value.
func customSigmoid(x, sensitivity float64) float64 {
	return 1.0 / (1.0 + math.Exp(-sensitivity*x))
}

func extractPredictions(tensor *tflite.Tensor) []float32 {
	predSize := tensor.Dim(tensor.NumDims() - 1)
	predictions := make([]float32, predSize)
	copy(predictions, tensor.Float32s())
	return predictions
}

func applySigmoidToPredictions(predictions []float32, sensitivity float64) []float32 {
	confidence := make([]float32, len(predictions))
	for i, pred := range predictions {
		confidence[i] = float32(customSigmoid(float64(pred), sensitivity))
	}
	return confidence
}

func sortPredictions(results []classifier.Prediction) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Confidence > results[j].Confidence
	})
}

func trimResultsToMax(results []classifier.Prediction, limit int) []classifier.Prediction {
	if len(results) > limit {
		return results[:limit]
	}
	return results
}
