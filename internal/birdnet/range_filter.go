package birdnet

import (
	"fmt"
	"time"

	tflite "github.com/tphakala/go-tflite"

	"github.com/tphakala/birdnet-census/internal/errors"
	"github.com/tphakala/birdnet-census/internal/logger"
)

// allowedSpecies returns the species the meta model considers plausible at
// the location and week, with their occurrence scores. A nil map means no
// filtering.
func (bn *BirdNET) allowedSpecies(lat, lon float64, date time.Time) (map[string]float64, error) {
	if bn.rng == nil || (lat == 0 && lon == 0) {
		return nil, nil
	}
	week := getWeekForFilter(date)
	key := rangeCacheKey(lat, lon, week)
	if v, ok := bn.ranges.Get(key); ok {
		return v.(map[string]float64), nil
	}

	scores, err := bn.predictFilter(lat, lon, week)
	if err != nil {
		return nil, err
	}

	allowed := make(map[string]float64, len(scores))
	for i, score := range scores {
		if i >= len(bn.labels) {
			break
		}
		if float64(score) >= bn.settings.RangeThreshold {
			allowed[bn.labels[i].Scientific] = float64(score)
		}
	}
	bn.ranges.SetDefault(key, allowed)

	bn.log.Debug("range filter built",
		logger.Float64("latitude", lat),
		logger.Float64("longitude", lon),
		logger.Float64("week", float64(week)),
		logger.Int("species", len(allowed)))
	return allowed, nil
}

// predictFilter runs the meta model for (lat, lon, week).
func (bn *BirdNET) predictFilter(lat, lon float64, week float32) ([]float32, error) {
	bn.mu.Lock()
	defer bn.mu.Unlock()

	if bn.rng == nil {
		return nil, nil
	}

	input := bn.rng.GetInputTensor(0)
	if input == nil {
		return nil, errors.Newf("cannot get input tensor").
			Component("birdnet").
			Category(errors.CategoryModelInit).
			Context("model_type", "range_filter").
			Build()
	}
	data := []float32{float32(lat), float32(lon), week}
	buf := input.Float32s()
	if len(buf) < len(data) {
		return nil, errors.Newf("input tensor does not have enough capacity: need %d, have %d", len(data), len(buf)).
			Component("birdnet").
			Category(errors.CategoryModelInit).
			Build()
	}
	copy(buf, data)

	if status := bn.rng.Invoke(); status != tflite.OK {
		return nil, errors.Newf("tensor invoke failed: %v", status).
			Component("birdnet").
			Category(errors.CategoryAudioAnalysis).
			Context("model_type", "range_filter").
			Context("week", week).
			Build()
	}
	return extractPredictions(bn.rng.GetOutputTensor(0)), nil
}

// getWeekForFilter maps a date to the meta model's 48 week year: four
// weeks per month.
func getWeekForFilter(date time.Time) float32 {
	if date.IsZero() {
		date = time.Now()
	}
	weeksFromMonths := (int(date.Month()) - 1) * 4
	weekInMonth := min((date.Day()-1)/7+1, 4)
	return float32(weeksFromMonths + weekInMonth)
}

// Coordinates are rounded to 0.1 degrees so nearby devices share an entry.
func rangeCacheKey(lat, lon float64, week float32) string {
	return fmt.Sprintf("%.1f:%.1f:%d", lat, lon, int(week))
}
