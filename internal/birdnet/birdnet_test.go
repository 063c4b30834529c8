package birdnet

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdnet-census/internal/classifier"
	"github.com/tphakala/birdnet-census/internal/conf"
	"github.com/tphakala/birdnet-census/internal/errors"
)

func TestParseLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line string
		want Label
	}{
		{"Turdus merula_Eurasian Blackbird", Label{"Turdus merula", "Eurasian Blackbird"}},
		{"  Parus major_Great Tit \r", Label{"Parus major", "Great Tit"}},
		{"Engine", Label{Scientific: "Engine"}},
		{"Human vocal_Human vocal", Label{"Human vocal", "Human vocal"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLabel(tt.line), tt.line)
	}
}

func TestReadLabels(t *testing.T) {
	t.Parallel()

	labels, err := ReadLabels(strings.NewReader("Turdus merula_Eurasian Blackbird\n\nParus major_Great Tit\n"))
	require.NoError(t, err)
	require.Len(t, labels, 2)
	assert.Equal(t, "Parus major", labels[1].Scientific)

	_, err = ReadLabels(strings.NewReader("\n\n"))
	require.Error(t, err)
}

func TestLoadLabelsErrors(t *testing.T) {
	t.Parallel()

	_, err := LoadLabels("")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))

	_, err = LoadLabels(filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryLabelLoad))

	path := filepath.Join(t.TempDir(), "labels.txt")
	require.NoError(t, os.WriteFile(path, []byte("Turdus merula_Eurasian Blackbird\n"), 0o600))
	labels, err := LoadLabels(path)
	require.NoError(t, err)
	assert.Equal(t, []Label{{"Turdus merula", "Eurasian Blackbird"}}, labels)
}

func TestCustomSigmoid(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 0.5, customSigmoid(0, 1), 1e-9)
	assert.Greater(t, customSigmoid(2, 1.5), customSigmoid(2, 1.0))
	assert.Less(t, customSigmoid(-2, 1.5), customSigmoid(-2, 1.0))

	scores := applySigmoidToPredictions([]float32{-10, 0, 10}, 1)
	require.Len(t, scores, 3)
	assert.Less(t, scores[0], float32(0.001))
	assert.InDelta(t, 0.5, scores[1], 1e-6)
	assert.Greater(t, scores[2], float32(0.999))
}

func TestGetWeekForFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		date time.Time
		want float32
	}{
		{time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 1},
		{time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC), 2},
		{time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC), 19},
		{time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC), 48},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, getWeekForFilter(tt.date), 0, tt.date.String())
	}
}

func TestDetermineThreadCount(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 8, determineThreadCount(0, 8))
	assert.Equal(t, 4, determineThreadCount(4, 8))
	assert.Equal(t, 8, determineThreadCount(16, 8))
}

func TestModelIDFromPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "BirdNET_GLOBAL_6K_V2.4", modelIDFromPath("/models/BirdNET_GLOBAL_6K_V2.4_Model_FP32.tflite"))
	assert.Equal(t, "custom_model", modelIDFromPath("custom_model.tflite"))
}

func TestTrimAndSort(t *testing.T) {
	t.Parallel()

	preds := []classifier.Prediction{
		{Species: "a", Confidence: 0.1},
		{Species: "b", Confidence: 0.9},
		{Species: "c", Confidence: 0.5},
	}
	sortPredictions(preds)
	assert.Equal(t, "b", preds[0].Species)
	assert.Equal(t, "a", preds[2].Species)
	assert.Len(t, trimResultsToMax(preds, 2), 2)
	assert.Len(t, trimResultsToMax(preds, 10), 3)
}

func TestNewRequiresModelPath(t *testing.T) {
	t.Parallel()

	_, err := New(&conf.ClassifierSettings{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))

	_, err = New(nil)
	require.Error(t, err)
}

func TestClassifyNotReady(t *testing.T) {
	t.Parallel()

	bn := &BirdNET{}
	_, err := bn.Classify(context.Background(), classifier.Segment{SampleRate: SampleRate, Channels: 1}, classifier.Context{})
	require.ErrorIs(t, err, classifier.ErrNotReady)
	assert.False(t, classifier.IsReady(bn))
}
