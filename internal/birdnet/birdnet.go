// Package birdnet implements the classifier interface on top of the BirdNET
// TFLite model and its optional location meta model.
package birdnet

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	tflite "github.com/tphakala/go-tflite"

	"github.com/tphakala/birdnet-census/internal/conf"
	"github.com/tphakala/birdnet-census/internal/errors"
	"github.com/tphakala/birdnet-census/internal/logger"
)

const (
	// SampleRate is the rate the model was trained on.
	SampleRate = 48000
	// ClipLength is the model input length in seconds.
	ClipLength = 3.0

	defaultSensitivity    = 1.0
	defaultRangeThreshold = 0.01
	rangeCacheTTL         = 6 * time.Hour
)

// BirdNET wraps the analysis interpreter, labels and the range filter.
type BirdNET struct {
	mu sync.Mutex // guards both interpreters

	settings conf.ClassifierSettings
	modelID  string
	labels   []Label

	analysis *tflite.Interpreter
	rng      *tflite.Interpreter
	ranges   *cache.Cache // allowed species per location and week

	ready atomic.Bool
	log   logger.Logger
}

// New loads the model, labels and the optional range model. Everything is
// loaded once; a failure leaves nothing allocated.
func New(settings *conf.ClassifierSettings) (*BirdNET, error) {
	if settings == nil {
		return nil, errors.NewStd("birdnet: nil classifier settings")
	}
	if settings.ModelPath == "" {
		return nil, errors.Newf("birdnet: classifier.modelpath is not set").
			Component("birdnet").
			Category(errors.CategoryConfiguration).
			Build()
	}

	bn := &BirdNET{
		settings: *settings,
		modelID:  modelIDFromPath(settings.ModelPath),
		ranges:   cache.New(rangeCacheTTL, time.Hour),
		log:      logger.Global().Module("birdnet"),
	}
	if bn.settings.Sensitivity <= 0 {
		bn.settings.Sensitivity = defaultSensitivity
	}
	if bn.settings.RangeThreshold <= 0 || bn.settings.RangeThreshold > 1 {
		bn.settings.RangeThreshold = defaultRangeThreshold
	}

	labels, err := LoadLabels(settings.LabelPath)
	if err != nil {
		return nil, err
	}
	bn.labels = labels

	if err := bn.initializeModel(); err != nil {
		bn.Delete()
		return nil, err
	}
	if settings.RangeModelPath != "" {
		if err := bn.initializeMetaModel(); err != nil {
			bn.Delete()
			return nil, err
		}
	}

	bn.ready.Store(true)
	return bn, nil
}

func (bn *BirdNET) initializeModel() error {
	start := time.Now()

	model := tflite.NewModelFromFile(bn.settings.ModelPath)
	if model == nil {
		return errors.Newf("cannot load TensorFlow Lite model").
			Component("birdnet").
			Category(errors.CategoryModelLoad).
			ModelContext(bn.settings.ModelPath, bn.modelID).
			Timing("model-load", time.Since(start)).
			Build()
	}
	defer model.Delete()

	threads := determineThreadCount(bn.settings.Threads, runtime.NumCPU())
	options := tflite.NewInterpreterOptions()
	defer options.Delete()
	options.SetNumThread(threads)
	options.SetErrorReporter(func(msg string, _ any) {
		bn.log.Error("TFLite error", logger.String("message", msg))
	}, nil)

	bn.analysis = tflite.NewInterpreter(model, options)
	if bn.analysis == nil {
		return errors.ModelError(errors.NewStd("cannot create interpreter"), bn.settings.ModelPath, bn.modelID).
			Component("birdnet").
			Build()
	}
	if status := bn.analysis.AllocateTensors(); status != tflite.OK {
		return errors.ModelError(fmt.Errorf("tensor allocation failed: %v", status), bn.settings.ModelPath, bn.modelID).
			Component("birdnet").
			Build()
	}

	out := bn.analysis.GetOutputTensor(0)
	if out == nil {
		return errors.Newf("model has no output tensor").
			Component("birdnet").
			Category(errors.CategoryModelInit).
			Build()
	}
	if n := out.Dim(out.NumDims() - 1); n != len(bn.labels) {
		return errors.Newf("label count %d does not match model output size %d", len(bn.labels), n).
			Component("birdnet").
			Category(errors.CategoryLabelLoad).
			Context("label_path", bn.settings.LabelPath).
			Build()
	}

	bn.log.Info("BirdNET model initialized",
		logger.String("model", bn.modelID),
		logger.Int("threads", threads),
		logger.Int("labels", len(bn.labels)),
		logger.Int("total_cpus", runtime.NumCPU()),
		logger.Duration("load_time", time.Since(start)))
	return nil
}

func (bn *BirdNET) initializeMetaModel() error {
	start := time.Now()

	model := tflite.NewModelFromFile(bn.settings.RangeModelPath)
	if model == nil {
		return errors.Newf("cannot load range filter model").
			Component("birdnet").
			Category(errors.CategoryModelLoad).
			Context("model_type", "range_filter").
			FileContext(bn.settings.RangeModelPath, 0).
			Build()
	}
	defer model.Delete()

	// Meta model requires only one CPU.
	options := tflite.NewInterpreterOptions()
	defer options.Delete()
	options.SetNumThread(1)
	options.SetErrorReporter(func(msg string, _ any) {
		bn.log.Error("TFLite meta model error", logger.String("message", msg))
	}, nil)

	bn.rng = tflite.NewInterpreter(model, options)
	if bn.rng == nil {
		return errors.Newf("cannot create meta model interpreter").
			Component("birdnet").
			Category(errors.CategoryModelInit).
			Context("model_type", "range_filter").
			Build()
	}
	if status := bn.rng.AllocateTensors(); status != tflite.OK {
		return errors.Newf("tensor allocation failed for meta model: %v", status).
			Component("birdnet").
			Category(errors.CategoryModelInit).
			Context("model_type", "range_filter").
			Timing("meta-model-allocate", time.Since(start)).
			Build()
	}

	bn.log.Info("range filter model initialized",
		logger.String("path", bn.settings.RangeModelPath),
		logger.Float64("threshold", bn.settings.RangeThreshold))
	return nil
}

// Delete releases the interpreters. The classifier is unusable afterwards.
func (bn *BirdNET) Delete() {
	bn.mu.Lock()
	defer bn.mu.Unlock()

	bn.ready.Store(false)
	if bn.analysis != nil {
		bn.analysis.Delete()
		bn.analysis = nil
	}
	if bn.rng != nil {
		bn.rng.Delete()
		bn.rng = nil
	}
	bn.ranges.Flush()
}

func (bn *BirdNET) Ready() bool { return bn.ready.Load() }

func (bn *BirdNET) Name() string { return "birdnet:" + bn.modelID }

// Labels returns a copy of the loaded labels.
func (bn *BirdNET) Labels() []Label {
	out := make([]Label, len(bn.labels))
	copy(out, bn.labels)
	return out
}

// determineThreadCount clamps the configured thread count to the machine.
func determineThreadCount(configured, cpus int) int {
	if configured <= 0 || configured > cpus {
		return cpus
	}
	return configured
}

// modelIDFromPath derives a short id such as "BirdNET_GLOBAL_6K_V2.4".
func modelIDFromPath(path string) string {
	name := filepath.Base(path)
	if strings.HasPrefix(name, "BirdNET_") && strings.Contains(name, "_Model_") {
		return strings.SplitN(name, "_Model_", 2)[0]
	}
	if name == "." || name == string(filepath.Separator) {
		return "Custom"
	}
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func (bn *BirdNET) String() string {
	return fmt.Sprintf("BirdNET(%s, %d labels, range=%t)", bn.modelID, len(bn.labels), bn.rng != nil)
}
