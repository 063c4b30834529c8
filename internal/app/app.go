// Package app assembles the census services from settings. Every CLI
// command that touches the database goes through Open so the wiring is
// identical between the server and the one-shot commands.
package app

import (
	"context"
	"slices"
	"strings"

	"github.com/tphakala/birdnet-census/internal/analysis"
	"github.com/tphakala/birdnet-census/internal/birdnet"
	"github.com/tphakala/birdnet-census/internal/classifier"
	"github.com/tphakala/birdnet-census/internal/conf"
	"github.com/tphakala/birdnet-census/internal/datastore"
	"github.com/tphakala/birdnet-census/internal/datastore/repository"
	"github.com/tphakala/birdnet-census/internal/errors"
	"github.com/tphakala/birdnet-census/internal/httpclient"
	"github.com/tphakala/birdnet-census/internal/logger"
	"github.com/tphakala/birdnet-census/internal/mqtt"
	"github.com/tphakala/birdnet-census/internal/observability"
	"github.com/tphakala/birdnet-census/internal/observability/metrics"
	"github.com/tphakala/birdnet-census/internal/recording"
	"github.com/tphakala/birdnet-census/internal/storage"
)

// App holds the opened store, repositories and services.
type App struct {
	Settings *conf.Settings
	Store    *datastore.Store
	Files    *storage.LocalStore

	RecordingRepo repository.RecordingRepository
	Analyses      repository.AnalysisRepository
	Reports       repository.ReportRepository
	Devices       repository.DeviceRepository
	Species       repository.SpeciesRepository
	Users         repository.UserRepository
	Recordings    *recording.Service

	// Set by EnableAnalysis.
	Classifier classifier.Classifier
	Pipeline   *analysis.Pipeline
	Publisher  *mqtt.Publisher

	Metrics *observability.Metrics

	log     logger.Logger
	closers []func() error
}

type options struct {
	migrate    bool
	metrics    bool
	classifier classifier.Classifier
}

type Option func(*options)

// WithMigrate applies schema migrations after opening the database.
func WithMigrate() Option {
	return func(o *options) { o.migrate = true }
}

// WithMetrics creates the Prometheus registry and instruments the database.
func WithMetrics() Option {
	return func(o *options) { o.metrics = true }
}

// WithClassifier overrides the classifier selected by settings.
func WithClassifier(c classifier.Classifier) Option {
	return func(o *options) { o.classifier = c }
}

// Open connects to the database and builds the repositories and the
// recording service. Call Close when done.
func Open(ctx context.Context, settings *conf.Settings, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Settings: settings, log: logger.Global().Module("app")}
	if o.metrics {
		m, err := observability.NewMetrics()
		if err != nil {
			return nil, err
		}
		a.Metrics = m
	}

	store, err := datastore.Open(&settings.Database)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)

	if a.Metrics != nil {
		if err := a.Metrics.Datastore.Instrument(store.DB()); err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	if o.migrate {
		if err := store.Migrate(ctx); err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	files, err := storage.NewLocalStore(settings.Storage.Path)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Files = files
	a.closers = append(a.closers, files.Close)

	db := store.DB()
	a.RecordingRepo = repository.NewRecordingRepository(db)
	a.Analyses = repository.NewAnalysisRepository(db)
	a.Reports = repository.NewReportRepository(db)
	a.Devices = repository.NewDeviceRepository(db)
	a.Species = repository.NewSpeciesRepository(db)
	a.Users = repository.NewUserRepository(db)
	a.Recordings = recording.NewService(a.RecordingRepo, a.Devices, files, &settings.Storage)
	a.Classifier = o.classifier
	return a, nil
}

// EnableAnalysis builds the classifier, the optional MQTT publisher and the
// pipeline.
func (a *App) EnableAnalysis(ctx context.Context) error {
	if a.Pipeline != nil {
		return nil
	}
	if a.Classifier == nil {
		cls, closeFn, err := NewClassifier(&a.Settings.Classifier)
		if err != nil {
			return err
		}
		a.Classifier = cls
		a.closers = append(a.closers, closeFn)
	}

	var opts []analysis.Option
	if a.Metrics != nil {
		opts = append(opts, analysis.WithMetrics(a.Metrics.Pipeline))
	}
	if a.Settings.MQTT.Enabled {
		var mm *metrics.MQTTMetrics
		if a.Metrics != nil {
			mm = a.Metrics.MQTT
		}
		cfg := mqtt.ConfigFromSettings(&a.Settings.MQTT)
		a.Publisher = mqtt.NewPublisher(mqtt.NewClient(cfg, mm), cfg.Topic)
		a.Publisher.Start(ctx)
		a.closers = append(a.closers, func() error { a.Publisher.Close(); return nil })
		opts = append(opts, analysis.WithPublisher(a.Publisher))
	}

	a.Pipeline = analysis.NewPipeline(
		a.Store.DB(), a.RecordingRepo, a.Analyses, a.Files, a.Classifier,
		&a.Settings.Pipeline, a.Settings.Classifier.Timeout, opts...)
	a.log.Info("analysis pipeline ready", logger.String("classifier", classifier.NameOf(a.Classifier)))
	return nil
}

// NewWorker returns a background worker driving the pipeline. EnableAnalysis
// must have been called.
func (a *App) NewWorker() *analysis.Worker {
	w := analysis.NewWorker(a.Pipeline, a.RecordingRepo, &a.Settings.Worker)
	if a.Metrics != nil {
		w.SetQueueObserver(a.Metrics.Pipeline.UpdateQueue)
	}
	return w
}

// Close releases everything Open and EnableAnalysis acquired, newest first.
func (a *App) Close() error {
	var errs []error
	for _, fn := range slices.Backward(a.closers) {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// NewClassifier builds the classifier named by settings.Type. The returned
// function releases its resources.
func NewClassifier(settings *conf.ClassifierSettings) (classifier.Classifier, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(settings.Type) {
	case "", conf.ClassifierBirdNET:
		bn, err := birdnet.New(settings)
		if err != nil {
			return nil, nil, err
		}
		return bn, func() error { bn.Delete(); return nil }, nil
	case conf.ClassifierRemote:
		if settings.Remote.URL == "" {
			return nil, nil, errors.Newf("classifier.remote.url is not set").
				Component("app").
				Category(errors.CategoryConfiguration).
				Build()
		}
		client := httpclient.New(&httpclient.Config{
			DefaultTimeout: settings.Timeout,
			UserAgent:      "BirdNET-Census",
			APIKey:         settings.Remote.APIKey,
		})
		return classifier.NewRemote(settings.Remote.URL, client), func() error { client.Close(); return nil }, nil
	case conf.ClassifierStatic:
		s, err := classifier.NewStatic(settings.Static.Rules)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	default:
		return nil, nil, errors.Newf("unknown classifier type %q", settings.Type).
			Component("app").
			Category(errors.CategoryConfiguration).
			Build()
	}
}
