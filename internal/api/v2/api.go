// Package api implements the census REST API under /api/v2.
package api

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdnet-census/internal/analysis"
	"github.com/tphakala/birdnet-census/internal/analysis/jobqueue"
	"github.com/tphakala/birdnet-census/internal/classifier"
	"github.com/tphakala/birdnet-census/internal/conf"
	"github.com/tphakala/birdnet-census/internal/datastore/repository"
	"github.com/tphakala/birdnet-census/internal/logger"
	"github.com/tphakala/birdnet-census/internal/observability"
	"github.com/tphakala/birdnet-census/internal/recording"
	"github.com/tphakala/birdnet-census/internal/storage"
)

// Pinger reports database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WorkerStats exposes background worker statistics.
type WorkerStats interface {
	Stats() jobqueue.JobStatsSnapshot
}

// Dependencies are the services the controller serves. Worker, Metrics and
// Species are optional.
type Dependencies struct {
	DB         Pinger
	Recordings *recording.Service
	Analyses   repository.AnalysisRepository
	Reports    repository.ReportRepository
	Devices    repository.DeviceRepository
	Species    repository.SpeciesRepository
	Analyzer   analysis.Analyzer
	Classifier classifier.Classifier
	Files      storage.FileStore
	Worker     WorkerStats
	Metrics    *observability.Metrics
}

// Controller manages the API routes and handlers.
type Controller struct {
	Echo     *echo.Echo
	Group    *echo.Group
	Settings *conf.Settings

	deps      Dependencies
	limiter   *DeviceLimiter
	log       logger.Logger
	startTime time.Time
	now       func() time.Time
}

// Option is a functional option for configuring the Controller.
type Option func(*Controller)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithLimiter replaces the upload rate limiter built from settings.
func WithLimiter(l *DeviceLimiter) Option {
	return func(c *Controller) { c.limiter = l }
}

// New creates the controller and registers its routes on e.
func New(e *echo.Echo, deps Dependencies, settings *conf.Settings, opts ...Option) *Controller {
	c := &Controller{
		Echo:      e,
		Settings:  settings,
		deps:      deps,
		log:       logger.Global().Module("api"),
		startTime: time.Now(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	if rl := settings.WebServer.RateLimit; rl.Enabled {
		c.limiter = NewDeviceLimiter(rl.RPS, rl.Burst, 10*time.Minute)
	}
	for _, opt := range opts {
		opt(c)
	}

	c.Group = e.Group("/api/v2")
	c.initRoutes()
	return c
}

func (c *Controller) initRoutes() {
	c.Group.GET("/health", c.HealthCheck)
	c.initRecordingRoutes()
	c.initAnalysisRoutes()
	c.initReportRoutes()
	c.initDeviceRoutes()
	c.initSpeciesRoutes()
}

// Shutdown releases controller resources.
func (c *Controller) Shutdown() {
	if c.limiter != nil {
		c.limiter.Flush()
	}
}
