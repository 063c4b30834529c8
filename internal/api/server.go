package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	mw "github.com/tphakala/birdnet-census/internal/api/middleware"
	v2 "github.com/tphakala/birdnet-census/internal/api/v2"
	"github.com/tphakala/birdnet-census/internal/conf"
	"github.com/tphakala/birdnet-census/internal/logger"
	"github.com/tphakala/birdnet-census/internal/observability"
)

// Server is the census HTTP server. It owns the Echo instance, the
// middleware stack and the v2 API controller.
type Server struct {
	echo     *echo.Echo
	config   *Config
	settings *conf.Settings
	log      logger.Logger

	deps        v2.Dependencies
	metrics     *observability.Metrics
	controlOpts []v2.Option

	apiController *v2.Controller

	wg       sync.WaitGroup
	serveErr chan error
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithMetrics enables the Prometheus middleware and the /metrics endpoint.
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithControllerOptions passes options through to the v2 controller.
func WithControllerOptions(opts ...v2.Option) ServerOption {
	return func(s *Server) {
		s.controlOpts = append(s.controlOpts, opts...)
	}
}

// New creates the HTTP server. It does not start listening.
func New(settings *conf.Settings, deps v2.Dependencies, opts ...ServerOption) (*Server, error) {
	config := ConfigFromSettings(settings)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}

	s := &Server{
		config:   config,
		settings: settings,
		deps:     deps,
		log:      GetLogger(),
		serveErr: make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics != nil {
		s.deps.Metrics = s.metrics
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Debug = config.Debug
	s.echo.Server.ReadTimeout = config.ReadTimeout
	s.echo.Server.WriteTimeout = config.WriteTimeout
	s.echo.Server.IdleTimeout = config.IdleTimeout

	s.setupMiddleware()
	s.setupRoutes()

	s.log.Info("HTTP server initialized",
		logger.String("address", config.Address()),
		logger.Int64("max_upload", config.MaxUpload),
		logger.Bool("metrics", s.metrics != nil))
	return s, nil
}

// setupMiddleware configures the Echo middleware stack.
func (s *Server) setupMiddleware() {
	// Recovery middleware - should be first
	s.echo.Use(echomw.Recover())

	if s.metrics != nil {
		s.echo.Use(mw.NewMetrics(s.metrics.HTTP))
	}
	s.echo.Use(mw.NewRequestLoggerWithSkipper(s.log, func(c echo.Context) bool {
		return c.Path() == "/metrics"
	}))
	s.echo.Use(mw.NewCORS(s.config.AllowedOrigins))
	s.echo.Use(mw.NewBodyLimit(s.config.MaxUpload))
	s.echo.Use(mw.NewSecureHeaders())
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
	s.apiController = v2.New(s.echo, s.deps, s.settings, s.controlOpts...)
	s.echo.HTTPErrorHandler = s.apiController.HTTPErrorHandler
}

// Start begins serving in a background goroutine and returns immediately.
// Errors other than a clean shutdown are reported on Errors.
func (s *Server) Start() {
	s.wg.Go(func() {
		addr := s.config.Address()
		s.log.Info("HTTP server starting", logger.String("address", addr))
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error", logger.Error(err))
			s.serveErr <- fmt.Errorf("server error: %w", err)
		}
	})
}

// Errors delivers a listen failure, if one happens.
func (s *Server) Errors() <-chan error {
	return s.serveErr
}

// Shutdown gracefully stops the server, waiting up to the configured
// shutdown timeout for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if s.apiController != nil {
		s.apiController.Shutdown()
	}
	start := time.Now()
	if err := s.echo.Shutdown(ctx); err != nil {
		s.log.Error("error during server shutdown", logger.Error(err))
		return fmt.Errorf("shutdown error: %w", err)
	}
	s.wg.Wait()
	s.log.Info("HTTP server shutdown complete", logger.Duration("elapsed", time.Since(start)))
	return nil
}

// APIController returns the v2 API controller.
func (s *Server) APIController() *v2.Controller {
	return s.apiController
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Config returns the effective server configuration.
func (s *Server) Config() *Config {
	return s.config
}
