// Package serve provides the command that runs the census HTTP API and the
// background analysis worker.
package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/birdnet-census/internal/analysis"
	"github.com/tphakala/birdnet-census/internal/api"
	v2 "github.com/tphakala/birdnet-census/internal/api/v2"
	"github.com/tphakala/birdnet-census/internal/app"
	"github.com/tphakala/birdnet-census/internal/conf"
	"github.com/tphakala/birdnet-census/internal/logger"
)

// Command creates the serve command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the REST API and the analysis worker",
		Long: `Serve migrates the database, starts the HTTP API under /api/v2 and,
unless disabled, a background worker that analyzes uploaded recordings.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), settings)
		},
	}

	if err := setupFlags(cmd); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}
	return cmd
}

func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("host", "", "Listen address")
	cmd.Flags().String("port", "8080", "Listen port")
	cmd.Flags().Bool("worker", true, "Run the background analysis worker")

	for key, flag := range map[string]string{
		"webserver.host": "host",
		"webserver.port": "port",
		"worker.enabled": "worker",
	} {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flags: %w", err)
		}
	}
	return nil
}

func run(ctx context.Context, settings *conf.Settings) error {
	log := logger.Global().Module("main")
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, settings, app.WithMigrate(), app.WithMetrics())
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("error releasing resources", logger.Error(err))
		}
	}()
	if err := a.EnableAnalysis(ctx); err != nil {
		return err
	}

	deps := v2.Dependencies{
		DB:         a.Store,
		Recordings: a.Recordings,
		Analyses:   a.Analyses,
		Reports:    a.Reports,
		Devices:    a.Devices,
		Species:    a.Species,
		Analyzer:   a.Pipeline,
		Classifier: a.Classifier,
		Files:      a.Files,
	}

	var worker *analysis.Worker
	if settings.Worker.Enabled {
		worker = a.NewWorker()
		deps.Worker = worker
		worker.Start(ctx)
	}

	srv, err := api.New(settings, deps, api.WithMetrics(a.Metrics))
	if err != nil {
		if worker != nil {
			_ = worker.Stop(settings.Worker.JobTimeout)
		}
		return err
	}
	srv.Start()
	log.Info("census server running",
		logger.String("version", settings.Version),
		logger.String("address", srv.Config().Address()),
		logger.Bool("worker", worker != nil))

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case runErr = <-srv.Errors():
	}

	// Shutdown gets a fresh context; ctx is already done.
	if err := srv.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	if worker != nil {
		if err := worker.Stop(srv.Config().ShutdownTimeout); err != nil {
			log.Warn("analysis worker did not stop cleanly", logger.Error(err))
		}
	}
	return runErr
}
