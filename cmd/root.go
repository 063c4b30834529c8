package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/birdnet-census/cmd/analyze"
	configcmd "github.com/tphakala/birdnet-census/cmd/config"
	"github.com/tphakala/birdnet-census/cmd/edge"
	"github.com/tphakala/birdnet-census/cmd/migrate"
	"github.com/tphakala/birdnet-census/cmd/retry"
	"github.com/tphakala/birdnet-census/cmd/serve"
	"github.com/tphakala/birdnet-census/cmd/species"
	"github.com/tphakala/birdnet-census/cmd/user"
	"github.com/tphakala/birdnet-census/internal/conf"
	"github.com/tphakala/birdnet-census/internal/errors"
	"github.com/tphakala/birdnet-census/internal/logger"
)

// RootCommand creates and returns the root command. settings is filled in
// before any sub-command runs.
func RootCommand(settings *conf.Settings) *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "census",
		Short:         "BirdNET acoustic census backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	if err := setupFlags(rootCmd, &configFile); err != nil {
		panic(err)
	}

	configCmd := configcmd.Command(&configFile)
	subcommands := []*cobra.Command{
		serve.Command(settings),
		migrate.Command(settings),
		analyze.Command(settings),
		retry.Command(settings),
		user.Command(settings),
		species.Command(settings),
		edge.Command(settings),
		configCmd,
	}
	rootCmd.AddCommand(subcommands...)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// config init must work without a valid configuration.
		if isChildOf(cmd, configCmd) {
			return nil
		}
		return initialize(settings, configFile)
	}
	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		errors.FlushSentry(2 * time.Second)
		return logger.Global().Close()
	}

	return rootCmd
}

// initialize loads the configuration and sets up logging and telemetry.
func initialize(settings *conf.Settings, configFile string) error {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	}

	loaded, err := conf.Load()
	if err != nil {
		return err
	}
	loaded.Version, loaded.BuildDate = settings.Version, settings.BuildDate
	*settings = *loaded
	conf.SetSettings(settings)

	if settings.Debug {
		settings.Logging.DefaultLevel = "debug"
		if settings.Logging.Console != nil {
			settings.Logging.Console.Level = "debug"
		}
	}
	cl, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(cl)

	if settings.Sentry.Enabled {
		if err := errors.InitSentry(settings.Sentry.DSN, settings.Version, "production"); err != nil {
			cl.Module("main").Warn("error telemetry disabled", logger.Error(err))
		}
	}
	return nil
}

func setupFlags(rootCmd *cobra.Command, configFile *string) error {
	rootCmd.PersistentFlags().StringVarP(configFile, "config", "c", "", "Path to config.yaml (default: search standard locations)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug output")

	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}

func isChildOf(cmd, parent *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c == parent {
			return true
		}
	}
	return false
}
