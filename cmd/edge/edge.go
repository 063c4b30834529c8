// Package edge provides the commands run on recording devices to ship
// finished recordings to the census backend.
package edge

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/birdnet-census/internal/conf"
	edgesvc "github.com/tphakala/birdnet-census/internal/edge"
	"github.com/tphakala/birdnet-census/internal/logger"
)

// Command creates the edge command group.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edge",
		Short: "Upload recordings from a field device",
		Long: `Edge commands scan a directory of finished recordings named
<device>_<YYYYmmdd_HHMMSS>.<ext> and upload each one once, over HTTP to the
census API or to an SFTP or FTP drop directory.`,
	}

	if err := setupFlags(cmd); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Upload pending recordings once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			syncer, closeFn, err := newSyncer(settings)
			if err != nil {
				return err
			}
			defer closeFn()

			report, err := syncer.SyncOnce(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "%d pending, %d uploaded, %d failed, %d deleted\n",
				report.Pending, report.Uploaded, report.Failed, report.Deleted)
			return err
		},
	})

	var immediate bool
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Upload pending recordings on the configured schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			syncer, closeFn, err := newSyncer(settings)
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return syncer.Run(ctx, immediate)
		},
	}
	runCmd.Flags().BoolVar(&immediate, "now", true, "Run one pass before waiting for the schedule")
	cmd.AddCommand(runCmd)

	return cmd
}

func setupFlags(cmd *cobra.Command) error {
	cmd.PersistentFlags().String("watch-dir", "recordings", "Directory with finished recordings")
	cmd.PersistentFlags().String("method", conf.EdgeMethodHTTP, "Upload method: http, sftp or ftp")
	cmd.PersistentFlags().String("device-id", "", "Device id reported to the backend")
	cmd.PersistentFlags().Bool("delete", false, "Delete recordings after a successful upload")
	cmd.PersistentFlags().String("schedule", "0 0 * * *", "Cron schedule for edge run")

	for key, flag := range map[string]string{
		"edge.watchdir":    "watch-dir",
		"edge.method":      "method",
		"edge.deviceid":    "device-id",
		"edge.deleteafter": "delete",
		"edge.schedule":    "schedule",
	} {
		if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flags: %w", err)
		}
	}
	return nil
}

// newSyncer wires the uploader, the sync state and, when a backend URL is
// known, the device check-in.
func newSyncer(settings *conf.Settings) (*edgesvc.Syncer, func(), error) {
	s := &settings.Edge
	log := logger.Global().Module("edge")

	uploader, err := edgesvc.NewUploader(s)
	if err != nil {
		return nil, nil, err
	}
	closers := []func() error{uploader.Close}
	closeAll := func() {
		for _, fn := range closers {
			_ = fn()
		}
	}

	state, err := edgesvc.LoadState(s.StateFile)
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	var opts []edgesvc.SyncerOption
	if s.CheckIn && s.DeviceID != "" {
		switch u := uploader.(type) {
		case edgesvc.CheckInSender:
			opts = append(opts, edgesvc.WithCheckIn(u))
		default:
			if s.HTTP.URL == "" {
				break
			}
			hu, err := edgesvc.NewHTTPUploader(edgesvc.HTTPConfigFromSettings(s))
			if err != nil {
				log.Warn("check-in disabled", logger.Error(err))
				break
			}
			closers = append(closers, hu.Close)
			opts = append(opts, edgesvc.WithCheckIn(hu))
		}
	}

	log.Info("edge uploader ready",
		logger.String("method", uploader.Name()),
		logger.String("watch_dir", s.WatchDir),
		logger.Int("synced_files", state.Count()))
	return edgesvc.NewSyncer(s, uploader, state, opts...), closeAll, nil
}

