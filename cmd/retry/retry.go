// Package retry provides the command that returns failed recordings to the
// analysis queue.
package retry

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/birdnet-census/cmd/analyze"
	"github.com/tphakala/birdnet-census/internal/app"
	"github.com/tphakala/birdnet-census/internal/conf"
)

// Command creates the retry command.
func Command(settings *conf.Settings) *cobra.Command {
	var now bool

	cmd := &cobra.Command{
		Use:   "retry <recording-id>...",
		Short: "Move failed recordings back to uploaded",
		Long: `Retry clears the analysis error of each failed recording and marks it
uploaded again so the worker picks it up. With --now the recording is
analyzed immediately instead.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(cmd.Context(), settings)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			out := cmd.OutOrStdout()
			for _, id := range args {
				rec, err := a.Recordings.Retry(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("retry %s: %w", id, err)
				}
				fmt.Fprintf(out, "Recording %s is %s\n", rec.ID, rec.Status)

				if now {
					if err := analyze.Run(cmd.Context(), a, id, out, false); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&now, "now", false, "Analyze right away instead of waiting for the worker")
	return cmd
}
