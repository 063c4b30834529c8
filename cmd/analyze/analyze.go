// Package analyze provides the command that runs the analysis pipeline for
// one recording in the foreground.
package analyze

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/birdnet-census/internal/analysis"
	"github.com/tphakala/birdnet-census/internal/app"
	"github.com/tphakala/birdnet-census/internal/conf"
)

// Command creates the analyze command.
func Command(settings *conf.Settings) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "analyze <recording-id>",
		Short: "Analyze an uploaded recording now",
		Long: `Analyze claims the recording exactly like the background worker does,
so it fails with a conflict when another process is already analyzing it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(cmd.Context(), settings)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			return Run(cmd.Context(), a, args[0], cmd.OutOrStdout(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	return cmd
}

// Run analyzes id and prints the outcome with its detections. A failed run
// is printed and returned as an error.
func Run(ctx context.Context, a *app.App, id string, w io.Writer, asJSON bool) error {
	if err := a.EnableAnalysis(ctx); err != nil {
		return err
	}
	res, err := a.Pipeline.Analyze(ctx, id)
	if err != nil {
		return err
	}

	rows, err := a.Analyses.ListForRecording(ctx, id)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(struct {
			*analysis.Result
			Analyses any `json:"analyses"`
		}{res, rows}); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(w, "Recording %s: %s, %d windows, %d detections in %s\n",
			res.RecordingID, res.Status, res.Windows, res.Detections, res.Elapsed.Round(time.Millisecond))
		for i := range rows {
			r := &rows[i]
			name := r.Species
			if r.CommonName != nil && *r.CommonName != "" {
				name = fmt.Sprintf("%s (%s)", *r.CommonName, r.Species)
			}
			fmt.Fprintf(w, "  %7.2fs - %7.2fs  %.2f  %s\n", r.StartTime, r.EndTime, r.Confidence, name)
		}
	}

	if !res.Succeeded() {
		return fmt.Errorf("analysis of %s failed: %s", id, res.Error)
	}
	return nil
}
