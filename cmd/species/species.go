// Package species provides the commands that maintain the species catalog.
package species

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tphakala/birdnet-census/internal/app"
	"github.com/tphakala/birdnet-census/internal/birdnet"
	"github.com/tphakala/birdnet-census/internal/conf"
	"github.com/tphakala/birdnet-census/internal/datastore/entities"
	"github.com/tphakala/birdnet-census/internal/datastore/repository"
)

// Command creates the species command group.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "species",
		Short: "Manage the species catalog",
	}
	cmd.AddCommand(importCommand(settings), listCommand(settings))
	return cmd
}

func importCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "import [labels file]",
		Short: "Add species from a BirdNET label file",
		Long: `Add every label of a BirdNET label file to the catalog. Labels are read as
"Scientific name_Common name". Existing entries keep their other fields and
get the common name from the file. Without an argument the configured
classifier.labelpath is used.`,
		Example: `  census species import BirdNET_GLOBAL_6K_V2.4_Labels.txt`,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := settings.Classifier.LabelPath
			if len(args) == 1 {
				path = args[0]
			}
			labels, err := birdnet.LoadLabels(path)
			if err != nil {
				return err
			}

			a, err := app.Open(cmd.Context(), settings)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			var created, updated int
			for _, l := range labels {
				if l.Scientific == "" {
					continue
				}
				s := &entities.Species{ScientificName: l.Scientific}
				if l.Common != "" {
					s.CommonName = &l.Common
				}
				isNew, err := a.Species.Upsert(cmd.Context(), s)
				if err != nil {
					return err
				}
				if isNew {
					created++
				} else {
					updated++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d species (%d new, %d updated) from %s\n",
				created+updated, created, updated, path)
			return nil
		},
	}
}

func listCommand(settings *conf.Settings) *cobra.Command {
	var (
		search string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List catalog entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(cmd.Context(), settings)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			rows, total, err := a.Species.List(cmd.Context(), repository.SpeciesFilter{
				Query: search,
				Page:  repository.Page{Limit: limit},
			})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SCIENTIFIC NAME\tCOMMON NAME\tIUCN")
			for i := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\n", rows[i].ScientificName, deref(rows[i].CommonName), deref(rows[i].IUCNStatus))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d species\n", len(rows), total)
			return nil
		},
	}
	cmd.Flags().StringVar(&search, "search", "", "Match scientific or common name")
	cmd.Flags().IntVar(&limit, "limit", repository.DefaultPageSize, "Maximum rows to print")
	return cmd
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
