// Package migrate provides the command that creates or updates the schema.
package migrate

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/birdnet-census/internal/app"
	"github.com/tphakala/birdnet-census/internal/conf"
)

// Command creates the migrate command.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(cmd.Context(), settings, app.WithMigrate())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			fmt.Fprintf(cmd.OutOrStdout(), "Schema is up to date (%s at %s)\n",
				a.Store.Dialect(), a.Store.Location())
			return nil
		},
	}
}
