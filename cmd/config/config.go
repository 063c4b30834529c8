// Package config provides the commands that manage config.yaml.
package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/birdnet-census/internal/conf"
)

// Command creates the config command group. configFile points at the
// value of the global --config flag.
func Command(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config.yaml with default settings",
		Long: `Init writes the default configuration to the path given with --config,
or to ./config.yaml when no config file exists in the standard locations.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *configFile
			if path == "" {
				var exists bool
				path, exists = conf.FindConfigFile()
				if exists && !force {
					return fmt.Errorf("config file %s already exists, use --force to overwrite", path)
				}
			}
			if err := conf.WriteDefaultConfig(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	cmd.AddCommand(initCmd)

	return cmd
}
