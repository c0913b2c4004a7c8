package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oompalabs/oompa/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Print the configuration the swarm would run with, after merging
user config, project config (.oompa.yaml), and environment variables.

Secrets are never printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		out, err := cfg.Snapshot()
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}
