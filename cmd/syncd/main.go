// Package main provides syncd, the desktop host for the offline sync core.
// It runs the engine against the configured API and serves diagnostics on
// the loopback interface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quizapp/offlinesync/internal/config"
	"github.com/quizapp/offlinesync/internal/logging"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "syncd",
		Short:        "Offline-first quiz sync daemon",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (YAML)")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		logging.InitWithFormat(os.Stderr, logging.ParseLevel(cfg.Logging.Level), logging.Format(cfg.Logging.Format))
		return cfg, nil
	}

	root.AddCommand(
		newServeCmd(load),
		newStatusCmd(load),
		newMigrateCmd(load),
		newVersionCmd(),
	)
	return root
}

type configLoader func() (*config.Config, error)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "syncd v%s\n", Version)
		},
	}
}
