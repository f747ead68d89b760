package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quizapp/offlinesync/internal/app"
	"github.com/quizapp/offlinesync/internal/config"
	"github.com/quizapp/offlinesync/internal/db"
)

func newMigrateCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the local database schema",
	}

	withMigrator := func(fn func(cmd *cobra.Command, m *db.Migrator) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runMigrator(cmd, cfg, fn)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: withMigrator(func(cmd *cobra.Command, m *db.Migrator) error {
				if err := m.Up(); err != nil {
					return err
				}
				return printVersion(cmd, m)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			RunE: withMigrator(func(cmd *cobra.Command, m *db.Migrator) error {
				if err := m.Down(); err != nil {
					return err
				}
				return printVersion(cmd, m)
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied migrations",
			RunE: withMigrator(func(cmd *cobra.Command, m *db.Migrator) error {
				applied, err := m.GetAppliedMigrations()
				if err != nil {
					return err
				}
				for _, mig := range applied {
					fmt.Fprintf(cmd.OutOrStdout(), "V%d  %s  %s\n",
						mig.Version, mig.AppliedAt.Format("2006-01-02 15:04:05"), mig.Description)
				}
				return printVersion(cmd, m)
			}),
		},
	)
	return cmd
}

func runMigrator(cmd *cobra.Command, cfg *config.Config, fn func(*cobra.Command, *db.Migrator) error) error {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	database, err := db.OpenPath(app.DatabasePath(cfg))
	if err != nil {
		return err
	}
	defer database.Close()

	m := db.NewMigrator(database.DB, db.Migrations())
	if err := m.Initialize(); err != nil {
		return err
	}
	return fn(cmd, m)
}

func printVersion(cmd *cobra.Command, m *db.Migrator) error {
	v, err := m.CurrentVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version: %d\n", v)
	return nil
}
