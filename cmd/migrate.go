package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"jobmate/ingestion-service/internal/db"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, log, err := loadBase()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			return db.MigrateDown(cfg.DatabaseURL, steps, log)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(_ *cobra.Command, _ []string) error {
				cfg, log, err := loadBase()
				if err != nil {
					return err
				}
				defer func() { _ = log.Sync() }()
				return db.MigrateUp(cfg.DatabaseURL, log)
			},
		},
		down,
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, log, err := loadBase()
				if err != nil {
					return err
				}
				defer func() { _ = log.Sync() }()

				v, dirty, err := db.MigrationVersion(cfg.DatabaseURL, log)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", v, dirty)
				return nil
			},
		},
	)
	return cmd
}
