package main

import (
	"errors"

	"github.com/spf13/cobra"

	pgstore "github.com/rebridge/jobcrawler/internal/storage/postgres"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}
	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.DB.DSN == "" {
				return errors.New("db.dsn is required")
			}
			return pgstore.MigrateDown(cfg.DB.DSN, steps, logger)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, logger, err := resolveConfig(cmd.Context())
				if err != nil {
					return err
				}
				if cfg.DB.DSN == "" {
					return errors.New("db.dsn is required")
				}
				return pgstore.Migrate(cfg.DB.DSN, logger)
			},
		},
		down,
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, logger, err := resolveConfig(cmd.Context())
				if err != nil {
					return err
				}
				if cfg.DB.DSN == "" {
					return errors.New("db.dsn is required")
				}
				version, dirty, err := pgstore.MigrationVersion(cfg.DB.DSN, logger)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"version": version, "dirty": dirty})
			},
		},
	)
	return cmd
}
