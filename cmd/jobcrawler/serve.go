package main

import (
	"github.com/spf13/cobra"

	"github.com/rebridge/jobcrawler/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the worker pool and the scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			// server.Run closes the app on shutdown.
			return server.Run(cmd.Context(), a)
		},
	}
}
