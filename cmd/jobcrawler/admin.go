package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/rebridge/jobcrawler/internal/app"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print job totals and recent crawl runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				stats, err := a.Crawler().GetStats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired and stale jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				deleted, err := a.Crawler().CleanupExpiredJobs(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{"deleted": deleted})
			})
		},
	}
}

func newAlertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Evaluate, list or clear monitoring alerts",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "check",
			Short: "Evaluate alert rules and deliver new alerts",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd, func(ctx context.Context, a *app.App) error {
					alerts, err := a.Monitor().CheckAndAlert(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), alerts)
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "Print the active alerts",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd, func(ctx context.Context, a *app.App) error {
					alerts, err := a.Monitor().GetActiveAlerts(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), alerts)
				})
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Drop the active alerts",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd, func(ctx context.Context, a *app.App) error {
					return a.Monitor().ClearAlerts(ctx)
				})
			},
		},
	)
	return cmd
}

func newKeywordsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keywords",
		Short: "Show or replace the search keywords",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "Print the current keywords",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd, func(ctx context.Context, a *app.App) error {
					kws, err := a.Keywords().Get(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), map[string][]string{"keywords": kws})
				})
			},
		},
		&cobra.Command{
			Use:   "set KEYWORD...",
			Short: "Replace the keywords",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(ctx context.Context, a *app.App) error {
					kws, err := a.Keywords().Set(ctx, args)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), map[string][]string{"keywords": kws})
				})
			},
		},
	)
	return cmd
}
