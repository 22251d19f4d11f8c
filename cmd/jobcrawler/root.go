package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rebridge/jobcrawler/internal/app"
	"github.com/rebridge/jobcrawler/internal/config"
	"github.com/rebridge/jobcrawler/internal/logging"
)

type ctxKey string

const (
	configKey ctxKey = "config"
	loggerKey ctxKey = "logger"
)

// newApp is swapped in tests.
var newApp = app.Build

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:           "jobcrawler",
		Short:         "Crawls Korean job boards for disability-inclusive listings.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			ctx := context.WithValue(cmd.Context(), configKey, cfg)
			ctx = context.WithValue(ctx, loggerKey, logger)
			cmd.SetContext(ctx)
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a config file (yaml, json or toml)")

	cmd.AddCommand(
		newServeCmd(),
		newCrawlCmd(),
		newStatsCmd(),
		newCleanupCmd(),
		newAlertsCmd(),
		newKeywordsCmd(),
		newMigrateCmd(),
	)
	return cmd
}

func resolveConfig(ctx context.Context) (config.Config, *zap.Logger, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, nil, errors.New("configuration not loaded")
	}
	logger, ok := ctx.Value(loggerKey).(*zap.Logger)
	if !ok || logger == nil {
		logger = zap.NewNop()
	}
	return cfg, logger, nil
}

// withApp builds the application for one command and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, logger, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
