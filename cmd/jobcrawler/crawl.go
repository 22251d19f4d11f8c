package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rebridge/jobcrawler/internal/app"
	"github.com/rebridge/jobcrawler/internal/crawler"
)

func newCrawlCmd() *cobra.Command {
	var (
		source string
		page   int
		all    bool
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl one listing page synchronously",
		Long: `Runs a crawl in the foreground and prints the result. Use --source and --page
for a single board, or --all to crawl page 1 of every configured board.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if all == (source != "") {
				return errors.New("exactly one of --source or --all is required")
			}
			var sources []crawler.Source
			if all {
				cfg, _, err := resolveConfig(cmd.Context())
				if err != nil {
					return err
				}
				if sources, err = cfg.SourceList(); err != nil {
					return err
				}
				page = 1
			} else {
				src, err := crawler.ParseSource(source)
				if err != nil {
					return err
				}
				sources = []crawler.Source{src}
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				return runCrawls(ctx, cmd, a, sources, page)
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "board to crawl (workTogether, saramin, work24, jobkorea)")
	cmd.Flags().IntVar(&page, "page", 1, "listing page number")
	cmd.Flags().BoolVar(&all, "all", false, "crawl page 1 of every configured board")
	return cmd
}

func runCrawls(ctx context.Context, cmd *cobra.Command, a *app.App, sources []crawler.Source, page int) error {
	results := make([]crawler.CrawlResult, 0, len(sources))
	failed := 0
	for _, src := range sources {
		result, err := a.Crawler().RunCrawl(ctx, src, page)
		if err != nil {
			failed++
			a.Logger().Warn("crawl failed", zap.String("source", string(src)), zap.Error(err))
		}
		results = append(results, result)
		if ctx.Err() != nil {
			break
		}
	}
	if err := printJSON(cmd.OutOrStdout(), results); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d crawls failed", failed, len(sources))
	}
	return nil
}
