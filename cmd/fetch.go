package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newFetchCommand() *cobra.Command {
	var feeds []string
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Run one fetch cycle synchronously and print a summary",
		Long: "Fetches every configured feed (or those given with --feed), records an " +
			"import log per feed and queues the items. Items are imported by a running " +
			"serve process.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadBase()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if len(feeds) > 0 {
				cfg.FeedURLs = feeds
			}
			a, err := connect(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			results := a.fetcher.FetchAll(ctx, cfg.FeedURLs)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SOURCE\tLOG\tQUEUED\tEXCLUDED\tERROR")
			var failed int
			for _, r := range results {
				errText := "-"
				if r.Err != nil {
					errText = r.Err.Error()
					failed++
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", r.Source, r.LogID, r.Fetched, r.Excluded, errText)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			if depth, err := a.queue.Depth(ctx); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "\nqueue %s: %d pending, %d failed\n", a.queue.Name(), depth.Pending(), depth.Failed)
			}

			if failed == len(results) && failed > 0 {
				return fmt.Errorf("all %d feeds failed", failed)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&feeds, "feed", nil, "feed URL to fetch instead of JOB_FEED_URLS (repeatable)")
	return cmd
}
