package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sleepysoft/intelhub/config"
	"github.com/sleepysoft/intelhub/internal/collector"
	"github.com/sleepysoft/intelhub/internal/pipeline"
	"github.com/sleepysoft/intelhub/internal/queue/streams"
)

func collectCMD() *cobra.Command {
	var once bool
	var feedName string

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run the feed collector",
		Long:  "Polls configured feeds and publishes entries to the collect stream; a running worker stages and classifies them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(configPath(cmd))
			ctx, cancel := signalContext()
			defer cancel()

			rdb, err := openRedis(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rdb.Close() }()

			publisher := streams.NewPublisher(rdb)
			submitter := pipeline.NewStreamSubmitter(newLogger("[INGEST] "), publisher, streams.StreamCollect)
			col := collector.New(newLogger("[COLLECT] "), submitter, cfg.Collector.Normalize())

			if once {
				return collectOnce(ctx, col, cfg, feedName)
			}
			return col.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "poll each feed a single time and exit")
	cmd.Flags().StringVar(&feedName, "feed", "", "restrict --once to a single named feed")
	return cmd
}

func collectOnce(ctx context.Context, col *collector.Collector, cfg *config.Config, feedName string) error {
	matched := false
	for _, feed := range cfg.Collector.Feeds {
		if feedName != "" && feed.Name != feedName {
			continue
		}
		matched = true
		if err := col.CollectFeed(ctx, feed); err != nil {
			return fmt.Errorf("collect feed %s: %w", feed.Name, err)
		}
	}
	if feedName != "" && !matched {
		return fmt.Errorf("feed %q not configured", feedName)
	}
	return nil
}
