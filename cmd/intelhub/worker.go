package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sleepysoft/intelhub/config"
	"github.com/sleepysoft/intelhub/internal/fingerprint"
	"github.com/sleepysoft/intelhub/internal/pipeline"
	"github.com/sleepysoft/intelhub/internal/queue/streams"
)

func workerCMD() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the classification pipeline and stream ingestor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(configPath(cmd))
			ctx, cancel := signalContext()
			defer cancel()

			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = st.DB.Close() }()

			rdb, err := openRedis(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rdb.Close() }()

			if err := streams.EnsureGroup(ctx, rdb, streams.StreamCollect, streams.GroupPipeline); err != nil {
				return fmt.Errorf("ensure consumer group: %w", err)
			}

			cls, client, err := newAnalyzer(cfg)
			if err != nil {
				return err
			}

			var indexer pipeline.Indexer
			if cfg.Embedding.Enabled {
				indexer = newEmbeddingService(client, st, cfg)
			}

			fps := fingerprint.NewStore(st.DB, rdb)
			ingestor := pipeline.NewIngestor(newLogger("[INGEST] "), st, fps)
			consumerName := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
			consumer := streams.NewConsumer(rdb, streams.GroupPipeline, consumerName)
			streamIngestor := pipeline.NewStreamIngestor(newLogger("[INGEST] "), ingestor, consumer, streams.StreamCollect)

			processor := pipeline.NewProcessor(newLogger("[PIPELINE] "), st, cls, indexer, cfg.Pipeline.Normalize())

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return streamIngestor.Run(gctx) })
			g.Go(func() error { return processor.Run(gctx) })
			return g.Wait()
		},
	}
}
