package main

import (
	"github.com/spf13/cobra"

	"github.com/sleepysoft/intelhub/config"
	"github.com/sleepysoft/intelhub/internal/fingerprint"
	"github.com/sleepysoft/intelhub/internal/pipeline"
	"github.com/sleepysoft/intelhub/internal/server"
)

func serveCMD() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(configPath(cmd))
			ctx, cancel := signalContext()
			defer cancel()

			logger := newLogger("[SERVE] ")

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

			fps := fingerprint.NewStore(st.DB, rdb)
			ingestor := pipeline.NewIngestor(newLogger("[INGEST] "), st, fps)

			var sim server.SimilaritySearcher
			if cfg.Embedding.Enabled {
				_, client, err := newAnalyzer(cfg)
				if err != nil {
					return err
				}
				sim = newEmbeddingService(client, st, cfg)
			}

			kw, err := warmKeywordIndex(ctx, st, logger)
			if err != nil {
				return err
			}

			srv := server.New(logger, cfg, st, ingestor, sim, kw)
			return srv.Run(ctx)
		},
	}
}
