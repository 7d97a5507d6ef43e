package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sleepysoft/intelhub/config"
	"github.com/sleepysoft/intelhub/internal/model"
)

func reindexCMD() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild vector embeddings for every archived item",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(configPath(cmd))
			if !cfg.Embedding.Enabled {
				return fmt.Errorf("embedding is disabled in config")
			}
			ctx, cancel := signalContext()
			defer cancel()

			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = st.DB.Close() }()

			_, client, err := newAnalyzer(cfg)
			if err != nil {
				return err
			}
			svc := newEmbeddingService(client, st, cfg)

			logger := newLogger("[REINDEX] ")
			var done, failed int
			if err := st.ListPartition(ctx, model.PartitionArchived, func(it model.Item) error {
				if err := svc.Reindex(ctx, it); err != nil {
					failed++
					logger.Printf("index %s: %v", it.UUID, err)
					return nil
				}
				done++
				return nil
			}); err != nil {
				return err
			}
			logger.Printf("reindexed %d archived items (%d failed)", done, failed)
			return nil
		},
	}
}
