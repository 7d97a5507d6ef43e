package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/sleepysoft/intelhub/config"
	"github.com/sleepysoft/intelhub/internal/analyzer"
	"github.com/sleepysoft/intelhub/internal/embedding"
	"github.com/sleepysoft/intelhub/internal/model"
	"github.com/sleepysoft/intelhub/internal/search"
	"github.com/sleepysoft/intelhub/internal/store"
)

func newLogger(prefix string) *log.Logger {
	return log.New(os.Stdout, prefix, log.LstdFlags)
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	if err := cfg.Storage.Postgres.Validate(); err != nil {
		return nil, err
	}
	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return st, nil
}

func openRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if err := cfg.Storage.Redis.Validate(); err != nil {
		return nil, err
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func newAnalyzer(cfg *config.Config) (*analyzer.Analyzer, *analyzer.Client, error) {
	if err := cfg.AI.Validate(); err != nil {
		return nil, nil, err
	}
	client := analyzer.NewClient(
		cfg.AI.BaseURL,
		cfg.AI.APIKey,
		cfg.AI.CompletionModel,
		cfg.AI.EmbeddingModel,
		cfg.AI.Temperature,
		cfg.AI.MaxTokens,
		cfg.AI.Timeout,
	)
	return analyzer.New(client, cfg.AI.Provider), client, nil
}

func newEmbeddingService(client *analyzer.Client, st *store.Store, cfg *config.Config) *embedding.Service {
	return embedding.NewService(newLogger("[EMBED] "), client, st, cfg.Embedding.Normalize())
}

// warmKeywordIndex loads every archived item into an in-memory keyword index.
func warmKeywordIndex(ctx context.Context, st *store.Store, logger *log.Logger) (*search.Index, error) {
	ix, err := search.NewIndex()
	if err != nil {
		return nil, fmt.Errorf("keyword index: %w", err)
	}
	if err := st.ListPartition(ctx, model.PartitionArchived, func(it model.Item) error {
		return ix.Add(it)
	}); err != nil {
		return nil, fmt.Errorf("warm keyword index: %w", err)
	}
	if n, err := ix.Count(); err == nil {
		logger.Printf("keyword index warmed with %d archived items", n)
	}
	return ix, nil
}
