package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPipelineNormalizeDefaults(t *testing.T) {
	p := PipelineConfig{}.Normalize()
	if p.Workers != 4 {
		t.Fatalf("expected default workers 4 got %d", p.Workers)
	}
	if p.MaxAttempts != 3 {
		t.Fatalf("expected default max attempts 3 got %d", p.MaxAttempts)
	}
	if p.ClaimLease != 5*time.Minute {
		t.Fatalf("expected default claim lease 5m got %v", p.ClaimLease)
	}
}

func TestPipelineValidateThreshold(t *testing.T) {
	p := PipelineConfig{ScoreThreshold: 11}
	if err := p.Validate(); err == nil {
		t.Fatal("expected threshold validation error")
	}
	p.ScoreThreshold = 6
	if err := p.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEmbeddingNormalize(t *testing.T) {
	e := EmbeddingConfig{}.Normalize()
	if e.Dimensions != 1536 {
		t.Fatalf("expected default dimensions 1536 got %d", e.Dimensions)
	}
	if !e.InSummary {
		t.Fatal("expected in_summary default when neither span enabled")
	}
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", User: "hub", Password: "pw", DBName: "intel"}
	want := "postgres://hub:pw@db:5432/intel?sslmode=disable"
	if got := p.DSN(); got != want {
		t.Fatalf("expected %s got %s", want, got)
	}
	p.URL = "postgres://x"
	if got := p.DSN(); got != "postgres://x" {
		t.Fatalf("expected explicit url to win, got %s", got)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	minimal := `
ai:
  base_url: https://api.openai.com/v1
  completion_model: gpt-4o-mini
storage:
  postgres:
    host: db
    dbname: intel
  redis:
    host: cache
    port: "6379"
`
	if err := os.WriteFile(path, []byte(minimal), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := LoadConfig(path)
	if cfg.Pipeline.ScoreThreshold != 6.0 {
		t.Fatalf("expected default score threshold 6.0 got %v", cfg.Pipeline.ScoreThreshold)
	}
	if len(cfg.Pipeline.ExcludeRating) != 1 || cfg.Pipeline.ExcludeRating[0] != "accuracy" {
		t.Fatalf("expected accuracy excluded from routing by default, got %v", cfg.Pipeline.ExcludeRating)
	}
	if cfg.Server.Address != ":5000" {
		t.Fatalf("expected default server address got %q", cfg.Server.Address)
	}
}

func TestCollectorNormalize(t *testing.T) {
	c := CollectorConfig{Feeds: []FeedConfig{{Name: "bbc", URL: "https://example.com/rss"}}}.Normalize()
	if c.Feeds[0].CronSpec == "" {
		t.Fatal("expected default cron spec")
	}
	if c.FetchTimeout != 30*time.Second {
		t.Fatalf("expected default fetch timeout got %v", c.FetchTimeout)
	}
}
