package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the intelligence hub.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	AI        AIConfig        `mapstructure:"ai"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Collector CollectorConfig `mapstructure:"collector"`
}

// GeneralConfig contains application-wide settings.
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server and access settings.
type ServerConfig struct {
	Address         string   `mapstructure:"address"`
	JWTSecret       string   `mapstructure:"jwt_secret"`
	CollectorTokens []string `mapstructure:"collector_tokens"`
}

// AIConfig configures the external classification/embedding provider.
type AIConfig struct {
	Provider        string        `mapstructure:"provider"`
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	CompletionModel string        `mapstructure:"completion_model"`
	EmbeddingModel  string        `mapstructure:"embedding_model"`
	Temperature     float64       `mapstructure:"temperature"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

func (a AIConfig) Validate() error {
	if strings.TrimSpace(a.BaseURL) == "" {
		return fmt.Errorf("ai.base_url required")
	}
	if strings.TrimSpace(a.CompletionModel) == "" {
		return fmt.Errorf("ai.completion_model required")
	}
	return nil
}

// PipelineConfig bounds the classification worker pool and routing policy.
type PipelineConfig struct {
	Workers         int           `mapstructure:"workers"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	ClaimLease      time.Duration `mapstructure:"claim_lease"`
	AnalysisTimeout time.Duration `mapstructure:"analysis_timeout"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	RetryBackoffMax time.Duration `mapstructure:"retry_backoff_max"`
	ScoreThreshold  float64       `mapstructure:"score_threshold"`
	ExcludeRating   []string      `mapstructure:"exclude_rating"`
}

// Normalize applies defaults for unset pipeline values.
func (p PipelineConfig) Normalize() PipelineConfig {
	if p.Workers <= 0 {
		p.Workers = 4
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.ClaimLease <= 0 {
		p.ClaimLease = 5 * time.Minute
	}
	if p.AnalysisTimeout <= 0 {
		p.AnalysisTimeout = 2 * time.Minute
	}
	if p.RetryBackoff <= 0 {
		p.RetryBackoff = 10 * time.Second
	}
	if p.RetryBackoffMax <= 0 {
		p.RetryBackoffMax = 5 * time.Minute
	}
	return p
}

func (p PipelineConfig) Validate() error {
	if p.ScoreThreshold < 0 || p.ScoreThreshold > 10 {
		return fmt.Errorf("pipeline.score_threshold must be within [0,10]")
	}
	return nil
}

// EmbeddingConfig controls vector indexing of archived items.
type EmbeddingConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	Dimensions      int     `mapstructure:"dimensions"`
	InSummary       bool    `mapstructure:"in_summary"`
	InFulltext      bool    `mapstructure:"in_fulltext"`
	SearchTopK      int     `mapstructure:"search_top_k"`
	SearchThreshold float64 `mapstructure:"search_threshold"`
}

// Normalize applies defaults for unset embedding values.
func (e EmbeddingConfig) Normalize() EmbeddingConfig {
	if e.Dimensions <= 0 {
		e.Dimensions = 1536
	}
	if e.SearchTopK <= 0 {
		e.SearchTopK = 20
	}
	if !e.InSummary && !e.InFulltext {
		e.InSummary = true
	}
	return e
}

// StorageConfig contains persistence settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a Postgres connection string from the configured parts.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr returns host:port for the Redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// CollectorConfig configures the feed ingestion gateway.
type CollectorConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Token        string        `mapstructure:"token"`
	UserAgent    string        `mapstructure:"user_agent"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	MaxChars     int           `mapstructure:"max_chars"`
	Feeds        []FeedConfig  `mapstructure:"feeds"`
}

// FeedConfig describes one polled feed. Render forces a headless-browser
// fetch of entry pages whose feeds carry no body.
type FeedConfig struct {
	Name     string `mapstructure:"name"`
	URL      string `mapstructure:"url"`
	CronSpec string `mapstructure:"cron_spec"`
	Render   bool   `mapstructure:"render"`
}

// Normalize applies defaults for unset collector values.
func (c CollectorConfig) Normalize() CollectorConfig {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.MaxChars <= 0 {
		c.MaxChars = 20000
	}
	if c.UserAgent == "" {
		c.UserAgent = "IntelHubCollector/1.0"
	}
	for i := range c.Feeds {
		if c.Feeds[i].CronSpec == "" {
			c.Feeds[i].CronSpec = "*/30 * * * *"
		}
	}
	return c
}

// LoadConfig loads config from file, falling back to defaults and
// INTELHUB_* environment variables.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("server.address", ":5000")
	viper.SetDefault("ai.provider", "openai")
	viper.SetDefault("ai.temperature", 0.2)
	viper.SetDefault("ai.timeout", "2m")
	viper.SetDefault("pipeline.score_threshold", 6.0)
	viper.SetDefault("pipeline.exclude_rating", []string{"accuracy"})
	viper.SetDefault("embedding.enabled", true)
	viper.SetDefault("embedding.in_summary", true)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("INTELHUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	config.Pipeline = config.Pipeline.Normalize()
	config.Embedding = config.Embedding.Normalize()
	config.Collector = config.Collector.Normalize()

	if err := config.AI.Validate(); err != nil {
		panic(err)
	}
	if err := config.Pipeline.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	return &config
}
