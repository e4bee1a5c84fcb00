// Package config provides the configuration structure for the avatar-service.
package config

import (
	"fmt"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                       string `toml:"url"`
	ArtifactObjectStoreBucket string `toml:"artifact_object_store_bucket"`
	CacheObjectStoreBucket    string `toml:"cache_object_store_bucket"`
}

// JobsConfig holds the durable job store and worker pool configuration.
type JobsConfig struct {
	DatabasePath      string `toml:"database_path"`
	Workers           int    `toml:"workers"`
	QueueSize         int    `toml:"queue_size"`
	JobTimeoutSeconds int    `toml:"job_timeout_seconds"`
}

// RateLimitConfig holds the per-client submission limiter configuration.
type RateLimitConfig struct {
	Enabled           bool `toml:"enabled"`
	RequestsPerMinute int  `toml:"requests_per_minute"`
	Burst             int  `toml:"burst"`
}

// CacheConfig holds the response cache configuration.
type CacheConfig struct {
	VoicesTTLSeconds int `toml:"voices_ttl_seconds"`
}

// CleanupConfig holds the periodic maintenance configuration.
type CleanupConfig struct {
	IntervalMinutes     int `toml:"interval_minutes"`
	JobRetentionHours   int `toml:"job_retention_hours"`
	TempFileMaxAgeHours int `toml:"temp_file_max_age_hours"`
	BucketIdleAgeHours  int `toml:"bucket_idle_age_hours"`
}

// EngineConfig holds the generation engine configuration. Mode selects the
// adapter: "chatllm" runs the local binary, "http" talks to a remote
// synthesis service.
type EngineConfig struct {
	Mode           string  `toml:"mode"`
	BinaryPath     string  `toml:"binary_path"`
	ModelPath      string  `toml:"model_path"`
	SnacModelPath  string  `toml:"snac_model_path"`
	BaseURL        string  `toml:"base_url"`
	Seed           int     `toml:"seed"`
	NGL            int     `toml:"ngl"`
	TopP           float64 `toml:"top_p"`
	Temperature    float64 `toml:"temperature"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
	TempDir     string `toml:"temp_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS      NATSConfig      `toml:"nats"`
	Jobs      JobsConfig      `toml:"jobs"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Cache     CacheConfig     `toml:"cache"`
	Cleanup   CleanupConfig   `toml:"cleanup"`
	Engine    EngineConfig    `toml:"engine"`
	Paths     PathsConfig     `toml:"paths"`
}

// Load loads the configuration for the avatar-service.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return &cfg, nil
}
