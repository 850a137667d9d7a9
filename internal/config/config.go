// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/openparcels/parcel-ingest/internal/storage/local"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Scan      ScanConfig      `mapstructure:"scan"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// UpstreamConfig configures the record card client.
type UpstreamConfig struct {
	BaseURL            string  `mapstructure:"base_url"`
	UserAgent          string  `mapstructure:"user_agent"`
	TimeoutSeconds     int     `mapstructure:"timeout_seconds"`
	ScanTimeoutSeconds int     `mapstructure:"scan_timeout_seconds"`
	MaxAttempts        int     `mapstructure:"max_attempts"`
	RetryDelayMs       int     `mapstructure:"retry_delay_ms"`
	RPS                float64 `mapstructure:"rps"`
	Burst              int     `mapstructure:"burst"`
}

// BatchConfig governs Model B planning and workers.
type BatchConfig struct {
	Workers              int   `mapstructure:"workers"`
	QueueDepth           int   `mapstructure:"queue_depth"`
	UnitSize             int   `mapstructure:"unit_size"`
	PageSize             int   `mapstructure:"page_size"`
	UnitBudgetSeconds    int   `mapstructure:"unit_budget_seconds"`
	UnitRetries          int   `mapstructure:"unit_retries"`
	RetryBackoffSeconds  []int `mapstructure:"retry_backoff_seconds"`
	CommitTimeoutSeconds int   `mapstructure:"commit_timeout_seconds"`
	ResumeOnBoot         bool  `mapstructure:"resume_on_boot"`
}

// ScanConfig governs the legacy cursor scan.
type ScanConfig struct {
	DelayMs      int  `mapstructure:"delay_ms"`
	ResumeOnBoot bool `mapstructure:"resume_on_boot"`
}

// StorageConfig selects the raw record archive backend: none (default),
// local, gcs, or memory for development runs without a database.
type StorageConfig struct {
	Backend     string       `mapstructure:"backend"`
	Bucket      string       `mapstructure:"bucket"`
	Prefix      string       `mapstructure:"prefix"`
	ContentType string       `mapstructure:"content_type"`
	Local       local.Config `mapstructure:"local"`
}

// DatabaseConfig controls the Postgres pool. An empty DSN selects the
// in-memory stores.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	ParcelsTable    string        `mapstructure:"parcels_table"`
	CandidatesTable string        `mapstructure:"candidates_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds the batch completion topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	Enabled           bool                `mapstructure:"enabled"`
	LogEnabled        bool                `mapstructure:"log_enabled"`
	PrometheusEnabled bool                `mapstructure:"prometheus_enabled"`
	BufferSize        int                 `mapstructure:"buffer_size"`
	Batch             ProgressBatchConfig `mapstructure:"batch"`
	SinkTimeoutMs     int                 `mapstructure:"sink_timeout_ms"`
}

// ProgressBatchConfig bounds sink batches.
type ProgressBatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName    string `mapstructure:"service_name"`
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PARCEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("upstream.base_url", "https://air.norfolk.gov/api/v1")
	v.SetDefault("upstream.user_agent", "parcel-ingest/1.0")
	v.SetDefault("upstream.timeout_seconds", 60)
	v.SetDefault("upstream.scan_timeout_seconds", 30)
	v.SetDefault("upstream.max_attempts", 3)
	v.SetDefault("upstream.retry_delay_ms", 5000)
	v.SetDefault("upstream.rps", 5)
	v.SetDefault("upstream.burst", 1)
	v.SetDefault("batch.workers", 4)
	v.SetDefault("batch.queue_depth", 64)
	v.SetDefault("batch.unit_size", 30)
	v.SetDefault("batch.page_size", 500)
	v.SetDefault("batch.unit_budget_seconds", 300)
	v.SetDefault("batch.unit_retries", 2)
	v.SetDefault("batch.retry_backoff_seconds", []int{30, 90})
	v.SetDefault("batch.commit_timeout_seconds", 30)
	v.SetDefault("batch.resume_on_boot", true)
	v.SetDefault("scan.delay_ms", 1000)
	v.SetDefault("scan.resume_on_boot", true)
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.prefix", "recordcards")
	v.SetDefault("storage.content_type", "application/json")
	v.SetDefault("storage.local.base_dir", "./data/recordcards")
	v.SetDefault("database.parcels_table", "parcels")
	v.SetDefault("database.candidates_table", "properties")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.prometheus_enabled", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.batch.max_events", 200)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 2000)
	v.SetDefault("telemetry.service_name", "parcel-ingest")
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.Upstream.TimeoutSeconds <= 0 || c.Upstream.ScanTimeoutSeconds <= 0 {
		return fmt.Errorf("upstream timeouts must be > 0")
	}
	if c.Upstream.MaxAttempts <= 0 {
		return fmt.Errorf("upstream.max_attempts must be > 0")
	}
	if c.Batch.Workers <= 0 {
		return fmt.Errorf("batch.workers must be > 0")
	}
	if c.Batch.UnitSize <= 0 || c.Batch.UnitSize > 100 {
		return fmt.Errorf("batch.unit_size must be between 1 and 100")
	}
	if c.Batch.UnitRetries < 0 {
		return fmt.Errorf("batch.unit_retries must be >= 0")
	}
	switch c.Storage.Backend {
	case "none", "local":
	case "memory":
		if c.Database.DSN != "" {
			return fmt.Errorf("storage.backend memory is only allowed without database.dsn; use local or gcs")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// FetchTimeout is the per-attempt upstream timeout for batch mode.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Upstream.TimeoutSeconds) * time.Second
}

// ScanFetchTimeout is the per-attempt upstream timeout for scan mode.
func (c Config) ScanFetchTimeout() time.Duration {
	return time.Duration(c.Upstream.ScanTimeoutSeconds) * time.Second
}

// RetryBackoff converts batch.retry_backoff_seconds to durations.
func (c Config) RetryBackoff() []time.Duration {
	out := make([]time.Duration, 0, len(c.Batch.RetryBackoffSeconds))
	for _, s := range c.Batch.RetryBackoffSeconds {
		out = append(out, time.Duration(s)*time.Second)
	}
	return out
}
