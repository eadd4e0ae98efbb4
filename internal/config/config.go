// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Queue      QueueConfig      `mapstructure:"queue"`
	DB         DBConfig         `mapstructure:"db"`
	Storage    StorageConfig    `mapstructure:"storage"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Quality    QualityConfig    `mapstructure:"quality"`
	Strategies []StrategyConfig `mapstructure:"strategies"`
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

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// QueueConfig selects the queue backend and retry behavior.
type QueueConfig struct {
	Backend         string `mapstructure:"backend"`
	MaxAttempts     int    `mapstructure:"max_attempts"`
	BackoffBaseMs   int    `mapstructure:"backoff_base_ms"`
	BackoffMaxMs    int    `mapstructure:"backoff_max_ms"`
	ClaimLeaseSec   int    `mapstructure:"claim_lease_seconds"`
	ReapIntervalSec int    `mapstructure:"reap_interval_seconds"`
	SessionBackend  string `mapstructure:"session_backend"`
	QuotaBackend    string `mapstructure:"quota_backend"`
}

// DBConfig controls access to Postgres for the persistent backends.
type DBConfig struct {
	DSN            string `mapstructure:"dsn"`
	MaxConns       int32  `mapstructure:"max_conns"`
	MinConns       int32  `mapstructure:"min_conns"`
	MaxConnLifeSec int    `mapstructure:"max_conn_life_seconds"`
}

// StorageConfig selects and parameterizes the blob store.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	BaseDir     string `mapstructure:"base_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for terminal event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// WorkerConfig governs the worker pool.
type WorkerConfig struct {
	Count             int `mapstructure:"count"`
	PollIntervalMs    int `mapstructure:"poll_interval_ms"`
	CancelPollMs      int `mapstructure:"cancel_poll_ms"`
	AttemptTimeoutSec int `mapstructure:"attempt_timeout_seconds"`
}

// QualityConfig parameterizes the content quality gate.
type QualityConfig struct {
	MinLength           int                `mapstructure:"min_length"`
	MinPunctuationRatio float64            `mapstructure:"min_punctuation_ratio"`
	AcceptThreshold     float64            `mapstructure:"accept_threshold"`
	HintThresholds      map[string]float64 `mapstructure:"hint_thresholds"`
}

// StrategyConfig describes one acquisition strategy instance.
type StrategyConfig struct {
	Name          string   `mapstructure:"name"`
	Kind          string   `mapstructure:"kind"`
	Tier          int      `mapstructure:"tier"`
	UserAgent     string   `mapstructure:"user_agent"`
	TimeoutSec    int      `mapstructure:"timeout_seconds"`
	Hints         []string `mapstructure:"hints"`
	UseSession    bool     `mapstructure:"use_session"`
	MaxParallel   int      `mapstructure:"max_parallel"`
	RateMax       int      `mapstructure:"rate_max_requests"`
	RateWindowSec int      `mapstructure:"rate_window_seconds"`
	QuotaMaxUses  int      `mapstructure:"quota_max_uses"`
	QuotaPeriod   string   `mapstructure:"quota_period"`
	QuotaMetered  bool     `mapstructure:"quota_metered"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
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
	v.SetDefault("logging.development", true)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.backoff_base_ms", 30000)
	v.SetDefault("queue.backoff_max_ms", 3600000)
	v.SetDefault("queue.claim_lease_seconds", 600)
	v.SetDefault("queue.reap_interval_seconds", 60)
	v.SetDefault("queue.session_backend", "memory")
	v.SetDefault("queue.quota_backend", "memory")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "content")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.poll_interval_ms", 1000)
	v.SetDefault("worker.cancel_poll_ms", 1000)
	v.SetDefault("worker.attempt_timeout_seconds", 30)
	v.SetDefault("quality.min_length", 300)
	v.SetDefault("quality.min_punctuation_ratio", 0.004)
	v.SetDefault("quality.accept_threshold", 0.5)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	needsDB := c.Queue.Backend == "postgres" ||
		c.Queue.SessionBackend == "postgres" ||
		c.Queue.QuotaBackend == "postgres"
	if needsDB && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set for postgres backends")
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	for _, s := range c.Strategies {
		if s.Name == "" {
			return fmt.Errorf("strategy name is required")
		}
		if s.Kind != "direct" && s.Kind != "headless" {
			return fmt.Errorf("strategy %s: unknown kind %q", s.Name, s.Kind)
		}
		if s.QuotaMetered && s.QuotaPeriod != string(harvest.PeriodDaily) && s.QuotaPeriod != string(harvest.PeriodMonthly) {
			return fmt.Errorf("strategy %s: unknown quota period %q", s.Name, s.QuotaPeriod)
		}
	}
	return nil
}

// RetryBase returns the backoff base delay.
func (c Config) RetryBase() time.Duration {
	return time.Duration(c.Queue.BackoffBaseMs) * time.Millisecond
}

// RetryMax returns the backoff cap.
func (c Config) RetryMax() time.Duration {
	return time.Duration(c.Queue.BackoffMaxMs) * time.Millisecond
}

// RatePolicies derives the limiter policy map from the strategy descriptors.
func (c Config) RatePolicies() map[string]harvest.RatePolicy {
	out := make(map[string]harvest.RatePolicy)
	for _, s := range c.Strategies {
		if s.RateMax <= 0 {
			continue
		}
		out[s.Name] = harvest.RatePolicy{
			MaxRequests: s.RateMax,
			Window:      time.Duration(s.RateWindowSec) * time.Second,
		}
	}
	return out
}

// QuotaPolicies derives the quota policy map from the strategy descriptors.
// Only metered strategies appear in the map; a metered strategy with zero
// allowed uses is permanently exhausted.
func (c Config) QuotaPolicies() map[string]harvest.QuotaPolicy {
	out := make(map[string]harvest.QuotaPolicy)
	for _, s := range c.Strategies {
		if !s.QuotaMetered {
			continue
		}
		out[s.Name] = harvest.QuotaPolicy{
			MaxUses: s.QuotaMaxUses,
			Period:  harvest.QuotaPeriod(s.QuotaPeriod),
		}
	}
	return out
}

// ContentHints converts a strategy's hint strings to the domain type.
func (s StrategyConfig) ContentHints() []harvest.ContentHint {
	if len(s.Hints) == 0 {
		return nil
	}
	out := make([]harvest.ContentHint, 0, len(s.Hints))
	for _, h := range s.Hints {
		out = append(out, harvest.ContentHint(h))
	}
	return out
}
