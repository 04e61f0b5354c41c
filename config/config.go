package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the process-wide, startup-only configuration described in
// spec.md §6. It is read once by cmd/coordinatord or cmd/coordinatorctl and
// never mutated afterwards.
type Config struct {
	// CeremonyBucketPostfix is appended to a ceremony's prefix to form its
	// BlobStore bucket name.
	CeremonyBucketPostfix string `mapstructure:"ceremony_bucket_postfix"`

	// StreamChunkSizeInMB is the multi-part upload part size.
	StreamChunkSizeInMB int `mapstructure:"stream_chunk_size_mb"`

	// PresignedURLExpirationInSeconds is the TTL of pre-signed URLs.
	PresignedURLExpirationInSeconds int `mapstructure:"presigned_url_expiration_seconds"`

	// VerificationTimeoutSeconds caps a single in-process verification.
	VerificationTimeoutSeconds int `mapstructure:"verification_timeout_seconds"`

	// SchedulerScanIntervalSeconds is how often the Scheduler scans for
	// expired timeouts; must be >= 60.
	SchedulerScanIntervalSeconds int `mapstructure:"scheduler_scan_interval_seconds"`

	// HTTPAddr is the address the coordinatord HTTP API listens on.
	HTTPAddr string `mapstructure:"http_addr"`

	// MetaStore backend selection and dial settings.
	MetaStoreDriver string `mapstructure:"metastore_driver"` // "memory" | "pebble"
	PebbleDataDir   string `mapstructure:"pebble_data_dir"`

	// BlobStore (S3-compatible) dial settings.
	S3Region   string `mapstructure:"s3_region"`
	S3Endpoint string `mapstructure:"s3_endpoint"`

	// ComputeProvider (Docker) dial settings.
	DockerHost  string `mapstructure:"docker_host"`
	VMImageRef  string `mapstructure:"vm_image_ref"`
	VMWorkspace string `mapstructure:"vm_workspace"`

	// MetricsAddr serves Prometheus /metrics; empty disables it.
	MetricsAddr string `mapstructure:"metrics_addr"`

	// CoordinatorAPIKey is the capability token a caller must present to
	// invoke a coordinator-only RPC (spec.md §1 Non-goals: user
	// authentication is out of scope, the core only consumes an already
	// authenticated identity and a coordinator capability flag).
	CoordinatorAPIKey string `mapstructure:"coordinator_api_key"`

	// RateLimitRPS and RateLimitBurst size the per-client-IP token bucket the
	// HTTP API enforces on every request; RateLimitRPS <= 0 disables limiting.
	RateLimitRPS                    float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst                  int     `mapstructure:"rate_limit_burst"`
	RateLimitCleanupIntervalSeconds int     `mapstructure:"rate_limit_cleanup_interval_seconds"`
}

// Load reads configuration from environment variables (prefix CEREMONY_) and
// an optional config file, applying defaults for everything spec.md §6
// documents a default for.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CEREMONY")
	v.AutomaticEnv()

	v.SetDefault("ceremony_bucket_postfix", "-ceremony")
	v.SetDefault("stream_chunk_size_mb", DefaultStreamChunkSizeMB)
	v.SetDefault("presigned_url_expiration_seconds", DefaultPresignedURLExpirationSeconds)
	v.SetDefault("verification_timeout_seconds", DefaultVerificationTimeoutSeconds)
	v.SetDefault("scheduler_scan_interval_seconds", DefaultSchedulerScanIntervalSeconds)
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("metastore_driver", "memory")
	v.SetDefault("pebble_data_dir", "./data/metastore")
	v.SetDefault("s3_region", "us-east-1")
	v.SetDefault("vm_workspace", "/var/ceremony")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("coordinator_api_key", "")
	v.SetDefault("rate_limit_rps", DefaultRateLimitRPS)
	v.SetDefault("rate_limit_burst", DefaultRateLimitBurst)
	v.SetDefault("rate_limit_cleanup_interval_seconds", DefaultRateLimitCleanupIntervalSeconds)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.SchedulerScanIntervalSeconds < 60 {
		return nil, fmt.Errorf("scheduler_scan_interval_seconds must be >= 60, got %d", cfg.SchedulerScanIntervalSeconds)
	}

	return &cfg, nil
}

// VerificationTimeout returns VerificationTimeoutSeconds as a Duration.
func (c *Config) VerificationTimeout() time.Duration {
	return time.Duration(c.VerificationTimeoutSeconds) * time.Second
}

// SchedulerScanInterval returns SchedulerScanIntervalSeconds as a Duration.
func (c *Config) SchedulerScanInterval() time.Duration {
	return time.Duration(c.SchedulerScanIntervalSeconds) * time.Second
}

// PresignedURLExpiration returns PresignedURLExpirationInSeconds as a Duration.
func (c *Config) PresignedURLExpiration() time.Duration {
	return time.Duration(c.PresignedURLExpirationInSeconds) * time.Second
}

// RateLimitCleanupInterval returns RateLimitCleanupIntervalSeconds as a Duration.
func (c *Config) RateLimitCleanupInterval() time.Duration {
	return time.Duration(c.RateLimitCleanupIntervalSeconds) * time.Second
}
