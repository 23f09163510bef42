package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full runtime configuration of the ingestion daemon.
// Values are read from environment variables, with an optional YAML file
// as a lower-precedence source.
type Config struct {
	// Hub connection
	HubURL   string
	HubToken string

	// Supervisor retry policy
	MaxRetries    int
	MaxRetryDelay time.Duration

	// Batch writer
	BatchSize       int
	BatchTimeout    time.Duration
	BufferCapacity  int
	BufferHighWater int

	// Event validation
	MaxClockSkew time.Duration

	// Session liveness
	PingInterval   time.Duration
	SilenceTimeout time.Duration

	// External collaborators
	MetadataURL string
	StoreURL    string
	StoreToken  string
	StoreOrg    string
	StoreBucket string

	// Health surface
	HealthPort int
}

// Load reads configuration from the environment (and an optional config
// file) and validates it. A non-empty path points at a YAML file; env vars
// always take precedence over file values.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("MAX_RETRIES", -1)
	v.SetDefault("MAX_RETRY_DELAY_SEC", 300)
	v.SetDefault("BATCH_SIZE", 100)
	v.SetDefault("BATCH_TIMEOUT_SEC", 5)
	v.SetDefault("BUFFER_CAPACITY", 10_000)
	v.SetDefault("BUFFER_HIGH_WATER", 7_500)
	v.SetDefault("MAX_CLOCK_SKEW_SEC", 86_400)
	v.SetDefault("PING_INTERVAL_SEC", 30)
	v.SetDefault("SILENCE_TIMEOUT_SEC", 90)
	v.SetDefault("STORE_ORG", "hearthpipe")
	v.SetDefault("STORE_BUCKET", "home_assistant")
	v.SetDefault("HEALTH_PORT", 8086)

	v.AutomaticEnv()

	if path != "" {
		v.SetConfigType("yaml")
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		HubURL:          v.GetString("HUB_URL"),
		HubToken:        v.GetString("HUB_TOKEN"),
		MaxRetries:      v.GetInt("MAX_RETRIES"),
		MaxRetryDelay:   time.Duration(v.GetInt("MAX_RETRY_DELAY_SEC")) * time.Second,
		BatchSize:       v.GetInt("BATCH_SIZE"),
		BatchTimeout:    time.Duration(v.GetInt("BATCH_TIMEOUT_SEC")) * time.Second,
		BufferCapacity:  v.GetInt("BUFFER_CAPACITY"),
		BufferHighWater: v.GetInt("BUFFER_HIGH_WATER"),
		MaxClockSkew:    time.Duration(v.GetInt("MAX_CLOCK_SKEW_SEC")) * time.Second,
		PingInterval:    time.Duration(v.GetInt("PING_INTERVAL_SEC")) * time.Second,
		SilenceTimeout:  time.Duration(v.GetInt("SILENCE_TIMEOUT_SEC")) * time.Second,
		MetadataURL:     v.GetString("METADATA_URL"),
		StoreURL:        v.GetString("STORE_URL"),
		StoreToken:      v.GetString("STORE_TOKEN"),
		StoreOrg:        v.GetString("STORE_ORG"),
		StoreBucket:     v.GetString("STORE_BUCKET"),
		HealthPort:      v.GetInt("HEALTH_PORT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the daemon cannot start
// without. Configuration errors are the only errors that terminate the
// process.
func (c *Config) Validate() error {
	if c.HubURL == "" {
		return fmt.Errorf("HUB_URL is required")
	}
	if c.HubToken == "" {
		return fmt.Errorf("HUB_TOKEN is required")
	}
	if c.StoreURL == "" {
		return fmt.Errorf("STORE_URL is required")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.BufferCapacity <= 0 {
		return fmt.Errorf("BUFFER_CAPACITY must be positive, got %d", c.BufferCapacity)
	}
	if c.BufferHighWater <= 0 || c.BufferHighWater > c.BufferCapacity {
		return fmt.Errorf("BUFFER_HIGH_WATER must be in (0, BUFFER_CAPACITY], got %d", c.BufferHighWater)
	}
	if c.BatchSize > c.BufferCapacity {
		return fmt.Errorf("BATCH_SIZE %d exceeds BUFFER_CAPACITY %d", c.BatchSize, c.BufferCapacity)
	}
	if c.SilenceTimeout <= c.PingInterval {
		return fmt.Errorf("SILENCE_TIMEOUT_SEC must exceed PING_INTERVAL_SEC")
	}
	return nil
}
