// Package config loads the cache service configuration from file and
// environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hackclub/podium-cache/pkg/airtable"
	"github.com/hackclub/podium-cache/pkg/api/webhooks"
	"github.com/hackclub/podium-cache/pkg/cache"
)

// APIConfig defines the HTTP server configuration.
type APIConfig struct {
	ListenAddress string        `mapstructure:"listen_address"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

// Config holds the complete service configuration.
type Config struct {
	Environment string            `mapstructure:"environment"`
	API         APIConfig         `mapstructure:"api"`
	Redis       cache.RedisConfig `mapstructure:"redis"`
	Cache       cache.Config      `mapstructure:"cache"`
	Sweep       cache.SweepConfig `mapstructure:"sweep"`
	Airtable    airtable.Config   `mapstructure:"airtable"`
	Webhook     webhooks.Config   `mapstructure:"webhook"`

	// Tables maps entity names to source table identifiers.
	Tables map[string]string `mapstructure:"tables"`
}

// Load loads configuration from the config file (PODIUM_CONFIG_FILE,
// default configs/config.yaml) and PODIUM_-prefixed environment variables.
// The file is optional when the environment provides everything.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	configFile := os.Getenv("PODIUM_CONFIG_FILE")
	if configFile == "" {
		configFile = "configs/config.yaml"
	}
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("PODIUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Common Docker-environment aliases.
	_ = v.BindEnv("redis.address", "REDIS_ADDR")
	_ = v.BindEnv("airtable.api_key", "AIRTABLE_API_KEY")
	_ = v.BindEnv("airtable.base_id", "AIRTABLE_BASE_ID")
	_ = v.BindEnv("webhook.secret", "WEBHOOK_SECRET")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if _, statErr := os.Stat(configFile); statErr == nil {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("api.listen_address", ":8090")
	v.SetDefault("api.read_timeout", 10*time.Second)
	v.SetDefault("api.write_timeout", 30*time.Second)

	redis := cache.DefaultRedisConfig()
	v.SetDefault("redis.address", redis.Address)
	v.SetDefault("redis.max_retries", redis.MaxRetries)
	v.SetDefault("redis.dial_timeout", redis.DialTimeout)
	v.SetDefault("redis.read_timeout", redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", redis.WriteTimeout)
	v.SetDefault("redis.pool_size", redis.PoolSize)
	v.SetDefault("redis.min_idle_conns", redis.MinIdleConns)
	v.SetDefault("redis.op_timeout", redis.OpTimeout)

	cc := cache.DefaultConfig()
	v.SetDefault("cache.base_ttl", cc.BaseTTL)
	v.SetDefault("cache.jitter_percent", cc.JitterPercent)
	v.SetDefault("cache.tombstone_ttl", cc.TombstoneTTL)
	v.SetDefault("cache.schema_version", cc.SchemaVersion)

	sweep := cache.DefaultSweepConfig()
	v.SetDefault("sweep.schedule", sweep.Schedule)
	v.SetDefault("sweep.scan_batch", sweep.ScanBatch)

	at := airtable.DefaultConfig()
	v.SetDefault("airtable.base_url", at.BaseURL)
	v.SetDefault("airtable.timeout", at.Timeout)
	v.SetDefault("airtable.requests_per_second", at.RequestsPerSecond)
	v.SetDefault("airtable.max_retries", at.MaxRetries)

	wh := webhooks.DefaultConfig()
	v.SetDefault("webhook.signature_header", wh.SignatureHeader)
	v.SetDefault("webhook.max_payload_bytes", wh.MaxPayloadBytes)
	v.SetDefault("webhook.rate_per_second", wh.RatePerSecond)
	v.SetDefault("webhook.burst", wh.Burst)

	v.SetDefault("tables", map[string]string{
		"events":    "events",
		"projects":  "projects",
		"users":     "users",
		"votes":     "votes",
		"referrals": "referrals",
	})
}
