// Package config loads the gateway service configuration. Live policy
// changes (rate limits, trusted emitter, pauses) go through the
// capability-gated admin API, not this file; this covers only the wiring an
// instance needs at boot.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config is the top-level service configuration.
type Config struct {
	ListenAddr string          `mapstructure:"listen_addr"`
	Path       string          `mapstructure:"path"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Breaker    BreakerConfig   `mapstructure:"breaker"`
	Emitter    EmitterConfig   `mapstructure:"emitter"`
	RateLimit  RateLimitConfig `mapstructure:"ratelimit"`
}

// RedisConfig enables shared state across gateway instances.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// BreakerConfig tunes the settlement-failure trip wire.
type BreakerConfig struct {
	MaxFailures int `mapstructure:"max_failures"`
}

// EmitterConfig optionally seeds the trusted emitter at boot.
type EmitterConfig struct {
	ChainID uint16 `mapstructure:"chain_id"`
	Address string `mapstructure:"address"`
}

// RateLimitConfig optionally seeds the path's rate limit at boot. Rate and
// Capacity are decimal strings so the uint128 domain survives YAML.
type RateLimitConfig struct {
	Rate     string `mapstructure:"rate"`
	Capacity string `mapstructure:"capacity"`
	Enabled  bool   `mapstructure:"enabled"`
}

// Load reads configuration from path, or from the default search locations
// when path is empty. Environment variables prefixed BRIDGEGUARD_ override
// file values.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("path", "tbtc")
	v.SetDefault("breaker.max_failures", 5)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("bridgeguard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/bridgeguard")
	}
	v.SetEnvPrefix("BRIDGEGUARD")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
		// No file is fine; defaults and environment carry the boot config.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}
