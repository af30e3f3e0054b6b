// Package config implements Config & Bootstrap (C12): environment-driven
// configuration for the parallax control plane, loaded with
// github.com/spf13/viper.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds every environment toggle named in spec.md §6 / SPEC_FULL.md
// §4.12. Priority: environment variables > config file > defaults. No CLI
// flag binds into this struct; the only flag involved is --config, whose
// value reaches Load as cfgFile.
type Config struct {
	HAEnabled bool `mapstructure:"ha_enabled"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	InstanceID string `mapstructure:"instance_id"`
	AppPrefix  string `mapstructure:"app_prefix"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	LeaseTTL          time.Duration `mapstructure:"lease_ttl"`

	SchedulerPollInterval time.Duration `mapstructure:"scheduler_poll_interval"`

	WebhookBaseURL string `mapstructure:"webhook_base_url"`

	HTTPAddr string `mapstructure:"http_addr"`
}

// Load reads configuration from PARALLAX_-prefixed environment variables
// (and an optional config file via cfgFile), applying defaults, then
// validates the result.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", cfgFile, err)
		}
	}

	v.SetEnvPrefix("PARALLAX")
	v.AutomaticEnv()
	// Explicit binds so Unmarshal sees PARALLAX_* values even for keys with no
	// default (redis_password, instance_id, webhook_base_url): AutomaticEnv
	// alone only applies to keys viper already knows about.
	for _, key := range []string{
		"ha_enabled", "redis_addr", "redis_password", "redis_db",
		"instance_id", "app_prefix", "heartbeat_interval", "heartbeat_timeout",
		"lease_ttl", "scheduler_poll_interval", "webhook_base_url", "http_addr",
	} {
		_ = v.BindEnv(key)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ha_enabled", false)
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_db", 0)
	v.SetDefault("app_prefix", "parallax")
	v.SetDefault("heartbeat_interval", 5*time.Second)
	v.SetDefault("heartbeat_timeout", 15*time.Second)
	v.SetDefault("lease_ttl", 10*time.Second)
	v.SetDefault("scheduler_poll_interval", 1*time.Second)
	v.SetDefault("http_addr", ":8080")
}

// Validate enforces fail-fast contract-violation checks at ingest time
// (spec.md §7: "fail fast at ingest time; never observed at runtime").
func (c *Config) Validate() error {
	if c.HAEnabled && c.RedisAddr == "" {
		return fmt.Errorf("redis_addr is required when ha_enabled is true")
	}
	if c.AppPrefix == "" {
		return fmt.Errorf("app_prefix must not be empty")
	}
	if c.HeartbeatTimeout < c.HeartbeatInterval {
		return fmt.Errorf("heartbeat_timeout must be >= heartbeat_interval")
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("lease_ttl must be positive")
	}
	if c.SchedulerPollInterval <= 0 {
		return fmt.Errorf("scheduler_poll_interval must be positive")
	}
	return nil
}
