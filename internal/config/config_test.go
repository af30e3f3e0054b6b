package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithNoEnvOrFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.False(t, cfg.HAEnabled)
	require.Equal(t, "localhost:6379", cfg.RedisAddr)
	require.Equal(t, "parallax", cfg.AppPrefix)
	require.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	require.Equal(t, 15*time.Second, cfg.HeartbeatTimeout)
	require.Equal(t, 10*time.Second, cfg.LeaseTTL)
	require.Equal(t, ":8080", cfg.HTTPAddr)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	t.Setenv("PARALLAX_HA_ENABLED", "true")
	t.Setenv("PARALLAX_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("PARALLAX_APP_PREFIX", "acme")

	cfg, err := Load("")
	require.NoError(t, err)
	require.True(t, cfg.HAEnabled)
	require.Equal(t, "redis.internal:6379", cfg.RedisAddr)
	require.Equal(t, "acme", cfg.AppPrefix)
}

func TestValidateRejectsHAWithoutRedisAddr(t *testing.T) {
	cfg := &Config{HAEnabled: true, RedisAddr: "", AppPrefix: "parallax", HeartbeatInterval: time.Second, HeartbeatTimeout: 2 * time.Second, LeaseTTL: time.Second, SchedulerPollInterval: time.Second}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyAppPrefix(t *testing.T) {
	cfg := &Config{AppPrefix: "", HeartbeatInterval: time.Second, HeartbeatTimeout: 2 * time.Second, LeaseTTL: time.Second, SchedulerPollInterval: time.Second}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsHeartbeatTimeoutBelowInterval(t *testing.T) {
	cfg := &Config{AppPrefix: "parallax", HeartbeatInterval: 5 * time.Second, HeartbeatTimeout: time.Second, LeaseTTL: time.Second, SchedulerPollInterval: time.Second}
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "heartbeat")
}

func TestValidateRejectsNonPositiveLeaseTTL(t *testing.T) {
	cfg := &Config{AppPrefix: "parallax", HeartbeatInterval: time.Second, HeartbeatTimeout: 2 * time.Second, LeaseTTL: 0, SchedulerPollInterval: time.Second}
	require.Error(t, cfg.Validate())
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := &Config{AppPrefix: "parallax", HeartbeatInterval: time.Second, HeartbeatTimeout: 2 * time.Second, LeaseTTL: time.Second, SchedulerPollInterval: time.Second}
	require.NoError(t, cfg.Validate())
}
