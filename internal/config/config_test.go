package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	t.Setenv("FAST_MINUTE_LIMIT", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.FastHourlyLimit)
	assert.Equal(t, 10, cfg.FastMinuteLimit)
	assert.Equal(t, 20, cfg.ThoroughHourlyLimit)
	assert.Equal(t, 3, cfg.ThoroughMinuteLimit)
	assert.Equal(t, 24*time.Hour, cfg.CacheTTL)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
	assert.Empty(t, cfg.RedisURL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("FAST_MINUTE_LIMIT", "25")
	t.Setenv("CACHE_TTL", "90m")
	t.Setenv("THOROUGH_COST_PER_1K_TOKENS", "0.05")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.FastMinuteLimit)
	assert.Equal(t, 90*time.Minute, cfg.CacheTTL)
	assert.InDelta(t, 0.05, cfg.ThoroughCostPer1KTokens, 1e-9)
}

func TestLoadRejectsBadLimits(t *testing.T) {
	t.Setenv("THOROUGH_HOURLY_LIMIT", "0")

	_, err := Load()
	assert.Error(t, err)
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("SWEEP_INTERVAL", "hourly")
	t.Setenv("FAST_HOURLY_LIMIT", "lots")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
	assert.Equal(t, 100, cfg.FastHourlyLimit)
}
