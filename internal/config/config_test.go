package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/zenscraper/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 4, cfg.BrowserWorkers)
	assert.Equal(t, 8, cfg.SchedulerWorkers)
	assert.Equal(t, "adaptive", cfg.OptimizerStrategy)
	assert.Equal(t, 10.0, cfg.RateLimitDefaultRate)
	assert.Equal(t, int64(20), cfg.RateLimitDefaultBurst)
	assert.Equal(t, 60*time.Second, cfg.StatementTimeout)
	assert.True(t, cfg.PreferDirectHTTP)
	assert.True(t, cfg.IsDev())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("BATCH_SIZE", "5")
	t.Setenv("COUNTRY_FILTER", "BR")
	t.Setenv("OPTIMIZER_STRATEGY", "balanced")
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProd())
	assert.Equal(t, 5, cfg.BatchSize)
	assert.Equal(t, "BR", cfg.CountryFilter)
	assert.Equal(t, "balanced", cfg.OptimizerStrategy)
}

func TestLoadRejectsInvalidStrategy(t *testing.T) {
	t.Setenv("OPTIMIZER_STRATEGY", "reckless")
	_, err := config.Load()
	assert.Error(t, err)
}

func TestLoadRejectsNegativeBatch(t *testing.T) {
	t.Setenv("BATCH_SIZE", "-1")
	_, err := config.Load()
	assert.Error(t, err)
}
