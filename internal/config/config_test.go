package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("MEKIKI_DATA_DIR", "/tmp/mekiki-test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/mekiki-test", cfg.DataDir)
	assert.Equal(t, 0.05, cfg.TrendThreshold)
	assert.Equal(t, 0.30, cfg.OverheadThreshold)
	assert.Equal(t, 5, cfg.MinSampleCount)
	assert.Equal(t, 24*time.Hour, cfg.DetectionWindow)
	assert.Equal(t, 2, cfg.MinKeywordOverlap)
	assert.Equal(t, 2, cfg.MinRepetitions)
	assert.Equal(t, "mekiki", cfg.ServiceName)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/mekiki")
	t.Setenv("MEKIKI_TREND_THRESHOLD", "0.1")
	t.Setenv("MEKIKI_MIN_SAMPLE_COUNT", "10")
	t.Setenv("MEKIKI_DETECTION_WINDOW", "48h")
	t.Setenv("MEKIKI_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/mekiki", cfg.DatabaseURL)
	assert.Equal(t, 0.1, cfg.TrendThreshold)
	assert.Equal(t, 10, cfg.MinSampleCount)
	assert.Equal(t, 48*time.Hour, cfg.DetectionWindow)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			DataDir:           "/tmp/mekiki-test",
			TrendThreshold:    0.05,
			OverheadThreshold: 0.30,
			MinSampleCount:    5,
			DetectionWindow:   24 * time.Hour,
			MinKeywordOverlap: 2,
			MinRepetitions:    2,
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no storage configured", func(c *Config) { c.DataDir = "" }},
		{"trend threshold out of range", func(c *Config) { c.TrendThreshold = 1.5 }},
		{"overhead threshold negative", func(c *Config) { c.OverheadThreshold = -0.1 }},
		{"zero sample count", func(c *Config) { c.MinSampleCount = 0 }},
		{"zero detection window", func(c *Config) { c.DetectionWindow = 0 }},
		{"zero keyword overlap", func(c *Config) { c.MinKeywordOverlap = 0 }},
		{"single repetition", func(c *Config) { c.MinRepetitions = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, base().Validate())
}
