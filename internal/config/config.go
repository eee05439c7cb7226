// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Storage settings. When DatabaseURL is set the Postgres store is
	// used; otherwise streams live as JSONL files under DataDir.
	DatabaseURL string
	DataDir     string

	// Policy thresholds. Carried over from the source heuristics;
	// configurable, not laws of the domain.
	TrendThreshold    float64       // success-rate delta separating improving/declining from stable
	OverheadThreshold float64       // mean coordination overhead that triggers a recommendation
	MinSampleCount    int           // minimum task-type samples before a variant is selectable
	DetectionWindow   time.Duration // how far apart repetitions may be and still cluster
	MinKeywordOverlap int           // shared keywords for two tasks to count as repetitions
	MinRepetitions    int           // cluster size that flags a false completion

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL:       envStr("DATABASE_URL", ""),
		DataDir:           envStr("MEKIKI_DATA_DIR", defaultDataDir()),
		TrendThreshold:    envFloat("MEKIKI_TREND_THRESHOLD", 0.05),
		OverheadThreshold: envFloat("MEKIKI_OVERHEAD_THRESHOLD", 0.30),
		MinSampleCount:    envInt("MEKIKI_MIN_SAMPLE_COUNT", 5),
		DetectionWindow:   envDuration("MEKIKI_DETECTION_WINDOW", 24*time.Hour),
		MinKeywordOverlap: envInt("MEKIKI_MIN_KEYWORD_OVERLAP", 2),
		MinRepetitions:    envInt("MEKIKI_MIN_REPETITIONS", 2),
		OTELEndpoint:      envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:      envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:       envStr("OTEL_SERVICE_NAME", "mekiki"),
		LogLevel:          envStr("MEKIKI_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and sane.
func (c Config) Validate() error {
	if c.DatabaseURL == "" && c.DataDir == "" {
		return fmt.Errorf("config: MEKIKI_DATA_DIR is required when DATABASE_URL is unset")
	}
	if c.TrendThreshold < 0 || c.TrendThreshold > 1 {
		return fmt.Errorf("config: MEKIKI_TREND_THRESHOLD must be in [0,1]")
	}
	if c.OverheadThreshold < 0 || c.OverheadThreshold > 1 {
		return fmt.Errorf("config: MEKIKI_OVERHEAD_THRESHOLD must be in [0,1]")
	}
	if c.MinSampleCount < 1 {
		return fmt.Errorf("config: MEKIKI_MIN_SAMPLE_COUNT must be positive")
	}
	if c.DetectionWindow <= 0 {
		return fmt.Errorf("config: MEKIKI_DETECTION_WINDOW must be positive")
	}
	if c.MinKeywordOverlap < 1 {
		return fmt.Errorf("config: MEKIKI_MIN_KEYWORD_OVERLAP must be positive")
	}
	if c.MinRepetitions < 2 {
		return fmt.Errorf("config: MEKIKI_MIN_REPETITIONS must be at least 2")
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mekiki"
	}
	return filepath.Join(home, ".mekiki")
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
