package mekiki

import (
	"log/slog"
	"time"
)

// Option configures an Engine.
type Option func(*resolvedOptions)

// resolvedOptions holds all configuration after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	logger            *slog.Logger
	version           string
	dataDir           string
	databaseURL       string
	memoryStore       bool
	clock             func() time.Time
	trendThreshold    float64
	overheadThreshold float64
	minSampleCount    int
	detectionWindow   time.Duration
	minKeywordOverlap int
	minRepetitions    int
}

// WithLogger sets the structured logger for the Engine.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and over MCP.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithDataDir overrides the JSONL data directory from config
// (MEKIKI_DATA_DIR env var). Ignored when a database URL is set.
func WithDataDir(dir string) Option {
	return func(o *resolvedOptions) { o.dataDir = dir }
}

// WithDatabaseURL overrides the Postgres connection string from config
// (DATABASE_URL env var). When set, streams are stored in Postgres
// instead of JSONL files.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithMemoryStore keeps all streams in process memory. Nothing survives
// restart; intended for tests and short-lived embedded use.
func WithMemoryStore() Option {
	return func(o *resolvedOptions) { o.memoryStore = true }
}

// WithClock replaces the wall clock. Used by tests and by callers
// replaying historical telemetry logs.
func WithClock(now func() time.Time) Option {
	return func(o *resolvedOptions) { o.clock = now }
}

// WithTrendThreshold overrides the success-rate delta separating
// improving/declining from stable (MEKIKI_TREND_THRESHOLD env var).
func WithTrendThreshold(t float64) Option {
	return func(o *resolvedOptions) { o.trendThreshold = t }
}

// WithOverheadThreshold overrides the mean coordination overhead that
// triggers a workflow recommendation (MEKIKI_OVERHEAD_THRESHOLD env var).
func WithOverheadThreshold(t float64) Option {
	return func(o *resolvedOptions) { o.overheadThreshold = t }
}

// WithMinSampleCount overrides the minimum task-type samples a variant
// needs before it is selectable (MEKIKI_MIN_SAMPLE_COUNT env var).
func WithMinSampleCount(n int) Option {
	return func(o *resolvedOptions) { o.minSampleCount = n }
}

// WithDetectionWindow overrides how far apart two invocations may be
// and still count as repetitions (MEKIKI_DETECTION_WINDOW env var).
func WithDetectionWindow(w time.Duration) Option {
	return func(o *resolvedOptions) { o.detectionWindow = w }
}

// WithMinKeywordOverlap overrides the shared-keyword floor for two
// tasks to count as repetitions (MEKIKI_MIN_KEYWORD_OVERLAP env var).
func WithMinKeywordOverlap(n int) Option {
	return func(o *resolvedOptions) { o.minKeywordOverlap = n }
}

// WithMinRepetitions overrides the cluster size that flags a false
// completion (MEKIKI_MIN_REPETITIONS env var).
func WithMinRepetitions(n int) Option {
	return func(o *resolvedOptions) { o.minRepetitions = n }
}
