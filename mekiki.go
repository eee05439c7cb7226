// Package mekiki is the public API for embedding the Mekiki agent
// telemetry and selection engine.
//
// Orchestrators import this package to run the engine in-process
// instead of talking to the MCP server:
//
//	eng, err := mekiki.New(ctx,
//	    mekiki.WithLogger(logger),
//	    mekiki.WithDataDir("/var/lib/mekiki"),
//	)
//	if err != nil { ... }
//	defer eng.Close(context.Background())
//
//	id, err := eng.OpenInvocation(ctx, mekiki.OpenInvocation{...})
//
// The import graph enforces a strict no-cycle rule: mekiki (root)
// imports internal/*, but internal/* never imports mekiki (root).
// Public types (AgentStats, Issue, Variant, etc.) are standalone
// structs with no internal imports; conversion helpers live here
// because this is the only file that sees both sides of the boundary.
package mekiki

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/mekiki/internal/classify"
	"github.com/ashita-ai/mekiki/internal/config"
	"github.com/ashita-ai/mekiki/internal/model"
	"github.com/ashita-ai/mekiki/internal/service/events"
	"github.com/ashita-ai/mekiki/internal/service/quality"
	"github.com/ashita-ai/mekiki/internal/service/stats"
	"github.com/ashita-ai/mekiki/internal/service/variants"
	"github.com/ashita-ai/mekiki/internal/service/workflows"
	"github.com/ashita-ai/mekiki/internal/store"
	"github.com/ashita-ai/mekiki/internal/telemetry"
	"github.com/ashita-ai/mekiki/migrations"
)

// Sentinel errors. Wrapped into every error the Engine returns, so
// callers branch with errors.Is.
var (
	// ErrNotFound marks lookups of ids that were never recorded.
	ErrNotFound = store.ErrNotFound
	// ErrAlreadyClosed marks a second close of the same invocation or
	// workflow.
	ErrAlreadyClosed = store.ErrAlreadyClosed
	// ErrValidation marks rejected input.
	ErrValidation = store.ErrValidation
)

// Engine is the in-process telemetry and selection engine. Construct
// with New(); Engine has no public fields.
type Engine struct {
	cfg          config.Config
	store        store.Store
	pg           *store.Postgres // nil unless backed by Postgres
	events       *events.Service
	stats        *stats.Aggregator
	workflows    *workflows.Analyzer
	detector     *quality.Detector
	variants     *variants.Service
	classifier   *classify.Classifier
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the engine: loads configuration, opens the backing
// store (running migrations when it is Postgres), and wires all
// services. It starts no goroutines.
func New(ctx context.Context, opts ...Option) (*Engine, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.trendThreshold > 0 {
		cfg.TrendThreshold = o.trendThreshold
	}
	if o.overheadThreshold > 0 {
		cfg.OverheadThreshold = o.overheadThreshold
	}
	if o.minSampleCount > 0 {
		cfg.MinSampleCount = o.minSampleCount
	}
	if o.detectionWindow > 0 {
		cfg.DetectionWindow = o.detectionWindow
	}
	if o.minKeywordOverlap > 0 {
		cfg.MinKeywordOverlap = o.minKeywordOverlap
	}
	if o.minRepetitions > 0 {
		cfg.MinRepetitions = o.minRepetitions
	}
	// Options bypass Load's validation, so check the merged config.
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	version := o.version
	if version == "" {
		version = "dev"
	}
	clock := o.clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	e := &Engine{
		cfg:          cfg,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}

	switch {
	case o.memoryStore:
		e.store = store.NewMemory()
		logger.Info("store: memory (nothing persists)")
	case cfg.DatabaseURL != "":
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		if err := pg.RunMigrations(ctx, migrations.FS); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		e.store = pg
		e.pg = pg
		logger.Info("store: postgres")
	default:
		js, err := store.NewJSONL(cfg.DataDir, logger)
		if err != nil {
			return nil, fmt.Errorf("jsonl store: %w", err)
		}
		e.store = js
		logger.Info("store: jsonl", "dir", cfg.DataDir)
	}

	e.events = events.NewWithClock(e.store, logger, clock)
	e.stats = stats.NewWithClock(e.store, logger, cfg.TrendThreshold, clock)
	e.workflows = workflows.NewWithClock(e.store, logger, cfg.OverheadThreshold, clock)
	e.detector = quality.NewWithClock(e.store, logger, clock)
	e.variants = variants.NewWithClock(e.store, logger, clock)
	e.classifier = classify.New()
	return e, nil
}

// Close releases the backing store and flushes telemetry. Safe to call
// once; the Engine is unusable afterwards.
func (e *Engine) Close(ctx context.Context) error {
	if e.pg != nil {
		e.pg.Close()
	}
	if e.otelShutdown != nil {
		return e.otelShutdown(ctx)
	}
	return nil
}

// OpenInvocation records the start of a specialist invocation and
// returns its assigned id.
func (e *Engine) OpenInvocation(ctx context.Context, p OpenInvocation) (uuid.UUID, error) {
	return e.events.OpenInvocation(ctx, events.OpenInvocationParams{
		AgentName:          p.AgentName,
		VariantID:          p.VariantID,
		TaskType:           p.TaskType,
		WorkflowID:         p.WorkflowID,
		ParentInvocationID: p.ParentInvocationID,
		TaskDescription:    p.TaskDescription,
		FilesModified:      p.FilesModified,
	})
}

// CloseInvocation records the outcome of an open invocation. Returns
// ErrNotFound for unknown ids and ErrAlreadyClosed on a second close.
func (e *Engine) CloseInvocation(ctx context.Context, id uuid.UUID, durationSeconds float64, outcome Outcome, qualityRating *int) error {
	return e.events.CloseInvocation(ctx, id, durationSeconds, model.OutcomeStatus(outcome), qualityRating)
}

// RateInvocation attaches a reviewer rating (1..5) to a closed
// invocation.
func (e *Engine) RateInvocation(ctx context.Context, id uuid.UUID, rating int) error {
	return e.events.RateInvocation(ctx, id, rating)
}

// OpenWorkflow records the start of a multi-step task.
func (e *Engine) OpenWorkflow(ctx context.Context, workflowID, projectName string, agentPlan []string, estimatedDurationSeconds float64) error {
	return e.events.OpenWorkflow(ctx, workflowID, projectName, agentPlan, estimatedDurationSeconds)
}

// CompleteWorkflow records a workflow's outcome.
func (e *Engine) CompleteWorkflow(ctx context.Context, workflowID string, actualDurationSeconds float64, success bool, agentsExecuted []string) error {
	return e.events.CompleteWorkflow(ctx, workflowID, actualDurationSeconds, success, agentsExecuted)
}

// AgentStats aggregates an agent's closed invocations. A non-zero
// window restricts the aggregate to the trailing window.
func (e *Engine) AgentStats(ctx context.Context, agentName string, window time.Duration) (AgentStats, error) {
	s, err := e.stats.AgentStats(ctx, agentName, window)
	if err != nil {
		return AgentStats{}, err
	}
	return AgentStats(s), nil
}

// AgentTaskTypeStats aggregates an agent's closed invocations for one
// classified task type.
func (e *Engine) AgentTaskTypeStats(ctx context.Context, agentName, taskType string, window time.Duration) (AgentStats, error) {
	s, err := e.stats.AgentTaskTypeStats(ctx, agentName, taskType, window)
	if err != nil {
		return AgentStats{}, err
	}
	return AgentStats(s), nil
}

// AgentTrend classifies an agent's trajectory by comparing its recent
// success rate against its history. Non-positive windows select the
// 7-day / 30-day defaults.
func (e *Engine) AgentTrend(ctx context.Context, agentName string, recentWindowDays, historicalWindowDays int) (Trend, error) {
	t, err := e.stats.ComputeTrend(ctx, agentName, recentWindowDays, historicalWindowDays)
	if err != nil {
		return Trend{}, err
	}
	return Trend(t), nil
}

// AnalyzeWorkflows builds the coordination report over workflows
// started within the trailing window (all workflows when zero).
func (e *Engine) AnalyzeWorkflows(ctx context.Context, window time.Duration) (WorkflowReport, error) {
	r, err := e.workflows.Analyze(ctx, window)
	if err != nil {
		return WorkflowReport{}, err
	}
	out := WorkflowReport{
		Status:                  r.Status,
		Total:                   r.Total,
		Completed:               r.Completed,
		SuccessRate:             r.SuccessRate,
		AvgDurationSeconds:      r.AvgDurationSeconds,
		AvgAgentsPerWorkflow:    r.AvgAgentsPerWorkflow,
		CoordinationOverheadPct: r.CoordinationOverheadPct,
		Recommendation:          r.Recommendation,
	}
	for _, p := range r.CommonPatterns {
		out.CommonPatterns = append(out.CommonPatterns, WorkflowPattern(p))
	}
	return out, nil
}

// DetectFalseCompletions runs the repetition heuristic over the full
// invocation stream using the configured thresholds, persists one
// issue per flagged cluster, and returns the issues.
func (e *Engine) DetectFalseCompletions(ctx context.Context) ([]Issue, error) {
	found, err := e.detector.Detect(ctx, quality.Params{
		Window:            e.cfg.DetectionWindow,
		MinKeywordOverlap: e.cfg.MinKeywordOverlap,
		MinRepetitions:    e.cfg.MinRepetitions,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Issue, 0, len(found))
	for _, is := range found {
		out = append(out, toPublicIssue(is))
	}
	return out, nil
}

// RegisterVariant creates a variant with zeroed metrics. Registering
// an existing (agent, variant) pair returns ErrValidation.
func (e *Engine) RegisterVariant(ctx context.Context, agentName, variantID, description string) (Variant, error) {
	v, err := e.variants.Register(ctx, agentName, variantID, description)
	if err != nil {
		return Variant{}, err
	}
	return toPublicVariant(v), nil
}

// UpdateVariantMetrics folds one closed-invocation observation into a
// variant's running metrics.
func (e *Engine) UpdateVariantMetrics(ctx context.Context, agentName, variantID string, obs Observation) error {
	return e.variants.UpdateMetrics(ctx, agentName, variantID, variants.Observation(obs))
}

// SelectVariant recommends the best-performing variant for a task
// type, or nil when no variant has enough task-type samples yet. The
// caller falls back to its named default variant on nil.
func (e *Engine) SelectVariant(ctx context.Context, agentName, taskType string) (*string, error) {
	return e.variants.Select(ctx, agentName, taskType, e.cfg.MinSampleCount)
}

// GetVariant returns one variant, or ErrNotFound.
func (e *Engine) GetVariant(ctx context.Context, agentName, variantID string) (Variant, error) {
	v, err := e.variants.Get(ctx, agentName, variantID)
	if err != nil {
		return Variant{}, err
	}
	return toPublicVariant(v), nil
}

// ListVariants returns all variants registered for an agent, sorted by
// variant id.
func (e *Engine) ListVariants(ctx context.Context, agentName string) ([]Variant, error) {
	all, err := e.variants.List(ctx, agentName)
	if err != nil {
		return nil, err
	}
	out := make([]Variant, 0, len(all))
	for _, v := range all {
		out = append(out, toPublicVariant(v))
	}
	return out, nil
}

// Classify scores a task description (plus optional file paths)
// against the task-type vocabulary. Pure function of its inputs.
func (e *Engine) Classify(taskDescription string, filePaths []string) Classification {
	c := e.classifier.Classify(taskDescription, filePaths)
	return Classification{
		TaskType:   c.TaskType,
		Confidence: c.Confidence,
		AllScores:  c.AllScores,
		Matched:    c.Matched,
	}
}

// RegisterTaskType adds a custom label to the classifier vocabulary.
// Registration order fixes tie-breaking against the standard labels.
func (e *Engine) RegisterTaskType(name string, rules TaskTypeRules) error {
	compiled := make([]*regexp.Regexp, 0, len(rules.PathPatterns))
	for _, p := range rules.PathPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("%w: path pattern %q: %v", ErrValidation, p, err)
		}
		compiled = append(compiled, re)
	}
	keywords := make([]string, 0, len(rules.Keywords))
	for _, k := range rules.Keywords {
		keywords = append(keywords, strings.ToLower(k))
	}
	techs := make([]string, 0, len(rules.Technologies))
	for _, t := range rules.Technologies {
		techs = append(techs, strings.ToLower(t))
	}
	if err := e.classifier.Register(name, classify.Rules{
		Keywords:     keywords,
		PathPatterns: compiled,
		Technologies: techs,
	}); err != nil {
		if !errors.Is(err, ErrValidation) {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return err
	}
	return nil
}

// TaskTypes returns the classifier vocabulary in declaration order.
func (e *Engine) TaskTypes() []string {
	return e.classifier.Labels()
}

func toPublicIssue(is model.Issue) Issue {
	out := Issue{
		ID:        is.ID,
		Timestamp: is.Timestamp,
		AgentName: is.AgentName,
		Category:  is.Category,
		Reasoning: is.Reasoning,
		Evidence: IssueEvidence{
			RepetitionCount: is.Evidence.RepetitionCount,
			MatchedKeywords: is.Evidence.MatchedKeywords,
			TimeSpanHours:   is.Evidence.TimeSpanHours,
		},
	}
	for _, inv := range is.Evidence.Invocations {
		out.Evidence.Invocations = append(out.Evidence.Invocations, IssueInvocation{
			InvocationID:    inv.InvocationID,
			OpenedAt:        inv.OpenedAt,
			Outcome:         Outcome(inv.Outcome),
			TaskDescription: inv.TaskDescription,
		})
	}
	return out
}

func toPublicVariant(v model.AgentVariant) Variant {
	return Variant{
		AgentName:   v.AgentName,
		VariantID:   v.VariantID,
		Description: v.Description,
		Metrics:     toPublicMetrics(v.Metrics),
	}
}

func toPublicMetrics(m model.PerformanceMetrics) VariantMetrics {
	out := VariantMetrics{
		InvocationCount: m.InvocationCount,
		SuccessCount:    m.SuccessCount,
		AvgDuration:     m.AvgDuration,
		AvgQualityScore: m.AvgQualityScore,
		AvgReward:       m.AvgReward,
		LastUpdated:     m.LastUpdated,
	}
	if len(m.ByTaskType) > 0 {
		out.ByTaskType = make(map[string]VariantMetrics, len(m.ByTaskType))
		for k, sub := range m.ByTaskType {
			if sub == nil {
				continue
			}
			out.ByTaskType[k] = toPublicMetrics(*sub)
		}
	}
	return out
}
