// Package variants tracks alternate specialist configurations and
// recommends which one should handle a task, based on accumulated
// per-task-type performance.
package variants

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashita-ai/mekiki/internal/model"
	"github.com/ashita-ai/mekiki/internal/store"
)

// DefaultMinSampleCount is the evidence floor for selection: below it
// a variant is never recommended, regardless of its average reward.
// Deliberate cold-start policy — never recommend a high-variance
// option on too little evidence.
const DefaultMinSampleCount = 5

// Service manages the variant store.
//
// UpdateMetrics is last-writer-wins on the variant record; callers
// serialize updates per (agent, variant) — the expected pipeline
// closes one invocation at a time, so no locking is provided here.
type Service struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a variant service backed by st.
func New(st store.Store, logger *slog.Logger) *Service {
	return NewWithClock(st, logger, func() time.Time { return time.Now().UTC() })
}

// NewWithClock creates a variant service with an injected clock.
func NewWithClock(st store.Store, logger *slog.Logger, now func() time.Time) *Service {
	return &Service{store: st, logger: logger, now: now}
}

// Register creates a new variant with zeroed metrics. Registering an
// id that already exists for the agent is a validation error: variants
// are created explicitly, never silently replaced.
func (s *Service) Register(ctx context.Context, agentName, variantID, description string) (model.AgentVariant, error) {
	if agentName == "" || variantID == "" {
		return model.AgentVariant{}, fmt.Errorf("%w: agent_name and variant_id are required", store.ErrValidation)
	}
	if _, err := s.store.GetVariant(ctx, agentName, variantID); err == nil {
		return model.AgentVariant{}, fmt.Errorf("%w: variant %s/%s already registered", store.ErrValidation, agentName, variantID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return model.AgentVariant{}, fmt.Errorf("variants: check existing: %w", err)
	}

	v := model.AgentVariant{
		AgentName:   agentName,
		VariantID:   variantID,
		Description: description,
		Metrics:     model.PerformanceMetrics{LastUpdated: s.now()},
	}
	if err := s.store.UpsertVariant(ctx, v); err != nil {
		return model.AgentVariant{}, fmt.Errorf("variants: register: %w", err)
	}
	s.logger.Info("variant registered", "agent", agentName, "variant", variantID)
	return v, nil
}

// Observation is the outcome of one closed invocation, attributed to a
// variant. The caller folds in each closed invocation exactly once;
// the store does not deduplicate.
type Observation struct {
	Success         bool
	DurationSeconds float64
	QualityScore    float64
	Reward          float64
	TaskType        *string
}

// UpdateMetrics folds one observation into the variant's agent-wide
// metrics and, when a task type is present, into that task type's
// sub-block. Averages use the streaming form
// new_avg = old_avg + (value − old_avg) / new_count.
func (s *Service) UpdateMetrics(ctx context.Context, agentName, variantID string, obs Observation) error {
	if obs.DurationSeconds < 0 {
		return fmt.Errorf("%w: duration_seconds must be non-negative", store.ErrValidation)
	}

	v, err := s.store.GetVariant(ctx, agentName, variantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("variants: update %s/%s: %w", agentName, variantID, store.ErrNotFound)
		}
		return fmt.Errorf("variants: update: %w", err)
	}

	now := s.now()
	fold(&v.Metrics, obs, now)
	if obs.TaskType != nil && *obs.TaskType != "" {
		if v.Metrics.ByTaskType == nil {
			v.Metrics.ByTaskType = make(map[string]*model.PerformanceMetrics)
		}
		sub := v.Metrics.ByTaskType[*obs.TaskType]
		if sub == nil {
			sub = &model.PerformanceMetrics{}
			v.Metrics.ByTaskType[*obs.TaskType] = sub
		}
		fold(sub, obs, now)
	}

	if err := s.store.UpsertVariant(ctx, v); err != nil {
		return fmt.Errorf("variants: upsert: %w", err)
	}
	return nil
}

func fold(m *model.PerformanceMetrics, obs Observation, now time.Time) {
	m.InvocationCount++
	if obs.Success {
		m.SuccessCount++
	}
	n := float64(m.InvocationCount)
	m.AvgDuration += (obs.DurationSeconds - m.AvgDuration) / n
	m.AvgQualityScore += (obs.QualityScore - m.AvgQualityScore) / n
	m.AvgReward += (obs.Reward - m.AvgReward) / n
	m.LastUpdated = now
}

// Select recommends the variant with the best historical reward for
// taskType among those with at least minSampleCount task-type-specific
// invocations. Ties break on higher invocation count, then
// lexicographic variant id, so selection is fully deterministic.
//
// Returns nil when no variant meets the evidence floor; the caller
// falls back to its named default variant.
func (s *Service) Select(ctx context.Context, agentName, taskType string, minSampleCount int) (*string, error) {
	if minSampleCount <= 0 {
		minSampleCount = DefaultMinSampleCount
	}

	all, err := s.store.ListVariants(ctx, agentName)
	if err != nil {
		return nil, fmt.Errorf("variants: list: %w", err)
	}

	var best *model.AgentVariant
	var bestSub *model.PerformanceMetrics
	for i := range all {
		sub := all[i].Metrics.TaskType(taskType)
		if sub == nil || sub.InvocationCount < minSampleCount {
			continue
		}
		if best == nil || better(sub, all[i].VariantID, bestSub, best.VariantID) {
			best = &all[i]
			bestSub = sub
		}
	}
	if best == nil {
		return nil, nil
	}

	s.logger.Debug("variant selected",
		"agent", agentName, "task_type", taskType,
		"variant", best.VariantID, "avg_reward", bestSub.AvgReward,
		"samples", bestSub.InvocationCount)
	id := best.VariantID
	return &id, nil
}

func better(a *model.PerformanceMetrics, aID string, b *model.PerformanceMetrics, bID string) bool {
	if a.AvgReward != b.AvgReward {
		return a.AvgReward > b.AvgReward
	}
	if a.InvocationCount != b.InvocationCount {
		return a.InvocationCount > b.InvocationCount
	}
	return aID < bID
}

// List returns all variants registered for an agent.
func (s *Service) List(ctx context.Context, agentName string) ([]model.AgentVariant, error) {
	all, err := s.store.ListVariants(ctx, agentName)
	if err != nil {
		return nil, fmt.Errorf("variants: list: %w", err)
	}
	return all, nil
}

// Get returns one variant, or store.ErrNotFound.
func (s *Service) Get(ctx context.Context, agentName, variantID string) (model.AgentVariant, error) {
	return s.store.GetVariant(ctx, agentName, variantID)
}
