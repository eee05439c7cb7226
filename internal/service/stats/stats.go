// Package stats computes per-agent aggregate metrics and windowed
// success-rate trends over the invocation stream.
//
// This is a reporting path: sparse or missing data returns a result
// with StatusInsufficientData, never an error, so dashboards can
// render "no data yet" without special-casing.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashita-ai/mekiki/internal/model"
	"github.com/ashita-ai/mekiki/internal/store"
)

// Result statuses.
const (
	StatusOK               = "ok"
	StatusInsufficientData = "insufficient_data"
)

// Trend directions.
const (
	TrendImproving = "improving"
	TrendStable    = "stable"
	TrendDeclining = "declining"
)

// DefaultTrendThreshold is the success-rate delta separating
// improving/declining from stable. A policy constant carried over from
// the source heuristics, not independently justified.
const DefaultTrendThreshold = 0.05

// AgentStats is the aggregate over an agent's closed invocations.
// Open invocations are excluded from every field.
type AgentStats struct {
	Status             string  `json:"status"`
	InvocationCount    int     `json:"invocation_count"`
	SuccessRate        float64 `json:"success_rate"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
	AvgQualityRating   float64 `json:"avg_quality_rating"`
	RatedCount         int     `json:"rated_count"`
}

// Trend compares an agent's recent success rate against its history.
type Trend struct {
	Status                string  `json:"status"`
	Direction             string  `json:"direction,omitempty"`
	RecentSuccessRate     float64 `json:"recent_success_rate"`
	HistoricalSuccessRate float64 `json:"historical_success_rate"`
	Delta                 float64 `json:"delta"`
	RecentCount           int     `json:"recent_count"`
	HistoricalCount       int     `json:"historical_count"`
}

// Aggregator scans the invocation stream and computes statistics.
// It holds no state between calls: the same store contents always
// yield the same results.
type Aggregator struct {
	store     store.Store
	logger    *slog.Logger
	threshold float64
	now       func() time.Time
}

// New creates an aggregator. A non-positive trendThreshold selects
// DefaultTrendThreshold.
func New(st store.Store, logger *slog.Logger, trendThreshold float64) *Aggregator {
	return NewWithClock(st, logger, trendThreshold, func() time.Time { return time.Now().UTC() })
}

// NewWithClock creates an aggregator with an injected clock for tests.
func NewWithClock(st store.Store, logger *slog.Logger, trendThreshold float64, now func() time.Time) *Aggregator {
	if trendThreshold <= 0 {
		trendThreshold = DefaultTrendThreshold
	}
	return &Aggregator{store: st, logger: logger, threshold: trendThreshold, now: now}
}

// AgentStats aggregates all closed invocations for agentName.
// A non-zero window restricts the scan to invocations opened within
// the trailing window.
func (a *Aggregator) AgentStats(ctx context.Context, agentName string, window time.Duration) (AgentStats, error) {
	return a.agentStats(ctx, agentName, "", window)
}

// AgentTaskTypeStats aggregates closed invocations for agentName
// restricted to one classified task type.
func (a *Aggregator) AgentTaskTypeStats(ctx context.Context, agentName, taskType string, window time.Duration) (AgentStats, error) {
	if taskType == "" {
		return AgentStats{}, fmt.Errorf("stats: task type is required")
	}
	return a.agentStats(ctx, agentName, taskType, window)
}

func (a *Aggregator) agentStats(ctx context.Context, agentName, taskType string, window time.Duration) (AgentStats, error) {
	closed, err := a.closedInvocations(ctx, agentName)
	if err != nil {
		return AgentStats{}, err
	}

	var cutoff time.Time
	if window > 0 {
		cutoff = a.now().Add(-window)
	}

	out := AgentStats{Status: StatusOK}
	var durationSum, ratingSum float64
	successes := 0
	for _, inv := range closed {
		if window > 0 && inv.OpenedAt.Before(cutoff) {
			continue
		}
		if taskType != "" && (inv.TaskType == nil || *inv.TaskType != taskType) {
			continue
		}
		out.InvocationCount++
		durationSum += *inv.DurationSeconds
		if *inv.Outcome == model.OutcomeSuccess {
			successes++
		}
		if inv.QualityRating != nil {
			ratingSum += float64(*inv.QualityRating)
			out.RatedCount++
		}
	}

	if out.InvocationCount == 0 {
		return AgentStats{Status: StatusInsufficientData}, nil
	}
	out.SuccessRate = float64(successes) / float64(out.InvocationCount)
	out.AvgDurationSeconds = durationSum / float64(out.InvocationCount)
	if out.RatedCount > 0 {
		out.AvgQualityRating = ratingSum / float64(out.RatedCount)
	}
	return out, nil
}

// ComputeTrend classifies an agent's trajectory by comparing the
// success rate over the last recentWindowDays against the rate over
// the historicalWindowDays that precede the recent window.
//
// Returns StatusInsufficientData when fewer than 2 closed invocations
// exist, when the data does not span the recent window, or when either
// window is empty.
func (a *Aggregator) ComputeTrend(ctx context.Context, agentName string, recentWindowDays, historicalWindowDays int) (Trend, error) {
	if recentWindowDays <= 0 {
		recentWindowDays = 7
	}
	if historicalWindowDays <= recentWindowDays {
		historicalWindowDays = 30
	}

	closed, err := a.closedInvocations(ctx, agentName)
	if err != nil {
		return Trend{}, err
	}
	if len(closed) < 2 {
		return Trend{Status: StatusInsufficientData}, nil
	}

	now := a.now()
	recentStart := now.AddDate(0, 0, -recentWindowDays)
	historicalStart := now.AddDate(0, 0, -historicalWindowDays)

	// The oldest record must predate the recent window, otherwise
	// there is no history to compare against.
	if !closed[0].OpenedAt.Before(recentStart) {
		return Trend{Status: StatusInsufficientData}, nil
	}

	var recentTotal, recentSuccess, histTotal, histSuccess int
	for _, inv := range closed {
		switch {
		case !inv.OpenedAt.Before(recentStart):
			recentTotal++
			if *inv.Outcome == model.OutcomeSuccess {
				recentSuccess++
			}
		case !inv.OpenedAt.Before(historicalStart):
			histTotal++
			if *inv.Outcome == model.OutcomeSuccess {
				histSuccess++
			}
		}
	}
	if recentTotal == 0 || histTotal == 0 {
		return Trend{Status: StatusInsufficientData}, nil
	}

	t := Trend{
		Status:                StatusOK,
		RecentSuccessRate:     float64(recentSuccess) / float64(recentTotal),
		HistoricalSuccessRate: float64(histSuccess) / float64(histTotal),
		RecentCount:           recentTotal,
		HistoricalCount:       histTotal,
	}
	t.Delta = t.RecentSuccessRate - t.HistoricalSuccessRate
	switch {
	case t.Delta > a.threshold:
		t.Direction = TrendImproving
	case t.Delta < -a.threshold:
		t.Direction = TrendDeclining
	default:
		t.Direction = TrendStable
	}
	return t, nil
}

// closedInvocations returns the agent's closed invocations sorted by
// opened_at (FoldInvocations sorts).
func (a *Aggregator) closedInvocations(ctx context.Context, agentName string) ([]model.Invocation, error) {
	evs, err := a.store.ScanInvocationEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("stats: scan invocations: %w", err)
	}
	var out []model.Invocation
	for _, inv := range store.FoldInvocations(evs) {
		if inv.AgentName != agentName || !inv.Closed() {
			continue
		}
		out = append(out, inv)
	}
	return out, nil
}
