// Package workflows analyzes multi-step task coordination: how long
// workflows take versus the work inside them, which agent sequences
// recur, and whether coordination overhead warrants a more structured
// mechanism.
package workflows

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/mekiki/internal/model"
	"github.com/ashita-ai/mekiki/internal/store"
)

// Result statuses, shared vocabulary with the stats package.
const (
	StatusOK               = "ok"
	StatusInsufficientData = "insufficient_data"
)

// DefaultOverheadThreshold is the mean coordination overhead above
// which the report carries a recommendation. Policy constant, not a
// law of the domain; surfaced as a string, never enforced.
const DefaultOverheadThreshold = 0.30

// Pattern is an ordered agent sequence observed across workflows.
type Pattern struct {
	Agents []string `json:"agents"`
	Count  int      `json:"count"`
}

// Report is the aggregate view over workflows in the window.
type Report struct {
	Status                  string    `json:"status"`
	Total                   int       `json:"total"`
	Completed               int       `json:"completed"`
	SuccessRate             float64   `json:"success_rate"`
	AvgDurationSeconds      float64   `json:"avg_duration_seconds"`
	AvgAgentsPerWorkflow    float64   `json:"avg_agents_per_workflow"`
	CommonPatterns          []Pattern `json:"common_patterns"`
	CoordinationOverheadPct float64   `json:"coordination_overhead_pct"`
	Recommendation          string    `json:"recommendation,omitempty"`
}

// Analyzer groups invocations by workflow and computes the report.
type Analyzer struct {
	store     store.Store
	logger    *slog.Logger
	threshold float64
	now       func() time.Time
}

// New creates an analyzer. A non-positive overheadThreshold selects
// DefaultOverheadThreshold.
func New(st store.Store, logger *slog.Logger, overheadThreshold float64) *Analyzer {
	return NewWithClock(st, logger, overheadThreshold, func() time.Time { return time.Now().UTC() })
}

// NewWithClock creates an analyzer with an injected clock for tests.
func NewWithClock(st store.Store, logger *slog.Logger, overheadThreshold float64, now func() time.Time) *Analyzer {
	if overheadThreshold <= 0 {
		overheadThreshold = DefaultOverheadThreshold
	}
	return &Analyzer{store: st, logger: logger, threshold: overheadThreshold, now: now}
}

// Analyze scans both streams and builds the report. A non-zero window
// restricts the report to workflows started within the trailing window.
func (a *Analyzer) Analyze(ctx context.Context, window time.Duration) (Report, error) {
	var invEvents []store.InvocationEvent
	var wfEvents []store.WorkflowEvent

	// The two streams are independent; scan them concurrently.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		invEvents, err = a.store.ScanInvocationEvents(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		wfEvents, err = a.store.ScanWorkflowEvents(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return Report{}, fmt.Errorf("workflows: scan streams: %w", err)
	}

	workflows := store.FoldWorkflows(wfEvents)
	if window > 0 {
		cutoff := a.now().Add(-window)
		filtered := workflows[:0]
		for _, wf := range workflows {
			if !wf.StartedAt.Before(cutoff) {
				filtered = append(filtered, wf)
			}
		}
		workflows = filtered
	}
	if len(workflows) == 0 {
		return Report{Status: StatusInsufficientData, CommonPatterns: []Pattern{}}, nil
	}

	// Reconstruct each workflow's step sequence from the invocation
	// stream, ordered by opened_at. Parent links are display-only and
	// not needed for grouping.
	steps := make(map[string][]model.Invocation)
	for _, inv := range store.FoldInvocations(invEvents) {
		if inv.WorkflowID == nil {
			continue
		}
		steps[*inv.WorkflowID] = append(steps[*inv.WorkflowID], inv)
	}

	report := Report{Status: StatusOK, Total: len(workflows)}

	var successes int
	var durationSum, agentsSum float64
	var overheadSum float64
	var overheadN int
	patternCounts := make(map[string]int)
	patternOrder := []string{}

	for _, wf := range workflows {
		seq := agentSequence(wf, steps[wf.WorkflowID])
		agentsSum += float64(len(seq))
		if len(seq) > 0 {
			key := strings.Join(seq, "\x1f")
			if _, seen := patternCounts[key]; !seen {
				patternOrder = append(patternOrder, key)
			}
			patternCounts[key]++
		}

		if !wf.Completed() {
			continue
		}
		report.Completed++
		if *wf.Success {
			successes++
		}
		durationSum += *wf.ActualDurationSeconds

		if oh, ok := coordinationOverhead(*wf.ActualDurationSeconds, steps[wf.WorkflowID]); ok {
			overheadSum += oh
			overheadN++
		}
	}

	if report.Completed > 0 {
		report.SuccessRate = float64(successes) / float64(report.Completed)
		report.AvgDurationSeconds = durationSum / float64(report.Completed)
	}
	report.AvgAgentsPerWorkflow = agentsSum / float64(len(workflows))
	if overheadN > 0 {
		report.CoordinationOverheadPct = overheadSum / float64(overheadN)
	}

	report.CommonPatterns = rankPatterns(patternOrder, patternCounts)

	if overheadN > 0 && report.CoordinationOverheadPct > a.threshold {
		report.Recommendation = fmt.Sprintf(
			"mean coordination overhead %.0f%% exceeds %.0f%%; consider a more structured coordination mechanism",
			report.CoordinationOverheadPct*100, a.threshold*100)
	}
	return report, nil
}

// agentSequence prefers the sequence reconstructed from invocation
// steps; a workflow recorded without per-step invocations falls back
// to its completion record's agents_executed list.
func agentSequence(wf model.Workflow, steps []model.Invocation) []string {
	if len(steps) > 0 {
		seq := make([]string, len(steps))
		for i, inv := range steps {
			seq[i] = inv.AgentName
		}
		return seq
	}
	return wf.AgentsExecuted
}

// coordinationOverhead is (wall-clock − Σ step durations) / wall-clock,
// clamped to [0,1]. Only closed steps contribute; a workflow with no
// wall-clock time is skipped.
func coordinationOverhead(actualSeconds float64, steps []model.Invocation) (float64, bool) {
	if actualSeconds <= 0 {
		return 0, false
	}
	var stepSum float64
	for _, inv := range steps {
		if inv.Closed() {
			stepSum += *inv.DurationSeconds
		}
	}
	oh := (actualSeconds - stepSum) / actualSeconds
	if oh < 0 {
		oh = 0
	}
	if oh > 1 {
		oh = 1
	}
	return oh, true
}

// rankPatterns orders sequences by frequency descending, ties broken
// by first-seen order.
func rankPatterns(order []string, counts map[string]int) []Pattern {
	firstSeen := make(map[string]int, len(order))
	for i, key := range order {
		firstSeen[key] = i
	}
	keys := append([]string(nil), order...)
	sort.SliceStable(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return firstSeen[keys[i]] < firstSeen[keys[j]]
	})

	out := make([]Pattern, 0, len(keys))
	for _, key := range keys {
		out = append(out, Pattern{Agents: strings.Split(key, "\x1f"), Count: counts[key]})
	}
	return out
}
