package stats

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mekiki/internal/model"
	"github.com/ashita-ai/mekiki/internal/store"
	"github.com/ashita-ai/mekiki/internal/testutil"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestAggregator(t *testing.T) (*Aggregator, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	agg := NewWithClock(st, testutil.TestLogger(), 0, func() time.Time { return testNow })
	return agg, st
}

// seedClosed appends an opened+closed pair in one go.
func seedClosed(t *testing.T, st *store.Memory, agent string, openedAt time.Time, outcome model.OutcomeStatus, duration float64, taskType string, rating *int) {
	t.Helper()
	ctx := context.Background()
	id := uuid.New()
	inv := model.Invocation{
		ID:              id,
		AgentName:       agent,
		TaskDescription: "seeded",
		OpenedAt:        openedAt,
	}
	if taskType != "" {
		inv.TaskType = &taskType
	}
	require.NoError(t, st.AppendInvocationEvent(ctx, store.InvocationEvent{
		Kind: store.InvocationOpened, InvocationID: id, RecordedAt: openedAt, Opened: &inv,
	}))
	require.NoError(t, st.AppendInvocationEvent(ctx, store.InvocationEvent{
		Kind: store.InvocationClosed, InvocationID: id, RecordedAt: openedAt.Add(time.Minute),
		Closed: &store.InvocationClose{DurationSeconds: duration, Outcome: outcome, QualityRating: rating},
	}))
}

func seedOpen(t *testing.T, st *store.Memory, agent string, openedAt time.Time) {
	t.Helper()
	id := uuid.New()
	require.NoError(t, st.AppendInvocationEvent(context.Background(), store.InvocationEvent{
		Kind: store.InvocationOpened, InvocationID: id, RecordedAt: openedAt,
		Opened: &model.Invocation{ID: id, AgentName: agent, TaskDescription: "seeded", OpenedAt: openedAt},
	}))
}

func TestAgentStatsEmpty(t *testing.T) {
	agg, _ := newTestAggregator(t)

	s, err := agg.AgentStats(context.Background(), "nobody", 0)
	require.NoError(t, err)
	assert.Equal(t, StatusInsufficientData, s.Status)
	assert.Zero(t, s.InvocationCount)
}

func TestAgentStatsAggregates(t *testing.T) {
	agg, st := newTestAggregator(t)
	base := testNow.Add(-48 * time.Hour)
	r4, r2 := 4, 2

	seedClosed(t, st, "builder", base, model.OutcomeSuccess, 100, "", &r4)
	seedClosed(t, st, "builder", base.Add(time.Hour), model.OutcomeFailure, 200, "", &r2)
	seedClosed(t, st, "builder", base.Add(2*time.Hour), model.OutcomeSuccess, 300, "", nil)
	// Open invocations and other agents are excluded.
	seedOpen(t, st, "builder", base.Add(3*time.Hour))
	seedClosed(t, st, "reviewer", base, model.OutcomeSuccess, 10, "", nil)

	s, err := agg.AgentStats(context.Background(), "builder", 0)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, s.Status)
	assert.Equal(t, 3, s.InvocationCount)
	assert.InDelta(t, 2.0/3.0, s.SuccessRate, 1e-9)
	assert.InDelta(t, 200, s.AvgDurationSeconds, 1e-9)
	assert.Equal(t, 2, s.RatedCount)
	assert.InDelta(t, 3.0, s.AvgQualityRating, 1e-9, "average over rated invocations only")
}

func TestAgentStatsIdempotent(t *testing.T) {
	agg, st := newTestAggregator(t)
	seedClosed(t, st, "builder", testNow.Add(-time.Hour), model.OutcomeSuccess, 50, "", nil)

	first, err := agg.AgentStats(context.Background(), "builder", 0)
	require.NoError(t, err)
	second, err := agg.AgentStats(context.Background(), "builder", 0)
	require.NoError(t, err)
	assert.Equal(t, first, second, "reads must not change what subsequent reads see")
}

func TestAgentStatsWindow(t *testing.T) {
	agg, st := newTestAggregator(t)

	seedClosed(t, st, "builder", testNow.Add(-30*24*time.Hour), model.OutcomeFailure, 500, "", nil)
	seedClosed(t, st, "builder", testNow.Add(-time.Hour), model.OutcomeSuccess, 100, "", nil)

	s, err := agg.AgentStats(context.Background(), "builder", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, s.InvocationCount, "old invocation falls outside the window")
	assert.InDelta(t, 1.0, s.SuccessRate, 1e-9)
}

func TestAgentTaskTypeStats(t *testing.T) {
	agg, st := newTestAggregator(t)
	base := testNow.Add(-2 * time.Hour)

	seedClosed(t, st, "builder", base, model.OutcomeSuccess, 100, "bug-fix", nil)
	seedClosed(t, st, "builder", base.Add(time.Minute), model.OutcomeFailure, 50, "api-design", nil)
	seedClosed(t, st, "builder", base.Add(2*time.Minute), model.OutcomeSuccess, 300, "bug-fix", nil)

	s, err := agg.AgentTaskTypeStats(context.Background(), "builder", "bug-fix", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, s.InvocationCount)
	assert.InDelta(t, 1.0, s.SuccessRate, 1e-9)
	assert.InDelta(t, 200, s.AvgDurationSeconds, 1e-9)

	_, err = agg.AgentTaskTypeStats(context.Background(), "builder", "", 0)
	assert.Error(t, err)

	missing, err := agg.AgentTaskTypeStats(context.Background(), "builder", "deployment", 0)
	require.NoError(t, err)
	assert.Equal(t, StatusInsufficientData, missing.Status)
}

func TestComputeTrendDirections(t *testing.T) {
	tests := []struct {
		name          string
		recentOK      int // successes in the last 7 days
		recentFail    int
		histOK        int // successes in days 7..30
		histFail      int
		wantDirection string
	}{
		{"improving", 19, 1, 8, 2, TrendImproving},   // 0.95 vs 0.80
		{"declining", 1, 3, 9, 1, TrendDeclining},    // 0.25 vs 0.90
		{"stable", 4, 1, 8, 2, TrendStable},          // 0.80 vs 0.80
		{"within threshold", 21, 4, 8, 2, TrendStable}, // 0.84 vs 0.80, |delta| <= 0.05
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg, st := newTestAggregator(t)
			recent := testNow.Add(-2 * 24 * time.Hour)
			hist := testNow.Add(-20 * 24 * time.Hour)

			for i := 0; i < tt.recentOK; i++ {
				seedClosed(t, st, "builder", recent.Add(time.Duration(i)*time.Minute), model.OutcomeSuccess, 10, "", nil)
			}
			for i := 0; i < tt.recentFail; i++ {
				seedClosed(t, st, "builder", recent.Add(time.Duration(i)*time.Second), model.OutcomeFailure, 10, "", nil)
			}
			for i := 0; i < tt.histOK; i++ {
				seedClosed(t, st, "builder", hist.Add(time.Duration(i)*time.Minute), model.OutcomeSuccess, 10, "", nil)
			}
			for i := 0; i < tt.histFail; i++ {
				seedClosed(t, st, "builder", hist.Add(time.Duration(i)*time.Second), model.OutcomeFailure, 10, "", nil)
			}

			tr, err := agg.ComputeTrend(context.Background(), "builder", 7, 30)
			require.NoError(t, err)
			assert.Equal(t, StatusOK, tr.Status)
			assert.Equal(t, tt.wantDirection, tr.Direction)
			assert.Equal(t, tt.recentOK+tt.recentFail, tr.RecentCount)
			assert.Equal(t, tt.histOK+tt.histFail, tr.HistoricalCount)
			assert.InDelta(t, tr.RecentSuccessRate-tr.HistoricalSuccessRate, tr.Delta, 1e-9)
		})
	}
}

func TestComputeTrendInsufficientData(t *testing.T) {
	t.Run("fewer than two closed", func(t *testing.T) {
		agg, st := newTestAggregator(t)
		seedClosed(t, st, "builder", testNow.Add(-10*24*time.Hour), model.OutcomeSuccess, 10, "", nil)

		tr, err := agg.ComputeTrend(context.Background(), "builder", 7, 30)
		require.NoError(t, err)
		assert.Equal(t, StatusInsufficientData, tr.Status)
	})

	t.Run("no history before recent window", func(t *testing.T) {
		agg, st := newTestAggregator(t)
		seedClosed(t, st, "builder", testNow.Add(-24*time.Hour), model.OutcomeSuccess, 10, "", nil)
		seedClosed(t, st, "builder", testNow.Add(-48*time.Hour), model.OutcomeFailure, 10, "", nil)

		tr, err := agg.ComputeTrend(context.Background(), "builder", 7, 30)
		require.NoError(t, err)
		assert.Equal(t, StatusInsufficientData, tr.Status)
	})
}
