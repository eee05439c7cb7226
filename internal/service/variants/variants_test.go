package variants

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mekiki/internal/store"
	"github.com/ashita-ai/mekiki/internal/testutil"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	svc := NewWithClock(st, testutil.TestLogger(), func() time.Time { return testNow })
	return svc, st
}

func strPtr(s string) *string { return &s }

func TestRegister(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	v, err := svc.Register(ctx, "builder", "v1", "baseline prompt")
	require.NoError(t, err)
	assert.Equal(t, "builder", v.AgentName)
	assert.Equal(t, "v1", v.VariantID)
	assert.Zero(t, v.Metrics.InvocationCount)
	assert.Equal(t, testNow, v.Metrics.LastUpdated)

	// Variants are created explicitly, never silently replaced.
	_, err = svc.Register(ctx, "builder", "v1", "other")
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = svc.Register(ctx, "", "v1", "")
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestUpdateMetricsStreamingAverages(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "builder", "v1", "")
	require.NoError(t, err)

	observations := []Observation{
		{Success: true, DurationSeconds: 100, QualityScore: 4, Reward: 0.9, TaskType: strPtr("bug-fix")},
		{Success: false, DurationSeconds: 300, QualityScore: 2, Reward: 0.1, TaskType: strPtr("bug-fix")},
		{Success: true, DurationSeconds: 200, QualityScore: 5, Reward: 1.0, TaskType: strPtr("api-design")},
		{Success: true, DurationSeconds: 400, QualityScore: 3, Reward: 0.6},
	}
	for _, obs := range observations {
		require.NoError(t, svc.UpdateMetrics(ctx, "builder", "v1", obs))
	}

	v, err := svc.Get(ctx, "builder", "v1")
	require.NoError(t, err)

	// Incremental averages must equal the batch recomputation.
	m := v.Metrics
	assert.Equal(t, 4, m.InvocationCount)
	assert.Equal(t, 3, m.SuccessCount)
	assert.InDelta(t, 0.75, m.SuccessRate(), 1e-9)
	assert.InDelta(t, (100.0+300+200+400)/4, m.AvgDuration, 1e-9)
	assert.InDelta(t, (4.0+2+5+3)/4, m.AvgQualityScore, 1e-9)
	assert.InDelta(t, (0.9+0.1+1.0+0.6)/4, m.AvgReward, 1e-9)

	bugFix := m.TaskType("bug-fix")
	require.NotNil(t, bugFix)
	assert.Equal(t, 2, bugFix.InvocationCount)
	assert.InDelta(t, 0.5, bugFix.SuccessRate(), 1e-9)
	assert.InDelta(t, 200, bugFix.AvgDuration, 1e-9)
	assert.InDelta(t, 0.5, bugFix.AvgReward, 1e-9)

	api := m.TaskType("api-design")
	require.NotNil(t, api)
	assert.Equal(t, 1, api.InvocationCount)

	// The untyped observation lands agent-wide only.
	assert.Nil(t, m.TaskType("general"))
}

func TestUpdateMetricsErrors(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	err := svc.UpdateMetrics(ctx, "builder", "ghost", Observation{DurationSeconds: 10})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.Register(ctx, "builder", "v1", "")
	require.NoError(t, err)
	err = svc.UpdateMetrics(ctx, "builder", "v1", Observation{DurationSeconds: -1})
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestSelectColdStart(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// No variants at all.
	got, err := svc.Select(ctx, "builder", "bug-fix", 0)
	require.NoError(t, err)
	assert.Nil(t, got)

	// A variant exists but has too few task-type samples.
	_, err = svc.Register(ctx, "builder", "v1", "")
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, svc.UpdateMetrics(ctx, "builder", "v1", Observation{
			Success: true, Reward: 1.0, TaskType: strPtr("bug-fix"),
		}))
	}

	got, err = svc.Select(ctx, "builder", "bug-fix", 5)
	require.NoError(t, err)
	assert.Nil(t, got, "below the evidence floor nothing is recommended")

	// One more observation crosses the floor.
	require.NoError(t, svc.UpdateMetrics(ctx, "builder", "v1", Observation{
		Success: true, Reward: 1.0, TaskType: strPtr("bug-fix"),
	}))
	got, err = svc.Select(ctx, "builder", "bug-fix", 5)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "v1", *got)
}

func TestSelectBestReward(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	seed := func(variantID string, rewards ...float64) {
		_, err := svc.Register(ctx, "builder", variantID, "")
		require.NoError(t, err)
		for _, r := range rewards {
			require.NoError(t, svc.UpdateMetrics(ctx, "builder", variantID, Observation{
				Success: r > 0.5, Reward: r, TaskType: strPtr("bug-fix"),
			}))
		}
	}
	seed("steady", 0.6, 0.6, 0.6)
	seed("strong", 0.9, 0.9, 0.9)
	seed("off-type")
	require.NoError(t, svc.UpdateMetrics(ctx, "builder", "off-type", Observation{
		Success: true, Reward: 1.0, TaskType: strPtr("api-design"),
	}))

	got, err := svc.Select(ctx, "builder", "bug-fix", 3)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "strong", *got, "highest task-type reward wins; other task types are irrelevant")
}

func TestSelectTieBreaks(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	seed := func(variantID string, n int) {
		_, err := svc.Register(ctx, "builder", variantID, "")
		require.NoError(t, err)
		for i := 0; i < n; i++ {
			require.NoError(t, svc.UpdateMetrics(ctx, "builder", variantID, Observation{
				Success: true, Reward: 0.8, TaskType: strPtr("bug-fix"),
			}))
		}
	}
	// Same reward; more samples wins.
	seed("fewer", 3)
	seed("more", 5)

	got, err := svc.Select(ctx, "builder", "bug-fix", 3)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "more", *got)

	// Same reward and same count: lexicographic id, deterministically.
	svc2, _ := newTestService(t)
	for _, id := range []string{"zeta", "alpha"} {
		_, err := svc2.Register(ctx, "builder", id, "")
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			require.NoError(t, svc2.UpdateMetrics(ctx, "builder", id, Observation{
				Success: true, Reward: 0.8, TaskType: strPtr("bug-fix"),
			}))
		}
	}
	got2, err := svc2.Select(ctx, "builder", "bug-fix", 3)
	require.NoError(t, err)
	require.NotNil(t, got2)
	assert.Equal(t, "alpha", *got2)
}

func TestList(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "builder", "v2", "")
	require.NoError(t, err)
	_, err = svc.Register(ctx, "builder", "v1", "")
	require.NoError(t, err)

	list, err := svc.List(ctx, "builder")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "v1", list[0].VariantID)
	assert.Equal(t, "v2", list[1].VariantID)

	_, err = svc.Get(ctx, "builder", "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateMetricsConcurrentWithSelect(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "builder", "v1", "")
	require.NoError(t, err)

	// A serialized writer and a concurrent reader must not share
	// metric blocks through the store.
	const updates = 200
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < updates; i++ {
			err := svc.UpdateMetrics(ctx, "builder", "v1", Observation{
				Success: true, DurationSeconds: 50, Reward: 0.7, TaskType: strPtr("bug-fix"),
			})
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < updates; i++ {
			_, err := svc.Select(ctx, "builder", "bug-fix", 1)
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	v, err := svc.Get(ctx, "builder", "v1")
	require.NoError(t, err)
	assert.Equal(t, updates, v.Metrics.InvocationCount)
	assert.Equal(t, updates, v.Metrics.ByTaskType["bug-fix"].InvocationCount)
	assert.InDelta(t, 0.7, v.Metrics.ByTaskType["bug-fix"].AvgReward, 1e-9)
}
