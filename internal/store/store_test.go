package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mekiki/internal/model"
)

func openedEvent(id uuid.UUID, agent string, at time.Time) InvocationEvent {
	return InvocationEvent{
		Kind:         InvocationOpened,
		InvocationID: id,
		RecordedAt:   at,
		Opened: &model.Invocation{
			ID:              id,
			AgentName:       agent,
			TaskDescription: "fix the build",
			OpenedAt:        at,
		},
	}
}

func closedEvent(id uuid.UUID, at time.Time, outcome model.OutcomeStatus, duration float64) InvocationEvent {
	return InvocationEvent{
		Kind:         InvocationClosed,
		InvocationID: id,
		RecordedAt:   at,
		Closed: &InvocationClose{
			DurationSeconds: duration,
			Outcome:         outcome,
		},
	}
}

func TestFoldInvocationsLifecycle(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	id := uuid.New()
	rating := 4

	invs := FoldInvocations([]InvocationEvent{
		openedEvent(id, "builder", base),
		closedEvent(id, base.Add(time.Minute), model.OutcomeSuccess, 60),
		{Kind: InvocationRated, InvocationID: id, RecordedAt: base.Add(2 * time.Minute), Rating: &rating},
	})

	require.Len(t, invs, 1)
	inv := invs[0]
	assert.Equal(t, id, inv.ID)
	assert.True(t, inv.Closed())
	require.NotNil(t, inv.DurationSeconds)
	assert.Equal(t, 60.0, *inv.DurationSeconds)
	assert.Equal(t, model.OutcomeSuccess, *inv.Outcome)
	require.NotNil(t, inv.QualityRating)
	assert.Equal(t, 4, *inv.QualityRating)
}

func TestFoldInvocationsFirstRecordWins(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	id := uuid.New()

	dup := openedEvent(id, "impostor", base.Add(time.Hour))
	invs := FoldInvocations([]InvocationEvent{
		openedEvent(id, "builder", base),
		dup,
		closedEvent(id, base.Add(time.Minute), model.OutcomeFailure, 10),
		closedEvent(id, base.Add(2*time.Minute), model.OutcomeSuccess, 99),
	})

	require.Len(t, invs, 1)
	assert.Equal(t, "builder", invs[0].AgentName, "duplicate open must not replace the original")
	assert.Equal(t, model.OutcomeFailure, *invs[0].Outcome, "second close must be ignored")
	assert.Equal(t, 10.0, *invs[0].DurationSeconds)
}

func TestFoldInvocationsDropsOrphans(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	orphan := uuid.New()
	open := uuid.New()
	rating := 5

	invs := FoldInvocations([]InvocationEvent{
		closedEvent(orphan, base, model.OutcomeSuccess, 5),
		openedEvent(open, "builder", base),
		// Rating before close is dropped too: ratings only attach to
		// closed invocations.
		{Kind: InvocationRated, InvocationID: open, RecordedAt: base, Rating: &rating},
	})

	require.Len(t, invs, 1)
	assert.Equal(t, open, invs[0].ID)
	assert.False(t, invs[0].Closed())
	assert.Nil(t, invs[0].QualityRating)
}

func TestFoldInvocationsSortsByOpenedAt(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	// Append order deliberately disagrees with opened_at order.
	invs := FoldInvocations([]InvocationEvent{
		openedEvent(b, "second", base.Add(time.Hour)),
		openedEvent(c, "third", base.Add(2*time.Hour)),
		openedEvent(a, "first", base),
	})

	require.Len(t, invs, 3)
	assert.Equal(t, "first", invs[0].AgentName)
	assert.Equal(t, "second", invs[1].AgentName)
	assert.Equal(t, "third", invs[2].AgentName)
}

func TestFoldWorkflowsLifecycle(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	wfs := FoldWorkflows([]WorkflowEvent{
		{
			Kind:       WorkflowOpened,
			WorkflowID: "wf-1",
			RecordedAt: base,
			Opened: &model.Workflow{
				WorkflowID:               "wf-1",
				ProjectName:              "checkout",
				AgentPlan:                []string{"planner", "builder"},
				EstimatedDurationSeconds: 600,
				StartedAt:                base,
			},
		},
		{
			Kind:       WorkflowCompleted,
			WorkflowID: "wf-1",
			RecordedAt: base.Add(10 * time.Minute),
			Completed: &WorkflowCompletion{
				ActualDurationSeconds: 700,
				Success:               true,
				AgentsExecuted:        []string{"planner", "builder", "reviewer"},
			},
		},
		// Completion for an unknown workflow is dropped.
		{
			Kind:       WorkflowCompleted,
			WorkflowID: "wf-ghost",
			RecordedAt: base,
			Completed:  &WorkflowCompletion{ActualDurationSeconds: 1, Success: false},
		},
	})

	require.Len(t, wfs, 1)
	wf := wfs[0]
	assert.True(t, wf.Completed())
	assert.Equal(t, 700.0, *wf.ActualDurationSeconds)
	assert.True(t, *wf.Success)
	assert.Equal(t, []string{"planner", "builder", "reviewer"}, wf.AgentsExecuted)
}

func TestMemoryInvocationStream(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	id := uuid.New()

	require.NoError(t, st.AppendInvocationEvent(ctx, openedEvent(id, "builder", base)))
	require.NoError(t, st.AppendInvocationEvent(ctx, closedEvent(id, base.Add(time.Minute), model.OutcomeSuccess, 42)))

	evs, err := st.ScanInvocationEvents(ctx)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, InvocationOpened, evs[0].Kind)
	assert.Equal(t, InvocationClosed, evs[1].Kind)
}

func TestMemoryVariants(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	_, err := st.GetVariant(ctx, "builder", "v1")
	assert.ErrorIs(t, err, ErrNotFound)

	for _, id := range []string{"v2", "v1"} {
		require.NoError(t, st.UpsertVariant(ctx, model.AgentVariant{
			AgentName: "builder",
			VariantID: id,
		}))
	}
	require.NoError(t, st.UpsertVariant(ctx, model.AgentVariant{
		AgentName: "reviewer",
		VariantID: "v1",
	}))

	got, err := st.GetVariant(ctx, "builder", "v1")
	require.NoError(t, err)
	assert.Equal(t, "v1", got.VariantID)

	list, err := st.ListVariants(ctx, "builder")
	require.NoError(t, err)
	require.Len(t, list, 2, "other agents' variants must not leak in")
	assert.Equal(t, "v1", list[0].VariantID, "list is sorted by variant id")
	assert.Equal(t, "v2", list[1].VariantID)

	// Upsert replaces in place.
	got.Description = "tuned prompt"
	require.NoError(t, st.UpsertVariant(ctx, got))
	again, err := st.GetVariant(ctx, "builder", "v1")
	require.NoError(t, err)
	assert.Equal(t, "tuned prompt", again.Description)
}

func TestMemoryVariantCopiesDoNotAlias(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	stored := model.AgentVariant{
		AgentName: "builder",
		VariantID: "v1",
		Metrics: model.PerformanceMetrics{
			InvocationCount: 3,
			ByTaskType: map[string]*model.PerformanceMetrics{
				"bug-fix": {InvocationCount: 2, AvgReward: 0.5},
			},
		},
	}
	require.NoError(t, st.UpsertVariant(ctx, stored))

	// Mutating the caller's record after the upsert must not reach
	// the store.
	stored.Metrics.ByTaskType["bug-fix"].InvocationCount = 99

	got, err := st.GetVariant(ctx, "builder", "v1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Metrics.ByTaskType["bug-fix"].InvocationCount)

	// Nor must mutating a returned copy, from Get or List.
	got.Metrics.ByTaskType["bug-fix"].AvgReward = 1.0
	got.Metrics.ByTaskType["api-design"] = &model.PerformanceMetrics{InvocationCount: 7}

	list, err := st.ListVariants(ctx, "builder")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.InDelta(t, 0.5, list[0].Metrics.ByTaskType["bug-fix"].AvgReward, 1e-9)
	assert.NotContains(t, list[0].Metrics.ByTaskType, "api-design")
	list[0].Metrics.ByTaskType["bug-fix"].SuccessCount = 42

	again, err := st.GetVariant(ctx, "builder", "v1")
	require.NoError(t, err)
	assert.Equal(t, 0, again.Metrics.ByTaskType["bug-fix"].SuccessCount)
}

func TestMemoryIssues(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	issue := model.Issue{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		AgentName: "builder",
		Category:  model.CategoryQualityIssue,
		Reasoning: "repeated request",
	}
	require.NoError(t, st.AppendIssue(ctx, issue))

	got, err := st.ScanIssues(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, issue.ID, got[0].ID)
}
