package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mekiki/internal/model"
)

// testLogger is local to this package: testutil depends on store, so
// store tests cannot import it back.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestJSONL(t *testing.T) *JSONL {
	t.Helper()
	s, err := NewJSONL(t.TempDir(), testLogger())
	require.NoError(t, err)
	return s
}

func TestJSONLRequiresDirectory(t *testing.T) {
	_, err := NewJSONL("", testLogger())
	assert.Error(t, err)
}

func TestJSONLStreamsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	id := uuid.New()

	s, err := NewJSONL(dir, testLogger())
	require.NoError(t, err)

	require.NoError(t, s.AppendInvocationEvent(ctx, openedEvent(id, "builder", base)))
	require.NoError(t, s.AppendInvocationEvent(ctx, closedEvent(id, base.Add(time.Minute), model.OutcomeSuccess, 30)))
	require.NoError(t, s.AppendWorkflowEvent(ctx, WorkflowEvent{
		Kind:       WorkflowOpened,
		WorkflowID: "wf-1",
		RecordedAt: base,
		Opened:     &model.Workflow{WorkflowID: "wf-1", StartedAt: base},
	}))
	require.NoError(t, s.AppendIssue(ctx, model.Issue{
		ID: uuid.New(), Timestamp: base, AgentName: "builder", Category: model.CategoryQualityIssue,
	}))

	// A second store over the same directory sees everything.
	reopened, err := NewJSONL(dir, testLogger())
	require.NoError(t, err)

	evs, err := reopened.ScanInvocationEvents(ctx)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, id, evs[0].InvocationID)
	require.NotNil(t, evs[1].Closed)
	assert.Equal(t, model.OutcomeSuccess, evs[1].Closed.Outcome)

	wfs, err := reopened.ScanWorkflowEvents(ctx)
	require.NoError(t, err)
	require.Len(t, wfs, 1)

	issues, err := reopened.ScanIssues(ctx)
	require.NoError(t, err)
	require.Len(t, issues, 1)
}

func TestJSONLScanSkipsCorruptLines(t *testing.T) {
	ctx := context.Background()
	s := newTestJSONL(t)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.AppendInvocationEvent(ctx, openedEvent(uuid.New(), "builder", base)))

	// Simulate a torn write in the middle of the stream.
	f, err := os.OpenFile(filepath.Join(s.Dir(), invocationsFile), os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{\"kind\":\"opened\",\"truncat\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, s.AppendInvocationEvent(ctx, openedEvent(uuid.New(), "reviewer", base.Add(time.Minute))))

	evs, err := s.ScanInvocationEvents(ctx)
	require.NoError(t, err)
	require.Len(t, evs, 2, "corrupt line is skipped, records around it survive")
	assert.Equal(t, "builder", evs[0].Opened.AgentName)
	assert.Equal(t, "reviewer", evs[1].Opened.AgentName)
}

func TestJSONLEmptyStreams(t *testing.T) {
	ctx := context.Background()
	s := newTestJSONL(t)

	evs, err := s.ScanInvocationEvents(ctx)
	require.NoError(t, err)
	assert.Empty(t, evs)

	wfs, err := s.ScanWorkflowEvents(ctx)
	require.NoError(t, err)
	assert.Empty(t, wfs)
}

func TestJSONLVariantRoundtrip(t *testing.T) {
	ctx := context.Background()
	s := newTestJSONL(t)

	_, err := s.GetVariant(ctx, "builder", "v1")
	assert.ErrorIs(t, err, ErrNotFound)

	v := model.AgentVariant{
		AgentName:   "builder",
		VariantID:   "v1",
		Description: "baseline",
		Metrics: model.PerformanceMetrics{
			InvocationCount: 3,
			SuccessCount:    2,
			AvgReward:       0.7,
			ByTaskType: map[string]*model.PerformanceMetrics{
				"bug-fix": {InvocationCount: 2, SuccessCount: 2, AvgReward: 0.9},
			},
		},
	}
	require.NoError(t, s.UpsertVariant(ctx, v))

	got, err := s.GetVariant(ctx, "builder", "v1")
	require.NoError(t, err)
	assert.Equal(t, "baseline", got.Description)
	assert.Equal(t, 3, got.Metrics.InvocationCount)
	require.NotNil(t, got.Metrics.TaskType("bug-fix"))
	assert.Equal(t, 0.9, got.Metrics.TaskType("bug-fix").AvgReward)

	require.NoError(t, s.UpsertVariant(ctx, model.AgentVariant{AgentName: "builder", VariantID: "v2"}))
	list, err := s.ListVariants(ctx, "builder")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "v1", list[0].VariantID)
	assert.Equal(t, "v2", list[1].VariantID)
}

func TestJSONLVariantValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestJSONL(t)

	err := s.UpsertVariant(ctx, model.AgentVariant{AgentName: "", VariantID: "v1"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestJSONLVariantPathEscaping(t *testing.T) {
	ctx := context.Background()
	s := newTestJSONL(t)

	// Hostile names must stay inside the variants directory.
	v := model.AgentVariant{AgentName: "../evil", VariantID: "v/1"}
	require.NoError(t, s.UpsertVariant(ctx, v))

	got, err := s.GetVariant(ctx, "../evil", "v/1")
	require.NoError(t, err)
	assert.Equal(t, "../evil", got.AgentName)

	_, err = os.Stat(filepath.Join(s.Dir(), variantsDir))
	require.NoError(t, err)
	entries, err := os.ReadDir(filepath.Join(s.Dir(), variantsDir))
	require.NoError(t, err)
	require.Len(t, entries, 1, "escaped name stays under variants/")
}
