// Package store provides persistence for Mekiki's record streams.
//
// Three append-only streams (invocation events, workflow events,
// issues) plus one keyed store for variant state. Stream records are
// immutable once written; corrections are made by appending new
// records, never rewriting old ones. The variant store is the one
// exception: it represents current state, not history, and is
// rewritten in place on each metrics update.
//
// Implementations: Memory (tests), JSONL (newline-delimited JSON
// files), Postgres (pgx).
package store

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/mekiki/internal/model"
)

// InvocationEventKind discriminates records in the invocation stream.
type InvocationEventKind string

const (
	InvocationOpened InvocationEventKind = "opened"
	InvocationClosed InvocationEventKind = "closed"
	InvocationRated  InvocationEventKind = "rated"
)

// InvocationEvent is one line in the invocation stream.
// Exactly one of Opened/Closed/Rating is set, per Kind.
type InvocationEvent struct {
	Kind         InvocationEventKind `json:"kind"`
	InvocationID uuid.UUID           `json:"invocation_id"`
	RecordedAt   time.Time           `json:"recorded_at"`

	Opened *model.Invocation `json:"opened,omitempty"`
	Closed *InvocationClose  `json:"closed,omitempty"`
	Rating *int              `json:"quality_rating,omitempty"`
}

// InvocationClose carries the outcome appended when an invocation ends.
type InvocationClose struct {
	DurationSeconds float64             `json:"duration_seconds"`
	Outcome         model.OutcomeStatus `json:"outcome_status"`
	QualityRating   *int                `json:"quality_rating,omitempty"`
}

// WorkflowEventKind discriminates records in the workflow stream.
type WorkflowEventKind string

const (
	WorkflowOpened    WorkflowEventKind = "opened"
	WorkflowCompleted WorkflowEventKind = "completed"
)

// WorkflowEvent is one line in the workflow stream.
type WorkflowEvent struct {
	Kind       WorkflowEventKind `json:"kind"`
	WorkflowID string            `json:"workflow_id"`
	RecordedAt time.Time         `json:"recorded_at"`

	Opened    *model.Workflow     `json:"opened,omitempty"`
	Completed *WorkflowCompletion `json:"completed,omitempty"`
}

// WorkflowCompletion carries the outcome appended when a workflow ends.
type WorkflowCompletion struct {
	ActualDurationSeconds float64  `json:"actual_duration_seconds"`
	Success               bool     `json:"success"`
	AgentsExecuted        []string `json:"agents_executed"`
}

// Store is the persistence contract shared by all Mekiki components.
// Appends must be atomic at the record level; cross-record ordering is
// not guaranteed across concurrent writers, so consumers re-sort by
// timestamp before grouping.
type Store interface {
	AppendInvocationEvent(ctx context.Context, ev InvocationEvent) error
	ScanInvocationEvents(ctx context.Context) ([]InvocationEvent, error)

	AppendWorkflowEvent(ctx context.Context, ev WorkflowEvent) error
	ScanWorkflowEvents(ctx context.Context) ([]WorkflowEvent, error)

	AppendIssue(ctx context.Context, issue model.Issue) error
	ScanIssues(ctx context.Context) ([]model.Issue, error)

	// GetVariant returns ErrNotFound when the variant does not exist.
	GetVariant(ctx context.Context, agentName, variantID string) (model.AgentVariant, error)
	UpsertVariant(ctx context.Context, v model.AgentVariant) error
	ListVariants(ctx context.Context, agentName string) ([]model.AgentVariant, error)
}

// FoldInvocations replays an invocation event stream into the current
// set of invocations, sorted by (opened_at, id) for deterministic
// downstream grouping. Close and rating events for unknown ids are
// dropped: the open record may have been lost to corruption, and read
// paths degrade rather than fail.
func FoldInvocations(events []InvocationEvent) []model.Invocation {
	byID := make(map[uuid.UUID]*model.Invocation, len(events))
	order := make([]uuid.UUID, 0, len(events))

	for _, ev := range events {
		switch ev.Kind {
		case InvocationOpened:
			if ev.Opened == nil {
				continue
			}
			if _, ok := byID[ev.InvocationID]; ok {
				continue // duplicate open, first wins
			}
			inv := *ev.Opened
			inv.ID = ev.InvocationID
			byID[ev.InvocationID] = &inv
			order = append(order, ev.InvocationID)
		case InvocationClosed:
			inv, ok := byID[ev.InvocationID]
			if !ok || ev.Closed == nil || inv.Closed() {
				continue
			}
			d := ev.Closed.DurationSeconds
			o := ev.Closed.Outcome
			inv.DurationSeconds = &d
			inv.Outcome = &o
			if ev.Closed.QualityRating != nil {
				r := *ev.Closed.QualityRating
				inv.QualityRating = &r
			}
		case InvocationRated:
			inv, ok := byID[ev.InvocationID]
			if !ok || ev.Rating == nil || !inv.Closed() {
				continue
			}
			r := *ev.Rating
			inv.QualityRating = &r
		}
	}

	out := make([]model.Invocation, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// FoldWorkflows replays a workflow event stream into the current set
// of workflows, sorted by started_at then id.
func FoldWorkflows(events []WorkflowEvent) []model.Workflow {
	byID := make(map[string]*model.Workflow, len(events))
	order := make([]string, 0, len(events))

	for _, ev := range events {
		switch ev.Kind {
		case WorkflowOpened:
			if ev.Opened == nil {
				continue
			}
			if _, ok := byID[ev.WorkflowID]; ok {
				continue
			}
			wf := *ev.Opened
			wf.WorkflowID = ev.WorkflowID
			byID[ev.WorkflowID] = &wf
			order = append(order, ev.WorkflowID)
		case WorkflowCompleted:
			wf, ok := byID[ev.WorkflowID]
			if !ok || ev.Completed == nil || wf.Completed() {
				continue
			}
			d := ev.Completed.ActualDurationSeconds
			s := ev.Completed.Success
			wf.ActualDurationSeconds = &d
			wf.Success = &s
			wf.AgentsExecuted = append([]string(nil), ev.Completed.AgentsExecuted...)
		}
	}

	out := make([]model.Workflow, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].WorkflowID < out[j].WorkflowID
	})
	return out
}
