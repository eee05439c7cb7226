// Package events is the write side of the telemetry engine: it
// validates and appends invocation and workflow lifecycle records.
//
// Every open and close appends exactly one record to its stream; a
// record is never edited in place. The only permitted post-close
// addition is a quality rating, which is itself an appended
// annotation folded in at scan time.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/mekiki/internal/model"
	"github.com/ashita-ai/mekiki/internal/store"
)

// Service validates and records lifecycle events.
type Service struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates an event logger backed by st.
func New(st store.Store, logger *slog.Logger) *Service {
	return NewWithClock(st, logger, func() time.Time { return time.Now().UTC() })
}

// NewWithClock creates an event logger with an injected clock.
// Used by tests and by callers replaying historical logs.
func NewWithClock(st store.Store, logger *slog.Logger, now func() time.Time) *Service {
	return &Service{store: st, logger: logger, now: now}
}

// OpenInvocationParams are the caller-supplied fields for a new invocation.
type OpenInvocationParams struct {
	AgentName          string
	VariantID          *string
	TaskType           *string
	WorkflowID         *string
	ParentInvocationID *uuid.UUID
	TaskDescription    string
	FilesModified      []string
}

// OpenInvocation assigns a fresh id and appends an open record.
func (s *Service) OpenInvocation(ctx context.Context, p OpenInvocationParams) (uuid.UUID, error) {
	if p.AgentName == "" {
		return uuid.Nil, fmt.Errorf("%w: agent_name is required", store.ErrValidation)
	}
	if p.TaskDescription == "" {
		return uuid.Nil, fmt.Errorf("%w: task_description is required", store.ErrValidation)
	}

	id := uuid.New()
	now := s.now()
	inv := model.Invocation{
		ID:                 id,
		AgentName:          p.AgentName,
		VariantID:          p.VariantID,
		TaskType:           p.TaskType,
		WorkflowID:         p.WorkflowID,
		ParentInvocationID: p.ParentInvocationID,
		TaskDescription:    p.TaskDescription,
		OpenedAt:           now,
		FilesModified:      p.FilesModified,
	}
	ev := store.InvocationEvent{
		Kind:         store.InvocationOpened,
		InvocationID: id,
		RecordedAt:   now,
		Opened:       &inv,
	}
	if err := s.store.AppendInvocationEvent(ctx, ev); err != nil {
		return uuid.Nil, fmt.Errorf("events: open invocation: %w", err)
	}
	s.logger.Debug("invocation opened", "invocation_id", id, "agent", p.AgentName)
	return id, nil
}

// CloseInvocation appends the outcome for a previously opened
// invocation. Returns store.ErrNotFound when the id was never opened
// and store.ErrAlreadyClosed when an outcome is already recorded.
func (s *Service) CloseInvocation(ctx context.Context, id uuid.UUID, durationSeconds float64, outcome model.OutcomeStatus, qualityRating *int) error {
	if durationSeconds < 0 {
		return fmt.Errorf("%w: duration_seconds must be non-negative", store.ErrValidation)
	}
	if !outcome.Valid() {
		return fmt.Errorf("%w: unknown outcome_status %q", store.ErrValidation, outcome)
	}
	if qualityRating != nil && (*qualityRating < 1 || *qualityRating > 5) {
		return fmt.Errorf("%w: quality_rating must be in 1..5", store.ErrValidation)
	}

	inv, err := s.lookupInvocation(ctx, id)
	if err != nil {
		return err
	}
	if inv.Closed() {
		return fmt.Errorf("events: close invocation %s: %w", id, store.ErrAlreadyClosed)
	}

	ev := store.InvocationEvent{
		Kind:         store.InvocationClosed,
		InvocationID: id,
		RecordedAt:   s.now(),
		Closed: &store.InvocationClose{
			DurationSeconds: durationSeconds,
			Outcome:         outcome,
			QualityRating:   qualityRating,
		},
	}
	if err := s.store.AppendInvocationEvent(ctx, ev); err != nil {
		return fmt.Errorf("events: close invocation: %w", err)
	}
	s.logger.Debug("invocation closed", "invocation_id", id, "outcome", outcome, "duration_s", durationSeconds)
	return nil
}

// RateInvocation attaches a reviewer rating to a closed invocation.
func (s *Service) RateInvocation(ctx context.Context, id uuid.UUID, rating int) error {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("%w: quality_rating must be in 1..5", store.ErrValidation)
	}

	inv, err := s.lookupInvocation(ctx, id)
	if err != nil {
		return err
	}
	if !inv.Closed() {
		return fmt.Errorf("%w: invocation %s is still open", store.ErrValidation, id)
	}

	ev := store.InvocationEvent{
		Kind:         store.InvocationRated,
		InvocationID: id,
		RecordedAt:   s.now(),
		Rating:       &rating,
	}
	if err := s.store.AppendInvocationEvent(ctx, ev); err != nil {
		return fmt.Errorf("events: rate invocation: %w", err)
	}
	return nil
}

// lookupInvocation resolves an id against the full stream. This is a
// logical lookup, not an in-memory one: the store is the source of
// truth even when opens and closes happen in different processes.
func (s *Service) lookupInvocation(ctx context.Context, id uuid.UUID) (model.Invocation, error) {
	evs, err := s.store.ScanInvocationEvents(ctx)
	if err != nil {
		return model.Invocation{}, fmt.Errorf("events: scan invocations: %w", err)
	}
	for _, inv := range store.FoldInvocations(evs) {
		if inv.ID == id {
			return inv, nil
		}
	}
	return model.Invocation{}, fmt.Errorf("events: invocation %s: %w", id, store.ErrNotFound)
}

// OpenWorkflow records the start of a multi-step task.
func (s *Service) OpenWorkflow(ctx context.Context, workflowID, projectName string, agentPlan []string, estimatedDurationSeconds float64) error {
	if workflowID == "" {
		return fmt.Errorf("%w: workflow_id is required", store.ErrValidation)
	}
	if estimatedDurationSeconds < 0 {
		return fmt.Errorf("%w: estimated_duration_seconds must be non-negative", store.ErrValidation)
	}
	if _, err := s.lookupWorkflow(ctx, workflowID); err == nil {
		return fmt.Errorf("%w: workflow %q already opened", store.ErrValidation, workflowID)
	}

	now := s.now()
	wf := model.Workflow{
		WorkflowID:               workflowID,
		ProjectName:              projectName,
		AgentPlan:                append([]string(nil), agentPlan...),
		EstimatedDurationSeconds: estimatedDurationSeconds,
		StartedAt:                now,
	}
	ev := store.WorkflowEvent{
		Kind:       store.WorkflowOpened,
		WorkflowID: workflowID,
		RecordedAt: now,
		Opened:     &wf,
	}
	if err := s.store.AppendWorkflowEvent(ctx, ev); err != nil {
		return fmt.Errorf("events: open workflow: %w", err)
	}
	s.logger.Debug("workflow opened", "workflow_id", workflowID, "project", projectName)
	return nil
}

// CompleteWorkflow records a workflow's outcome. Same open/close
// discipline as invocations.
func (s *Service) CompleteWorkflow(ctx context.Context, workflowID string, actualDurationSeconds float64, success bool, agentsExecuted []string) error {
	if actualDurationSeconds < 0 {
		return fmt.Errorf("%w: actual_duration_seconds must be non-negative", store.ErrValidation)
	}

	wf, err := s.lookupWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Completed() {
		return fmt.Errorf("events: complete workflow %s: %w", workflowID, store.ErrAlreadyClosed)
	}

	ev := store.WorkflowEvent{
		Kind:       store.WorkflowCompleted,
		WorkflowID: workflowID,
		RecordedAt: s.now(),
		Completed: &store.WorkflowCompletion{
			ActualDurationSeconds: actualDurationSeconds,
			Success:               success,
			AgentsExecuted:        append([]string(nil), agentsExecuted...),
		},
	}
	if err := s.store.AppendWorkflowEvent(ctx, ev); err != nil {
		return fmt.Errorf("events: complete workflow: %w", err)
	}
	s.logger.Debug("workflow completed", "workflow_id", workflowID, "success", success)
	return nil
}

func (s *Service) lookupWorkflow(ctx context.Context, workflowID string) (model.Workflow, error) {
	evs, err := s.store.ScanWorkflowEvents(ctx)
	if err != nil {
		return model.Workflow{}, fmt.Errorf("events: scan workflows: %w", err)
	}
	for _, wf := range store.FoldWorkflows(evs) {
		if wf.WorkflowID == workflowID {
			return wf, nil
		}
	}
	return model.Workflow{}, fmt.Errorf("events: workflow %s: %w", workflowID, store.ErrNotFound)
}
