package model

import "time"

// Workflow is an ordered group of invocations collaborating on one
// larger task, linked by a shared workflow identifier.
type Workflow struct {
	WorkflowID               string    `json:"workflow_id"`
	ProjectName              string    `json:"project_name"`
	AgentPlan                []string  `json:"agent_plan"`
	EstimatedDurationSeconds float64   `json:"estimated_duration_seconds"`
	StartedAt                time.Time `json:"started_at"`

	// Populated on completion.
	ActualDurationSeconds *float64 `json:"actual_duration_seconds,omitempty"`
	Success               *bool    `json:"success,omitempty"`
	AgentsExecuted        []string `json:"agents_executed,omitempty"`
}

// Completed reports whether the workflow has a recorded outcome.
func (w Workflow) Completed() bool {
	return w.ActualDurationSeconds != nil && w.Success != nil
}
