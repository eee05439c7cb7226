package mekiki

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the result a specialist reported when it closed an
// invocation.
type Outcome string

// Valid outcome values.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
)

// OpenInvocation are the caller-supplied fields for a new invocation.
type OpenInvocation struct {
	AgentName          string
	VariantID          *string
	TaskType           *string
	WorkflowID         *string
	ParentInvocationID *uuid.UUID
	TaskDescription    string
	FilesModified      []string
}

// AgentStats is the aggregate over an agent's closed invocations.
// Status is "insufficient_data" when no closed invocations match, in
// which case every other field is zero.
type AgentStats struct {
	Status             string  `json:"status"`
	InvocationCount    int     `json:"invocation_count"`
	SuccessRate        float64 `json:"success_rate"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
	AvgQualityRating   float64 `json:"avg_quality_rating"`
	RatedCount         int     `json:"rated_count"`
}

// Trend compares an agent's recent success rate against its history.
// Direction is "improving", "stable", or "declining".
type Trend struct {
	Status                string  `json:"status"`
	Direction             string  `json:"direction,omitempty"`
	RecentSuccessRate     float64 `json:"recent_success_rate"`
	HistoricalSuccessRate float64 `json:"historical_success_rate"`
	Delta                 float64 `json:"delta"`
	RecentCount           int     `json:"recent_count"`
	HistoricalCount       int     `json:"historical_count"`
}

// WorkflowPattern is an ordered agent sequence observed across
// workflows, with how often it occurred.
type WorkflowPattern struct {
	Agents []string `json:"agents"`
	Count  int      `json:"count"`
}

// WorkflowReport is the aggregate view over workflows in a window.
type WorkflowReport struct {
	Status                  string            `json:"status"`
	Total                   int               `json:"total"`
	Completed               int               `json:"completed"`
	SuccessRate             float64           `json:"success_rate"`
	AvgDurationSeconds      float64           `json:"avg_duration_seconds"`
	AvgAgentsPerWorkflow    float64           `json:"avg_agents_per_workflow"`
	CommonPatterns          []WorkflowPattern `json:"common_patterns"`
	CoordinationOverheadPct float64           `json:"coordination_overhead_pct"`
	Recommendation          string            `json:"recommendation,omitempty"`
}

// Issue is an auto-detected quality finding.
type Issue struct {
	ID        uuid.UUID     `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	AgentName string        `json:"agent_name"`
	Category  string        `json:"category"`
	Reasoning string        `json:"reasoning"`
	Evidence  IssueEvidence `json:"evidence"`
}

// IssueEvidence carries the facts behind a false-completion finding.
type IssueEvidence struct {
	RepetitionCount int               `json:"repetition_count"`
	MatchedKeywords []string          `json:"matched_keywords"`
	TimeSpanHours   float64           `json:"time_span_hours"`
	Invocations     []IssueInvocation `json:"invocations"`
}

// IssueInvocation is one member of a flagged repetition cluster.
type IssueInvocation struct {
	InvocationID    uuid.UUID `json:"invocation_id"`
	OpenedAt        time.Time `json:"opened_at"`
	Outcome         Outcome   `json:"outcome_status"`
	TaskDescription string    `json:"task_description"`
}

// Variant is an alternate configuration of a specialist agent.
type Variant struct {
	AgentName   string         `json:"agent_name"`
	VariantID   string         `json:"variant_id"`
	Description string         `json:"description,omitempty"`
	Metrics     VariantMetrics `json:"metrics"`
}

// VariantMetrics is a running aggregate over the closed invocations
// attributed to a variant, agent-wide and per task type.
type VariantMetrics struct {
	InvocationCount int                       `json:"invocation_count"`
	SuccessCount    int                       `json:"success_count"`
	AvgDuration     float64                   `json:"avg_duration"`
	AvgQualityScore float64                   `json:"avg_quality_score"`
	AvgReward       float64                   `json:"avg_reward"`
	LastUpdated     time.Time                 `json:"last_updated"`
	ByTaskType      map[string]VariantMetrics `json:"by_task_type,omitempty"`
}

// Observation is the outcome of one closed invocation, folded into a
// variant's running metrics.
type Observation struct {
	Success         bool
	DurationSeconds float64
	QualityScore    float64
	Reward          float64
	TaskType        *string
}

// Classification is the scored task-type result for one description.
type Classification struct {
	TaskType   string             `json:"task_type"`
	Confidence float64            `json:"confidence"`
	AllScores  map[string]float64 `json:"all_scores"`
	Matched    []string           `json:"matched,omitempty"`
}

// TaskTypeRules describe what makes a task look like a custom label.
// PathPatterns are regular expressions matched against lowercased file
// paths.
type TaskTypeRules struct {
	Keywords     []string
	PathPatterns []string
	Technologies []string
}
