package model

import (
	"time"

	"github.com/google/uuid"
)

// CategoryQualityIssue is the category assigned to auto-detected issues.
const CategoryQualityIssue = "quality_issue"

// Issue is an auto-detected quality finding, appended to its own
// stream. Issues never mutate the invocations that produced them.
type Issue struct {
	ID        uuid.UUID     `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	AgentName string        `json:"agent_name"`
	Category  string        `json:"category"`
	Reasoning string        `json:"reasoning"`
	Evidence  IssueEvidence `json:"evidence"`
}

// IssueEvidence carries the facts behind a false-completion finding so
// a reviewer can audit the detection without re-running it.
type IssueEvidence struct {
	RepetitionCount int               `json:"repetition_count"`
	MatchedKeywords []string          `json:"matched_keywords"`
	TimeSpanHours   float64           `json:"time_span_hours"`
	Invocations     []IssueInvocation `json:"invocations"`
}

// IssueInvocation is the per-member slice of evidence: when the
// colliding invocation ran, what it reported, and what it was asked.
type IssueInvocation struct {
	InvocationID    uuid.UUID     `json:"invocation_id"`
	OpenedAt        time.Time     `json:"opened_at"`
	Outcome         OutcomeStatus `json:"outcome_status"`
	TaskDescription string        `json:"task_description"`
}
