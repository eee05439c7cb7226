// Package model defines the core domain types for Mekiki.
//
// All types correspond directly to the persisted record streams
// (invocations, workflows, issues) and the variant store. Types use
// strong typing (UUIDs, time.Time, enums) and avoid interface{}
// wherever possible. Records in a stream are append-only: an
// invocation is represented by an "opened" record and, once finished,
// a "closed" record; scans fold the two together.
package model

import (
	"time"

	"github.com/google/uuid"
)

// OutcomeStatus is the terminal result of a closed invocation.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailure OutcomeStatus = "failure"
	OutcomePartial OutcomeStatus = "partial"
)

// Valid reports whether s is one of the known outcome statuses.
func (s OutcomeStatus) Valid() bool {
	switch s {
	case OutcomeSuccess, OutcomeFailure, OutcomePartial:
		return true
	}
	return false
}

// Invocation is one execution of a specialist against one task.
// Source of truth for all statistics. Never mutated or deleted;
// the only post-close addition is a quality rating annotation.
type Invocation struct {
	ID                 uuid.UUID      `json:"id"`
	AgentName          string         `json:"agent_name"`
	VariantID          *string        `json:"variant_id,omitempty"`
	TaskType           *string        `json:"task_type,omitempty"`
	WorkflowID         *string        `json:"workflow_id,omitempty"`
	ParentInvocationID *uuid.UUID     `json:"parent_invocation_id,omitempty"`
	TaskDescription    string         `json:"task_description"`
	OpenedAt           time.Time      `json:"opened_at"`
	DurationSeconds    *float64       `json:"duration_seconds,omitempty"`
	Outcome            *OutcomeStatus `json:"outcome_status,omitempty"`
	QualityRating      *int           `json:"quality_rating,omitempty"`
	FilesModified      []string       `json:"files_modified,omitempty"`
}

// Closed reports whether the invocation has a recorded outcome.
// Open invocations are excluded from every aggregate statistic.
func (inv Invocation) Closed() bool {
	return inv.Outcome != nil && inv.DurationSeconds != nil
}
