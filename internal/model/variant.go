package model

import "time"

// AgentVariant is an alternate configuration of a specialist, tracked
// and scored independently from other variants of the same agent.
// Variants are created explicitly and never deleted, only superseded.
type AgentVariant struct {
	AgentName   string `json:"agent_name"`
	VariantID   string `json:"variant_id"`
	Description string `json:"description,omitempty"`

	Metrics PerformanceMetrics `json:"metrics"`
}

// PerformanceMetrics is a running aggregate over the closed
// invocations attributed to a variant. The same shape is kept
// agent-wide and per task type so the selector can do both lookups.
type PerformanceMetrics struct {
	InvocationCount int       `json:"invocation_count"`
	SuccessCount    int       `json:"success_count"`
	AvgDuration     float64   `json:"avg_duration"`
	AvgQualityScore float64   `json:"avg_quality_score"`
	AvgReward       float64   `json:"avg_reward"`
	LastUpdated     time.Time `json:"last_updated"`

	// ByTaskType holds the task-type-specific sub-blocks. Nested
	// blocks never populate ByTaskType themselves.
	ByTaskType map[string]*PerformanceMetrics `json:"by_task_type,omitempty"`
}

// Clone returns a deep copy with detached ByTaskType sub-blocks, so
// callers can hold the result while the original keeps being updated.
func (m PerformanceMetrics) Clone() PerformanceMetrics {
	out := m
	if m.ByTaskType != nil {
		out.ByTaskType = make(map[string]*PerformanceMetrics, len(m.ByTaskType))
		for k, sub := range m.ByTaskType {
			c := sub.Clone()
			out.ByTaskType[k] = &c
		}
	}
	return out
}

// Clone returns a deep copy of the variant.
func (v AgentVariant) Clone() AgentVariant {
	v.Metrics = v.Metrics.Clone()
	return v
}

// SuccessRate returns the fraction of recorded invocations that
// succeeded, or 0 when nothing has been recorded.
func (m PerformanceMetrics) SuccessRate() float64 {
	if m.InvocationCount == 0 {
		return 0
	}
	return float64(m.SuccessCount) / float64(m.InvocationCount)
}

// TaskType returns the sub-block for taskType, or nil when the variant
// has never handled that task type.
func (m PerformanceMetrics) TaskType(taskType string) *PerformanceMetrics {
	if m.ByTaskType == nil {
		return nil
	}
	return m.ByTaskType[taskType]
}
