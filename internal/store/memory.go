package store

import (
	"context"
	"sort"
	"sync"

	"github.com/ashita-ai/mekiki/internal/model"
)

// Memory is an in-process Store for tests and embedded use.
// All methods are safe for concurrent use; variant records cross the
// boundary as deep copies so callers never alias stored state.
type Memory struct {
	mu          sync.RWMutex
	invocations []InvocationEvent
	workflows   []WorkflowEvent
	issues      []model.Issue
	variants    map[variantKey]model.AgentVariant
}

type variantKey struct {
	agentName string
	variantID string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{variants: make(map[variantKey]model.AgentVariant)}
}

// AppendInvocationEvent appends to the invocation stream.
func (m *Memory) AppendInvocationEvent(_ context.Context, ev InvocationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invocations = append(m.invocations, ev)
	return nil
}

// ScanInvocationEvents returns the invocation stream in append order.
func (m *Memory) ScanInvocationEvents(_ context.Context) ([]InvocationEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]InvocationEvent(nil), m.invocations...), nil
}

// AppendWorkflowEvent appends to the workflow stream.
func (m *Memory) AppendWorkflowEvent(_ context.Context, ev WorkflowEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows = append(m.workflows, ev)
	return nil
}

// ScanWorkflowEvents returns the workflow stream in append order.
func (m *Memory) ScanWorkflowEvents(_ context.Context) ([]WorkflowEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]WorkflowEvent(nil), m.workflows...), nil
}

// AppendIssue appends to the issue stream.
func (m *Memory) AppendIssue(_ context.Context, issue model.Issue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issues = append(m.issues, issue)
	return nil
}

// ScanIssues returns the issue stream in append order.
func (m *Memory) ScanIssues(_ context.Context) ([]model.Issue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.Issue(nil), m.issues...), nil
}

// GetVariant returns the stored variant or ErrNotFound.
func (m *Memory) GetVariant(_ context.Context, agentName, variantID string) (model.AgentVariant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.variants[variantKey{agentName, variantID}]
	if !ok {
		return model.AgentVariant{}, ErrNotFound
	}
	return v.Clone(), nil
}

// UpsertVariant stores the variant, last writer wins.
func (m *Memory) UpsertVariant(_ context.Context, v model.AgentVariant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.variants[variantKey{v.AgentName, v.VariantID}] = v.Clone()
	return nil
}

// ListVariants returns all variants for an agent, sorted by variant id.
func (m *Memory) ListVariants(_ context.Context, agentName string) ([]model.AgentVariant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.AgentVariant
	for k, v := range m.variants {
		if k.agentName == agentName {
			out = append(out, v.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VariantID < out[j].VariantID })
	return out, nil
}
