package store

import (
	"context"
	"sort"
	"sync"

	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/agent"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/failure"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/workflow"
)

// Memory is an in-process Store. It keeps deep copies so callers can keep
// mutating what they saved.
type Memory struct {
	mu        sync.RWMutex
	workflows map[string]*workflow.Workflow
	agents    map[string]*agent.Agent
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		workflows: make(map[string]*workflow.Workflow),
		agents:    make(map[string]*agent.Agent),
	}
}

func (m *Memory) SaveWorkflow(_ context.Context, w *workflow.Workflow) error {
	c := w.Clone()
	m.mu.Lock()
	m.workflows[w.ID] = c
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetWorkflow(_ context.Context, id string) (*workflow.Workflow, error) {
	m.mu.RLock()
	w, ok := m.workflows[id]
	m.mu.RUnlock()
	if !ok {
		return nil, failure.Newf(failure.CodeNotFound, "workflow %s not found", id)
	}
	return w.Clone(), nil
}

func (m *Memory) ListWorkflows(_ context.Context, f Filter) ([]*workflow.Workflow, error) {
	m.mu.RLock()
	var out []*workflow.Workflow
	for _, w := range m.workflows {
		if f.matches(w) {
			out = append(out, w.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) SaveAgent(_ context.Context, a *agent.Agent) error {
	c := *a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	c.Delegates = append([]string(nil), a.Delegates...)
	c.Subordinates = nil
	m.mu.Lock()
	m.agents[a.ID] = &c
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListAgents(_ context.Context) ([]*agent.Agent, error) {
	m.mu.RLock()
	out := make([]*agent.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		c := *a
		out = append(out, &c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) Close() error { return nil }
