// Package project runs one orchestrator per tenant project and composes
// workflows that span several projects.
package project

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/orchestrator"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/store"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/workflow"
)

// Manager routes workflow operations to per-project orchestrators, creating
// them on first use. All orchestrators share the same registry, resource
// pool, monitor and store.
type Manager struct {
	deps   orchestrator.Deps
	cfg    orchestrator.Config
	logger *zap.Logger

	mu    sync.Mutex
	orchs map[string]*orchestrator.Orchestrator
}

// NewManager creates a manager.
func NewManager(deps orchestrator.Deps, cfg orchestrator.Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "project_manager")),
		orchs:  make(map[string]*orchestrator.Orchestrator),
	}
}

// Orchestrator returns the orchestrator of projectID, creating it if needed.
func (m *Manager) Orchestrator(projectID string) (*orchestrator.Orchestrator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orchs[projectID]; ok {
		return o, nil
	}
	o, err := orchestrator.New(projectID, m.deps, m.cfg, m.logger)
	if err != nil {
		return nil, err
	}
	m.orchs[projectID] = o
	m.logger.Info("project orchestrator created", zap.String("project", projectID))
	return o, nil
}

// Projects lists the projects with an orchestrator in this process.
func (m *Manager) Projects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.orchs))
	for id := range m.orchs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Submit starts a workflow in its project.
func (m *Manager) Submit(ctx context.Context, def workflow.Definition) (*workflow.Workflow, error) {
	o, err := m.Orchestrator(def.ProjectID)
	if err != nil {
		return nil, err
	}
	return o.Submit(ctx, def)
}

// owner resolves the orchestrator responsible for a workflow id.
func (m *Manager) owner(ctx context.Context, id string) (*orchestrator.Orchestrator, error) {
	w, err := m.deps.Store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.Orchestrator(w.ProjectID)
}

// Status reports a workflow of any project.
func (m *Manager) Status(ctx context.Context, id string) (*orchestrator.StatusReport, error) {
	o, err := m.owner(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.Status(ctx, id)
}

// Wait blocks until the workflow is terminal.
func (m *Manager) Wait(ctx context.Context, id string) (*workflow.Workflow, error) {
	o, err := m.owner(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.Wait(ctx, id)
}

// Pause pauses a workflow of any project.
func (m *Manager) Pause(ctx context.Context, id string) (workflow.Status, error) {
	o, err := m.owner(ctx, id)
	if err != nil {
		return "", err
	}
	return o.Pause(ctx, id)
}

// Resume resumes a workflow of any project.
func (m *Manager) Resume(ctx context.Context, id string) (workflow.Status, error) {
	o, err := m.owner(ctx, id)
	if err != nil {
		return "", err
	}
	return o.Resume(ctx, id)
}

// Cancel cancels a workflow of any project.
func (m *Manager) Cancel(ctx context.Context, id string) (workflow.Status, error) {
	o, err := m.owner(ctx, id)
	if err != nil {
		return "", err
	}
	return o.Cancel(ctx, id)
}

// List returns stored workflows matching f.
func (m *Manager) List(ctx context.Context, f store.Filter) ([]*workflow.Workflow, error) {
	return m.deps.Store.ListWorkflows(ctx, f)
}

// Recover resumes the unfinished workflows of every project found in the
// store and returns how many were resumed.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	active, err := m.deps.Store.ListWorkflows(ctx, store.Filter{Statuses: store.ActiveStatuses})
	if err != nil {
		return 0, fmt.Errorf("list active workflows: %w", err)
	}
	projects := map[string]bool{}
	for _, w := range active {
		projects[w.ProjectID] = true
	}

	total := 0
	for _, id := range sortedKeys(projects) {
		o, err := m.Orchestrator(id)
		if err != nil {
			return total, err
		}
		n, err := o.Recover(ctx)
		total += n
		if err != nil {
			return total, fmt.Errorf("recover project %s: %w", id, err)
		}
	}
	if total > 0 {
		m.logger.Info("workflows recovered", zap.Int("count", total), zap.Int("projects", len(projects)))
	}
	return total, nil
}

// Close stops every orchestrator.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	orchs := make([]*orchestrator.Orchestrator, 0, len(m.orchs))
	for _, o := range m.orchs {
		orchs = append(orchs, o)
	}
	m.mu.Unlock()

	var firstErr error
	for _, o := range orchs {
		if err := o.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
