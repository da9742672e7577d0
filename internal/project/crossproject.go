package project

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/failure"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/workflow"
)

// Strategy is how the sub-workflows of a cross-project run are scheduled.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
)

// Aggregate statuses of a cross-project run.
const (
	OverallCompleted = "completed"
	OverallPartial   = "partial"
	OverallFailed    = "failed"
)

// Sub-result statuses besides the workflow's own terminal status.
const (
	SubSkipped = "skipped"
	SubError   = "error"
)

// SubWorkflow is one project's part of a cross-project run. A failed
// blocking sub-workflow stops later ones under the sequential strategy.
type SubWorkflow struct {
	workflow.Definition
	Blocking bool `json:"blocking,omitempty"`
}

// CrossProjectSpec describes a cross-project run.
type CrossProjectSpec struct {
	Strategy  Strategy      `json:"strategy"`
	Workflows []SubWorkflow `json:"workflows"`
}

// SubResult is the outcome of one sub-workflow.
type SubResult struct {
	Key        string                     `json:"key"`
	ProjectID  string                     `json:"project_id"`
	CrewName   string                     `json:"crew_name"`
	WorkflowID string                     `json:"workflow_id,omitempty"`
	Status     string                     `json:"status"`
	Reason     string                     `json:"reason,omitempty"`
	Error      string                     `json:"error,omitempty"`
	Results    map[string]workflow.Result `json:"results,omitempty"`
}

// Succeeded reports whether the sub-workflow completed.
func (r SubResult) Succeeded() bool { return r.Status == string(workflow.StatusCompleted) }

// CrossProjectResult aggregates every sub-result, keyed {projectId}_{crewName}.
type CrossProjectResult struct {
	ID          string               `json:"id"`
	Strategy    Strategy             `json:"strategy"`
	Status      string               `json:"status"`
	Results     map[string]SubResult `json:"results"`
	Order       []string             `json:"order"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt time.Time            `json:"completed_at"`
}

// Key returns the aggregate key of a sub-workflow.
func Key(projectID, crewName string) string { return projectID + "_" + crewName }

func (s CrossProjectSpec) validate() error {
	switch s.Strategy {
	case StrategySequential, StrategyParallel:
	default:
		return failure.Newf(failure.CodeValidation, "unknown strategy %q", s.Strategy)
	}
	if len(s.Workflows) == 0 {
		return failure.New(failure.CodeValidation, "cross-project workflow has no sub-workflows")
	}
	seen := map[string]bool{}
	for _, sw := range s.Workflows {
		if sw.ProjectID == "" {
			return failure.New(failure.CodeValidation, "sub-workflow without project_id")
		}
		k := Key(sw.ProjectID, sw.CrewName)
		if seen[k] {
			return failure.Newf(failure.CodeValidation, "duplicate sub-workflow %q", k)
		}
		seen[k] = true
	}
	return nil
}

// ExecuteCrossProjectWorkflow runs the sub-workflows and waits for all of
// them. One project's failure never hides another project's result: every
// sub-workflow has an entry in the aggregate.
func (m *Manager) ExecuteCrossProjectWorkflow(ctx context.Context, spec CrossProjectSpec) (*CrossProjectResult, error) {
	if spec.Strategy == "" {
		spec.Strategy = StrategySequential
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}

	res := &CrossProjectResult{
		ID:        uuid.New().String(),
		Strategy:  spec.Strategy,
		Results:   make(map[string]SubResult, len(spec.Workflows)),
		StartedAt: time.Now(),
	}
	for _, sw := range spec.Workflows {
		res.Order = append(res.Order, Key(sw.ProjectID, sw.CrewName))
	}
	logger := m.logger.With(zap.String("cross_project", res.ID), zap.String("strategy", string(spec.Strategy)))
	logger.Info("cross-project workflow started", zap.Int("projects", len(spec.Workflows)))

	switch spec.Strategy {
	case StrategySequential:
		blocked := ""
		for _, sw := range spec.Workflows {
			key := Key(sw.ProjectID, sw.CrewName)
			if blocked != "" {
				res.Results[key] = SubResult{
					Key:       key,
					ProjectID: sw.ProjectID,
					CrewName:  sw.CrewName,
					Status:    SubSkipped,
					Reason:    "blocked by failed sub-workflow " + blocked,
				}
				continue
			}
			sr := m.runSub(ctx, sw)
			res.Results[key] = sr
			if sw.Blocking && !sr.Succeeded() {
				blocked = key
			}
		}
	case StrategyParallel:
		var (
			g  errgroup.Group
			mu sync.Mutex
		)
		for _, sw := range spec.Workflows {
			g.Go(func() error {
				sr := m.runSub(ctx, sw)
				mu.Lock()
				res.Results[sr.Key] = sr
				mu.Unlock()
				return nil
			})
		}
		g.Wait()
	}

	succeeded := 0
	for _, sr := range res.Results {
		if sr.Succeeded() {
			succeeded++
		}
	}
	switch {
	case succeeded == len(res.Results):
		res.Status = OverallCompleted
	case succeeded == 0:
		res.Status = OverallFailed
	default:
		res.Status = OverallPartial
	}
	res.CompletedAt = time.Now()

	logger.Info("cross-project workflow finished",
		zap.String("status", res.Status),
		zap.Int("succeeded", succeeded),
		zap.Int("total", len(res.Results)))
	return res, nil
}

// runSub submits one sub-workflow and waits for it. Submission and wait
// errors are reported in the sub-result rather than returned.
func (m *Manager) runSub(ctx context.Context, sw SubWorkflow) SubResult {
	sr := SubResult{
		Key:       Key(sw.ProjectID, sw.CrewName),
		ProjectID: sw.ProjectID,
		CrewName:  sw.CrewName,
	}
	o, err := m.Orchestrator(sw.ProjectID)
	if err != nil {
		sr.Status, sr.Error = SubError, err.Error()
		return sr
	}
	w, err := o.Submit(ctx, sw.Definition)
	if err != nil {
		sr.Status, sr.Error = SubError, err.Error()
		return sr
	}
	sr.WorkflowID = w.ID

	final, err := o.Wait(ctx, w.ID)
	if err != nil {
		sr.Status, sr.Error = SubError, err.Error()
		return sr
	}
	sr.Status = string(final.Status)
	sr.Reason = final.Reason
	sr.Results = final.Results
	if final.Status != workflow.StatusCompleted {
		sr.Error = final.Reason
	}
	return sr
}
