package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/agent"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/failure"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/metrics"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/performance"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/resource"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/store"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/workflow"
)

// Deps are the shared components an Orchestrator schedules against.
// Bus and Metrics are optional.
type Deps struct {
	Registry  *agent.Registry
	Resources *resource.Manager
	Monitor   *performance.Monitor
	Handler   *failure.Handler
	Executor  agent.Executor
	Store     store.Store
	Bus       Publisher
	Metrics   *metrics.Collector
}

func (d Deps) validate() error {
	switch {
	case d.Registry == nil:
		return errors.New("orchestrator: registry is required")
	case d.Resources == nil:
		return errors.New("orchestrator: resource manager is required")
	case d.Monitor == nil:
		return errors.New("orchestrator: performance monitor is required")
	case d.Handler == nil:
		return errors.New("orchestrator: error handler is required")
	case d.Executor == nil:
		return errors.New("orchestrator: executor is required")
	case d.Store == nil:
		return errors.New("orchestrator: store is required")
	}
	return nil
}

// Orchestrator owns the workflows of one project. Each active workflow has
// its own dispatch loop goroutine.
type Orchestrator struct {
	projectID string
	deps      Deps
	cfg       Config
	logger    *zap.Logger

	mu   sync.Mutex
	runs map[string]*run

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// New creates the orchestrator for projectID.
func New(projectID string, deps Deps, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if projectID == "" {
		return nil, failure.New(failure.CodeValidation, "project id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Validate()
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		projectID: projectID,
		deps:      deps,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "orchestrator"), zap.String("project", projectID)),
		runs:      make(map[string]*run),
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
	}, nil
}

// ProjectID returns the project this orchestrator serves.
func (o *Orchestrator) ProjectID() string { return o.projectID }

// Submit validates def, persists the workflow and starts its dispatch loop.
// A validation error has no side effects.
func (o *Orchestrator) Submit(ctx context.Context, def workflow.Definition) (*workflow.Workflow, error) {
	if def.ProjectID == "" {
		def.ProjectID = o.projectID
	}
	if def.ProjectID != o.projectID {
		return nil, failure.Newf(failure.CodeValidation, "workflow for project %q submitted to project %q", def.ProjectID, o.projectID)
	}
	now := o.now()
	w, err := def.Build(now)
	if err != nil {
		return nil, err
	}
	graph, err := workflow.NewGraph(w.Tasks)
	if err != nil {
		return nil, err
	}
	if err := o.deps.Store.SaveWorkflow(ctx, w); err != nil {
		return nil, err
	}

	r := newRun(o, w, graph)
	r.mu.Lock()
	if err := w.Transition(workflow.StatusRunning); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	w.StartedAt = &now
	r.persistLocked()
	r.publishLocked(r.workflowEvent())
	o.deps.Metrics.RecordWorkflowTransition(o.projectID, string(workflow.StatusRunning))
	snapshot := w.Clone()
	r.mu.Unlock()

	o.logger.Info("workflow submitted",
		zap.String("workflow", w.ID),
		zap.String("type", w.Type),
		zap.Int("tasks", len(w.Tasks)),
		zap.Bool("parallel", w.ParallelExecution))

	o.start(r)
	return snapshot, nil
}

func (o *Orchestrator) start(r *run) {
	o.mu.Lock()
	o.runs[r.wf.ID] = r
	o.mu.Unlock()

	o.deps.Metrics.AddActiveWorkflows(o.projectID, 1)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.deps.Metrics.AddActiveWorkflows(o.projectID, -1)
		r.loop()
		if r.finished() {
			o.mu.Lock()
			delete(o.runs, r.wf.ID)
			o.mu.Unlock()
		}
	}()
}

func (o *Orchestrator) lookup(id string) (*run, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[id]
	return r, ok
}

// Get returns a snapshot of the workflow, live if it is loaded and from
// the store otherwise.
func (o *Orchestrator) Get(ctx context.Context, id string) (*workflow.Workflow, error) {
	if r, ok := o.lookup(id); ok {
		return r.snapshot(), nil
	}
	w, err := o.deps.Store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.ProjectID != o.projectID {
		return nil, failure.Newf(failure.CodeNotFound, "workflow %s not found", id)
	}
	return w, nil
}

// Status reports the state, progress and (once completed) results of a workflow.
func (o *Orchestrator) Status(ctx context.Context, id string) (*StatusReport, error) {
	w, err := o.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return Report(w), nil
}

// Wait blocks until the workflow is terminal and its in-flight tasks have
// settled, then returns its final snapshot.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*workflow.Workflow, error) {
	r, ok := o.lookup(id)
	if !ok {
		w, err := o.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !w.Status.Terminal() {
			return nil, failure.Newf(failure.CodeInvalidTransition, "workflow %s is %s and not scheduled", id, w.Status)
		}
		return w, nil
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Active returns the ids of workflows with a running dispatch loop.
func (o *Orchestrator) Active() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.runs))
	for id := range o.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close stops every dispatch loop without changing persisted state, so a
// later Recover resumes where this process left off.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newEventID() string { return uuid.New().String() }
