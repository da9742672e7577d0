package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/store"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/workflow"
)

// Recover reloads the project's unfinished workflows from the store and
// restarts their loops. Tasks that were running when the previous process
// stopped are dispatched again; paused workflows stay paused until resumed.
// It returns the number of workflows resumed.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	wfs, err := o.deps.Store.ListWorkflows(ctx, store.Filter{
		ProjectID: o.projectID,
		Statuses:  store.ActiveStatuses,
	})
	if err != nil {
		return 0, fmt.Errorf("list active workflows: %w", err)
	}

	n := 0
	for _, w := range wfs {
		if _, ok := o.lookup(w.ID); ok {
			continue
		}
		graph, err := workflow.NewGraph(w.Tasks)
		if err != nil {
			o.logger.Error("skipping unrecoverable workflow", zap.String("workflow", w.ID), zap.Error(err))
			continue
		}

		reset := 0
		for _, t := range w.Tasks {
			switch t.Status {
			case workflow.TaskRunning:
				t.Status = workflow.TaskPending
				t.NotBefore = time.Time{}
				reset++
			case workflow.TaskReady:
				t.Status = workflow.TaskPending
			}
		}

		r := newRun(o, w, graph)
		r.mu.Lock()
		if w.Status == workflow.StatusPending {
			now := o.now()
			if err := w.Transition(workflow.StatusRunning); err == nil {
				w.StartedAt = &now
			}
		}
		r.persistLocked()
		r.publishLocked(r.workflowEvent())
		r.mu.Unlock()

		o.logger.Info("workflow recovered",
			zap.String("workflow", w.ID),
			zap.String("status", string(w.Status)),
			zap.Int("redispatched", reset))
		o.start(r)
		n++
	}
	return n, nil
}
