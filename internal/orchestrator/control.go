package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/failure"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/workflow"
)

// Pause stops new dispatch for a running workflow. In-flight tasks finish
// and their results are recorded. Pausing a paused workflow is a no-op.
func (o *Orchestrator) Pause(ctx context.Context, id string) (workflow.Status, error) {
	return o.control(ctx, id, workflow.StatusPaused)
}

// Resume restarts dispatch for a paused workflow. Resuming a running
// workflow is a no-op.
func (o *Orchestrator) Resume(ctx context.Context, id string) (workflow.Status, error) {
	return o.control(ctx, id, workflow.StatusRunning)
}

// Cancel stops new dispatch, skips every task that has not started and lets
// in-flight tasks run to completion. Cancelling twice is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (workflow.Status, error) {
	return o.control(ctx, id, workflow.StatusCancelled)
}

func (o *Orchestrator) control(ctx context.Context, id string, to workflow.Status) (workflow.Status, error) {
	r, ok := o.lookup(id)
	if !ok {
		w, err := o.Get(ctx, id)
		if err != nil {
			return "", err
		}
		if w.Status == to {
			return w.Status, nil
		}
		return w.Status, failure.Newf(failure.CodeInvalidTransition,
			"workflow %s is %s and not scheduled in this process", id, w.Status)
	}
	status, err := r.control(to)
	if err == nil {
		o.logger.Info("workflow control",
			zap.String("workflow", id),
			zap.String("requested", string(to)),
			zap.String("status", string(status)))
	}
	return status, err
}

func (r *run) control(to workflow.Status) (workflow.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.wf
	if w.Status == to {
		return w.Status, nil
	}
	now := r.o.now()
	if to == workflow.StatusCancelled {
		w.MarkResumed(now)
		if err := r.finishLocked(workflow.StatusCancelled, "cancelled by request", now); err != nil {
			return w.Status, err
		}
	} else {
		if err := w.Transition(to); err != nil {
			return w.Status, err
		}
		if to == workflow.StatusPaused {
			w.MarkPaused(now)
		} else {
			w.MarkResumed(now)
		}
		r.persistLocked()
		r.publishLocked(r.workflowEvent())
		r.o.deps.Metrics.RecordWorkflowTransition(w.ProjectID, string(to))
	}
	r.signal()
	return w.Status, nil
}
