package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/agent"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/failure"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/resource"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/telemetry"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/workflow"
)

// outcome is what an execution goroutine reports back to its loop.
type outcome struct {
	taskID  string
	agentID string
	output  json.RawMessage
	err     error
	latency time.Duration
}

// run is the scheduling state of one workflow. The loop goroutine and the
// control methods share wf under mu; executions only touch results.
type run struct {
	o     *Orchestrator
	mu    sync.Mutex
	wf    *workflow.Workflow
	graph *workflow.Graph

	inflight map[string]context.CancelFunc
	results  chan outcome
	wake     chan struct{}
	done     chan struct{}

	logger *zap.Logger
}

func newRun(o *Orchestrator, w *workflow.Workflow, g *workflow.Graph) *run {
	if w.Results == nil {
		w.Results = make(map[string]workflow.Result)
	}
	return &run{
		o:        o,
		wf:       w,
		graph:    g,
		inflight: make(map[string]context.CancelFunc),
		results:  make(chan outcome, len(w.Tasks)),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		logger:   o.logger.With(zap.String("workflow", w.ID)),
	}
}

func (r *run) snapshot() *workflow.Workflow {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wf.Clone()
}

// finished reports whether the workflow is terminal with nothing in flight.
func (r *run) finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wf.Status.Terminal() && len(r.inflight) == 0
}

func (r *run) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// loop is the cooperative dispatch loop. It suspends on task completions,
// control signals and the tick used to retry admission and backoff delays.
func (r *run) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.o.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if r.o.ctx.Err() != nil {
			return
		}
		if r.step() {
			return
		}
		select {
		case out := <-r.results:
			r.apply(out)
		case <-r.wake:
		case <-ticker.C:
		case <-r.o.ctx.Done():
			r.logger.Debug("dispatch loop stopped")
			return
		}
	}
}

// step runs one scheduling pass and reports whether the loop can exit.
func (r *run) step() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.wf
	now := r.o.now()
	if w.Status == workflow.StatusRunning && r.timedOut(now) {
		r.timeoutLocked(now)
	}
	if w.Status == workflow.StatusRunning {
		r.skipBlockedLocked(now)
		r.dispatchLocked(now)
		r.maybeCompleteLocked(now)
	}
	return w.Status.Terminal() && len(r.inflight) == 0
}

func (r *run) timedOut(now time.Time) bool {
	w := r.wf
	return w.Timeout > 0 && w.StartedAt != nil && w.ActiveFor(now) > w.Timeout
}

// timeoutLocked fails the workflow, cancels in-flight executions and forgets
// them so their late results are discarded.
func (r *run) timeoutLocked(now time.Time) {
	w := r.wf
	for id, cancel := range r.inflight {
		cancel()
		delete(r.inflight, id)
		if t, ok := w.Task(id); ok {
			t.Status = workflow.TaskCancelled
			t.CompletedAt = &now
			t.Error = &workflow.TaskError{
				Code:    failure.CodeWorkflowTimeout,
				Message: "cancelled by workflow timeout",
			}
		}
	}
	reason := fmt.Sprintf("%s: exceeded %s", failure.CodeWorkflowTimeout, w.Timeout)
	r.finishLocked(workflow.StatusFailed, reason, now)
}

// skipBlockedLocked cancels tasks that can never run because a dependency
// failed or was skipped.
func (r *run) skipBlockedLocked(now time.Time) {
	changed := false
	for _, t := range r.wf.Tasks {
		if (t.Status == workflow.TaskPending || t.Status == workflow.TaskReady) && r.graph.Blocked(t.ID) {
			r.skipLocked(t, "dependency did not complete", now)
			changed = true
		}
	}
	if changed {
		r.persistLocked()
	}
}

func (r *run) skipLocked(t *workflow.Task, why string, now time.Time) {
	t.Status = workflow.TaskCancelled
	t.CompletedAt = &now
	t.Error = &workflow.TaskError{Code: failure.CodeTaskExecution, Message: "skipped: " + why}
	r.publishLocked(r.taskEvent(t, ""))
}

func (r *run) dispatchLocked(now time.Time) {
	w := r.wf
	if promoted := r.graph.Promote(); len(promoted) > 0 {
		for _, t := range promoted {
			r.publishLocked(r.taskEvent(t, ""))
		}
		r.persistLocked()
	}

	for _, t := range r.graph.Ready() {
		if !w.ParallelExecution && len(r.inflight) > 0 {
			return
		}
		if t.NotBefore.After(now) {
			if !w.ParallelExecution {
				return
			}
			continue
		}

		a, err := r.pickAgent(t)
		if err != nil {
			r.failTaskLocked(t, "", err, now)
			if w.Status != workflow.StatusRunning {
				return
			}
			continue
		}

		h, err := r.o.deps.Resources.Admit(resource.Request{
			ProjectID: w.ProjectID,
			TaskID:    w.ID + "/" + t.ID,
			Slots:     r.o.cfg.TaskSlots,
		})
		r.o.deps.Metrics.RecordAdmission(w.ProjectID, err == nil)
		if err != nil {
			// The task stays ready; the next tick asks again.
			t.Requeues++
			r.logger.Debug("admission denied", zap.String("task", t.ID), zap.Error(err))
			return
		}

		r.launchLocked(t, a, h, now)
		if !w.ParallelExecution {
			return
		}
	}
}

// pickAgent honours an escalation pin before falling back to matching.
func (r *run) pickAgent(t *workflow.Task) (*agent.Agent, error) {
	reg := r.o.deps.Registry
	if t.PinnedAgent != "" {
		if a, ok := reg.Get(t.PinnedAgent); ok {
			return a, nil
		}
		t.PinnedAgent = ""
	}
	return reg.FindBestCandidate(t.Type, t.RequiredTags)
}

func (r *run) launchLocked(t *workflow.Task, a *agent.Agent, h *resource.Handle, now time.Time) {
	w := r.wf
	if err := t.SetStatus(workflow.TaskRunning); err != nil {
		h.Release()
		r.logger.Error("dispatch rejected", zap.String("task", t.ID), zap.Error(err))
		return
	}
	t.AgentID = a.ID
	t.Attempts++
	t.StartedAt = &now
	t.CompletedAt = nil

	ctx, cancel := context.WithTimeout(r.o.ctx, r.o.cfg.TaskTimeout)
	r.inflight[t.ID] = cancel
	r.o.deps.Registry.AcquireLoad(a.ID)

	req := &agent.TaskRequest{
		WorkflowID:     w.ID,
		ProjectID:      w.ProjectID,
		TaskID:         t.ID,
		Type:           t.Type,
		Description:    t.Description,
		ExpectedOutput: t.ExpectedOutput,
		Tags:           append([]string(nil), t.RequiredTags...),
		Inputs:         w.Inputs,
		Attempt:        t.Attempts,
	}

	r.persistLocked()
	r.publishLocked(r.taskEvent(t, ""))
	r.logger.Info("task dispatched",
		zap.String("task", t.ID),
		zap.String("agent", a.ID),
		zap.Int("attempt", t.Attempts))

	go r.execute(ctx, cancel, a, req, h)
}

// execute runs one attempt outside the lock and reports the outcome.
func (r *run) execute(ctx context.Context, cancel context.CancelFunc, a *agent.Agent, req *agent.TaskRequest, h *resource.Handle) {
	defer cancel()

	ctx, span := telemetry.Tracer().Start(ctx, "task.execute", trace.WithAttributes(
		attribute.String("project.id", req.ProjectID),
		attribute.String("workflow.id", req.WorkflowID),
		attribute.String("task.id", req.TaskID),
		attribute.String("task.type", req.Type),
		attribute.String("agent.id", a.ID),
		attribute.Int("task.attempt", req.Attempt),
	))

	start := time.Now()
	out, err := r.invoke(ctx, a, req)
	latency := time.Since(start)

	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = failure.Transient(fmt.Errorf("task timed out after %s: %w", r.o.cfg.TaskTimeout, err))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	h.Release()
	r.o.deps.Registry.ReleaseLoad(a.ID)

	// Executions aborted by shutdown say nothing about the agent.
	if r.o.ctx.Err() == nil {
		r.o.deps.Monitor.Collect(a.ID, latency, err == nil)
		label := "success"
		if err != nil {
			label = "failure"
		}
		r.o.deps.Metrics.RecordTaskExecution(req.ProjectID, a.ID, label, latency)
	}

	r.results <- outcome{taskID: req.TaskID, agentID: a.ID, output: out, err: err, latency: latency}
}

func (r *run) invoke(ctx context.Context, a *agent.Agent, req *agent.TaskRequest) (out json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = failure.Permanent(fmt.Errorf("executor panic: %v", p))
		}
	}()
	return r.o.deps.Executor.Execute(ctx, a, req)
}

// apply folds an execution outcome into the workflow.
func (r *run) apply(out outcome) {
	// Outcomes racing a shutdown are left for Recover to redo.
	if r.o.ctx.Err() != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if cancel, ok := r.inflight[out.taskID]; ok {
		cancel()
		delete(r.inflight, out.taskID)
	}
	t, ok := r.wf.Task(out.taskID)
	if !ok || t.Status != workflow.TaskRunning {
		r.logger.Debug("discarding late result", zap.String("task", out.taskID))
		return
	}

	now := r.o.now()
	if out.err == nil {
		r.completeTaskLocked(t, out, now)
		return
	}
	r.recoverLocked(t, out, now)
}

func (r *run) completeTaskLocked(t *workflow.Task, out outcome, now time.Time) {
	t.Status = workflow.TaskCompleted
	t.Output = out.output
	t.Error = nil
	t.NotBefore = time.Time{}
	t.CompletedAt = &now
	r.wf.Results[t.ID] = workflow.Result{
		TaskID:  t.ID,
		AgentID: out.agentID,
		Status:  workflow.TaskCompleted,
		Output:  out.output,
	}
	r.persistLocked()
	r.publishLocked(r.taskEvent(t, ""))
	r.logger.Info("task completed",
		zap.String("task", t.ID),
		zap.String("agent", out.agentID),
		zap.Duration("latency", out.latency))
}

// recoverLocked applies the error handler's decision to a failed attempt.
// Once the workflow is terminal no recovery is attempted.
func (r *run) recoverLocked(t *workflow.Task, out outcome, now time.Time) {
	if r.wf.Status.Terminal() {
		r.failTaskLocked(t, out.agentID, out.err, now)
		return
	}

	h := r.o.deps.Handler
	d := h.Decide(out.err, t.Retries, t.Escalations)
	r.o.deps.Metrics.RecordRecoveryAction(string(d.Action), string(d.Kind))
	t.Error = taskError(out.err, d.Kind)

	switch d.Action {
	case failure.ActionRetry:
		t.Retries++
		t.Status = workflow.TaskPending
		t.NotBefore = now.Add(d.Delay)
	case failure.ActionRequeue:
		t.Attempts--
		t.Requeues++
		t.Status = workflow.TaskPending
		t.NotBefore = now.Add(d.Delay)
	case failure.ActionEscalate:
		next, err := r.o.deps.Registry.Escalate(out.agentID, t.Type, t.RequiredTags)
		if err != nil {
			r.failTaskLocked(t, out.agentID, err, now)
			return
		}
		t.PinnedAgent = next.ID
		t.Escalations++
		t.Attempts = 0
		t.Status = workflow.TaskPending
		t.NotBefore = time.Time{}
	default:
		r.failTaskLocked(t, out.agentID, out.err, now)
		return
	}

	r.persistLocked()
	r.publishLocked(r.taskEvent(t, string(d.Action)))
	r.logger.Warn("task attempt failed",
		zap.String("task", t.ID),
		zap.String("agent", out.agentID),
		zap.String("kind", string(d.Kind)),
		zap.String("action", string(d.Action)),
		zap.Duration("delay", d.Delay),
		zap.Error(out.err))
}

// failTaskLocked marks t failed and applies the workflow's failure policy.
func (r *run) failTaskLocked(t *workflow.Task, agentID string, err error, now time.Time) {
	w := r.wf
	te := taskError(err, r.o.deps.Handler.Classify(err))
	t.Status = workflow.TaskFailed
	t.Error = te
	t.CompletedAt = &now
	w.Results[t.ID] = workflow.Result{
		TaskID:  t.ID,
		AgentID: agentID,
		Status:  workflow.TaskFailed,
		Error:   te,
	}
	r.persistLocked()
	r.publishLocked(r.taskEvent(t, string(failure.ActionFail)))
	r.logger.Warn("task failed",
		zap.String("task", t.ID),
		zap.String("code", string(te.Code)),
		zap.String("error", te.Message))

	if w.Status.Terminal() {
		return
	}
	if w.FailurePolicy == workflow.PolicyBestEffort {
		for _, d := range r.graph.Descendants(t.ID) {
			if d.Status == workflow.TaskPending || d.Status == workflow.TaskReady {
				r.skipLocked(d, "depends on failed task "+t.ID, now)
			}
		}
		r.persistLocked()
		return
	}
	reason := fmt.Sprintf("%s: task %s: %s", te.Code, t.ID, te.Message)
	r.finishLocked(workflow.StatusFailed, reason, now)
}

// maybeCompleteLocked completes the workflow once every task is terminal.
// Failures tolerated by best-effort mode are reported in the reason.
func (r *run) maybeCompleteLocked(now time.Time) {
	for _, t := range r.wf.Tasks {
		if !t.Terminal() {
			return
		}
	}
	reason := ""
	if p := r.wf.Progress(); p.Failed > 0 || p.Skipped > 0 {
		reason = fmt.Sprintf("partial: %d task(s) failed, %d skipped", p.Failed, p.Skipped)
	}
	r.finishLocked(workflow.StatusCompleted, reason, now)
}

// finishLocked moves the workflow to a terminal state and cancels every task
// that has not started. In-flight tasks are left to finish.
func (r *run) finishLocked(to workflow.Status, reason string, now time.Time) error {
	w := r.wf
	if err := w.Transition(to); err != nil {
		return err
	}
	w.Reason = reason
	w.CompletedAt = &now
	for _, t := range w.Tasks {
		if t.Status == workflow.TaskPending || t.Status == workflow.TaskReady {
			r.skipLocked(t, "workflow "+string(to), now)
		}
	}
	r.persistLocked()
	r.publishLocked(r.workflowEvent())
	r.o.deps.Metrics.RecordWorkflowTransition(w.ProjectID, string(to))

	p := w.Progress()
	r.logger.Info("workflow finished",
		zap.String("status", string(to)),
		zap.String("reason", reason),
		zap.Int("completed", p.Completed),
		zap.Int("failed", p.Failed),
		zap.Int("skipped", p.Skipped))
	return nil
}

// persistLocked writes the workflow after a transition. A failed write is
// logged; the next transition writes the full state again.
func (r *run) persistLocked() {
	r.wf.Version++
	ctx, cancel := context.WithTimeout(context.Background(), r.o.cfg.PersistTimeout)
	defer cancel()
	if err := r.o.deps.Store.SaveWorkflow(ctx, r.wf); err != nil {
		r.logger.Error("persist workflow", zap.Error(err))
	}
}

func (r *run) publishLocked(ev *Event) {
	if r.o.deps.Bus == nil {
		return
	}
	ev.ID = newEventID()
	ev.ProjectID = r.wf.ProjectID
	ev.WorkflowID = r.wf.ID
	ev.Version = r.wf.Version
	ev.Timestamp = r.o.now()

	ctx, cancel := context.WithTimeout(context.Background(), r.o.cfg.PersistTimeout)
	defer cancel()
	if err := r.o.deps.Bus.Publish(ctx, ev); err != nil {
		r.logger.Warn("publish event", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func (r *run) workflowEvent() *Event {
	return &Event{Type: EventWorkflowStatus, Status: string(r.wf.Status), Reason: r.wf.Reason}
}

func (r *run) taskEvent(t *workflow.Task, action string) *Event {
	ev := &Event{Type: EventTaskStatus, TaskID: t.ID, AgentID: t.AgentID, Status: string(t.Status)}
	if action != "" {
		ev.Type = EventTaskRecovery
		ev.Action = action
	}
	if t.Error != nil {
		ev.Reason = t.Error.Message
	}
	return ev
}

// taskError converts err into its persisted form.
func taskError(err error, kind failure.Kind) *workflow.TaskError {
	te := &workflow.TaskError{Code: failure.CodeOf(err), Kind: kind, Message: err.Error()}
	var fe *failure.Error
	if errors.As(err, &fe) {
		te.Message = fe.Message
		if fe.Cause != nil {
			if te.Message == "" {
				te.Message = fe.Cause.Error()
			} else {
				te.Message += ": " + fe.Cause.Error()
			}
		}
	}
	return te
}
