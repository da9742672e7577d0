package workflow

import "github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/failure"

// workflowTransitions lists the allowed workflow state changes. Everything
// is forward-only except paused <-> running.
var workflowTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:  {StatusRunning, StatusCancelled, StatusFailed},
}

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending: {TaskReady, TaskFailed, TaskCancelled},
	TaskReady:   {TaskRunning, TaskPending, TaskFailed, TaskCancelled},
	TaskRunning: {TaskCompleted, TaskFailed, TaskPending, TaskCancelled},
}

// Terminal reports whether s is a final workflow state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a workflow may move from one state to another.
func CanTransition(from, to Status) bool {
	for _, s := range workflowTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionTask reports whether a task may move from one state to another.
// running -> pending is the retry/requeue path.
func CanTransitionTask(from, to TaskStatus) bool {
	for _, s := range taskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves the workflow to the given state or returns an
// invalid_transition error. A transition to the current state is a no-op.
func (w *Workflow) Transition(to Status) error {
	if w.Status == to {
		return nil
	}
	if !CanTransition(w.Status, to) {
		return failure.Newf(failure.CodeInvalidTransition, "workflow %s: %s -> %s", w.ID, w.Status, to)
	}
	w.Status = to
	w.Version++
	return nil
}

// SetStatus moves the task to the given state or returns an
// invalid_transition error.
func (t *Task) SetStatus(to TaskStatus) error {
	if t.Status == to {
		return nil
	}
	if !CanTransitionTask(t.Status, to) {
		return failure.Newf(failure.CodeInvalidTransition, "task %s: %s -> %s", t.ID, t.Status, to)
	}
	t.Status = to
	return nil
}
