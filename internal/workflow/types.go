// Package workflow holds the workflow and task model, their state machines
// and the dependency graph used to compute ready sets.
package workflow

import (
	"encoding/json"
	"time"

	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/failure"
)

// Status is a workflow lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// TaskStatus is a task lifecycle state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// FailurePolicy decides whether a permanent task failure aborts the workflow.
type FailurePolicy string

const (
	PolicyAbort      FailurePolicy = "abort"
	PolicyBestEffort FailurePolicy = "best_effort"
)

// Task is one unit of work inside a workflow.
type Task struct {
	ID             string          `json:"id"`
	Seq            int             `json:"seq"`
	Type           string          `json:"type"`
	Description    string          `json:"description"`
	ExpectedOutput string          `json:"expected_output,omitempty"`
	RequiredTags   []string        `json:"required_tags,omitempty"`
	Priority       int             `json:"priority"`
	DependsOn      []string        `json:"depends_on,omitempty"`
	Status         TaskStatus      `json:"status"`
	AgentID        string          `json:"agent_id,omitempty"`
	PinnedAgent    string          `json:"pinned_agent,omitempty"`
	Attempts       int             `json:"attempts"`
	Retries        int             `json:"retries"`
	Requeues       int             `json:"requeues"`
	Escalations    int             `json:"escalations"`
	NotBefore      time.Time       `json:"not_before,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	Error          *TaskError      `json:"error,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// TaskError is the persisted form of a task failure.
type TaskError struct {
	Code    failure.Code `json:"code"`
	Kind    failure.Kind `json:"kind,omitempty"`
	Message string       `json:"message"`
}

// Terminal reports whether the task will not change state again.
func (t *Task) Terminal() bool {
	switch t.Status {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Result is the per-task entry of a workflow's results map.
type Result struct {
	TaskID  string          `json:"task_id"`
	AgentID string          `json:"agent_id,omitempty"`
	Status  TaskStatus      `json:"status"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   *TaskError      `json:"error,omitempty"`
}

// Workflow is a set of dependent tasks submitted and tracked as one unit.
type Workflow struct {
	ID                string            `json:"id"`
	ProjectID         string            `json:"project_id"`
	CrewName          string            `json:"crew_name"`
	Type              string            `json:"workflow_type"`
	Priority          int               `json:"priority"`
	ParallelExecution bool              `json:"parallel_execution"`
	FailurePolicy     FailurePolicy     `json:"failure_policy"`
	Timeout           time.Duration     `json:"timeout"`
	Inputs            map[string]any    `json:"inputs,omitempty"`
	Tasks             []*Task           `json:"tasks"`
	Status            Status            `json:"status"`
	Reason            string            `json:"reason,omitempty"`
	Results           map[string]Result `json:"results"`
	CreatedAt         time.Time         `json:"created_at"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	PausedAt          *time.Time        `json:"paused_at,omitempty"`
	PausedFor         time.Duration     `json:"paused_for,omitempty"`
	Version           int64             `json:"version"`
}

// ActiveFor returns the time spent since StartedAt minus every pause.
func (w *Workflow) ActiveFor(now time.Time) time.Duration {
	if w.StartedAt == nil {
		return 0
	}
	end := now
	if w.PausedAt != nil {
		end = *w.PausedAt
	}
	return end.Sub(*w.StartedAt) - w.PausedFor
}

// MarkPaused starts a pause at now. MarkResumed folds it into PausedFor.
func (w *Workflow) MarkPaused(now time.Time) {
	if w.PausedAt == nil {
		w.PausedAt = &now
	}
}

func (w *Workflow) MarkResumed(now time.Time) {
	if w.PausedAt == nil {
		return
	}
	w.PausedFor += now.Sub(*w.PausedAt)
	w.PausedAt = nil
}

// Task returns the task with the given id.
func (w *Workflow) Task(id string) (*Task, bool) {
	for _, t := range w.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// Progress counts tasks by outcome. Cancelled tasks are reported as skipped.
type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Running   int `json:"running"`
}

// Progress summarises task states.
func (w *Workflow) Progress() Progress {
	p := Progress{Total: len(w.Tasks)}
	for _, t := range w.Tasks {
		switch t.Status {
		case TaskCompleted:
			p.Completed++
		case TaskFailed:
			p.Failed++
		case TaskCancelled:
			p.Skipped++
		case TaskRunning:
			p.Running++
		}
	}
	return p
}

// Clone returns a deep copy safe to hand outside the owning goroutine.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	c := *w
	c.Tasks = make([]*Task, len(w.Tasks))
	for i, t := range w.Tasks {
		tc := *t
		tc.RequiredTags = append([]string(nil), t.RequiredTags...)
		tc.DependsOn = append([]string(nil), t.DependsOn...)
		tc.Output = append(json.RawMessage(nil), t.Output...)
		if t.Error != nil {
			e := *t.Error
			tc.Error = &e
		}
		tc.StartedAt = cloneTime(t.StartedAt)
		tc.CompletedAt = cloneTime(t.CompletedAt)
		c.Tasks[i] = &tc
	}
	c.Results = make(map[string]Result, len(w.Results))
	for k, v := range w.Results {
		c.Results[k] = v
	}
	if w.Inputs != nil {
		c.Inputs = make(map[string]any, len(w.Inputs))
		for k, v := range w.Inputs {
			c.Inputs[k] = v
		}
	}
	c.StartedAt = cloneTime(w.StartedAt)
	c.CompletedAt = cloneTime(w.CompletedAt)
	c.PausedAt = cloneTime(w.PausedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
