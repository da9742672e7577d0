// Package orchestrator runs workflows for one project: it computes ready
// sets from the dependency graph, matches tasks to agents, asks the resource
// manager for admission, dispatches executions and applies the recovery
// policy to failures. Every state transition is persisted and published.
package orchestrator

import (
	"time"

	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/workflow"
)

// EventType names a published transition.
type EventType string

const (
	EventWorkflowStatus EventType = "workflow.status"
	EventTaskStatus     EventType = "task.status"
	EventTaskRecovery   EventType = "task.recovery"
)

// Event is one persisted transition, published on the bus.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	ProjectID  string    `json:"project_id"`
	WorkflowID string    `json:"workflow_id"`
	TaskID     string    `json:"task_id,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	Status     string    `json:"status"`
	Action     string    `json:"action,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Version    int64     `json:"version"`
	Timestamp  time.Time `json:"timestamp"`
}

// StatusReport is the externally visible state of a workflow.
type StatusReport struct {
	WorkflowID  string                         `json:"workflow_id"`
	ProjectID   string                         `json:"project_id"`
	CrewName    string                         `json:"crew_name,omitempty"`
	Type        string                         `json:"workflow_type"`
	Status      workflow.Status                `json:"status"`
	Reason      string                         `json:"reason,omitempty"`
	Progress    workflow.Progress              `json:"progress"`
	Results     map[string]workflow.Result     `json:"results,omitempty"`
	Errors      map[string]*workflow.TaskError `json:"errors,omitempty"`
	Tasks       []TaskReport                   `json:"tasks"`
	CreatedAt   time.Time                      `json:"created_at"`
	StartedAt   *time.Time                     `json:"started_at,omitempty"`
	CompletedAt *time.Time                     `json:"completed_at,omitempty"`
	Version     int64                          `json:"version"`
}

// TaskReport is the per-task line of a StatusReport.
type TaskReport struct {
	ID          string              `json:"id"`
	Type        string              `json:"type"`
	Status      workflow.TaskStatus `json:"status"`
	AgentID     string              `json:"agent_id,omitempty"`
	Attempts    int                 `json:"attempts"`
	Retries     int                 `json:"retries"`
	Requeues    int                 `json:"requeues"`
	Escalations int                 `json:"escalations"`
}

// Report builds the status report of w. Results are included only once the
// workflow has completed; per-task errors are always included.
func Report(w *workflow.Workflow) *StatusReport {
	r := &StatusReport{
		WorkflowID:  w.ID,
		ProjectID:   w.ProjectID,
		CrewName:    w.CrewName,
		Type:        w.Type,
		Status:      w.Status,
		Reason:      w.Reason,
		Progress:    w.Progress(),
		CreatedAt:   w.CreatedAt,
		StartedAt:   w.StartedAt,
		CompletedAt: w.CompletedAt,
		Version:     w.Version,
	}
	if w.Status == workflow.StatusCompleted {
		r.Results = w.Results
	}
	for _, t := range w.Tasks {
		r.Tasks = append(r.Tasks, TaskReport{
			ID:          t.ID,
			Type:        t.Type,
			Status:      t.Status,
			AgentID:     t.AgentID,
			Attempts:    t.Attempts,
			Retries:     t.Retries,
			Requeues:    t.Requeues,
			Escalations: t.Escalations,
		})
		if t.Error != nil && t.Status != workflow.TaskCompleted {
			if r.Errors == nil {
				r.Errors = make(map[string]*workflow.TaskError)
			}
			r.Errors[t.ID] = t.Error
		}
	}
	return r
}

// Config holds the dispatch loop tunables.
type Config struct {
	// TickInterval is how often a loop re-checks admission, retry delays
	// and the workflow timeout when nothing else wakes it.
	TickInterval   time.Duration `json:"tick_interval"`
	TaskTimeout    time.Duration `json:"task_timeout"`
	PersistTimeout time.Duration `json:"persist_timeout"`
	// TaskSlots is the number of resource slots requested per task.
	TaskSlots int `json:"task_slots"`
}

// DefaultConfig returns the default loop settings.
func DefaultConfig() Config {
	return Config{
		TickInterval:   250 * time.Millisecond,
		TaskTimeout:    5 * time.Minute,
		PersistTimeout: 5 * time.Second,
		TaskSlots:      1,
	}
}

// Validate replaces non-positive values with defaults.
func (c *Config) Validate() {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = d.TaskTimeout
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = d.PersistTimeout
	}
	if c.TaskSlots <= 0 {
		c.TaskSlots = d.TaskSlots
	}
}
