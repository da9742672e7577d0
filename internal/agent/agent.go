package agent

import (
	"context"
	"encoding/json"
	"time"
)

// Agent is a registered task executor. ParentID is a plain back reference;
// Subordinates is the owned child list.
type Agent struct {
	ID           string    `json:"id" yaml:"id"`
	Role         string    `json:"role" yaml:"role"`
	Crew         string    `json:"crew,omitempty" yaml:"crew"`
	Capabilities []string  `json:"capabilities" yaml:"capabilities"`
	Delegates    []string  `json:"delegates,omitempty" yaml:"delegates"`
	ParentID     string    `json:"parent_id,omitempty" yaml:"parent_id"`
	Subordinates []string  `json:"subordinates,omitempty" yaml:"subordinates"`
	Endpoint     string    `json:"endpoint,omitempty" yaml:"endpoint"`
	CreatedAt    time.Time `json:"created_at" yaml:"-"`
}

func (a *Agent) clone() *Agent {
	c := *a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	c.Delegates = append([]string(nil), a.Delegates...)
	c.Subordinates = append([]string(nil), a.Subordinates...)
	return &c
}

// HasCapability reports an exact capability match. Tags are stored lowercased.
func (a *Agent) HasCapability(tag string) bool {
	for _, c := range a.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// MayDelegate reports whether the agent's delegation rules permit handing
// taskType to a subordinate. "*" permits every type.
func (a *Agent) MayDelegate(taskType string) bool {
	for _, d := range a.Delegates {
		if d == "*" || d == taskType {
			return true
		}
	}
	return false
}

// TaskRequest is the envelope an agent receives for one task attempt.
type TaskRequest struct {
	WorkflowID     string         `json:"workflow_id"`
	ProjectID      string         `json:"project_id"`
	TaskID         string         `json:"task_id"`
	Type           string         `json:"type"`
	Description    string         `json:"description"`
	ExpectedOutput string         `json:"expected_output,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	Attempt        int            `json:"attempt"`
}

// Executor runs a task on an agent. Errors should be *failure.Error values
// carrying a recovery kind; anything else is treated as transient.
type Executor interface {
	Execute(ctx context.Context, a *Agent, req *TaskRequest) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, a *Agent, req *TaskRequest) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, a *Agent, req *TaskRequest) (json.RawMessage, error) {
	return f(ctx, a, req)
}
