package workflow

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/failure"
)

// TaskDefinition is one task of a submission.
type TaskDefinition struct {
	ID             string   `json:"id,omitempty"`
	Type           string   `json:"type"`
	Description    string   `json:"description"`
	Keywords       []string `json:"keywords,omitempty"`
	ExpectedOutput string   `json:"expected_output,omitempty"`
	Priority       int      `json:"priority,omitempty"`
	DependsOn      []string `json:"depends_on,omitempty"`
}

// Definition is a workflow submission as received from the API layer.
type Definition struct {
	WorkflowType      string           `json:"workflow_type"`
	ProjectID         string           `json:"project_id"`
	CrewName          string           `json:"crew_name"`
	Priority          int              `json:"priority,omitempty"`
	ParallelExecution bool             `json:"parallel_execution"`
	FailurePolicy     FailurePolicy    `json:"failure_policy,omitempty"`
	Timeout           string           `json:"timeout,omitempty"`
	Tasks             []TaskDefinition `json:"tasks"`
	Inputs            map[string]any   `json:"inputs,omitempty"`
}

// Build validates the definition and returns a pending workflow. Nothing is
// persisted or scheduled; a validation error leaves no side effects.
func (d Definition) Build(now time.Time) (*Workflow, error) {
	if strings.TrimSpace(d.ProjectID) == "" {
		return nil, failure.New(failure.CodeValidation, "project_id is required")
	}
	if strings.TrimSpace(d.WorkflowType) == "" {
		return nil, failure.New(failure.CodeValidation, "workflow_type is required")
	}
	if len(d.Tasks) == 0 {
		return nil, failure.New(failure.CodeValidation, "workflow has no tasks")
	}

	policy := d.FailurePolicy
	switch policy {
	case "":
		policy = PolicyAbort
	case PolicyAbort, PolicyBestEffort:
	default:
		return nil, failure.Newf(failure.CodeValidation, "unknown failure_policy %q", policy)
	}

	var timeout time.Duration
	if d.Timeout != "" {
		v, err := time.ParseDuration(d.Timeout)
		if err != nil || v < 0 {
			return nil, failure.Newf(failure.CodeValidation, "invalid timeout %q", d.Timeout)
		}
		timeout = v
	}

	tasks := make([]*Task, 0, len(d.Tasks))
	for i, td := range d.Tasks {
		typ := strings.TrimSpace(td.Type)
		if typ == "" {
			return nil, failure.Newf(failure.CodeValidation, "task %d: type is required", i)
		}
		id := strings.TrimSpace(td.ID)
		if id == "" {
			id = uuid.NewString()
		}
		for _, dep := range td.DependsOn {
			if dep == id {
				return nil, failure.Newf(failure.CodeValidation, "task %q depends on itself", id)
			}
		}
		tasks = append(tasks, &Task{
			ID:             id,
			Seq:            i,
			Type:           typ,
			Description:    td.Description,
			ExpectedOutput: td.ExpectedOutput,
			RequiredTags:   NormalizeTags(td.Keywords),
			Priority:       td.Priority,
			DependsOn:      append([]string(nil), td.DependsOn...),
			Status:         TaskPending,
		})
	}
	if _, err := NewGraph(tasks); err != nil {
		return nil, err
	}

	return &Workflow{
		ID:                uuid.NewString(),
		ProjectID:         d.ProjectID,
		CrewName:          d.CrewName,
		Type:              d.WorkflowType,
		Priority:          d.Priority,
		ParallelExecution: d.ParallelExecution,
		FailurePolicy:     policy,
		Timeout:           timeout,
		Inputs:            d.Inputs,
		Tasks:             tasks,
		Status:            StatusPending,
		Results:           make(map[string]Result),
		CreatedAt:         now,
	}, nil
}

// NormalizeTags lower-cases and trims tags, dropping blanks and duplicates.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
