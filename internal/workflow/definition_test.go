package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/failure"
)

func validDefinition() Definition {
	return Definition{
		WorkflowType:      "content_campaign",
		ProjectID:         "project1",
		CrewName:          "marketing",
		ParallelExecution: true,
		Timeout:           "10m",
		Tasks: []TaskDefinition{
			{ID: "research", Type: "research", Description: "find topics", Keywords: []string{"SEO", " seo ", "market"}},
			{ID: "write", Type: "copywriting", Description: "write post", Priority: 2, DependsOn: []string{"research"}},
		},
		Inputs: map[string]any{"brand": "acme"},
	}
}

func TestDefinitionBuild(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	w, err := validDefinition().Build(now)
	require.NoError(t, err)

	assert.NotEmpty(t, w.ID)
	assert.Equal(t, StatusPending, w.Status)
	assert.Equal(t, PolicyAbort, w.FailurePolicy)
	assert.Equal(t, 10*time.Minute, w.Timeout)
	assert.Equal(t, now, w.CreatedAt)
	require.Len(t, w.Tasks, 2)
	assert.Equal(t, []string{"seo", "market"}, w.Tasks[0].RequiredTags)
	assert.Equal(t, 1, w.Tasks[1].Seq)
	assert.Equal(t, TaskPending, w.Tasks[1].Status)
	assert.NotNil(t, w.Results)
}

func TestDefinitionBuildGeneratesTaskIDs(t *testing.T) {
	d := validDefinition()
	d.Tasks = []TaskDefinition{{Type: "research"}, {Type: "research"}}
	w, err := d.Build(time.Now())
	require.NoError(t, err)
	assert.NotEmpty(t, w.Tasks[0].ID)
	assert.NotEqual(t, w.Tasks[0].ID, w.Tasks[1].ID)
}

func TestDefinitionBuildValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Definition)
	}{
		{"missing project", func(d *Definition) { d.ProjectID = "" }},
		{"missing type", func(d *Definition) { d.WorkflowType = " " }},
		{"no tasks", func(d *Definition) { d.Tasks = nil }},
		{"task without type", func(d *Definition) { d.Tasks[0].Type = "" }},
		{"bad policy", func(d *Definition) { d.FailurePolicy = "yolo" }},
		{"bad timeout", func(d *Definition) { d.Timeout = "soon" }},
		{"self dependency", func(d *Definition) { d.Tasks[0].DependsOn = []string{"research"} }},
		{"cycle", func(d *Definition) { d.Tasks[0].DependsOn = []string{"write"} }},
		{"unknown dependency", func(d *Definition) { d.Tasks[1].DependsOn = []string{"nope"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDefinition()
			tt.mutate(&d)
			_, err := d.Build(time.Now())
			assert.ErrorIs(t, err, failure.ErrValidation)
		})
	}
}

func TestWorkflowTransitions(t *testing.T) {
	w := &Workflow{ID: "w", Status: StatusPending}

	require.NoError(t, w.Transition(StatusRunning))
	require.NoError(t, w.Transition(StatusPaused))
	require.NoError(t, w.Transition(StatusRunning))
	require.NoError(t, w.Transition(StatusCompleted))
	assert.True(t, w.Status.Terminal())

	err := w.Transition(StatusRunning)
	assert.ErrorIs(t, err, failure.ErrInvalidTransition)
	assert.Equal(t, StatusCompleted, w.Status)
	assert.NoError(t, w.Transition(StatusCompleted))
}

func TestTaskTransitions(t *testing.T) {
	tk := &Task{ID: "t", Status: TaskPending}
	assert.ErrorIs(t, tk.SetStatus(TaskRunning), failure.ErrInvalidTransition)
	require.NoError(t, tk.SetStatus(TaskReady))
	require.NoError(t, tk.SetStatus(TaskRunning))
	require.NoError(t, tk.SetStatus(TaskPending))
	require.NoError(t, tk.SetStatus(TaskReady))
	require.NoError(t, tk.SetStatus(TaskRunning))
	require.NoError(t, tk.SetStatus(TaskCompleted))
	assert.ErrorIs(t, tk.SetStatus(TaskFailed), failure.ErrInvalidTransition)
}

func TestCloneIsDeep(t *testing.T) {
	w, err := validDefinition().Build(time.Now())
	require.NoError(t, err)
	w.Results["research"] = Result{TaskID: "research", Status: TaskCompleted}

	c := w.Clone()
	c.Tasks[0].Status = TaskFailed
	c.Tasks[0].RequiredTags[0] = "changed"
	c.Results["write"] = Result{TaskID: "write"}

	assert.Equal(t, TaskPending, w.Tasks[0].Status)
	assert.Equal(t, "seo", w.Tasks[0].RequiredTags[0])
	assert.Len(t, w.Results, 1)
}

func TestActiveForExcludesPauses(t *testing.T) {
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	w, err := validDefinition().Build(base)
	require.NoError(t, err)
	assert.Zero(t, w.ActiveFor(base.Add(time.Hour)))

	w.StartedAt = &base
	w.MarkPaused(base.Add(10 * time.Second))
	w.MarkPaused(base.Add(20 * time.Second))
	assert.Equal(t, 10*time.Second, w.ActiveFor(base.Add(time.Minute)))

	w.MarkResumed(base.Add(70 * time.Second))
	assert.Nil(t, w.PausedAt)
	assert.Equal(t, time.Minute, w.PausedFor)
	assert.Equal(t, 15*time.Second, w.ActiveFor(base.Add(75*time.Second)))

	c := w.Clone()
	c.MarkPaused(base.Add(80 * time.Second))
	assert.Nil(t, w.PausedAt)
}
