package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/agent"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/failure"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/workflow"
)

func sampleWorkflow(t *testing.T, project string, created time.Time) *workflow.Workflow {
	t.Helper()
	w, err := workflow.Definition{
		WorkflowType:      "content_pipeline",
		ProjectID:         project,
		CrewName:          "content",
		Priority:          3,
		ParallelExecution: true,
		FailurePolicy:     workflow.PolicyBestEffort,
		Timeout:           "90s",
		Inputs:            map[string]any{"topic": "go"},
		Tasks: []workflow.TaskDefinition{
			{ID: "research", Type: "research", Keywords: []string{"Research", "web"}},
			{ID: "write", Type: "writing", DependsOn: []string{"research"}, Priority: 2},
		},
	}.Build(created)
	require.NoError(t, err)
	return w
}

// runStoreContract exercises the behaviour every backend must share.
func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("round trip", func(t *testing.T) {
		w := sampleWorkflow(t, "p-round", base)
		require.NoError(t, s.SaveWorkflow(ctx, w))

		got, err := s.GetWorkflow(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, w.ProjectID, got.ProjectID)
		assert.Equal(t, "content_pipeline", got.Type)
		assert.Equal(t, 90*time.Second, got.Timeout)
		assert.True(t, got.ParallelExecution)
		assert.Equal(t, workflow.PolicyBestEffort, got.FailurePolicy)
		assert.Equal(t, "go", got.Inputs["topic"])
		assert.True(t, base.Equal(got.CreatedAt))
		require.Len(t, got.Tasks, 2)
		assert.Equal(t, "research", got.Tasks[0].ID)
		assert.Equal(t, []string{"research", "web"}, got.Tasks[0].RequiredTags)
		assert.Equal(t, []string{"research"}, got.Tasks[1].DependsOn)
		assert.Nil(t, got.Tasks[0].Error)
	})

	t.Run("pause accounting round trip", func(t *testing.T) {
		w := sampleWorkflow(t, "p-pause", base.Add(30*time.Second))
		started := base.Add(31 * time.Second)
		paused := base.Add(40 * time.Second)
		w.StartedAt = &started
		w.PausedAt = &paused
		w.PausedFor = 1500 * time.Millisecond
		require.NoError(t, s.SaveWorkflow(ctx, w))

		got, err := s.GetWorkflow(ctx, w.ID)
		require.NoError(t, err)
		require.NotNil(t, got.PausedAt)
		assert.True(t, paused.Equal(*got.PausedAt))
		assert.Equal(t, 1500*time.Millisecond, got.PausedFor)

		w.MarkResumed(base.Add(42 * time.Second))
		require.NoError(t, s.SaveWorkflow(ctx, w))
		got, err = s.GetWorkflow(ctx, w.ID)
		require.NoError(t, err)
		assert.Nil(t, got.PausedAt)
		assert.Equal(t, 3500*time.Millisecond, got.PausedFor)
	})

	t.Run("update overwrites state", func(t *testing.T) {
		w := sampleWorkflow(t, "p-update", base.Add(time.Minute))
		require.NoError(t, s.SaveWorkflow(ctx, w))

		started := base.Add(2 * time.Minute)
		require.NoError(t, w.Transition(workflow.StatusRunning))
		w.StartedAt = &started
		task := w.Tasks[0]
		task.Status = workflow.TaskCompleted
		task.AgentID = "researcher"
		task.Attempts = 2
		task.Retries = 1
		task.Output = json.RawMessage(`{"summary":"ok"}`)
		task.StartedAt = &started
		failed := w.Tasks[1]
		failed.Status = workflow.TaskFailed
		failed.Error = &workflow.TaskError{Code: failure.CodeTaskExecution, Kind: failure.KindPermanent, Message: "boom"}
		w.Results[task.ID] = workflow.Result{TaskID: task.ID, AgentID: "researcher", Status: workflow.TaskCompleted, Output: task.Output}
		require.NoError(t, s.SaveWorkflow(ctx, w))

		got, err := s.GetWorkflow(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.StatusRunning, got.Status)
		assert.Equal(t, w.Version, got.Version)
		require.NotNil(t, got.StartedAt)
		assert.True(t, started.Equal(*got.StartedAt))
		assert.Equal(t, workflow.TaskCompleted, got.Tasks[0].Status)
		assert.Equal(t, 2, got.Tasks[0].Attempts)
		assert.Equal(t, 1, got.Tasks[0].Retries)
		assert.JSONEq(t, `{"summary":"ok"}`, string(got.Tasks[0].Output))
		require.NotNil(t, got.Tasks[1].Error)
		assert.Equal(t, "boom", got.Tasks[1].Error.Message)
		assert.Equal(t, failure.CodeTaskExecution, got.Tasks[1].Error.Code)
		assert.Equal(t, "researcher", got.Results[task.ID].AgentID)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := s.GetWorkflow(ctx, "missing")
		require.Error(t, err)
		assert.True(t, errors.Is(err, failure.ErrNotFound))
	})

	t.Run("list filters", func(t *testing.T) {
		a := sampleWorkflow(t, "p-list", base.Add(time.Hour))
		b := sampleWorkflow(t, "p-list", base.Add(2*time.Hour))
		c := sampleWorkflow(t, "p-other", base.Add(3*time.Hour))
		require.NoError(t, b.Transition(workflow.StatusRunning))
		require.NoError(t, b.Transition(workflow.StatusCompleted))
		for _, w := range []*workflow.Workflow{b, a, c} {
			require.NoError(t, s.SaveWorkflow(ctx, w))
		}

		got, err := s.ListWorkflows(ctx, Filter{ProjectID: "p-list"})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, a.ID, got[0].ID)
		assert.Equal(t, b.ID, got[1].ID)
		assert.Len(t, got[1].Tasks, 2)

		active, err := s.ListWorkflows(ctx, Filter{ProjectID: "p-list", Statuses: ActiveStatuses})
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, a.ID, active[0].ID)

		limited, err := s.ListWorkflows(ctx, Filter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("agents", func(t *testing.T) {
		lead := &agent.Agent{ID: "lead", Role: "supervisor", Crew: "content", Capabilities: []string{"review"},
			Delegates: []string{"*"}, Subordinates: []string{"writer"}, CreatedAt: base}
		writer := &agent.Agent{ID: "writer", Role: "writer", Crew: "content", Capabilities: []string{"writing"},
			ParentID: "lead", Endpoint: "http://writer:8080", CreatedAt: base.Add(time.Second)}
		require.NoError(t, s.SaveAgent(ctx, writer))
		require.NoError(t, s.SaveAgent(ctx, lead))

		writer.Capabilities = append(writer.Capabilities, "editing")
		require.NoError(t, s.SaveAgent(ctx, writer))

		got, err := s.ListAgents(ctx)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "lead", got[0].ID)
		assert.Empty(t, got[0].Subordinates)
		assert.Equal(t, []string{"*"}, got[0].Delegates)
		assert.Equal(t, "lead", got[1].ParentID)
		assert.Equal(t, []string{"writing", "editing"}, got[1].Capabilities)
		assert.Equal(t, "http://writer:8080", got[1].Endpoint)
	})
}

func TestMemoryStore(t *testing.T) {
	s := NewMemory()
	defer s.Close()
	runStoreContract(t, s)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	w := sampleWorkflow(t, "p", time.Now())
	require.NoError(t, s.SaveWorkflow(ctx, w))

	w.Tasks[0].Status = workflow.TaskFailed
	got, err := s.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.TaskPending, got.Tasks[0].Status)
}

func setupSQLite(t *testing.T) *SQLite {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "orchestrator.db"), nil)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, setupSQLite(t))
}

func TestSQLiteMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := setupSQLite(t)
	require.NoError(t, db.Migrate(ctx))

	v, err := db.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	db, err := OpenSQLite(path, nil)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx))
	w := sampleWorkflow(t, "p", time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC))
	require.NoError(t, db.SaveWorkflow(ctx, w))
	require.NoError(t, db.Close())

	db, err = OpenSQLite(path, nil)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Migrate(ctx))
	got, err := db.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, w.CreatedAt.Equal(got.CreatedAt))
	assert.Len(t, got.Tasks, 2)
}

func TestOpenDrivers(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Config{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = Open(ctx, Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "x.db")}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Config{Driver: "mongo"}, nil)
	assert.Error(t, err)
}

func TestSQLiteTimeLayoutSortsChronologically(t *testing.T) {
	a := formatTime(time.Date(2026, 1, 1, 0, 0, 5, 0, time.UTC))
	b := formatTime(time.Date(2026, 1, 1, 0, 0, 5, 100, time.UTC))
	assert.Less(t, a, b)
}
