package workflow

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/failure"
)

func mkTask(id string, seq, prio int, deps ...string) *Task {
	return &Task{ID: id, Seq: seq, Type: "t", Priority: prio, DependsOn: deps, Status: TaskPending}
}

func TestNewGraphRejectsCycle(t *testing.T) {
	_, err := NewGraph([]*Task{
		mkTask("a", 0, 0, "c"),
		mkTask("b", 1, 0, "a"),
		mkTask("c", 2, 0, "b"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ErrValidation))
	assert.Contains(t, err.Error(), "cycle")
}

func TestNewGraphRejectsUnknownAndDuplicate(t *testing.T) {
	_, err := NewGraph([]*Task{mkTask("a", 0, 0, "ghost")})
	assert.ErrorIs(t, err, failure.ErrValidation)

	_, err = NewGraph([]*Task{mkTask("a", 0, 0), mkTask("a", 1, 0)})
	assert.ErrorIs(t, err, failure.ErrValidation)
}

func TestPromoteAndReadyOrdering(t *testing.T) {
	tasks := []*Task{
		mkTask("low", 0, 1),
		mkTask("high", 1, 5),
		mkTask("tie", 2, 1),
		mkTask("child", 3, 9, "low"),
	}
	g, err := NewGraph(tasks)
	require.NoError(t, err)

	promoted := g.Promote()
	assert.Len(t, promoted, 3)

	var ids []string
	for _, r := range g.Ready() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"high", "low", "tie"}, ids)

	tasks[0].Status = TaskCompleted
	promoted = g.Promote()
	require.Len(t, promoted, 1)
	assert.Equal(t, "child", promoted[0].ID)
	assert.Equal(t, "child", g.Ready()[0].ID)
}

func TestBlockedAndDescendants(t *testing.T) {
	tasks := []*Task{
		mkTask("a", 0, 0),
		mkTask("b", 1, 0, "a"),
		mkTask("c", 2, 0, "b"),
		mkTask("d", 3, 0),
	}
	g, err := NewGraph(tasks)
	require.NoError(t, err)

	tasks[0].Status = TaskFailed
	assert.True(t, g.Blocked("b"))
	assert.False(t, g.Blocked("c"))
	assert.False(t, g.Blocked("d"))

	var ids []string
	for _, d := range g.Descendants("a") {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"b", "c"}, ids)
}

// randomDAG draws tasks whose dependencies only point at earlier tasks.
func randomDAG(rt *rapid.T) []*Task {
	n := rapid.IntRange(1, 12).Draw(rt, "n")
	tasks := make([]*Task, n)
	for i := 0; i < n; i++ {
		var deps []string
		if i > 0 {
			k := rapid.IntRange(0, i).Draw(rt, fmt.Sprintf("deps_%d", i))
			for j := 0; j < k; j++ {
				d := rapid.IntRange(0, i-1).Draw(rt, fmt.Sprintf("dep_%d_%d", i, j))
				deps = append(deps, fmt.Sprintf("t%d", d))
			}
		}
		prio := rapid.IntRange(0, 3).Draw(rt, fmt.Sprintf("prio_%d", i))
		tasks[i] = mkTask(fmt.Sprintf("t%d", i), i, prio, deps...)
	}
	return tasks
}

func TestPropertyReadyOnlyAfterDependencies(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tasks := randomDAG(rt)
		g, err := NewGraph(tasks)
		if err != nil {
			rt.Fatalf("dag rejected: %v", err)
		}

		for step := 0; ; step++ {
			g.Promote()
			ready := g.Ready()
			if len(ready) == 0 {
				break
			}
			for _, r := range ready {
				for _, dep := range r.DependsOn {
					dt, _ := (&Workflow{Tasks: tasks}).Task(dep)
					if dt.Status != TaskCompleted {
						rt.Fatalf("task %s ready before dependency %s completed", r.ID, dep)
					}
				}
			}
			pick := rapid.IntRange(0, len(ready)-1).Draw(rt, fmt.Sprintf("pick_%d", step))
			ready[pick].Status = TaskCompleted
		}

		for _, tk := range tasks {
			if tk.Status != TaskCompleted {
				rt.Fatalf("task %s never became ready", tk.ID)
			}
		}
	})
}

func TestPropertyTopologicalOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tasks := randomDAG(rt)
		g, err := NewGraph(tasks)
		if err != nil {
			rt.Fatalf("dag rejected: %v", err)
		}
		pos := map[string]int{}
		for i, id := range g.TopologicalOrder() {
			pos[id] = i
		}
		if len(pos) != len(tasks) {
			rt.Fatalf("order has %d ids, want %d", len(pos), len(tasks))
		}
		for _, tk := range tasks {
			for _, dep := range tk.DependsOn {
				if pos[dep] >= pos[tk.ID] {
					rt.Fatalf("%s ordered before its dependency %s", tk.ID, dep)
				}
			}
		}
	})
}
