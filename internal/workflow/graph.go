package workflow

import (
	"sort"

	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/failure"
)

// Graph is the dependency graph of a workflow's tasks. Edges point from a
// task to the tasks it depends on. The graph does not own task state; it
// reads statuses from the task pointers it was built from.
type Graph struct {
	tasks      map[string]*Task
	order      []*Task
	edges      map[string][]string
	dependents map[string][]string
}

// NewGraph builds the graph and rejects duplicate ids, unknown dependencies
// and cycles with a validation error.
func NewGraph(tasks []*Task) (*Graph, error) {
	g := &Graph{
		tasks:      make(map[string]*Task, len(tasks)),
		order:      tasks,
		edges:      make(map[string][]string, len(tasks)),
		dependents: make(map[string][]string, len(tasks)),
	}
	for _, t := range tasks {
		if _, dup := g.tasks[t.ID]; dup {
			return nil, failure.Newf(failure.CodeValidation, "duplicate task id %q", t.ID)
		}
		g.tasks[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := g.tasks[dep]; !ok {
				return nil, failure.Newf(failure.CodeValidation, "task %q depends on unknown task %q", t.ID, dep)
			}
			g.edges[t.ID] = append(g.edges[t.ID], dep)
			g.dependents[dep] = append(g.dependents[dep], t.ID)
		}
	}
	if id, ok := g.findCycle(); ok {
		return nil, failure.Newf(failure.CodeValidation, "dependency cycle through task %q", id)
	}
	return g, nil
}

// findCycle runs a DFS with white/gray/black colouring and reports a task on
// the first back edge found. Tasks are visited in submission order so the
// reported id is deterministic.
func (g *Graph) findCycle() (string, bool) {
	const (
		white = iota
		gray
		black
	)
	colors := make(map[string]int, len(g.tasks))

	var visit func(id string) (string, bool)
	visit = func(id string) (string, bool) {
		colors[id] = gray
		for _, dep := range g.edges[id] {
			switch colors[dep] {
			case gray:
				return dep, true
			case white:
				if c, ok := visit(dep); ok {
					return c, true
				}
			}
		}
		colors[id] = black
		return "", false
	}

	for _, t := range g.order {
		if colors[t.ID] == white {
			if id, ok := visit(t.ID); ok {
				return id, true
			}
		}
	}
	return "", false
}

// DepsCompleted reports whether every dependency of id is completed.
func (g *Graph) DepsCompleted(id string) bool {
	for _, dep := range g.edges[id] {
		if g.tasks[dep].Status != TaskCompleted {
			return false
		}
	}
	return true
}

// Blocked reports whether some dependency of id has failed or been
// cancelled, so id can never run.
func (g *Graph) Blocked(id string) bool {
	for _, dep := range g.edges[id] {
		switch g.tasks[dep].Status {
		case TaskFailed, TaskCancelled:
			return true
		}
	}
	return false
}

// Promote moves every pending task whose dependencies are all completed to
// ready and returns the promoted tasks.
func (g *Graph) Promote() []*Task {
	var promoted []*Task
	for _, t := range g.order {
		if t.Status == TaskPending && g.DepsCompleted(t.ID) {
			t.Status = TaskReady
			promoted = append(promoted, t)
		}
	}
	return promoted
}

// Ready returns the ready tasks ordered by priority desc, then submission order.
func (g *Graph) Ready() []*Task {
	var ready []*Task
	for _, t := range g.order {
		if t.Status == TaskReady {
			ready = append(ready, t)
		}
	}
	SortReady(ready)
	return ready
}

// Descendants returns every task that transitively depends on id, in
// submission order.
func (g *Graph) Descendants(id string) []*Task {
	seen := map[string]bool{}
	stack := append([]string(nil), g.dependents[id]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, g.dependents[n]...)
	}
	var out []*Task
	for _, t := range g.order {
		if seen[t.ID] {
			out = append(out, t)
		}
	}
	return out
}

// TopologicalOrder returns task ids with every dependency before its
// dependents, breaking ties by submission order.
func (g *Graph) TopologicalOrder() []string {
	indegree := make(map[string]int, len(g.tasks))
	for _, t := range g.order {
		indegree[t.ID] = len(g.edges[t.ID])
	}
	out := make([]string, 0, len(g.order))
	done := make(map[string]bool, len(g.order))
	for len(out) < len(g.order) {
		for _, t := range g.order {
			if done[t.ID] || indegree[t.ID] > 0 {
				continue
			}
			done[t.ID] = true
			out = append(out, t.ID)
			for _, d := range g.dependents[t.ID] {
				indegree[d]--
			}
			break
		}
	}
	return out
}

// SortReady orders tasks by priority desc, then Seq asc.
func SortReady(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].Seq < tasks[j].Seq
	})
}
