package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/agent"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/alert"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/failure"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/metrics"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/orchestrator"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/performance"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/project"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/resource"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/store"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/workflow"
)

// newTestServer wires the API over in-memory components. Tasks succeed
// unless their description contains "fail", and block while it contains
// "hold" until release is closed.
func newTestServer(t *testing.T) (*httptest.Server, *store.Memory, chan struct{}) {
	t.Helper()
	logger := zap.NewNop()
	release := make(chan struct{})

	mon := performance.New(performance.DefaultConfig(), logger)
	reg := agent.NewRegistry(agent.DefaultMatchPolicy(), logger, agent.WithSuccessRater(mon))
	if err := reg.RegisterAll([]*agent.Agent{
		{ID: "researcher", Role: "researcher", Capabilities: []string{"research"}},
		{ID: "writer", Role: "writer", Capabilities: []string{"writing"}},
	}); err != nil {
		t.Fatalf("register agents: %v", err)
	}
	res := resource.NewManager(resource.DefaultConfig(), logger)
	st := store.NewMemory()
	exec := agent.ExecutorFunc(func(ctx context.Context, a *agent.Agent, req *agent.TaskRequest) (json.RawMessage, error) {
		if strings.Contains(req.Description, "hold") {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if strings.Contains(req.Description, "fail") {
			return nil, failure.Permanent(errors.New("rejected by agent"))
		}
		return json.RawMessage(`{"done":true}`), nil
	})
	mc := metrics.NewCollector("api_test", logger)
	rec := orchestrator.NewRecorder(0)
	pm := project.NewManager(orchestrator.Deps{
		Registry:  reg,
		Resources: res,
		Monitor:   mon,
		Handler:   failure.NewHandler(failure.DefaultPolicy(), logger),
		Executor:  exec,
		Store:     st,
		Bus:       rec,
		Metrics:   mc,
	}, orchestrator.Config{TickInterval: 2 * time.Millisecond, TaskTimeout: time.Second, PersistTimeout: time.Second, TaskSlots: 1}, logger)

	alerts := alert.NewBroadcaster(0, logger)
	h := NewHandler(Deps{
		Projects:  pm,
		Registry:  reg,
		Store:     st,
		Resources: res,
		Monitor:   mon,
		Alerts:    alerts,
		Metrics:   mc,
		Events:    rec,
	}, logger)
	ts := httptest.NewServer(h.Router())
	t.Cleanup(func() {
		ts.Close()
		select {
		case <-release:
		default:
			close(release)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		pm.Close(ctx)
	})
	return ts, st, release
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected %d, got %d: %s", want, resp.StatusCode, body)
	}
}

// waitStatus polls the status endpoint until the workflow is terminal.
func waitStatus(t *testing.T, ts *httptest.Server, id string) orchestrator.StatusReport {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		var rep orchestrator.StatusReport
		resp := getJSON(t, ts, "/api/workflows/"+id)
		expectStatus(t, resp, http.StatusOK)
		decodeJSON(t, resp, &rep)
		if rep.Status.Terminal() {
			return rep
		}
		if time.Now().After(deadline) {
			t.Fatalf("workflow %s still %s", id, rep.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func contentWorkflow(project string, tasks ...workflow.TaskDefinition) map[string]interface{} {
	return map[string]interface{}{
		"workflow_type":      "content",
		"project_id":         project,
		"crew_name":          "content",
		"parallel_execution": false,
		"tasks":              tasks,
	}
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := getJSON(t, ts, "/api/health")
	expectStatus(t, resp, http.StatusOK)
	var body map[string]interface{}
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
	if body["agents"] != float64(2) {
		t.Errorf("expected 2 agents, got %v", body["agents"])
	}
}

func TestSubmitAndStatus(t *testing.T) {
	ts, st, _ := newTestServer(t)

	resp := postJSON(t, ts, "/api/workflows", contentWorkflow("acme",
		workflow.TaskDefinition{ID: "research", Type: "research", Description: "find sources"},
		workflow.TaskDefinition{ID: "draft", Type: "writing", Description: "write", DependsOn: []string{"research"}},
	))
	expectStatus(t, resp, http.StatusCreated)
	var sub submitResponse
	decodeJSON(t, resp, &sub)
	if sub.WorkflowID == "" || sub.Status != workflow.StatusRunning {
		t.Fatalf("unexpected submit response %+v", sub)
	}

	rep := waitStatus(t, ts, sub.WorkflowID)
	if rep.Status != workflow.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", rep.Status, rep.Reason)
	}
	if rep.Progress.Completed != 2 || len(rep.Results) != 2 {
		t.Errorf("unexpected progress %+v results %d", rep.Progress, len(rep.Results))
	}
	if rep.Results["draft"].AgentID != "writer" {
		t.Errorf("expected draft by writer, got %q", rep.Results["draft"].AgentID)
	}

	stored, err := st.GetWorkflow(context.Background(), sub.WorkflowID)
	if err != nil || stored.Status != workflow.StatusCompleted {
		t.Fatalf("store: %v %v", stored, err)
	}

	resp = getJSON(t, ts, "/api/workflows?project_id=acme&status=completed")
	expectStatus(t, resp, http.StatusOK)
	var list []orchestrator.StatusReport
	decodeJSON(t, resp, &list)
	if len(list) != 1 || list[0].WorkflowID != sub.WorkflowID {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestWorkflowEvents(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := postJSON(t, ts, "/api/workflows", contentWorkflow("acme",
		workflow.TaskDefinition{ID: "research", Type: "research", Description: "find sources"},
	))
	expectStatus(t, resp, http.StatusCreated)
	var sub submitResponse
	decodeJSON(t, resp, &sub)
	waitStatus(t, ts, sub.WorkflowID)

	var events []orchestrator.Event
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp = getJSON(t, ts, "/api/workflows/"+sub.WorkflowID+"/events")
		expectStatus(t, resp, http.StatusOK)
		events = nil
		decodeJSON(t, resp, &events)
		if n := len(events); n > 0 && events[n-1].Type == orchestrator.EventWorkflowStatus &&
			events[n-1].Status == string(workflow.StatusCompleted) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no terminal workflow event in %+v", events)
		}
		time.Sleep(5 * time.Millisecond)
	}

	var sawTask bool
	for _, ev := range events {
		if ev.WorkflowID != sub.WorkflowID {
			t.Errorf("event %s belongs to workflow %s", ev.ID, ev.WorkflowID)
		}
		if ev.Type == orchestrator.EventTaskStatus && ev.TaskID == "research" && ev.Status == string(workflow.TaskCompleted) {
			sawTask = true
		}
	}
	if !sawTask {
		t.Errorf("missing completion event for task research in %+v", events)
	}

	resp = getJSON(t, ts, "/api/workflows/missing/events")
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestSubmitValidation(t *testing.T) {
	ts, st, _ := newTestServer(t)

	cases := map[string]interface{}{
		"no tasks": contentWorkflow("acme"),
		"cycle": contentWorkflow("acme",
			workflow.TaskDefinition{ID: "a", Type: "research", DependsOn: []string{"b"}},
			workflow.TaskDefinition{ID: "b", Type: "writing", DependsOn: []string{"a"}},
		),
		"unknown dependency": contentWorkflow("acme",
			workflow.TaskDefinition{ID: "a", Type: "research", DependsOn: []string{"ghost"}},
		),
		"no project": contentWorkflow("",
			workflow.TaskDefinition{ID: "a", Type: "research"},
		),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp := postJSON(t, ts, "/api/workflows", body)
			expectStatus(t, resp, http.StatusBadRequest)
			var e errorResponse
			decodeJSON(t, resp, &e)
			if e.Code != failure.CodeValidation {
				t.Errorf("expected validation_error, got %q", e.Code)
			}
		})
	}

	resp, err := http.Post(ts.URL+"/api/workflows", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatal(err)
	}
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	wfs, _ := st.ListWorkflows(context.Background(), store.Filter{})
	if len(wfs) != 0 {
		t.Errorf("rejected submissions left %d workflows", len(wfs))
	}
}

func TestWorkflowControl(t *testing.T) {
	ts, _, release := newTestServer(t)

	resp := postJSON(t, ts, "/api/workflows", contentWorkflow("acme",
		workflow.TaskDefinition{ID: "research", Type: "research", Description: "hold"},
		workflow.TaskDefinition{ID: "draft", Type: "writing", DependsOn: []string{"research"}},
	))
	expectStatus(t, resp, http.StatusCreated)
	var sub submitResponse
	decodeJSON(t, resp, &sub)
	base := "/api/workflows/" + sub.WorkflowID

	resp = postJSON(t, ts, base+"/pause", nil)
	expectStatus(t, resp, http.StatusOK)
	var ctl submitResponse
	decodeJSON(t, resp, &ctl)
	if ctl.Status != workflow.StatusPaused {
		t.Fatalf("expected paused, got %s", ctl.Status)
	}

	resp = postJSON(t, ts, base+"/resume", nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	for i := 0; i < 2; i++ {
		resp = postJSON(t, ts, base+"/cancel", nil)
		expectStatus(t, resp, http.StatusOK)
		decodeJSON(t, resp, &ctl)
		if ctl.Status != workflow.StatusCancelled {
			t.Fatalf("cancel %d: expected cancelled, got %s", i, ctl.Status)
		}
	}
	close(release)

	rep := waitStatus(t, ts, sub.WorkflowID)
	if rep.Status != workflow.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", rep.Status)
	}

	resp = postJSON(t, ts, base+"/resume", nil)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/workflows/ghost/pause", nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/workflows/ghost")
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestCrossProject(t *testing.T) {
	ts, _, _ := newTestServer(t)

	sub := func(project, desc string) map[string]interface{} {
		w := contentWorkflow(project, workflow.TaskDefinition{ID: "research", Type: "research", Description: desc})
		return w
	}
	resp := postJSON(t, ts, "/api/cross-project", map[string]interface{}{
		"strategy":  "parallel",
		"workflows": []interface{}{sub("project1", "fail please"), sub("project2", "fine")},
	})
	expectStatus(t, resp, http.StatusOK)
	var res project.CrossProjectResult
	decodeJSON(t, resp, &res)
	if res.Status != project.OverallPartial {
		t.Fatalf("expected partial, got %s", res.Status)
	}
	if len(res.Results) != 2 {
		t.Fatalf("expected 2 sub-results, got %d", len(res.Results))
	}
	if res.Results["project1_content"].Status != string(workflow.StatusFailed) {
		t.Errorf("project1: %+v", res.Results["project1_content"])
	}
	if !res.Results["project2_content"].Succeeded() {
		t.Errorf("project2: %+v", res.Results["project2_content"])
	}

	resp = postJSON(t, ts, "/api/cross-project", map[string]interface{}{"strategy": "random"})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestAgentEndpoints(t *testing.T) {
	ts, st, _ := newTestServer(t)

	resp := postJSON(t, ts, "/api/agents", map[string]interface{}{
		"id": "editor", "role": "editor", "capabilities": []string{"Review"},
	})
	expectStatus(t, resp, http.StatusCreated)
	var created agentView
	decodeJSON(t, resp, &created)
	if created.ID != "editor" || created.Capabilities[0] != "review" {
		t.Fatalf("unexpected agent %+v", created.Agent)
	}

	persisted, _ := st.ListAgents(context.Background())
	if len(persisted) != 1 || persisted[0].ID != "editor" {
		t.Errorf("expected editor persisted, got %d agents", len(persisted))
	}

	resp = postJSON(t, ts, "/api/agents", map[string]interface{}{"id": "editor", "role": "dup"})
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/agents", map[string]interface{}{"id": "orphan", "parent_id": "ghost"})
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/agents")
	expectStatus(t, resp, http.StatusOK)
	var list []agentView
	decodeJSON(t, resp, &list)
	if len(list) != 3 {
		t.Errorf("expected 3 agents, got %d", len(list))
	}

	resp = getJSON(t, ts, "/api/agents/writer")
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/agents/ghost")
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestPerformanceAndResources(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := postJSON(t, ts, "/api/workflows", contentWorkflow("acme",
		workflow.TaskDefinition{ID: "research", Type: "research"},
	))
	expectStatus(t, resp, http.StatusCreated)
	var sub submitResponse
	decodeJSON(t, resp, &sub)
	waitStatus(t, ts, sub.WorkflowID)

	resp = getJSON(t, ts, "/api/performance")
	expectStatus(t, resp, http.StatusOK)
	var ov performance.Overview
	decodeJSON(t, resp, &ov)
	if ov.TotalTasks != 1 || ov.SuccessRate != 1 {
		t.Errorf("unexpected overview %+v", ov)
	}

	resp = getJSON(t, ts, "/api/performance/agents/researcher")
	expectStatus(t, resp, http.StatusOK)
	var d performance.AgentDetail
	decodeJSON(t, resp, &d)
	if d.Stats.Count != 1 {
		t.Errorf("expected 1 sample, got %d", d.Stats.Count)
	}

	resp = getJSON(t, ts, "/api/performance/agents/ghost")
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/resources")
	expectStatus(t, resp, http.StatusOK)
	var usage resource.Usage
	decodeJSON(t, resp, &usage)
	if usage.Capacity.Slots != 100 || usage.Used.Slots != 0 {
		t.Errorf("unexpected usage %+v", usage)
	}

	resp = getJSON(t, ts, "/api/alerts")
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := getJSON(t, ts, "/api/health")
	resp.Body.Close()

	resp = getJSON(t, ts, "/metrics")
	expectStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `api_test_http_requests_total{method="GET",route="/api/health",status="200"} 1`) {
		t.Errorf("health request not counted:\n%s", body)
	}
}

func TestStatusOf(t *testing.T) {
	cases := map[failure.Code]int{
		failure.CodeValidation:        400,
		failure.CodeNotFound:          404,
		failure.CodeInvalidTransition: 409,
		failure.CodeNoEligibleAgent:   422,
		failure.CodeResourceExhausted: 429,
		failure.CodeTaskExecution:     500,
	}
	for code, want := range cases {
		if got := statusOf(code); got != want {
			t.Errorf("%s: expected %d, got %d", code, want, got)
		}
	}
}
