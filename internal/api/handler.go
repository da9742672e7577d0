package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
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

// Deps are the components the HTTP surface exposes. Alerts, Metrics and
// Events are optional.
type Deps struct {
	Projects    *project.Manager
	Registry    *agent.Registry
	Store       store.Store
	Resources   *resource.Manager
	Monitor     *performance.Monitor
	Alerts      *alert.Broadcaster
	Metrics     *metrics.Collector
	Events      *orchestrator.Recorder
	CORSOrigins []string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	deps    Deps
	started time.Time
	logger  *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		deps:    deps,
		started: time.Now(),
		logger:  logger.With(zap.String("component", "api")),
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	origins := h.deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Handle("/metrics", h.deps.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/workflows", h.submitWorkflow)
		r.Get("/workflows", h.listWorkflows)
		r.Get("/workflows/{id}", h.workflowStatus)
		r.Post("/workflows/{id}/pause", h.pauseWorkflow)
		r.Post("/workflows/{id}/resume", h.resumeWorkflow)
		r.Post("/workflows/{id}/cancel", h.cancelWorkflow)
		r.Get("/workflows/{id}/events", h.workflowEvents)
		r.Post("/cross-project", h.crossProject)

		r.Get("/agents", h.listAgents)
		r.Post("/agents", h.createAgent)
		r.Get("/agents/{id}", h.getAgent)

		r.Get("/performance", h.performanceOverview)
		r.Get("/performance/agents/{id}", h.agentPerformance)
		r.Get("/resources", h.resources)
		r.Get("/alerts", h.alertHistory)
	})

	return r
}

// instrument records every request in the HTTP metrics under its route
// pattern.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.deps.Metrics.RecordHTTPRequest(r.Method, route, status, time.Since(start))
	})
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"agents":   h.deps.Registry.Count(),
		"projects": h.deps.Projects.Projects(),
		"uptime":   time.Since(h.started).Round(time.Second).String(),
	})
}

type submitResponse struct {
	WorkflowID string          `json:"workflow_id"`
	Status     workflow.Status `json:"status"`
}

func (h *Handler) submitWorkflow(w http.ResponseWriter, r *http.Request) {
	var def workflow.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, failure.Wrap(failure.CodeValidation, err, "invalid request body"))
		return
	}
	wf, err := h.deps.Projects.Submit(r.Context(), def)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{WorkflowID: wf.ID, Status: wf.Status})
}

func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{ProjectID: q.Get("project_id")}
	if s := q.Get("status"); s != "" {
		for _, st := range strings.Split(s, ",") {
			f.Statuses = append(f.Statuses, workflow.Status(strings.TrimSpace(st)))
		}
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(w, failure.Newf(failure.CodeValidation, "invalid limit %q", l))
			return
		}
		f.Limit = n
	}
	wfs, err := h.deps.Projects.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]*orchestrator.StatusReport, 0, len(wfs))
	for _, wf := range wfs {
		rep := orchestrator.Report(wf)
		rep.Tasks = nil
		rep.Results = nil
		out = append(out, rep)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) workflowStatus(w http.ResponseWriter, r *http.Request) {
	rep, err := h.deps.Projects.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// workflowEvents lists the lifecycle events this process recorded for a
// workflow, oldest first.
func (h *Handler) workflowEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.deps.Projects.Status(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	events := []*orchestrator.Event{}
	if h.deps.Events != nil {
		events = append(events, h.deps.Events.Events(id)...)
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) pauseWorkflow(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.deps.Projects.Pause)
}

func (h *Handler) resumeWorkflow(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.deps.Projects.Resume)
}

func (h *Handler) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.deps.Projects.Cancel)
}

func (h *Handler) control(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (workflow.Status, error)) {
	id := chi.URLParam(r, "id")
	status, err := op(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{WorkflowID: id, Status: status})
}

func (h *Handler) crossProject(w http.ResponseWriter, r *http.Request) {
	var spec project.CrossProjectSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, failure.Wrap(failure.CodeValidation, err, "invalid request body"))
		return
	}
	res, err := h.deps.Projects.ExecuteCrossProjectWorkflow(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// agentView adds live load and success rate to an agent.
type agentView struct {
	*agent.Agent
	Load        int64    `json:"load"`
	SuccessRate *float64 `json:"success_rate,omitempty"`
}

func (h *Handler) view(a *agent.Agent) agentView {
	v := agentView{Agent: a, Load: h.deps.Registry.Load(a.ID)}
	if rate, ok := h.deps.Monitor.SuccessRate(a.ID); ok {
		v.SuccessRate = &rate
	}
	return v
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	agents := h.deps.Registry.List()
	out := make([]agentView, 0, len(agents))
	for _, a := range agents {
		out = append(out, h.view(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) createAgent(w http.ResponseWriter, r *http.Request) {
	var a agent.Agent
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeError(w, failure.Wrap(failure.CodeValidation, err, "invalid request body"))
		return
	}
	if err := h.deps.Registry.Register(&a); err != nil {
		writeError(w, err)
		return
	}
	created, _ := h.deps.Registry.Get(a.ID)
	if h.deps.Store != nil {
		if err := h.deps.Store.SaveAgent(r.Context(), created); err != nil {
			h.logger.Error("persist agent failed", zap.String("agent", a.ID), zap.Error(err))
		}
	}
	h.deps.Metrics.SetAgentsRegistered(h.deps.Registry.Count())
	writeJSON(w, http.StatusCreated, h.view(created))
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, ok := h.deps.Registry.Get(id)
	if !ok {
		writeError(w, failure.Newf(failure.CodeNotFound, "agent %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, h.view(a))
}

func (h *Handler) performanceOverview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Monitor.Overview(h.deps.Resources.Utilization()))
}

func (h *Handler) agentPerformance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, ok := h.deps.Monitor.AgentDetail(id)
	if !ok {
		writeError(w, failure.Newf(failure.CodeNotFound, "no metrics for agent %q", id))
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) resources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Resources.Snapshot())
}

func (h *Handler) alertHistory(w http.ResponseWriter, r *http.Request) {
	if h.deps.Alerts == nil {
		writeJSON(w, http.StatusOK, []alert.Record{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, h.deps.Alerts.History(limit))
}

type errorResponse struct {
	Error string       `json:"error"`
	Code  failure.Code `json:"code"`
}

// statusOf maps an error code to an HTTP status.
func statusOf(code failure.Code) int {
	switch code {
	case failure.CodeValidation:
		return http.StatusBadRequest
	case failure.CodeNotFound, failure.CodeUnknownAgent:
		return http.StatusNotFound
	case failure.CodeInvalidTransition, failure.CodeDuplicateAgent, failure.CodeCyclicHierarchy:
		return http.StatusConflict
	case failure.CodeNoEligibleAgent, failure.CodeCapabilityMismatch:
		return http.StatusUnprocessableEntity
	case failure.CodeResourceExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := failure.CodeOf(err)
	msg := err.Error()
	var fe *failure.Error
	if errors.As(err, &fe) && fe.Message != "" {
		msg = fe.Message
	}
	writeJSON(w, statusOf(code), errorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
