// Package metrics exposes the engine's Prometheus metrics. Every method is
// safe on a nil *Collector, which records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector holds the metric vectors on its own registry.
type Collector struct {
	registry *prometheus.Registry

	workflowTransitions *prometheus.CounterVec
	taskExecutions      *prometheus.CounterVec
	taskDuration        *prometheus.HistogramVec
	recoveryActions     *prometheus.CounterVec
	admissions          *prometheus.CounterVec
	resourceUtilization prometheus.Gauge
	agentsRegistered    prometheus.Gauge
	activeWorkflows     *prometheus.GaugeVec

	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector creates a collector with Go and process collectors attached.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.workflowTransitions = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_transitions_total",
			Help:      "Workflow state transitions by target status",
		},
		[]string{"project", "status"},
	)

	c.taskExecutions = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_executions_total",
			Help:      "Task executions by agent and outcome",
		},
		[]string{"project", "agent", "outcome"},
	)

	c.taskDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task execution latency in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"project", "agent"},
	)

	c.recoveryActions = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_recovery_actions_total",
			Help:      "Error handler decisions by action and failure kind",
		},
		[]string{"action", "kind"},
	)

	c.admissions = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Admission control decisions",
		},
		[]string{"project", "result"},
	)

	c.resourceUtilization = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "resource_utilization_ratio",
		Help:      "Global resource pool utilization",
	})

	c.agentsRegistered = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "agents_registered",
		Help:      "Number of registered agents",
	})

	c.activeWorkflows = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workflows",
			Help:      "Workflows with a running dispatch loop",
		},
		[]string{"project"},
	)

	c.httpRequests = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	c.httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordWorkflowTransition counts a workflow entering status.
func (c *Collector) RecordWorkflowTransition(project, status string) {
	if c == nil {
		return
	}
	c.workflowTransitions.WithLabelValues(project, status).Inc()
}

// RecordTaskExecution records one task attempt.
func (c *Collector) RecordTaskExecution(project, agent, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.taskExecutions.WithLabelValues(project, agent, outcome).Inc()
	c.taskDuration.WithLabelValues(project, agent).Observe(d.Seconds())
}

// RecordRecoveryAction counts an error handler decision.
func (c *Collector) RecordRecoveryAction(action, kind string) {
	if c == nil {
		return
	}
	c.recoveryActions.WithLabelValues(action, kind).Inc()
}

// RecordAdmission counts an admission decision.
func (c *Collector) RecordAdmission(project string, admitted bool) {
	if c == nil {
		return
	}
	result := "admitted"
	if !admitted {
		result = "denied"
	}
	c.admissions.WithLabelValues(project, result).Inc()
}

// SetResourceUtilization sets the pool utilization gauge.
func (c *Collector) SetResourceUtilization(u float64) {
	if c == nil {
		return
	}
	c.resourceUtilization.Set(u)
}

// SetAgentsRegistered sets the registered agents gauge.
func (c *Collector) SetAgentsRegistered(n int) {
	if c == nil {
		return
	}
	c.agentsRegistered.Set(float64(n))
}

// AddActiveWorkflows moves the active workflows gauge by delta.
func (c *Collector) AddActiveWorkflows(project string, delta int) {
	if c == nil {
		return
	}
	c.activeWorkflows.WithLabelValues(project).Add(float64(delta))
}

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
