package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecords(t *testing.T) {
	c := NewCollector("orchestrator", nil)

	c.RecordWorkflowTransition("p1", "running")
	c.RecordWorkflowTransition("p1", "running")
	c.RecordTaskExecution("p1", "writer", "success", 2*time.Second)
	c.RecordRecoveryAction("retry", "transient")
	c.RecordAdmission("p1", false)
	c.SetResourceUtilization(0.4)
	c.SetAgentsRegistered(3)
	c.AddActiveWorkflows("p1", 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.workflowTransitions.WithLabelValues("p1", "running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.taskExecutions.WithLabelValues("p1", "writer", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.recoveryActions.WithLabelValues("retry", "transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.admissions.WithLabelValues("p1", "denied")))
	assert.Equal(t, 0.4, testutil.ToFloat64(c.resourceUtilization))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.agentsRegistered))
}

func TestCollectorHandler(t *testing.T) {
	c := NewCollector("orchestrator", nil)
	c.RecordHTTPRequest("GET", "/api/health", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `orchestrator_http_requests_total{method="GET",route="/api/health",status="200"} 1`)
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordWorkflowTransition("p", "failed")
		c.RecordTaskExecution("p", "a", "failure", time.Second)
		c.SetResourceUtilization(1)
		c.AddActiveWorkflows("p", -1)
	})
	assert.Nil(t, c.Registry())
}
