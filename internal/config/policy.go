package config

import (
	"time"

	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/agent"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/failure"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/orchestrator"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/performance"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/resource"
)

// Policy carries every tunable of the engine. Unset fields keep the
// component defaults; components clamp out-of-range values themselves.
type Policy struct {
	Matching    agent.MatchPolicy `json:"matching"`
	Recovery    RecoveryPolicy    `json:"recovery"`
	Resources   ResourcePolicy    `json:"resources"`
	Performance PerformancePolicy `json:"performance"`
	Scheduling  SchedulingPolicy  `json:"scheduling"`
}

type RecoveryPolicy struct {
	MaxRetries     int      `json:"max_retries"`
	InitialDelay   Duration `json:"initial_delay"`
	MaxDelay       Duration `json:"max_delay"`
	Multiplier     float64  `json:"multiplier"`
	Jitter         float64  `json:"jitter"`
	RequeueDelay   Duration `json:"requeue_delay"`
	MaxEscalations int      `json:"max_escalations"`
}

type ResourcePolicy struct {
	Capacity         resource.Dimensions `json:"capacity"`
	Ceiling          float64             `json:"ceiling"`
	ProjectQuota     int                 `json:"project_quota"`
	ProjectQuotas    map[string]int      `json:"project_quotas,omitempty"`
	AdmissionRate    float64             `json:"admission_rate"`
	AdmissionBurst   int                 `json:"admission_burst"`
	ScaleUpThreshold float64             `json:"scale_up_threshold"`
	SustainedWindow  Duration            `json:"sustained_window"`
	History          int                 `json:"history"`
}

type PerformancePolicy struct {
	Retention        Duration `json:"retention"`
	TrendWindow      Duration `json:"trend_window"`
	LatencySLA       Duration `json:"latency_sla"`
	MinSuccessRate   float64  `json:"min_success_rate"`
	DegradationDelta float64  `json:"degradation_delta"`
	MinSamples       int      `json:"min_samples"`
}

type SchedulingPolicy struct {
	TickInterval   Duration `json:"tick_interval"`
	TaskTimeout    Duration `json:"task_timeout"`
	PersistTimeout Duration `json:"persist_timeout"`
	TaskSlots      int      `json:"task_slots"`
	// ClockInterval drives pruning, utilization sampling and gauges.
	ClockInterval Duration `json:"clock_interval"`
}

// DefaultPolicy mirrors the component defaults.
func DefaultPolicy() Policy {
	fp := failure.DefaultPolicy()
	rc := resource.DefaultConfig()
	pc := performance.DefaultConfig()
	oc := orchestrator.DefaultConfig()
	return Policy{
		Matching: agent.DefaultMatchPolicy(),
		Recovery: RecoveryPolicy{
			MaxRetries:     fp.MaxRetries,
			InitialDelay:   Duration(fp.InitialDelay),
			MaxDelay:       Duration(fp.MaxDelay),
			Multiplier:     fp.Multiplier,
			Jitter:         fp.Jitter,
			RequeueDelay:   Duration(fp.RequeueDelay),
			MaxEscalations: fp.MaxEscalations,
		},
		Resources: ResourcePolicy{
			Capacity:         rc.Capacity,
			Ceiling:          rc.Ceiling,
			ProjectQuota:     rc.ProjectQuota,
			AdmissionRate:    rc.AdmissionRate,
			AdmissionBurst:   rc.AdmissionBurst,
			ScaleUpThreshold: rc.ScaleUpThreshold,
			SustainedWindow:  Duration(rc.SustainedWindow),
			History:          rc.History,
		},
		Performance: PerformancePolicy{
			Retention:        Duration(pc.Retention),
			TrendWindow:      Duration(pc.TrendWindow),
			LatencySLA:       Duration(pc.LatencySLA),
			MinSuccessRate:   pc.MinSuccessRate,
			DegradationDelta: pc.DegradationDelta,
			MinSamples:       pc.MinSamples,
		},
		Scheduling: SchedulingPolicy{
			TickInterval:   Duration(oc.TickInterval),
			TaskTimeout:    Duration(oc.TaskTimeout),
			PersistTimeout: Duration(oc.PersistTimeout),
			TaskSlots:      oc.TaskSlots,
			ClockInterval:  Duration(10 * time.Second),
		},
	}
}

// Failure returns the error handler policy.
func (p Policy) Failure() failure.Policy {
	r := p.Recovery
	return failure.Policy{
		MaxRetries:     r.MaxRetries,
		InitialDelay:   r.InitialDelay.Duration(),
		MaxDelay:       r.MaxDelay.Duration(),
		Multiplier:     r.Multiplier,
		Jitter:         r.Jitter,
		RequeueDelay:   r.RequeueDelay.Duration(),
		MaxEscalations: r.MaxEscalations,
	}
}

// Resource returns the resource manager config.
func (p Policy) Resource() resource.Config {
	r := p.Resources
	return resource.Config{
		Capacity:         r.Capacity,
		Ceiling:          r.Ceiling,
		ProjectQuota:     r.ProjectQuota,
		ProjectQuotas:    r.ProjectQuotas,
		AdmissionRate:    r.AdmissionRate,
		AdmissionBurst:   r.AdmissionBurst,
		ScaleUpThreshold: r.ScaleUpThreshold,
		SustainedWindow:  r.SustainedWindow.Duration(),
		History:          r.History,
	}
}

// Monitor returns the performance monitor config.
func (p Policy) Monitor() performance.Config {
	m := p.Performance
	return performance.Config{
		Retention:        m.Retention.Duration(),
		TrendWindow:      m.TrendWindow.Duration(),
		LatencySLA:       m.LatencySLA.Duration(),
		MinSuccessRate:   m.MinSuccessRate,
		DegradationDelta: m.DegradationDelta,
		MinSamples:       m.MinSamples,
	}
}

// Orchestrator returns the per-workflow loop config.
func (p Policy) Orchestrator() orchestrator.Config {
	s := p.Scheduling
	return orchestrator.Config{
		TickInterval:   s.TickInterval.Duration(),
		TaskTimeout:    s.TaskTimeout.Duration(),
		PersistTimeout: s.PersistTimeout.Duration(),
		TaskSlots:      s.TaskSlots,
	}
}
