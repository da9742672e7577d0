package performance

import (
	"fmt"
	"time"
)

// Trend compares an agent's most recent window with the window before it.
type Trend struct {
	AgentID           string        `json:"agent_id"`
	Window            time.Duration `json:"window"`
	Current           Stats         `json:"current"`
	Previous          Stats         `json:"previous"`
	SuccessRateChange float64       `json:"success_rate_change"`
	LatencyChange     time.Duration `json:"latency_change"`
	Degraded          bool          `json:"degraded"`
}

// AnalyzeTrends computes [now-window, now] against [now-2·window, now-window).
// The trend is degraded when both windows hold MinSamples metrics and the
// success rate fell by more than DegradationDelta.
func (m *Monitor) AnalyzeTrends(agentID string, window time.Duration) Trend {
	if window <= 0 {
		window = m.cfg.TrendWindow
	}
	m.mu.RLock()
	s := m.series[agentID]
	now := m.now()
	cur := statsBetween(s, now.Add(-window), now.Add(time.Nanosecond))
	prev := statsBetween(s, now.Add(-2*window), now.Add(-window))
	m.mu.RUnlock()

	t := Trend{AgentID: agentID, Window: window, Current: cur, Previous: prev}
	if cur.Count > 0 && prev.Count > 0 {
		t.SuccessRateChange = cur.SuccessRate - prev.SuccessRate
		t.LatencyChange = cur.AvgLatency - prev.AvgLatency
	}
	if cur.Count >= m.cfg.MinSamples && prev.Count >= m.cfg.MinSamples &&
		prev.SuccessRate-cur.SuccessRate > m.cfg.DegradationDelta+1e-9 {
		t.Degraded = true
	}
	return t
}

// RecommendationKind classifies a recommendation.
type RecommendationKind string

const (
	RecommendScale       RecommendationKind = "scale"
	RecommendInvestigate RecommendationKind = "investigate"
	RecommendDegradation RecommendationKind = "degradation"
)

// Recommendation is one rule-based finding about an agent.
type Recommendation struct {
	Kind    RecommendationKind `json:"kind"`
	AgentID string             `json:"agent_id"`
	Message string             `json:"message"`
}

// GenerateRecommendations applies the latency SLA, minimum success rate and
// degradation rules to every agent with enough samples.
func (m *Monitor) GenerateRecommendations() []Recommendation {
	var out []Recommendation
	for _, id := range m.Agents() {
		out = append(out, m.recommendationsFor(id)...)
	}
	return out
}

func (m *Monitor) recommendationsFor(agentID string) []Recommendation {
	st := m.Stats(agentID)
	if st.Count < m.cfg.MinSamples {
		return nil
	}
	var out []Recommendation
	if st.AvgLatency > m.cfg.LatencySLA {
		out = append(out, Recommendation{
			Kind:    RecommendScale,
			AgentID: agentID,
			Message: fmt.Sprintf("agent %s average latency %s exceeds SLA %s: scale out or add capacity",
				agentID, st.AvgLatency.Round(time.Millisecond), m.cfg.LatencySLA),
		})
	}
	if st.SuccessRate < m.cfg.MinSuccessRate {
		out = append(out, Recommendation{
			Kind:    RecommendInvestigate,
			AgentID: agentID,
			Message: fmt.Sprintf("agent %s success rate %.0f%% below minimum %.0f%%: investigate or replace",
				agentID, st.SuccessRate*100, m.cfg.MinSuccessRate*100),
		})
	}
	if t := m.AnalyzeTrends(agentID, m.cfg.TrendWindow); t.Degraded {
		out = append(out, Recommendation{
			Kind:    RecommendDegradation,
			AgentID: agentID,
			Message: fmt.Sprintf("agent %s degraded: success rate fell from %.0f%% to %.0f%% over %s",
				agentID, t.Previous.SuccessRate*100, t.Current.SuccessRate*100, t.Window),
		})
	}
	return out
}

// Overview is the system-wide performance summary.
type Overview struct {
	Agents              int              `json:"agents"`
	TotalTasks          int              `json:"total_tasks"`
	Successes           int              `json:"successes"`
	Failures            int              `json:"failures"`
	SuccessRate         float64          `json:"success_rate"`
	ErrorRate           float64          `json:"error_rate"`
	AvgLatency          time.Duration    `json:"avg_execution_time"`
	ResourceUtilization float64          `json:"resource_utilization"`
	Recommendations     []string         `json:"recommendations"`
	Details             []Recommendation `json:"recommendation_details,omitempty"`
}

// Overview aggregates every agent over the trend window. utilization is the
// resource pool's current utilization, supplied by the caller.
func (m *Monitor) Overview(utilization float64) Overview {
	ov := Overview{ResourceUtilization: utilization, Recommendations: []string{}}
	var total Stats
	m.mu.RLock()
	now := m.now()
	for _, s := range m.series {
		st := statsBetween(s, now.Add(-m.cfg.TrendWindow), now.Add(time.Nanosecond))
		if st.Count == 0 {
			continue
		}
		ov.Agents++
		total.Count += st.Count
		total.Successes += st.Successes
		total.Failures += st.Failures
		total.total += st.total
	}
	m.mu.RUnlock()
	total.finish()

	ov.TotalTasks = total.Count
	ov.Successes = total.Successes
	ov.Failures = total.Failures
	ov.SuccessRate = total.SuccessRate
	ov.ErrorRate = total.ErrorRate
	ov.AvgLatency = total.AvgLatency
	ov.Details = m.GenerateRecommendations()
	for _, r := range ov.Details {
		ov.Recommendations = append(ov.Recommendations, r.Message)
	}
	return ov
}

// AgentDetail is the per-agent performance view.
type AgentDetail struct {
	AgentID         string   `json:"agent_id"`
	Stats           Stats    `json:"stats"`
	Trend           Trend    `json:"trend"`
	Recommendations []string `json:"recommendations"`
}

// AgentDetail returns the agent's metrics, or false when none are retained.
func (m *Monitor) AgentDetail(agentID string) (AgentDetail, bool) {
	m.mu.RLock()
	_, ok := m.series[agentID]
	m.mu.RUnlock()
	if !ok {
		return AgentDetail{}, false
	}
	d := AgentDetail{
		AgentID:         agentID,
		Stats:           m.Stats(agentID),
		Trend:           m.AnalyzeTrends(agentID, m.cfg.TrendWindow),
		Recommendations: []string{},
	}
	for _, r := range m.recommendationsFor(agentID) {
		d.Recommendations = append(d.Recommendations, r.Message)
	}
	return d, true
}
