// Package performance records per-agent task outcomes in a rolling window
// and turns them into trends and rule-based recommendations.
package performance

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Metric is one task outcome. Metrics are appended and never modified.
type Metric struct {
	AgentID   string        `json:"agent_id"`
	Timestamp time.Time     `json:"timestamp"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
}

// Config holds the monitor thresholds.
type Config struct {
	Retention        time.Duration `json:"retention"`
	TrendWindow      time.Duration `json:"trend_window"`
	LatencySLA       time.Duration `json:"latency_sla"`
	MinSuccessRate   float64       `json:"min_success_rate"`
	DegradationDelta float64       `json:"degradation_delta"`
	MinSamples       int           `json:"min_samples"`
}

// DefaultConfig keeps two trend windows of history so the prior window is
// always available.
func DefaultConfig() Config {
	return Config{
		Retention:        48 * time.Hour,
		TrendWindow:      24 * time.Hour,
		LatencySLA:       30 * time.Second,
		MinSuccessRate:   0.9,
		DegradationDelta: 0.1,
		MinSamples:       5,
	}
}

// Validate clamps out-of-range values.
func (c *Config) Validate() {
	d := DefaultConfig()
	if c.TrendWindow <= 0 {
		c.TrendWindow = d.TrendWindow
	}
	if c.Retention < 2*c.TrendWindow {
		c.Retention = 2 * c.TrendWindow
	}
	if c.LatencySLA <= 0 {
		c.LatencySLA = d.LatencySLA
	}
	if c.MinSuccessRate < 0 || c.MinSuccessRate > 1 {
		c.MinSuccessRate = d.MinSuccessRate
	}
	if c.DegradationDelta <= 0 || c.DegradationDelta > 1 {
		c.DegradationDelta = d.DegradationDelta
	}
	if c.MinSamples < 1 {
		c.MinSamples = 1
	}
}

// Monitor is the process-scoped metric store. Create it with New, inject
// it where needed and Close it on shutdown.
type Monitor struct {
	cfg    Config
	mu     sync.RWMutex
	series map[string][]Metric // agentID -> metrics ordered by timestamp
	closed bool
	now    func() time.Time
	logger *zap.Logger
}

// New creates a monitor.
func New(cfg Config, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Validate()
	return &Monitor{
		cfg:    cfg,
		series: make(map[string][]Metric),
		now:    time.Now,
		logger: logger.With(zap.String("component", "performance_monitor")),
	}
}

// Config returns the effective configuration.
func (m *Monitor) Config() Config { return m.cfg }

// Close drops every metric. Later calls to Collect are ignored.
func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.series = make(map[string][]Metric)
	return nil
}

// Collect records an outcome observed now.
func (m *Monitor) Collect(agentID string, latency time.Duration, success bool) {
	m.Record(Metric{AgentID: agentID, Timestamp: m.now(), Latency: latency, Success: success})
}

// Record appends a metric with its own timestamp and prunes the agent's
// series.
func (m *Monitor) Record(metric Metric) {
	if metric.AgentID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	s := m.series[metric.AgentID]
	i := sort.Search(len(s), func(i int) bool { return s[i].Timestamp.After(metric.Timestamp) })
	s = append(s, Metric{})
	copy(s[i+1:], s[i:])
	s[i] = metric
	m.series[metric.AgentID] = pruneBefore(s, m.now().Add(-m.cfg.Retention))
}

// OnTick prunes every series; it is driven by the maintenance clock.
func (m *Monitor) OnTick(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-m.cfg.Retention)
	for id, s := range m.series {
		s = pruneBefore(s, cutoff)
		if len(s) == 0 {
			delete(m.series, id)
			continue
		}
		m.series[id] = s
	}
}

func pruneBefore(s []Metric, cutoff time.Time) []Metric {
	i := sort.Search(len(s), func(i int) bool { return !s[i].Timestamp.Before(cutoff) })
	if i == 0 {
		return s
	}
	return append([]Metric(nil), s[i:]...)
}

// Stats aggregates a set of metrics.
type Stats struct {
	Count       int           `json:"count"`
	Successes   int           `json:"successes"`
	Failures    int           `json:"failures"`
	SuccessRate float64       `json:"success_rate"`
	ErrorRate   float64       `json:"error_rate"`
	AvgLatency  time.Duration `json:"avg_latency"`

	total time.Duration
}

func (s *Stats) add(mt Metric) {
	s.Count++
	if mt.Success {
		s.Successes++
	} else {
		s.Failures++
	}
	s.total += mt.Latency
}

func (s *Stats) finish() {
	if s.Count > 0 {
		s.SuccessRate = float64(s.Successes) / float64(s.Count)
		s.ErrorRate = float64(s.Failures) / float64(s.Count)
		s.AvgLatency = s.total / time.Duration(s.Count)
	}
}

// statsBetween aggregates metrics with from <= ts < to. Metrics at exactly
// now are included by passing to = now + 1ns.
func statsBetween(s []Metric, from, to time.Time) Stats {
	var st Stats
	lo := sort.Search(len(s), func(i int) bool { return !s[i].Timestamp.Before(from) })
	for _, mt := range s[lo:] {
		if !mt.Timestamp.Before(to) {
			break
		}
		st.add(mt)
	}
	st.finish()
	return st
}

// SuccessRate returns the agent's success rate over the trend window.
func (m *Monitor) SuccessRate(agentID string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	st := statsBetween(m.series[agentID], now.Add(-m.cfg.TrendWindow), now.Add(time.Nanosecond))
	if st.Count == 0 {
		return 0, false
	}
	return st.SuccessRate, true
}

// Stats returns the agent's aggregate over the trend window.
func (m *Monitor) Stats(agentID string) Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	return statsBetween(m.series[agentID], now.Add(-m.cfg.TrendWindow), now.Add(time.Nanosecond))
}

// Agents returns the ids of agents with retained metrics.
func (m *Monitor) Agents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.series))
	for id := range m.series {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
