// Package resource implements admission control: a global pool of
// concurrency slots and CPU/memory proxies, per-project quotas and release
// handles.
package resource

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/failure"
)

// Dimensions is an amount of each tracked resource. A zero capacity in a
// dimension means that dimension is not tracked.
type Dimensions struct {
	Slots  int     `json:"slots"`
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory_mb"`
}

func (d Dimensions) add(o Dimensions) Dimensions {
	return Dimensions{Slots: d.Slots + o.Slots, CPU: d.CPU + o.CPU, Memory: d.Memory + o.Memory}
}

func (d Dimensions) sub(o Dimensions) Dimensions {
	return Dimensions{
		Slots:  max(d.Slots-o.Slots, 0),
		CPU:    math.Max(d.CPU-o.CPU, 0),
		Memory: math.Max(d.Memory-o.Memory, 0),
	}
}

// utilization is the largest used/capacity ratio over tracked dimensions.
func utilization(used, capacity Dimensions) float64 {
	var u float64
	if capacity.Slots > 0 {
		u = math.Max(u, float64(used.Slots)/float64(capacity.Slots))
	}
	if capacity.CPU > 0 {
		u = math.Max(u, used.CPU/capacity.CPU)
	}
	if capacity.Memory > 0 {
		u = math.Max(u, used.Memory/capacity.Memory)
	}
	return u
}

// Config holds the admission-control tunables.
type Config struct {
	Capacity         Dimensions     `json:"capacity"`
	Ceiling          float64        `json:"ceiling"`
	ProjectQuota     int            `json:"project_quota"`
	ProjectQuotas    map[string]int `json:"project_quotas,omitempty"`
	AdmissionRate    float64        `json:"admission_rate"`
	AdmissionBurst   int            `json:"admission_burst"`
	ScaleUpThreshold float64        `json:"scale_up_threshold"`
	SustainedWindow  time.Duration  `json:"sustained_window"`
	History          int            `json:"history"`
}

// DefaultConfig returns the default pool: 100 slots, 80% ceiling, 20 slots
// per project, no admission rate limit.
func DefaultConfig() Config {
	return Config{
		Capacity:         Dimensions{Slots: 100},
		Ceiling:          0.8,
		ProjectQuota:     20,
		ScaleUpThreshold: 0.7,
		SustainedWindow:  5 * time.Minute,
		History:          50,
	}
}

// Validate clamps out-of-range values to defaults.
func (c *Config) Validate() {
	d := DefaultConfig()
	if c.Capacity.Slots <= 0 && c.Capacity.CPU <= 0 && c.Capacity.Memory <= 0 {
		c.Capacity = d.Capacity
	}
	if c.Ceiling <= 0 || c.Ceiling > 1 {
		c.Ceiling = d.Ceiling
	}
	if c.ProjectQuota < 0 {
		c.ProjectQuota = 0
	}
	if c.AdmissionRate < 0 {
		c.AdmissionRate = 0
	}
	if c.AdmissionRate > 0 && c.AdmissionBurst < 1 {
		c.AdmissionBurst = 1
	}
	if c.ScaleUpThreshold <= 0 || c.ScaleUpThreshold > 1 {
		c.ScaleUpThreshold = d.ScaleUpThreshold
	}
	if c.SustainedWindow <= 0 {
		c.SustainedWindow = d.SustainedWindow
	}
	if c.History < 1 {
		c.History = d.History
	}
}

// Request asks for resources on behalf of one task. Slots defaults to 1.
type Request struct {
	ProjectID string  `json:"project_id"`
	TaskID    string  `json:"task_id"`
	Slots     int     `json:"slots"`
	CPU       float64 `json:"cpu"`
	Memory    float64 `json:"memory_mb"`
}

func (r Request) dims() Dimensions {
	slots := r.Slots
	if slots <= 0 {
		slots = 1
	}
	return Dimensions{Slots: slots, CPU: r.CPU, Memory: r.Memory}
}

// Handle is a reservation. Release it exactly once; extra releases are
// no-ops.
type Handle struct {
	ID        string
	ProjectID string
	TaskID    string
	amount    Dimensions
	m         *Manager
}

// Release returns the reservation to the pool.
func (h *Handle) Release() {
	if h != nil && h.m != nil {
		h.m.Release(h)
	}
}

// ScalingRecommendation is emitted when utilization stays above the
// scale-up threshold for the sustained window.
type ScalingRecommendation struct {
	At          time.Time `json:"at"`
	Since       time.Time `json:"since"`
	Utilization float64   `json:"utilization"`
	Threshold   float64   `json:"threshold"`
	Message     string    `json:"message"`
}

// Sink receives scaling recommendations.
type Sink interface {
	OnScalingRecommendation(rec ScalingRecommendation)
}

type projectState struct {
	used    Dimensions
	handles int
	limiter *rate.Limiter
}

// Manager is the admission controller. Every counter is mutated under mu.
type Manager struct {
	cfg     Config
	mu      sync.Mutex
	used    Dimensions
	handles map[string]*Handle
	proj    map[string]*projectState

	aboveSince time.Time
	emitted    bool
	recs       []ScalingRecommendation
	sink       Sink

	now    func() time.Time
	logger *zap.Logger
}

// NewManager creates a manager. cfg is validated first.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Validate()
	return &Manager{
		cfg:     cfg,
		handles: make(map[string]*Handle),
		proj:    make(map[string]*projectState),
		now:     time.Now,
		logger:  logger.With(zap.String("component", "resource_manager")),
	}
}

// SetSink registers the recommendation sink.
func (m *Manager) SetSink(s Sink) {
	m.mu.Lock()
	m.sink = s
	m.mu.Unlock()
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// QuotaFor returns the slot quota of a project; 0 means unlimited.
func (m *Manager) QuotaFor(projectID string) int {
	if q, ok := m.cfg.ProjectQuotas[projectID]; ok {
		return q
	}
	return m.cfg.ProjectQuota
}

func (m *Manager) project(id string) *projectState {
	p, ok := m.proj[id]
	if !ok {
		p = &projectState{}
		if m.cfg.AdmissionRate > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(m.cfg.AdmissionRate), m.cfg.AdmissionBurst)
		}
		m.proj[id] = p
	}
	return p
}

// Admit reserves resources for a task or fails with resource_exhausted when
// the projected utilization would exceed the ceiling, the project would
// exceed its quota, or the project's admission rate is spent.
func (m *Manager) Admit(req Request) (*Handle, error) {
	amount := req.dims()

	m.mu.Lock()
	defer m.mu.Unlock()

	projected := utilization(m.used.add(amount), m.cfg.Capacity)
	if projected > m.cfg.Ceiling+1e-9 {
		m.logger.Debug("admission denied: ceiling",
			zap.String("project", req.ProjectID),
			zap.String("task", req.TaskID),
			zap.Float64("projected", projected))
		return nil, failure.Newf(failure.CodeResourceExhausted,
			"projected utilization %.0f%% exceeds ceiling %.0f%%", projected*100, m.cfg.Ceiling*100)
	}

	p := m.project(req.ProjectID)
	if q := m.QuotaFor(req.ProjectID); q > 0 && p.used.Slots+amount.Slots > q {
		m.logger.Debug("admission denied: project quota",
			zap.String("project", req.ProjectID),
			zap.Int("used", p.used.Slots),
			zap.Int("quota", q))
		return nil, failure.Newf(failure.CodeResourceExhausted,
			"project %s at quota (%d/%d slots)", req.ProjectID, p.used.Slots, q)
	}
	if p.limiter != nil && !p.limiter.AllowN(m.now(), 1) {
		return nil, failure.Newf(failure.CodeResourceExhausted, "project %s admission rate exceeded", req.ProjectID)
	}

	h := &Handle{
		ID:        uuid.NewString(),
		ProjectID: req.ProjectID,
		TaskID:    req.TaskID,
		amount:    amount,
		m:         m,
	}
	m.handles[h.ID] = h
	m.used = m.used.add(amount)
	p.used = p.used.add(amount)
	p.handles++
	return h, nil
}

// Release returns a reservation. Unknown or already released handles are
// ignored, which covers handles issued before a restart.
func (m *Manager) Release(h *Handle) {
	if h == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	held, ok := m.handles[h.ID]
	if !ok {
		return
	}
	delete(m.handles, h.ID)
	m.used = m.used.sub(held.amount)
	if p, ok := m.proj[held.ProjectID]; ok {
		p.used = p.used.sub(held.amount)
		p.handles--
	}
}

// Utilization returns the current global utilization in [0, 1].
func (m *Manager) Utilization() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return utilization(m.used, m.cfg.Capacity)
}

// OnTick samples utilization. Once it has stayed above the scale-up
// threshold for the sustained window a single recommendation is emitted;
// the next one needs utilization to dip below the threshold first.
func (m *Manager) OnTick(now time.Time) {
	m.mu.Lock()
	u := utilization(m.used, m.cfg.Capacity)
	if u <= m.cfg.ScaleUpThreshold {
		m.aboveSince = time.Time{}
		m.emitted = false
		m.mu.Unlock()
		return
	}
	if m.aboveSince.IsZero() {
		m.aboveSince = now
	}
	if m.emitted || now.Sub(m.aboveSince) < m.cfg.SustainedWindow {
		m.mu.Unlock()
		return
	}
	rec := ScalingRecommendation{
		At:          now,
		Since:       m.aboveSince,
		Utilization: u,
		Threshold:   m.cfg.ScaleUpThreshold,
		Message: fmt.Sprintf("utilization above %.0f%% since %s: scale up agent capacity",
			m.cfg.ScaleUpThreshold*100, m.aboveSince.Format(time.RFC3339)),
	}
	m.emitted = true
	m.recs = append(m.recs, rec)
	if len(m.recs) > m.cfg.History {
		m.recs = m.recs[len(m.recs)-m.cfg.History:]
	}
	sink := m.sink
	m.mu.Unlock()

	m.logger.Warn("scaling recommended",
		zap.Float64("utilization", u),
		zap.Time("since", rec.Since))
	if sink != nil {
		sink.OnScalingRecommendation(rec)
	}
}

// Recommendations returns the retained scaling recommendations.
func (m *Manager) Recommendations() []ScalingRecommendation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ScalingRecommendation(nil), m.recs...)
}

// ProjectUsage is one project's share of the pool.
type ProjectUsage struct {
	ProjectID string     `json:"project_id"`
	Used      Dimensions `json:"used"`
	Quota     int        `json:"quota"`
	Handles   int        `json:"handles"`
}

// Usage is a point-in-time view of the pool.
type Usage struct {
	Capacity        Dimensions              `json:"capacity"`
	Used            Dimensions              `json:"used"`
	Utilization     float64                 `json:"utilization"`
	Ceiling         float64                 `json:"ceiling"`
	Projects        []ProjectUsage          `json:"projects"`
	Recommendations []ScalingRecommendation `json:"recommendations,omitempty"`
}

// Snapshot reports global and per-project usage.
func (m *Manager) Snapshot() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := Usage{
		Capacity:        m.cfg.Capacity,
		Used:            m.used,
		Utilization:     utilization(m.used, m.cfg.Capacity),
		Ceiling:         m.cfg.Ceiling,
		Recommendations: append([]ScalingRecommendation(nil), m.recs...),
	}
	for id, p := range m.proj {
		u.Projects = append(u.Projects, ProjectUsage{
			ProjectID: id,
			Used:      p.used,
			Quota:     m.QuotaFor(id),
			Handles:   p.handles,
		})
	}
	sort.Slice(u.Projects, func(i, j int) bool { return u.Projects[i].ProjectID < u.Projects[j].ProjectID })
	return u
}
