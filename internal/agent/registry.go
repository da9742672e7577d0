// Package agent holds the agent registry: identities, capability tags, the
// supervisor/subordinate tree and capability matching.
package agent

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/failure"
)

// SuccessRater supplies an agent's recent success rate for ranking.
type SuccessRater interface {
	SuccessRate(agentID string) (float64, bool)
}

// Mirror receives every registered agent, e.g. a graph database copy of the
// hierarchy. Mirror errors never fail a registration.
type Mirror interface {
	UpsertAgent(ctx context.Context, a *Agent) error
}

// MatchPolicy holds the capability scoring weights.
type MatchPolicy struct {
	ExactWeight   float64 `json:"exact_weight"`
	PartialWeight float64 `json:"partial_weight"`
	MinScore      float64 `json:"min_score"`
}

// DefaultMatchPolicy returns weight 2 for exact and 1 for partial matches.
func DefaultMatchPolicy() MatchPolicy {
	return MatchPolicy{ExactWeight: 2, PartialWeight: 1, MinScore: 1}
}

// Snapshot is an immutable view of the registry. Agents in it must not be
// modified.
type Snapshot struct {
	agents map[string]*Agent
	ids    []string
}

// Len returns the number of agents.
func (s *Snapshot) Len() int { return len(s.ids) }

// Get returns the agent with the given id.
func (s *Snapshot) Get(id string) (*Agent, bool) {
	a, ok := s.agents[id]
	return a, ok
}

// Registry manages registered agents. Reads go through an atomically
// published snapshot; writes are serialized by mu.
type Registry struct {
	mu     sync.Mutex
	snap   atomic.Pointer[Snapshot]
	loads  sync.Map // agent id -> *atomic.Int64
	policy MatchPolicy
	rates  SuccessRater
	mirror Mirror
	logger *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithSuccessRater sets the ranking source for recent success rates.
func WithSuccessRater(r SuccessRater) Option { return func(reg *Registry) { reg.rates = r } }

// WithMirror sets a hierarchy mirror.
func WithMirror(m Mirror) Option { return func(reg *Registry) { reg.mirror = m } }

// NewRegistry creates an empty registry.
func NewRegistry(policy MatchPolicy, logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.ExactWeight <= 0 {
		policy.ExactWeight = 2
	}
	if policy.PartialWeight < 0 {
		policy.PartialWeight = 0
	}
	r := &Registry{
		policy: policy,
		logger: logger.With(zap.String("component", "agent_registry")),
	}
	r.snap.Store(&Snapshot{agents: map[string]*Agent{}})
	for _, o := range opts {
		o(r)
	}
	return r
}

// Snapshot returns the current immutable view.
func (r *Registry) Snapshot() *Snapshot { return r.snap.Load() }

// Register adds an agent. The parent and every declared subordinate must
// already be registered, and the supervisor tree must stay acyclic.
func (r *Registry) Register(a *Agent) error {
	if a == nil || strings.TrimSpace(a.ID) == "" {
		return failure.New(failure.CodeValidation, "agent id is required")
	}
	a = a.clone()
	a.Capabilities = normalize(a.Capabilities)
	a.Delegates = normalize(a.Delegates)
	a.Subordinates = dedupe(a.Subordinates)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	r.mu.Lock()
	cur := r.snap.Load()
	if _, exists := cur.agents[a.ID]; exists {
		r.mu.Unlock()
		return failure.Newf(failure.CodeDuplicateAgent, "agent %q already registered", a.ID)
	}
	if a.ParentID != "" {
		if _, ok := cur.agents[a.ParentID]; !ok {
			r.mu.Unlock()
			return failure.Newf(failure.CodeUnknownAgent, "agent %q: unknown parent %q", a.ID, a.ParentID)
		}
	}
	for _, sid := range a.Subordinates {
		sub, ok := cur.agents[sid]
		if !ok {
			r.mu.Unlock()
			return failure.Newf(failure.CodeUnknownAgent, "agent %q: unknown subordinate %q", a.ID, sid)
		}
		if sub.ParentID != "" {
			r.mu.Unlock()
			return failure.Newf(failure.CodeCyclicHierarchy, "agent %q: subordinate %q already reports to %q", a.ID, sid, sub.ParentID)
		}
		if sid == a.ParentID || chainContains(cur, a.ParentID, sid) {
			r.mu.Unlock()
			return failure.Newf(failure.CodeCyclicHierarchy, "agent %q: adopting %q would create a cycle", a.ID, sid)
		}
	}

	next := &Snapshot{
		agents: make(map[string]*Agent, len(cur.agents)+1),
		ids:    make([]string, 0, len(cur.ids)+1),
	}
	for id, ag := range cur.agents {
		next.agents[id] = ag
	}
	next.ids = append(next.ids, cur.ids...)
	next.agents[a.ID] = a
	next.ids = append(next.ids, a.ID)
	sort.Strings(next.ids)

	if a.ParentID != "" {
		p := next.agents[a.ParentID].clone()
		p.Subordinates = append(p.Subordinates, a.ID)
		next.agents[p.ID] = p
	}
	for _, sid := range a.Subordinates {
		s := next.agents[sid].clone()
		s.ParentID = a.ID
		next.agents[sid] = s
	}
	r.snap.Store(next)
	r.loads.LoadOrStore(a.ID, new(atomic.Int64))
	r.mu.Unlock()

	r.logger.Info("registered agent",
		zap.String("id", a.ID),
		zap.String("role", a.Role),
		zap.String("parent", a.ParentID),
		zap.Strings("capabilities", a.Capabilities))

	if r.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.mirror.UpsertAgent(ctx, a.clone()); err != nil {
			r.logger.Warn("mirror agent failed", zap.String("id", a.ID), zap.Error(err))
		}
	}
	return nil
}

// chainContains walks the supervisor chain starting at id and reports
// whether target appears on it.
func chainContains(s *Snapshot, id, target string) bool {
	for hops := 0; id != "" && hops <= len(s.ids); hops++ {
		if id == target {
			return true
		}
		a, ok := s.agents[id]
		if !ok {
			return false
		}
		id = a.ParentID
	}
	return false
}

// RegisterAll registers a batch parents first. Declared subordinate lists
// are folded into the children's ParentID so declaration order does not
// matter.
func (r *Registry) RegisterAll(agents []*Agent) error {
	pending := make(map[string]*Agent, len(agents))
	var order []string
	for _, a := range agents {
		c := a.clone()
		if _, dup := pending[c.ID]; dup {
			return failure.Newf(failure.CodeDuplicateAgent, "agent %q declared twice", c.ID)
		}
		pending[c.ID] = c
		order = append(order, c.ID)
	}
	for _, id := range order {
		a := pending[id]
		for _, sid := range a.Subordinates {
			sub, ok := pending[sid]
			if !ok {
				continue
			}
			if sub.ParentID != "" && sub.ParentID != a.ID {
				return failure.Newf(failure.CodeCyclicHierarchy, "agent %q declared under both %q and %q", sid, sub.ParentID, a.ID)
			}
			sub.ParentID = a.ID
		}
	}
	for _, id := range order {
		a := pending[id]
		var external []string
		for _, sid := range a.Subordinates {
			if _, ok := pending[sid]; !ok {
				external = append(external, sid)
			}
		}
		a.Subordinates = external
	}

	for len(order) > 0 {
		var rest []string
		for _, id := range order {
			a := pending[id]
			if _, waiting := pending[a.ParentID]; waiting && a.ParentID != "" {
				rest = append(rest, id)
				continue
			}
			if err := r.Register(a); err != nil {
				return err
			}
			delete(pending, id)
		}
		if len(rest) == len(order) {
			return failure.Newf(failure.CodeCyclicHierarchy, "agents %v form a supervisor cycle", rest)
		}
		order = rest
	}
	return nil
}

// Get returns a copy of the agent with the given id.
func (r *Registry) Get(id string) (*Agent, bool) {
	a, ok := r.snap.Load().agents[id]
	if !ok {
		return nil, false
	}
	return a.clone(), true
}

// List returns copies of every agent ordered by id.
func (r *Registry) List() []*Agent {
	s := r.snap.Load()
	out := make([]*Agent, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.agents[id].clone())
	}
	return out
}

// Count returns the number of registered agents.
func (r *Registry) Count() int { return r.snap.Load().Len() }

// AcquireLoad marks one more task in flight on the agent.
func (r *Registry) AcquireLoad(id string) {
	if v, ok := r.loads.Load(id); ok {
		v.(*atomic.Int64).Add(1)
	}
}

// ReleaseLoad marks one task on the agent as finished.
func (r *Registry) ReleaseLoad(id string) {
	if v, ok := r.loads.Load(id); ok {
		if v.(*atomic.Int64).Add(-1) < 0 {
			v.(*atomic.Int64).Store(0)
		}
	}
}

// Load returns the number of tasks in flight on the agent.
func (r *Registry) Load(id string) int64 {
	if v, ok := r.loads.Load(id); ok {
		return v.(*atomic.Int64).Load()
	}
	return 0
}

func normalize(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	var out []string
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
