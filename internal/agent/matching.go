package agent

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/failure"
)

// Candidate is a scored agent.
type Candidate struct {
	Agent       *Agent  `json:"agent"`
	Score       float64 `json:"score"`
	SuccessRate float64 `json:"success_rate"`
	Load        int64   `json:"load"`
}

// Score rates how well the agent's capabilities cover the required tags:
// ExactWeight per exact match, PartialWeight per substring match in either
// direction.
func (r *Registry) Score(a *Agent, required []string) float64 {
	var score float64
	for _, req := range required {
		if a.HasCapability(req) {
			score += r.policy.ExactWeight
			continue
		}
		for _, c := range a.Capabilities {
			if strings.Contains(c, req) || strings.Contains(req, c) {
				score += r.policy.PartialWeight
				break
			}
		}
	}
	return score
}

// requiredTags is the task type plus the task's tags, normalized.
func requiredTags(taskType string, tags []string) []string {
	return normalize(append([]string{taskType}, tags...))
}

// Rank scores the given agents and orders the eligible ones by score desc,
// recent success rate desc, current load asc, then id.
func (r *Registry) Rank(agents []*Agent, taskType string, tags []string) []Candidate {
	required := requiredTags(taskType, tags)
	var out []Candidate
	for _, a := range agents {
		score := r.Score(a, required)
		if score <= 0 || score < r.policy.MinScore {
			continue
		}
		c := Candidate{Agent: a, Score: score, SuccessRate: 1, Load: r.Load(a.ID)}
		if r.rates != nil {
			if rate, ok := r.rates.SuccessRate(a.ID); ok {
				c.SuccessRate = rate
			}
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.SuccessRate != b.SuccessRate {
			return a.SuccessRate > b.SuccessRate
		}
		if a.Load != b.Load {
			return a.Load < b.Load
		}
		return a.Agent.ID < b.Agent.ID
	})
	return out
}

// FindBestCandidate returns the best-ranked agent for the task, or a
// no_eligible_agent error when none clears MinScore.
func (r *Registry) FindBestCandidate(taskType string, tags []string) (*Agent, error) {
	return r.FindBestCandidateExcluding(taskType, tags)
}

// FindBestCandidateExcluding is FindBestCandidate skipping the given ids.
func (r *Registry) FindBestCandidateExcluding(taskType string, tags []string, exclude ...string) (*Agent, error) {
	s := r.snap.Load()
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	pool := make([]*Agent, 0, len(s.ids))
	for _, id := range s.ids {
		if !skip[id] {
			pool = append(pool, s.agents[id])
		}
	}
	ranked := r.Rank(pool, taskType, tags)
	if len(ranked) == 0 {
		return nil, failure.Newf(failure.CodeNoEligibleAgent, "no agent can handle %q with tags %v", taskType, tags)
	}
	return ranked[0].Agent.clone(), nil
}

// CanDelegate reports whether the agent's delegation rules permit taskType
// and at least one subordinate has taskType as an exact capability.
func (r *Registry) CanDelegate(agentID, taskType string) bool {
	s := r.snap.Load()
	a, ok := s.agents[agentID]
	if !ok {
		return false
	}
	taskType = strings.ToLower(strings.TrimSpace(taskType))
	for _, sub := range s.delegatesFor(a, taskType, "") {
		if sub.HasCapability(taskType) {
			return true
		}
	}
	return false
}

// delegatesFor lists the subordinates sup may hand taskType to, skipping
// the given id. It is empty when sup's delegation rules exclude taskType.
func (s *Snapshot) delegatesFor(sup *Agent, taskType, skip string) []*Agent {
	if !sup.MayDelegate(strings.ToLower(strings.TrimSpace(taskType))) {
		return nil
	}
	var subs []*Agent
	for _, sid := range sup.Subordinates {
		if sid == skip {
			continue
		}
		if sub, ok := s.agents[sid]; ok {
			subs = append(subs, sub)
		}
	}
	return subs
}

// Escalate hands a task that agentID could not perform to its supervisor.
// When the supervisor's delegation rules cover the task type it reassigns
// the task to its best other subordinate. Otherwise, or when no subordinate
// qualifies, the supervisor takes it itself if it can. Without such an
// agent the result is a capability_mismatch error.
func (r *Registry) Escalate(agentID, taskType string, tags []string) (*Agent, error) {
	s := r.snap.Load()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, failure.Newf(failure.CodeUnknownAgent, "agent %q not registered", agentID)
	}
	if a.ParentID == "" {
		return nil, failure.Newf(failure.CodeCapabilityMismatch, "agent %q has no supervisor to escalate %q to", agentID, taskType)
	}
	sup := s.agents[a.ParentID]

	if ranked := r.Rank(s.delegatesFor(sup, taskType, agentID), taskType, tags); len(ranked) > 0 {
		r.logger.Info("escalated task to peer",
			zap.String("from", agentID),
			zap.String("supervisor", sup.ID),
			zap.String("to", ranked[0].Agent.ID))
		return ranked[0].Agent.clone(), nil
	}
	if ranked := r.Rank([]*Agent{sup}, taskType, tags); len(ranked) > 0 {
		r.logger.Info("escalated task to supervisor",
			zap.String("from", agentID),
			zap.String("supervisor", sup.ID))
		return sup.clone(), nil
	}
	return nil, failure.Newf(failure.CodeCapabilityMismatch, "supervisor %q has no agent for %q", sup.ID, taskType)
}
