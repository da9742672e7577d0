package alert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/performance"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/resource"
)

// Record tracks a sent alert.
type Record struct {
	Alert   *Alert    `json:"alert"`
	SentAt  time.Time `json:"sent_at"`
	Targets []string  `json:"targets"`
	Errors  []string  `json:"errors,omitempty"`
}

// Broadcaster fans alerts out to every registered notifier. An identical
// alert (same kind, agent and title) is suppressed for Cooldown.
type Broadcaster struct {
	cooldown    time.Duration
	sendTimeout time.Duration
	historyCap  int

	mu        sync.RWMutex
	notifiers map[string]Notifier
	lastSent  map[string]time.Time
	history   []Record

	now    func() time.Time
	logger *zap.Logger
}

// NewBroadcaster creates a broadcaster with no notifiers.
func NewBroadcaster(cooldown time.Duration, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		cooldown:    cooldown,
		sendTimeout: 10 * time.Second,
		historyCap:  200,
		notifiers:   make(map[string]Notifier),
		lastSent:    make(map[string]time.Time),
		now:         time.Now,
		logger:      logger.With(zap.String("component", "alerts")),
	}
}

// Register adds a notifier, replacing any with the same name.
func (b *Broadcaster) Register(n Notifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifiers[n.Name()] = n
	b.logger.Info("registered notifier", zap.String("platform", n.Name()))
}

// Notifiers returns the registered platform names.
func (b *Broadcaster) Notifiers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.notifiers))
	for name := range b.notifiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func dedupKey(a *Alert) string {
	return string(a.Kind) + "|" + a.AgentID + "|" + a.Title
}

// Send delivers a to every notifier. It returns false when the alert was
// suppressed by the cooldown. Delivery errors of individual platforms are
// joined; the other platforms still receive the alert.
func (b *Broadcaster) Send(ctx context.Context, a *Alert) (bool, error) {
	if a.Kind == "" {
		return false, fmt.Errorf("alert kind is required")
	}
	now := b.now()
	if a.At.IsZero() {
		a.At = now
	}

	key := dedupKey(a)
	b.mu.Lock()
	if last, ok := b.lastSent[key]; ok && b.cooldown > 0 && now.Sub(last) < b.cooldown {
		b.mu.Unlock()
		return false, nil
	}
	b.lastSent[key] = now
	targets := make([]Notifier, 0, len(b.notifiers))
	for _, n := range b.notifiers {
		targets = append(targets, n)
	}
	b.mu.Unlock()

	b.logger.Info("sending alert",
		zap.String("kind", string(a.Kind)),
		zap.String("severity", string(a.Severity)),
		zap.String("title", a.Title),
		zap.String("agent", a.AgentID))

	rec := Record{Alert: a, SentAt: now}
	var errs []error
	for _, n := range targets {
		sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
		err := n.Notify(sendCtx, a)
		cancel()
		rec.Targets = append(rec.Targets, n.Name())
		if err != nil {
			b.logger.Error("alert delivery failed", zap.String("platform", n.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
			rec.Errors = append(rec.Errors, err.Error())
		}
	}
	sort.Strings(rec.Targets)

	b.mu.Lock()
	b.history = append(b.history, rec)
	if len(b.history) > b.historyCap {
		b.history = b.history[len(b.history)-b.historyCap:]
	}
	b.mu.Unlock()
	return true, errors.Join(errs...)
}

// History returns up to limit of the most recent records, oldest first.
func (b *Broadcaster) History(limit int) []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	return append([]Record(nil), b.history[len(b.history)-limit:]...)
}

// OnScalingRecommendation forwards a resource pool recommendation.
func (b *Broadcaster) OnScalingRecommendation(rec resource.ScalingRecommendation) {
	_, err := b.Send(context.Background(), &Alert{
		Kind:     KindScaling,
		Severity: SeverityWarning,
		Title:    "Resource pool saturated",
		Text:     rec.Message,
		At:       rec.At,
	})
	if err != nil {
		b.logger.Warn("scaling alert not fully delivered", zap.Error(err))
	}
}

// NotifyRecommendations sends one alert per agent recommendation. Repeats
// within the cooldown are suppressed, so the clock can call this on every
// digest without flooding channels. It returns the number sent.
func (b *Broadcaster) NotifyRecommendations(ctx context.Context, recs []performance.Recommendation) (int, error) {
	sent := 0
	var errs []error
	for _, r := range recs {
		ok, err := b.Send(ctx, &Alert{
			Kind:     KindAgentHealth,
			Severity: severityOf(r.Kind),
			Title:    recommendationTitle(r.Kind),
			Text:     r.Message,
			AgentID:  r.AgentID,
		})
		if ok {
			sent++
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return sent, errors.Join(errs...)
}

// Digest sends a single summary of the system overview.
func (b *Broadcaster) Digest(ctx context.Context, ov performance.Overview) (bool, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d agents, %d tasks, success rate %.0f%%, average latency %s, utilization %.0f%%",
		ov.Agents, ov.TotalTasks, ov.SuccessRate*100, ov.AvgLatency.Round(time.Millisecond), ov.ResourceUtilization*100)
	for _, r := range ov.Recommendations {
		sb.WriteString("\n- ")
		sb.WriteString(r)
	}
	return b.Send(ctx, &Alert{
		Kind:     KindDigest,
		Severity: SeverityInfo,
		Title:    "Performance digest",
		Text:     sb.String(),
	})
}

// Close closes every notifier.
func (b *Broadcaster) Close() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var errs []error
	for name, n := range b.notifiers {
		if err := n.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func severityOf(k performance.RecommendationKind) Severity {
	if k == performance.RecommendDegradation {
		return SeverityCritical
	}
	return SeverityWarning
}

func recommendationTitle(k performance.RecommendationKind) string {
	switch k {
	case performance.RecommendScale:
		return "Agent latency above SLA"
	case performance.RecommendInvestigate:
		return "Agent success rate low"
	case performance.RecommendDegradation:
		return "Agent performance degraded"
	default:
		return "Agent recommendation"
	}
}
