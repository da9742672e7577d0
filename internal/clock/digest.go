package clock

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/performance"
)

// Utilizer reports the resource pool utilization.
type Utilizer interface {
	Utilization() float64
}

// Counter reports how many agents are registered.
type Counter interface {
	Count() int
}

// Gauges is a Listener that refreshes point-in-time metrics every tick.
type Gauges struct {
	Resources Utilizer
	Agents    Counter
	Set       func(utilization float64, agents int)
}

func (g *Gauges) OnTick(time.Time) {
	u := 0.0
	if g.Resources != nil {
		u = g.Resources.Utilization()
	}
	n := 0
	if g.Agents != nil {
		n = g.Agents.Count()
	}
	if g.Set != nil {
		g.Set(u, n)
	}
}

// Notifier delivers recommendation alerts and digests.
type Notifier interface {
	NotifyRecommendations(ctx context.Context, recs []performance.Recommendation) (int, error)
	Digest(ctx context.Context, ov performance.Overview) (bool, error)
}

// Digest is a Listener that, at most once per interval, evaluates the
// monitor's recommendations and hands them to the notifier. With Summary
// set a full overview is sent as well.
type Digest struct {
	interval  time.Duration
	monitor   *performance.Monitor
	resources Utilizer
	notifier  Notifier
	summary   bool
	timeout   time.Duration

	mu      sync.Mutex
	lastRun time.Time
	logger  *zap.Logger
}

// NewDigest creates a digest listener.
func NewDigest(interval time.Duration, monitor *performance.Monitor, resources Utilizer, notifier Notifier, summary bool, logger *zap.Logger) *Digest {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Digest{
		interval:  interval,
		monitor:   monitor,
		resources: resources,
		notifier:  notifier,
		summary:   summary,
		timeout:   30 * time.Second,
		logger:    logger.With(zap.String("component", "digest")),
	}
}

func (d *Digest) OnTick(now time.Time) {
	d.mu.Lock()
	if !d.lastRun.IsZero() && now.Sub(d.lastRun) < d.interval {
		d.mu.Unlock()
		return
	}
	d.lastRun = now
	d.mu.Unlock()
	d.Run()
}

// Run evaluates and sends immediately, ignoring the interval.
func (d *Digest) Run() {
	u := 0.0
	if d.resources != nil {
		u = d.resources.Utilization()
	}
	ov := d.monitor.Overview(u)

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	sent, err := d.notifier.NotifyRecommendations(ctx, ov.Details)
	if err != nil {
		d.logger.Warn("recommendation alerts not fully delivered", zap.Error(err))
	}
	if d.summary {
		if _, err := d.notifier.Digest(ctx, ov); err != nil {
			d.logger.Warn("performance digest not fully delivered", zap.Error(err))
		}
	}
	d.logger.Info("digest evaluated",
		zap.Int("recommendations", len(ov.Details)),
		zap.Int("alerts_sent", sent),
		zap.Float64("utilization", u))
}
