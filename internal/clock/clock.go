// Package clock drives periodic maintenance: metric pruning, utilization
// sampling, gauge refresh and recommendation digests all run as listeners
// of one ticker.
package clock

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Listener receives clock ticks. OnTick runs on the clock goroutine and
// should return quickly.
type Listener interface {
	OnTick(now time.Time)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(now time.Time)

func (f ListenerFunc) OnTick(now time.Time) { f(now) }

// Clock ticks every interval and fans the tick out to its listeners in
// registration order.
type Clock struct {
	interval  time.Duration
	mu        sync.RWMutex
	listeners []Listener
	ticks     int64
	cancel    context.CancelFunc
	done      chan struct{}
	now       func() time.Time
	logger    *zap.Logger
}

// New creates a stopped clock.
func New(interval time.Duration, logger *zap.Logger) *Clock {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Clock{
		interval: interval,
		now:      time.Now,
		logger:   logger.With(zap.String("component", "clock")),
	}
}

// AddListener registers a tick listener.
func (c *Clock) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Ticks returns how many ticks have fired.
func (c *Clock) Ticks() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ticks
}

// Start begins the tick loop in a background goroutine. Starting a running
// clock is a no-op.
func (c *Clock) Start() {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.loop(ctx)
	c.logger.Info("clock started", zap.Duration("interval", c.interval))
}

// Stop halts the tick loop and waits for an in-progress tick to finish.
func (c *Clock) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.logger.Info("clock stopped")
}

func (c *Clock) loop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(c.now())
		}
	}
}

// Tick fires every listener once with now.
func (c *Clock) Tick(now time.Time) {
	c.mu.Lock()
	c.ticks++
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, l := range listeners {
		c.fire(l, now)
	}
}

// fire isolates listener panics so one faulty listener cannot stop the
// others or the clock.
func (c *Clock) fire(l Listener, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("clock listener panicked", zap.Any("panic", r))
		}
	}()
	l.OnTick(now)
}
