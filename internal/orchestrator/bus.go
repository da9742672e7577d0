package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Publisher receives every persisted transition.
type Publisher interface {
	Publish(ctx context.Context, ev *Event) error
}

// DefaultStream is the Redis stream events are appended to.
const DefaultStream = "orchestrator:events"

// RedisBus publishes transition events to a Redis Stream.
type RedisBus struct {
	rdb    *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewRedisBus connects to redisURL and verifies the connection.
func NewRedisBus(redisURL, stream string, maxLen int64, logger *zap.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisBusFromClient(rdb, stream, maxLen, logger), nil
}

// NewRedisBusFromClient wraps an existing client. maxLen caps the stream
// length approximately; 0 leaves it unbounded.
func NewRedisBusFromClient(rdb *redis.Client, stream string, maxLen int64, logger *zap.Logger) *RedisBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisBus{
		rdb:    rdb,
		stream: stream,
		maxLen: maxLen,
		logger: logger.With(zap.String("component", "event_bus")),
	}
}

// Publish appends ev to the stream.
func (b *RedisBus) Publish(ctx context.Context, ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]interface{}{
			"type":     string(ev.Type),
			"workflow": ev.WorkflowID,
			"data":     string(data),
		},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	if _, err := b.rdb.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("publish to %s: %w", b.stream, err)
	}

	b.logger.Debug("published event",
		zap.String("type", string(ev.Type)),
		zap.String("workflow", ev.WorkflowID),
		zap.String("task", ev.TaskID),
		zap.String("status", ev.Status))
	return nil
}

// Subscribe streams events appended after lastID ("$" for new events only,
// "0" for the whole stream). Cancel the context to stop.
func (b *RedisBus) Subscribe(ctx context.Context, lastID string) <-chan *Event {
	ch := make(chan *Event, 16)
	if lastID == "" {
		lastID = "$"
	}

	go func() {
		defer close(ch)
		for {
			if ctx.Err() != nil {
				return
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{b.stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					b.logger.Warn("stream read failed", zap.Error(err))
					select {
					case <-ctx.Done():
						return
					case <-time.After(time.Second):
					}
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev Event
					if json.Unmarshal([]byte(data), &ev) != nil {
						continue
					}
					select {
					case ch <- &ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (b *RedisBus) Close() error {
	return b.rdb.Close()
}

// Recorder is an in-process Publisher that keeps the most recent events.
type Recorder struct {
	mu     sync.Mutex
	events []*Event
	limit  int
}

// NewRecorder keeps at most limit events; 0 keeps everything.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

func (r *Recorder) Publish(_ context.Context, ev *Event) error {
	c := *ev
	r.mu.Lock()
	r.events = append(r.events, &c)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = r.events[len(r.events)-r.limit:]
	}
	r.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events, optionally for one workflow.
func (r *Recorder) Events(workflowID string) []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Event
	for _, ev := range r.events {
		if workflowID == "" || ev.WorkflowID == workflowID {
			c := *ev
			out = append(out, &c)
		}
	}
	return out
}

// multiPublisher fans out to several publishers and joins their errors.
type multiPublisher []Publisher

// Fanout publishes to every non-nil publisher.
func Fanout(ps ...Publisher) Publisher {
	var m multiPublisher
	for _, p := range ps {
		if p != nil {
			m = append(m, p)
		}
	}
	return m
}

func (m multiPublisher) Publish(ctx context.Context, ev *Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
