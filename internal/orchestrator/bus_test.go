package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestBus(t *testing.T) (*miniredis.Miniredis, *RedisBus) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	bus, err := NewRedisBus("redis://"+mr.Addr(), "", 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })
	return mr, bus
}

func TestRedisBusPublish(t *testing.T) {
	mr, bus := setupTestBus(t)
	ctx := context.Background()

	ev := &Event{
		ID:         "e1",
		Type:       EventTaskStatus,
		ProjectID:  "acme",
		WorkflowID: "wf-1",
		TaskID:     "research",
		Status:     "running",
		Timestamp:  time.Now().UTC(),
	}
	require.NoError(t, bus.Publish(ctx, ev))

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	msgs, err := rdb.XRange(ctx, DefaultStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "task.status", msgs[0].Values["type"])
	assert.Equal(t, "wf-1", msgs[0].Values["workflow"])

	var got Event
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &got))
	assert.Equal(t, "research", got.TaskID)
}

func TestRedisBusSubscribeFromStart(t *testing.T) {
	_, bus := setupTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, status := range []string{"running", "completed"} {
		require.NoError(t, bus.Publish(ctx, &Event{Type: EventWorkflowStatus, WorkflowID: "wf-2", Status: status}))
	}

	ch := bus.Subscribe(ctx, "0")
	var statuses []string
	for len(statuses) < 2 {
		select {
		case ev := <-ch:
			statuses = append(statuses, ev.Status)
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, []string{"running", "completed"}, statuses)
}

func TestNewRedisBusBadURL(t *testing.T) {
	_, err := NewRedisBus("://nope", "", 0, nil)
	assert.Error(t, err)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, *Event) error { return errors.New("down") }

func TestFanoutJoinsErrors(t *testing.T) {
	rec := NewRecorder(2)
	p := Fanout(rec, nil, failingPublisher{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := p.Publish(ctx, &Event{WorkflowID: "wf", Status: string(rune('a' + i))})
		assert.EqualError(t, err, "down")
	}
	events := rec.Events("wf")
	require.Len(t, events, 2)
	assert.Equal(t, "b", events[0].Status)
	assert.Empty(t, rec.Events("other"))
}
