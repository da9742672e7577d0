package resource

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/failure"
)

func TestAdmitRejectsAboveCeiling(t *testing.T) {
	m := NewManager(Config{Capacity: Dimensions{Slots: 100}, Ceiling: 0.8}, nil)

	h, err := m.Admit(Request{ProjectID: "p", Slots: 80})
	require.NoError(t, err)
	assert.InDelta(t, 0.8, m.Utilization(), 1e-9)

	// 81% against an 80% ceiling.
	_, err = m.Admit(Request{ProjectID: "p", TaskID: "t81"})
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrResourceExhausted)

	h.Release()
	_, err = m.Admit(Request{ProjectID: "p", TaskID: "t81"})
	assert.NoError(t, err)
}

func TestAdmitUsesLargestDimension(t *testing.T) {
	m := NewManager(Config{Capacity: Dimensions{Slots: 100, CPU: 4, Memory: 1024}, Ceiling: 0.8}, nil)

	_, err := m.Admit(Request{ProjectID: "p", CPU: 3.5})
	assert.ErrorIs(t, err, failure.ErrResourceExhausted)

	_, err = m.Admit(Request{ProjectID: "p", Memory: 512})
	assert.NoError(t, err)
	assert.InDelta(t, 0.5, m.Utilization(), 1e-9)
}

func TestAdmitEnforcesProjectQuota(t *testing.T) {
	m := NewManager(Config{
		Capacity:      Dimensions{Slots: 100},
		Ceiling:       1,
		ProjectQuota:  2,
		ProjectQuotas: map[string]int{"vip": 5},
	}, nil)

	for i := 0; i < 2; i++ {
		_, err := m.Admit(Request{ProjectID: "p1"})
		require.NoError(t, err)
	}
	_, err := m.Admit(Request{ProjectID: "p1"})
	assert.ErrorIs(t, err, failure.ErrResourceExhausted)

	_, err = m.Admit(Request{ProjectID: "p2"})
	assert.NoError(t, err, "quota is per project")

	for i := 0; i < 5; i++ {
		_, err := m.Admit(Request{ProjectID: "vip"})
		require.NoError(t, err)
	}
	assert.Equal(t, 5, m.QuotaFor("vip"))
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := NewManager(Config{Capacity: Dimensions{Slots: 10}, Ceiling: 1}, nil)
	h, err := m.Admit(Request{ProjectID: "p", Slots: 3})
	require.NoError(t, err)

	h.Release()
	h.Release()
	m.Release(&Handle{ID: "from-before-restart"})
	m.Release(nil)

	u := m.Snapshot()
	assert.Equal(t, 0, u.Used.Slots)
	require.Len(t, u.Projects, 1)
	assert.Equal(t, 0, u.Projects[0].Handles)
}

func TestAdmissionRateLimit(t *testing.T) {
	m := NewManager(Config{Capacity: Dimensions{Slots: 100}, Ceiling: 1, AdmissionRate: 1, AdmissionBurst: 2}, nil)
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		_, err := m.Admit(Request{ProjectID: "p"})
		require.NoError(t, err)
	}
	_, err := m.Admit(Request{ProjectID: "p"})
	assert.ErrorIs(t, err, failure.ErrResourceExhausted)

	now = now.Add(time.Second)
	_, err = m.Admit(Request{ProjectID: "p"})
	assert.NoError(t, err)
}

type recordingSink struct {
	mu   sync.Mutex
	recs []ScalingRecommendation
}

func (s *recordingSink) OnScalingRecommendation(r ScalingRecommendation) {
	s.mu.Lock()
	s.recs = append(s.recs, r)
	s.mu.Unlock()
}

func TestScalingRecommendationNeedsSustainedWindow(t *testing.T) {
	m := NewManager(Config{
		Capacity:         Dimensions{Slots: 10},
		Ceiling:          1,
		ScaleUpThreshold: 0.5,
		SustainedWindow:  time.Minute,
	}, nil)
	sink := &recordingSink{}
	m.SetSink(sink)

	h, err := m.Admit(Request{ProjectID: "p", Slots: 8})
	require.NoError(t, err)

	t0 := time.Unix(1_700_000_000, 0)
	m.OnTick(t0)
	m.OnTick(t0.Add(30 * time.Second))
	assert.Empty(t, m.Recommendations())

	m.OnTick(t0.Add(time.Minute))
	m.OnTick(t0.Add(2 * time.Minute))
	require.Len(t, m.Recommendations(), 1, "one recommendation per episode")
	assert.Len(t, sink.recs, 1)
	assert.InDelta(t, 0.8, sink.recs[0].Utilization, 1e-9)

	// A dip below the threshold resets the window.
	h.Release()
	m.OnTick(t0.Add(3 * time.Minute))
	_, err = m.Admit(Request{ProjectID: "p", Slots: 8})
	require.NoError(t, err)
	m.OnTick(t0.Add(4 * time.Minute))
	m.OnTick(t0.Add(4*time.Minute + 30*time.Second))
	assert.Len(t, m.Recommendations(), 1)
	m.OnTick(t0.Add(5 * time.Minute))
	assert.Len(t, m.Recommendations(), 2)
}

func TestConcurrentAdmitRelease(t *testing.T) {
	m := NewManager(Config{Capacity: Dimensions{Slots: 50}, Ceiling: 1, ProjectQuota: 5}, nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			project := fmt.Sprintf("p%d", i%4)
			for j := 0; j < 50; j++ {
				if h, err := m.Admit(Request{ProjectID: project}); err == nil {
					h.Release()
				}
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, m.Snapshot().Used.Slots)
}

func TestPropertyProjectQuotaNeverExceeded(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		quota := rapid.IntRange(1, 6).Draw(rt, "quota")
		m := NewManager(Config{Capacity: Dimensions{Slots: 40}, Ceiling: 1, ProjectQuota: quota}, nil)
		projects := []string{"a", "b", "c"}
		var held []*Handle

		steps := rapid.IntRange(1, 80).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			if len(held) > 0 && rapid.Bool().Draw(rt, fmt.Sprintf("release_%d", i)) {
				k := rapid.IntRange(0, len(held)-1).Draw(rt, fmt.Sprintf("which_%d", i))
				held[k].Release()
				held = append(held[:k], held[k+1:]...)
			} else {
				p := rapid.SampledFrom(projects).Draw(rt, fmt.Sprintf("project_%d", i))
				slots := rapid.IntRange(1, 3).Draw(rt, fmt.Sprintf("slots_%d", i))
				if h, err := m.Admit(Request{ProjectID: p, Slots: slots}); err == nil {
					held = append(held, h)
				}
			}

			total := 0
			for _, pu := range m.Snapshot().Projects {
				if pu.Used.Slots > quota {
					rt.Fatalf("project %s holds %d slots, quota %d", pu.ProjectID, pu.Used.Slots, quota)
				}
				total += pu.Used.Slots
			}
			if total > 40 {
				rt.Fatalf("pool over capacity: %d", total)
			}
		}
	})
}
