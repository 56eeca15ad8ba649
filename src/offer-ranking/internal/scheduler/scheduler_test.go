package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	calls   map[string]int
	active  map[string]int
	overlap bool
	hold    time.Duration
}

func newRecorder() *recorder {
	return &recorder{calls: make(map[string]int), active: make(map[string]int)}
}

func (r *recorder) Dispatch(_ context.Context, itemID string) error {
	r.mu.Lock()
	r.calls[itemID]++
	r.active[itemID]++
	if r.active[itemID] > 1 {
		r.overlap = true
	}
	hold := r.hold
	r.mu.Unlock()

	time.Sleep(hold)

	r.mu.Lock()
	r.active[itemID]--
	r.mu.Unlock()
	return nil
}

func (r *recorder) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func start(t *testing.T, s *Scheduler) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("scheduler did not stop")
		}
	}
}

func TestTriggersWithinWindowCoalesce(t *testing.T) {
	rec := newRecorder()
	s := New(rec, 50*time.Millisecond, 4)
	stop := start(t, s)
	defer stop()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		s.TriggerItems(ctx, "offer_changed", "item-1", "item-2")
	}
	assert.Equal(t, 2, s.Pending())

	require.Eventually(t, func() bool { return rec.count("item-1") == 1 && rec.count("item-2") == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rec.count("item-1"))
	assert.Equal(t, 0, s.Pending())
}

func TestTriggerDuringFlightRunsOnceMore(t *testing.T) {
	rec := newRecorder()
	rec.hold = 100 * time.Millisecond
	s := New(rec, 10*time.Millisecond, 4)
	stop := start(t, s)
	defer stop()

	ctx := context.Background()
	s.TriggerItems(ctx, "a", "item-1")
	require.Eventually(t, func() bool { return rec.count("item-1") == 1 }, time.Second, time.Millisecond)

	// three triggers while the first run is still going
	s.TriggerItems(ctx, "b", "item-1")
	s.TriggerItems(ctx, "c", "item-1")
	s.TriggerItems(ctx, "d", "item-1")

	require.Eventually(t, func() bool { return rec.count("item-1") == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 2, rec.count("item-1"))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.False(t, rec.overlap, "an item is never recomputed concurrently")
}

func TestShutdownDropsPending(t *testing.T) {
	rec := newRecorder()
	s := New(rec, time.Hour, 2)
	stop := start(t, s)

	s.TriggerItems(context.Background(), "offer_changed", "item-1", "item-2", "item-3")
	require.Equal(t, 3, s.Pending())
	stop()

	for _, id := range []string{"item-1", "item-2", "item-3"} {
		assert.Zero(t, rec.count(id), id)
	}
	assert.Zero(t, s.Pending())

	s.TriggerItems(context.Background(), "late", "item-4")
	assert.Zero(t, s.Pending(), "triggers after shutdown are dropped")
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	rec := newRecorder()
	rec.hold = 150 * time.Millisecond
	s := New(rec, time.Millisecond, 2)
	stop := start(t, s)

	ctx := context.Background()
	s.TriggerItems(ctx, "offer_changed", "item-1")
	require.Eventually(t, func() bool { return rec.count("item-1") == 1 }, time.Second, time.Millisecond)
	s.TriggerItems(ctx, "offer_changed", "item-1")
	stop()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Zero(t, rec.active["item-1"], "the in-flight run finished before Run returned")
	assert.Equal(t, 1, rec.calls["item-1"], "the follow-up is not started during shutdown")
}

type staticItems []string

func (s staticItems) ListItemIDs(context.Context) ([]string, error) { return s, nil }

type collect struct {
	mu    sync.Mutex
	items []string
}

func (c *collect) TriggerItems(_ context.Context, _ string, ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, ids...)
}

func TestSweepIsPaced(t *testing.T) {
	c := &collect{}
	sw := NewSweeper(staticItems{"a", "b", "c", "d", "e"}, c, 100)

	start := time.Now()
	require.NoError(t, sw.Sweep(context.Background()))
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, c.items)
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, NewSweeper(staticItems{"a", "b"}, c, 1).Sweep(ctx))
}

func TestRunPeriodic(t *testing.T) {
	var mu sync.Mutex
	runs := map[string]int{}
	task := func(name string, err error) Task {
		return Task{Name: name, Interval: 10 * time.Millisecond, Run: func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			runs[name]++
			return err
		}}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	require.NoError(t, RunPeriodic(ctx, task("ok", nil), task("failing", errors.New("down"))))

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, runs["ok"], 2)
	assert.GreaterOrEqual(t, runs["failing"], 2, "failures do not stop the task")
}
