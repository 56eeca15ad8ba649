// Package scheduler coalesces recompute triggers per catalog item and runs
// them on a bounded worker pool. At most one recompute per item is in
// flight; a trigger arriving meanwhile schedules exactly one follow-up.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Dispatcher runs, or durably enqueues, the recompute of one due item.
type Dispatcher interface {
	Dispatch(ctx context.Context, itemID string) error
}

type Metrics interface {
	Coalesced(ctx context.Context)
	Dispatched(ctx context.Context, failed bool)
}

type Scheduler struct {
	debounce time.Duration
	workers  int
	dispatch Dispatcher
	metrics  Metrics

	mu       sync.Mutex
	pending  map[string]time.Time
	queue    []string // pending ids in due order; the debounce is fixed so FIFO is due order
	inFlight map[string]bool
	rerun    map[string]bool

	wake    chan struct{}
	work    chan string
	closing *atomic.Bool
	wg      sync.WaitGroup
}

func New(d Dispatcher, debounce time.Duration, workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		debounce: debounce,
		workers:  workers,
		dispatch: d,
		pending:  make(map[string]time.Time),
		inFlight: make(map[string]bool),
		rerun:    make(map[string]bool),
		wake:     make(chan struct{}, 1),
		work:     make(chan string),
		closing:  atomic.NewBool(false),
	}
}

func (s *Scheduler) WithMetrics(m Metrics) *Scheduler {
	s.metrics = m
	return s
}

// TriggerItems marks items dirty. Triggers for an item already pending are
// absorbed into the pending recompute.
func (s *Scheduler) TriggerItems(ctx context.Context, reason string, itemIDs ...string) {
	if s.closing.Load() {
		slog.WarnContext(ctx, "recompute_trigger_dropped", "reason", reason, "items", len(itemIDs))
		return
	}

	due := time.Now().Add(s.debounce)
	var added, coalesced int
	s.mu.Lock()
	for _, id := range itemIDs {
		switch {
		case id == "":
			continue
		case s.inFlight[id]:
			s.rerun[id] = true
			coalesced++
		case !s.pending[id].IsZero():
			coalesced++
		default:
			s.pending[id] = due
			s.queue = append(s.queue, id)
			added++
		}
	}
	s.mu.Unlock()

	if s.metrics != nil {
		for range coalesced {
			s.metrics.Coalesced(ctx)
		}
	}
	slog.DebugContext(ctx, "recompute_triggered", "reason", reason, "added", added, "coalesced", coalesced)
	if added > 0 {
		s.signal()
	}
}

// Pending returns the number of items waiting for their debounce window.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Run dispatches due items until ctx is cancelled. It then stops accepting
// triggers, drops whatever is still waiting for its window and returns once
// the in-flight dispatches have finished. Dropped items are picked up again
// by the next winner sweep.
func (s *Scheduler) Run(ctx context.Context) error {
	workCtx := context.WithoutCancel(ctx)
	for range s.workers {
		s.wg.Add(1)
		go s.worker(workCtx)
	}

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		due, wait := s.popDue(time.Now())
		for _, id := range due {
			s.work <- id
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		var tick <-chan time.Time
		if wait >= 0 {
			timer.Reset(wait)
			tick = timer.C
		}

		select {
		case <-ctx.Done():
			return s.drain()
		case <-s.wake:
		case <-tick:
		}
	}
}

func (s *Scheduler) drain() error {
	s.closing.Store(true)
	s.mu.Lock()
	dropped := len(s.pending)
	s.pending = make(map[string]time.Time)
	s.queue = nil
	s.mu.Unlock()
	slog.Info("recompute_scheduler_draining", "dropped", dropped)

	close(s.work)
	s.wg.Wait()
	slog.Info("recompute_scheduler_stopped")
	return nil
}

// popDue removes the items whose window has passed and marks them in
// flight. wait is the time until the next item falls due, or -1 when
// nothing is pending.
func (s *Scheduler) popDue(now time.Time) ([]string, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []string
	for len(s.queue) > 0 {
		id := s.queue[0]
		at := s.pending[id]
		if at.After(now) {
			return due, at.Sub(now)
		}
		s.queue = s.queue[1:]
		delete(s.pending, id)
		s.inFlight[id] = true
		due = append(due, id)
	}
	return due, -1
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for id := range s.work {
		err := s.dispatch.Dispatch(ctx, id)
		if err != nil {
			slog.ErrorContext(ctx, "recompute_dispatch_failed", "catalog_item_id", id, "error", err)
		}
		if s.metrics != nil {
			s.metrics.Dispatched(ctx, err != nil)
		}
		s.finish(id)
	}
}

// finish releases an item and re-pends it when it was triggered while in
// flight, unless the scheduler is shutting down.
func (s *Scheduler) finish(id string) {
	s.mu.Lock()
	delete(s.inFlight, id)
	rerun := s.rerun[id]
	delete(s.rerun, id)
	if rerun && !s.closing.Load() {
		s.pending[id] = time.Now().Add(s.debounce)
		s.queue = append(s.queue, id)
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
