package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/fixzit/marketplace/src/offer-ranking/internal/model"
)

type Recomputer interface {
	Recompute(ctx context.Context, itemID string) (model.WinnerRecord, bool, error)
}

type DispatchFunc func(ctx context.Context, itemID string) error

func (f DispatchFunc) Dispatch(ctx context.Context, itemID string) error { return f(ctx, itemID) }

// Direct recomputes in-process on the scheduler's workers.
func Direct(r Recomputer) Dispatcher {
	return DispatchFunc(func(ctx context.Context, itemID string) error {
		_, _, err := r.Recompute(ctx, itemID)
		return err
	})
}

type ItemLister interface {
	ListItemIDs(ctx context.Context) ([]string, error)
}

type Trigger interface {
	TriggerItems(ctx context.Context, reason string, itemIDs ...string)
}

// Sweeper re-triggers every item with offers so quality drift and missed
// triggers are eventually corrected. Triggers are paced so a sweep never
// floods the scheduler.
type Sweeper struct {
	items   ItemLister
	trigger Trigger
	limiter *rate.Limiter
}

func NewSweeper(items ItemLister, trigger Trigger, perSecond float64) *Sweeper {
	return &Sweeper{
		items:   items,
		trigger: trigger,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
	}
}

func (s *Sweeper) Sweep(ctx context.Context) error {
	ids, err := s.items.ListItemIDs(ctx)
	if err != nil {
		return fmt.Errorf("list items: %w", err)
	}
	for _, id := range ids {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		s.trigger.TriggerItems(ctx, "sweep", id)
	}
	slog.InfoContext(ctx, "recompute_sweep_completed", "items", len(ids))
	return nil
}

// Task is a job run on a fixed interval.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// RunPeriodic runs every task on its interval until ctx is cancelled. A
// failing run is logged and retried on the next tick.
func RunPeriodic(ctx context.Context, tasks ...Task) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		g.Go(func() error {
			ticker := time.NewTicker(t.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					start := time.Now()
					if err := t.Run(gctx); err != nil && gctx.Err() == nil {
						slog.ErrorContext(gctx, "periodic_task_failed", "task", t.Name, "error", err)
						continue
					}
					slog.DebugContext(gctx, "periodic_task_completed", "task", t.Name, "duration", time.Since(start))
				}
			}
		})
	}
	return g.Wait()
}
