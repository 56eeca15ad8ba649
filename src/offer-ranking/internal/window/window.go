// Package window aggregates raw behavioral facts into rolling-window
// MetricSnapshots.
package window

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fixzit/marketplace/src/offer-ranking/internal/lock"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/model"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/store"
)

var ErrMalformedFact = errors.New("malformed behavioral fact")

// Validate reports why f cannot be aggregated, wrapping ErrMalformedFact.
func Validate(f model.BehavioralFact) error {
	switch {
	case f.IdempotencyKey == "":
		return fmt.Errorf("%w: missing idempotency key", ErrMalformedFact)
	case f.SellerID == "":
		return fmt.Errorf("%w: missing seller id", ErrMalformedFact)
	case f.OrderID == "":
		return fmt.Errorf("%w: missing order id", ErrMalformedFact)
	case !f.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedFact, f.Kind)
	case f.OccurredAt.IsZero():
		return fmt.Errorf("%w: missing occurred_at", ErrMalformedFact)
	}
	return nil
}

// Compute folds the facts of one seller with start < occurred_at <= end into
// a snapshot. Orders are counted once per kind even if facts repeat, and
// malformed or foreign facts are ignored. Rates with a zero denominator are
// left nil.
func Compute(sellerID string, facts []model.BehavioralFact, start, end time.Time) model.MetricSnapshot {
	completed := make(map[string]struct{})
	cancelled := make(map[string]struct{})
	defects := make(map[string]struct{})
	var shipments, late, tracked, deliveries, onTime int

	for _, f := range facts {
		if f.SellerID != sellerID || Validate(f) != nil {
			continue
		}
		if !f.OccurredAt.After(start) || f.OccurredAt.After(end) {
			continue
		}
		switch f.Kind {
		case model.FactOrderCompleted:
			completed[f.OrderID] = struct{}{}
		case model.FactOrderCancelled:
			cancelled[f.OrderID] = struct{}{}
		case model.FactOrderDefect:
			defects[f.OrderID] = struct{}{}
		case model.FactShipment:
			shipments++
			if f.Late {
				late++
			}
			if f.TrackingValid {
				tracked++
			}
		case model.FactDeliveryConfirmed:
			deliveries++
			if f.OnTime {
				onTime++
			}
		}
	}

	snap := model.MetricSnapshot{
		SellerID:        sellerID,
		WindowStart:     start,
		WindowEnd:       end,
		CompletedOrders: len(completed),
		CancelledOrders: len(cancelled),
		DefectOrders:    len(defects),
		Shipments:       shipments,
		Deliveries:      deliveries,
	}
	snap.OrderDefectRate = ratio(len(defects), snap.CompletedOrders)
	snap.CancellationRate = ratio(len(cancelled), snap.Orders())
	snap.LateShipmentRate = ratio(late, shipments)
	snap.ValidTrackingRate = ratio(tracked, shipments)
	snap.OnTimeDeliveryRate = ratio(onTime, deliveries)
	return snap
}

func ratio(num, den int) *float64 {
	if den == 0 {
		return nil
	}
	r := float64(num) / float64(den)
	if r > 1 {
		r = 1
	}
	return &r
}

// SnapshotHandler receives every snapshot the aggregator appends.
type SnapshotHandler interface {
	HandleSnapshot(ctx context.Context, snap model.MetricSnapshot) error
}

type Stores interface {
	store.FactStore
	store.SnapshotStore
}

type Aggregator struct {
	store   Stores
	window  time.Duration
	handler SnapshotHandler
	workers int
	now     func() time.Time
	locks   lock.Locker
}

func NewAggregator(st Stores, window time.Duration, handler SnapshotHandler) *Aggregator {
	return &Aggregator{
		store:   st,
		window:  window,
		handler: handler,
		workers: 4,
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
		locks:   lock.NewKeyedMutex(),
	}
}

// WithLocker replaces the in-process per-seller lock, e.g. with a
// RedisLocker shared by every instance.
func (a *Aggregator) WithLocker(l lock.Locker) *Aggregator {
	a.locks = l
	return a
}

// WithClock overrides the aggregator clock.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// Ingest validates and stores a fact. It reports whether the fact was new.
func (a *Aggregator) Ingest(ctx context.Context, f model.BehavioralFact) (bool, error) {
	if err := Validate(f); err != nil {
		return false, err
	}
	if f.ReceivedAt.IsZero() {
		f.ReceivedAt = a.now()
	}
	f.OccurredAt = f.OccurredAt.UTC()
	inserted, err := a.store.SaveFact(ctx, f)
	if err != nil {
		return false, fmt.Errorf("save fact: %w", err)
	}
	if !inserted {
		slog.DebugContext(ctx, "fact_duplicate_ignored", "idempotency_key", f.IdempotencyKey)
	}
	return inserted, nil
}

// RecomputeSeller appends a fresh snapshot for one seller and hands it to the
// snapshot handler.
func (a *Aggregator) RecomputeSeller(ctx context.Context, sellerID string) (model.MetricSnapshot, error) {
	unlock, err := a.locks.Lock(ctx, "seller:"+sellerID)
	if err != nil {
		return model.MetricSnapshot{}, fmt.Errorf("lock seller: %w", err)
	}
	defer unlock()

	end := a.now()
	start := end.Add(-a.window)
	facts, err := a.store.ListFacts(ctx, sellerID, start, end)
	if err != nil {
		return model.MetricSnapshot{}, fmt.Errorf("list facts: %w", err)
	}

	snap := Compute(sellerID, facts, start, end)
	snap.ID = model.NewID("snap")
	snap.ComputedAt = end
	if err := a.store.AppendSnapshot(ctx, snap); err != nil {
		return model.MetricSnapshot{}, fmt.Errorf("append snapshot: %w", err)
	}
	slog.InfoContext(ctx, "metric_snapshot_appended",
		"seller_id", sellerID,
		"snapshot_id", snap.ID,
		"orders", snap.Orders(),
		"facts", len(facts),
	)

	if a.handler != nil {
		if err := a.handler.HandleSnapshot(ctx, snap); err != nil {
			return snap, fmt.Errorf("handle snapshot: %w", err)
		}
	}
	return snap, nil
}

// BatchResult summarizes one aggregation run.
type BatchResult struct {
	Sellers int
	Failed  int
}

// RunBatch recomputes every seller with facts inside the window. A failure
// for one seller is logged and does not stop the batch.
func (a *Aggregator) RunBatch(ctx context.Context) (BatchResult, error) {
	since := a.now().Add(-a.window)
	sellers, err := a.store.ListFactSellerIDs(ctx, since)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list sellers: %w", err)
	}

	var (
		mu  sync.Mutex
		res = BatchResult{Sellers: len(sellers)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for _, sellerID := range sellers {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if _, err := a.RecomputeSeller(gctx, sellerID); err != nil {
				slog.ErrorContext(gctx, "metric_recompute_failed", "seller_id", sellerID, "error", err)
				mu.Lock()
				res.Failed++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	slog.InfoContext(ctx, "metric_batch_completed", "sellers", res.Sellers, "failed", res.Failed)
	return res, nil
}
