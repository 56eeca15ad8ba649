package enforcement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/fixzit/marketplace/src/internal/events"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/config"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/health"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/lock"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/model"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/store"
)

const (
	ActorSystem = "system"
	maxAttempts = 5
)

var (
	ErrConflict = errors.New("seller account kept changing")
	errNoop     = errors.New("no change")
)

type Stores interface {
	store.SellerStore
	store.GovernanceStore
	ListItemIDsBySeller(ctx context.Context, sellerID string) ([]string, error)
}

// Recomputer is told which catalog items need their winner recomputed.
type Recomputer interface {
	TriggerItems(ctx context.Context, reason string, itemIDs ...string)
}

type Publisher interface {
	Publish(ctx context.Context, eventType, partitionKey, idempotencyKey string, data any) error
}

type Metrics interface {
	StatusTransition(ctx context.Context, from, to model.SellerStatus)
}

type Engine struct {
	store     Stores
	policy    config.Policy
	locks     lock.Locker
	recompute Recomputer
	events    Publisher
	metrics   Metrics
	now       func() time.Time
}

func NewEngine(st Stores, policy config.Policy, recompute Recomputer, pub Publisher) *Engine {
	return &Engine{
		store:     st,
		policy:    policy,
		locks:     lock.NewKeyedMutex(),
		recompute: recompute,
		events:    pub,
		now:       func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

func (e *Engine) WithLocker(l lock.Locker) *Engine {
	e.locks = l
	return e
}

func (e *Engine) WithMetrics(m Metrics) *Engine {
	e.metrics = m
	return e
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// change describes why a status changed.
type change struct {
	reason     string
	actor      string
	verdict    model.Verdict
	snapshotID string
	trigger    *model.Breach
}

// HandleSnapshot evaluates a freshly appended snapshot and applies the
// resulting transition. Replaying the latest snapshot is a no-op.
func (e *Engine) HandleSnapshot(ctx context.Context, snap model.MetricSnapshot) error {
	ev := health.Evaluate(snap, e.policy.Thresholds, e.policy.Scoring.Quality)
	tier := health.Tier(ev, snap, e.policy.Enforcement)

	_, err := e.mutate(ctx, snap.SellerID, func(acct model.SellerAccount) (model.SellerAccount, *change, error) {
		if acct.LatestSnapshotID == snap.ID {
			return acct, nil, errNoop
		}
		next, reason := Step(acct, snap.ID, ev, tier, e.policy.Enforcement)
		if reason == "" {
			return next, nil, nil
		}
		return next, &change{
			reason:     reason,
			actor:      ActorSystem,
			verdict:    ev.Verdict,
			snapshotID: snap.ID,
			trigger:    ev.WorstBreach(),
		}, nil
	})
	if errors.Is(err, errNoop) {
		return nil
	}
	if err != nil {
		return err
	}

	if !ev.LowConfidence && ev.Verdict != model.VerdictHealthy {
		worst := ev.WorstBreach()
		slog.WarnContext(ctx, "seller_health_breach",
			"seller_id", snap.SellerID,
			"snapshot_id", snap.ID,
			"verdict", ev.Verdict,
			"metric", worst.Metric,
			"value", worst.Value,
			"threshold", worst.Threshold,
		)
		_ = e.events.Publish(ctx, events.EventSellerWarning, snap.SellerID, "warning:"+snap.ID, events.SellerWarningData{
			SellerID:   snap.SellerID,
			SnapshotID: snap.ID,
			Metric:     string(worst.Metric),
			Value:      worst.Value,
			Threshold:  worst.Threshold,
		})
	}
	return nil
}

// RestoreFromAppeal lifts an approved appeal's action and puts the seller
// back in the status the action was applied from. It reports false when the
// action had already been lifted, in which case nothing changes.
func (e *Engine) RestoreFromAppeal(ctx context.Context, actionID, appealID, deciderID string) (model.SellerAccount, bool, error) {
	action, err := e.store.GetAction(ctx, actionID)
	if err != nil {
		return model.SellerAccount{}, false, fmt.Errorf("get action: %w", err)
	}

	reason := "appeal " + appealID + " approved"
	acct, err := e.mutate(ctx, action.SellerID, func(acct model.SellerAccount) (model.SellerAccount, *change, error) {
		cur, err := e.store.GetAction(ctx, actionID)
		if err != nil {
			return acct, nil, fmt.Errorf("get action: %w", err)
		}
		if !cur.Active() {
			return acct, nil, errNoop
		}
		next := acct
		next.Status = cur.PriorStatus
		next.ImprovingStreak = 0
		next.BreachStreak = 0
		return next, &change{reason: reason, actor: deciderID, verdict: acct.LastVerdict}, nil
	})
	if errors.Is(err, errNoop) {
		return acct, false, nil
	}
	if err != nil {
		return model.SellerAccount{}, false, err
	}

	if _, err := e.store.ReverseAction(ctx, actionID, e.now(), reason); err != nil && !errors.Is(err, store.ErrVersionConflict) {
		return acct, true, fmt.Errorf("reverse appealed action: %w", err)
	}
	return acct, true, nil
}

// mutate applies fn to the seller's account under the per-seller lock and
// writes the result with a version check, retrying against fresh state on
// conflict. Status changes are then reconciled, audited and announced.
func (e *Engine) mutate(ctx context.Context, sellerID string, fn func(model.SellerAccount) (model.SellerAccount, *change, error)) (model.SellerAccount, error) {
	unlock, err := e.locks.Lock(ctx, "account:"+sellerID)
	if err != nil {
		return model.SellerAccount{}, fmt.Errorf("lock seller: %w", err)
	}
	defer unlock()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		before, err := e.store.GetSellerAccount(ctx, sellerID)
		if errors.Is(err, store.ErrNotFound) {
			before = model.NewSellerAccount(sellerID, e.now())
		} else if err != nil {
			return model.SellerAccount{}, fmt.Errorf("get seller account: %w", err)
		}

		next, ch, err := fn(before)
		if err != nil {
			return before, err
		}
		now := e.now()
		next.Version = before.Version + 1
		next.UpdatedAt = now
		if next.Status != before.Status {
			next.StatusChangedAt = now
		}

		err = e.store.SaveSellerAccount(ctx, next, before.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			slog.WarnContext(ctx, "seller_account_conflict", "seller_id", sellerID, "attempt", attempt)
			continue
		}
		if err != nil {
			return model.SellerAccount{}, fmt.Errorf("save seller account: %w", err)
		}

		if err := e.afterWrite(ctx, before, next, ch); err != nil {
			return next, err
		}
		return next, nil
	}
	return model.SellerAccount{}, fmt.Errorf("%w: %s", ErrConflict, sellerID)
}

func (e *Engine) afterWrite(ctx context.Context, before, after model.SellerAccount, ch *change) error {
	statusChanged := before.Status != after.Status
	// Always reconcile so a crash between the account write and the action
	// writes heals on the next snapshot.
	var trigger *model.Breach
	snapshotID, reversal := after.LatestSnapshotID, "status "+string(after.Status)
	if ch != nil {
		trigger, reversal = ch.trigger, ch.reason
		if ch.snapshotID != "" {
			snapshotID = ch.snapshotID
		}
	}
	created, err := e.reconcile(ctx, before.Status, after, trigger, snapshotID, reversal)
	if err != nil {
		return err
	}

	gateChanged := (before.LastVerdict == model.VerdictSuspended) != (after.LastVerdict == model.VerdictSuspended)
	if !statusChanged {
		if gateChanged {
			e.recomputeSeller(ctx, after.SellerID, "seller_health_gate_changed")
		}
		return nil
	}

	if ch == nil {
		ch = &change{reason: "status changed", actor: ActorSystem, verdict: after.LastVerdict}
	}
	at := e.now()
	tr := model.StatusTransition{
		ID:         model.NewID("str"),
		SellerID:   after.SellerID,
		From:       before.Status,
		To:         after.Status,
		Verdict:    ch.verdict,
		SnapshotID: ch.snapshotID,
		Reason:     ch.reason,
		Actor:      ch.actor,
		Before:     before,
		After:      after,
		At:         at,
	}
	if err := e.store.AppendTransition(ctx, tr); err != nil {
		return fmt.Errorf("append transition: %w", err)
	}
	slog.InfoContext(ctx, "seller_status_changed",
		"seller_id", after.SellerID,
		"from", before.Status,
		"to", after.Status,
		"reason", ch.reason,
		"actor", ch.actor,
		"transition_id", tr.ID,
		"version", after.Version,
	)
	if e.metrics != nil {
		e.metrics.StatusTransition(ctx, before.Status, after.Status)
	}

	_ = e.events.Publish(ctx, events.EventSellerStatusChanged, after.SellerID,
		fmt.Sprintf("status:%s:%d", after.SellerID, after.Version),
		events.SellerStatusChangedData{
			SellerID:       after.SellerID,
			PreviousStatus: string(before.Status),
			NewStatus:      string(after.Status),
			Verdict:        string(ch.verdict),
			SnapshotID:     ch.snapshotID,
			Reason:         ch.reason,
			ActionIDs:      created,
			ChangedAt:      at,
		})

	e.recomputeSeller(ctx, after.SellerID, "seller_status_changed")
	return nil
}

// reconcile makes the seller's active actions match the set its status
// requires and returns the ids of actions it created.
func (e *Engine) reconcile(ctx context.Context, prior model.SellerStatus, acct model.SellerAccount, trigger *model.Breach, snapshotID, reversal string) ([]string, error) {
	actions, err := e.store.ListActions(ctx, acct.SellerID)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	required := model.RequiredActions(acct.Status)
	active := make(map[model.ActionType]bool)
	now := e.now()

	for _, a := range actions {
		if !a.Active() {
			continue
		}
		if slices.Contains(required, a.Type) && !active[a.Type] {
			active[a.Type] = true
			continue
		}
		reversed, err := e.store.ReverseAction(ctx, a.ID, now, reversal)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reverse action %s: %w", a.ID, err)
		}
		slog.InfoContext(ctx, "enforcement_action_reversed",
			"seller_id", acct.SellerID,
			"action_id", a.ID,
			"type", a.Type,
			"reason", reversal,
			"before", a,
			"after", reversed,
		)
	}

	var created []string
	for _, t := range required {
		if active[t] {
			continue
		}
		a := model.EnforcementAction{
			ID:              model.NewID("act"),
			SellerID:        acct.SellerID,
			Type:            t,
			Trigger:         trigger,
			SnapshotID:      snapshotID,
			PriorStatus:     prior,
			ResultingStatus: acct.Status,
			CreatedAt:       now,
		}
		if prior.Severity() >= acct.Status.Severity() {
			// healing a missing action: the status it came from is unknown,
			// so fall back to one level below
			a.PriorStatus = acct.Status.Relaxed()
		}
		if err := e.store.AppendAction(ctx, a); err != nil {
			return created, fmt.Errorf("append action: %w", err)
		}
		created = append(created, a.ID)
		slog.InfoContext(ctx, "enforcement_action_applied",
			"seller_id", acct.SellerID,
			"action_id", a.ID,
			"type", a.Type,
			"prior_status", a.PriorStatus,
			"resulting_status", a.ResultingStatus,
			"snapshot_id", snapshotID,
		)
	}
	return created, nil
}

func (e *Engine) recomputeSeller(ctx context.Context, sellerID, reason string) {
	items, err := e.store.ListItemIDsBySeller(ctx, sellerID)
	if err != nil {
		slog.ErrorContext(ctx, "list_seller_items_failed", "seller_id", sellerID, "error", err)
		return
	}
	if len(items) == 0 {
		return
	}
	slog.InfoContext(ctx, "seller_items_recompute_requested", "seller_id", sellerID, "items", len(items), "reason", reason)
	e.recompute.TriggerItems(ctx, reason, items...)
}
