package enforcement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixzit/marketplace/src/internal/events"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/config"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/fixture"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/model"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/store"
)

type recordingRecomputer struct {
	mu    sync.Mutex
	items []string
}

func (r *recordingRecomputer) TriggerItems(_ context.Context, _ string, itemIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, itemIDs...)
}

func (r *recordingRecomputer) Items() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.items...)
}

func (r *recordingRecomputer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = nil
}

type harness struct {
	store    *store.MemoryStore
	recorder *events.Recorder
	recomp   *recordingRecomputer
	engine   *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    store.NewMemoryStore(),
		recorder: &events.Recorder{},
		recomp:   &recordingRecomputer{},
	}
	h.engine = NewEngine(h.store, config.DefaultPolicy(), h.recomp, events.NewPublisher("test", h.recorder)).
		WithClock(func() time.Time { return fixture.Now })
	return h
}

func (h *harness) handle(t *testing.T, snap model.MetricSnapshot) model.SellerAccount {
	t.Helper()
	require.NoError(t, h.engine.HandleSnapshot(context.Background(), snap))
	acct, err := h.store.GetSellerAccount(context.Background(), snap.SellerID)
	require.NoError(t, err)
	return acct
}

func (h *harness) activeActions(t *testing.T, sellerID string) map[model.ActionType]model.EnforcementAction {
	t.Helper()
	actions, err := h.store.ListActions(context.Background(), sellerID)
	require.NoError(t, err)
	out := make(map[model.ActionType]model.EnforcementAction)
	for _, a := range actions {
		if a.Active() {
			out[a.Type] = a
		}
	}
	return out
}

func TestSevereBreachWarnsBeforeSuspending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, o := range []model.Offer{
		fixture.NewOffer("o1", "item-1", "seller-d").Build(),
		fixture.NewOffer("o2", "item-2", "seller-d").Build(),
	} {
		_, err := h.store.UpsertOffer(ctx, o)
		require.NoError(t, err)
	}

	acct := h.handle(t, fixture.BreachingSnapshot("snap_1", "seller-d", 0.05))
	assert.Equal(t, model.SellerWarned, acct.Status)
	assert.Empty(t, h.activeActions(t, "seller-d"), "warning carries no actions")
	assert.ElementsMatch(t, []string{"item-1", "item-2"}, h.recomp.Items())

	h.recomp.Reset()
	acct = h.handle(t, fixture.BreachingSnapshot("snap_2", "seller-d", 0.05))
	assert.Equal(t, model.SellerSuspended, acct.Status)
	assert.EqualValues(t, 2, acct.Version)
	assert.ElementsMatch(t, []string{"item-1", "item-2"}, h.recomp.Items())

	active := h.activeActions(t, "seller-d")
	require.Len(t, active, 3)
	for _, typ := range model.RequiredActions(model.SellerSuspended) {
		a, ok := active[typ]
		require.True(t, ok, "missing %s", typ)
		assert.Equal(t, model.SellerWarned, a.PriorStatus)
		assert.Equal(t, model.SellerSuspended, a.ResultingStatus)
		assert.Equal(t, "snap_2", a.SnapshotID)
		require.NotNil(t, a.Trigger)
		assert.Equal(t, model.MetricCancellation, a.Trigger.Metric)
	}

	transitions, err := h.store.ListTransitions(ctx, "seller-d")
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	for _, tr := range transitions {
		assert.Equal(t, tr.From, tr.Before.Status)
		assert.Equal(t, tr.To, tr.After.Status)
		assert.Equal(t, ActorSystem, tr.Actor)
	}

	changed := h.recorder.OfType(events.EventSellerStatusChanged)
	require.Len(t, changed, 2)
	last := changed[1].Data.(events.SellerStatusChangedData)
	assert.Equal(t, "WARNED", last.PreviousStatus)
	assert.Equal(t, "SUSPENDED", last.NewStatus)
	assert.Len(t, last.ActionIDs, 3)
	assert.Len(t, h.recorder.OfType(events.EventSellerWarning), 2)
}

func TestRepeatedWarningsSuppress(t *testing.T) {
	h := newHarness(t)

	// 3% against a 2.5% ceiling is a 20% excess: a single warning-level breach.
	assert.Equal(t, model.SellerWarned, h.handle(t, fixture.BreachingSnapshot("snap_1", "s1", 0.03)).Status)
	assert.Equal(t, model.SellerWarned, h.handle(t, fixture.BreachingSnapshot("snap_2", "s1", 0.03)).Status)
	acct := h.handle(t, fixture.BreachingSnapshot("snap_3", "s1", 0.03))
	assert.Equal(t, model.SellerSuppressed, acct.Status)

	active := h.activeActions(t, "s1")
	require.Len(t, active, 1)
	assert.Equal(t, model.SellerWarned, active[model.ActionSuppressListings].PriorStatus)
}

func TestRecoveryRelaxesOneLevelAtATime(t *testing.T) {
	h := newHarness(t)
	h.handle(t, fixture.BreachingSnapshot("snap_1", "s1", 0.05))
	h.handle(t, fixture.BreachingSnapshot("snap_2", "s1", 0.05))

	acct := h.handle(t, fixture.HealthySnapshot("snap_3", "s1"))
	assert.Equal(t, model.SellerSuspended, acct.Status)
	assert.Equal(t, 1, acct.ImprovingStreak)

	acct = h.handle(t, fixture.HealthySnapshot("snap_4", "s1"))
	assert.Equal(t, model.SellerSuppressed, acct.Status)
	active := h.activeActions(t, "s1")
	assert.Len(t, active, 1)
	assert.Contains(t, active, model.ActionSuppressListings)

	actions, err := h.store.ListActions(context.Background(), "s1")
	require.NoError(t, err)
	for _, a := range actions {
		if !a.Active() {
			assert.Equal(t, "health recovered", a.ReversalReason)
		}
	}

	h.handle(t, fixture.HealthySnapshot("snap_5", "s1"))
	acct = h.handle(t, fixture.HealthySnapshot("snap_6", "s1"))
	assert.Equal(t, model.SellerWarned, acct.Status)
	assert.Empty(t, h.activeActions(t, "s1"))

	h.handle(t, fixture.HealthySnapshot("snap_7", "s1"))
	acct = h.handle(t, fixture.HealthySnapshot("snap_8", "s1"))
	assert.Equal(t, model.SellerActive, acct.Status)
	assert.Equal(t, model.TierTopRated, acct.Tier)
}

func TestReplayedSnapshotIsNoop(t *testing.T) {
	h := newHarness(t)
	snap := fixture.BreachingSnapshot("snap_1", "s1", 0.05)

	first := h.handle(t, snap)
	second := h.handle(t, snap)

	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, model.SellerWarned, second.Status)
	transitions, err := h.store.ListTransitions(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, transitions, 1)
}

func TestLowConfidenceSnapshotHoldsStatus(t *testing.T) {
	h := newHarness(t)
	h.handle(t, fixture.BreachingSnapshot("snap_1", "s1", 0.05))

	thin := fixture.BreachingSnapshot("snap_2", "s1", 0.5)
	thin.CompletedOrders = 3
	thin.CancelledOrders = 3
	acct := h.handle(t, thin)

	assert.Equal(t, model.SellerWarned, acct.Status)
	assert.True(t, acct.LowConfidence)
	assert.Equal(t, model.TierNew, acct.Tier)
	assert.Len(t, h.recorder.OfType(events.EventSellerWarning), 1)
}

func TestUndefinedRateStillEnforcesDefinedBreach(t *testing.T) {
	h := newHarness(t)
	undelivered := func(id string) model.MetricSnapshot {
		s := fixture.BreachingSnapshot(id, "seller-d", 0.05)
		s.CompletedOrders = 190
		s.CancelledOrders = 10
		s.OnTimeDeliveryRate = nil
		s.Deliveries = 0
		return s
	}

	acct := h.handle(t, undelivered("snap_1"))
	assert.Equal(t, model.SellerWarned, acct.Status)
	assert.False(t, acct.LowConfidence)

	acct = h.handle(t, undelivered("snap_2"))
	assert.Equal(t, model.SellerSuspended, acct.Status)
	assert.Len(t, h.activeActions(t, "seller-d"), 3)

	transitions, err := h.store.ListTransitions(context.Background(), "seller-d")
	require.NoError(t, err)
	assert.Len(t, transitions, 2)
}

func TestMissingActionsAreHealed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acct := fixture.Account("s1", model.SellerSuspended)
	acct.Version = 1
	require.NoError(t, h.store.SaveSellerAccount(ctx, acct, 0))

	thin := fixture.HealthySnapshot("snap_1", "s1")
	thin.CompletedOrders = 2
	h.handle(t, thin)

	active := h.activeActions(t, "s1")
	require.Len(t, active, 3)
	assert.Equal(t, model.SellerSuppressed, active[model.ActionPauseAds].PriorStatus)
}

type conflictingStore struct {
	*store.MemoryStore
	mu        sync.Mutex
	conflicts int
}

func (c *conflictingStore) SaveSellerAccount(ctx context.Context, acct model.SellerAccount, expected int64) error {
	c.mu.Lock()
	if c.conflicts > 0 {
		c.conflicts--
		c.mu.Unlock()
		return store.ErrVersionConflict
	}
	c.mu.Unlock()
	return c.MemoryStore.SaveSellerAccount(ctx, acct, expected)
}

func TestConflictsAreRetried(t *testing.T) {
	st := &conflictingStore{MemoryStore: store.NewMemoryStore(), conflicts: 2}
	e := NewEngine(st, config.DefaultPolicy(), &recordingRecomputer{}, events.NewPublisher("test"))

	require.NoError(t, e.HandleSnapshot(context.Background(), fixture.BreachingSnapshot("snap_1", "s1", 0.05)))
	acct, err := st.GetSellerAccount(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SellerWarned, acct.Status)

	st.conflicts = 100
	err = e.HandleSnapshot(context.Background(), fixture.BreachingSnapshot("snap_2", "s1", 0.05))
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRestoreFromAppeal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.store.UpsertOffer(ctx, fixture.NewOffer("o1", "item-1", "s1").Build())
	require.NoError(t, err)
	h.handle(t, fixture.BreachingSnapshot("snap_1", "s1", 0.05))
	h.handle(t, fixture.BreachingSnapshot("snap_2", "s1", 0.05))
	revoke := h.activeActions(t, "s1")[model.ActionRevokeRanking]
	h.recomp.Reset()

	acct, restored, err := h.engine.RestoreFromAppeal(ctx, revoke.ID, "apl_1", "admin-1")
	require.NoError(t, err)
	assert.True(t, restored)
	assert.Equal(t, model.SellerWarned, acct.Status)
	assert.Zero(t, acct.BreachStreak)
	assert.Empty(t, h.activeActions(t, "s1"))
	assert.Equal(t, []string{"item-1"}, h.recomp.Items())

	got, err := h.store.GetAction(ctx, revoke.ID)
	require.NoError(t, err)
	assert.Equal(t, "appeal apl_1 approved", got.ReversalReason)

	transitions, err := h.store.ListTransitions(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, transitions, 3)
	last := transitions[2]
	assert.Equal(t, model.SellerSuspended, last.From)
	assert.Equal(t, model.SellerWarned, last.To)
	assert.Equal(t, "admin-1", last.Actor)

	_, restored, err = h.engine.RestoreFromAppeal(ctx, revoke.ID, "apl_2", "admin-1")
	require.NoError(t, err)
	assert.False(t, restored)

	_, _, err = h.engine.RestoreFromAppeal(ctx, "act_missing", "apl_3", "admin-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
