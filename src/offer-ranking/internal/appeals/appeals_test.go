package appeals

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixzit/marketplace/src/internal/events"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/config"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/enforcement"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/fixture"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/model"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/store"
)

type admins map[string]bool

func (a admins) IsAdministrator(_ context.Context, userID string) (bool, error) {
	if userID == "broken" {
		return false, errors.New("identity unavailable")
	}
	return a[userID], nil
}

type recomputes struct {
	mu    sync.Mutex
	items []string
}

func (r *recomputes) TriggerItems(_ context.Context, _ string, itemIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, itemIDs...)
}

type env struct {
	store    *store.MemoryStore
	recorder *events.Recorder
	recomp   *recomputes
	engine   *enforcement.Engine
	workflow *Workflow
}

// newEnv returns a seller "s1" that has been suspended by two severe
// snapshots and holds offers on two items.
func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	e := &env{
		store:    store.NewMemoryStore(),
		recorder: &events.Recorder{},
		recomp:   &recomputes{},
	}
	clock := func() time.Time { return fixture.Now }
	pub := events.NewPublisher("test", e.recorder)
	e.engine = enforcement.NewEngine(e.store, config.DefaultPolicy(), e.recomp, pub).WithClock(clock)
	e.workflow = NewWorkflow(e.store, admins{"admin-1": true}, e.engine, pub).WithClock(clock)

	for _, o := range []model.Offer{
		fixture.NewOffer("o1", "item-1", "s1").Build(),
		fixture.NewOffer("o2", "item-2", "s1").Build(),
	} {
		_, err := e.store.UpsertOffer(ctx, o)
		require.NoError(t, err)
	}
	require.NoError(t, e.engine.HandleSnapshot(ctx, fixture.BreachingSnapshot("snap_1", "s1", 0.05)))
	require.NoError(t, e.engine.HandleSnapshot(ctx, fixture.BreachingSnapshot("snap_2", "s1", 0.05)))
	return e
}

func (e *env) action(t *testing.T, typ model.ActionType) model.EnforcementAction {
	t.Helper()
	actions, err := e.store.ListActions(context.Background(), "s1")
	require.NoError(t, err)
	for _, a := range actions {
		if a.Type == typ && a.Active() {
			return a
		}
	}
	t.Fatalf("no active %s action", typ)
	return model.EnforcementAction{}
}

func TestSubmit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	act := e.action(t, model.ActionRevokeRanking)

	a, err := e.workflow.Submit(ctx, "s1", act.ID, "  carrier strike caused cancellations ")
	require.NoError(t, err)
	assert.Equal(t, model.AppealSubmitted, a.Status)
	assert.Equal(t, "carrier strike caused cancellations", a.Justification)
	assert.Equal(t, fixture.Now, a.SubmittedAt)
	assert.Len(t, e.recorder.OfType(events.EventAppealSubmitted), 1)

	_, err = e.workflow.Submit(ctx, "s1", act.ID, "again")
	assert.ErrorIs(t, err, ErrAppealExists)

	// a different action may be appealed in parallel
	_, err = e.workflow.Submit(ctx, "s1", e.action(t, model.ActionPauseAds).ID, "ads too")
	assert.NoError(t, err)
}

func TestSubmitRejects(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	act := e.action(t, model.ActionSuppressListings)

	tests := []struct {
		name     string
		seller   string
		actionID string
		text     string
		want     error
	}{
		{"empty justification", "s1", act.ID, "   ", ErrInvalidAppeal},
		{"unknown action", "s1", "act_missing", "why", ErrActionNotFound},
		{"someone else's action", "s2", act.ID, "why", ErrActionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.workflow.Submit(ctx, tt.seller, tt.actionID, tt.text)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := e.store.ReverseAction(ctx, act.ID, fixture.Now, "manual")
	require.NoError(t, err)
	_, err = e.workflow.Submit(ctx, "s1", act.ID, "why")
	assert.ErrorIs(t, err, ErrActionNotActive)
}

func TestApproveRestoresPriorStatus(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	act := e.action(t, model.ActionRevokeRanking)

	a, err := e.workflow.Submit(ctx, "s1", act.ID, "carrier strike")
	require.NoError(t, err)
	a, err = e.workflow.StartReview(ctx, a.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, model.AppealUnderReview, a.Status)

	e.recomp.items = nil
	a, err = e.workflow.Decide(ctx, a.ID, model.DecisionApprove, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, model.AppealApproved, a.Status)
	assert.Equal(t, "admin-1", a.DeciderID)
	require.NotNil(t, a.DecidedAt)
	assert.Empty(t, a.OpenKey)

	acct, err := e.store.GetSellerAccount(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, act.PriorStatus, acct.Status)
	assert.ElementsMatch(t, []string{"item-1", "item-2"}, e.recomp.items)

	got, err := e.store.GetAction(ctx, act.ID)
	require.NoError(t, err)
	assert.False(t, got.Active())

	decided := e.recorder.OfType(events.EventAppealDecided)
	require.Len(t, decided, 1)
	data := decided[0].Data.(events.AppealDecidedData)
	assert.Equal(t, "APPROVED", data.Status)
	assert.Equal(t, string(model.SellerWarned), data.RestoredStatus)

	_, err = e.workflow.Decide(ctx, a.ID, model.DecisionDeny, "admin-1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDenyLeavesStateAndAllowsNewAppeal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	act := e.action(t, model.ActionPauseAds)
	before, err := e.store.GetSellerAccount(ctx, "s1")
	require.NoError(t, err)

	a, err := e.workflow.Submit(ctx, "s1", act.ID, "please")
	require.NoError(t, err)
	a, err = e.workflow.Decide(ctx, a.ID, model.DecisionDeny, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, model.AppealDenied, a.Status)
	assert.Equal(t, "admin-1", a.ReviewerID, "submitted appeals pass through review")

	after, err := e.store.GetSellerAccount(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.True(t, e.action(t, model.ActionPauseAds).Active())

	_, err = e.workflow.Submit(ctx, "s1", act.ID, "new evidence")
	assert.NoError(t, err)
}

func TestDecideRequiresAdministrator(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a, err := e.workflow.Submit(ctx, "s1", e.action(t, model.ActionPauseAds).ID, "please")
	require.NoError(t, err)

	_, err = e.workflow.Decide(ctx, a.ID, model.DecisionApprove, "s1")
	assert.ErrorIs(t, err, ErrNotAuthorized)
	_, err = e.workflow.StartReview(ctx, a.ID, "")
	assert.ErrorIs(t, err, ErrNotAuthorized)
	_, err = e.workflow.Decide(ctx, a.ID, model.DecisionApprove, "broken")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotAuthorized)
	_, err = e.workflow.Decide(ctx, a.ID, "MAYBE", "admin-1")
	assert.ErrorIs(t, err, ErrInvalidAppeal)

	got, err := e.workflow.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AppealSubmitted, got.Status)
}

func TestStartReviewOnlyFromSubmitted(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a, err := e.workflow.Submit(ctx, "s1", e.action(t, model.ActionPauseAds).ID, "please")
	require.NoError(t, err)

	_, err = e.workflow.StartReview(ctx, a.ID, "admin-1")
	require.NoError(t, err)
	_, err = e.workflow.StartReview(ctx, a.ID, "admin-1")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = e.workflow.StartReview(ctx, "apl_missing", "admin-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	list, err := e.workflow.List(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestApproveAfterActionAlreadyLifted(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	act := e.action(t, model.ActionPauseAds)
	a, err := e.workflow.Submit(ctx, "s1", act.ID, "please")
	require.NoError(t, err)

	// health recovers before the appeal is decided
	require.NoError(t, e.engine.HandleSnapshot(ctx, fixture.HealthySnapshot("snap_3", "s1")))
	require.NoError(t, e.engine.HandleSnapshot(ctx, fixture.HealthySnapshot("snap_4", "s1")))
	acct, err := e.store.GetSellerAccount(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, model.SellerSuppressed, acct.Status)

	a, err = e.workflow.Decide(ctx, a.ID, model.DecisionApprove, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, model.AppealApproved, a.Status)

	after, err := e.store.GetSellerAccount(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SellerSuppressed, after.Status)
	data := e.recorder.OfType(events.EventAppealDecided)[0].Data.(events.AppealDecidedData)
	assert.Empty(t, data.RestoredStatus)
}
