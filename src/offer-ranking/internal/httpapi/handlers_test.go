package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixzit/marketplace/src/internal/events"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/appeals"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/clients"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/config"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/enforcement"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/fixture"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/model"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/service"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/store"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/window"
)

type nopTrigger struct{}

func (nopTrigger) TriggerItems(context.Context, string, ...string) {}

type factCounter struct {
	mu       sync.Mutex
	accepted int
	rejected int
}

func (f *factCounter) FactsIngested(_ context.Context, accepted, _, rejected int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted += accepted
	f.rejected += rejected
}

type apiEnv struct {
	store   *store.MemoryStore
	engine  *enforcement.Engine
	facts   *factCounter
	handler http.Handler
}

func newAPI(t *testing.T) *apiEnv {
	t.Helper()
	policy := config.DefaultPolicy()
	clock := func() time.Time { return fixture.Now }
	pub := events.NewPublisher("test", &events.Recorder{})

	e := &apiEnv{store: store.NewMemoryStore(), facts: &factCounter{}}
	catalog := clients.NewStaticCatalog("", fixture.CatalogItem("item-1", "", ""))
	svc := service.New(e.store, catalog, policy, pub).WithClock(clock)
	e.engine = enforcement.NewEngine(e.store, policy, nopTrigger{}, pub).WithClock(clock)
	agg := window.NewAggregator(e.store, policy.Schedule.Window, e.engine).WithClock(clock)
	wf := appeals.NewWorkflow(e.store, clients.NewStaticIdentity("admin-1"), e.engine, pub).WithClock(clock)
	e.handler = NewRouter(NewHandlers(svc, wf, agg, e.store).WithMetrics(e.facts))

	for _, o := range []model.Offer{
		fixture.NewOffer("o1", "item-1", "seller-a").WithPrice("80.00").Build(),
		fixture.NewOffer("o2", "item-1", "seller-b").WithPrice("100.00").Build(),
	} {
		_, err := e.store.UpsertOffer(context.Background(), o)
		require.NoError(t, err)
	}
	return e
}

func (e *apiEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	e := newAPI(t)
	rec := e.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))
}

func TestGetWinner(t *testing.T) {
	e := newAPI(t)

	rec := e.do(t, http.MethodGet, "/v1/items/item-1/winner", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	winner := decodeBody[model.WinnerRecord](t, rec)
	assert.Equal(t, model.OutcomeWinner, winner.Outcome)
	assert.Equal(t, "o1", winner.OfferID)

	rec = e.do(t, http.MethodGet, "/v1/items/item-1/offers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[struct {
		Offers []model.RankedOffer `json:"offers"`
	}](t, rec)
	require.Len(t, list.Offers, 2)
	assert.Equal(t, 1, list.Offers[0].Rank)

	rec = e.do(t, http.MethodGet, "/v1/items/missing/winner", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpsertAndRemoveOffer(t *testing.T) {
	e := newAPI(t)
	offer := fixture.NewOffer("o3", "item-1", "seller-c").WithPrice("70.00").Build()

	tests := []struct {
		name   string
		path   string
		offer  model.Offer
		status int
	}{
		{"path mismatch", "/internal/v1/offers/other", offer, http.StatusBadRequest},
		{"invalid price", "/internal/v1/offers/o3", fixture.NewOffer("o3", "item-1", "seller-c").WithPrice("0").Build(), http.StatusBadRequest},
		{"created", "/internal/v1/offers/o3", offer, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, http.MethodPut, tt.path, tt.offer)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	winner := decodeBody[model.WinnerRecord](t, e.do(t, http.MethodGet, "/v1/items/item-1/winner", nil))
	assert.Equal(t, "o3", winner.OfferID)

	rec := e.do(t, http.MethodPut, "/internal/v1/offers/o3", offer)
	assert.Equal(t, false, decodeBody[map[string]any](t, rec)["applied"], "same revision is ignored")

	rec = e.do(t, http.MethodDelete, "/internal/v1/offers/o3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody[map[string]any](t, rec)["removed"])

	winner = decodeBody[model.WinnerRecord](t, e.do(t, http.MethodGet, "/v1/items/item-1/winner", nil))
	assert.Equal(t, "o1", winner.OfferID)
}

func TestIngestFacts(t *testing.T) {
	e := newAPI(t)
	body := map[string]any{"facts": []model.BehavioralFact{
		{IdempotencyKey: "ord-1:done", SellerID: "seller-a", OrderID: "ord-1", Kind: model.FactOrderCompleted, OccurredAt: fixture.Now.Add(-time.Hour)},
		{IdempotencyKey: "ord-2:done", SellerID: "seller-a", Kind: model.FactOrderCompleted, OccurredAt: fixture.Now.Add(-time.Hour)},
	}}

	rec := e.do(t, http.MethodPost, "/internal/v1/facts", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[service.IngestResult](t, rec)
	assert.Equal(t, 1, res.Accepted)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, 1, res.Rejected[0].Index)
	assert.Equal(t, 1, e.facts.accepted)
	assert.Equal(t, 1, e.facts.rejected)

	rec = e.do(t, http.MethodPost, "/internal/v1/sellers/seller-a/metrics/recompute", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	snap := decodeBody[model.MetricSnapshot](t, rec)
	assert.Equal(t, "seller-a", snap.SellerID)

	rec = e.do(t, http.MethodGet, "/v1/sellers/seller-a/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[service.SellerHealth](t, rec).LowConfidence)

	rec = e.do(t, http.MethodPost, "/internal/v1/facts", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAppealLifecycle(t *testing.T) {
	e := newAPI(t)
	ctx := context.Background()
	require.NoError(t, e.engine.HandleSnapshot(ctx, fixture.BreachingSnapshot("snap_1", "seller-a", 0.05)))
	require.NoError(t, e.engine.HandleSnapshot(ctx, fixture.BreachingSnapshot("snap_2", "seller-a", 0.05)))

	actions := decodeBody[struct {
		Actions []model.EnforcementAction `json:"actions"`
	}](t, e.do(t, http.MethodGet, "/v1/sellers/seller-a/enforcement-actions", nil)).Actions
	require.NotEmpty(t, actions)
	actionID := actions[len(actions)-1].ID

	submit := map[string]string{"enforcement_action_id": actionID, "justification": "carrier outage"}
	rec := e.do(t, http.MethodPost, "/v1/sellers/seller-a/appeals", submit)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	appeal := decodeBody[model.Appeal](t, rec)
	assert.Equal(t, model.AppealSubmitted, appeal.Status)

	rec = e.do(t, http.MethodPost, "/v1/sellers/seller-a/appeals", submit)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = e.do(t, http.MethodPost, "/v1/sellers/seller-b/appeals", submit)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	decisionPath := "/internal/v1/appeals/" + appeal.ID + "/decision"
	rec = e.do(t, http.MethodPost, decisionPath, map[string]string{"decision": "approve", "decider_id": "seller-a"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = e.do(t, http.MethodPost, decisionPath, map[string]string{"decision": "maybe"}, "X-User-ID", "admin-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, decisionPath, map[string]string{"decision": "approve"}, "X-User-ID", "admin-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decided := decodeBody[model.Appeal](t, rec)
	assert.Equal(t, model.AppealApproved, decided.Status)
	assert.Equal(t, "admin-1", decided.DeciderID)

	rec = e.do(t, http.MethodPost, "/internal/v1/appeals/"+appeal.ID+"/review", map[string]string{"reviewer_id": "admin-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	got := decodeBody[model.Appeal](t, e.do(t, http.MethodGet, "/v1/appeals/"+appeal.ID, nil))
	assert.Equal(t, model.AppealApproved, got.Status)

	list := decodeBody[struct {
		Appeals []model.Appeal `json:"appeals"`
	}](t, e.do(t, http.MethodGet, "/v1/sellers/seller-a/appeals", nil))
	assert.Len(t, list.Appeals, 1)

	transitions := decodeBody[struct {
		Transitions []model.StatusTransition `json:"transitions"`
	}](t, e.do(t, http.MethodGet, "/v1/sellers/seller-a/transitions", nil))
	require.NotEmpty(t, transitions.Transitions)
	assert.Equal(t, model.SellerSuspended, transitions.Transitions[len(transitions.Transitions)-1].From)

	rec = e.do(t, http.MethodGet, "/v1/appeals/apl_missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = e.do(t, http.MethodGet, "/v1/sellers/nobody/health", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
