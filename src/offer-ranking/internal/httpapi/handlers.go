// Package httpapi exposes ranking reads, seller governance and the internal
// ingestion endpoints over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/fixzit/marketplace/src/offer-ranking/internal/appeals"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/model"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/service"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/store"
)

const maxBody = 1 << 20

// FactMetrics counts ingested facts; optional.
type FactMetrics interface {
	FactsIngested(ctx context.Context, accepted, duplicates, rejected int)
}

type Handlers struct {
	svc        *service.Service
	appeals    *appeals.Workflow
	agg        service.Aggregator
	governance store.GovernanceStore
	metrics    FactMetrics
}

func NewHandlers(svc *service.Service, wf *appeals.Workflow, agg service.Aggregator, gov store.GovernanceStore) *Handlers {
	return &Handlers{svc: svc, appeals: wf, agg: agg, governance: gov}
}

func (h *Handlers) WithMetrics(m FactMetrics) *Handlers {
	h.metrics = m
	return h
}

// HandleGetWinner handles GET /v1/items/{itemID}/winner
func (h *Handlers) HandleGetWinner(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.GetWinner(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		writeError(w, r, "get winner", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HandleListEligibleOffers handles GET /v1/items/{itemID}/offers
func (h *Handlers) HandleListEligibleOffers(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	offers, err := h.svc.ListEligibleOffers(r.Context(), itemID)
	if err != nil {
		writeError(w, r, "list eligible offers", err)
		return
	}
	if offers == nil {
		offers = []model.RankedOffer{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"catalog_item_id": itemID, "offers": offers})
}

func (h *Handlers) HandleGetSellerHealth(w http.ResponseWriter, r *http.Request) {
	sh, err := h.svc.GetSellerHealth(r.Context(), chi.URLParam(r, "sellerID"))
	if err != nil {
		writeError(w, r, "get seller health", err)
		return
	}
	writeJSON(w, http.StatusOK, sh)
}

func (h *Handlers) HandleListActions(w http.ResponseWriter, r *http.Request) {
	sellerID := chi.URLParam(r, "sellerID")
	actions, err := h.governance.ListActions(r.Context(), sellerID)
	if err != nil {
		writeError(w, r, "list enforcement actions", err)
		return
	}
	if actions == nil {
		actions = []model.EnforcementAction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"seller_id": sellerID, "actions": actions})
}

func (h *Handlers) HandleListTransitions(w http.ResponseWriter, r *http.Request) {
	sellerID := chi.URLParam(r, "sellerID")
	transitions, err := h.governance.ListTransitions(r.Context(), sellerID)
	if err != nil {
		writeError(w, r, "list transitions", err)
		return
	}
	if transitions == nil {
		transitions = []model.StatusTransition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"seller_id": sellerID, "transitions": transitions})
}

func (h *Handlers) HandleListAppeals(w http.ResponseWriter, r *http.Request) {
	sellerID := chi.URLParam(r, "sellerID")
	list, err := h.appeals.List(r.Context(), sellerID)
	if err != nil {
		writeError(w, r, "list appeals", err)
		return
	}
	if list == nil {
		list = []model.Appeal{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"seller_id": sellerID, "appeals": list})
}

// HandleSubmitAppeal handles POST /v1/sellers/{sellerID}/appeals
func (h *Handlers) HandleSubmitAppeal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EnforcementActionID string `json:"enforcement_action_id"`
		Justification       string `json:"justification"`
	}
	if !decode(w, r, &req) {
		return
	}
	a, err := h.appeals.Submit(r.Context(), chi.URLParam(r, "sellerID"), req.EnforcementActionID, req.Justification)
	if err != nil {
		writeError(w, r, "submit appeal", err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handlers) HandleGetAppeal(w http.ResponseWriter, r *http.Request) {
	a, err := h.appeals.Get(r.Context(), chi.URLParam(r, "appealID"))
	if err != nil {
		writeError(w, r, "get appeal", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// HandleStartReview handles POST /internal/v1/appeals/{appealID}/review
func (h *Handlers) HandleStartReview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReviewerID string `json:"reviewer_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	a, err := h.appeals.StartReview(r.Context(), chi.URLParam(r, "appealID"), actor(r, req.ReviewerID))
	if err != nil {
		writeError(w, r, "start appeal review", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// HandleDecideAppeal handles POST /internal/v1/appeals/{appealID}/decision
func (h *Handlers) HandleDecideAppeal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Decision  model.Decision `json:"decision"`
		DeciderID string         `json:"decider_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	decision := model.Decision(strings.ToUpper(string(req.Decision)))
	a, err := h.appeals.Decide(r.Context(), chi.URLParam(r, "appealID"), decision, actor(r, req.DeciderID))
	if err != nil {
		writeError(w, r, "decide appeal", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// HandleIngestFacts handles POST /internal/v1/facts
func (h *Handlers) HandleIngestFacts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Facts []model.BehavioralFact `json:"facts"`
	}
	if !decode(w, r, &req) {
		return
	}
	res, err := service.IngestFacts(r.Context(), h.agg, req.Facts)
	if h.metrics != nil {
		h.metrics.FactsIngested(r.Context(), res.Accepted, res.Duplicates, len(res.Rejected))
	}
	if err != nil {
		writeError(w, r, "ingest facts", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleUpsertOffer handles PUT /internal/v1/offers/{offerID}
func (h *Handlers) HandleUpsertOffer(w http.ResponseWriter, r *http.Request) {
	var o model.Offer
	if !decode(w, r, &o) {
		return
	}
	offerID := chi.URLParam(r, "offerID")
	if o.ID != "" && o.ID != offerID {
		writeJSON(w, http.StatusBadRequest, errorBody("offer_id does not match path"))
		return
	}
	o.ID = offerID

	applied, err := h.svc.UpsertOffer(r.Context(), o)
	if err != nil {
		writeError(w, r, "upsert offer", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offer_id": offerID, "revision": o.Revision, "applied": applied})
}

// HandleRemoveOffer handles DELETE /internal/v1/offers/{offerID}
func (h *Handlers) HandleRemoveOffer(w http.ResponseWriter, r *http.Request) {
	offerID := chi.URLParam(r, "offerID")
	removed, err := h.svc.RemoveOffer(r.Context(), offerID)
	if err != nil {
		writeError(w, r, "remove offer", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offer_id": offerID, "removed": removed})
}

// HandleRecomputeMetrics handles POST /internal/v1/sellers/{sellerID}/metrics/recompute
func (h *Handlers) HandleRecomputeMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := h.agg.RecomputeSeller(r.Context(), chi.URLParam(r, "sellerID"))
	if err != nil {
		writeError(w, r, "recompute seller metrics", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// actor prefers the authenticated caller forwarded by the gateway.
func actor(r *http.Request, fromBody string) string {
	if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
		return id
	}
	return strings.TrimSpace(fromBody)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read request"))
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, service.ErrCatalogItemNotFound),
		errors.Is(err, appeals.ErrActionNotFound):
		return http.StatusNotFound
	case errors.Is(err, appeals.ErrAppealExists),
		errors.Is(err, appeals.ErrActionNotActive),
		errors.Is(err, appeals.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, appeals.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, appeals.ErrInvalidAppeal),
		errors.Is(err, service.ErrInvalidOffer):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrConflict):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request_failed", "op", op, "path", r.URL.Path, "error", err)
		writeJSON(w, status, errorBody(op+" failed"))
		return
	}
	writeJSON(w, status, errorBody(err.Error()))
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
