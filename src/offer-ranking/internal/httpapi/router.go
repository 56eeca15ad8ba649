package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/items/{itemID}/winner", h.HandleGetWinner)
		r.Get("/items/{itemID}/offers", h.HandleListEligibleOffers)

		r.Route("/sellers/{sellerID}", func(r chi.Router) {
			r.Get("/health", h.HandleGetSellerHealth)
			r.Get("/enforcement-actions", h.HandleListActions)
			r.Get("/transitions", h.HandleListTransitions)
			r.Get("/appeals", h.HandleListAppeals)
			r.Post("/appeals", h.HandleSubmitAppeal)
		})
		r.Get("/appeals/{appealID}", h.HandleGetAppeal)
	})

	// Called by other services and operators, not exposed publicly.
	r.Route("/internal/v1", func(r chi.Router) {
		r.Post("/appeals/{appealID}/review", h.HandleStartReview)
		r.Post("/appeals/{appealID}/decision", h.HandleDecideAppeal)
		r.Post("/facts", h.HandleIngestFacts)
		r.Put("/offers/{offerID}", h.HandleUpsertOffer)
		r.Delete("/offers/{offerID}", h.HandleRemoveOffer)
		r.Post("/sellers/{sellerID}/metrics/recompute", h.HandleRecomputeMetrics)
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.DebugContext(r.Context(), "http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
