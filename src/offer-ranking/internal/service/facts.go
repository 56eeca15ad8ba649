package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/fixzit/marketplace/src/offer-ranking/internal/model"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/window"
)

// Aggregator stores facts and turns them into snapshots.
type Aggregator interface {
	Ingest(ctx context.Context, f model.BehavioralFact) (bool, error)
	RecomputeSeller(ctx context.Context, sellerID string) (model.MetricSnapshot, error)
}

// FactError describes one rejected fact of a batch.
type FactError struct {
	Index          int    `json:"index"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Error          string `json:"error"`
}

type IngestResult struct {
	Accepted   int         `json:"accepted"`
	Duplicates int         `json:"duplicates"`
	Rejected   []FactError `json:"rejected"`
}

// IngestFacts stores a batch of behavioral facts. Malformed facts are
// skipped and reported; the rest of the batch continues. Only storage
// failures abort the batch.
func IngestFacts(ctx context.Context, agg Aggregator, facts []model.BehavioralFact) (IngestResult, error) {
	res := IngestResult{Rejected: []FactError{}}
	for i, f := range facts {
		inserted, err := agg.Ingest(ctx, f)
		switch {
		case errors.Is(err, window.ErrMalformedFact):
			slog.WarnContext(ctx, "fact_rejected", "index", i, "idempotency_key", f.IdempotencyKey, "error", err)
			res.Rejected = append(res.Rejected, FactError{Index: i, IdempotencyKey: f.IdempotencyKey, Error: err.Error()})
		case err != nil:
			return res, err
		case inserted:
			res.Accepted++
		default:
			res.Duplicates++
		}
	}
	return res, nil
}
