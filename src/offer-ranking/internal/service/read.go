package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fixzit/marketplace/src/offer-ranking/internal/cache"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/health"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/model"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/store"
)

// GetWinner returns the current WinnerRecord of an item. A record computed
// against offers or seller gates that have since changed is recomputed
// inline, so a gated or removed offer is never served as the winner.
func (s *Service) GetWinner(ctx context.Context, itemID string) (model.WinnerRecord, error) {
	rec, err := s.current(ctx, itemID)
	switch {
	case err == nil:
		stale, err := s.stale(ctx, rec)
		if err != nil {
			return model.WinnerRecord{}, err
		}
		if !stale {
			return rec, nil
		}
		slog.InfoContext(ctx, "winner_stale_recompute", "catalog_item_id", itemID, "version", rec.Version)
	case !errors.Is(err, store.ErrNotFound):
		return model.WinnerRecord{}, err
	}

	v, err, _ := s.flight.Do(itemID, func() (any, error) {
		rec, _, err := s.Recompute(context.WithoutCancel(ctx), itemID)
		return rec, err
	})
	if err != nil {
		return model.WinnerRecord{}, err
	}
	return v.(model.WinnerRecord), nil
}

// ListEligibleOffers returns the ranked eligible offers of the current record.
func (s *Service) ListEligibleOffers(ctx context.Context, itemID string) ([]model.RankedOffer, error) {
	rec, err := s.GetWinner(ctx, itemID)
	if err != nil {
		return nil, err
	}
	return rec.Ranked, nil
}

func (s *Service) current(ctx context.Context, itemID string) (model.WinnerRecord, error) {
	if s.cache != nil {
		rec, err := s.cache.Get(ctx, itemID)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			slog.WarnContext(ctx, "winner_cache_get_failed", "catalog_item_id", itemID, "error", err)
		}
	}
	rec, err := s.store.GetWinner(ctx, itemID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.WinnerRecord{}, err
		}
		return model.WinnerRecord{}, fmt.Errorf("get winner: %w", err)
	}
	s.cacheRecord(ctx, rec)
	return rec, nil
}

// stale reports whether rec no longer matches the item's offers or the
// gating state of their sellers.
func (s *Service) stale(ctx context.Context, rec model.WinnerRecord) (bool, error) {
	offers, err := s.store.ListOffersByItem(ctx, rec.CatalogItemID)
	if err != nil {
		return false, fmt.Errorf("list offers: %w", err)
	}
	if len(offers) != len(rec.OfferRevisions) {
		return true, nil
	}
	checked := make(map[string]bool)
	for _, o := range offers {
		if rev, ok := rec.OfferRevisions[o.ID]; !ok || rev != o.Revision {
			return true, nil
		}
		if checked[o.SellerID] {
			continue
		}
		checked[o.SellerID] = true

		gate := model.SellerGate{Status: model.SellerActive, Verdict: model.VerdictHealthy}
		acct, err := s.store.GetSellerAccount(ctx, o.SellerID)
		switch {
		case err == nil:
			gate = model.SellerGate{Status: acct.Status, Verdict: acct.LastVerdict}
		case !errors.Is(err, store.ErrNotFound):
			return false, fmt.Errorf("get seller account: %w", err)
		}
		if gated(gate) != gated(rec.SellerGates[o.SellerID]) {
			return true, nil
		}
	}
	return false, nil
}

func gated(g model.SellerGate) bool {
	return g.Status.Gated() || g.Verdict == model.VerdictSuspended
}

// SellerHealth is the read model behind GetSellerHealth.
type SellerHealth struct {
	Account       model.SellerAccount   `json:"account"`
	Snapshot      *model.MetricSnapshot `json:"latest_snapshot,omitempty"`
	Verdict       model.Verdict         `json:"verdict"`
	LowConfidence bool                  `json:"low_confidence"`
	Undefined     []model.Metric        `json:"undefined_metrics,omitempty"`
	Breaches      []model.Breach        `json:"breaches"`
	Quality       float64               `json:"quality_score"`
}

// GetSellerHealth returns a seller's account and the evaluation of its
// latest snapshot. Sellers with neither are reported as not found.
func (s *Service) GetSellerHealth(ctx context.Context, sellerID string) (SellerHealth, error) {
	acct, err := s.store.GetSellerAccount(ctx, sellerID)
	accountFound := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return SellerHealth{}, fmt.Errorf("get seller account: %w", err)
	}
	if !accountFound {
		acct = model.NewSellerAccount(sellerID, s.now())
	}

	snap, err := s.store.LatestSnapshot(ctx, sellerID)
	if errors.Is(err, store.ErrNotFound) {
		if !accountFound {
			return SellerHealth{}, err
		}
		return SellerHealth{
			Account:       acct,
			Verdict:       acct.LastVerdict,
			LowConfidence: true,
			Breaches:      []model.Breach{},
			Quality:       s.policy.Scoring.Quality.UndefinedRateScore,
		}, nil
	}
	if err != nil {
		return SellerHealth{}, fmt.Errorf("latest snapshot: %w", err)
	}

	ev := health.Evaluate(snap, s.policy.Thresholds, s.policy.Scoring.Quality)
	breaches := ev.Breaches
	if breaches == nil {
		breaches = []model.Breach{}
	}
	return SellerHealth{
		Account:       acct,
		Snapshot:      &snap,
		Verdict:       ev.Verdict,
		LowConfidence: ev.LowConfidence,
		Undefined:     ev.UndefinedMetrics,
		Breaches:      breaches,
		Quality:       ev.Quality,
	}, nil
}
