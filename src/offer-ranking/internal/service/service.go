// Package service orchestrates winner recomputation and serves the read
// side: current winner, eligible offers and seller health.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fixzit/marketplace/src/internal/events"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/cache"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/clients"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/config"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/health"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/lock"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/model"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/ranking"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/store"
)

const maxAttempts = 5

var (
	ErrCatalogItemNotFound = errors.New("catalog item not found")
	ErrConflict            = errors.New("winner record kept changing")
)

type Catalog interface {
	GetItem(ctx context.Context, itemID string) (model.CatalogItem, error)
}

// Trigger schedules a debounced recompute for items.
type Trigger interface {
	TriggerItems(ctx context.Context, reason string, itemIDs ...string)
}

type Publisher interface {
	Publish(ctx context.Context, eventType, partitionKey, idempotencyKey string, data any) error
}

type Metrics interface {
	Recompute(ctx context.Context, outcome string, d time.Duration)
}

type Service struct {
	store   store.Store
	catalog Catalog
	engine  *ranking.Engine
	policy  config.Policy
	locks   lock.Locker
	cache   cache.WinnerCache
	events  Publisher
	trigger Trigger
	metrics Metrics
	flight  singleflight.Group
	now     func() time.Time
}

func New(st store.Store, catalog Catalog, policy config.Policy, pub Publisher) *Service {
	return &Service{
		store:   st,
		catalog: catalog,
		engine:  ranking.NewEngine(policy.Scoring, ranking.JSONLogic{}),
		policy:  policy,
		locks:   lock.NewKeyedMutex(),
		cache:   cache.NewMemoryWinnerCache(),
		events:  pub,
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

func (s *Service) WithLocker(l lock.Locker) *Service {
	s.locks = l
	return s
}

func (s *Service) WithCache(c cache.WinnerCache) *Service {
	s.cache = c
	return s
}

func (s *Service) WithMetrics(m Metrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SetTrigger wires the scheduler that debounces offer-change recomputes.
// Until it is set, changes are recomputed inline.
func (s *Service) SetTrigger(t Trigger) {
	s.trigger = t
}

// Recompute rebuilds the WinnerRecord of one item. It reports whether a new
// version was written; identical inputs leave the stored record untouched.
func (s *Service) Recompute(ctx context.Context, itemID string) (model.WinnerRecord, bool, error) {
	start := time.Now()
	rec, changed, err := s.recompute(ctx, itemID)

	outcome := "unchanged"
	switch {
	case errors.Is(err, ErrCatalogItemNotFound):
		outcome = "skipped"
		slog.WarnContext(ctx, "recompute_skipped", "catalog_item_id", itemID, "error", err)
	case err != nil:
		outcome = "failed"
		slog.ErrorContext(ctx, "recompute_failed", "catalog_item_id", itemID, "error", err)
	case changed:
		outcome = "changed"
	}
	if s.metrics != nil {
		s.metrics.Recompute(ctx, outcome, time.Since(start))
	}
	return rec, changed, err
}

func (s *Service) recompute(ctx context.Context, itemID string) (model.WinnerRecord, bool, error) {
	unlock, err := s.locks.Lock(ctx, "item:"+itemID)
	if err != nil {
		return model.WinnerRecord{}, false, fmt.Errorf("lock item: %w", err)
	}
	defer unlock()

	item, err := s.catalog.GetItem(ctx, itemID)
	if errors.Is(err, clients.ErrItemNotFound) {
		return model.WinnerRecord{}, false, fmt.Errorf("%w: %s", ErrCatalogItemNotFound, itemID)
	}
	if err != nil {
		return model.WinnerRecord{}, false, fmt.Errorf("get catalog item: %w", err)
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		offers, err := s.store.ListOffersByItem(ctx, itemID)
		if err != nil {
			return model.WinnerRecord{}, false, fmt.Errorf("list offers: %w", err)
		}
		sellers, err := s.sellerStates(ctx, offers)
		if err != nil {
			return model.WinnerRecord{}, false, err
		}
		rec := s.engine.Compute(ctx, item, offers, sellers)

		prev, err := s.store.GetWinner(ctx, itemID)
		found := err == nil
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return model.WinnerRecord{}, false, fmt.Errorf("get winner: %w", err)
		}
		if found && prev.InputsDigest == rec.InputsDigest {
			s.cacheRecord(ctx, prev)
			return prev, false, nil
		}

		rec.Version = prev.Version + 1
		rec.ComputedAt = s.now()
		err = s.store.SaveWinner(ctx, rec, prev.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			slog.WarnContext(ctx, "winner_version_conflict", "catalog_item_id", itemID, "attempt", attempt)
			continue
		}
		if err != nil {
			return model.WinnerRecord{}, false, fmt.Errorf("save winner: %w", err)
		}

		s.markOffers(ctx, rec)
		s.cacheRecord(ctx, rec)
		slog.InfoContext(ctx, "winner_recomputed",
			"catalog_item_id", itemID,
			"outcome", rec.Outcome,
			"offer_id", rec.OfferID,
			"seller_id", rec.SellerID,
			"score", rec.Score,
			"eligible", len(rec.Ranked),
			"rejected", len(rec.Rejected),
			"version", rec.Version,
		)
		if !found || prev.Outcome != rec.Outcome || prev.OfferID != rec.OfferID {
			s.announce(ctx, prev, rec, offers)
		}
		return rec, true, nil
	}
	return model.WinnerRecord{}, false, fmt.Errorf("%w: %s", ErrConflict, itemID)
}

// sellerStates loads the gate and quality inputs of every seller with an
// offer in offers.
func (s *Service) sellerStates(ctx context.Context, offers []model.Offer) (map[string]ranking.SellerState, error) {
	out := make(map[string]ranking.SellerState)
	for _, o := range offers {
		if _, ok := out[o.SellerID]; ok {
			continue
		}
		st, err := s.sellerState(ctx, o.SellerID)
		if err != nil {
			return nil, err
		}
		out[o.SellerID] = st
	}
	return out, nil
}

func (s *Service) sellerState(ctx context.Context, sellerID string) (ranking.SellerState, error) {
	st := ranking.DefaultSellerState(s.policy.Scoring.Quality.UndefinedRateScore)
	acct, err := s.store.GetSellerAccount(ctx, sellerID)
	if errors.Is(err, store.ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("get seller account %s: %w", sellerID, err)
	}
	st.Status = acct.Status
	st.Verdict = acct.LastVerdict
	st.Tier = acct.Tier
	if acct.LatestSnapshotID == "" {
		return st, nil
	}
	snap, err := s.store.GetSnapshot(ctx, acct.LatestSnapshotID)
	if errors.Is(err, store.ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("get snapshot %s: %w", acct.LatestSnapshotID, err)
	}
	st.Quality = health.Evaluate(snap, s.policy.Thresholds, s.policy.Scoring.Quality).Quality
	return st, nil
}

func (s *Service) markOffers(ctx context.Context, rec model.WinnerRecord) {
	for _, r := range rec.Ranked {
		if err := s.store.MarkOfferRanking(ctx, r.OfferID, r.Revision, true, r.Composite); err != nil {
			slog.WarnContext(ctx, "offer_mark_failed", "offer_id", r.OfferID, "error", err)
		}
	}
	for _, r := range rec.Rejected {
		if err := s.store.MarkOfferRanking(ctx, r.OfferID, rec.OfferRevisions[r.OfferID], false, 0); err != nil {
			slog.WarnContext(ctx, "offer_mark_failed", "offer_id", r.OfferID, "error", err)
		}
	}
}

func (s *Service) cacheRecord(ctx context.Context, rec model.WinnerRecord) {
	if s.cache == nil {
		return
	}
	if _, err := s.cache.Set(ctx, rec); err != nil {
		slog.WarnContext(ctx, "winner_cache_set_failed", "catalog_item_id", rec.CatalogItemID, "error", err)
	}
}

// announce tells every seller with an offer on the item, and the seller
// that just lost the item, that its winner changed.
func (s *Service) announce(ctx context.Context, prev, rec model.WinnerRecord, offers []model.Offer) {
	slog.InfoContext(ctx, "winner_changed",
		"catalog_item_id", rec.CatalogItemID,
		"previous_offer_id", prev.OfferID,
		"offer_id", rec.OfferID,
		"version", rec.Version,
	)

	ranks := make(map[string]int)
	for _, r := range rec.Ranked {
		if _, ok := ranks[r.SellerID]; !ok {
			ranks[r.SellerID] = r.Rank
		}
	}
	recipients := make(map[string]bool)
	for _, o := range offers {
		recipients[o.SellerID] = true
	}
	if prev.SellerID != "" {
		recipients[prev.SellerID] = true
	}

	for sellerID := range recipients {
		_ = s.events.Publish(ctx, events.EventWinnerChanged, sellerID,
			fmt.Sprintf("winner:%s:%d:%s", rec.CatalogItemID, rec.Version, sellerID),
			events.WinnerChangedData{
				CatalogItemID:  rec.CatalogItemID,
				SellerID:       sellerID,
				PreviousOffer:  prev.OfferID,
				PreviousSeller: prev.SellerID,
				WinningOffer:   rec.OfferID,
				WinningSeller:  rec.SellerID,
				Score:          rec.Score,
				Rank:           ranks[sellerID],
				ComputedAt:     rec.ComputedAt,
			})
	}
}
