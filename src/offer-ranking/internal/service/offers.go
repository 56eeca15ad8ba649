package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fixzit/marketplace/src/offer-ranking/internal/model"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/store"
)

var ErrInvalidOffer = errors.New("invalid offer")

func validateOffer(o model.Offer) error {
	switch {
	case o.ID == "" || o.CatalogItemID == "" || o.SellerID == "":
		return fmt.Errorf("%w: offer, item and seller ids are required", ErrInvalidOffer)
	case !o.Price.IsPositive():
		return fmt.Errorf("%w: price must be positive", ErrInvalidOffer)
	case len(o.Currency) != 3:
		return fmt.Errorf("%w: currency must be an ISO 4217 code", ErrInvalidOffer)
	case o.Stock < 0 || o.DeliveryDays < 0:
		return fmt.Errorf("%w: stock and delivery days must not be negative", ErrInvalidOffer)
	case !o.Fulfillment.Valid():
		return fmt.Errorf("%w: unknown fulfillment %q", ErrInvalidOffer, o.Fulfillment)
	case o.Revision <= 0:
		return fmt.Errorf("%w: revision must be positive", ErrInvalidOffer)
	}
	return nil
}

// UpsertOffer stores a new offer revision. Revisions not newer than the
// stored one are ignored and reported as not applied. Material changes
// request a recompute of the affected items.
func (s *Service) UpsertOffer(ctx context.Context, o model.Offer) (bool, error) {
	if err := validateOffer(o); err != nil {
		return false, err
	}
	o.UpdatedAt = s.now()
	o.RankingEligible, o.RankingScore, o.RankingAsOfRev = false, 0, 0

	prev, err := s.store.UpsertOffer(ctx, o)
	if errors.Is(err, store.ErrStaleRevision) {
		slog.DebugContext(ctx, "offer_revision_ignored", "offer_id", o.ID, "revision", o.Revision)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("upsert offer: %w", err)
	}

	switch {
	case prev == nil:
		s.requestRecompute(ctx, "offer_created", o.CatalogItemID)
	case prev.MaterialChange(o):
		items := []string{o.CatalogItemID}
		if prev.CatalogItemID != o.CatalogItemID {
			items = append(items, prev.CatalogItemID)
		}
		s.requestRecompute(ctx, "offer_changed", items...)
	default:
		// keep the last ranking markers for a cosmetic revision
		if err := s.store.MarkOfferRanking(ctx, o.ID, o.Revision, prev.RankingEligible, prev.RankingScore); err != nil {
			slog.WarnContext(ctx, "offer_mark_failed", "offer_id", o.ID, "error", err)
		}
	}
	slog.InfoContext(ctx, "offer_upserted",
		"offer_id", o.ID,
		"catalog_item_id", o.CatalogItemID,
		"seller_id", o.SellerID,
		"revision", o.Revision,
	)
	return true, nil
}

// RemoveOffer deletes an offer and requests a recompute of its item. It
// reports false when the offer did not exist.
func (s *Service) RemoveOffer(ctx context.Context, offerID string) (bool, error) {
	o, err := s.store.DeleteOffer(ctx, offerID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete offer: %w", err)
	}
	slog.InfoContext(ctx, "offer_removed", "offer_id", offerID, "catalog_item_id", o.CatalogItemID, "seller_id", o.SellerID)
	s.requestRecompute(ctx, "offer_removed", o.CatalogItemID)
	return true, nil
}

// RecomputeAll requests a recompute of every item with at least one offer.
func (s *Service) RecomputeAll(ctx context.Context, reason string) (int, error) {
	items, err := s.store.ListItemIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list items: %w", err)
	}
	s.requestRecompute(ctx, reason, items...)
	return len(items), nil
}

func (s *Service) requestRecompute(ctx context.Context, reason string, itemIDs ...string) {
	if s.trigger != nil {
		s.trigger.TriggerItems(ctx, reason, itemIDs...)
		return
	}
	for _, id := range itemIDs {
		_, _, _ = s.Recompute(ctx, id)
	}
}
