package store

import (
	"context"
	"errors"
	"time"

	"github.com/fixzit/marketplace/src/offer-ranking/internal/model"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrDuplicate       = errors.New("duplicate")
	// ErrStaleRevision is returned when an offer write carries a revision
	// that is not newer than the stored one.
	ErrStaleRevision = errors.New("stale offer revision")
)

type OfferStore interface {
	// UpsertOffer stores o if it is new or newer than the stored revision and
	// returns the offer it replaced, if any.
	UpsertOffer(ctx context.Context, o model.Offer) (*model.Offer, error)
	GetOffer(ctx context.Context, offerID string) (model.Offer, error)
	DeleteOffer(ctx context.Context, offerID string) (model.Offer, error)
	// ListOffersByItem returns the offers of an item ordered by offer id.
	ListOffersByItem(ctx context.Context, catalogItemID string) ([]model.Offer, error)
	ListItemIDs(ctx context.Context) ([]string, error)
	ListItemIDsBySeller(ctx context.Context, sellerID string) ([]string, error)
	// MarkOfferRanking writes the ranking markers when the offer is still at
	// revision asOfRevision; otherwise it is a no-op.
	MarkOfferRanking(ctx context.Context, offerID string, asOfRevision int64, eligible bool, score float64) error
}

type SellerStore interface {
	GetSellerAccount(ctx context.Context, sellerID string) (model.SellerAccount, error)
	// SaveSellerAccount writes acct only if the stored version equals
	// expectedVersion (0 means the account must not exist yet).
	SaveSellerAccount(ctx context.Context, acct model.SellerAccount, expectedVersion int64) error
	ListSellerIDs(ctx context.Context) ([]string, error)
}

type SnapshotStore interface {
	AppendSnapshot(ctx context.Context, s model.MetricSnapshot) error
	GetSnapshot(ctx context.Context, snapshotID string) (model.MetricSnapshot, error)
	LatestSnapshot(ctx context.Context, sellerID string) (model.MetricSnapshot, error)
	// ListSnapshots returns newest first.
	ListSnapshots(ctx context.Context, sellerID string, limit int) ([]model.MetricSnapshot, error)
}

type FactStore interface {
	// SaveFact reports false when a fact with the same idempotency key exists.
	SaveFact(ctx context.Context, f model.BehavioralFact) (bool, error)
	// ListFacts returns facts with from < occurred_at <= to.
	ListFacts(ctx context.Context, sellerID string, from, to time.Time) ([]model.BehavioralFact, error)
	ListFactSellerIDs(ctx context.Context, since time.Time) ([]string, error)
}

type GovernanceStore interface {
	AppendAction(ctx context.Context, a model.EnforcementAction) error
	GetAction(ctx context.Context, actionID string) (model.EnforcementAction, error)
	ListActions(ctx context.Context, sellerID string) ([]model.EnforcementAction, error)
	// ReverseAction sets the reversal fields of an active action. Reversing
	// an already reversed action returns ErrVersionConflict.
	ReverseAction(ctx context.Context, actionID string, at time.Time, reason string) (model.EnforcementAction, error)

	AppendTransition(ctx context.Context, t model.StatusTransition) error
	ListTransitions(ctx context.Context, sellerID string) ([]model.StatusTransition, error)

	// CreateAppeal returns ErrDuplicate if an open appeal already references
	// the same enforcement action.
	CreateAppeal(ctx context.Context, a model.Appeal) error
	GetAppeal(ctx context.Context, appealID string) (model.Appeal, error)
	// UpdateAppeal replaces the appeal if its stored status is expected.
	UpdateAppeal(ctx context.Context, a model.Appeal, expected model.AppealStatus) error
	ListAppeals(ctx context.Context, sellerID string) ([]model.Appeal, error)

	Close() error
}

type WinnerStore interface {
	GetWinner(ctx context.Context, catalogItemID string) (model.WinnerRecord, error)
	// SaveWinner atomically replaces the record if the stored version equals
	// expectedVersion (0 means no record exists yet).
	SaveWinner(ctx context.Context, rec model.WinnerRecord, expectedVersion int64) error
}

// Store is the full persistence surface of the ranking service.
type Store interface {
	OfferStore
	SellerStore
	SnapshotStore
	FactStore
	GovernanceStore
	WinnerStore
}
