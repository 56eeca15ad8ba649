package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fixzit/marketplace/src/offer-ranking/internal/model"
)

// FirestoreGovernanceStore keeps enforcement actions, status transitions and
// appeals in Firestore for deployments that audit governance separately from
// the ranking data.
type FirestoreGovernanceStore struct {
	client      *firestore.Client
	actions     string
	transitions string
	appeals     string
}

func NewFirestoreGovernanceStore(ctx context.Context, projectID string) (*FirestoreGovernanceStore, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	return &FirestoreGovernanceStore{
		client:      client,
		actions:     "enforcement_actions",
		transitions: "status_transitions",
		appeals:     "appeals",
	}, nil
}

func (s *FirestoreGovernanceStore) AppendAction(ctx context.Context, a model.EnforcementAction) error {
	_, err := s.client.Collection(s.actions).Doc(a.ID).Create(ctx, a)
	if status.Code(err) == codes.AlreadyExists {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("append action: %w", err)
	}
	return nil
}

func (s *FirestoreGovernanceStore) GetAction(ctx context.Context, actionID string) (model.EnforcementAction, error) {
	doc, err := s.client.Collection(s.actions).Doc(actionID).Get(ctx)
	if err != nil {
		return model.EnforcementAction{}, notFound(err, "get action")
	}
	var a model.EnforcementAction
	if err := doc.DataTo(&a); err != nil {
		return model.EnforcementAction{}, fmt.Errorf("decode action: %w", err)
	}
	return a, nil
}

func (s *FirestoreGovernanceStore) ListActions(ctx context.Context, sellerID string) ([]model.EnforcementAction, error) {
	query := s.client.Collection(s.actions).
		Where("seller_id", "==", sellerID).
		OrderBy("created_at", firestore.Asc)
	return collect[model.EnforcementAction](ctx, query, "actions")
}

func (s *FirestoreGovernanceStore) ReverseAction(ctx context.Context, actionID string, at time.Time, reason string) (model.EnforcementAction, error) {
	ref := s.client.Collection(s.actions).Doc(actionID)
	var out model.EnforcementAction
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil {
			return notFound(err, "get action")
		}
		var a model.EnforcementAction
		if err := doc.DataTo(&a); err != nil {
			return fmt.Errorf("decode action: %w", err)
		}
		out = a
		if !a.Active() {
			return ErrVersionConflict
		}
		a.ReversedAt = &at
		a.ReversalReason = reason
		out = a
		return tx.Set(ref, a)
	})
	return out, err
}

func (s *FirestoreGovernanceStore) AppendTransition(ctx context.Context, t model.StatusTransition) error {
	if _, err := s.client.Collection(s.transitions).Doc(t.ID).Set(ctx, t); err != nil {
		return fmt.Errorf("append transition: %w", err)
	}
	return nil
}

func (s *FirestoreGovernanceStore) ListTransitions(ctx context.Context, sellerID string) ([]model.StatusTransition, error) {
	query := s.client.Collection(s.transitions).
		Where("seller_id", "==", sellerID).
		OrderBy("at", firestore.Asc)
	return collect[model.StatusTransition](ctx, query, "transitions")
}

// CreateAppeal checks for an open appeal on the same action inside the
// transaction that creates the new one.
func (s *FirestoreGovernanceStore) CreateAppeal(ctx context.Context, a model.Appeal) error {
	col := s.client.Collection(s.appeals)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if a.OpenKey != "" {
			open, err := tx.Documents(col.Where("open_key", "==", a.OpenKey).Limit(1)).GetAll()
			if err != nil {
				return fmt.Errorf("query open appeals: %w", err)
			}
			if len(open) > 0 {
				return ErrDuplicate
			}
		}
		err := tx.Create(col.Doc(a.ID), a)
		if status.Code(err) == codes.AlreadyExists {
			return ErrDuplicate
		}
		return err
	})
}

func (s *FirestoreGovernanceStore) GetAppeal(ctx context.Context, appealID string) (model.Appeal, error) {
	doc, err := s.client.Collection(s.appeals).Doc(appealID).Get(ctx)
	if err != nil {
		return model.Appeal{}, notFound(err, "get appeal")
	}
	var a model.Appeal
	if err := doc.DataTo(&a); err != nil {
		return model.Appeal{}, fmt.Errorf("decode appeal: %w", err)
	}
	return a, nil
}

func (s *FirestoreGovernanceStore) UpdateAppeal(ctx context.Context, a model.Appeal, expected model.AppealStatus) error {
	ref := s.client.Collection(s.appeals).Doc(a.ID)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil {
			return notFound(err, "get appeal")
		}
		var cur model.Appeal
		if err := doc.DataTo(&cur); err != nil {
			return fmt.Errorf("decode appeal: %w", err)
		}
		if cur.Status != expected {
			return ErrVersionConflict
		}
		return tx.Set(ref, a)
	})
}

func (s *FirestoreGovernanceStore) ListAppeals(ctx context.Context, sellerID string) ([]model.Appeal, error) {
	query := s.client.Collection(s.appeals).
		Where("seller_id", "==", sellerID).
		OrderBy("submitted_at", firestore.Asc)
	return collect[model.Appeal](ctx, query, "appeals")
}

func (s *FirestoreGovernanceStore) Close() error {
	return s.client.Close()
}

func collect[T any](ctx context.Context, query firestore.Query, what string) ([]T, error) {
	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []T
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate %s: %w", what, err)
		}
		var v T
		if err := doc.DataTo(&v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", what, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func notFound(err error, op string) error {
	if status.Code(err) == codes.NotFound {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Layered serves governance records from a dedicated store and everything
// else from the primary one.
type Layered struct {
	Store
	Governance GovernanceStore
}

var _ Store = (*Layered)(nil)

func (l *Layered) AppendAction(ctx context.Context, a model.EnforcementAction) error {
	return l.Governance.AppendAction(ctx, a)
}

func (l *Layered) GetAction(ctx context.Context, actionID string) (model.EnforcementAction, error) {
	return l.Governance.GetAction(ctx, actionID)
}

func (l *Layered) ListActions(ctx context.Context, sellerID string) ([]model.EnforcementAction, error) {
	return l.Governance.ListActions(ctx, sellerID)
}

func (l *Layered) ReverseAction(ctx context.Context, actionID string, at time.Time, reason string) (model.EnforcementAction, error) {
	return l.Governance.ReverseAction(ctx, actionID, at, reason)
}

func (l *Layered) AppendTransition(ctx context.Context, t model.StatusTransition) error {
	return l.Governance.AppendTransition(ctx, t)
}

func (l *Layered) ListTransitions(ctx context.Context, sellerID string) ([]model.StatusTransition, error) {
	return l.Governance.ListTransitions(ctx, sellerID)
}

func (l *Layered) CreateAppeal(ctx context.Context, a model.Appeal) error {
	return l.Governance.CreateAppeal(ctx, a)
}

func (l *Layered) GetAppeal(ctx context.Context, appealID string) (model.Appeal, error) {
	return l.Governance.GetAppeal(ctx, appealID)
}

func (l *Layered) UpdateAppeal(ctx context.Context, a model.Appeal, expected model.AppealStatus) error {
	return l.Governance.UpdateAppeal(ctx, a, expected)
}

func (l *Layered) ListAppeals(ctx context.Context, sellerID string) ([]model.Appeal, error) {
	return l.Governance.ListAppeals(ctx, sellerID)
}

func (l *Layered) Close() error {
	return errors.Join(l.Governance.Close(), l.Store.Close())
}
