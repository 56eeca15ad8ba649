// Package appeals lets a seller contest an enforcement action:
// SUBMITTED -> UNDER_REVIEW -> APPROVED | DENIED.
package appeals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fixzit/marketplace/src/internal/events"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/model"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/store"
)

var (
	ErrAppealExists      = errors.New("an open appeal already exists for this action")
	ErrActionNotActive   = errors.New("enforcement action is not active")
	ErrActionNotFound    = errors.New("enforcement action not found")
	ErrInvalidTransition = errors.New("invalid appeal transition")
	ErrNotAuthorized     = errors.New("not authorized")
	ErrInvalidAppeal     = errors.New("invalid appeal")
)

// Authorizer answers whether a user may review and decide appeals.
type Authorizer interface {
	IsAdministrator(ctx context.Context, userID string) (bool, error)
}

// Restorer undoes an appealed action and restores the prior seller status.
type Restorer interface {
	RestoreFromAppeal(ctx context.Context, actionID, appealID, deciderID string) (model.SellerAccount, bool, error)
}

type Publisher interface {
	Publish(ctx context.Context, eventType, partitionKey, idempotencyKey string, data any) error
}

type Workflow struct {
	store    store.GovernanceStore
	auth     Authorizer
	restorer Restorer
	events   Publisher
	now      func() time.Time
}

func NewWorkflow(st store.GovernanceStore, auth Authorizer, restorer Restorer, pub Publisher) *Workflow {
	return &Workflow{
		store:    st,
		auth:     auth,
		restorer: restorer,
		events:   pub,
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

func (w *Workflow) WithClock(now func() time.Time) *Workflow {
	w.now = now
	return w
}

// Submit opens an appeal against one of the seller's active actions.
func (w *Workflow) Submit(ctx context.Context, sellerID, actionID, justification string) (model.Appeal, error) {
	justification = strings.TrimSpace(justification)
	if sellerID == "" || justification == "" {
		return model.Appeal{}, fmt.Errorf("%w: seller and justification are required", ErrInvalidAppeal)
	}

	action, err := w.store.GetAction(ctx, actionID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && action.SellerID != sellerID) {
		return model.Appeal{}, ErrActionNotFound
	}
	if err != nil {
		return model.Appeal{}, fmt.Errorf("get action: %w", err)
	}
	if !action.Active() {
		return model.Appeal{}, ErrActionNotActive
	}

	a := model.Appeal{
		ID:                  model.NewID("apl"),
		SellerID:            sellerID,
		EnforcementActionID: actionID,
		Justification:       justification,
		Status:              model.AppealSubmitted,
		SubmittedAt:         w.now(),
		OpenKey:             actionID,
	}
	if err := w.store.CreateAppeal(ctx, a); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return model.Appeal{}, ErrAppealExists
		}
		return model.Appeal{}, fmt.Errorf("create appeal: %w", err)
	}

	slog.InfoContext(ctx, "appeal_submitted",
		"appeal_id", a.ID,
		"seller_id", sellerID,
		"action_id", actionID,
		"action_type", action.Type,
	)
	_ = w.events.Publish(ctx, events.EventAppealSubmitted, sellerID, "appeal_submitted:"+a.ID, events.AppealSubmittedData{
		AppealID:            a.ID,
		SellerID:            sellerID,
		EnforcementActionID: actionID,
		SubmittedAt:         a.SubmittedAt,
	})
	return a, nil
}

// StartReview moves a submitted appeal under review.
func (w *Workflow) StartReview(ctx context.Context, appealID, reviewerID string) (model.Appeal, error) {
	if err := w.authorize(ctx, reviewerID); err != nil {
		return model.Appeal{}, err
	}
	a, err := w.store.GetAppeal(ctx, appealID)
	if err != nil {
		return model.Appeal{}, fmt.Errorf("get appeal: %w", err)
	}
	if a.Status != model.AppealSubmitted {
		return model.Appeal{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, model.AppealUnderReview)
	}

	w.review(&a, reviewerID)
	if err := w.update(ctx, a, model.AppealSubmitted); err != nil {
		return model.Appeal{}, err
	}
	slog.InfoContext(ctx, "appeal_review_started", "appeal_id", a.ID, "seller_id", a.SellerID, "reviewer_id", reviewerID)
	return a, nil
}

// Decide closes an open appeal. Approval restores the seller status the
// appealed action was applied from; denial changes nothing else. A
// submitted appeal passes through review first.
func (w *Workflow) Decide(ctx context.Context, appealID string, decision model.Decision, deciderID string) (model.Appeal, error) {
	if decision != model.DecisionApprove && decision != model.DecisionDeny {
		return model.Appeal{}, fmt.Errorf("%w: unknown decision %q", ErrInvalidAppeal, decision)
	}
	if err := w.authorize(ctx, deciderID); err != nil {
		return model.Appeal{}, err
	}
	a, err := w.store.GetAppeal(ctx, appealID)
	if err != nil {
		return model.Appeal{}, fmt.Errorf("get appeal: %w", err)
	}
	if !a.Status.Open() {
		return model.Appeal{}, fmt.Errorf("%w: appeal already %s", ErrInvalidTransition, a.Status)
	}
	expected := a.Status
	if a.Status == model.AppealSubmitted {
		w.review(&a, deciderID)
	}

	var restored model.SellerStatus
	if decision == model.DecisionApprove {
		// The restore is idempotent, so a retry after a failed appeal write
		// finds the action already lifted and only closes the appeal.
		acct, ok, err := w.restorer.RestoreFromAppeal(ctx, a.EnforcementActionID, a.ID, deciderID)
		if err != nil {
			return model.Appeal{}, fmt.Errorf("restore seller: %w", err)
		}
		if ok {
			restored = acct.Status
		}
		a.Status = model.AppealApproved
	} else {
		a.Status = model.AppealDenied
	}
	decidedAt := w.now()
	a.DeciderID = deciderID
	a.DecidedAt = &decidedAt
	a.OpenKey = ""

	if err := w.update(ctx, a, expected); err != nil {
		return model.Appeal{}, err
	}

	slog.InfoContext(ctx, "appeal_decided",
		"appeal_id", a.ID,
		"seller_id", a.SellerID,
		"action_id", a.EnforcementActionID,
		"status", a.Status,
		"decider_id", deciderID,
		"restored_status", restored,
	)
	_ = w.events.Publish(ctx, events.EventAppealDecided, a.SellerID, "appeal_decided:"+a.ID, events.AppealDecidedData{
		AppealID:            a.ID,
		SellerID:            a.SellerID,
		EnforcementActionID: a.EnforcementActionID,
		Status:              string(a.Status),
		DeciderID:           deciderID,
		RestoredStatus:      string(restored),
		DecidedAt:           decidedAt,
	})
	return a, nil
}

func (w *Workflow) Get(ctx context.Context, appealID string) (model.Appeal, error) {
	return w.store.GetAppeal(ctx, appealID)
}

func (w *Workflow) List(ctx context.Context, sellerID string) ([]model.Appeal, error) {
	return w.store.ListAppeals(ctx, sellerID)
}

func (w *Workflow) review(a *model.Appeal, reviewerID string) {
	at := w.now()
	a.Status = model.AppealUnderReview
	a.ReviewerID = reviewerID
	a.ReviewStartedAt = &at
}

func (w *Workflow) update(ctx context.Context, a model.Appeal, expected model.AppealStatus) error {
	err := w.store.UpdateAppeal(ctx, a, expected)
	if errors.Is(err, store.ErrVersionConflict) {
		return fmt.Errorf("%w: appeal %s changed concurrently", ErrInvalidTransition, a.ID)
	}
	if err != nil {
		return fmt.Errorf("update appeal: %w", err)
	}
	return nil
}

func (w *Workflow) authorize(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrNotAuthorized
	}
	ok, err := w.auth.IsAdministrator(ctx, userID)
	if err != nil {
		return fmt.Errorf("check administrator: %w", err)
	}
	if !ok {
		return ErrNotAuthorized
	}
	return nil
}
