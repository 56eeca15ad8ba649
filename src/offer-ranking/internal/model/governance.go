package model

import "time"

type ActionType string

const (
	ActionSuppressListings ActionType = "SUPPRESS_LISTINGS"
	ActionPauseAds         ActionType = "PAUSE_ADS"
	ActionRevokeRanking    ActionType = "REVOKE_RANKING"
)

// RequiredActions lists the enforcement actions that must be in force while
// a seller holds status s. Each level includes the actions of the level
// below it.
func RequiredActions(s SellerStatus) []ActionType {
	switch s {
	case SellerSuppressed:
		return []ActionType{ActionSuppressListings}
	case SellerSuspended:
		return []ActionType{ActionSuppressListings, ActionRevokeRanking, ActionPauseAds}
	default:
		return nil
	}
}

type Metric string

const (
	MetricOrderDefect    Metric = "order_defect_rate"
	MetricLateShipment   Metric = "late_shipment_rate"
	MetricCancellation   Metric = "cancellation_rate"
	MetricValidTracking  Metric = "valid_tracking_rate"
	MetricOnTimeDelivery Metric = "on_time_delivery_rate"
)

// Breach describes one metric outside its threshold. Excess is the relative
// distance past the threshold (0.5 == 50% worse than allowed).
type Breach struct {
	Metric    Metric  `json:"metric" bson:"metric" firestore:"metric"`
	Value     float64 `json:"value" bson:"value" firestore:"value"`
	Threshold float64 `json:"threshold" bson:"threshold" firestore:"threshold"`
	Excess    float64 `json:"excess" bson:"excess" firestore:"excess"`
}

// EnforcementAction is an append-only record of an automatic restriction.
// Only ReversedAt/ReversalReason are ever set after creation.
type EnforcementAction struct {
	ID              string       `json:"action_id" bson:"_id" firestore:"action_id"`
	SellerID        string       `json:"seller_id" bson:"seller_id" firestore:"seller_id"`
	Type            ActionType   `json:"type" bson:"type" firestore:"type"`
	Trigger         *Breach      `json:"trigger,omitempty" bson:"trigger,omitempty" firestore:"trigger"`
	SnapshotID      string       `json:"snapshot_id,omitempty" bson:"snapshot_id,omitempty" firestore:"snapshot_id"`
	PriorStatus     SellerStatus `json:"prior_status" bson:"prior_status" firestore:"prior_status"`
	ResultingStatus SellerStatus `json:"resulting_status" bson:"resulting_status" firestore:"resulting_status"`
	CreatedAt       time.Time    `json:"created_at" bson:"created_at" firestore:"created_at"`
	ReversedAt      *time.Time   `json:"reversed_at,omitempty" bson:"reversed_at,omitempty" firestore:"reversed_at"`
	ReversalReason  string       `json:"reversal_reason,omitempty" bson:"reversal_reason,omitempty" firestore:"reversal_reason"`
}

// Active reports whether the action has not been lifted.
func (a EnforcementAction) Active() bool {
	return a.ReversedAt == nil
}

// StatusTransition is the audit record of a SellerAccount status change,
// carrying the full account state before and after.
type StatusTransition struct {
	ID         string        `json:"transition_id" bson:"_id" firestore:"transition_id"`
	SellerID   string        `json:"seller_id" bson:"seller_id" firestore:"seller_id"`
	From       SellerStatus  `json:"from" bson:"from" firestore:"from"`
	To         SellerStatus  `json:"to" bson:"to" firestore:"to"`
	Verdict    Verdict       `json:"verdict,omitempty" bson:"verdict,omitempty" firestore:"verdict"`
	SnapshotID string        `json:"snapshot_id,omitempty" bson:"snapshot_id,omitempty" firestore:"snapshot_id"`
	Reason     string        `json:"reason" bson:"reason" firestore:"reason"`
	Actor      string        `json:"actor" bson:"actor" firestore:"actor"`
	Before     SellerAccount `json:"before" bson:"before" firestore:"before"`
	After      SellerAccount `json:"after" bson:"after" firestore:"after"`
	At         time.Time     `json:"at" bson:"at" firestore:"at"`
}

type AppealStatus string

const (
	AppealSubmitted   AppealStatus = "SUBMITTED"
	AppealUnderReview AppealStatus = "UNDER_REVIEW"
	AppealApproved    AppealStatus = "APPROVED"
	AppealDenied      AppealStatus = "DENIED"
)

// Open reports whether the appeal still awaits a decision.
func (s AppealStatus) Open() bool {
	return s == AppealSubmitted || s == AppealUnderReview
}

type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionDeny    Decision = "DENY"
)

type Appeal struct {
	ID                  string       `json:"appeal_id" bson:"_id" firestore:"appeal_id"`
	SellerID            string       `json:"seller_id" bson:"seller_id" firestore:"seller_id"`
	EnforcementActionID string       `json:"enforcement_action_id" bson:"enforcement_action_id" firestore:"enforcement_action_id"`
	Justification       string       `json:"justification" bson:"justification" firestore:"justification"`
	Status              AppealStatus `json:"status" bson:"status" firestore:"status"`
	SubmittedAt         time.Time    `json:"submitted_at" bson:"submitted_at" firestore:"submitted_at"`
	ReviewerID          string       `json:"reviewer_id,omitempty" bson:"reviewer_id,omitempty" firestore:"reviewer_id"`
	ReviewStartedAt     *time.Time   `json:"review_started_at,omitempty" bson:"review_started_at,omitempty" firestore:"review_started_at"`
	DeciderID           string       `json:"decider_id,omitempty" bson:"decider_id,omitempty" firestore:"decider_id"`
	DecidedAt           *time.Time   `json:"decided_at,omitempty" bson:"decided_at,omitempty" firestore:"decided_at"`
	// OpenKey is set to the action id while the appeal is open and cleared on
	// decision, backing the one-open-appeal-per-action unique index.
	OpenKey string `json:"-" bson:"open_key,omitempty" firestore:"open_key"`
}
