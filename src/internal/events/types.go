package events

import "time"

// Event envelope for all events
type Envelope struct {
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"`
	SchemaVersion  string    `json:"schema_version"`
	IdempotencyKey string    `json:"idempotency_key"`
	Timestamp      time.Time `json:"timestamp"`
	Source         string    `json:"source"`
	// PartitionKey groups events that must stay ordered (the seller id).
	PartitionKey string `json:"partition_key,omitempty"`
	Data         any    `json:"data"`
}

// Seller governance events
type SellerStatusChangedData struct {
	SellerID       string    `json:"seller_id"`
	PreviousStatus string    `json:"previous_status"`
	NewStatus      string    `json:"new_status"`
	Verdict        string    `json:"verdict,omitempty"`
	SnapshotID     string    `json:"snapshot_id,omitempty"`
	Reason         string    `json:"reason"`
	ActionIDs      []string  `json:"action_ids,omitempty"`
	ChangedAt      time.Time `json:"changed_at"`
}

type SellerWarningData struct {
	SellerID   string  `json:"seller_id"`
	SnapshotID string  `json:"snapshot_id"`
	Metric     string  `json:"metric"`
	Value      float64 `json:"value"`
	Threshold  float64 `json:"threshold"`
}

// Appeal events
type AppealSubmittedData struct {
	AppealID            string    `json:"appeal_id"`
	SellerID            string    `json:"seller_id"`
	EnforcementActionID string    `json:"enforcement_action_id"`
	SubmittedAt         time.Time `json:"submitted_at"`
}

type AppealDecidedData struct {
	AppealID            string    `json:"appeal_id"`
	SellerID            string    `json:"seller_id"`
	EnforcementActionID string    `json:"enforcement_action_id"`
	Status              string    `json:"status"`
	DeciderID           string    `json:"decider_id"`
	RestoredStatus      string    `json:"restored_status,omitempty"`
	DecidedAt           time.Time `json:"decided_at"`
}

// Ranking events
type WinnerChangedData struct {
	CatalogItemID  string    `json:"catalog_item_id"`
	SellerID       string    `json:"seller_id"`
	PreviousOffer  string    `json:"previous_offer_id,omitempty"`
	PreviousSeller string    `json:"previous_seller_id,omitempty"`
	WinningOffer   string    `json:"winning_offer_id,omitempty"`
	WinningSeller  string    `json:"winning_seller_id,omitempty"`
	Score          float64   `json:"score"`
	Rank           int       `json:"rank,omitempty"`
	ComputedAt     time.Time `json:"computed_at"`
}

// Event type constants
const (
	EventSellerStatusChanged = "seller.status_changed"
	EventSellerWarning       = "seller.warning"

	EventAppealSubmitted = "appeal.submitted"
	EventAppealDecided   = "appeal.decided"

	EventWinnerChanged = "winner.changed"
)
