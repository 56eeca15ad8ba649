package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Outcome string

const (
	OutcomeWinner   Outcome = "WINNER"
	OutcomeNoWinner Outcome = "NO_WINNER"
)

type RejectReason string

const (
	RejectOutOfStock        RejectReason = "OUT_OF_STOCK"
	RejectPriceBelowFloor   RejectReason = "PRICE_BELOW_FLOOR"
	RejectPriceAboveCeiling RejectReason = "PRICE_ABOVE_CEILING"
	RejectCurrencyMismatch  RejectReason = "CURRENCY_MISMATCH"
	RejectSellerSuppressed  RejectReason = "SELLER_SUPPRESSED"
	RejectSellerSuspended   RejectReason = "SELLER_SUSPENDED"
	RejectHealthSuspended   RejectReason = "HEALTH_SUSPENDED"
	RejectCatalogRule       RejectReason = "CATALOG_RULE"
)

// SubScores are the normalized per-factor scores of an offer, each in [0,1].
type SubScores struct {
	Price         float64 `json:"price" bson:"price"`
	Delivery      float64 `json:"delivery" bson:"delivery"`
	SellerQuality float64 `json:"seller_quality" bson:"seller_quality"`
	Stock         float64 `json:"stock" bson:"stock"`
	Fulfillment   float64 `json:"fulfillment_bonus" bson:"fulfillment_bonus"`
}

type RankedOffer struct {
	Rank         int             `json:"rank" bson:"rank"`
	OfferID      string          `json:"offer_id" bson:"offer_id"`
	SellerID     string          `json:"seller_id" bson:"seller_id"`
	Price        decimal.Decimal `json:"price" bson:"price"`
	Currency     string          `json:"currency" bson:"currency"`
	Stock        int             `json:"stock" bson:"stock"`
	DeliveryDays int             `json:"delivery_days" bson:"delivery_days"`
	Fulfillment  FulfillmentMode `json:"fulfillment" bson:"fulfillment"`
	Revision     int64           `json:"revision" bson:"revision"`
	Scores       SubScores       `json:"scores" bson:"scores"`
	Composite    float64         `json:"composite_score" bson:"composite_score"`
}

type Rejection struct {
	OfferID  string       `json:"offer_id" bson:"offer_id"`
	SellerID string       `json:"seller_id" bson:"seller_id"`
	Reason   RejectReason `json:"reason" bson:"reason"`
}

// SellerGate is the seller state a WinnerRecord was computed against.
type SellerGate struct {
	Status  SellerStatus `json:"status" bson:"status"`
	Verdict Verdict      `json:"verdict" bson:"verdict"`
}

// WinnerRecord is the disposable, versioned winner cache for a catalog item.
// A record with Outcome NO_WINNER is an explicit result, never an omission.
type WinnerRecord struct {
	CatalogItemID  string          `json:"catalog_item_id" bson:"_id"`
	Outcome        Outcome         `json:"outcome" bson:"outcome"`
	OfferID        string          `json:"offer_id,omitempty" bson:"offer_id,omitempty"`
	SellerID       string          `json:"seller_id,omitempty" bson:"seller_id,omitempty"`
	Score          float64         `json:"score" bson:"score"`
	AveragePrice   decimal.Decimal `json:"average_price" bson:"average_price"`
	Currency       string          `json:"currency,omitempty" bson:"currency,omitempty"`
	NoWinnerReason string          `json:"no_winner_reason,omitempty" bson:"no_winner_reason,omitempty"`

	OfferRevisions map[string]int64      `json:"offer_revisions" bson:"offer_revisions"`
	SellerGates    map[string]SellerGate `json:"seller_gates" bson:"seller_gates"`
	Ranked         []RankedOffer         `json:"ranked_offers" bson:"ranked_offers"`
	Rejected       []Rejection           `json:"rejected_offers" bson:"rejected_offers"`

	InputsDigest string    `json:"inputs_digest" bson:"inputs_digest"`
	Version      int64     `json:"version" bson:"version"`
	ComputedAt   time.Time `json:"computed_at" bson:"computed_at"`
}

// HasWinner reports whether the record names a winning offer.
func (r WinnerRecord) HasWinner() bool {
	return r.Outcome == OutcomeWinner && r.OfferID != ""
}
