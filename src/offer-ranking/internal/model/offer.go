package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type FulfillmentMode string

const (
	FulfillmentSelf     FulfillmentMode = "SELF"
	FulfillmentPlatform FulfillmentMode = "PLATFORM"
)

// Valid reports whether m is one of the known fulfillment modes.
func (m FulfillmentMode) Valid() bool {
	return m == FulfillmentSelf || m == FulfillmentPlatform
}

// FulfillmentBonus maps a fulfillment mode to its flat fast-fulfillment bonus.
func FulfillmentBonus(m FulfillmentMode) float64 {
	switch m {
	case FulfillmentPlatform:
		return 1.0
	default:
		return 0.0
	}
}

// Offer is one seller's sellable instance of a catalog item. The ranking
// engine only ever writes the Ranking* markers.
type Offer struct {
	ID            string          `json:"offer_id" bson:"_id"`
	CatalogItemID string          `json:"catalog_item_id" bson:"catalog_item_id"`
	SellerID      string          `json:"seller_id" bson:"seller_id"`
	Price         decimal.Decimal `json:"price" bson:"price"`
	Currency      string          `json:"currency" bson:"currency"`
	Stock         int             `json:"stock" bson:"stock"`
	DeliveryDays  int             `json:"delivery_days" bson:"delivery_days"`
	Fulfillment   FulfillmentMode `json:"fulfillment" bson:"fulfillment"`
	Revision      int64           `json:"revision" bson:"revision"`
	UpdatedAt     time.Time       `json:"updated_at" bson:"updated_at"`

	RankingEligible bool    `json:"ranking_eligible" bson:"ranking_eligible"`
	RankingScore    float64 `json:"ranking_score" bson:"ranking_score"`
	RankingAsOfRev  int64   `json:"ranking_as_of_revision" bson:"ranking_as_of_revision"`
}

// MaterialChange reports whether next differs from o in a field that
// affects eligibility or scoring.
func (o Offer) MaterialChange(next Offer) bool {
	return !o.Price.Equal(next.Price) ||
		o.Currency != next.Currency ||
		o.Stock != next.Stock ||
		o.DeliveryDays != next.DeliveryDays ||
		o.Fulfillment != next.Fulfillment ||
		o.CatalogItemID != next.CatalogItemID
}

// CatalogItem is the read-only view of a catalog entry needed for ranking.
type CatalogItem struct {
	ID           string           `json:"catalog_item_id"`
	Currency     string           `json:"currency"`
	PriceFloor   *decimal.Decimal `json:"price_floor,omitempty"`
	PriceCeiling *decimal.Decimal `json:"price_ceiling,omitempty"`
	// EligibilityRule is an optional JSON Logic rule evaluated against the
	// offer; a falsy result rejects the offer.
	EligibilityRule map[string]any `json:"eligibility_rule,omitempty"`
}
