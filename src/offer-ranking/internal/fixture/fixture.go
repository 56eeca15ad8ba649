// Package fixture provides builders for test data shared across packages.
package fixture

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/fixzit/marketplace/src/offer-ranking/internal/model"
)

// Now is the fixed clock used by fixtures.
var Now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type OfferFixture struct{ model.Offer }

// NewOffer returns an in-stock, self-fulfilled USD offer.
func NewOffer(id, itemID, sellerID string) OfferFixture {
	return OfferFixture{model.Offer{
		ID:            id,
		CatalogItemID: itemID,
		SellerID:      sellerID,
		Price:         decimal.NewFromInt(100),
		Currency:      "USD",
		Stock:         10,
		DeliveryDays:  3,
		Fulfillment:   model.FulfillmentSelf,
		Revision:      1,
		UpdatedAt:     Now,
	}}
}

func (f OfferFixture) WithPrice(p string) OfferFixture {
	f.Price = decimal.RequireFromString(p)
	return f
}

func (f OfferFixture) WithStock(n int) OfferFixture {
	f.Stock = n
	return f
}

func (f OfferFixture) WithDelivery(days int) OfferFixture {
	f.DeliveryDays = days
	return f
}

func (f OfferFixture) Platform() OfferFixture {
	f.Fulfillment = model.FulfillmentPlatform
	return f
}

func (f OfferFixture) WithRevision(rev int64) OfferFixture {
	f.Revision = rev
	return f
}

func (f OfferFixture) WithCurrency(c string) OfferFixture {
	f.Currency = c
	return f
}

func (f OfferFixture) Build() model.Offer { return f.Offer }

// HealthySnapshot returns a snapshot well within default thresholds with
// enough orders to be high-confidence.
func HealthySnapshot(id, sellerID string) model.MetricSnapshot {
	return model.MetricSnapshot{
		ID:                 id,
		SellerID:           sellerID,
		WindowStart:        Now.Add(-90 * 24 * time.Hour),
		WindowEnd:          Now,
		OrderDefectRate:    model.Rate(0.001),
		LateShipmentRate:   model.Rate(0.004),
		CancellationRate:   model.Rate(0.0025),
		ValidTrackingRate:  model.Rate(0.995),
		OnTimeDeliveryRate: model.Rate(0.997),
		CompletedOrders:    400,
		Shipments:          400,
		Deliveries:         400,
		ComputedAt:         Now,
	}
}

// BreachingSnapshot returns a healthy snapshot with the cancellation rate
// replaced by rate.
func BreachingSnapshot(id, sellerID string, rate float64) model.MetricSnapshot {
	s := HealthySnapshot(id, sellerID)
	s.CancellationRate = model.Rate(rate)
	return s
}

// Account returns a seller account in the given status.
func Account(sellerID string, status model.SellerStatus) model.SellerAccount {
	a := model.NewSellerAccount(sellerID, Now)
	a.Status = status
	a.Tier = model.TierStandard
	a.LowConfidence = false
	return a
}

// CatalogItem returns a USD item with optional guardrails ("" for none).
func CatalogItem(id, floor, ceiling string) model.CatalogItem {
	item := model.CatalogItem{ID: id, Currency: "USD"}
	if floor != "" {
		d := decimal.RequireFromString(floor)
		item.PriceFloor = &d
	}
	if ceiling != "" {
		d := decimal.RequireFromString(ceiling)
		item.PriceCeiling = &d
	}
	return item
}
