package ranking

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/fixzit/marketplace/src/offer-ranking/internal/config"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/model"
)

type Scorer struct {
	weights    config.Weights
	saturation float64
}

func NewScorer(s config.Scoring) Scorer {
	return Scorer{weights: s.Weights, saturation: float64(s.StockSaturation)}
}

// AveragePrice is the arithmetic mean of the offers' prices.
func AveragePrice(offers []model.Offer) decimal.Decimal {
	if len(offers) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, o := range offers {
		sum = sum.Add(o.Price)
	}
	return sum.Div(decimal.NewFromInt(int64(len(offers))))
}

// Score computes sub-scores and the composite score of every eligible offer.
// The result is in input order and carries no rank yet.
func (s Scorer) Score(eligible []model.Offer, sellers map[string]SellerState) ([]model.RankedOffer, decimal.Decimal) {
	avg := AveragePrice(eligible)
	if len(eligible) == 0 {
		return nil, avg
	}

	fastest := math.MaxInt
	for _, o := range eligible {
		fastest = min(fastest, max(o.DeliveryDays, 0))
	}

	out := make([]model.RankedOffer, 0, len(eligible))
	for _, o := range eligible {
		sub := model.SubScores{
			Price:         PriceScore(o.Price, avg),
			Delivery:      DeliveryScore(o.DeliveryDays, fastest),
			SellerQuality: clamp01(sellers[o.SellerID].Quality),
			Stock:         StockScore(o.Stock, s.saturation),
			Fulfillment:   model.FulfillmentBonus(o.Fulfillment),
		}
		out = append(out, model.RankedOffer{
			OfferID:      o.ID,
			SellerID:     o.SellerID,
			Price:        o.Price,
			Currency:     o.Currency,
			Stock:        o.Stock,
			DeliveryDays: o.DeliveryDays,
			Fulfillment:  o.Fulfillment,
			Revision:     o.Revision,
			Scores:       sub,
			Composite:    s.Composite(sub),
		})
	}
	return out, avg
}

func (s Scorer) Composite(sub model.SubScores) float64 {
	w := s.weights
	return w.Price*sub.Price +
		w.Delivery*sub.Delivery +
		w.SellerQuality*sub.SellerQuality +
		w.Stock*sub.Stock +
		w.Fulfillment*sub.Fulfillment
}

// PriceScore is 0.5 at the average price, rising to 1 at half the average or
// less and falling to 0 at one and a half times the average or more.
func PriceScore(price, avg decimal.Decimal) float64 {
	a := avg.InexactFloat64()
	if a <= 0 {
		return 1
	}
	return clamp01(0.5 + (a-price.InexactFloat64())/a)
}

// DeliveryScore is 1 for the fastest eligible promise and decays with the
// ratio of promised days (counted from one to avoid dividing by zero).
func DeliveryScore(days, fastest int) float64 {
	days = max(days, 0)
	fastest = max(min(fastest, days), 0)
	return float64(fastest+1) / float64(days+1)
}

// StockScore grows linearly to 0.8 at the saturation quantity and then only
// approaches 1 asymptotically.
func StockScore(stock int, saturation float64) float64 {
	if stock <= 0 || saturation <= 0 {
		return 0
	}
	q := float64(stock)
	if q <= saturation {
		return 0.8 * q / saturation
	}
	return 0.8 + 0.2*(1-saturation/q)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
