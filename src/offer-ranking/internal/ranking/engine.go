// Package ranking selects the default offer of a catalog item: eligibility
// gates, multi-factor scoring and deterministic winner resolution.
package ranking

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/fixzit/marketplace/src/offer-ranking/internal/config"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/model"
)

const NoEligibleOffers = "no eligible offers"

type Engine struct {
	filter   *Filter
	scorer   Scorer
	resolver Resolver
}

func NewEngine(s config.Scoring, rules RuleEvaluator) *Engine {
	return &Engine{
		filter:   NewFilter(rules),
		scorer:   NewScorer(s),
		resolver: NewResolver(s.TieEpsilon),
	}
}

// Compute runs filter, scorer and resolver over the offers of one item and
// returns an unversioned record with its inputs digest set. Offers must all
// belong to item; their order does not matter.
func (e *Engine) Compute(ctx context.Context, item model.CatalogItem, offers []model.Offer, sellers map[string]SellerState) model.WinnerRecord {
	rec := model.WinnerRecord{
		CatalogItemID:  item.ID,
		Currency:       item.Currency,
		OfferRevisions: make(map[string]int64, len(offers)),
		SellerGates:    make(map[string]model.SellerGate),
	}
	for _, o := range offers {
		rec.OfferRevisions[o.ID] = o.Revision
		st, ok := sellers[o.SellerID]
		if !ok {
			st = DefaultSellerState(0)
		}
		rec.SellerGates[o.SellerID] = model.SellerGate{Status: st.Status, Verdict: st.Verdict}
	}

	eligible, rejected := e.filter.Apply(ctx, item, offers, sellers)
	scored, avg := e.scorer.Score(eligible, sellers)
	rec.Ranked = e.resolver.Order(item.ID, scored)
	rec.Rejected = rejected
	rec.AveragePrice = avg

	if len(rec.Ranked) == 0 {
		rec.Outcome = model.OutcomeNoWinner
		rec.NoWinnerReason = NoEligibleOffers
	} else {
		top := rec.Ranked[0]
		rec.Outcome = model.OutcomeWinner
		rec.OfferID = top.OfferID
		rec.SellerID = top.SellerID
		rec.Score = top.Composite
		if rec.Currency == "" {
			rec.Currency = top.Currency
		}
	}
	rec.InputsDigest = Digest(rec)
	return rec
}

// Digest fingerprints everything in a record except its version, timestamp
// and the digest itself, so two computations over the same inputs share it.
func Digest(rec model.WinnerRecord) string {
	rec.Version = 0
	rec.ComputedAt = time.Time{}
	rec.InputsDigest = ""
	b, err := json.Marshal(rec)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}
