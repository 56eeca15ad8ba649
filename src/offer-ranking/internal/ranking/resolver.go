package ranking

import (
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/fixzit/marketplace/src/offer-ranking/internal/model"
)

type Resolver struct {
	epsilon float64
}

func NewResolver(epsilon float64) Resolver {
	return Resolver{epsilon: epsilon}
}

// TieHash is the stable per-item hash used as the last tie-break.
func TieHash(catalogItemID, offerID string) uint64 {
	return xxhash.Sum64String(catalogItemID + "\x00" + offerID)
}

// Order sorts scored offers into final rank order and numbers them from 1.
// Offers within epsilon of the best score form the tie group and are ordered
// only by the tie-break: platform fulfillment, then stock, then TieHash.
// Everything else follows by composite score.
func (r Resolver) Order(catalogItemID string, scored []model.RankedOffer) []model.RankedOffer {
	if len(scored) == 0 {
		return nil
	}
	best := scored[0].Composite
	for _, o := range scored[1:] {
		best = max(best, o.Composite)
	}

	var tied, rest []model.RankedOffer
	for _, o := range scored {
		if best-o.Composite <= r.epsilon {
			tied = append(tied, o)
		} else {
			rest = append(rest, o)
		}
	}

	tieBreak := func(a, b model.RankedOffer) bool {
		ap, bp := a.Fulfillment == model.FulfillmentPlatform, b.Fulfillment == model.FulfillmentPlatform
		if ap != bp {
			return ap
		}
		if a.Stock != b.Stock {
			return a.Stock > b.Stock
		}
		ha, hb := TieHash(catalogItemID, a.OfferID), TieHash(catalogItemID, b.OfferID)
		if ha != hb {
			return ha < hb
		}
		return a.OfferID < b.OfferID
	}
	sort.SliceStable(tied, func(i, j int) bool { return tieBreak(tied[i], tied[j]) })
	sort.SliceStable(rest, func(i, j int) bool {
		if rest[i].Composite != rest[j].Composite {
			return rest[i].Composite > rest[j].Composite
		}
		return tieBreak(rest[i], rest[j])
	})

	out := append(tied, rest...)
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}
