package ranking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/diegoholiveira/jsonlogic/v3"

	"github.com/fixzit/marketplace/src/offer-ranking/internal/model"
)

// SellerState is what the ranking pipeline needs to know about a seller.
type SellerState struct {
	Status  model.SellerStatus
	Verdict model.Verdict
	Tier    model.SellerTier
	// Quality is the continuous seller-quality score in [0,1].
	Quality float64
}

// DefaultSellerState is used for sellers that have never been evaluated.
func DefaultSellerState(undefinedQuality float64) SellerState {
	return SellerState{
		Status:  model.SellerActive,
		Verdict: model.VerdictHealthy,
		Tier:    model.TierNew,
		Quality: undefinedQuality,
	}
}

// RuleEvaluator decides whether data satisfies a catalog eligibility rule.
type RuleEvaluator interface {
	Allows(rule map[string]any, data map[string]any) (bool, error)
}

// JSONLogic evaluates rules written in JSON Logic.
type JSONLogic struct{}

func (JSONLogic) Allows(rule map[string]any, data map[string]any) (bool, error) {
	ruleJSON, err := json.Marshal(rule)
	if err != nil {
		return false, fmt.Errorf("encode rule: %w", err)
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return false, fmt.Errorf("encode rule data: %w", err)
	}
	var out bytes.Buffer
	if err := jsonlogic.Apply(bytes.NewReader(ruleJSON), bytes.NewReader(dataJSON), &out); err != nil {
		return false, fmt.Errorf("apply rule: %w", err)
	}
	var res any
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &res); err != nil {
		return false, fmt.Errorf("decode rule result: %w", err)
	}
	return truthy(res), nil
}

// truthy follows JSON Logic truthiness.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	default:
		return true
	}
}

type Filter struct {
	rules RuleEvaluator
}

// NewFilter returns a filter; rules may be nil to ignore catalog rules.
func NewFilter(rules RuleEvaluator) *Filter {
	return &Filter{rules: rules}
}

// Apply splits offers into ranking candidates and rejections. Offers are
// checked in order: stock, currency, price guardrails, seller status, seller
// health, then the catalog rule. A seller missing from sellers is treated as
// never evaluated.
func (f *Filter) Apply(ctx context.Context, item model.CatalogItem, offers []model.Offer, sellers map[string]SellerState) ([]model.Offer, []model.Rejection) {
	var (
		eligible []model.Offer
		rejected []model.Rejection
	)
	for _, o := range offers {
		st, ok := sellers[o.SellerID]
		if !ok {
			st = DefaultSellerState(0)
		}
		if reason, bad := f.gate(ctx, item, o, st); bad {
			rejected = append(rejected, model.Rejection{OfferID: o.ID, SellerID: o.SellerID, Reason: reason})
			continue
		}
		eligible = append(eligible, o)
	}
	return eligible, rejected
}

func (f *Filter) gate(ctx context.Context, item model.CatalogItem, o model.Offer, st SellerState) (model.RejectReason, bool) {
	switch {
	case o.Stock <= 0:
		return model.RejectOutOfStock, true
	case item.Currency != "" && o.Currency != item.Currency:
		return model.RejectCurrencyMismatch, true
	case item.PriceFloor != nil && o.Price.LessThan(*item.PriceFloor):
		return model.RejectPriceBelowFloor, true
	case item.PriceCeiling != nil && o.Price.GreaterThan(*item.PriceCeiling):
		return model.RejectPriceAboveCeiling, true
	case st.Status == model.SellerSuspended:
		return model.RejectSellerSuspended, true
	case st.Status == model.SellerSuppressed:
		return model.RejectSellerSuppressed, true
	case st.Verdict == model.VerdictSuspended:
		return model.RejectHealthSuspended, true
	}

	if f.rules == nil || len(item.EligibilityRule) == 0 {
		return "", false
	}
	ok, err := f.rules.Allows(item.EligibilityRule, ruleData(o, st))
	if err != nil {
		// A broken catalog rule is bad input data: log it and ignore the rule.
		slog.WarnContext(ctx, "eligibility_rule_failed",
			"catalog_item_id", item.ID, "offer_id", o.ID, "error", err)
		return "", false
	}
	if !ok {
		return model.RejectCatalogRule, true
	}
	return "", false
}

func ruleData(o model.Offer, st SellerState) map[string]any {
	return map[string]any{
		"offer_id":      o.ID,
		"seller_id":     o.SellerID,
		"price":         o.Price.InexactFloat64(),
		"currency":      o.Currency,
		"stock":         o.Stock,
		"delivery_days": o.DeliveryDays,
		"fulfillment":   string(o.Fulfillment),
		"seller_status": string(st.Status),
		"seller_tier":   string(st.Tier),
		"seller_health": string(st.Verdict),
	}
}
