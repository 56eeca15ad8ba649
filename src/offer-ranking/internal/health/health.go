// Package health turns a MetricSnapshot into a seller health verdict and a
// continuous quality score. Everything here is pure and total.
package health

import (
	"math"

	"github.com/fixzit/marketplace/src/offer-ranking/internal/config"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/model"
)

// Evaluation is the outcome of evaluating one snapshot.
type Evaluation struct {
	Verdict model.Verdict `json:"verdict"`
	// LowConfidence is set when the window holds fewer orders than the
	// configured minimum.
	LowConfidence bool `json:"low_confidence"`
	// UndefinedMetrics lists rates with a zero denominator. Each counts as
	// within bounds on its own and does not affect the other rates.
	UndefinedMetrics []model.Metric `json:"undefined_metrics,omitempty"`
	Breaches         []model.Breach `json:"breaches,omitempty"`
	Quality          float64        `json:"quality"`
}

// WorstBreach returns the breach with the largest excess, or nil.
func (e Evaluation) WorstBreach() *model.Breach {
	var worst *model.Breach
	for i := range e.Breaches {
		if worst == nil || e.Breaches[i].Excess > worst.Excess {
			worst = &e.Breaches[i]
		}
	}
	if worst == nil {
		return nil
	}
	b := *worst
	return &b
}

type bound struct {
	metric    model.Metric
	value     *float64
	threshold float64
	// upper is true for rates that must stay below the threshold.
	upper  bool
	weight float64
}

func bounds(s model.MetricSnapshot, t config.Thresholds, q config.QualityWeights) []bound {
	return []bound{
		{model.MetricOrderDefect, s.OrderDefectRate, t.MaxOrderDefectRate, true, q.OrderDefect},
		{model.MetricLateShipment, s.LateShipmentRate, t.MaxLateShipmentRate, true, q.LateShipment},
		{model.MetricCancellation, s.CancellationRate, t.MaxCancellationRate, true, q.Cancellation},
		{model.MetricValidTracking, s.ValidTrackingRate, t.MinValidTrackingRate, false, q.ValidTracking},
		{model.MetricOnTimeDelivery, s.OnTimeDeliveryRate, t.MinOnTimeDeliveryRate, false, q.OnTimeDelivery},
	}
}

// rate normalizes a stored rate: NaN is treated as undefined and values are
// clamped into [0,1].
func rate(v *float64) (float64, bool) {
	if v == nil || math.IsNaN(*v) {
		return 0, false
	}
	return clamp01(*v), true
}

// breach reports how far past its threshold a defined rate is. For upper
// bounds the excess is relative to the threshold itself; for lower bounds it
// is relative to the allowed failure share (1 - threshold).
func (b bound) breach(r float64) (model.Breach, bool) {
	if b.upper {
		if r <= b.threshold {
			return model.Breach{}, false
		}
		return model.Breach{Metric: b.metric, Value: r, Threshold: b.threshold, Excess: (r - b.threshold) / b.threshold}, true
	}
	if r >= b.threshold {
		return model.Breach{}, false
	}
	return model.Breach{Metric: b.metric, Value: r, Threshold: b.threshold, Excess: (b.threshold - r) / (1 - b.threshold)}, true
}

// score maps a defined rate to [0,1]: 1 at a perfect rate, 0.5 exactly at the
// threshold, 0 at twice the allowed failure share.
func (b bound) score(r float64) float64 {
	if b.upper {
		return clamp01(1 - r/(2*b.threshold))
	}
	return clamp01(1 - (1-r)/(2*(1-b.threshold)))
}

// Evaluate converts a snapshot into a verdict. A window with fewer orders
// than MinOrdersForConfidence is HEALTHY and low-confidence; its breaches are
// still reported but never escalate the verdict.
func Evaluate(s model.MetricSnapshot, t config.Thresholds, q config.QualityWeights) Evaluation {
	ev := Evaluation{Verdict: model.VerdictHealthy}
	if s.Orders() < t.MinOrdersForConfidence {
		ev.LowConfidence = true
	}

	var weighted, total float64
	for _, b := range bounds(s, t, q) {
		r, ok := rate(b.value)
		if !ok {
			ev.UndefinedMetrics = append(ev.UndefinedMetrics, b.metric)
			weighted += b.weight * q.UndefinedRateScore
			total += b.weight
			continue
		}
		weighted += b.weight * b.score(r)
		total += b.weight
		if br, breached := b.breach(r); breached {
			ev.Breaches = append(ev.Breaches, br)
		}
	}
	if total > 0 {
		ev.Quality = clamp01(weighted / total)
	}

	if ev.LowConfidence {
		return ev
	}
	switch {
	case len(ev.Breaches) == 0:
		ev.Verdict = model.VerdictHealthy
	case len(ev.Breaches) == 1 && ev.Breaches[0].Excess < t.WarningMargin:
		ev.Verdict = model.VerdictWarning
	default:
		ev.Verdict = model.VerdictSuspended
	}
	return ev
}

// Tier derives the seller tier from an evaluation.
func Tier(ev Evaluation, s model.MetricSnapshot, e config.Enforcement) model.SellerTier {
	switch {
	case ev.LowConfidence:
		return model.TierNew
	case ev.Verdict == model.VerdictHealthy && ev.Quality >= e.TopRatedMinQuality && s.Orders() >= e.TopRatedMinOrders:
		return model.TierTopRated
	default:
		return model.TierStandard
	}
}

// Quality returns only the continuous seller-quality score of s.
func Quality(s model.MetricSnapshot, t config.Thresholds, q config.QualityWeights) float64 {
	return Evaluate(s, t, q).Quality
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
