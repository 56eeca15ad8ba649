package health

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixzit/marketplace/src/offer-ranking/internal/config"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/model"
)

func healthySnapshot() model.MetricSnapshot {
	return model.MetricSnapshot{
		SellerID:           "seller_a",
		OrderDefectRate:    model.Rate(0.001),
		LateShipmentRate:   model.Rate(0.004),
		CancellationRate:   model.Rate(0.0025),
		ValidTrackingRate:  model.Rate(0.995),
		OnTimeDeliveryRate: model.Rate(0.997),
		CompletedOrders:    200,
		Shipments:          200,
		Deliveries:         200,
	}
}

func evaluate(s model.MetricSnapshot) Evaluation {
	p := config.DefaultPolicy()
	return Evaluate(s, p.Thresholds, p.Scoring.Quality)
}

func TestEvaluate_Verdicts(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*model.MetricSnapshot)
		want     model.Verdict
		breaches int
	}{
		{"all within bounds", func(*model.MetricSnapshot) {}, model.VerdictHealthy, 0},
		{"one small breach", func(s *model.MetricSnapshot) { s.CancellationRate = model.Rate(0.03) }, model.VerdictWarning, 1},
		{"one breach past margin", func(s *model.MetricSnapshot) { s.CancellationRate = model.Rate(0.05) }, model.VerdictSuspended, 1},
		{"two small breaches", func(s *model.MetricSnapshot) {
			s.CancellationRate = model.Rate(0.026)
			s.LateShipmentRate = model.Rate(0.041)
		}, model.VerdictSuspended, 2},
		{"lower bound breach", func(s *model.MetricSnapshot) { s.ValidTrackingRate = model.Rate(0.94) }, model.VerdictWarning, 1},
		{"lower bound breach past margin", func(s *model.MetricSnapshot) { s.OnTimeDeliveryRate = model.Rate(0.9) }, model.VerdictSuspended, 1},
		{"exactly at threshold", func(s *model.MetricSnapshot) { s.OrderDefectRate = model.Rate(0.01) }, model.VerdictHealthy, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := healthySnapshot()
			tt.mutate(&s)
			ev := evaluate(s)
			assert.Equal(t, tt.want, ev.Verdict)
			assert.Len(t, ev.Breaches, tt.breaches)
			assert.False(t, ev.LowConfidence)
		})
	}
}

func TestEvaluate_UndefinedRateCountsAsWithinBounds(t *testing.T) {
	s := healthySnapshot()
	s.OnTimeDeliveryRate = nil
	s.Deliveries = 0

	ev := evaluate(s)
	assert.Equal(t, model.VerdictHealthy, ev.Verdict)
	assert.False(t, ev.LowConfidence)
	assert.Equal(t, []model.Metric{model.MetricOnTimeDelivery}, ev.UndefinedMetrics)
	assert.Empty(t, ev.Breaches)
}

func TestEvaluate_UndefinedRateDoesNotMaskOtherBreaches(t *testing.T) {
	s := healthySnapshot()
	s.CompletedOrders = 190
	s.CancelledOrders = 10
	s.CancellationRate = model.Rate(0.05)
	s.OnTimeDeliveryRate = nil
	s.Deliveries = 0

	ev := evaluate(s)
	assert.False(t, ev.LowConfidence)
	assert.Equal(t, model.VerdictSuspended, ev.Verdict)
	require.Len(t, ev.Breaches, 1)
	assert.Equal(t, model.MetricCancellation, ev.Breaches[0].Metric)
	assert.Equal(t, []model.Metric{model.MetricOnTimeDelivery}, ev.UndefinedMetrics)
}

func TestEvaluate_SmallSampleNeverEscalates(t *testing.T) {
	s := model.MetricSnapshot{
		SellerID:         "seller_new",
		CancellationRate: model.Rate(0.5),
		CompletedOrders:  2,
		CancelledOrders:  2,
	}
	ev := evaluate(s)
	assert.Equal(t, model.VerdictHealthy, ev.Verdict)
	assert.True(t, ev.LowConfidence)
	require.Len(t, ev.Breaches, 1)
	assert.Equal(t, model.MetricCancellation, ev.Breaches[0].Metric)
}

func TestEvaluate_BreachExcess(t *testing.T) {
	s := healthySnapshot()
	s.CancellationRate = model.Rate(0.05)
	ev := evaluate(s)

	worst := ev.WorstBreach()
	require.NotNil(t, worst)
	assert.Equal(t, model.MetricCancellation, worst.Metric)
	assert.InDelta(t, 0.025, worst.Threshold, 1e-12)
	assert.InDelta(t, 1.0, worst.Excess, 1e-9)
}

func TestQuality_DifferentiatesHealthySellers(t *testing.T) {
	better := healthySnapshot()
	worse := healthySnapshot()
	worse.LateShipmentRate = model.Rate(0.03)

	p := config.DefaultPolicy()
	qb := Quality(better, p.Thresholds, p.Scoring.Quality)
	qw := Quality(worse, p.Thresholds, p.Scoring.Quality)
	assert.Equal(t, model.VerdictHealthy, evaluate(worse).Verdict)
	assert.Greater(t, qb, qw)
}

func TestQuality_PerfectSellerScoresOne(t *testing.T) {
	s := model.MetricSnapshot{
		OrderDefectRate:    model.Rate(0),
		LateShipmentRate:   model.Rate(0),
		CancellationRate:   model.Rate(0),
		ValidTrackingRate:  model.Rate(1),
		OnTimeDeliveryRate: model.Rate(1),
		CompletedOrders:    50,
	}
	assert.InDelta(t, 1.0, evaluate(s).Quality, 1e-12)
}

func TestTier(t *testing.T) {
	p := config.DefaultPolicy()

	s := healthySnapshot()
	assert.Equal(t, model.TierTopRated, Tier(evaluate(s), s, p.Enforcement))

	s.CompletedOrders = 50
	assert.Equal(t, model.TierStandard, Tier(evaluate(s), s, p.Enforcement))

	s.CompletedOrders = 3
	assert.Equal(t, model.TierNew, Tier(evaluate(s), s, p.Enforcement))
}

// genRate yields mostly valid rates plus undefined, NaN and out-of-range values.
func genRate() gopter.Gen {
	return gen.Float64Range(-0.5, 1.5).Map(func(v float64) *float64 {
		switch {
		case v > 1.3:
			return nil
		case v < -0.4:
			return model.Rate(math.NaN())
		}
		return &v
	})
}

func TestEvaluate_TotalAndDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("evaluate returns a known verdict with quality in [0,1] and is repeatable", prop.ForAll(
		func(d, l, c, v, o *float64, orders int) bool {
			s := model.MetricSnapshot{
				OrderDefectRate: d, LateShipmentRate: l, CancellationRate: c,
				ValidTrackingRate: v, OnTimeDeliveryRate: o, CompletedOrders: orders,
			}
			a, b := evaluate(s), evaluate(s)
			switch a.Verdict {
			case model.VerdictHealthy, model.VerdictWarning, model.VerdictSuspended:
			default:
				return false
			}
			return a.Verdict == b.Verdict && a.Quality == b.Quality &&
				len(a.Breaches) == len(b.Breaches) && a.Quality >= 0 && a.Quality <= 1
		},
		genRate(), genRate(), genRate(), genRate(), genRate(),
		gen.IntRange(0, 500),
	))

	properties.TestingRun(t)
}
