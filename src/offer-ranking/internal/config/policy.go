package config

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Thresholds are the account-health bounds. Max* rates must stay below the
// value, Min* rates above it.
type Thresholds struct {
	MaxOrderDefectRate    float64 `yaml:"max_order_defect_rate"`
	MaxLateShipmentRate   float64 `yaml:"max_late_shipment_rate"`
	MaxCancellationRate   float64 `yaml:"max_cancellation_rate"`
	MinValidTrackingRate  float64 `yaml:"min_valid_tracking_rate"`
	MinOnTimeDeliveryRate float64 `yaml:"min_on_time_delivery_rate"`
	// WarningMargin is the relative excess past a threshold still treated
	// as a warning when it is the only breach.
	WarningMargin          float64 `yaml:"warning_margin"`
	MinOrdersForConfidence int     `yaml:"min_orders_for_confidence"`
}

// Weights are the composite score weights; they must sum to 1.
type Weights struct {
	Price         float64 `yaml:"price"`
	Delivery      float64 `yaml:"delivery"`
	SellerQuality float64 `yaml:"seller_quality"`
	Stock         float64 `yaml:"stock"`
	Fulfillment   float64 `yaml:"fulfillment"`
}

func (w Weights) sum() float64 {
	return w.Price + w.Delivery + w.SellerQuality + w.Stock + w.Fulfillment
}

// QualityWeights blend the five normalized rates into the seller-quality
// sub-score; they must sum to 1.
type QualityWeights struct {
	OrderDefect    float64 `yaml:"order_defect"`
	LateShipment   float64 `yaml:"late_shipment"`
	Cancellation   float64 `yaml:"cancellation"`
	ValidTracking  float64 `yaml:"valid_tracking"`
	OnTimeDelivery float64 `yaml:"on_time_delivery"`
	// UndefinedRateScore is the normalized score used for a rate with no data.
	UndefinedRateScore float64 `yaml:"undefined_rate_score"`
}

func (q QualityWeights) sum() float64 {
	return q.OrderDefect + q.LateShipment + q.Cancellation + q.ValidTracking + q.OnTimeDelivery
}

type Scoring struct {
	Weights         Weights        `yaml:"weights"`
	Quality         QualityWeights `yaml:"quality"`
	TieEpsilon      float64        `yaml:"tie_epsilon"`
	StockSaturation int            `yaml:"stock_saturation"`
}

type Enforcement struct {
	// RelaxAfter is the number of consecutive improving snapshots needed
	// before status is relaxed by one level.
	RelaxAfter int `yaml:"relax_after"`
	// SuppressAfterBreaches is the number of consecutive WARNING snapshots
	// while WARNED that escalates to SUPPRESSED.
	SuppressAfterBreaches int `yaml:"suppress_after_breaches"`
	// TopRatedMinOrders and TopRatedMinQuality gate the TOP_RATED tier.
	TopRatedMinOrders  int     `yaml:"top_rated_min_orders"`
	TopRatedMinQuality float64 `yaml:"top_rated_min_quality"`
}

type Schedule struct {
	Window              time.Duration `yaml:"window"`
	AggregationInterval time.Duration `yaml:"aggregation_interval"`
	Debounce            time.Duration `yaml:"debounce"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	SweepRatePerSecond  float64       `yaml:"sweep_rate_per_second"`
}

// Policy is the ranking and governance policy. It is loaded and validated
// once at startup and never mutated afterwards.
type Policy struct {
	Thresholds  Thresholds  `yaml:"thresholds"`
	Scoring     Scoring     `yaml:"scoring"`
	Enforcement Enforcement `yaml:"enforcement"`
	Schedule    Schedule    `yaml:"schedule"`
}

func DefaultPolicy() Policy {
	return Policy{
		Thresholds: Thresholds{
			MaxOrderDefectRate:     0.01,
			MaxLateShipmentRate:    0.04,
			MaxCancellationRate:    0.025,
			MinValidTrackingRate:   0.95,
			MinOnTimeDeliveryRate:  0.97,
			WarningMargin:          0.5,
			MinOrdersForConfidence: 10,
		},
		Scoring: Scoring{
			Weights: Weights{
				Price:         0.40,
				Delivery:      0.25,
				SellerQuality: 0.20,
				Stock:         0.10,
				Fulfillment:   0.05,
			},
			Quality: QualityWeights{
				OrderDefect:        0.2,
				LateShipment:       0.2,
				Cancellation:       0.2,
				ValidTracking:      0.2,
				OnTimeDelivery:     0.2,
				UndefinedRateScore: 0.5,
			},
			TieEpsilon:      0.0001,
			StockSaturation: 100,
		},
		Enforcement: Enforcement{
			RelaxAfter:            2,
			SuppressAfterBreaches: 2,
			TopRatedMinOrders:     100,
			TopRatedMinQuality:    0.9,
		},
		Schedule: Schedule{
			Window:              90 * 24 * time.Hour,
			AggregationInterval: time.Hour,
			Debounce:            2 * time.Second,
			SweepInterval:       6 * time.Hour,
			SweepRatePerSecond:  50,
		},
	}
}

var ErrInvalidPolicy = errors.New("invalid policy")

// LoadPolicy reads a YAML policy document over the defaults. An empty path
// returns the defaults. Unknown keys are rejected.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, p.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a YAML policy document over the defaults and validates it.
func ParsePolicy(data []byte) (Policy, error) {
	p := DefaultPolicy()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Policy{}, fmt.Errorf("%w: decode: %v", ErrInvalidPolicy, err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidPolicy}, args...)...))
	}

	t := p.Thresholds
	for name, v := range map[string]float64{
		"thresholds.max_order_defect_rate":     t.MaxOrderDefectRate,
		"thresholds.max_late_shipment_rate":    t.MaxLateShipmentRate,
		"thresholds.max_cancellation_rate":     t.MaxCancellationRate,
		"thresholds.min_valid_tracking_rate":   t.MinValidTrackingRate,
		"thresholds.min_on_time_delivery_rate": t.MinOnTimeDeliveryRate,
	} {
		if !(v > 0 && v < 1) {
			fail("%s must be in (0,1), got %v", name, v)
		}
	}
	if t.WarningMargin < 0 || math.IsNaN(t.WarningMargin) {
		fail("thresholds.warning_margin must be >= 0")
	}
	if t.MinOrdersForConfidence < 0 {
		fail("thresholds.min_orders_for_confidence must be >= 0")
	}

	s := p.Scoring
	w := s.Weights
	for name, v := range map[string]float64{
		"price": w.Price, "delivery": w.Delivery, "seller_quality": w.SellerQuality,
		"stock": w.Stock, "fulfillment": w.Fulfillment,
	} {
		if v < 0 || math.IsNaN(v) {
			fail("scoring.weights.%s must be >= 0", name)
		}
	}
	if math.Abs(w.sum()-1) > 1e-6 {
		fail("scoring.weights must sum to 1, got %v", w.sum())
	}
	q := s.Quality
	for name, v := range map[string]float64{
		"order_defect": q.OrderDefect, "late_shipment": q.LateShipment, "cancellation": q.Cancellation,
		"valid_tracking": q.ValidTracking, "on_time_delivery": q.OnTimeDelivery,
	} {
		if v < 0 || math.IsNaN(v) {
			fail("scoring.quality.%s must be >= 0", name)
		}
	}
	if math.Abs(q.sum()-1) > 1e-6 {
		fail("scoring.quality weights must sum to 1, got %v", q.sum())
	}
	if q.UndefinedRateScore < 0 || q.UndefinedRateScore > 1 {
		fail("scoring.quality.undefined_rate_score must be in [0,1]")
	}
	if s.TieEpsilon < 0 || math.IsNaN(s.TieEpsilon) {
		fail("scoring.tie_epsilon must be >= 0")
	}
	if s.StockSaturation <= 0 {
		fail("scoring.stock_saturation must be > 0")
	}

	e := p.Enforcement
	if e.RelaxAfter < 1 {
		fail("enforcement.relax_after must be >= 1")
	}
	if e.SuppressAfterBreaches < 1 {
		fail("enforcement.suppress_after_breaches must be >= 1")
	}
	if e.TopRatedMinQuality < 0 || e.TopRatedMinQuality > 1 {
		fail("enforcement.top_rated_min_quality must be in [0,1]")
	}

	sc := p.Schedule
	for name, d := range map[string]time.Duration{
		"window": sc.Window, "aggregation_interval": sc.AggregationInterval,
		"debounce": sc.Debounce, "sweep_interval": sc.SweepInterval,
	} {
		if d <= 0 {
			fail("schedule.%s must be > 0", name)
		}
	}
	if sc.SweepRatePerSecond <= 0 {
		fail("schedule.sweep_rate_per_second must be > 0")
	}

	return errors.Join(errs...)
}
