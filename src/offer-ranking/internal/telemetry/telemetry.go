// Package telemetry records ranking and governance metrics with the
// OpenTelemetry metric API. Without an installed provider the instruments
// are no-ops.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/fixzit/marketplace/src/offer-ranking/internal/model"
)

const meterName = "github.com/fixzit/marketplace/offer-ranking"

type Metrics struct {
	recomputes       metric.Int64Counter
	recomputeSeconds metric.Float64Histogram
	transitions      metric.Int64Counter
	coalesced        metric.Int64Counter
	dispatched       metric.Int64Counter
	facts            metric.Int64Counter
}

// New creates the instruments on mp, or on the global provider when mp is nil.
func New(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	var m Metrics
	var err error
	if m.recomputes, err = meter.Int64Counter("offer_ranking.recomputes",
		metric.WithDescription("Winner recomputations by outcome"),
		metric.WithUnit("{recompute}"),
	); err != nil {
		return nil, err
	}
	if m.recomputeSeconds, err = meter.Float64Histogram("offer_ranking.recompute.duration",
		metric.WithDescription("Winner recompute duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5),
	); err != nil {
		return nil, err
	}
	if m.transitions, err = meter.Int64Counter("offer_ranking.seller.status_transitions",
		metric.WithDescription("Seller enforcement status transitions"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, err
	}
	if m.coalesced, err = meter.Int64Counter("offer_ranking.triggers.coalesced",
		metric.WithDescription("Recompute triggers merged into an already pending one"),
		metric.WithUnit("{trigger}"),
	); err != nil {
		return nil, err
	}
	if m.dispatched, err = meter.Int64Counter("offer_ranking.triggers.dispatched",
		metric.WithDescription("Recompute triggers handed to a worker"),
		metric.WithUnit("{trigger}"),
	); err != nil {
		return nil, err
	}
	if m.facts, err = meter.Int64Counter("offer_ranking.facts",
		metric.WithDescription("Behavioral facts received by result"),
		metric.WithUnit("{fact}"),
	); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) Recompute(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.recomputes.Add(ctx, 1, attrs)
	m.recomputeSeconds.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) StatusTransition(ctx context.Context, from, to model.SellerStatus) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from_status", string(from)),
		attribute.String("to_status", string(to)),
	))
}

func (m *Metrics) Coalesced(ctx context.Context) {
	m.coalesced.Add(ctx, 1)
}

func (m *Metrics) Dispatched(ctx context.Context, failed bool) {
	m.dispatched.Add(ctx, 1, metric.WithAttributes(attribute.Bool("failed", failed)))
}

// FactsIngested counts one ingestion batch.
func (m *Metrics) FactsIngested(ctx context.Context, accepted, duplicates, rejected int) {
	for result, n := range map[string]int{"accepted": accepted, "duplicate": duplicates, "rejected": rejected} {
		if n > 0 {
			m.facts.Add(ctx, int64(n), metric.WithAttributes(attribute.String("result", result)))
		}
	}
}

// NewOTLPProvider exports metrics to an OTLP gRPC collector every interval
// and installs the provider globally. Callers must Shutdown it.
func NewOTLPProvider(ctx context.Context, endpoint string, insecure bool, interval time.Duration) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(mp)
	return mp, nil
}
