package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicyIsValid(t *testing.T) {
	p := DefaultPolicy()
	require.NoError(t, p.Validate())
	assert.Equal(t, 0.40, p.Scoring.Weights.Price)
	assert.Equal(t, 90*24*time.Hour, p.Schedule.Window)
	assert.Equal(t, 2*time.Second, p.Schedule.Debounce)
}

func TestParsePolicy_OverridesDefaults(t *testing.T) {
	doc := []byte(`
scoring:
  weights:
    price: 0.35
    delivery: 0.25
    seller_quality: 0.20
    stock: 0.10
    fulfillment: 0.10
schedule:
  debounce: 5s
`)
	p, err := ParsePolicy(doc)
	require.NoError(t, err)
	assert.Equal(t, 0.35, p.Scoring.Weights.Price)
	assert.Equal(t, 0.10, p.Scoring.Weights.Fulfillment)
	assert.Equal(t, 5*time.Second, p.Schedule.Debounce)
	// untouched sections keep their defaults
	assert.Equal(t, 0.025, p.Thresholds.MaxCancellationRate)
}

func TestParsePolicy_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"weights not summing to one", "scoring:\n  weights:\n    price: 0.9\n"},
		{"negative weight", "scoring:\n  weights:\n    price: 0.45\n    fulfillment: -0.05\n    stock: 0.15\n"},
		{"threshold out of range", "thresholds:\n  max_cancellation_rate: 1.5\n"},
		{"zero debounce", "schedule:\n  debounce: 0s\n"},
		{"unknown key", "scoring:\n  weigths:\n    price: 0.4\n"},
		{"zero saturation", "scoring:\n  stock_saturation: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidPolicy), "error %v should wrap ErrInvalidPolicy", err)
		})
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("ADMIN_IDS", "admin_1")
	t.Setenv("CATALOG_URL", "http://catalog:8080/")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, []string{"admin_1"}, cfg.AdminIDs)
	assert.Equal(t, "http://catalog:8080", cfg.CatalogURL)
	assert.Equal(t, 8, cfg.RecomputeWorkers)
	assert.Equal(t, 30*time.Second, cfg.LockTTL)
	assert.Equal(t, time.Hour, cfg.CacheTTL)
	assert.Empty(t, cfg.OTLPEndpoint)
}

func TestLoad_InvalidGovernanceBackend(t *testing.T) {
	t.Setenv("GOVERNANCE_BACKEND", "firestore")
	_, err := Load()
	require.Error(t, err)
}
