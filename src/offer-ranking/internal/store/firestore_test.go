package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixzit/marketplace/src/offer-ranking/internal/fixture"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/model"
)

func TestFirestoreGovernanceStore(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	s, err := NewFirestoreGovernanceStore(context.Background(), "ranking-test-"+model.NewID("p")[2:10])
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	testGovernance(t, s)
}

func TestLayeredRoutesGovernance(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryStore()
	governance := NewMemoryStore()
	l := &Layered{Store: primary, Governance: governance}

	require.NoError(t, l.AppendAction(ctx, model.EnforcementAction{ID: "act_1", SellerID: "seller_a", CreatedAt: fixture.Now}))
	_, err := l.UpsertOffer(ctx, fixture.NewOffer("off_1", "item_x", "seller_a").Build())
	require.NoError(t, err)

	_, err = governance.GetAction(ctx, "act_1")
	assert.NoError(t, err)
	_, err = primary.GetAction(ctx, "act_1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = primary.GetOffer(ctx, "off_1")
	assert.NoError(t, err)
	assert.NoError(t, l.Close())
}
