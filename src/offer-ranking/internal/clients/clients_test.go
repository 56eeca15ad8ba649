package clients

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixzit/marketplace/src/offer-ranking/internal/fixture"
)

func TestCatalogClientGetItem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/items/item-1":
			w.Write([]byte(`{"catalog_item_id":"item-1","currency":"USD","price_floor":"10.00","price_ceiling":"150","eligibility_rule":{"<=":[{"var":"delivery_days"},5]}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewCatalogClient(srv.URL + "/")
	item, err := c.GetItem(context.Background(), "item-1")
	require.NoError(t, err)
	assert.Equal(t, "USD", item.Currency)
	require.NotNil(t, item.PriceFloor)
	assert.True(t, item.PriceFloor.Equal(decimal.RequireFromString("10")))
	require.NotNil(t, item.PriceCeiling)
	assert.True(t, item.PriceCeiling.Equal(decimal.NewFromInt(150)))
	assert.Contains(t, item.EligibilityRule, "<=")

	_, err = c.GetItem(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestStaticCatalog(t *testing.T) {
	c := NewStaticCatalog("", fixture.CatalogItem("item-1", "", "120"))
	item, err := c.GetItem(context.Background(), "item-1")
	require.NoError(t, err)
	assert.NotNil(t, item.PriceCeiling)

	_, err = c.GetItem(context.Background(), "item-2")
	assert.ErrorIs(t, err, ErrItemNotFound)

	c.Remove("item-1")
	_, err = c.GetItem(context.Background(), "item-1")
	assert.ErrorIs(t, err, ErrItemNotFound)

	open := NewStaticCatalog("EUR")
	item, err = open.GetItem(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, "EUR", item.Currency)
	assert.Nil(t, item.PriceFloor)
}

func TestIdentityClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/users/admin-1":
			w.Write([]byte(`{"user_id":"admin-1","roles":["seller_support","marketplace_admin"]}`))
		case "/v1/users/seller-1":
			w.Write([]byte(`{"user_id":"seller-1","roles":["seller"]}`))
		case "/v1/users/boom":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewIdentityClient(srv.URL)
	tests := []struct {
		user    string
		want    bool
		wantErr bool
	}{
		{"admin-1", true, false},
		{"seller-1", false, false},
		{"ghost", false, false},
		{"boom", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			got, err := c.IsAdministrator(context.Background(), tt.user)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	static := NewStaticIdentity("admin-1")
	ok, _ := static.IsAdministrator(context.Background(), "admin-1")
	assert.True(t, ok)
	ok, _ = static.IsAdministrator(context.Background(), "seller-1")
	assert.False(t, ok)
}
