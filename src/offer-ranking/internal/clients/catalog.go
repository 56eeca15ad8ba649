// Package clients talks to the catalog and identity collaborators.
package clients

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fixzit/marketplace/src/internal/httpclient"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/model"
)

var ErrItemNotFound = errors.New("catalog item not found")

type CatalogClient struct {
	baseURL string
	http    *httpclient.Client
}

func NewCatalogClient(baseURL string, opts ...httpclient.Option) *CatalogClient {
	return &CatalogClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpclient.NewClient("catalog", 10*time.Second, opts...),
	}
}

// GetItem returns the item's currency, price guardrails and optional
// eligibility rule.
func (c *CatalogClient) GetItem(ctx context.Context, itemID string) (model.CatalogItem, error) {
	var item model.CatalogItem
	err := c.http.GetJSON(ctx, c.baseURL+"/v1/items/"+url.PathEscape(itemID), &item)
	if httpclient.IsStatus(err, http.StatusNotFound) {
		return model.CatalogItem{}, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	if err != nil {
		return model.CatalogItem{}, fmt.Errorf("catalog get item %s: %w", itemID, err)
	}
	if item.ID == "" {
		item.ID = itemID
	}
	return item, nil
}

// StaticCatalog serves items from memory. With a default currency set,
// unknown items resolve to an unguarded item in that currency.
type StaticCatalog struct {
	mu              sync.RWMutex
	items           map[string]model.CatalogItem
	defaultCurrency string
}

func NewStaticCatalog(defaultCurrency string, items ...model.CatalogItem) *StaticCatalog {
	c := &StaticCatalog{items: make(map[string]model.CatalogItem), defaultCurrency: defaultCurrency}
	for _, it := range items {
		c.items[it.ID] = it
	}
	return c
}

func (c *StaticCatalog) Put(item model.CatalogItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[item.ID] = item
}

func (c *StaticCatalog) Remove(itemID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, itemID)
}

func (c *StaticCatalog) GetItem(ctx context.Context, itemID string) (model.CatalogItem, error) {
	_ = ctx
	c.mu.RLock()
	defer c.mu.RUnlock()
	if it, ok := c.items[itemID]; ok {
		return it, nil
	}
	if c.defaultCurrency != "" {
		return model.CatalogItem{ID: itemID, Currency: c.defaultCurrency}, nil
	}
	return model.CatalogItem{}, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
}
