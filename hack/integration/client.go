package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client talks to a running offer-ranking service over its public and
// internal HTTP APIs.
type Client struct {
	baseURL string
	http    *http.Client
	userID  string
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// AsUser sets the X-User-ID header sent with every request.
func (c *Client) AsUser(userID string) *Client {
	cp := *c
	cp.userID = userID
	return &cp
}

// APIError is a non-2xx response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// Request makes an HTTP request
func (c *Client) Request(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}
	return c.http.Do(req)
}

// JSON makes a request and decodes the JSON response
func (c *Client) JSON(ctx context.Context, method, path string, body, result any) error {
	resp, err := c.Request(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return &APIError{Status: resp.StatusCode, Body: string(bodyBytes)}
	}
	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}
	return nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	resp, err := c.Request(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}

// Wire types, decoded from the service's JSON.

type Offer struct {
	ID            string `json:"offer_id"`
	CatalogItemID string `json:"catalog_item_id"`
	SellerID      string `json:"seller_id"`
	Price         string `json:"price"`
	Currency      string `json:"currency"`
	Stock         int    `json:"stock"`
	DeliveryDays  int    `json:"delivery_days"`
	Fulfillment   string `json:"fulfillment"`
	Revision      int64  `json:"revision"`
}

type Winner struct {
	CatalogItemID  string `json:"catalog_item_id"`
	Outcome        string `json:"outcome"`
	OfferID        string `json:"offer_id"`
	SellerID       string `json:"seller_id"`
	NoWinnerReason string `json:"no_winner_reason"`
	Version        int64  `json:"version"`
}

type Fact struct {
	IdempotencyKey string    `json:"idempotency_key"`
	SellerID       string    `json:"seller_id"`
	OrderID        string    `json:"order_id"`
	Kind           string    `json:"kind"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type IngestResult struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Rejected   []struct {
		Index int    `json:"index"`
		Error string `json:"error"`
	} `json:"rejected"`
}

type SellerHealth struct {
	Account struct {
		Status string `json:"status"`
		Tier   string `json:"tier"`
	} `json:"account"`
	Verdict       string `json:"verdict"`
	LowConfidence bool   `json:"low_confidence"`
}

type Action struct {
	ID          string     `json:"action_id"`
	Type        string     `json:"type"`
	PriorStatus string     `json:"prior_status"`
	ReversedAt  *time.Time `json:"reversed_at"`
}

type Appeal struct {
	ID        string `json:"appeal_id"`
	Status    string `json:"status"`
	DeciderID string `json:"decider_id"`
}

func (c *Client) UpsertOffer(ctx context.Context, o Offer) error {
	return c.JSON(ctx, http.MethodPut, "/internal/v1/offers/"+url.PathEscape(o.ID), o, nil)
}

func (c *Client) RemoveOffer(ctx context.Context, offerID string) error {
	return c.JSON(ctx, http.MethodDelete, "/internal/v1/offers/"+url.PathEscape(offerID), nil, nil)
}

func (c *Client) GetWinner(ctx context.Context, itemID string) (Winner, error) {
	var w Winner
	err := c.JSON(ctx, http.MethodGet, "/v1/items/"+url.PathEscape(itemID)+"/winner", nil, &w)
	return w, err
}

func (c *Client) IngestFacts(ctx context.Context, facts []Fact) (IngestResult, error) {
	var res IngestResult
	err := c.JSON(ctx, http.MethodPost, "/internal/v1/facts", map[string]any{"facts": facts}, &res)
	return res, err
}

func (c *Client) RecomputeMetrics(ctx context.Context, sellerID string) error {
	return c.JSON(ctx, http.MethodPost, "/internal/v1/sellers/"+url.PathEscape(sellerID)+"/metrics/recompute", nil, nil)
}

func (c *Client) SellerHealth(ctx context.Context, sellerID string) (SellerHealth, error) {
	var h SellerHealth
	err := c.JSON(ctx, http.MethodGet, "/v1/sellers/"+url.PathEscape(sellerID)+"/health", nil, &h)
	return h, err
}

func (c *Client) ListActions(ctx context.Context, sellerID string) ([]Action, error) {
	var resp struct {
		Actions []Action `json:"actions"`
	}
	err := c.JSON(ctx, http.MethodGet, "/v1/sellers/"+url.PathEscape(sellerID)+"/enforcement-actions", nil, &resp)
	return resp.Actions, err
}

func (c *Client) SubmitAppeal(ctx context.Context, sellerID, actionID, justification string) (Appeal, error) {
	var a Appeal
	err := c.JSON(ctx, http.MethodPost, "/v1/sellers/"+url.PathEscape(sellerID)+"/appeals", map[string]string{
		"enforcement_action_id": actionID,
		"justification":         justification,
	}, &a)
	return a, err
}

func (c *Client) DecideAppeal(ctx context.Context, appealID, decision string) (Appeal, error) {
	var a Appeal
	err := c.JSON(ctx, http.MethodPost, "/internal/v1/appeals/"+url.PathEscape(appealID)+"/decision",
		map[string]string{"decision": decision}, &a)
	return a, err
}
