package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/copyrelay/backend/internal/httputil"
)

// OrderRequest is the order-placement call to the execution venue.
// Only market orders are placed; a submitted order runs to completion or
// explicit rejection, there is no client-side cancellation.
type OrderRequest struct {
	UserID        int64   `json:"user_id"`
	MarketID      string  `json:"market_id"`
	Outcome       string  `json:"outcome"`
	Side          string  `json:"side"`
	AmountUSD     float64 `json:"amount_usd"`
	OrderType     string  `json:"order_type"`
	ClientOrderID string  `json:"client_order_id,omitempty"`
}

type OrderResult struct {
	Success      bool    `json:"success"`
	OrderID      string  `json:"order_id"`
	FilledAmount float64 `json:"filled_amount"`
	FillPrice    float64 `json:"fill_price"`
	Error        string  `json:"error,omitempty"`
}

// VenueClient talks to the execution venue's HTTP API. PlaceOrder is a
// single attempt with an explicit timeout; the retry policy for
// transient failures lives with the caller, which knows whether a repeat
// is safe. Balance reads are idempotent and retried here.
type VenueClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retry      httputil.RetryConfig
}

func NewVenueClient(baseURL, apiKey string, timeout time.Duration) *VenueClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &VenueClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		retry: httputil.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    5 * time.Second,
		},
	}
}

func (c *VenueClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if req.OrderType == "" {
		req.OrderType = "market"
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build order request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("venue order: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("venue returned %d: %s", resp.StatusCode, string(b))
	}

	var result OrderResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode order result: %w", err)
	}
	return &result, nil
}

// GetBalance returns the user's available USD balance at the venue.
func (c *VenueClient) GetBalance(ctx context.Context, userID int64) (float64, error) {
	url := fmt.Sprintf("%s/balances/%d", c.baseURL, userID)

	resp, err := httputil.Do(ctx, c.httpClient, c.retry, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		return req, nil
	})
	if err != nil {
		return 0, fmt.Errorf("venue balance: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("venue balance returned status %d", resp.StatusCode)
	}

	var data struct {
		AvailableUSD float64 `json:"available_usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return 0, fmt.Errorf("decode balance: %w", err)
	}
	if data.AvailableUSD < 0 {
		return 0, fmt.Errorf("invalid balance: %f", data.AvailableUSD)
	}
	return data.AvailableUSD, nil
}
