// Package ingester is the HTTP adapter for the candle ingestion service:
// symbol discovery plus historical bar sync into the shared bar table.
package ingester

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/timegrid-trading/timegrid/internal/retry"
)

// SyncRow is one candle returned by a sync call.
type SyncRow struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// SyncItem groups the synced rows for one (symbol, exchange, granularity).
type SyncItem struct {
	Symbol      string    `json:"symbol"`
	Exchange    string    `json:"exchange"`
	Granularity string    `json:"granularity"`
	Rows        []SyncRow `json:"rows"`
}

// SyncResponse is the ingester's answer to a sync trigger.
type SyncResponse struct {
	Items []SyncItem `json:"items"`
}

// Client talks to the candle ingester service.
type Client struct {
	client  *http.Client
	baseURL string
	logger  *log.Logger
	retry   retry.Config
}

// NewClient creates an ingester client with the default 30 s HTTP timeout and
// the standard 3-attempt sync retry budget.
func NewClient(baseURL string, logger *log.Logger) *Client {
	return &Client{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: baseURL,
		logger:  logger,
		retry:   retry.DefaultConfig,
	}
}

// WithHTTPClient swaps the underlying HTTP client; used by tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.client = hc
	return c
}

// Sync triggers a historical sync for the given symbols and exchanges and
// returns the synced rows. Retries transient failures up to three times with
// exponential backoff.
func (c *Client) Sync(ctx context.Context, symbols, exchanges []string, granularity string, from, to time.Time) (*SyncResponse, error) {
	body := map[string]any{
		"payload": map[string]any{
			"stocks":      symbols,
			"exchanges":   exchanges,
			"granularity": granularity,
			"start_date":  from.Format("2006-01-02"),
			"end_date":    to.Format("2006-01-02"),
		},
	}
	return retry.Do(ctx, c.logger, c.retry, "ingester sync",
		func(ctx context.Context) (*SyncResponse, error) {
			var resp SyncResponse
			if err := c.makeRequest(ctx, http.MethodPost, c.baseURL+"/sync", body, &resp); err != nil {
				return nil, err
			}
			return &resp, nil
		})
}

// GetSymbols lists known symbols, optionally filtered by exchange.
func (c *Client) GetSymbols(ctx context.Context, exchange string) ([]string, error) {
	endpoint := c.baseURL + "/symbols"
	if exchange != "" {
		endpoint += "?exchange=" + url.QueryEscape(exchange)
	}
	var resp struct {
		Symbols []string `json:"symbols"`
	}
	if err := c.makeRequest(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Symbols, nil
}

// GetExchanges lists the exchanges the ingester covers.
func (c *Client) GetExchanges(ctx context.Context) ([]string, error) {
	var resp struct {
		Exchanges []string `json:"exchanges"`
	}
	if err := c.makeRequest(ctx, http.MethodGet, c.baseURL+"/exchanges", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Exchanges, nil
}

// GetGranularities lists the candle granularities the ingester supports.
func (c *Client) GetGranularities(ctx context.Context) ([]string, error) {
	var resp struct {
		Granularities []string `json:"granularities"`
	}
	if err := c.makeRequest(ctx, http.MethodGet, c.baseURL+"/granularities", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Granularities, nil
}

func (c *Client) makeRequest(ctx context.Context, method, endpoint string, body, response any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("Failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if readErr != nil {
			return fmt.Errorf("ingester %s %s: status %d, unreadable body", method, endpoint, resp.StatusCode)
		}
		return fmt.Errorf("ingester %s %s: status %d: %s", method, endpoint, resp.StatusCode, string(raw))
	}
	if response == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
		return fmt.Errorf("decode ingester %s response: %w", endpoint, err)
	}
	return nil
}
