package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Order parameter defaults sent with every placement. Kept as variables so a
// deployment against a different middleware build can override them at
// startup before any loop runs.
var (
	DefaultProduct   = "CNC"     // cash and carry (delivery)
	DefaultOrderType = "MARKET"
	DefaultVariety   = "regular"
)

const (
	// orderPollDeadline bounds the synchronous wait for a terminal order
	// status inside PlaceOrder.
	orderPollDeadline = 30 * time.Second
	orderPollInterval = time.Second
)

// Terminal order statuses reported by the middleware.
const (
	OrderStatusComplete  = "COMPLETE"
	OrderStatusRejected  = "REJECTED"
	OrderStatusCancelled = "CANCELLED"
	OrderStatusTimeout   = "TIMEOUT"
)

// APIError represents a middleware error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// OrderRequest describes one buy or sell placement. Buy orders spend Money;
// sell orders liquidate Quantity shares. Product/OrderType/Variety default to
// the package-level values when empty.
type OrderRequest struct {
	Symbol    string
	Exchange  string
	Side      string // "buy" or "sell"
	Money     float64
	Quantity  int64
	Simulate  bool
	Product   string
	OrderType string
	Variety   string
}

// OrderResult is the terminal outcome of a placement. Success is false for
// REJECTED/CANCELLED/TIMEOUT; Error carries the middleware's reason.
type OrderResult struct {
	Success           bool    `json:"success"`
	OrderID           string  `json:"order_id"`
	Status            string  `json:"status"`
	SharesBought      int64   `json:"shares_bought"`
	SharesSold        int64   `json:"shares_sold"`
	PricePerShare     float64 `json:"price_per_share"`
	TotalAmount       float64 `json:"total_amount"`
	MoneyProvided     float64 `json:"money_provided"`
	MoneyRemaining    float64 `json:"money_remaining"`
	OrderTimestamp    string  `json:"order_timestamp"`
	ExchangeTimestamp string  `json:"exchange_timestamp"`
	Error             string  `json:"error,omitempty"`
}

// Shares returns the filled share count regardless of side.
func (r *OrderResult) Shares() int64 {
	if r.SharesBought > 0 {
		return r.SharesBought
	}
	return r.SharesSold
}

// Quote is a full market quote for one instrument.
type Quote struct {
	LastPrice float64 `json:"last_price"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    int64   `json:"volume"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Timestamp string  `json:"timestamp"`
}

// GTTLeg is one order leg attached to a GTT trigger.
type GTTLeg struct {
	TransactionType string  `json:"transaction_type"`
	Quantity        int64   `json:"quantity"`
	Price           float64 `json:"price"`
}

// GTTRequest places a good-till-triggered order. OCO requests carry exactly
// two trigger values, stop-loss first.
type GTTRequest struct {
	Type          string    `json:"type"` // "single" or "oco"
	Symbol        string    `json:"symbol"`
	Exchange      string    `json:"exchange"`
	TriggerValues []float64 `json:"trigger_values"`
	LastPrice     float64   `json:"last_price"`
	Legs          []GTTLeg  `json:"legs"`
}

// Instrument is one tradable listing on an exchange.
type Instrument struct {
	TradingSymbol   string `json:"tradingsymbol"`
	InstrumentToken int64  `json:"instrument_token"`
	Exchange        string `json:"exchange"`
}

// Client talks to the broker middleware over HTTP. Authentication is opaque
// to callers: a 401 triggers one token refresh and a single retry.
type Client struct {
	client    *http.Client
	baseURL   string
	apiKey    string
	apiSecret string

	mu    sync.Mutex
	token string
}

// NewClient creates a middleware client with the default 60 s HTTP timeout.
func NewClient(baseURL, apiKey, apiSecret string) *Client {
	return NewClientWithHTTP(baseURL, apiKey, apiSecret, &http.Client{Timeout: 60 * time.Second})
}

// NewClientWithHTTP creates a middleware client with a custom HTTP client.
func NewClientWithHTTP(baseURL, apiKey, apiSecret string, hc *http.Client) *Client {
	return &Client{
		client:    hc,
		baseURL:   baseURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
	}
}

// Ensure Client implements Broker at compile time.
var _ Broker = (*Client)(nil)

// PlaceOrder submits the order and blocks until the middleware reports a
// terminal status or the 30 s polling deadline passes. Non-fills come back
// with Success=false, not an error.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if req.Product == "" {
		req.Product = DefaultProduct
	}
	if req.OrderType == "" {
		req.OrderType = DefaultOrderType
	}
	if req.Variety == "" {
		req.Variety = DefaultVariety
	}

	endpoint := c.baseURL + "/api/order/" + req.Side
	body := map[string]any{
		"symbol":     req.Symbol,
		"exchange":   req.Exchange,
		"simulate":   req.Simulate,
		"product":    req.Product,
		"order_type": req.OrderType,
		"variety":    req.Variety,
	}
	switch req.Side {
	case "buy":
		body["money"] = req.Money
	case "sell":
		body["quantity"] = req.Quantity
	default:
		return nil, fmt.Errorf("invalid order side %q", req.Side)
	}

	var result OrderResult
	if err := c.makeRequest(ctx, http.MethodPost, endpoint, body, &result); err != nil {
		return nil, err
	}
	return c.awaitTerminal(ctx, &result)
}

// awaitTerminal polls the order status until it is terminal or the deadline
// passes, in which case the result is marked as a timeout.
func (c *Client) awaitTerminal(ctx context.Context, result *OrderResult) (*OrderResult, error) {
	deadline := time.Now().Add(orderPollDeadline)
	for !isTerminalStatus(result.Status) {
		if time.Now().After(deadline) {
			result.Success = false
			result.Status = OrderStatusTimeout
			result.Error = fmt.Sprintf("order %s not terminal within %s", result.OrderID, orderPollDeadline)
			return result, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(orderPollInterval):
		}

		endpoint := fmt.Sprintf("%s/api/order/status?order_id=%s", c.baseURL, url.QueryEscape(result.OrderID))
		var polled OrderResult
		if err := c.makeRequest(ctx, http.MethodGet, endpoint, nil, &polled); err != nil {
			return nil, err
		}
		*result = polled
	}
	result.Success = result.Status == OrderStatusComplete
	return result, nil
}

func isTerminalStatus(status string) bool {
	switch status {
	case OrderStatusComplete, OrderStatusRejected, OrderStatusCancelled:
		return true
	}
	return false
}

// GetQuote retrieves the current market quote for a symbol.
func (c *Client) GetQuote(ctx context.Context, symbol, exchange string) (*Quote, error) {
	endpoint := fmt.Sprintf("%s/api/quote?symbol=%s&exchange=%s",
		c.baseURL, url.QueryEscape(symbol), url.QueryEscape(exchange))
	var q Quote
	if err := c.makeRequest(ctx, http.MethodGet, endpoint, nil, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// GetLTP retrieves just the last traded price for a symbol.
func (c *Client) GetLTP(ctx context.Context, symbol, exchange string) (float64, error) {
	endpoint := fmt.Sprintf("%s/api/ltp?symbol=%s&exchange=%s",
		c.baseURL, url.QueryEscape(symbol), url.QueryEscape(exchange))
	var resp struct {
		LastPrice float64 `json:"last_price"`
	}
	if err := c.makeRequest(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return 0, err
	}
	return resp.LastPrice, nil
}

// PlaceGTT places a good-till-triggered order and returns the trigger ID.
// OCO requests are validated as stop-loss < last_price < target before any
// network traffic.
func (c *Client) PlaceGTT(ctx context.Context, req GTTRequest) (int64, error) {
	if req.Type == "oco" {
		if len(req.TriggerValues) != 2 {
			return 0, fmt.Errorf("oco trigger needs exactly 2 values, got %d", len(req.TriggerValues))
		}
		stopLoss, target := req.TriggerValues[0], req.TriggerValues[1]
		if !(stopLoss < req.LastPrice && req.LastPrice < target) {
			return 0, fmt.Errorf("oco triggers must bracket last price: stop-loss %.2f < ltp %.2f < target %.2f",
				stopLoss, req.LastPrice, target)
		}
	}
	var resp struct {
		TriggerID int64 `json:"trigger_id"`
	}
	if err := c.makeRequest(ctx, http.MethodPost, c.baseURL+"/api/gtt", req, &resp); err != nil {
		return 0, err
	}
	return resp.TriggerID, nil
}

// ListInstruments lists tradable instruments on an exchange.
func (c *Client) ListInstruments(ctx context.Context, exchange string) ([]Instrument, error) {
	endpoint := fmt.Sprintf("%s/api/instruments?exchange=%s", c.baseURL, url.QueryEscape(exchange))
	var out []Instrument
	if err := c.makeRequest(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// authenticate exchanges the API key pair for a fresh session token.
func (c *Client) authenticate(ctx context.Context) error {
	body := map[string]string{"api_key": c.apiKey, "api_secret": c.apiSecret}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/auth/session", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")

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
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &APIError{Status: resp.StatusCode, Body: string(raw)}
	}
	var session struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return fmt.Errorf("decode session response: %w", err)
	}
	c.mu.Lock()
	c.token = session.Token
	c.mu.Unlock()
	return nil
}

// makeRequest performs one JSON round-trip. On a 401 it refreshes the session
// token and retries exactly once.
func (c *Client) makeRequest(ctx context.Context, method, endpoint string, body, response any) error {
	err := c.doRequest(ctx, method, endpoint, body, response)
	var apiErr *APIError
	if err != nil && errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
		log.Printf("broker middleware returned 401, refreshing session and retrying")
		if authErr := c.authenticate(ctx); authErr != nil {
			return fmt.Errorf("refresh session: %w", authErr)
		}
		return c.doRequest(ctx, method, endpoint, body, response)
	}
	return err
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, body, response any) error {
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
	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}
	req.Header.Add("Accept", "application/json")
	c.mu.Lock()
	if c.token != "" {
		req.Header.Add("Authorization", "Bearer "+c.token)
	}
	c.mu.Unlock()

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("Failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if readErr != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s", method, endpoint, string(raw))}
	}
	if resp.StatusCode == http.StatusNoContent || response == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, endpoint, err)
	}
	return nil
}
