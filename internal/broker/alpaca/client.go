// Package alpaca implements domain.BrokerClient against the Alpaca trading
// and market data APIs.
package alpaca

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/quantfolio/rebalancer/internal/domain"
)

const (
	// completionPollInterval is how often WaitForCompletion re-queries order
	// status.
	completionPollInterval = 2 * time.Second

	// staleSweepPageSize bounds the open-order listing used by the stale
	// sweep.
	staleSweepPageSize = 500

	// defaultMinNotional is the broker's minimum notional for equity orders.
	// The assets endpoint does not report one for equities.
	defaultMinNotional = 1.0
)

// Config holds the API endpoints and credentials for the broker client.
type Config struct {
	// BaseURL is the trading API root, e.g. "https://paper-api.alpaca.markets".
	BaseURL string

	// DataURL is the market data API root, e.g. "https://data.alpaca.markets".
	DataURL string

	// StreamURL is the trade-updates WebSocket endpoint,
	// e.g. "wss://paper-api.alpaca.markets/stream".
	StreamURL string

	// APIKey and APISecret authenticate every request.
	APIKey    string
	APISecret string
}

// Client is the REST client for the broker's trading and data APIs.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a broker client from the given configuration.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("alpaca: base URL is required")
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("alpaca: api key and secret are required")
	}
	if cfg.DataURL == "" {
		cfg.DataURL = cfg.BaseURL
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With(slog.String("component", "alpaca")),
	}, nil
}

// PlaceOrder submits an order and returns the broker-assigned order id.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	body := map[string]any{
		"symbol":        req.Symbol,
		"side":          string(req.Side),
		"type":          string(req.Kind),
		"time_in_force": "day",
	}
	if req.Notional > 0 {
		body["notional"] = formatQty(req.Notional)
	} else {
		body["qty"] = formatQty(req.Qty)
	}
	if req.Kind == domain.OrderKindLimit {
		body["limit_price"] = formatQty(req.LimitPrice)
	}

	respBody, err := c.do(ctx, http.MethodPost, c.cfg.BaseURL, "/v2/orders", body)
	if err != nil {
		return "", fmt.Errorf("alpaca: place order %s %s: %w", req.Side, req.Symbol, err)
	}

	var order apiOrder
	if err := json.Unmarshal(respBody, &order); err != nil {
		return "", fmt.Errorf("alpaca: decode order response: %w", err)
	}
	return order.ID, nil
}

// ReplaceOrder re-prices a resting limit order. The broker cancels the
// original and returns a replacement with a new id.
func (c *Client) ReplaceOrder(ctx context.Context, orderID string, limitPrice float64) (string, error) {
	body := map[string]any{
		"limit_price": formatQty(limitPrice),
	}

	respBody, err := c.do(ctx, http.MethodPatch, c.cfg.BaseURL, "/v2/orders/"+orderID, body)
	if err != nil {
		return "", fmt.Errorf("alpaca: replace order %s: %w", orderID, err)
	}

	var order apiOrder
	if err := json.Unmarshal(respBody, &order); err != nil {
		return "", fmt.Errorf("alpaca: decode replace response: %w", err)
	}
	return order.ID, nil
}

// CancelOrder cancels a single open order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	_, err := c.do(ctx, http.MethodDelete, c.cfg.BaseURL, "/v2/orders/"+orderID, nil)
	if err != nil {
		return fmt.Errorf("alpaca: cancel order %s: %w", orderID, err)
	}
	return nil
}

// GetOrderStatus returns the broker's current view of an order.
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (domain.OrderStatus, error) {
	respBody, err := c.do(ctx, http.MethodGet, c.cfg.BaseURL, "/v2/orders/"+orderID, nil)
	if err != nil {
		return domain.OrderStatus{}, fmt.Errorf("alpaca: get order %s: %w", orderID, err)
	}

	var order apiOrder
	if err := json.Unmarshal(respBody, &order); err != nil {
		return domain.OrderStatus{}, fmt.Errorf("alpaca: decode order: %w", err)
	}
	return order.toOrderStatus(), nil
}

// WaitForCompletion polls until every order reaches a terminal status or
// maxWait elapses. Running out of time is not an error; orders still open
// are simply left for the caller to inspect.
func (c *Client) WaitForCompletion(ctx context.Context, orderIDs []string, maxWait time.Duration) error {
	if len(orderIDs) == 0 {
		return nil
	}

	pending := make(map[string]bool, len(orderIDs))
	for _, id := range orderIDs {
		pending[id] = true
	}

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(completionPollInterval)
	defer ticker.Stop()

	for {
		for id := range pending {
			status, err := c.GetOrderStatus(ctx, id)
			if err != nil {
				c.logger.WarnContext(ctx, "order status poll failed",
					slog.String("order_id", id),
					slog.String("error", err.Error()),
				)
				continue
			}
			if domain.TerminalBrokerStatus(status.Status) {
				delete(pending, id)
			}
		}
		if len(pending) == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case <-ticker.C:
		}
	}
}

// GetQuote returns the latest best bid/ask for a symbol from the market data
// API.
func (c *Client) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	path := fmt.Sprintf("/v2/stocks/%s/quotes/latest", symbol)
	respBody, err := c.do(ctx, http.MethodGet, c.cfg.DataURL, path, nil)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("alpaca: get quote %s: %w", symbol, err)
	}

	var resp struct {
		Quote apiQuote `json:"quote"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return domain.Quote{}, fmt.Errorf("alpaca: decode quote: %w", err)
	}
	return domain.Quote{
		Symbol: symbol,
		Bid:    resp.Quote.BidPrice,
		Ask:    resp.Quote.AskPrice,
		At:     resp.Quote.Timestamp,
	}, nil
}

// GetAccount returns the account snapshot.
func (c *Client) GetAccount(ctx context.Context) (domain.Account, error) {
	respBody, err := c.do(ctx, http.MethodGet, c.cfg.BaseURL, "/v2/account", nil)
	if err != nil {
		return domain.Account{}, fmt.Errorf("alpaca: get account: %w", err)
	}

	var acct apiAccount
	if err := json.Unmarshal(respBody, &acct); err != nil {
		return domain.Account{}, fmt.Errorf("alpaca: decode account: %w", err)
	}
	return acct.toAccount(), nil
}

// GetPositions returns all current holdings.
func (c *Client) GetPositions(ctx context.Context) ([]domain.Position, error) {
	respBody, err := c.do(ctx, http.MethodGet, c.cfg.BaseURL, "/v2/positions", nil)
	if err != nil {
		return nil, fmt.Errorf("alpaca: get positions: %w", err)
	}

	var apiPositions []apiPosition
	if err := json.Unmarshal(respBody, &apiPositions); err != nil {
		return nil, fmt.Errorf("alpaca: decode positions: %w", err)
	}

	positions := make([]domain.Position, 0, len(apiPositions))
	for _, p := range apiPositions {
		positions = append(positions, p.toPosition())
	}
	return positions, nil
}

// GetAsset returns instrument constraints for a symbol.
func (c *Client) GetAsset(ctx context.Context, symbol string) (domain.Asset, error) {
	respBody, err := c.do(ctx, http.MethodGet, c.cfg.BaseURL, "/v2/assets/"+symbol, nil)
	if err != nil {
		return domain.Asset{}, fmt.Errorf("alpaca: get asset %s: %w", symbol, err)
	}

	var asset apiAsset
	if err := json.Unmarshal(respBody, &asset); err != nil {
		return domain.Asset{}, fmt.Errorf("alpaca: decode asset: %w", err)
	}

	minNotional := parseFloat(asset.MinOrderSize)
	if minNotional <= 0 {
		minNotional = defaultMinNotional
	}
	return domain.Asset{
		Symbol:       asset.Symbol,
		Fractionable: asset.Fractionable,
		MinNotional:  minNotional,
	}, nil
}

// CancelStaleOrders lists open orders and cancels every one submitted more
// than maxAge ago. Individual cancel failures are collected rather than
// aborting the sweep.
func (c *Client) CancelStaleOrders(ctx context.Context, maxAge time.Duration) (domain.CancelStaleResult, error) {
	path := "/v2/orders?status=open&limit=" + strconv.Itoa(staleSweepPageSize)
	respBody, err := c.do(ctx, http.MethodGet, c.cfg.BaseURL, path, nil)
	if err != nil {
		return domain.CancelStaleResult{}, fmt.Errorf("alpaca: list open orders: %w", err)
	}

	var orders []apiOrder
	if err := json.Unmarshal(respBody, &orders); err != nil {
		return domain.CancelStaleResult{}, fmt.Errorf("alpaca: decode open orders: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	var result domain.CancelStaleResult
	for _, o := range orders {
		if !o.SubmittedAt.Before(cutoff) {
			continue
		}
		if err := c.CancelOrder(ctx, o.ID); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", o.ID, err))
			continue
		}
		result.CancelledCount++
		c.logger.InfoContext(ctx, "cancelled stale order",
			slog.String("order_id", o.ID),
			slog.String("symbol", o.Symbol),
			slog.Time("submitted_at", o.SubmittedAt),
		)
	}
	return result, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// do builds, authenticates, sends, and reads one HTTP request. It returns
// the raw response body.
func (c *Client) do(ctx context.Context, method, base, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("APCA-API-KEY-ID", c.cfg.APIKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.cfg.APISecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch {
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case statusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", domain.ErrInvalidOrder, bodyStr)
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	case statusCode >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrBrokerUnavailable, statusCode, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}

// Compile-time interface check.
var _ domain.BrokerClient = (*Client)(nil)
