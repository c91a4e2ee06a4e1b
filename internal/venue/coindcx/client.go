// Package coindcx implements the futures-side venue client against the
// CoinDCX derivatives API. Fees here are charged in the quote asset, so the
// received base quantity is exactly what was ordered.
package coindcx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"hedge-systemv1/internal/model"
	"hedge-systemv1/pkg/fixedpoint"
)

const defaultRESTBase = "https://api.coindcx.com"

// Config configures the CoinDCX client.
type Config struct {
	APIKey    string
	APISecret string
	RESTBase  string // override for testing
	WSBase    string // override for testing
}

// Client is the CoinDCX derivatives trading client.
type Client struct {
	cfg        Config
	httpClient *http.Client
	events     chan model.OrderEvent

	// Optional metrics hook
	OnReconnect func()
}

// New creates a CoinDCX client. Call Stream to start the order event feed.
func New(cfg Config) *Client {
	if cfg.RESTBase == "" {
		cfg.RESTBase = defaultRESTBase
	}
	if cfg.WSBase == "" {
		cfg.WSBase = defaultWSBase
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		events:     make(chan model.OrderEvent, 256),
	}
}

// Name identifies the venue.
func (c *Client) Name() model.Venue { return model.VenueCoinDCX }

// Events yields normalized order events from the stream.
func (c *Client) Events() <-chan model.OrderEvent { return c.events }

// post signs the JSON body with HMAC-SHA256 and sends it with the auth
// headers the exchange expects. Every authenticated call is a POST here.
func (c *Client) post(ctx context.Context, path string, body map[string]any) ([]byte, int, error) {
	body["timestamp"] = time.Now().UnixMilli()
	data, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("coindcx marshal: %w", err)
	}

	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write(data)
	sig := hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RESTBase+path, bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("coindcx request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-AUTH-APIKEY", c.cfg.APIKey)
	req.Header.Set("X-AUTH-SIGNATURE", sig)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("coindcx POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("coindcx read response: %w", err)
	}
	return respData, resp.StatusCode, nil
}

type errorResponse struct {
	Message string `json:"message"`
}

// PlaceOrder submits a futures order and returns the exchange order ID.
func (c *Client) PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	order := map[string]any{
		"pair":           req.Symbol,
		"side":           string(req.Side),
		"order_type":     dcxOrderType(req.Type),
		"total_quantity": fixedpoint.FormatSats(req.Quantity),
	}
	if req.Type == model.OrderTypeLimit {
		order["price"] = fixedpoint.FormatCents(req.Price)
		order["post_only"] = req.PostOnly
	}

	data, status, err := c.post(ctx, "/exchange/v1/derivatives/futures/orders/create", map[string]any{"order": order})
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		var e errorResponse
		json.Unmarshal(data, &e)
		return "", &model.RejectionError{
			Venue:    model.VenueCoinDCX,
			Reason:   fmt.Sprintf("HTTP %d: %s", status, e.Message),
			PostOnly: isPostOnlyReason(e.Message),
		}
	}

	var result []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &result); err != nil || len(result) == 0 {
		return "", fmt.Errorf("coindcx decode create response: %s", string(data))
	}
	return result[0].ID, nil
}

// CancelOrder cancels a resting order. An order the exchange no longer
// knows maps to ErrOrderNotFound, which is ambiguous by contract.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	data, status, err := c.post(ctx, "/exchange/v1/derivatives/futures/orders/cancel", map[string]any{"id": orderID})
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusNotFound:
		return fmt.Errorf("coindcx cancel %s: %w", orderID, model.ErrOrderNotFound)
	default:
		var e errorResponse
		json.Unmarshal(data, &e)
		if strings.Contains(strings.ToLower(e.Message), "not found") {
			return fmt.Errorf("coindcx cancel %s: %w", orderID, model.ErrOrderNotFound)
		}
		return fmt.Errorf("coindcx cancel %s: HTTP %d: %s", orderID, status, e.Message)
	}
}

// QueryStatus fetches the exchange's current view of an order.
func (c *Client) QueryStatus(ctx context.Context, orderID string) (model.LegStatus, error) {
	data, status, err := c.post(ctx, "/exchange/v1/derivatives/futures/orders", map[string]any{"id": orderID})
	if err != nil {
		return model.LegPendingPlacement, err
	}
	if status == http.StatusNotFound {
		return model.LegPendingPlacement, fmt.Errorf("coindcx query %s: %w", orderID, model.ErrOrderNotFound)
	}
	if status != http.StatusOK {
		var e errorResponse
		json.Unmarshal(data, &e)
		return model.LegPendingPlacement, fmt.Errorf("coindcx query %s: HTTP %d: %s", orderID, status, e.Message)
	}

	var result []struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &result); err != nil || len(result) == 0 {
		return model.LegPendingPlacement, fmt.Errorf("coindcx decode order response: %s", string(data))
	}
	st, ok := mapOrderStatus(result[0].Status)
	if !ok {
		return model.LegPendingPlacement, fmt.Errorf("coindcx query %s: unknown status %q", orderID, result[0].Status)
	}
	return st, nil
}

// LastTradedPrice returns the futures LTP for a venue pair.
func (c *Client) LastTradedPrice(ctx context.Context, symbol string) (int64, time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.RESTBase+"/exchange/v1/derivatives/futures/data/trades?pair="+symbol+"&limit=1", nil)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("coindcx request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("coindcx trades %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	var trades []struct {
		Price string `json:"p"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&trades); err != nil {
		return 0, time.Time{}, fmt.Errorf("coindcx decode trades: %w", err)
	}
	if len(trades) == 0 {
		return 0, time.Time{}, fmt.Errorf("coindcx trades: no data for %s", symbol)
	}
	price, err := fixedpoint.ParseCents(trades[0].Price)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("coindcx parse ltp %q: %w", trades[0].Price, err)
	}
	return price, time.Now(), nil
}

func dcxOrderType(t model.OrderType) string {
	if t == model.OrderTypeMarket {
		return "market_order"
	}
	return "limit_order"
}

func isPostOnlyReason(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "post only") || strings.Contains(m, "post-only")
}

// mapOrderStatus normalizes CoinDCX futures order statuses.
func mapOrderStatus(raw string) (model.LegStatus, bool) {
	switch raw {
	case "open", "init", "untriggered":
		return model.LegPlaced, true
	case "partially_filled", "partial_entry":
		return model.LegPartiallyFilled, true
	case "filled", "closed":
		return model.LegFilled, true
	case "rejected":
		return model.LegRejected, true
	case "cancelled", "partially_cancelled":
		return model.LegCancelled, true
	default:
		return model.LegPendingPlacement, false
	}
}
