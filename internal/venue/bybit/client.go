// Package bybit implements the spot-side venue client against the Bybit v5
// API. Maker fees on spot are deducted from the received base asset, which
// is why the execution layer treats this venue as the fee-deducting leg.
package bybit

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
	"strconv"
	"time"

	"hedge-systemv1/internal/model"
	"hedge-systemv1/pkg/fixedpoint"
)

const (
	defaultRESTBase = "https://api.bybit.com"
	recvWindow      = "5000"
)

// Bybit v5 retCodes the execution layer cares about.
const (
	retCodeOK            = 0
	retCodeOrderNotFound = 110001
	retCodePostOnlyTaker = 110017
)

// Config configures the Bybit client.
type Config struct {
	APIKey    string
	APISecret string
	RESTBase  string // override for testing
	WSBase    string // override for testing
}

// Client is the Bybit v5 spot trading client.
type Client struct {
	cfg        Config
	httpClient *http.Client
	events     chan model.OrderEvent

	// Optional metrics hook
	OnReconnect func()
}

// New creates a Bybit client. Call Stream to start the order event feed.
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
func (c *Client) Name() model.Venue { return model.VenueBybit }

// Events yields normalized order events from the private stream.
func (c *Client) Events() <-chan model.OrderEvent { return c.events }

type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// sign computes the v5 request signature over ts + key + recvWindow + payload.
func (c *Client) sign(timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(timestamp + c.cfg.APIKey + recvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) do(ctx context.Context, method, path, query string, body any) (*apiResponse, error) {
	var payload string
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("bybit marshal: %w", err)
		}
		payload = string(data)
		reqBody = bytes.NewReader(data)
	} else {
		payload = query
	}

	url := c.cfg.RESTBase + path
	if query != "" {
		url += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("bybit request: %w", err)
	}

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.Header.Set("X-BAPI-API-KEY", c.cfg.APIKey)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", c.sign(ts, payload))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bybit %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("bybit read response: %w", err)
	}

	var api apiResponse
	if err := json.Unmarshal(data, &api); err != nil {
		return nil, fmt.Errorf("bybit decode response (%d): %w", resp.StatusCode, err)
	}
	return &api, nil
}

// PlaceOrder submits a spot order. Limit orders are sent PostOnly when
// requested; a would-be-taker refusal comes back as a recoverable
// *RejectionError.
func (c *Client) PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	params := map[string]any{
		"category":  "spot",
		"symbol":    req.Symbol,
		"side":      bybitSide(req.Side),
		"orderType": bybitOrderType(req.Type),
		"qty":       fixedpoint.FormatSats(req.Quantity),
	}
	if req.Type == model.OrderTypeLimit {
		params["price"] = fixedpoint.FormatCents(req.Price)
		if req.PostOnly {
			params["timeInForce"] = "PostOnly"
		} else {
			params["timeInForce"] = "GTC"
		}
	}

	api, err := c.do(ctx, http.MethodPost, "/v5/order/create", "", params)
	if err != nil {
		return "", err
	}
	if api.RetCode != retCodeOK {
		return "", &model.RejectionError{
			Venue:    model.VenueBybit,
			Reason:   fmt.Sprintf("retCode %d: %s", api.RetCode, api.RetMsg),
			PostOnly: api.RetCode == retCodePostOnlyTaker,
		}
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(api.Result, &result); err != nil {
		return "", fmt.Errorf("bybit decode order result: %w", err)
	}
	return result.OrderID, nil
}

// CancelOrder cancels a resting order. "Order does not exist" maps to
// ErrOrderNotFound, which the caller must treat as ambiguous.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	api, err := c.do(ctx, http.MethodPost, "/v5/order/cancel", "", map[string]any{
		"category": "spot",
		"orderId":  orderID,
	})
	if err != nil {
		return err
	}
	switch api.RetCode {
	case retCodeOK:
		return nil
	case retCodeOrderNotFound:
		return fmt.Errorf("bybit cancel %s: %w", orderID, model.ErrOrderNotFound)
	default:
		return fmt.Errorf("bybit cancel %s: retCode %d: %s", orderID, api.RetCode, api.RetMsg)
	}
}

// QueryStatus fetches the venue's current view of an order.
func (c *Client) QueryStatus(ctx context.Context, orderID string) (model.LegStatus, error) {
	api, err := c.do(ctx, http.MethodGet, "/v5/order/realtime", "category=spot&orderId="+orderID, nil)
	if err != nil {
		return model.LegPendingPlacement, err
	}
	if api.RetCode != retCodeOK {
		return model.LegPendingPlacement, fmt.Errorf("bybit query %s: retCode %d: %s", orderID, api.RetCode, api.RetMsg)
	}

	var result struct {
		List []struct {
			OrderStatus string `json:"orderStatus"`
		} `json:"list"`
	}
	if err := json.Unmarshal(api.Result, &result); err != nil {
		return model.LegPendingPlacement, fmt.Errorf("bybit decode query result: %w", err)
	}
	if len(result.List) == 0 {
		return model.LegPendingPlacement, fmt.Errorf("bybit query %s: %w", orderID, model.ErrOrderNotFound)
	}
	st, ok := mapOrderStatus(result.List[0].OrderStatus)
	if !ok {
		return model.LegPendingPlacement, fmt.Errorf("bybit query %s: unknown status %q", orderID, result.List[0].OrderStatus)
	}
	return st, nil
}

// LastTradedPrice returns the spot LTP for a venue symbol.
func (c *Client) LastTradedPrice(ctx context.Context, symbol string) (int64, time.Time, error) {
	api, err := c.do(ctx, http.MethodGet, "/v5/market/tickers", "category=spot&symbol="+symbol, nil)
	if err != nil {
		return 0, time.Time{}, err
	}
	if api.RetCode != retCodeOK {
		return 0, time.Time{}, fmt.Errorf("bybit tickers %s: retCode %d: %s", symbol, api.RetCode, api.RetMsg)
	}

	var result struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(api.Result, &result); err != nil {
		return 0, time.Time{}, fmt.Errorf("bybit decode tickers: %w", err)
	}
	if len(result.List) == 0 {
		return 0, time.Time{}, fmt.Errorf("bybit tickers: no data for %s", symbol)
	}
	price, err := fixedpoint.ParseCents(result.List[0].LastPrice)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("bybit parse ltp %q: %w", result.List[0].LastPrice, err)
	}
	return price, time.Now(), nil
}

func bybitSide(s model.Side) string {
	if s == model.SideBuy {
		return "Buy"
	}
	return "Sell"
}

func bybitOrderType(t model.OrderType) string {
	if t == model.OrderTypeMarket {
		return "Market"
	}
	return "Limit"
}

// mapOrderStatus normalizes Bybit v5 order statuses.
func mapOrderStatus(raw string) (model.LegStatus, bool) {
	switch raw {
	case "New", "Untriggered":
		return model.LegPlaced, true
	case "PartiallyFilled":
		return model.LegPartiallyFilled, true
	case "Filled":
		return model.LegFilled, true
	case "Rejected":
		return model.LegRejected, true
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return model.LegCancelled, true
	default:
		return model.LegPendingPlacement, false
	}
}
