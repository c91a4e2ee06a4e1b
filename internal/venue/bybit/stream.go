package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"hedge-systemv1/internal/model"
	"hedge-systemv1/pkg/fixedpoint"

	"github.com/gorilla/websocket"
)

const (
	defaultWSBase     = "wss://stream.bybit.com/v5/private"
	heartbeatInterval = 20 * time.Second
	reconnectDelay    = 5 * time.Second
)

// Stream connects to the private order stream and pushes normalized events
// into the Events channel. Reconnects with a fixed delay until ctx is
// cancelled; resubscribes after every reconnect.
func (c *Client) Stream(ctx context.Context) {
	for {
		if err := c.streamOnce(ctx); err != nil {
			log.Printf("[bybit-ws] stream error: %v", err)
		}
		select {
		case <-ctx.Done():
			close(c.events)
			return
		case <-time.After(reconnectDelay):
			if c.OnReconnect != nil {
				c.OnReconnect()
			}
		}
	}
}

func (c *Client) streamOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.WSBase, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := c.authenticate(conn); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := conn.WriteJSON(map[string]any{"op": "subscribe", "args": []string{"order"}}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	log.Printf("[bybit-ws] connected, subscribed to order stream")

	// Heartbeat per the v5 contract: send op=ping every 20s.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteJSON(map[string]any{"op": "ping"}); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		c.handleMessage(data)
	}
}

// authenticate signs expires with the API secret per the v5 private stream
// contract: HMAC-SHA256 over "GET/realtime{expires}".
func (c *Client) authenticate(conn *websocket.Conn) error {
	expires := time.Now().Add(10 * time.Second).UnixMilli()
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte("GET/realtime" + strconv.FormatInt(expires, 10)))
	sig := hex.EncodeToString(mac.Sum(nil))

	return conn.WriteJSON(map[string]any{
		"op":   "auth",
		"args": []any{c.cfg.APIKey, expires, sig},
	})
}

type wsOrderMessage struct {
	Topic string `json:"topic"`
	Data  []struct {
		OrderID     string `json:"orderId"`
		OrderStatus string `json:"orderStatus"`
		CumExecQty  string `json:"cumExecQty"`
		CumExecFee  string `json:"cumExecFee"` // base asset on spot
		AvgPrice    string `json:"avgPrice"`
		RejectMsg   string `json:"rejectReason"`
	} `json:"data"`
}

func (c *Client) handleMessage(data []byte) {
	var msg wsOrderMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Topic != "order" {
		return // op acks, pongs, other topics
	}

	for _, d := range msg.Data {
		evType, ok := mapEventType(d.OrderStatus)
		if !ok {
			log.Printf("[bybit-ws] unmapped order status %q for %s", d.OrderStatus, d.OrderID)
			continue
		}

		qty, _ := fixedpoint.ParseSats(d.CumExecQty)
		fee, _ := fixedpoint.ParseSats(d.CumExecFee)
		avg, _ := fixedpoint.ParseCents(d.AvgPrice)

		ev := model.OrderEvent{
			Venue:        model.VenueBybit,
			OrderID:      d.OrderID,
			ReceivedTime: time.Now(),
			Type:         evType,
			CumFilledQty: qty,
			CumFee:       fee,
			AvgPrice:     avg,
			RawStatus:    d.OrderStatus,
			RejectReason: d.RejectMsg,
		}

		select {
		case c.events <- ev:
		default:
			// Dropping an order event is never acceptable; block instead.
			log.Printf("[bybit-ws] events channel full, blocking on %s", d.OrderID)
			c.events <- ev
		}
	}
}

// mapEventType normalizes a stream order status to an event type.
func mapEventType(raw string) (model.EventType, bool) {
	switch raw {
	case "New", "Untriggered":
		return model.EventPlaced, true
	case "PartiallyFilled":
		return model.EventPartiallyFilled, true
	case "Filled":
		return model.EventFilled, true
	case "Rejected":
		return model.EventRejected, true
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return model.EventCancelled, true
	default:
		return "", false
	}
}
