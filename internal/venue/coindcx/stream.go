package coindcx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"hedge-systemv1/internal/model"
	"hedge-systemv1/pkg/fixedpoint"

	"github.com/gorilla/websocket"
)

const (
	defaultWSBase     = "wss://stream.coindcx.com"
	heartbeatInterval = 25 * time.Second
	reconnectDelay    = 5 * time.Second
)

// Stream connects to the private order-update channel and pushes normalized
// events into the Events channel. Reconnects until ctx is cancelled.
func (c *Client) Stream(ctx context.Context) {
	for {
		if err := c.streamOnce(ctx); err != nil {
			log.Printf("[coindcx-ws] stream error: %v", err)
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

	// Channel join is authenticated by signing the channel name.
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(`{"channel":"coindcx"}`))
	join := map[string]any{
		"event":     "join",
		"channel":   "coindcx",
		"api_key":   c.cfg.APIKey,
		"signature": hex.EncodeToString(mac.Sum(nil)),
	}
	if err := conn.WriteJSON(join); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	log.Printf("[coindcx-ws] connected, joined order-update channel")

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
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
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

type wsOrderUpdate struct {
	Event string `json:"event"`
	Data  struct {
		ID           string `json:"id"`
		Status       string `json:"status"`
		TotalFilled  string `json:"filled_quantity"`
		AvgPrice     string `json:"avg_price"`
		FeeAmount    string `json:"fee_amount"` // quote asset
		CancelReason string `json:"cancel_reason"`
	} `json:"data"`
}

func (c *Client) handleMessage(data []byte) {
	var msg wsOrderUpdate
	if err := json.Unmarshal(data, &msg); err != nil || msg.Event != "order-update" {
		return
	}

	evType, ok := mapEventType(msg.Data.Status)
	if !ok {
		log.Printf("[coindcx-ws] unmapped order status %q for %s", msg.Data.Status, msg.Data.ID)
		return
	}

	qty, _ := fixedpoint.ParseSats(msg.Data.TotalFilled)
	avg, _ := fixedpoint.ParseCents(msg.Data.AvgPrice)
	fee, _ := fixedpoint.ParseCents(msg.Data.FeeAmount)

	ev := model.OrderEvent{
		Venue:        model.VenueCoinDCX,
		OrderID:      msg.Data.ID,
		ReceivedTime: time.Now(),
		Type:         evType,
		CumFilledQty: qty,
		CumFee:       fee,
		AvgPrice:     avg,
		RawStatus:    msg.Data.Status,
		RejectReason: msg.Data.CancelReason,
	}

	select {
	case c.events <- ev:
	default:
		log.Printf("[coindcx-ws] events channel full, blocking on %s", msg.Data.ID)
		c.events <- ev
	}
}

// mapEventType normalizes a stream order status to an event type.
func mapEventType(raw string) (model.EventType, bool) {
	switch raw {
	case "open", "init", "untriggered":
		return model.EventPlaced, true
	case "partially_filled", "partial_entry":
		return model.EventPartiallyFilled, true
	case "filled", "closed":
		return model.EventFilled, true
	case "rejected":
		return model.EventRejected, true
	case "cancelled", "partially_cancelled":
		return model.EventCancelled, true
	default:
		return "", false
	}
}
