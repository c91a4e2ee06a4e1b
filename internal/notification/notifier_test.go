package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWebhookSendCarriesTradeID(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	err := n.Send(context.Background(), Alert{
		Level:   AlertCritical,
		TradeID: "hedge_eth_1",
		Title:   "Fee reconciliation failed",
		Message: "buy-back not filled",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if got["trade_id"] != "hedge_eth_1" {
		t.Errorf("trade_id = %v, want hedge_eth_1", got["trade_id"])
	}
	if got["source"] != "hedged" {
		t.Errorf("source = %v, want hedged", got["source"])
	}
	if got["level"] != "CRITICAL" {
		t.Errorf("level = %v, want CRITICAL", got["level"])
	}
}

func TestWebhookSendRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	err := n.Send(context.Background(), Alert{Level: AlertInfo, Title: "t", Message: "m"})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("send = %v, want status 502 error", err)
	}
}

func TestEscapeMarkdown(t *testing.T) {
	got := escapeMarkdown("trade hedge_eth_1 (chunk 2/3)")
	want := `trade hedge\_eth\_1 \(chunk 2/3\)`
	if got != want {
		t.Errorf("escaped = %q, want %q", got, want)
	}
}
