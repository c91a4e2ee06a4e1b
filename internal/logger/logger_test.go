package logger

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestInit(t *testing.T) {
	logger := Init("test-service", slog.LevelInfo)
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestTradeID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	// No trade ID set
	if tid := TradeID(ctx); tid != "" {
		t.Errorf("expected empty trade id, got %q", tid)
	}

	// Set and retrieve
	ctx = WithTradeID(ctx, "hedge-btc-123")
	if tid := TradeID(ctx); tid != "hedge-btc-123" {
		t.Errorf("expected 'hedge-btc-123', got %q", tid)
	}
}

func TestGenerateTradeID(t *testing.T) {
	ts := time.Date(2024, 1, 15, 10, 30, 0, 123456789, time.UTC)
	tid := GenerateTradeID("BTC", ts)

	if tid == "" {
		t.Fatal("expected non-empty trade id")
	}
	if !strings.HasPrefix(tid, "hedge-btc-") {
		t.Errorf("expected trade id to start with 'hedge-btc-', got %s", tid)
	}
	// Verify it contains the nano timestamp
	if !strings.Contains(tid, "123456789") {
		t.Errorf("expected trade id to contain nanoseconds, got %s", tid)
	}
}

func TestLogWithTrade(t *testing.T) {
	ctx := context.Background()

	// No trade ID
	attrs := LogWithTrade(ctx)
	if attrs != nil {
		t.Errorf("expected nil attrs when no trade id, got %v", attrs)
	}

	// With trade ID
	ctx = WithTradeID(ctx, "hedge-eth-42")
	attrs = LogWithTrade(ctx)
	if len(attrs) == 0 {
		t.Fatal("expected non-empty attrs with trade id set")
	}
}
