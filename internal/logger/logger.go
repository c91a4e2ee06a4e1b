// Package logger provides structured logging using Go 1.21's log/slog.
// It sets up a JSON handler with service-level context and provides
// trade ID propagation through context.Context.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

type ctxKey string

const tradeIDKey ctxKey = "trade_id"

// Init creates and returns a structured logger for the given service.
// The logger outputs JSON to stdout with the service name embedded.
func Init(service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)

	// Set as default so log/slog.Info() etc. also use structured output
	slog.SetDefault(logger)

	return logger
}

// WithTradeID stores a trade ID in the context for downstream propagation.
func WithTradeID(ctx context.Context, tradeID string) context.Context {
	return context.WithValue(ctx, tradeIDKey, tradeID)
}

// TradeID extracts the trade ID from context. Returns "" if not set.
func TradeID(ctx context.Context) string {
	if v, ok := ctx.Value(tradeIDKey).(string); ok {
		return v
	}
	return ""
}

// GenerateTradeID creates a trade ID from the symbol and a timestamp.
// Format: "hedge-{symbol}-{unixNano}" — lightweight, no UUID dependency.
func GenerateTradeID(symbol string, ts time.Time) string {
	return fmt.Sprintf("hedge-%s-%d", strings.ToLower(symbol), ts.UnixNano())
}

// LogWithTrade returns slog attributes including the trade ID from context.
// Usage: slog.Info("msg", logger.LogWithTrade(ctx)...)
func LogWithTrade(ctx context.Context) []any {
	tid := TradeID(ctx)
	if tid == "" {
		return nil
	}
	return []any{slog.String("trade_id", tid)}
}
