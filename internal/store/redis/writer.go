// Package redis mirrors order events to Redis Streams and caches venue
// prices for the oracle. Redis is a secondary store here: SQLite is
// authoritative, so every write in this package is best-effort and routed
// through a circuit breaker.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"hedge-systemv1/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	// Stream trimming: roughly a day of chunk executions with headroom.
	eventStreamMaxLen = 50000

	defaultPriceTTL  = 5 * time.Minute
	defaultLatestTTL = 30 * time.Minute
)

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Writer mirrors order events and prices to Redis.
type Writer struct {
	client *goredis.Client
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a new Redis Writer and pings the server.
func New(cfg WriterConfig) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Writer{client: client}, nil
}

// MirrorEvent mirrors an order event to the venue's stream and refreshes the
// per-order latest key in one pipeline. XADD + SET + PUBLISH, one roundtrip.
func (w *Writer) MirrorEvent(ctx context.Context, ev model.OrderEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis marshal event: %w", err)
	}
	jsonData := string(data)

	streamKey := "events:" + string(ev.Venue)
	latestKey := "order:" + string(ev.Venue) + ":" + ev.OrderID + ":latest"
	pubsubCh := "pub:events:" + string(ev.Venue)

	pipe := w.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: streamKey,
		MaxLen: eventStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": jsonData},
	})
	pipe.Set(ctx, latestKey, jsonData, defaultLatestTTL)
	pipe.Publish(ctx, pubsubCh, jsonData)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis mirror event %s/%s: %w", ev.Venue, ev.OrderID, err)
	}
	return nil
}

// SetLatestPrice caches a venue's last traded price. The TTL bounds how
// stale a cached price can ever be served.
func (w *Writer) SetLatestPrice(ctx context.Context, venue model.Venue, symbol string, p model.VenuePrice) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("redis marshal price: %w", err)
	}
	key := "price:" + string(venue) + ":" + symbol
	if err := w.client.Set(ctx, key, string(data), defaultPriceTTL).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// PublishTradeStatus announces trade lifecycle transitions for dashboards.
func (w *Writer) PublishTradeStatus(ctx context.Context, tr *model.Trade) {
	data, err := json.Marshal(tr)
	if err != nil {
		return
	}
	if err := w.client.Publish(ctx, "pub:trades", string(data)).Err(); err != nil {
		log.Printf("[redis] publish trade %s: %v", tr.TradeID, err)
	}
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
