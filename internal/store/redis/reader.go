package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"hedge-systemv1/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// ErrNotCached is returned when a requested key has no cached value.
var ErrNotCached = errors.New("redis: not cached")

// GetLatestPrice returns the cached last traded price for a venue/symbol.
// Returns ErrNotCached when the key is missing or expired.
func (w *Writer) GetLatestPrice(ctx context.Context, venue model.Venue, symbol string) (model.VenuePrice, error) {
	key := "price:" + string(venue) + ":" + symbol
	data, err := w.client.Get(ctx, key).Result()
	if err != nil {
		if err == goredis.Nil {
			return model.VenuePrice{}, ErrNotCached
		}
		return model.VenuePrice{}, fmt.Errorf("redis get %s: %w", key, err)
	}
	var p model.VenuePrice
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return model.VenuePrice{}, fmt.Errorf("redis unmarshal %s: %w", key, err)
	}
	return p, nil
}

// GetLatestEvent returns the most recently mirrored event for an order.
// Returns ErrNotCached when nothing has been mirrored or the key expired;
// the SQLite event tables remain the authoritative history in either case.
func (w *Writer) GetLatestEvent(ctx context.Context, venue model.Venue, orderID string) (model.OrderEvent, error) {
	key := "order:" + string(venue) + ":" + orderID + ":latest"
	data, err := w.client.Get(ctx, key).Result()
	if err != nil {
		if err == goredis.Nil {
			return model.OrderEvent{}, ErrNotCached
		}
		return model.OrderEvent{}, fmt.Errorf("redis get %s: %w", key, err)
	}
	var ev model.OrderEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return model.OrderEvent{}, fmt.Errorf("redis unmarshal %s: %w", key, err)
	}
	return ev, nil
}
