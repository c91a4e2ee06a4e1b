package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"hedge-systemv1/internal/model"
)

type stubVenue struct {
	name model.Venue
	ltp  int64
	err  error
}

func (s *stubVenue) Name() model.Venue { return s.name }
func (s *stubVenue) PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	return "", errors.New("not implemented")
}
func (s *stubVenue) CancelOrder(ctx context.Context, orderID string) error {
	return errors.New("not implemented")
}
func (s *stubVenue) QueryStatus(ctx context.Context, orderID string) (model.LegStatus, error) {
	return model.LegPendingPlacement, errors.New("not implemented")
}
func (s *stubVenue) Events() <-chan model.OrderEvent { return nil }
func (s *stubVenue) LastTradedPrice(ctx context.Context, symbol string) (int64, time.Time, error) {
	if s.err != nil {
		return 0, time.Time{}, s.err
	}
	return s.ltp, time.Now(), nil
}

type stubCache struct {
	prices map[string]model.VenuePrice
	sets   int
}

func key(v model.Venue, sym string) string { return string(v) + ":" + sym }

func (c *stubCache) SetLatestPrice(venue model.Venue, symbol string, p model.VenuePrice) {
	if c.prices == nil {
		c.prices = make(map[string]model.VenuePrice)
	}
	c.prices[key(venue, symbol)] = p
	c.sets++
}

func (c *stubCache) GetLatestPrice(ctx context.Context, venue model.Venue, symbol string) (model.VenuePrice, error) {
	p, ok := c.prices[key(venue, symbol)]
	if !ok {
		return model.VenuePrice{}, errors.New("not cached")
	}
	return p, nil
}

func TestGetPriceComputesSpread(t *testing.T) {
	bybit := &stubVenue{name: model.VenueBybit, ltp: 4566880}
	coindcx := &stubVenue{name: model.VenueCoinDCX, ltp: 4576010} // ~0.2% apart
	cache := &stubCache{}
	o := New(bybit, coindcx, cache, Config{})

	q, err := o.GetPrice(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if q.Bybit.LastPrice != 4566880 || q.CoinDCX.LastPrice != 4576010 {
		t.Errorf("quote = %+v", q)
	}
	if q.SpreadBps != 19 { // 9130 * 10000 / 4566880 = 19 (truncated)
		t.Errorf("spread = %d bps, want 19", q.SpreadBps)
	}
	if cache.sets != 2 {
		t.Errorf("cache sets = %d, want 2", cache.sets)
	}
}

func TestGetPriceMemoizesWithinFreshWindow(t *testing.T) {
	bybit := &stubVenue{name: model.VenueBybit, ltp: 100000}
	coindcx := &stubVenue{name: model.VenueCoinDCX, ltp: 100000}
	o := New(bybit, coindcx, nil, Config{FreshWindow: 10 * time.Second})

	q1, err := o.GetPrice(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("first get: %v", err)
	}

	// Venue moved, but the memoized quote is still fresh.
	bybit.ltp = 200000
	q2, err := o.GetPrice(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if q2.Bybit.LastPrice != q1.Bybit.LastPrice {
		t.Errorf("expected memoized price %d, got %d", q1.Bybit.LastPrice, q2.Bybit.LastPrice)
	}

	// Invalidate forces a live refetch.
	o.Invalidate("BTC")
	q3, err := o.GetPrice(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("third get: %v", err)
	}
	if q3.Bybit.LastPrice != 200000 {
		t.Errorf("expected refetched price 200000, got %d", q3.Bybit.LastPrice)
	}
}

func TestGetPriceFallsBackToCache(t *testing.T) {
	bybit := &stubVenue{name: model.VenueBybit, err: errors.New("connection refused")}
	coindcx := &stubVenue{name: model.VenueCoinDCX, ltp: 4576010}
	cache := &stubCache{prices: map[string]model.VenuePrice{
		key(model.VenueBybit, "BTC"): {LastPrice: 4566880, Timestamp: time.Now().Add(-30 * time.Second)},
	}}
	o := New(bybit, coindcx, cache, Config{StaleWindow: 60 * time.Second})

	q, err := o.GetPrice(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if q.Bybit.LastPrice != 4566880 {
		t.Errorf("expected cached bybit price, got %d", q.Bybit.LastPrice)
	}
}

func TestGetPriceRejectsStaleCache(t *testing.T) {
	bybit := &stubVenue{name: model.VenueBybit, err: errors.New("connection refused")}
	coindcx := &stubVenue{name: model.VenueCoinDCX, ltp: 4576010}
	cache := &stubCache{prices: map[string]model.VenuePrice{
		key(model.VenueBybit, "BTC"): {LastPrice: 4566880, Timestamp: time.Now().Add(-5 * time.Minute)},
	}}
	o := New(bybit, coindcx, cache, Config{StaleWindow: 60 * time.Second})

	_, err := o.GetPrice(context.Background(), "BTC")
	if !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}
}

func TestGetPriceUnknownSymbol(t *testing.T) {
	o := New(&stubVenue{name: model.VenueBybit}, &stubVenue{name: model.VenueCoinDCX}, nil, Config{})
	if _, err := o.GetPrice(context.Background(), "DOGE"); err == nil {
		t.Fatal("expected error for unsupported symbol")
	}
}
