// Package oracle serves last-traded prices for both venues with bounded
// staleness. Live venue lookups are memoized for a short fresh window;
// when a venue is unreachable the oracle falls back to the Redis price
// cache, but never serves anything older than the stale window.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"hedge-systemv1/internal/model"
)

// ErrStalePrice is returned when no price within the stale window is
// available from any source. Callers must not trade on it.
var ErrStalePrice = errors.New("oracle: no price within staleness bound")

// PriceCache is the secondary price store consulted when a venue is down.
type PriceCache interface {
	SetLatestPrice(venue model.Venue, symbol string, p model.VenuePrice)
	GetLatestPrice(ctx context.Context, venue model.Venue, symbol string) (model.VenuePrice, error)
}

// Config bounds how old a served price may be.
type Config struct {
	FreshWindow time.Duration // memoized quotes younger than this are served as-is
	StaleWindow time.Duration // absolute ceiling for any served price
}

// Oracle implements model.PriceOracle over two venue clients and a cache.
type Oracle struct {
	bybit   model.VenueClient
	coindcx model.VenueClient
	cache   PriceCache
	cfg     Config

	// OnQuote is called with every freshly computed quote (metrics).
	OnQuote func(model.PriceQuote)

	mu   sync.Mutex
	memo map[string]memoEntry

	now func() time.Time
}

type memoEntry struct {
	quote     model.PriceQuote
	fetchedAt time.Time
}

// New creates an Oracle. cache may be nil (no fallback).
func New(bybit, coindcx model.VenueClient, cache PriceCache, cfg Config) *Oracle {
	if cfg.FreshWindow <= 0 {
		cfg.FreshWindow = 10 * time.Second
	}
	if cfg.StaleWindow <= 0 {
		cfg.StaleWindow = 60 * time.Second
	}
	return &Oracle{
		bybit:   bybit,
		coindcx: coindcx,
		cache:   cache,
		cfg:     cfg,
		memo:    make(map[string]memoEntry),
		now:     time.Now,
	}
}

// GetPrice returns both venues' last traded prices and the spread between
// them. A memoized quote younger than the fresh window is returned without
// touching the venues.
func (o *Oracle) GetPrice(ctx context.Context, symbol string) (model.PriceQuote, error) {
	spec, err := model.LookupSymbol(symbol)
	if err != nil {
		return model.PriceQuote{}, err
	}

	o.mu.Lock()
	if m, ok := o.memo[symbol]; ok && o.now().Sub(m.fetchedAt) < o.cfg.FreshWindow {
		o.mu.Unlock()
		return m.quote, nil
	}
	o.mu.Unlock()

	bp, err := o.venuePrice(ctx, o.bybit, spec.BybitSymbol, symbol)
	if err != nil {
		return model.PriceQuote{}, fmt.Errorf("bybit price: %w", err)
	}
	cp, err := o.venuePrice(ctx, o.coindcx, spec.CoinDCXSymbol, symbol)
	if err != nil {
		return model.PriceQuote{}, fmt.Errorf("coindcx price: %w", err)
	}

	quote := model.PriceQuote{
		Symbol:    symbol,
		Bybit:     bp,
		CoinDCX:   cp,
		SpreadBps: model.SpreadBps(bp.LastPrice, cp.LastPrice),
	}

	o.mu.Lock()
	o.memo[symbol] = memoEntry{quote: quote, fetchedAt: o.now()}
	o.mu.Unlock()

	if o.OnQuote != nil {
		o.OnQuote(quote)
	}
	return quote, nil
}

// venuePrice fetches a live LTP, caching it on success and falling back to
// the Redis cache when the venue is unreachable.
func (o *Oracle) venuePrice(ctx context.Context, client model.VenueClient, venueSymbol, symbol string) (model.VenuePrice, error) {
	price, ts, err := client.LastTradedPrice(ctx, venueSymbol)
	if err == nil {
		p := model.VenuePrice{LastPrice: price, Timestamp: ts}
		if o.cache != nil {
			o.cache.SetLatestPrice(client.Name(), symbol, p)
		}
		return p, nil
	}

	if o.cache == nil {
		return model.VenuePrice{}, err
	}

	cached, cerr := o.cache.GetLatestPrice(ctx, client.Name(), symbol)
	if cerr != nil {
		return model.VenuePrice{}, err
	}
	age := o.now().Sub(cached.Timestamp)
	if age > o.cfg.StaleWindow {
		return model.VenuePrice{}, fmt.Errorf("%w: %s cache is %s old", ErrStalePrice, client.Name(), age.Round(time.Second))
	}
	log.Printf("[oracle] %s unreachable, serving cached %s price (%s old): %v", client.Name(), symbol, age.Round(time.Second), err)
	return cached, nil
}

// Invalidate drops the memoized quote so the next GetPrice hits the venues.
// The coordinator calls it before each chunk's spread re-check.
func (o *Oracle) Invalidate(symbol string) {
	o.mu.Lock()
	delete(o.memo, symbol)
	o.mu.Unlock()
}
