// Package executor runs one chunk at a time through its order state
// machine: concurrent post-only placement on both venues, fill tracking
// against the append-only event store, and naked-position resolution when
// one side fills and the other does not.
package executor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"hedge-systemv1/internal/eventstore"
	"hedge-systemv1/internal/model"
)

// Config bounds the executor's retry and wait behavior.
type Config struct {
	PlacementAttempts int           // post-only attempts per leg, tick offset grows each time
	PollInterval      time.Duration // event store poll cadence while legs are open
	NakedPolls        int           // grace polls once one side is filled
	NakedPollInterval time.Duration
	MarketFillWait    time.Duration // bound on waiting for a fallback market fill
	MaxChunkWait      time.Duration // overall bound while both legs rest unfilled
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{
		PlacementAttempts: 3,
		PollInterval:      500 * time.Millisecond,
		NakedPolls:        3,
		NakedPollInterval: 5 * time.Second,
		MarketFillWait:    30 * time.Second,
		MaxChunkWait:      2 * time.Minute,
	}
}

// Executor executes chunks against a fixed venue pair. venueA is the
// fee-deducting buy side, venueB the sell side.
type Executor struct {
	venueA     model.VenueClient
	venueB     model.VenueClient
	oracle     model.PriceOracle
	events     *eventstore.Store
	projection model.ProjectionWriter // optional
	cfg        Config

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error

	// Metrics hooks, all optional.
	OnLegRejection    func(venue model.Venue)
	OnNakedDetected   func()
	OnNakedResolution func(outcome string) // "late_fill", "market_fill", "assumed_filled", "failed"
}

// New creates an Executor. projection may be nil.
func New(venueA, venueB model.VenueClient, oracle model.PriceOracle, events *eventstore.Store, projection model.ProjectionWriter, cfg Config) *Executor {
	if cfg.PlacementAttempts <= 0 {
		cfg = DefaultConfig()
	}
	return &Executor{
		venueA:     venueA,
		venueB:     venueB,
		oracle:     oracle,
		events:     events,
		projection: projection,
		cfg:        cfg,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// ExecuteChunk drives one chunk to COMPLETE or FAILED, mutating it in
// place. The returned error is non-nil only when the chunk failed.
func (e *Executor) ExecuteChunk(ctx context.Context, trade *model.Trade, chunk *model.Chunk) error {
	spec, err := model.LookupSymbol(trade.Symbol)
	if err != nil {
		chunk.Status = model.ChunkFailed
		return err
	}

	quote, err := e.oracle.GetPrice(ctx, trade.Symbol)
	if err != nil {
		chunk.Status = model.ChunkFailed
		return fmt.Errorf("chunk %d: price: %w", chunk.Sequence, err)
	}

	// The buy venue deducts its fee from the base asset, so the buy leg is
	// scaled up so the net received still covers the chunk.
	chunk.LegA = &model.Leg{
		Venue:        e.venueA.Name(),
		Side:         model.SideBuy,
		Type:         model.OrderTypeLimit,
		RequestedQty: spec.CompensateBybitFee(chunk.Quantity),
		Status:       model.LegPendingPlacement,
	}
	chunk.LegB = &model.Leg{
		Venue:        e.venueB.Name(),
		Side:         model.SideSell,
		Type:         model.OrderTypeLimit,
		RequestedQty: chunk.Quantity,
		Status:       model.LegPendingPlacement,
	}

	// Place both legs concurrently; each retries post-only rejections with
	// a growing tick offset.
	var wg sync.WaitGroup
	var errA, errB error
	wg.Add(2)
	go func() {
		defer wg.Done()
		errA = e.placeLeg(ctx, trade, chunk, chunk.LegA, e.venueA, spec, spec.BybitSymbol, quote.Bybit.LastPrice)
	}()
	go func() {
		defer wg.Done()
		errB = e.placeLeg(ctx, trade, chunk, chunk.LegB, e.venueB, spec, spec.CoinDCXSymbol, quote.CoinDCX.LastPrice)
	}()
	wg.Wait()

	switch {
	case errA == nil && errB == nil:
		// Open-state labels come from the event store in watchFills, not
		// from the placement call returns.
	case errA == nil:
		e.markOpenState(chunk)
		return e.rollback(ctx, trade, chunk, chunk.LegA, errB)
	case errB == nil:
		e.markOpenState(chunk)
		return e.rollback(ctx, trade, chunk, chunk.LegB, errA)
	default:
		chunk.Status = model.ChunkFailed
		return fmt.Errorf("chunk %d: both placements failed: %v; %v", chunk.Sequence, errA, errB)
	}

	return e.watchFills(ctx, trade, chunk, spec)
}

// placeLeg submits a post-only limit order, retrying recoverable rejections
// with the resting price moved one tick further from the market each
// attempt.
func (e *Executor) placeLeg(ctx context.Context, trade *model.Trade, chunk *model.Chunk, leg *model.Leg, client model.VenueClient, spec model.SymbolSpec, venueSymbol string, ltp int64) error {
	for attempt := 1; attempt <= e.cfg.PlacementAttempts; attempt++ {
		leg.Attempts = attempt
		leg.RequestedPrice = spec.MakerPrice(ltp, leg.Side, int64(attempt))

		orderID, err := client.PlaceOrder(ctx, model.OrderRequest{
			Symbol:   venueSymbol,
			Side:     leg.Side,
			Type:     model.OrderTypeLimit,
			Price:    leg.RequestedPrice,
			Quantity: leg.RequestedQty,
			PostOnly: true,
		})
		if err == nil {
			leg.OrderID = orderID
			leg.Status = model.LegPlaced
			e.upsertRow(trade, chunk, leg, "")
			return nil
		}

		if !model.IsPostOnlyReject(err) {
			leg.Status = model.LegRejected
			return fmt.Errorf("place %s leg: %w", client.Name(), err)
		}

		if e.OnLegRejection != nil {
			e.OnLegRejection(client.Name())
		}
		log.Printf("[executor] %s post-only reject at %d (attempt %d/%d), backing off a tick",
			client.Name(), leg.RequestedPrice, attempt, e.cfg.PlacementAttempts)
	}

	leg.Status = model.LegRejected
	return fmt.Errorf("place %s leg: %d post-only rejections", client.Name(), e.cfg.PlacementAttempts)
}

// rollback cancels the surviving leg after the opposite placement failed.
// If the cancel is ambiguous or fills already landed, the filled quantity
// is hedged with a market order on the failed side before the chunk is
// reported failed.
func (e *Executor) rollback(ctx context.Context, trade *model.Trade, chunk *model.Chunk, placed *model.Leg, cause error) error {
	log.Printf("[executor] chunk %d: rolling back %s order %s: placement failed on opposite side",
		chunk.Sequence, placed.Venue, placed.OrderID)

	client := e.clientFor(placed.Venue)
	cancelErr := client.CancelOrder(ctx, placed.OrderID)
	if cancelErr != nil {
		log.Printf("[executor] chunk %d: rollback cancel %s: %v", chunk.Sequence, placed.OrderID, cancelErr)
	}

	// Give the stream a moment to deliver the terminal event, then take
	// whatever filled quantity the event store shows.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st := e.events.LegStatus(placed.Venue, placed.OrderID); st.Terminal() {
			break
		}
		if err := e.sleep(ctx, e.cfg.PollInterval); err != nil {
			break
		}
	}
	e.syncLeg(placed)

	if placed.FilledQty > 0 {
		other := chunk.LegA
		if placed == chunk.LegA {
			other = chunk.LegB
		}
		if err := e.marketHedge(ctx, trade, chunk, other, placed.FilledQty); err != nil {
			chunk.Status = model.ChunkFailed
			return fmt.Errorf("chunk %d: rollback left %d unhedged: %v (placement failure: %w)",
				chunk.Sequence, placed.FilledQty, err, cause)
		}
	}

	chunk.Status = model.ChunkFailed
	return fmt.Errorf("chunk %d: placement failed: %w", chunk.Sequence, cause)
}

// watchFills polls the event store until both legs are filled, a leg dies,
// or one side is left naked past the grace polls.
func (e *Executor) watchFills(ctx context.Context, trade *model.Trade, chunk *model.Chunk, spec model.SymbolSpec) error {
	deadline := time.Now().Add(e.cfg.MaxChunkWait)

	for {
		e.markOpenState(chunk)
		stA := e.events.LegStatus(chunk.LegA.Venue, chunk.LegA.OrderID)
		stB := e.events.LegStatus(chunk.LegB.Venue, chunk.LegB.OrderID)

		switch {
		case stA == model.LegFilled && stB == model.LegFilled:
			return e.complete(trade, chunk)

		case stA == model.LegFilled:
			return e.resolveNaked(ctx, trade, chunk, chunk.LegA, chunk.LegB, spec)
		case stB == model.LegFilled:
			return e.resolveNaked(ctx, trade, chunk, chunk.LegB, chunk.LegA, spec)

		case stA == model.LegRejected || stA == model.LegCancelled:
			return e.legDied(ctx, trade, chunk, chunk.LegA, chunk.LegB)
		case stB == model.LegRejected || stB == model.LegCancelled:
			return e.legDied(ctx, trade, chunk, chunk.LegB, chunk.LegA)
		}

		if time.Now().After(deadline) {
			return e.abandonChunk(ctx, chunk)
		}
		if err := e.sleep(ctx, e.cfg.PollInterval); err != nil {
			return e.abandonChunk(ctx, chunk)
		}
	}
}

// markOpenState labels the chunk from what the event store has confirmed
// resting. A placement call returning ok is not proof the order is open;
// only the venue stream is.
func (e *Executor) markOpenState(chunk *model.Chunk) {
	openA := e.legOpen(chunk.LegA)
	openB := e.legOpen(chunk.LegB)
	switch {
	case openA && openB:
		chunk.Status = model.ChunkBothOpen
	case openA:
		chunk.Status = model.ChunkLegAOpen
	case openB:
		chunk.Status = model.ChunkLegBOpen
	}
}

func (e *Executor) legOpen(leg *model.Leg) bool {
	if leg == nil || leg.OrderID == "" {
		return false
	}
	st := e.events.LegStatus(leg.Venue, leg.OrderID)
	return st != model.LegPendingPlacement && !st.Terminal()
}

// legDied handles a leg going terminal without filling while the other
// still rests: cancel the survivor and fail the chunk, hedging any fills.
func (e *Executor) legDied(ctx context.Context, trade *model.Trade, chunk *model.Chunk, dead, alive *model.Leg) error {
	e.syncLeg(dead)
	log.Printf("[executor] chunk %d: %s leg %s %s, cancelling opposite",
		chunk.Sequence, dead.Venue, dead.OrderID, dead.Status)

	if err := e.clientFor(alive.Venue).CancelOrder(ctx, alive.OrderID); err != nil {
		log.Printf("[executor] chunk %d: cancel %s: %v", chunk.Sequence, alive.OrderID, err)
	}
	e.syncLeg(alive)

	// If the dead leg partially filled before dying, the imbalance must be
	// hedged on the surviving side before giving up.
	if imbalance := dead.FilledQty - alive.FilledQty; imbalance > 0 {
		if err := e.marketHedge(ctx, trade, chunk, alive, imbalance); err != nil {
			log.Printf("[executor] chunk %d: imbalance hedge failed: %v", chunk.Sequence, err)
		}
	}

	chunk.Status = model.ChunkFailed
	return fmt.Errorf("chunk %d: %s leg %s without fill", chunk.Sequence, dead.Venue, dead.Status)
}

// abandonChunk cancels both resting legs after the overall wait bound.
func (e *Executor) abandonChunk(ctx context.Context, chunk *model.Chunk) error {
	for _, leg := range []*model.Leg{chunk.LegA, chunk.LegB} {
		if leg.OrderID != "" {
			if err := e.clientFor(leg.Venue).CancelOrder(context.WithoutCancel(ctx), leg.OrderID); err != nil {
				log.Printf("[executor] chunk %d: abandon cancel %s: %v", chunk.Sequence, leg.OrderID, err)
			}
		}
		e.syncLeg(leg)
	}
	chunk.Status = model.ChunkFailed
	return fmt.Errorf("chunk %d: no fill within %s", chunk.Sequence, e.cfg.MaxChunkWait)
}

// complete finalizes both legs from the event store.
func (e *Executor) complete(trade *model.Trade, chunk *model.Chunk) error {
	e.syncLeg(chunk.LegA)
	e.syncLeg(chunk.LegB)
	chunk.Status = model.ChunkComplete
	log.Printf("[executor] chunk %d/%d complete: A %d @ %d (fee %d), B %d @ %d (fee %d)",
		chunk.Sequence, trade.ChunkCount,
		chunk.LegA.TotalFilledQty(), chunk.LegA.AvgFillPrice, chunk.LegA.TotalFeePaid(),
		chunk.LegB.TotalFilledQty(), chunk.LegB.AvgFillPrice, chunk.LegB.TotalFeePaid())
	return nil
}

// syncLeg copies the latest event-store state onto the leg.
func (e *Executor) syncLeg(leg *model.Leg) {
	if leg == nil || leg.OrderID == "" {
		return
	}
	ev, ok := e.events.Latest(leg.Venue, leg.OrderID)
	if !ok {
		return
	}
	leg.Status = ev.Type.LegStatus()
	leg.FilledQty = ev.CumFilledQty
	leg.AvgFillPrice = ev.AvgPrice
	leg.FeePaid = ev.CumFee
	if e.projection != nil {
		e.projection.UpdateOrderRowStatus(leg.Venue, leg.OrderID, leg.Status, leg.FilledQty, leg.AvgFillPrice, leg.FeePaid)
	}
}

func (e *Executor) clientFor(v model.Venue) model.VenueClient {
	if v == e.venueA.Name() {
		return e.venueA
	}
	return e.venueB
}

func (e *Executor) upsertRow(trade *model.Trade, chunk *model.Chunk, leg *model.Leg, supersedes string) {
	if e.projection == nil {
		return
	}
	err := e.projection.UpsertOrderRow(model.OrderRow{
		TradeID:    trade.TradeID,
		ChunkSeq:   chunk.Sequence,
		Venue:      leg.Venue,
		Symbol:     trade.Symbol,
		Side:       leg.Side,
		OrderType:  leg.Type,
		Quantity:   leg.RequestedQty,
		Price:      leg.RequestedPrice,
		OrderID:    leg.OrderID,
		Status:     leg.Status,
		Supersedes: supersedes,
	})
	if err != nil {
		log.Printf("[executor] projection upsert %s/%s: %v", leg.Venue, leg.OrderID, err)
	}
}
