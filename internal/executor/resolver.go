package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"hedge-systemv1/internal/model"
)

// resolveNaked handles one side filled with the other still resting. The
// open leg gets grace polls to fill on its own; after that it is cancelled
// and the remaining quantity is taken at market. A cancel that comes back
// "not found" is ambiguous — the order may have filled in flight — so after
// one status re-query the resolver assumes the fill happened and suppresses
// the market fallback: a duplicate order is worse than a missed one.
func (e *Executor) resolveNaked(ctx context.Context, trade *model.Trade, chunk *model.Chunk, filled, open *model.Leg, spec model.SymbolSpec) error {
	chunk.Status = model.ChunkNaked
	if e.OnNakedDetected != nil {
		e.OnNakedDetected()
	}
	log.Printf("[executor] chunk %d: NAKED, %s filled while %s order %s rests",
		chunk.Sequence, filled.Venue, open.Venue, open.OrderID)

	for i := 1; i <= e.cfg.NakedPolls; i++ {
		if err := e.sleep(ctx, e.cfg.NakedPollInterval); err != nil {
			break
		}
		if e.events.LegStatus(open.Venue, open.OrderID) == model.LegFilled {
			e.resolved("late_fill")
			return e.complete(trade, chunk)
		}
		log.Printf("[executor] chunk %d: naked poll %d/%d, %s still open",
			chunk.Sequence, i, e.cfg.NakedPolls, open.OrderID)
	}

	chunk.Status = model.ChunkResolving
	client := e.clientFor(open.Venue)

	cancelErr := client.CancelOrder(ctx, open.OrderID)
	switch {
	case cancelErr == nil:
		// Wait for the terminal event so partial fills are counted, then
		// take the rest at market.
		e.awaitTerminal(ctx, open)
		e.syncLeg(open)
		remaining := open.RequestedQty - open.FilledQty
		if remaining <= 0 {
			e.resolved("late_fill")
			return e.complete(trade, chunk)
		}
		return e.marketFallback(ctx, trade, chunk, open, spec, remaining)

	case errors.Is(cancelErr, model.ErrOrderNotFound):
		return e.resolveAmbiguousCancel(ctx, trade, chunk, filled, open, spec, client)

	default:
		// The cancel itself failed, so the order may still be resting.
		// Placing a market order on top of it could double the position.
		chunk.Status = model.ChunkFailed
		e.resolved("failed")
		return fmt.Errorf("chunk %d: cancel %s: %v", chunk.Sequence, open.OrderID, cancelErr)
	}
}

// resolveAmbiguousCancel runs the single re-query allowed after a cancel
// returned "not found". Completion paths here cannot go through complete,
// which would re-sync the assumed leg from an event store that never saw
// its fill, so the filled sibling is finalized explicitly.
func (e *Executor) resolveAmbiguousCancel(ctx context.Context, trade *model.Trade, chunk *model.Chunk, filled, open *model.Leg, spec model.SymbolSpec, client model.VenueClient) error {
	log.Printf("[executor] chunk %d: cancel %s came back not-found, re-querying once",
		chunk.Sequence, open.OrderID)

	st, qerr := client.QueryStatus(ctx, open.OrderID)
	if qerr == nil {
		switch st {
		case model.LegFilled:
			e.syncLeg(filled)
			e.markAssumedFilled(open, "venue reports filled after ambiguous cancel")
			chunk.Status = model.ChunkComplete
			e.resolved("late_fill")
			return nil
		case model.LegCancelled, model.LegRejected:
			e.syncLeg(open)
			remaining := open.RequestedQty - open.FilledQty
			if remaining <= 0 {
				e.resolved("late_fill")
				return e.complete(trade, chunk)
			}
			return e.marketFallback(ctx, trade, chunk, open, spec, remaining)
		}
		// Venue claims the order still rests after telling us it does not
		// exist. Distrust the venue and fall through to the safe branch.
	}

	// The order exists per our books but the venue cannot account for it.
	// Assume it filled: if the assumption is wrong we carry a naked
	// position that reconciliation will surface, but we never risk a
	// duplicate order.
	log.Printf("[executor] chunk %d: %s order %s unaccounted for after re-query, assuming filled, market fallback suppressed",
		chunk.Sequence, open.Venue, open.OrderID)
	e.syncLeg(filled)
	e.markAssumedFilled(open, "assumed filled after ambiguous cancel and failed re-query")
	chunk.Status = model.ChunkComplete
	e.resolved("assumed_filled")
	return nil
}

// markAssumedFilled forces a leg to FILLED when the venue cannot be asked.
// Event-store data wins where present; otherwise the request is taken at
// face value.
func (e *Executor) markAssumedFilled(leg *model.Leg, why string) {
	e.syncLeg(leg)
	leg.Status = model.LegFilled
	if leg.FilledQty == 0 {
		leg.FilledQty = leg.RequestedQty
		leg.AvgFillPrice = leg.RequestedPrice
	}
	log.Printf("[executor] %s order %s marked filled: %s", leg.Venue, leg.OrderID, why)
}

// marketFallback replaces a cancelled leg with a market order for the
// remaining quantity. The cancelled leg is kept as the new leg's
// predecessor so its partial fills and fees stay in the accounting.
func (e *Executor) marketFallback(ctx context.Context, trade *model.Trade, chunk *model.Chunk, open *model.Leg, spec model.SymbolSpec, remaining int64) error {
	remaining = spec.RoundQtyDown(remaining)
	if remaining <= 0 {
		e.resolved("late_fill")
		return e.complete(trade, chunk)
	}

	log.Printf("[executor] chunk %d: market fallback on %s for remaining %d (carried %d from %s)",
		chunk.Sequence, open.Venue, remaining, open.FilledQty, open.OrderID)

	market := &model.Leg{
		Venue:        open.Venue,
		Side:         open.Side,
		Type:         model.OrderTypeMarket,
		RequestedQty: remaining,
		Status:       model.LegPendingPlacement,
		Superseded:   open,
	}
	e.replaceLeg(chunk, open, market)

	client := e.clientFor(open.Venue)
	orderID, err := client.PlaceOrder(ctx, model.OrderRequest{
		Symbol:   venueSymbol(spec, open.Venue),
		Side:     market.Side,
		Type:     model.OrderTypeMarket,
		Quantity: remaining,
	})
	if err != nil {
		chunk.Status = model.ChunkFailed
		e.resolved("failed")
		return fmt.Errorf("chunk %d: market fallback place: %w", chunk.Sequence, err)
	}
	market.OrderID = orderID
	market.Status = model.LegPlaced
	e.upsertRow(trade, chunk, market, open.OrderID)

	deadline := time.Now().Add(e.cfg.MarketFillWait)
	for time.Now().Before(deadline) {
		if e.events.LegStatus(market.Venue, market.OrderID) == model.LegFilled {
			e.resolved("market_fill")
			return e.complete(trade, chunk)
		}
		if err := e.sleep(ctx, e.cfg.PollInterval); err != nil {
			break
		}
	}

	chunk.Status = model.ChunkFailed
	e.resolved("failed")
	return fmt.Errorf("chunk %d: market order %s not filled within %s", chunk.Sequence, orderID, e.cfg.MarketFillWait)
}

// marketHedge covers an already-acquired position with a market order on
// the given leg's venue. Used by rollback and dead-leg paths, where the
// leg may not have an order yet.
func (e *Executor) marketHedge(ctx context.Context, trade *model.Trade, chunk *model.Chunk, leg *model.Leg, qty int64) error {
	spec, err := model.LookupSymbol(trade.Symbol)
	if err != nil {
		return err
	}
	qty = spec.RoundQtyDown(qty)
	if qty <= 0 {
		return nil
	}

	market := &model.Leg{
		Venue:        leg.Venue,
		Side:         leg.Side,
		Type:         model.OrderTypeMarket,
		RequestedQty: qty,
		Status:       model.LegPendingPlacement,
	}
	if leg.OrderID != "" {
		market.Superseded = leg
	}
	e.replaceLeg(chunk, leg, market)

	client := e.clientFor(leg.Venue)
	orderID, err := client.PlaceOrder(ctx, model.OrderRequest{
		Symbol:   venueSymbol(spec, leg.Venue),
		Side:     market.Side,
		Type:     model.OrderTypeMarket,
		Quantity: qty,
	})
	if err != nil {
		return fmt.Errorf("market hedge place on %s: %w", leg.Venue, err)
	}
	market.OrderID = orderID
	market.Status = model.LegPlaced
	e.upsertRow(trade, chunk, market, leg.OrderID)

	deadline := time.Now().Add(e.cfg.MarketFillWait)
	for time.Now().Before(deadline) {
		if e.events.LegStatus(market.Venue, market.OrderID) == model.LegFilled {
			e.syncLeg(market)
			return nil
		}
		if err := e.sleep(ctx, e.cfg.PollInterval); err != nil {
			break
		}
	}
	return fmt.Errorf("market hedge %s not filled within %s", orderID, e.cfg.MarketFillWait)
}

// awaitTerminal waits briefly for an order's terminal event to land.
func (e *Executor) awaitTerminal(ctx context.Context, leg *model.Leg) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if e.events.LegStatus(leg.Venue, leg.OrderID).Terminal() {
			return
		}
		if err := e.sleep(ctx, e.cfg.PollInterval); err != nil {
			return
		}
	}
}

func (e *Executor) replaceLeg(chunk *model.Chunk, old, with *model.Leg) {
	if chunk.LegA == old {
		chunk.LegA = with
	} else if chunk.LegB == old {
		chunk.LegB = with
	}
}

func (e *Executor) resolved(outcome string) {
	if e.OnNakedResolution != nil {
		e.OnNakedResolution(outcome)
	}
}

func venueSymbol(spec model.SymbolSpec, v model.Venue) string {
	if v == model.VenueBybit {
		return spec.BybitSymbol
	}
	return spec.CoinDCXSymbol
}
