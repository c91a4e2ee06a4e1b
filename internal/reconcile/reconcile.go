// Package reconcile tracks the base-asset fee shortfall the spot venue
// deducts from every buy and restores it at the end of a trade. The
// shortfall accumulates across chunks; the final buy-back happens once,
// and only if the accumulated amount clears the venue's minimum order size.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"hedge-systemv1/internal/eventstore"
	"hedge-systemv1/internal/model"
	"hedge-systemv1/internal/notification"
)

// Store persists reconciliation records. Satisfied by the SQLite store.
type Store interface {
	SaveReconciliation(r *model.FeeReconciliationRecord) error
}

// Engine accumulates per-chunk fee shortfall and executes the buy-back.
type Engine struct {
	venue    model.VenueClient // the fee-deducting venue
	events   *eventstore.Store
	store    Store               // optional
	notifier notification.Notifier // optional

	fillWait time.Duration
	sleep    func(ctx context.Context, d time.Duration) error

	// OnDecision is a metrics hook called with the final status.
	OnDecision func(status model.ReconStatus)

	mu      sync.Mutex
	records map[string]*model.FeeReconciliationRecord
}

// New creates an Engine. store and notifier may be nil.
func New(venue model.VenueClient, events *eventstore.Store, store Store, notifier notification.Notifier) *Engine {
	return &Engine{
		venue:    venue,
		events:   events,
		store:    store,
		notifier: notifier,
		fillWait: 30 * time.Second,
		records:  make(map[string]*model.FeeReconciliationRecord),
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
}

// Init opens a PENDING reconciliation record for a trade.
func (e *Engine) Init(trade *model.Trade) *model.FeeReconciliationRecord {
	r := &model.FeeReconciliationRecord{
		TradeID:     trade.TradeID,
		Symbol:      trade.Symbol,
		TotalChunks: trade.ChunkCount,
		Status:      model.ReconPending,
	}
	e.mu.Lock()
	e.records[trade.TradeID] = r
	e.mu.Unlock()
	e.persist(r)
	return r
}

// RecordChunk folds a completed chunk's fee-deducting leg into the trade's
// running shortfall. Superseded legs count through the totals, so a leg
// replaced mid-fill never loses its fees.
func (e *Engine) RecordChunk(tradeID string, chunk *model.Chunk) {
	e.mu.Lock()
	r, ok := e.records[tradeID]
	e.mu.Unlock()
	if !ok {
		log.Printf("[reconcile] no record for trade %s, dropping chunk %d", tradeID, chunk.Sequence)
		return
	}

	leg := e.feeLeg(chunk)
	if leg == nil {
		return
	}

	e.mu.Lock()
	r.CompletedChunks++
	r.TotalOrderedQty += leg.TotalFilledQty()
	r.TotalFeeShortfall += leg.TotalFeePaid()
	r.TotalNetReceived += leg.TotalFilledQty() - leg.TotalFeePaid()
	e.mu.Unlock()

	e.persist(r)
}

// feeLeg returns the chunk leg on the fee-deducting venue.
func (e *Engine) feeLeg(chunk *model.Chunk) *model.Leg {
	if chunk.LegA != nil && chunk.LegA.Venue == e.venue.Name() {
		return chunk.LegA
	}
	if chunk.LegB != nil && chunk.LegB.Venue == e.venue.Name() {
		return chunk.LegB
	}
	return nil
}

// Finalize decides and executes the buy-back for a trade's accumulated
// shortfall. Below the venue minimum the shortfall is accepted and the
// record closed as SKIPPED_BELOW_MINIMUM.
func (e *Engine) Finalize(ctx context.Context, tradeID string) (*model.FeeReconciliationRecord, error) {
	e.mu.Lock()
	r, ok := e.records[tradeID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("reconcile: no record for trade %s", tradeID)
	}

	spec, err := model.LookupSymbol(r.Symbol)
	if err != nil {
		return r, err
	}

	qty := spec.RoundQtyDown(r.TotalFeeShortfall)
	r.ReconciliationQty = qty

	if qty < spec.MinQty {
		r.ReconciliationNeeded = false
		r.Status = model.ReconSkippedBelowMin
		r.Notes = fmt.Sprintf("shortfall %d below minimum order size %d", r.TotalFeeShortfall, spec.MinQty)
		log.Printf("[reconcile] trade %s: %s", tradeID, r.Notes)
		e.finish(r)
		return r, nil
	}

	r.ReconciliationNeeded = true

	// The buy-back itself pays the same base-asset fee, so the ordered
	// quantity is grossed up to net out at the shortfall.
	buyQty := spec.CompensateBybitFee(qty)
	log.Printf("[reconcile] trade %s: buying back %d (grossed to %d) on %s", tradeID, qty, buyQty, e.venue.Name())

	orderID, err := e.venue.PlaceOrder(ctx, model.OrderRequest{
		Symbol:   spec.BybitSymbol,
		Side:     model.SideBuy,
		Type:     model.OrderTypeMarket,
		Quantity: buyQty,
	})
	if err != nil {
		return e.fail(r, fmt.Errorf("reconcile buy-back place: %w", err))
	}
	r.OrderID = orderID

	deadline := time.Now().Add(e.fillWait)
	for time.Now().Before(deadline) {
		if ev, ok := e.events.Latest(e.venue.Name(), orderID); ok && ev.Type == model.EventFilled {
			r.FillPrice = ev.AvgPrice
			r.Status = model.ReconCompleted
			e.finish(r)
			return r, nil
		}
		if err := e.sleep(ctx, 500*time.Millisecond); err != nil {
			break
		}
	}
	return e.fail(r, fmt.Errorf("reconcile buy-back %s not filled within %s", orderID, e.fillWait))
}

func (e *Engine) fail(r *model.FeeReconciliationRecord, err error) (*model.FeeReconciliationRecord, error) {
	r.Status = model.ReconFailed
	r.Notes = err.Error()
	e.finish(r)

	if e.notifier != nil {
		e.notifier.Send(context.Background(), notification.Alert{
			Level:   notification.AlertCritical,
			TradeID: r.TradeID,
			Title:   "Fee reconciliation failed",
			Message: fmt.Sprintf("trade %s: %v", r.TradeID, err),
		})
	}
	return r, err
}

func (e *Engine) finish(r *model.FeeReconciliationRecord) {
	e.persist(r)
	if e.OnDecision != nil {
		e.OnDecision(r.Status)
	}
}

func (e *Engine) persist(r *model.FeeReconciliationRecord) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveReconciliation(r); err != nil {
		log.Printf("[reconcile] persist trade %s: %v", r.TradeID, err)
	}
}
