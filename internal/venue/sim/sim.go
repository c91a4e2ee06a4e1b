// Package sim is an in-process venue used by paper mode and tests. Order
// lifecycle transitions are either scripted by the caller (Fill, Reject,
// Cancel) or driven automatically in auto-fill mode.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hedge-systemv1/internal/model"
)

type simOrder struct {
	req       model.OrderRequest
	status    model.LegStatus
	filledQty int64
	avgPrice  int64
	fee       int64
}

// Venue is a scriptable model.VenueClient.
type Venue struct {
	name   model.Venue
	events chan model.OrderEvent

	mu     sync.Mutex
	nextID int
	orders map[string]*simOrder
	price  int64

	// PlaceErrs is consumed one entry per PlaceOrder call; a nil entry means
	// the placement succeeds. Once exhausted, placements succeed.
	PlaceErrs []error
	// CancelErrs maps order IDs to a scripted cancel outcome.
	CancelErrs map[string]error
	// QueryOverride, when set for an order ID, wins over the tracked state.
	QueryOverride map[string]model.LegStatus

	// AutoFill fully fills every accepted order after FillDelay. FeePPM
	// emulates the venue's maker fee against the filled quantity.
	AutoFill  bool
	FillDelay time.Duration
	FeePPM    int64
}

// New creates a sim venue reporting the given venue name.
func New(name model.Venue) *Venue {
	return &Venue{
		name:   name,
		events: make(chan model.OrderEvent, 256),
		orders: make(map[string]*simOrder),
	}
}

func (v *Venue) Name() model.Venue               { return v.name }
func (v *Venue) Events() <-chan model.OrderEvent { return v.events }
func (v *Venue) SetPrice(p int64)                { v.mu.Lock(); v.price = p; v.mu.Unlock() }

// PlaceOrder accepts or rejects per the scripted PlaceErrs queue, emitting a
// PLACED event on acceptance.
func (v *Venue) PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	v.mu.Lock()
	if len(v.PlaceErrs) > 0 {
		err := v.PlaceErrs[0]
		v.PlaceErrs = v.PlaceErrs[1:]
		if err != nil {
			v.mu.Unlock()
			return "", err
		}
	}

	v.nextID++
	id := fmt.Sprintf("sim-%s-%d", v.name, v.nextID)
	v.orders[id] = &simOrder{req: req, status: model.LegPlaced}
	v.mu.Unlock()

	v.emit(id, model.EventPlaced, 0, 0, 0, "")

	if v.AutoFill {
		go func() {
			if v.FillDelay > 0 {
				select {
				case <-time.After(v.FillDelay):
				case <-ctx.Done():
					return
				}
			}
			price := req.Price
			if req.Type == model.OrderTypeMarket {
				v.mu.Lock()
				price = v.price
				v.mu.Unlock()
			}
			v.Fill(id, req.Quantity, price, req.Quantity*v.FeePPM/1_000_000)
		}()
	}
	return id, nil
}

// CancelOrder follows the scripted outcome if one exists, otherwise cancels
// the resting order and emits CANCELLED with the fills so far.
func (v *Venue) CancelOrder(ctx context.Context, orderID string) error {
	v.mu.Lock()
	if err, ok := v.CancelErrs[orderID]; ok {
		v.mu.Unlock()
		return err
	}
	o, ok := v.orders[orderID]
	if !ok {
		v.mu.Unlock()
		return fmt.Errorf("sim cancel %s: %w", orderID, model.ErrOrderNotFound)
	}
	if o.status.Terminal() {
		v.mu.Unlock()
		return fmt.Errorf("sim cancel %s: %w", orderID, model.ErrOrderNotFound)
	}
	o.status = model.LegCancelled
	filled, avg, fee := o.filledQty, o.avgPrice, o.fee
	v.mu.Unlock()

	v.emit(orderID, model.EventCancelled, filled, avg, fee, "")
	return nil
}

// QueryStatus returns the override if scripted, else the tracked state.
func (v *Venue) QueryStatus(ctx context.Context, orderID string) (model.LegStatus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if st, ok := v.QueryOverride[orderID]; ok {
		return st, nil
	}
	o, ok := v.orders[orderID]
	if !ok {
		return model.LegPendingPlacement, fmt.Errorf("sim query %s: %w", orderID, model.ErrOrderNotFound)
	}
	return o.status, nil
}

// LastTradedPrice returns the configured price.
func (v *Venue) LastTradedPrice(ctx context.Context, symbol string) (int64, time.Time, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.price == 0 {
		return 0, time.Time{}, fmt.Errorf("sim %s: no price set", v.name)
	}
	return v.price, time.Now(), nil
}

// Fill marks an order fully filled and emits FILLED.
func (v *Venue) Fill(orderID string, qty, price, fee int64) {
	v.mu.Lock()
	if o, ok := v.orders[orderID]; ok {
		o.status = model.LegFilled
		o.filledQty = qty
		o.avgPrice = price
		o.fee = fee
	}
	v.mu.Unlock()
	v.emit(orderID, model.EventFilled, qty, price, fee, "")
}

// PartialFill records a cumulative partial fill and emits PARTIALLY_FILLED.
func (v *Venue) PartialFill(orderID string, cumQty, price, cumFee int64) {
	v.mu.Lock()
	if o, ok := v.orders[orderID]; ok {
		o.status = model.LegPartiallyFilled
		o.filledQty = cumQty
		o.avgPrice = price
		o.fee = cumFee
	}
	v.mu.Unlock()
	v.emit(orderID, model.EventPartiallyFilled, cumQty, price, cumFee, "")
}

// Reject marks an order rejected post-acceptance and emits REJECTED.
func (v *Venue) Reject(orderID, reason string) {
	v.mu.Lock()
	if o, ok := v.orders[orderID]; ok {
		o.status = model.LegRejected
	}
	v.mu.Unlock()
	v.emit(orderID, model.EventRejected, 0, 0, 0, reason)
}

// Forget drops an order from the book so later cancel/query return
// ErrOrderNotFound without a scripted entry.
func (v *Venue) Forget(orderID string) {
	v.mu.Lock()
	delete(v.orders, orderID)
	v.mu.Unlock()
}

func (v *Venue) emit(orderID string, t model.EventType, cumQty, avgPrice, cumFee int64, reason string) {
	v.events <- model.OrderEvent{
		Venue:        v.name,
		OrderID:      orderID,
		ReceivedTime: time.Now(),
		Type:         t,
		CumFilledQty: cumQty,
		CumFee:       cumFee,
		AvgPrice:     avgPrice,
		RawStatus:    string(t),
		RejectReason: reason,
	}
}

// Close closes the event channel.
func (v *Venue) Close() { close(v.events) }
