package model

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ── Port Interfaces ──
// These decouple the execution logic from concrete venue clients and storage
// implementations. Each implementation satisfies one or more of these.

// ErrOrderNotFound is returned by cancel/query when the venue no longer
// knows the order. It is NOT authoritative: the order may have filled in the
// instant before the request landed. Callers must treat it as ambiguous.
var ErrOrderNotFound = errors.New("order not found")

// RejectionError is a venue refusing an order for a stated reason.
type RejectionError struct {
	Venue  Venue
	Reason string
	// PostOnly is set when the resting price would have crossed the spread,
	// which is recoverable by retrying further from the market.
	PostOnly bool
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s rejected order: %s", e.Venue, e.Reason)
}

// IsPostOnlyReject reports whether err is a recoverable post-only rejection.
func IsPostOnlyReject(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej) && rej.PostOnly
}

// OrderRequest is a placement request to a venue.
type OrderRequest struct {
	Symbol   string // venue-native symbol
	Side     Side
	Type     OrderType
	Price    int64 // cents, ignored for market orders
	Quantity int64 // sats
	PostOnly bool
}

// VenueClient is the per-venue trading surface. Place/cancel/query are
// synchronous REST-style calls; Events is the always-on asynchronous stream
// of order notifications, delivered at-least-once and possibly out of
// arrival order relative to other orders.
type VenueClient interface {
	// Name identifies the venue.
	Name() Venue

	// PlaceOrder submits an order and returns the venue-assigned order ID.
	// A refusal is returned as *RejectionError.
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)

	// CancelOrder cancels a resting order. Returns ErrOrderNotFound if the
	// venue no longer knows it (ambiguous — see RejectionError docs).
	CancelOrder(ctx context.Context, orderID string) error

	// QueryStatus fetches the venue's view of an order's status.
	QueryStatus(ctx context.Context, orderID string) (LegStatus, error)

	// Events yields order notifications. The channel stays open for the
	// life of the client.
	Events() <-chan OrderEvent

	// LastTradedPrice returns the venue's LTP for a venue-native symbol.
	LastTradedPrice(ctx context.Context, symbol string) (int64, time.Time, error)
}

// PriceOracle supplies last-traded prices and the cross-venue spread.
type PriceOracle interface {
	GetPrice(ctx context.Context, symbol string) (PriceQuote, error)
}

// EventStore is the append-only order event log. Append is the only
// mutation; the latest event per order is the sole source of order status.
type EventStore interface {
	Append(ev *OrderEvent) error
	Latest(venue Venue, orderID string) (OrderEvent, bool)
	History(venue Venue, orderID string) []OrderEvent
}

// EventSink persists events durably as they are appended. A sink failure is
// fatal for the affected chunk: losing an event breaks the no-duplicate-order
// guarantee.
type EventSink interface {
	PersistEvent(ev OrderEvent) error
}

// ProjectionWriter maintains the one-row-per-(trade,chunk,venue) operational
// projection. The projection is a convenience cache, never authoritative.
type ProjectionWriter interface {
	UpsertOrderRow(row OrderRow) error
	UpdateOrderRowStatus(venue Venue, orderID string, status LegStatus, filledQty, avgPrice, fee int64) error
}

// OrderRow is the projection row for operational querying.
type OrderRow struct {
	TradeID    string
	ChunkSeq   int
	Venue      Venue
	Symbol     string
	Side       Side
	OrderType  OrderType
	Quantity   int64
	Price      int64
	OrderID    string
	Status     LegStatus
	FilledQty  int64
	AvgPrice   int64
	FeePaid    int64
	Supersedes string // predecessor order ID when this row replaced one
}
