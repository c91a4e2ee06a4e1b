// Package model holds the shared data model for the hedge execution
// coordinator: trades, chunks, legs, order events, and the port interfaces
// that decouple business logic from venues and storage.
//
// Prices are int64 cents, quantities and base-asset fees int64 sats
// (see pkg/fixedpoint) to avoid float drift in accounting paths.
package model

import "time"

// Venue identifies one of the two trading venues in a hedge pair.
type Venue string

const (
	VenueBybit   Venue = "bybit"   // spot, fees deducted from base asset
	VenueCoinDCX Venue = "coindcx" // futures, fees charged in quote asset
)

// Side is an order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType distinguishes resting maker orders from immediate market orders.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// TradeStatus is the trade-level lifecycle state.
type TradeStatus string

const (
	TradeInProgress TradeStatus = "IN_PROGRESS"
	TradeCompleted  TradeStatus = "COMPLETED"
	TradeFailed     TradeStatus = "FAILED"
)

// ChunkStatus is the chunk-level state machine.
type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "PENDING"
	ChunkLegAOpen  ChunkStatus = "LEG_A_OPEN"
	ChunkLegBOpen  ChunkStatus = "LEG_B_OPEN"
	ChunkBothOpen  ChunkStatus = "BOTH_OPEN"
	ChunkNaked     ChunkStatus = "NAKED"
	ChunkResolving ChunkStatus = "RESOLVING"
	ChunkComplete  ChunkStatus = "COMPLETE"
	ChunkFailed    ChunkStatus = "FAILED"
)

// LegStatus is a single venue order's state.
type LegStatus string

const (
	LegPendingPlacement LegStatus = "PENDING_PLACEMENT"
	LegPlaced           LegStatus = "PLACED"
	LegPartiallyFilled  LegStatus = "PARTIALLY_FILLED"
	LegFilled           LegStatus = "FILLED"
	LegRejected         LegStatus = "REJECTED"
	LegCancelled        LegStatus = "CANCELLED"
)

// Terminal reports whether the status can no longer change.
func (s LegStatus) Terminal() bool {
	return s == LegFilled || s == LegRejected || s == LegCancelled
}

// EventType classifies an order event received from a venue stream.
type EventType string

const (
	EventPlaced          EventType = "PLACED"
	EventPartiallyFilled EventType = "PARTIALLY_FILLED"
	EventFilled          EventType = "FILLED"
	EventRejected        EventType = "REJECTED"
	EventCancelled       EventType = "CANCELLED"
)

// LegStatus maps an event type onto the leg status it implies.
func (e EventType) LegStatus() LegStatus {
	switch e {
	case EventPlaced:
		return LegPlaced
	case EventPartiallyFilled:
		return LegPartiallyFilled
	case EventFilled:
		return LegFilled
	case EventRejected:
		return LegRejected
	case EventCancelled:
		return LegCancelled
	default:
		return LegPendingPlacement
	}
}

// Trade is one hedge trade: a total quantity split into chunks.
type Trade struct {
	TradeID    string      `json:"trade_id"`
	Symbol     string      `json:"symbol"`
	TotalQty   int64       `json:"total_qty"`   // sats
	ChunkSize  int64       `json:"chunk_size"`  // sats
	ChunkCount int         `json:"chunk_count"`
	Status     TradeStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Leg is one venue order within a chunk. A leg replaced mid-fill keeps a
// back-reference to its predecessor so partial fill quantity and fees are
// never lost; the predecessor is superseded, never deleted.
type Leg struct {
	Venue          Venue     `json:"venue"`
	OrderID        string    `json:"order_id"` // venue-assigned, "" until accepted
	Side           Side      `json:"side"`
	Type           OrderType `json:"type"`
	RequestedPrice int64     `json:"requested_price"` // cents, 0 for market
	RequestedQty   int64     `json:"requested_qty"`   // sats
	Status         LegStatus `json:"status"`
	FilledQty      int64     `json:"filled_qty"` // sats, this order only
	AvgFillPrice   int64     `json:"avg_fill_price"`
	FeePaid        int64     `json:"fee_paid"` // base sats (bybit) / quote cents (coindcx)
	Attempts       int       `json:"attempts"` // placement attempts consumed
	Superseded     *Leg      `json:"superseded,omitempty"`
}

// TotalFilledQty sums the leg's own fill with any superseded predecessors'.
func (l *Leg) TotalFilledQty() int64 {
	total := l.FilledQty
	for p := l.Superseded; p != nil; p = p.Superseded {
		total += p.FilledQty
	}
	return total
}

// TotalFeePaid sums the leg's own fee with any superseded predecessors'.
func (l *Leg) TotalFeePaid() int64 {
	total := l.FeePaid
	for p := l.Superseded; p != nil; p = p.Superseded {
		total += p.FeePaid
	}
	return total
}

// Chunk is one sub-unit of a trade, executed as an order pair.
type Chunk struct {
	TradeID  string      `json:"trade_id"`
	Sequence int         `json:"sequence"` // 1..ChunkCount
	Quantity int64       `json:"quantity"` // sats
	Status   ChunkStatus `json:"status"`
	LegA     *Leg        `json:"leg_a"` // buy on the fee-deducting venue
	LegB     *Leg        `json:"leg_b"` // sell on the other venue
}

// OrderEvent is one append-only record of a venue stream notification.
// ReceivedAt is a monotonic sequence assigned by the event store at append
// time; the current status of any order is the event with the greatest
// ReceivedAt, never a mutable field.
type OrderEvent struct {
	Venue        Venue     `json:"venue"`
	OrderID      string    `json:"order_id"`
	ReceivedAt   int64     `json:"received_at"`
	ReceivedTime time.Time `json:"received_time"`
	Type         EventType `json:"event_type"`
	CumFilledQty int64     `json:"cum_filled_qty"` // sats
	CumFee       int64     `json:"cum_fee"`        // base sats (bybit) / quote cents
	AvgPrice     int64     `json:"avg_price"`      // cents
	RawStatus    string    `json:"raw_status"`
	RejectReason string    `json:"reject_reason,omitempty"`
}

// ReconStatus is the fee reconciliation outcome for a trade.
type ReconStatus string

const (
	ReconPending         ReconStatus = "PENDING"
	ReconCompleted       ReconStatus = "COMPLETED"
	ReconSkippedBelowMin ReconStatus = "SKIPPED_BELOW_MINIMUM"
	ReconFailed          ReconStatus = "FAILED"
)

// FeeReconciliationRecord accumulates fee shortfall across a trade's chunks
// on the fee-deducting venue and records the final buy-back decision.
type FeeReconciliationRecord struct {
	TradeID              string      `json:"trade_id"`
	Symbol               string      `json:"symbol"`
	TotalChunks          int         `json:"total_chunks"`
	CompletedChunks      int         `json:"completed_chunks"`
	TotalOrderedQty      int64       `json:"total_ordered_qty"`   // sats
	TotalFeeShortfall    int64       `json:"total_fee_shortfall"` // base sats
	TotalNetReceived     int64       `json:"total_net_received"`  // sats
	ReconciliationNeeded bool        `json:"reconciliation_needed"`
	ReconciliationQty    int64       `json:"reconciliation_qty"` // sats, rounded down
	Status               ReconStatus `json:"reconciliation_status"`
	OrderID              string      `json:"reconciliation_order_id,omitempty"`
	FillPrice            int64       `json:"reconciliation_fill_price,omitempty"`
	Notes                string      `json:"notes,omitempty"`
}

// VenuePrice is one venue's last-traded-price observation.
type VenuePrice struct {
	LastPrice int64     `json:"last_price"` // cents
	Timestamp time.Time `json:"timestamp"`
}

// PriceQuote is the oracle's answer for a symbol across both venues.
// SpreadBps is the absolute price difference in basis points of the lower
// price (1 bp = 0.01%).
type PriceQuote struct {
	Symbol    string     `json:"symbol"`
	Bybit     VenuePrice `json:"bybit"`
	CoinDCX   VenuePrice `json:"coindcx"`
	SpreadBps int64      `json:"spread_bps"`
}

// SpreadBps computes |a-b| relative to the lower price in basis points.
func SpreadBps(a, b int64) int64 {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	lo := a
	if b < lo {
		lo = b
	}
	if lo <= 0 {
		return 0
	}
	return diff * 10000 / lo
}
