// Package eventstore is the append-only log of order events received from
// venue streams. It is the single source of truth for order status: the
// current status of any order is the event with the greatest ReceivedAt,
// never a mutable field. Because writes only append, out-of-order delivery
// from a venue's transport cannot corrupt state.
package eventstore

import (
	"fmt"
	"log"
	"sync"
	"time"

	"hedge-systemv1/internal/model"
)

type key struct {
	venue   model.Venue
	orderID string
}

// Store is the in-memory authoritative event log. Appends are the only
// mutation; an optional durable sink receives every event, and a sink
// failure fails the append (losing an event breaks the no-duplicate-order
// guarantee, so there is no local recovery).
type Store struct {
	mu     sync.RWMutex
	seq    int64
	events map[key][]model.OrderEvent

	sink model.EventSink // optional

	// OnAppend is an optional metrics hook, called after a successful append.
	OnAppend func(venue model.Venue)
}

// New creates an event store. sink may be nil.
func New(sink model.EventSink) *Store {
	return &Store{
		events: make(map[key][]model.OrderEvent),
		sink:   sink,
	}
}

// Append records an event. The store assigns ReceivedAt from a monotonic
// local sequence unless the caller pre-set it (replay/rebuild paths).
func (s *Store) Append(ev *model.OrderEvent) error {
	if ev.OrderID == "" {
		return fmt.Errorf("eventstore: append without order_id")
	}

	s.mu.Lock()
	s.seq++
	if ev.ReceivedAt == 0 {
		ev.ReceivedAt = s.seq
	}
	if ev.ReceivedTime.IsZero() {
		ev.ReceivedTime = time.Now().UTC()
	}
	k := key{ev.Venue, ev.OrderID}
	s.events[k] = append(s.events[k], *ev)
	s.mu.Unlock()

	if s.sink != nil {
		if err := s.sink.PersistEvent(*ev); err != nil {
			return fmt.Errorf("eventstore: persist event %s/%s: %w", ev.Venue, ev.OrderID, err)
		}
	}

	if s.OnAppend != nil {
		s.OnAppend(ev.Venue)
	}
	return nil
}

// Latest returns the most recent event for an order, defined as the event
// with the maximum ReceivedAt regardless of insertion order.
func (s *Store) Latest(venue model.Venue, orderID string) (model.OrderEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs := s.events[key{venue, orderID}]
	if len(evs) == 0 {
		return model.OrderEvent{}, false
	}
	latest := evs[0]
	for _, ev := range evs[1:] {
		if ev.ReceivedAt > latest.ReceivedAt {
			latest = ev
		}
	}
	return latest, true
}

// History returns the full event sequence for an order in append order,
// for audit and debugging.
func (s *Store) History(venue model.Venue, orderID string) []model.OrderEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs := s.events[key{venue, orderID}]
	out := make([]model.OrderEvent, len(evs))
	copy(out, evs)
	return out
}

// LegStatus derives an order's leg status from its latest event. Returns
// LegPendingPlacement when no event has arrived yet: acceptance by the
// placement call and the first stream event are logically distinct.
func (s *Store) LegStatus(venue model.Venue, orderID string) model.LegStatus {
	ev, ok := s.Latest(venue, orderID)
	if !ok {
		return model.LegPendingPlacement
	}
	return ev.Type.LegStatus()
}

// DumpCounts logs per-order event counts; debugging aid.
func (s *Store) DumpCounts() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, evs := range s.events {
		log.Printf("[eventstore] %s/%s: %d events", k.venue, k.orderID, len(evs))
	}
}
