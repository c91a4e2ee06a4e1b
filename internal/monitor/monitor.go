// Package monitor runs one listener per venue stream, fanning every order
// event into the append-only event store (authoritative, failure is fatal),
// the SQLite projection (best-effort), and the Redis mirror (best-effort).
package monitor

import (
	"context"
	"log"

	"hedge-systemv1/internal/eventstore"
	"hedge-systemv1/internal/model"
)

// EventMirror mirrors events to a secondary store without failing the flow.
type EventMirror interface {
	MirrorEvent(ev model.OrderEvent)
}

// Monitor fans venue order events out to the stores.
type Monitor struct {
	store      *eventstore.Store
	projection model.ProjectionWriter // optional
	mirror     EventMirror            // optional

	// OnEvent is called after every successfully appended event (metrics).
	OnEvent func(ev model.OrderEvent)
	// OnFatal is called when the durable append fails. Losing an event
	// breaks the no-duplicate-order guarantee, so the caller must stop
	// trading on this signal.
	OnFatal func(err error)
}

// New creates a Monitor. projection and mirror may be nil.
func New(store *eventstore.Store, projection model.ProjectionWriter, mirror EventMirror) *Monitor {
	return &Monitor{store: store, projection: projection, mirror: mirror}
}

// Listen consumes a venue's event stream until the channel closes or ctx is
// cancelled. Run one goroutine per venue.
func (m *Monitor) Listen(ctx context.Context, client model.VenueClient) {
	name := client.Name()
	log.Printf("[monitor] listening on %s order stream", name)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-client.Events():
			if !ok {
				log.Printf("[monitor] %s stream closed", name)
				return
			}
			m.handle(ev)
		}
	}
}

func (m *Monitor) handle(ev model.OrderEvent) {
	if err := m.store.Append(&ev); err != nil {
		log.Printf("[monitor] FATAL: append %s/%s failed: %v", ev.Venue, ev.OrderID, err)
		if m.OnFatal != nil {
			m.OnFatal(err)
		}
		return
	}

	if m.projection != nil {
		err := m.projection.UpdateOrderRowStatus(ev.Venue, ev.OrderID,
			ev.Type.LegStatus(), ev.CumFilledQty, ev.AvgPrice, ev.CumFee)
		if err != nil {
			// Projection is a cache; it is rebuilt from the event tables.
			log.Printf("[monitor] projection update %s/%s: %v", ev.Venue, ev.OrderID, err)
		}
	}

	if m.mirror != nil {
		m.mirror.MirrorEvent(ev)
	}

	if m.OnEvent != nil {
		m.OnEvent(ev)
	}
}
