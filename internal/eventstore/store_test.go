package eventstore

import (
	"errors"
	"sync"
	"testing"

	"hedge-systemv1/internal/model"
)

func TestLatestPicksMaxReceivedAtRegardlessOfInsertionOrder(t *testing.T) {
	// Events for one order with pre-assigned ReceivedAt, appended in every
	// permutation: Latest must always return the max-ReceivedAt event.
	base := []model.OrderEvent{
		{Venue: model.VenueBybit, OrderID: "X", ReceivedAt: 1, Type: model.EventPlaced},
		{Venue: model.VenueBybit, OrderID: "X", ReceivedAt: 2, Type: model.EventPartiallyFilled, CumFilledQty: 100},
		{Venue: model.VenueBybit, OrderID: "X", ReceivedAt: 3, Type: model.EventFilled, CumFilledQty: 300},
	}

	perms := [][]int{
		{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0},
	}

	for _, p := range perms {
		s := New(nil)
		for _, i := range p {
			ev := base[i]
			if err := s.Append(&ev); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
		latest, ok := s.Latest(model.VenueBybit, "X")
		if !ok {
			t.Fatalf("perm %v: no latest", p)
		}
		if latest.ReceivedAt != 3 || latest.Type != model.EventFilled {
			t.Errorf("perm %v: latest = %+v, want FILLED seq 3", p, latest)
		}
	}
}

func TestLatestUnknownOrder(t *testing.T) {
	s := New(nil)
	if _, ok := s.Latest(model.VenueBybit, "nope"); ok {
		t.Error("expected unknown order")
	}
	if st := s.LegStatus(model.VenueBybit, "nope"); st != model.LegPendingPlacement {
		t.Errorf("status for unknown order = %s", st)
	}
}

func TestHistoryPreservesAppendOrder(t *testing.T) {
	s := New(nil)
	for _, typ := range []model.EventType{model.EventPlaced, model.EventPartiallyFilled, model.EventFilled} {
		if err := s.Append(&model.OrderEvent{Venue: model.VenueCoinDCX, OrderID: "Y", Type: typ}); err != nil {
			t.Fatal(err)
		}
	}

	hist := s.History(model.VenueCoinDCX, "Y")
	if len(hist) != 3 {
		t.Fatalf("history len = %d", len(hist))
	}
	if hist[0].Type != model.EventPlaced || hist[2].Type != model.EventFilled {
		t.Errorf("history out of order: %+v", hist)
	}
	if hist[0].ReceivedAt >= hist[1].ReceivedAt || hist[1].ReceivedAt >= hist[2].ReceivedAt {
		t.Errorf("ReceivedAt not strictly increasing: %d %d %d",
			hist[0].ReceivedAt, hist[1].ReceivedAt, hist[2].ReceivedAt)
	}
}

func TestSameOrderIDOnDifferentVenuesIsolated(t *testing.T) {
	s := New(nil)
	s.Append(&model.OrderEvent{Venue: model.VenueBybit, OrderID: "42", Type: model.EventFilled})
	s.Append(&model.OrderEvent{Venue: model.VenueCoinDCX, OrderID: "42", Type: model.EventPlaced})

	if st := s.LegStatus(model.VenueBybit, "42"); st != model.LegFilled {
		t.Errorf("bybit status = %s", st)
	}
	if st := s.LegStatus(model.VenueCoinDCX, "42"); st != model.LegPlaced {
		t.Errorf("coindcx status = %s", st)
	}
}

type failingSink struct{ err error }

func (f failingSink) PersistEvent(model.OrderEvent) error { return f.err }

func TestSinkFailureFailsAppend(t *testing.T) {
	sinkErr := errors.New("disk gone")
	s := New(failingSink{err: sinkErr})

	err := s.Append(&model.OrderEvent{Venue: model.VenueBybit, OrderID: "Z", Type: model.EventPlaced})
	if err == nil || !errors.Is(err, sinkErr) {
		t.Fatalf("expected sink error surfaced, got %v", err)
	}
}

func TestConcurrentAppendsFromTwoListeners(t *testing.T) {
	s := New(nil)
	const perVenue = 200

	var wg sync.WaitGroup
	for _, venue := range []model.Venue{model.VenueBybit, model.VenueCoinDCX} {
		wg.Add(1)
		go func(v model.Venue) {
			defer wg.Done()
			for i := 0; i < perVenue; i++ {
				typ := model.EventPartiallyFilled
				if i == perVenue-1 {
					typ = model.EventFilled
				}
				s.Append(&model.OrderEvent{Venue: v, OrderID: "conc", Type: typ, CumFilledQty: int64(i)})
			}
		}(venue)
	}
	wg.Wait()

	for _, v := range []model.Venue{model.VenueBybit, model.VenueCoinDCX} {
		if got := len(s.History(v, "conc")); got != perVenue {
			t.Errorf("%s history len = %d, want %d", v, got, perVenue)
		}
		if st := s.LegStatus(v, "conc"); st != model.LegFilled {
			t.Errorf("%s final status = %s", v, st)
		}
	}
}
