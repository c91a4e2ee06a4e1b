package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"hedge-systemv1/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{DBPath: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTradeRoundTrip(t *testing.T) {
	s := newTestStore(t)

	tr := &model.Trade{
		TradeID:    "hedge_abc123",
		Symbol:     "BTCUSDT",
		TotalQty:   1600000,
		ChunkSize:  800000,
		ChunkCount: 2,
		Status:     model.TradeInProgress,
		CreatedAt:  time.Now(),
	}
	if err := s.SaveTrade(tr); err != nil {
		t.Fatalf("save: %v", err)
	}

	tr.Status = model.TradeCompleted
	if err := s.SaveTrade(tr); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetTrade("hedge_abc123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.TradeCompleted {
		t.Errorf("status = %s, want COMPLETED", got.Status)
	}
	if got.ChunkCount != 2 || got.TotalQty != 1600000 {
		t.Errorf("got %+v", got)
	}
}

func TestPersistEventRoutesByVenue(t *testing.T) {
	s := newTestStore(t)

	base := model.OrderEvent{
		OrderID:      "ord-1",
		ReceivedTime: time.Now(),
		Type:         model.EventPlaced,
	}

	bybit := base
	bybit.Venue = model.VenueBybit
	bybit.ReceivedAt = 1
	coindcx := base
	coindcx.Venue = model.VenueCoinDCX
	coindcx.ReceivedAt = 2
	coindcx.Type = model.EventFilled
	coindcx.CumFilledQty = 800000

	for _, ev := range []model.OrderEvent{bybit, coindcx} {
		if err := s.PersistEvent(ev); err != nil {
			t.Fatalf("persist %s: %v", ev.Venue, err)
		}
	}

	// Same order ID on both venues must land in separate tables.
	be, err := s.GetOrderEvents(model.VenueBybit, "ord-1")
	if err != nil {
		t.Fatalf("bybit events: %v", err)
	}
	if len(be) != 1 || be[0].Type != model.EventPlaced {
		t.Errorf("bybit events = %+v", be)
	}
	ce, err := s.GetOrderEvents(model.VenueCoinDCX, "ord-1")
	if err != nil {
		t.Fatalf("coindcx events: %v", err)
	}
	if len(ce) != 1 || ce[0].Type != model.EventFilled || ce[0].CumFilledQty != 800000 {
		t.Errorf("coindcx events = %+v", ce)
	}
}

func TestPersistEventUnknownVenue(t *testing.T) {
	s := newTestStore(t)
	err := s.PersistEvent(model.OrderEvent{Venue: "binance", OrderID: "x"})
	if err == nil {
		t.Fatal("expected error for unknown venue")
	}
}

func TestOrderRowUpsertAndStatusUpdate(t *testing.T) {
	s := newTestStore(t)

	row := model.OrderRow{
		TradeID:   "hedge_abc123",
		ChunkSeq:  1,
		Venue:     model.VenueBybit,
		Symbol:    "BTCUSDT",
		Side:      model.SideBuy,
		OrderType: model.OrderTypeLimit,
		Quantity:  800000,
		Price:     4566870,
		OrderID:   "ord-1",
		Status:    model.LegPlaced,
	}
	if err := s.UpsertOrderRow(row); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Re-placement after a post-only reject replaces the row in place.
	row.OrderID = "ord-2"
	row.Price = 4566860
	if err := s.UpsertOrderRow(row); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	if err := s.UpdateOrderRowStatus(model.VenueBybit, "ord-2", model.LegFilled, 800000, 4566860, 520); err != nil {
		t.Fatalf("update status: %v", err)
	}

	got, err := s.GetOrderRows("hedge_abc123")
	if err != nil {
		t.Fatalf("get rows: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("rows = %d, want 1 (same trade/chunk/venue must replace)", len(got))
	}
	r := got[0]
	if r.OrderID != "ord-2" || r.Status != model.LegFilled || r.FilledQty != 800000 || r.FeePaid != 520 {
		t.Errorf("row = %+v", r)
	}
}

func TestRebuildProjection(t *testing.T) {
	s := newTestStore(t)

	row := model.OrderRow{
		TradeID:   "hedge_abc123",
		ChunkSeq:  1,
		Venue:     model.VenueBybit,
		Symbol:    "BTCUSDT",
		Side:      model.SideBuy,
		OrderType: model.OrderTypeLimit,
		Quantity:  800000,
		Price:     4566870,
		OrderID:   "ord-1",
		Status:    model.LegPlaced,
	}
	if err := s.UpsertOrderRow(row); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Events arrived and were persisted, but imagine the projection update
	// was lost in a crash. Rebuild must recover FILLED from the event table.
	events := []model.OrderEvent{
		{Venue: model.VenueBybit, OrderID: "ord-1", ReceivedAt: 1, ReceivedTime: time.Now(), Type: model.EventPlaced},
		{Venue: model.VenueBybit, OrderID: "ord-1", ReceivedAt: 2, ReceivedTime: time.Now(), Type: model.EventPartiallyFilled, CumFilledQty: 300000, CumFee: 195, AvgPrice: 4566870},
		{Venue: model.VenueBybit, OrderID: "ord-1", ReceivedAt: 3, ReceivedTime: time.Now(), Type: model.EventFilled, CumFilledQty: 800000, CumFee: 520, AvgPrice: 4566870},
	}
	for _, ev := range events {
		if err := s.PersistEvent(ev); err != nil {
			t.Fatalf("persist: %v", err)
		}
	}

	n, err := s.RebuildProjection()
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if n != 1 {
		t.Errorf("rebuilt rows = %d, want 1", n)
	}

	got, err := s.GetOrderRows("hedge_abc123")
	if err != nil {
		t.Fatalf("get rows: %v", err)
	}
	r := got[0]
	if r.Status != model.LegFilled {
		t.Errorf("status = %s, want FILLED", r.Status)
	}
	if r.FilledQty != 800000 || r.FeePaid != 520 {
		t.Errorf("filled=%d fee=%d, want 800000/520", r.FilledQty, r.FeePaid)
	}
}

func TestReconciliationRoundTrip(t *testing.T) {
	s := newTestStore(t)

	r := &model.FeeReconciliationRecord{
		TradeID:     "hedge_abc123",
		Symbol:      "BTCUSDT",
		TotalChunks: 2,
		Status:      model.ReconPending,
	}
	if err := s.SaveReconciliation(r); err != nil {
		t.Fatalf("save pending: %v", err)
	}

	r.CompletedChunks = 2
	r.TotalOrderedQty = 1600000
	r.TotalFeeShortfall = 1040
	r.TotalNetReceived = 1598960
	r.ReconciliationNeeded = true
	r.ReconciliationQty = 1000
	r.Status = model.ReconCompleted
	r.OrderID = "recon-ord-9"
	r.FillPrice = 4566900
	if err := s.SaveReconciliation(r); err != nil {
		t.Fatalf("save completed: %v", err)
	}

	got, err := s.GetReconciliation("hedge_abc123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.ReconCompleted || !got.ReconciliationNeeded {
		t.Errorf("got %+v", got)
	}
	if got.TotalFeeShortfall != 1040 || got.ReconciliationQty != 1000 || got.OrderID != "recon-ord-9" {
		t.Errorf("got %+v", got)
	}
}

func TestSpreadAndFillJournal(t *testing.T) {
	s := newTestStore(t)

	if err := s.LogSpread("BTCUSDT", 4566880, 4567790, 19); err != nil {
		t.Fatalf("log spread: %v", err)
	}

	leg := &model.Leg{
		Venue:        model.VenueCoinDCX,
		OrderID:      "ord-7",
		Side:         model.SideSell,
		Type:         model.OrderTypeLimit,
		FilledQty:    800000,
		AvgFillPrice: 4567790,
		FeePaid:      731,
	}
	if err := s.RecordFill("hedge_abc123", 1, leg, time.Now()); err != nil {
		t.Fatalf("record fill: %v", err)
	}

	var count int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM fills WHERE trade_id = 'hedge_abc123'`).Scan(&count); err != nil {
		t.Fatalf("count fills: %v", err)
	}
	if count != 1 {
		t.Errorf("fills = %d, want 1", count)
	}
}
