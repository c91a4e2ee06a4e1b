package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"hedge-systemv1/internal/eventstore"
	"hedge-systemv1/internal/model"
	"hedge-systemv1/internal/monitor"
	"hedge-systemv1/internal/notification"
	"hedge-systemv1/internal/venue/sim"
)

type captureNotifier struct {
	alerts []notification.Alert
}

func (c *captureNotifier) Send(ctx context.Context, a notification.Alert) error {
	c.alerts = append(c.alerts, a)
	return nil
}

func newEngine(t *testing.T, bybit *sim.Venue) *Engine {
	t.Helper()
	events := eventstore.New(nil)
	mon := monitor.New(events, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go mon.Listen(ctx, bybit)

	e := New(bybit, events, nil, nil)
	e.sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Millisecond):
			return nil
		}
	}
	return e
}

func btcTrade(chunks int) *model.Trade {
	return &model.Trade{
		TradeID:    "hedge_recon1",
		Symbol:     "BTC",
		TotalQty:   int64(chunks) * 800000,
		ChunkSize:  800000,
		ChunkCount: chunks,
		Status:     model.TradeInProgress,
	}
}

func feeChunk(seq int, filled, fee int64) *model.Chunk {
	return &model.Chunk{
		TradeID:  "hedge_recon1",
		Sequence: seq,
		Quantity: filled,
		Status:   model.ChunkComplete,
		LegA: &model.Leg{
			Venue:     model.VenueBybit,
			Side:      model.SideBuy,
			Type:      model.OrderTypeLimit,
			Status:    model.LegFilled,
			FilledQty: filled,
			FeePaid:   fee,
		},
		LegB: &model.Leg{
			Venue:     model.VenueCoinDCX,
			Side:      model.SideSell,
			Type:      model.OrderTypeLimit,
			Status:    model.LegFilled,
			FilledQty: filled,
		},
	}
}

func TestFinalizeSkipsBelowMinimum(t *testing.T) {
	bybit := sim.New(model.VenueBybit)
	e := newEngine(t, bybit)

	e.Init(btcTrade(2))
	e.RecordChunk("hedge_recon1", feeChunk(1, 800000, 520))

	// Second chunk went through a market fallback: the cancelled limit leg
	// carried part of the fill and its fee must still count.
	c2 := feeChunk(2, 500000, 325)
	c2.LegA.Superseded = &model.Leg{
		Venue:     model.VenueBybit,
		Side:      model.SideBuy,
		Type:      model.OrderTypeLimit,
		Status:    model.LegCancelled,
		FilledQty: 300000,
		FeePaid:   195,
	}
	e.RecordChunk("hedge_recon1", c2)

	r, err := e.Finalize(context.Background(), "hedge_recon1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if r.TotalFeeShortfall != 1040 { // 520 + 325 + 195, exact
		t.Errorf("shortfall = %d, want 1040", r.TotalFeeShortfall)
	}
	if r.TotalOrderedQty != 1600000 {
		t.Errorf("ordered = %d, want 1600000", r.TotalOrderedQty)
	}
	if r.TotalNetReceived != 1598960 {
		t.Errorf("net received = %d, want 1598960", r.TotalNetReceived)
	}
	if r.Status != model.ReconSkippedBelowMin {
		t.Errorf("status = %s, want SKIPPED_BELOW_MINIMUM", r.Status)
	}
	if r.ReconciliationNeeded {
		t.Error("reconciliation should not be flagged below the minimum")
	}
}

func TestFinalizeBuysBackAboveMinimum(t *testing.T) {
	bybit := sim.New(model.VenueBybit)
	bybit.AutoFill = true
	bybit.FeePPM = 650
	bybit.SetPrice(4566880)
	e := newEngine(t, bybit)

	decisions := make(chan model.ReconStatus, 1)
	e.OnDecision = func(s model.ReconStatus) { decisions <- s }

	e.Init(btcTrade(1))
	// A shortfall past the venue minimum (0.002 BTC) forces a buy-back.
	e.RecordChunk("hedge_recon1", feeChunk(1, 80000000, 250000))

	r, err := e.Finalize(context.Background(), "hedge_recon1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if r.Status != model.ReconCompleted {
		t.Fatalf("status = %s, want COMPLETED", r.Status)
	}
	if !r.ReconciliationNeeded || r.ReconciliationQty != 250000 {
		t.Errorf("needed=%v qty=%d", r.ReconciliationNeeded, r.ReconciliationQty)
	}
	if r.OrderID == "" || r.FillPrice == 0 {
		t.Errorf("buy-back order not recorded: %+v", r)
	}
	if got := <-decisions; got != model.ReconCompleted {
		t.Errorf("decision hook = %s", got)
	}
}

func TestFinalizeFailureAlerts(t *testing.T) {
	bybit := sim.New(model.VenueBybit)
	bybit.PlaceErrs = []error{errors.New("insufficient balance")}
	e := newEngine(t, bybit)
	capture := &captureNotifier{}
	e.notifier = capture

	e.Init(btcTrade(1))
	e.RecordChunk("hedge_recon1", feeChunk(1, 80000000, 250000))

	r, err := e.Finalize(context.Background(), "hedge_recon1")
	if err == nil {
		t.Fatal("expected finalize error")
	}
	if r.Status != model.ReconFailed {
		t.Errorf("status = %s, want FAILED", r.Status)
	}
	if len(capture.alerts) != 1 || capture.alerts[0].Level != notification.AlertCritical {
		t.Errorf("alerts = %+v", capture.alerts)
	}
}

func TestFinalizeUnknownTrade(t *testing.T) {
	e := newEngine(t, sim.New(model.VenueBybit))
	if _, err := e.Finalize(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown trade")
	}
}
