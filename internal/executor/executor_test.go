package executor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"hedge-systemv1/internal/eventstore"
	"hedge-systemv1/internal/model"
	"hedge-systemv1/internal/monitor"
	"hedge-systemv1/internal/oracle"
	"hedge-systemv1/internal/venue/sim"
)

func testConfig() Config {
	return Config{
		PlacementAttempts: 3,
		PollInterval:      2 * time.Millisecond,
		NakedPolls:        3,
		NakedPollInterval: 5 * time.Millisecond,
		MarketFillWait:    2 * time.Second,
		MaxChunkWait:      2 * time.Second,
	}
}

type harness struct {
	exec   *Executor
	bybit  *sim.Venue
	dcx    *sim.Venue
	events *eventstore.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	bybit := sim.New(model.VenueBybit)
	dcx := sim.New(model.VenueCoinDCX)
	bybit.SetPrice(4566880)
	dcx.SetPrice(4567790)

	events := eventstore.New(nil)
	mon := monitor.New(events, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go mon.Listen(ctx, bybit)
	go mon.Listen(ctx, dcx)

	orc := oracle.New(bybit, dcx, nil, oracle.Config{})
	exec := New(bybit, dcx, orc, events, nil, testConfig())
	return &harness{exec: exec, bybit: bybit, dcx: dcx, events: events}
}

func testTrade() *model.Trade {
	return &model.Trade{
		TradeID:    "hedge_test1",
		Symbol:     "BTC",
		TotalQty:   800000,
		ChunkSize:  800000,
		ChunkCount: 1,
		Status:     model.TradeInProgress,
		CreatedAt:  time.Now(),
	}
}

func testChunk() *model.Chunk {
	return &model.Chunk{TradeID: "hedge_test1", Sequence: 1, Quantity: 800000, Status: model.ChunkPending}
}

func TestExecuteChunkBothFill(t *testing.T) {
	h := newHarness(t)
	h.bybit.AutoFill = true
	h.bybit.FeePPM = 650
	h.dcx.AutoFill = true
	h.dcx.FeePPM = 500

	chunk := testChunk()
	if err := h.exec.ExecuteChunk(context.Background(), testTrade(), chunk); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if chunk.Status != model.ChunkComplete {
		t.Fatalf("chunk status = %s, want COMPLETE", chunk.Status)
	}
	if chunk.LegA.Side != model.SideBuy || chunk.LegB.Side != model.SideSell {
		t.Errorf("leg sides = %s/%s", chunk.LegA.Side, chunk.LegB.Side)
	}
	// One tick behind the market on first attempt.
	if chunk.LegA.RequestedPrice != 4566870 {
		t.Errorf("leg A price = %d, want 4566870", chunk.LegA.RequestedPrice)
	}
	if chunk.LegB.RequestedPrice != 4567800 {
		t.Errorf("leg B price = %d, want 4567800", chunk.LegB.RequestedPrice)
	}
	// The buy leg is scaled so the fee deduction still nets the chunk:
	// 800000 / (1 - 0.00065), rounded up to the quantity step.
	if chunk.LegA.RequestedQty != 800600 {
		t.Errorf("leg A requested = %d, want 800600", chunk.LegA.RequestedQty)
	}
	if chunk.LegA.FilledQty != 800600 || chunk.LegA.FeePaid != 520 {
		t.Errorf("leg A fill = %d fee = %d", chunk.LegA.FilledQty, chunk.LegA.FeePaid)
	}
	if chunk.LegB.RequestedQty != 800000 {
		t.Errorf("leg B requested = %d, want 800000", chunk.LegB.RequestedQty)
	}
}

func TestExecuteChunkPostOnlyRetries(t *testing.T) {
	h := newHarness(t)
	h.bybit.AutoFill = true
	h.dcx.AutoFill = true
	h.dcx.PlaceErrs = []error{
		&model.RejectionError{Venue: model.VenueCoinDCX, Reason: "would take", PostOnly: true},
		&model.RejectionError{Venue: model.VenueCoinDCX, Reason: "would take", PostOnly: true},
		nil,
	}

	rejections := 0
	h.exec.OnLegRejection = func(model.Venue) { rejections++ }

	chunk := testChunk()
	if err := h.exec.ExecuteChunk(context.Background(), testTrade(), chunk); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if chunk.LegB.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", chunk.LegB.Attempts)
	}
	// Third attempt rests three ticks above the market.
	if chunk.LegB.RequestedPrice != 4567820 {
		t.Errorf("leg B price = %d, want 4567820", chunk.LegB.RequestedPrice)
	}
	if rejections != 2 {
		t.Errorf("rejections = %d, want 2", rejections)
	}
}

func TestExecuteChunkPlacementExhaustedRollsBack(t *testing.T) {
	h := newHarness(t)
	h.bybit.AutoFill = false // leg A rests untouched so rollback cancel is clean
	reject := &model.RejectionError{Venue: model.VenueCoinDCX, Reason: "would take", PostOnly: true}
	h.dcx.PlaceErrs = []error{reject, reject, reject}

	chunk := testChunk()
	err := h.exec.ExecuteChunk(context.Background(), testTrade(), chunk)
	if err == nil {
		t.Fatal("expected chunk failure")
	}
	if chunk.Status != model.ChunkFailed {
		t.Fatalf("chunk status = %s, want FAILED", chunk.Status)
	}

	// The surviving bybit order must have been cancelled.
	st, qerr := h.bybit.QueryStatus(context.Background(), "sim-bybit-1")
	if qerr != nil {
		t.Fatalf("query: %v", qerr)
	}
	if st != model.LegCancelled {
		t.Errorf("bybit order status = %s, want CANCELLED", st)
	}
}

func TestExecuteChunkNakedMarketFallback(t *testing.T) {
	h := newHarness(t)
	h.bybit.AutoFill = true
	h.bybit.FeePPM = 650

	// CoinDCX accepts the limit order but only partially fills it; once the
	// executor cancels, it must take the remainder at market.
	go func() {
		waitPlaced(h.dcx, "sim-coindcx-1")
		h.dcx.PartialFill("sim-coindcx-1", 300000, 4567800, 325)
	}()
	go func() {
		waitPlaced(h.dcx, "sim-coindcx-2")
		h.dcx.Fill("sim-coindcx-2", 500000, 4567790, 195)
	}()

	outcomes := make(chan string, 1)
	h.exec.OnNakedResolution = func(o string) { outcomes <- o }

	chunk := testChunk()
	if err := h.exec.ExecuteChunk(context.Background(), testTrade(), chunk); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if chunk.Status != model.ChunkComplete {
		t.Fatalf("chunk status = %s, want COMPLETE", chunk.Status)
	}
	if got := <-outcomes; got != "market_fill" {
		t.Errorf("resolution outcome = %s, want market_fill", got)
	}

	// The market leg supersedes the cancelled limit leg: quantity and fees
	// from both generations must survive.
	if chunk.LegB.Type != model.OrderTypeMarket {
		t.Fatalf("leg B type = %s, want market", chunk.LegB.Type)
	}
	if chunk.LegB.Superseded == nil {
		t.Fatal("market leg lost its predecessor")
	}
	if got := chunk.LegB.TotalFilledQty(); got != 800000 {
		t.Errorf("total filled = %d, want 800000", got)
	}
	if got := chunk.LegB.TotalFeePaid(); got != 520 {
		t.Errorf("total fee = %d, want 520", got)
	}
}

func TestExecuteChunkAmbiguousCancelAssumesFilled(t *testing.T) {
	h := newHarness(t)
	h.bybit.AutoFill = true
	h.bybit.FeePPM = 650

	// Drop the coindcx order from the venue's book once placed: cancel and
	// the single re-query both come back not-found.
	go func() {
		waitPlaced(h.dcx, "sim-coindcx-1")
		h.dcx.Forget("sim-coindcx-1")
	}()

	outcomes := make(chan string, 1)
	h.exec.OnNakedResolution = func(o string) { outcomes <- o }

	chunk := testChunk()
	if err := h.exec.ExecuteChunk(context.Background(), testTrade(), chunk); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if chunk.Status != model.ChunkComplete {
		t.Fatalf("chunk status = %s, want COMPLETE", chunk.Status)
	}
	if got := <-outcomes; got != "assumed_filled" {
		t.Errorf("resolution outcome = %s, want assumed_filled", got)
	}
	if chunk.LegB.Status != model.LegFilled || chunk.LegB.FilledQty != 800000 {
		t.Errorf("leg B = %s qty %d, want FILLED 800000", chunk.LegB.Status, chunk.LegB.FilledQty)
	}

	// The assumption on leg B must not cost leg A its real fills: the
	// filled side's quantity and fees feed the fee reconciliation.
	if got := chunk.LegA.TotalFilledQty(); got != 800600 {
		t.Errorf("leg A total filled = %d, want 800600", got)
	}
	if got := chunk.LegA.TotalFeePaid(); got != 520 {
		t.Errorf("leg A total fee = %d, want 520", got)
	}

	// The whole point of the assumption: no second order may ever be placed.
	if _, err := h.dcx.QueryStatus(context.Background(), "sim-coindcx-2"); !errors.Is(err, model.ErrOrderNotFound) {
		t.Errorf("a market fallback order was placed despite the ambiguity")
	}
}

func TestExecuteChunkAmbiguousRequeryReportsFilled(t *testing.T) {
	h := newHarness(t)
	h.bybit.AutoFill = true
	h.bybit.FeePPM = 650

	h.dcx.CancelErrs = map[string]error{
		"sim-coindcx-1": fmt.Errorf("gone: %w", model.ErrOrderNotFound),
	}
	h.dcx.QueryOverride = map[string]model.LegStatus{
		"sim-coindcx-1": model.LegFilled,
	}

	outcomes := make(chan string, 1)
	h.exec.OnNakedResolution = func(o string) { outcomes <- o }

	chunk := testChunk()
	if err := h.exec.ExecuteChunk(context.Background(), testTrade(), chunk); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if chunk.Status != model.ChunkComplete {
		t.Fatalf("chunk status = %s, want COMPLETE", chunk.Status)
	}
	if got := <-outcomes; got != "late_fill" {
		t.Errorf("resolution outcome = %s, want late_fill", got)
	}
	if got := chunk.LegA.TotalFeePaid(); got != 520 {
		t.Errorf("leg A total fee = %d, want 520", got)
	}
}

func TestChunkOpenStateFollowsEventStore(t *testing.T) {
	h := newHarness(t)

	chunk := testChunk()
	chunk.LegA = &model.Leg{Venue: model.VenueBybit, Side: model.SideBuy}
	chunk.LegB = &model.Leg{Venue: model.VenueCoinDCX, Side: model.SideSell}

	// Placement returns alone prove nothing: with no stream events the
	// chunk stays PENDING.
	h.exec.markOpenState(chunk)
	if chunk.Status != model.ChunkPending {
		t.Fatalf("status = %s, want PENDING", chunk.Status)
	}

	idA, err := h.bybit.PlaceOrder(context.Background(), model.OrderRequest{
		Symbol: "BTCUSDT", Side: model.SideBuy, Type: model.OrderTypeLimit, Price: 4566870, Quantity: 800600,
	})
	if err != nil {
		t.Fatalf("place A: %v", err)
	}
	chunk.LegA.OrderID = idA
	waitStoreStatus(t, h.events, model.VenueBybit, idA, model.LegPlaced)

	h.exec.markOpenState(chunk)
	if chunk.Status != model.ChunkLegAOpen {
		t.Fatalf("status = %s, want LEG_A_OPEN", chunk.Status)
	}

	idB, err := h.dcx.PlaceOrder(context.Background(), model.OrderRequest{
		Symbol: "B-BTC_USDT", Side: model.SideSell, Type: model.OrderTypeLimit, Price: 4567800, Quantity: 800000,
	})
	if err != nil {
		t.Fatalf("place B: %v", err)
	}
	chunk.LegB.OrderID = idB
	waitStoreStatus(t, h.events, model.VenueCoinDCX, idB, model.LegPlaced)

	h.exec.markOpenState(chunk)
	if chunk.Status != model.ChunkBothOpen {
		t.Fatalf("status = %s, want BOTH_OPEN", chunk.Status)
	}
}

func waitStoreStatus(t *testing.T, s *eventstore.Store, venue model.Venue, orderID string, want model.LegStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.LegStatus(venue, orderID) == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("%s/%s never reached %s in the event store", venue, orderID, want)
}

func waitPlaced(v *sim.Venue, orderID string) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, err := v.QueryStatus(context.Background(), orderID); err == nil && st == model.LegPlaced {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
}
