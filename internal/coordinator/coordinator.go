// Package coordinator owns the trade lifecycle: it gates incoming trade
// requests, splits the total quantity into venue-minimum chunks, runs them
// strictly one at a time through the executor, and closes the trade with
// fee reconciliation. One trade runs at a time; a second request while one
// is in progress is rejected.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hedge-systemv1/internal/executor"
	"hedge-systemv1/internal/logger"
	"hedge-systemv1/internal/model"
	"hedge-systemv1/internal/notification"
	"hedge-systemv1/internal/oracle"
	"hedge-systemv1/internal/reconcile"

	"github.com/pquerna/otp/totp"
)

var (
	// ErrTradeInProgress rejects a request while another trade runs.
	ErrTradeInProgress = errors.New("a trade is already in progress")
	// ErrSpreadTooWide rejects a request or pauses a chunk when venues
	// disagree beyond the caller's tolerance.
	ErrSpreadTooWide = errors.New("cross-venue spread exceeds limit")
	// ErrBadTOTP rejects live trading without a valid operator code.
	ErrBadTOTP = errors.New("invalid TOTP code")
	// ErrStopped reports a trade halted at a chunk boundary by RequestStop.
	ErrStopped = errors.New("trade stopped by operator")
)

// TradeStore is the durable trade surface of the SQLite store.
type TradeStore interface {
	SaveTrade(tr *model.Trade) error
	LogSpread(symbol string, bybitPrice, coindcxPrice, spreadBps int64) error
	RecordFill(tradeID string, chunkSeq int, leg *model.Leg, filledAt time.Time) error
}

// TradePublisher announces trade transitions (Redis pub/sub).
type TradePublisher interface {
	PublishTradeStatus(ctx context.Context, tr *model.Trade)
}

// Request is an operator's trade request. Quantity is in sats; the spread
// limit is in basis points. TOTP is required unless paper mode is on.
type Request struct {
	Symbol       string
	TotalQty     int64
	MaxSpreadBps int64
	TOTP         string
}

// Config configures the Coordinator.
type Config struct {
	PaperMode  bool
	TOTPSecret string // operator secret arming live trades
}

// Coordinator runs trades end to end.
type Coordinator struct {
	oracle    *oracle.Oracle
	exec      *executor.Executor
	recon     *reconcile.Engine
	store     TradeStore            // optional
	publisher TradePublisher        // optional
	notifier  notification.Notifier // optional
	cfg       Config
	log       *slog.Logger

	// Metrics hooks
	OnChunkDone func(status model.ChunkStatus, elapsed time.Duration)
	OnTradeDone func(status model.TradeStatus)

	mu      sync.Mutex
	active  *model.Trade
	chunks  []*model.Chunk
	stopped bool
}

// New creates a Coordinator. store, publisher, and notifier may be nil.
func New(orc *oracle.Oracle, exec *executor.Executor, recon *reconcile.Engine, store TradeStore, publisher TradePublisher, notifier notification.Notifier, cfg Config, lg *slog.Logger) *Coordinator {
	if lg == nil {
		lg = slog.Default()
	}
	return &Coordinator{
		oracle:    orc,
		exec:      exec,
		recon:     recon,
		store:     store,
		publisher: publisher,
		notifier:  notifier,
		cfg:       cfg,
		log:       lg,
	}
}

// Execute runs a trade to completion. It blocks for the duration of the
// trade and returns the final trade record; the error is non-nil when the
// trade did not complete.
func (c *Coordinator) Execute(ctx context.Context, req Request) (*model.Trade, error) {
	if err := c.gate(req); err != nil {
		return nil, err
	}

	spec, err := model.LookupSymbol(req.Symbol)
	if err != nil {
		return nil, err
	}
	qty := spec.RoundQtyDown(req.TotalQty)
	if qty < spec.MinQty {
		return nil, fmt.Errorf("quantity %d below minimum chunk %d", req.TotalQty, spec.MinQty)
	}

	// Pre-check the spread before committing to anything.
	if _, err := c.checkSpread(ctx, req.Symbol, req.MaxSpreadBps); err != nil {
		return nil, err
	}

	sizes := model.SplitChunks(qty, spec.MinQty)
	trade := &model.Trade{
		TradeID:    logger.GenerateTradeID(req.Symbol, time.Now()),
		Symbol:     req.Symbol,
		TotalQty:   qty,
		ChunkSize:  spec.MinQty,
		ChunkCount: len(sizes),
		Status:     model.TradeInProgress,
		CreatedAt:  time.Now(),
	}

	chunks := make([]*model.Chunk, len(sizes))
	for i, size := range sizes {
		chunks[i] = &model.Chunk{
			TradeID:  trade.TradeID,
			Sequence: i + 1,
			Quantity: size,
			Status:   model.ChunkPending,
		}
	}

	if !c.claim(trade, chunks) {
		return nil, ErrTradeInProgress
	}
	defer c.release()

	ctx = logger.WithTradeID(ctx, trade.TradeID)
	c.log.Info("trade started",
		append(logger.LogWithTrade(ctx),
			slog.String("symbol", trade.Symbol),
			slog.Int64("total_qty", trade.TotalQty),
			slog.Int("chunks", trade.ChunkCount))...)

	c.saveTrade(ctx, trade)
	c.recon.Init(trade)

	err = c.runChunks(ctx, trade, chunks, req.MaxSpreadBps)

	// Reconciliation runs over whatever chunks completed, even after a
	// failure: acquired fees are real either way.
	if _, rerr := c.recon.Finalize(ctx, trade.TradeID); rerr != nil {
		c.log.Error("fee reconciliation failed", append(logger.LogWithTrade(ctx), slog.Any("error", rerr))...)
	}

	if err != nil {
		trade.Status = model.TradeFailed
	} else {
		trade.Status = model.TradeCompleted
	}
	trade.UpdatedAt = time.Now()
	c.saveTrade(ctx, trade)
	if c.OnTradeDone != nil {
		c.OnTradeDone(trade.Status)
	}

	c.log.Info("trade finished", append(logger.LogWithTrade(ctx), slog.String("status", string(trade.Status)))...)
	c.notify(trade, err)
	return trade, err
}

// runChunks executes chunks strictly sequentially, re-checking the stop
// flag and the spread gate at every chunk boundary.
func (c *Coordinator) runChunks(ctx context.Context, trade *model.Trade, chunks []*model.Chunk, maxSpreadBps int64) error {
	for _, chunk := range chunks {
		if c.stopRequested() {
			c.log.Warn("trade stopped at chunk boundary",
				append(logger.LogWithTrade(ctx), slog.Int("next_chunk", chunk.Sequence))...)
			return ErrStopped
		}

		// Fresh prices for every chunk; the trade pauses rather than
		// execute through a widened spread.
		c.oracle.Invalidate(trade.Symbol)
		quote, err := c.checkSpread(ctx, trade.Symbol, maxSpreadBps)
		if err != nil {
			return fmt.Errorf("chunk %d: %w", chunk.Sequence, err)
		}
		if c.store != nil {
			if lerr := c.store.LogSpread(trade.Symbol, quote.Bybit.LastPrice, quote.CoinDCX.LastPrice, quote.SpreadBps); lerr != nil {
				c.log.Warn("spread log failed", slog.Any("error", lerr))
			}
		}

		started := time.Now()
		err = c.exec.ExecuteChunk(ctx, trade, chunk)
		if c.OnChunkDone != nil {
			c.OnChunkDone(chunk.Status, time.Since(started))
		}
		if err != nil {
			return err
		}

		c.recon.RecordChunk(trade.TradeID, chunk)
		c.journalFills(trade, chunk)
	}
	return nil
}

// gate validates the operator TOTP unless running against sim venues.
func (c *Coordinator) gate(req Request) error {
	if c.cfg.PaperMode {
		return nil
	}
	if c.cfg.TOTPSecret == "" {
		return errors.New("live trading requires a configured TOTP secret")
	}
	if !totp.Validate(req.TOTP, c.cfg.TOTPSecret) {
		return ErrBadTOTP
	}
	return nil
}

func (c *Coordinator) checkSpread(ctx context.Context, symbol string, maxBps int64) (model.PriceQuote, error) {
	quote, err := c.oracle.GetPrice(ctx, symbol)
	if err != nil {
		return model.PriceQuote{}, err
	}
	if quote.SpreadBps > maxBps {
		return model.PriceQuote{}, fmt.Errorf("%w: %d bps > %d bps", ErrSpreadTooWide, quote.SpreadBps, maxBps)
	}
	return quote, nil
}

// journalFills records every filled leg generation for audit.
func (c *Coordinator) journalFills(trade *model.Trade, chunk *model.Chunk) {
	if c.store == nil {
		return
	}
	now := time.Now()
	for _, leg := range []*model.Leg{chunk.LegA, chunk.LegB} {
		for l := leg; l != nil; l = l.Superseded {
			if l.FilledQty == 0 {
				continue
			}
			if err := c.store.RecordFill(trade.TradeID, chunk.Sequence, l, now); err != nil {
				c.log.Warn("fill journal failed", slog.String("order_id", l.OrderID), slog.Any("error", err))
			}
		}
	}
}

func (c *Coordinator) saveTrade(ctx context.Context, trade *model.Trade) {
	if c.store != nil {
		if err := c.store.SaveTrade(trade); err != nil {
			c.log.Error("trade save failed", append(logger.LogWithTrade(ctx), slog.Any("error", err))...)
		}
	}
	if c.publisher != nil {
		c.publisher.PublishTradeStatus(ctx, trade)
	}
}

func (c *Coordinator) notify(trade *model.Trade, err error) {
	if c.notifier == nil {
		return
	}
	alert := notification.Alert{
		Level:   notification.AlertInfo,
		TradeID: trade.TradeID,
		Title:   "Trade " + string(trade.Status),
		Message: fmt.Sprintf("%s %s qty %d in %d chunks", trade.TradeID, trade.Symbol, trade.TotalQty, trade.ChunkCount),
	}
	if err != nil {
		alert.Level = notification.AlertCritical
		alert.Message += ": " + err.Error()
	}
	c.notifier.Send(context.Background(), alert)
}

// claim marks the coordinator busy; only one trade may run.
func (c *Coordinator) claim(trade *model.Trade, chunks []*model.Chunk) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return false
	}
	c.active = trade
	c.chunks = chunks
	c.stopped = false
	return true
}

func (c *Coordinator) release() {
	c.mu.Lock()
	c.active = nil
	c.chunks = nil
	c.mu.Unlock()
}

// RequestStop halts the active trade at the next chunk boundary. Chunks in
// flight always run to a terminal state; a stop never strands a leg.
func (c *Coordinator) RequestStop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return false
	}
	c.stopped = true
	return true
}

func (c *Coordinator) stopRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Active returns a snapshot of the running trade and its chunks, or nil.
func (c *Coordinator) Active() (*model.Trade, []*model.Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil, nil
	}
	tr := *c.active
	chunks := make([]*model.Chunk, len(c.chunks))
	copy(chunks, c.chunks)
	return &tr, chunks
}
