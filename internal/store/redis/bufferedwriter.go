package redis

import (
	"context"
	"log"
	"sync"

	"hedge-systemv1/internal/model"
)

// BufferedMirror wraps a Redis Writer with a circuit breaker.
// While the circuit is open, event mirrors are buffered locally and replayed
// in order when the circuit closes. Price writes are not buffered: a stale
// price is worse than no price, so those are simply dropped while open.
type BufferedMirror struct {
	writer *Writer
	cb     *CircuitBreaker
	ctx    context.Context

	mu     sync.Mutex
	buffer []model.OrderEvent
	maxBuf int

	// Callbacks
	OnBuffer func()          // called when an event is buffered (for metrics)
	OnFlush  func(count int) // called after flushing buffered events
}

// NewBufferedMirror creates a BufferedMirror wrapping the given Writer.
func NewBufferedMirror(ctx context.Context, w *Writer, cb *CircuitBreaker, maxBufferSize int) *BufferedMirror {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bm := &BufferedMirror{
		writer: w,
		cb:     cb,
		ctx:    ctx,
		buffer: make([]model.OrderEvent, 0, 256),
		maxBuf: maxBufferSize,
	}

	// Replay the buffer whenever the circuit closes.
	prevCallback := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prevCallback != nil {
			prevCallback(from, to)
		}
		if to == StateClosed {
			go bm.flush()
		}
	}

	return bm
}

// MirrorEvent mirrors an event through the circuit breaker, buffering it
// locally if the circuit is open. Never returns an error to the caller:
// Redis is a mirror, the SQLite event table has already accepted the event.
func (bm *BufferedMirror) MirrorEvent(ev model.OrderEvent) {
	err := bm.cb.Execute(func() error {
		return bm.writer.MirrorEvent(bm.ctx, ev)
	})
	if err == nil {
		return
	}
	if err != ErrCircuitOpen {
		log.Printf("[redis-mirror] mirror error for %s/%s: %v", ev.Venue, ev.OrderID, err)
	}
	bm.bufferEvent(ev)
}

// SetLatestPrice writes a price through the circuit breaker. Dropped while
// the circuit is open.
func (bm *BufferedMirror) SetLatestPrice(venue model.Venue, symbol string, p model.VenuePrice) {
	err := bm.cb.Execute(func() error {
		return bm.writer.SetLatestPrice(bm.ctx, venue, symbol, p)
	})
	if err != nil && err != ErrCircuitOpen {
		log.Printf("[redis-mirror] price write error for %s/%s: %v", venue, symbol, err)
	}
}

func (bm *BufferedMirror) bufferEvent(ev model.OrderEvent) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if len(bm.buffer) >= bm.maxBuf {
		// Buffer full — drop oldest
		bm.buffer = bm.buffer[1:]
	}
	bm.buffer = append(bm.buffer, ev)

	if bm.OnBuffer != nil {
		bm.OnBuffer()
	}
}

// flush replays all buffered events through the underlying writer.
func (bm *BufferedMirror) flush() {
	bm.mu.Lock()
	if len(bm.buffer) == 0 {
		bm.mu.Unlock()
		return
	}
	toFlush := bm.buffer
	bm.buffer = make([]model.OrderEvent, 0, 256)
	bm.mu.Unlock()

	for _, ev := range toFlush {
		if err := bm.writer.MirrorEvent(bm.ctx, ev); err != nil {
			log.Printf("[redis-mirror] flush error for %s/%s: %v", ev.Venue, ev.OrderID, err)
		}
	}

	log.Printf("[redis-mirror] flushed %d buffered events", len(toFlush))
	if bm.OnFlush != nil {
		bm.OnFlush(len(toFlush))
	}
}

// GetLatestPrice reads a cached price through the circuit breaker.
func (bm *BufferedMirror) GetLatestPrice(ctx context.Context, venue model.Venue, symbol string) (model.VenuePrice, error) {
	var p model.VenuePrice
	err := bm.cb.Execute(func() error {
		var err error
		p, err = bm.writer.GetLatestPrice(ctx, venue, symbol)
		if err == ErrNotCached {
			// A miss is not a Redis failure; don't trip the breaker.
			return nil
		}
		return err
	})
	if err != nil {
		return model.VenuePrice{}, err
	}
	if p == (model.VenuePrice{}) {
		return model.VenuePrice{}, ErrNotCached
	}
	return p, nil
}

// PendingCount returns the number of buffered events waiting to be flushed.
func (bm *BufferedMirror) PendingCount() int {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return len(bm.buffer)
}

// Underlying returns the wrapped Redis writer for direct access.
func (bm *BufferedMirror) Underlying() *Writer {
	return bm.writer
}
