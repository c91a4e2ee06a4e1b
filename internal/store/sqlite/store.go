// Package sqlite persists the operational state of the hedge coordinator:
// a one-row-per-(trade,chunk,venue) orders projection for querying, per-venue
// append-only event tables holding the raw stream history, the fee
// reconciliation ledger, spread observations, and the fill journal.
//
// The event tables are authoritative; the projection is a convenience cache
// and can always be rebuilt from them (see Reader.RebuildProjection).
package sqlite

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"hedge-systemv1/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Config configures the SQLite store.
type Config struct {
	DBPath string // e.g. "data/hedge.db"
}

// Store is a single-writer SQLite store in WAL mode.
type Store struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens the database, enables WAL, and creates the schema.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer; the event listeners and coordinator share it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS trades (
			trade_id    TEXT PRIMARY KEY,
			symbol      TEXT    NOT NULL,
			total_qty   INTEGER NOT NULL,
			chunk_size  INTEGER NOT NULL,
			chunk_count INTEGER NOT NULL,
			status      TEXT    NOT NULL,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		);

		-- Current-state projection: exactly one row per (trade, chunk, venue).
		-- Convenience cache only; the event tables below are authoritative.
		CREATE TABLE IF NOT EXISTS orders (
			trade_id    TEXT    NOT NULL,
			chunk_seq   INTEGER NOT NULL,
			venue       TEXT    NOT NULL,
			symbol      TEXT    NOT NULL,
			side        TEXT    NOT NULL,
			order_type  TEXT    NOT NULL,
			quantity    INTEGER NOT NULL,
			price       INTEGER NOT NULL,
			order_id    TEXT    NOT NULL,
			status      TEXT    NOT NULL,
			filled_qty  INTEGER NOT NULL DEFAULT 0,
			avg_price   INTEGER NOT NULL DEFAULT 0,
			fee_paid    INTEGER NOT NULL DEFAULT 0,
			supersedes  TEXT,
			updated_at  INTEGER NOT NULL,
			PRIMARY KEY (trade_id, chunk_seq, venue)
		);
		CREATE INDEX IF NOT EXISTS idx_orders_order_id ON orders(venue, order_id);

		-- Append-only raw event history, one table per venue. Rows are
		-- inserted exactly once and never updated or deleted.
		CREATE TABLE IF NOT EXISTS bybit_order_events (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id       TEXT    NOT NULL,
			received_at    INTEGER NOT NULL,
			received_time  INTEGER NOT NULL,
			event_type     TEXT    NOT NULL,
			cum_filled_qty INTEGER NOT NULL,
			cum_fee        INTEGER NOT NULL,
			avg_price      INTEGER NOT NULL,
			raw_status     TEXT,
			reject_reason  TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_bybit_events_order ON bybit_order_events(order_id, received_at);

		CREATE TABLE IF NOT EXISTS coindcx_order_events (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id       TEXT    NOT NULL,
			received_at    INTEGER NOT NULL,
			received_time  INTEGER NOT NULL,
			event_type     TEXT    NOT NULL,
			cum_filled_qty INTEGER NOT NULL,
			cum_fee        INTEGER NOT NULL,
			avg_price      INTEGER NOT NULL,
			raw_status     TEXT,
			reject_reason  TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_coindcx_events_order ON coindcx_order_events(order_id, received_at);

		CREATE TABLE IF NOT EXISTS fee_reconciliation (
			trade_id            TEXT PRIMARY KEY,
			symbol              TEXT    NOT NULL,
			total_chunks        INTEGER NOT NULL,
			completed_chunks    INTEGER NOT NULL DEFAULT 0,
			total_ordered_qty   INTEGER NOT NULL DEFAULT 0,
			total_fee_shortfall INTEGER NOT NULL DEFAULT 0,
			total_net_received  INTEGER NOT NULL DEFAULT 0,
			needed              INTEGER NOT NULL DEFAULT 0,
			recon_qty           INTEGER NOT NULL DEFAULT 0,
			status              TEXT    NOT NULL DEFAULT 'PENDING',
			order_id            TEXT,
			fill_price          INTEGER,
			notes               TEXT,
			completed_at        INTEGER
		);

		CREATE TABLE IF NOT EXISTS spread_history (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol        TEXT    NOT NULL,
			bybit_price   INTEGER NOT NULL,
			coindcx_price INTEGER NOT NULL,
			spread_bps    INTEGER NOT NULL,
			ts            INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS fills (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			trade_id   TEXT    NOT NULL,
			chunk_seq  INTEGER NOT NULL,
			venue      TEXT    NOT NULL,
			order_id   TEXT    NOT NULL,
			side       TEXT    NOT NULL,
			order_type TEXT    NOT NULL,
			qty        INTEGER NOT NULL,
			avg_price  INTEGER NOT NULL,
			fee        INTEGER NOT NULL,
			filled_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_fills_trade ON fills(trade_id, chunk_seq);
	`)
	return err
}

// SaveTrade inserts or updates a trade row.
func (s *Store) SaveTrade(tr *model.Trade) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO trades (trade_id, symbol, total_qty, chunk_size, chunk_count, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trade_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at
	`, tr.TradeID, tr.Symbol, tr.TotalQty, tr.ChunkSize, tr.ChunkCount, string(tr.Status), tr.CreatedAt.Unix(), now)
	if err != nil {
		return fmt.Errorf("sqlite save trade: %w", err)
	}
	return nil
}

// PersistEvent appends a raw event to the venue's event table. Implements
// model.EventSink; insert-only by construction.
func (s *Store) PersistEvent(ev model.OrderEvent) error {
	table, err := eventTable(ev.Venue)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO `+table+` (order_id, received_at, received_time, event_type, cum_filled_qty, cum_fee, avg_price, raw_status, reject_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.OrderID, ev.ReceivedAt, ev.ReceivedTime.UnixNano(), string(ev.Type),
		ev.CumFilledQty, ev.CumFee, ev.AvgPrice, ev.RawStatus, ev.RejectReason)
	if err != nil {
		return fmt.Errorf("sqlite insert %s: %w", table, err)
	}
	return nil
}

func eventTable(venue model.Venue) (string, error) {
	switch venue {
	case model.VenueBybit:
		return "bybit_order_events", nil
	case model.VenueCoinDCX:
		return "coindcx_order_events", nil
	default:
		return "", fmt.Errorf("sqlite: unknown venue %q", venue)
	}
}

// UpsertOrderRow writes the current projection row for a chunk leg,
// replacing any previous row for the same (trade, chunk, venue).
func (s *Store) UpsertOrderRow(row model.OrderRow) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO orders
			(trade_id, chunk_seq, venue, symbol, side, order_type, quantity, price, order_id, status, filled_qty, avg_price, fee_paid, supersedes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, row.TradeID, row.ChunkSeq, string(row.Venue), row.Symbol, string(row.Side), string(row.OrderType),
		row.Quantity, row.Price, row.OrderID, string(row.Status),
		row.FilledQty, row.AvgPrice, row.FeePaid, row.Supersedes, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("sqlite upsert order row: %w", err)
	}
	return nil
}

// UpdateOrderRowStatus refreshes the projection row matched by order ID.
// Best-effort: the row may not exist yet if the first stream event beat the
// placement insert, which is fine — the projection is rebuilt from events.
func (s *Store) UpdateOrderRowStatus(venue model.Venue, orderID string, status model.LegStatus, filledQty, avgPrice, fee int64) error {
	_, err := s.db.Exec(`
		UPDATE orders
		SET status = ?, filled_qty = ?, avg_price = ?, fee_paid = ?, updated_at = ?
		WHERE venue = ? AND order_id = ?
	`, string(status), filledQty, avgPrice, fee, time.Now().Unix(), string(venue), orderID)
	if err != nil {
		return fmt.Errorf("sqlite update order row: %w", err)
	}
	return nil
}

// SaveReconciliation inserts or updates a trade's fee reconciliation record.
func (s *Store) SaveReconciliation(r *model.FeeReconciliationRecord) error {
	var completedAt any
	if r.Status != model.ReconPending {
		completedAt = time.Now().Unix()
	}
	_, err := s.db.Exec(`
		INSERT INTO fee_reconciliation
			(trade_id, symbol, total_chunks, completed_chunks, total_ordered_qty, total_fee_shortfall, total_net_received, needed, recon_qty, status, order_id, fill_price, notes, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trade_id) DO UPDATE SET
			completed_chunks = excluded.completed_chunks,
			total_ordered_qty = excluded.total_ordered_qty,
			total_fee_shortfall = excluded.total_fee_shortfall,
			total_net_received = excluded.total_net_received,
			needed = excluded.needed,
			recon_qty = excluded.recon_qty,
			status = excluded.status,
			order_id = excluded.order_id,
			fill_price = excluded.fill_price,
			notes = excluded.notes,
			completed_at = excluded.completed_at
	`, r.TradeID, r.Symbol, r.TotalChunks, r.CompletedChunks,
		r.TotalOrderedQty, r.TotalFeeShortfall, r.TotalNetReceived,
		boolInt(r.ReconciliationNeeded), r.ReconciliationQty, string(r.Status),
		r.OrderID, r.FillPrice, r.Notes, completedAt)
	if err != nil {
		return fmt.Errorf("sqlite save reconciliation: %w", err)
	}
	return nil
}

// LogSpread records a spread observation taken at chunk start.
func (s *Store) LogSpread(symbol string, bybitPrice, coindcxPrice, spreadBps int64) error {
	_, err := s.db.Exec(`
		INSERT INTO spread_history (symbol, bybit_price, coindcx_price, spread_bps, ts)
		VALUES (?, ?, ?, ?, ?)
	`, symbol, bybitPrice, coindcxPrice, spreadBps, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("sqlite log spread: %w", err)
	}
	return nil
}

// RecordFill journals a fill for after-the-fact P&L and audit.
func (s *Store) RecordFill(tradeID string, chunkSeq int, leg *model.Leg, filledAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO fills (trade_id, chunk_seq, venue, order_id, side, order_type, qty, avg_price, fee, filled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tradeID, chunkSeq, string(leg.Venue), leg.OrderID, string(leg.Side), string(leg.Type),
		leg.FilledQty, leg.AvgFillPrice, leg.FeePaid, filledAt.Unix())
	if err != nil {
		return fmt.Errorf("sqlite record fill: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
