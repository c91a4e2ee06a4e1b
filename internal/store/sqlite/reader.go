package sqlite

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"hedge-systemv1/internal/model"
)

// GetTrade returns a trade by ID, or sql.ErrNoRows.
func (s *Store) GetTrade(tradeID string) (*model.Trade, error) {
	var tr model.Trade
	var created, updated int64
	var status string
	err := s.db.QueryRow(`
		SELECT trade_id, symbol, total_qty, chunk_size, chunk_count, status, created_at, updated_at
		FROM trades WHERE trade_id = ?
	`, tradeID).Scan(&tr.TradeID, &tr.Symbol, &tr.TotalQty, &tr.ChunkSize, &tr.ChunkCount, &status, &created, &updated)
	if err != nil {
		return nil, err
	}
	tr.Status = model.TradeStatus(status)
	tr.CreatedAt = time.Unix(created, 0)
	tr.UpdatedAt = time.Unix(updated, 0)
	return &tr, nil
}

// GetOrderRows returns the projection rows for a trade ordered by chunk.
func (s *Store) GetOrderRows(tradeID string) ([]model.OrderRow, error) {
	rows, err := s.db.Query(`
		SELECT trade_id, chunk_seq, venue, symbol, side, order_type, quantity, price, order_id, status, filled_qty, avg_price, fee_paid, COALESCE(supersedes, '')
		FROM orders WHERE trade_id = ? ORDER BY chunk_seq, venue
	`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("sqlite query orders: %w", err)
	}
	defer rows.Close()

	var out []model.OrderRow
	for rows.Next() {
		var r model.OrderRow
		var venue, side, otype, status string
		if err := rows.Scan(&r.TradeID, &r.ChunkSeq, &venue, &r.Symbol, &side, &otype,
			&r.Quantity, &r.Price, &r.OrderID, &status, &r.FilledQty, &r.AvgPrice, &r.FeePaid, &r.Supersedes); err != nil {
			return nil, err
		}
		r.Venue = model.Venue(venue)
		r.Side = model.Side(side)
		r.OrderType = model.OrderType(otype)
		r.Status = model.LegStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetOrderEvents returns the full append-only history for one order in
// insertion order.
func (s *Store) GetOrderEvents(venue model.Venue, orderID string) ([]model.OrderEvent, error) {
	table, err := eventTable(venue)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`
		SELECT order_id, received_at, received_time, event_type, cum_filled_qty, cum_fee, avg_price, COALESCE(raw_status, ''), COALESCE(reject_reason, '')
		FROM `+table+` WHERE order_id = ? ORDER BY received_at
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("sqlite query %s: %w", table, err)
	}
	defer rows.Close()

	var out []model.OrderEvent
	for rows.Next() {
		var ev model.OrderEvent
		var etype string
		var recvNanos int64
		if err := rows.Scan(&ev.OrderID, &ev.ReceivedAt, &recvNanos, &etype,
			&ev.CumFilledQty, &ev.CumFee, &ev.AvgPrice, &ev.RawStatus, &ev.RejectReason); err != nil {
			return nil, err
		}
		ev.Venue = venue
		ev.Type = model.EventType(etype)
		ev.ReceivedTime = time.Unix(0, recvNanos)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GetReconciliation returns the fee reconciliation record for a trade.
func (s *Store) GetReconciliation(tradeID string) (*model.FeeReconciliationRecord, error) {
	var r model.FeeReconciliationRecord
	var status string
	var needed int
	var orderID, notes sql.NullString
	var fillPrice sql.NullInt64
	err := s.db.QueryRow(`
		SELECT trade_id, symbol, total_chunks, completed_chunks, total_ordered_qty, total_fee_shortfall, total_net_received, needed, recon_qty, status, order_id, fill_price, notes
		FROM fee_reconciliation WHERE trade_id = ?
	`, tradeID).Scan(&r.TradeID, &r.Symbol, &r.TotalChunks, &r.CompletedChunks,
		&r.TotalOrderedQty, &r.TotalFeeShortfall, &r.TotalNetReceived,
		&needed, &r.ReconciliationQty, &status, &orderID, &fillPrice, &notes)
	if err != nil {
		return nil, err
	}
	r.ReconciliationNeeded = needed != 0
	r.Status = model.ReconStatus(status)
	r.OrderID = orderID.String
	r.FillPrice = fillPrice.Int64
	r.Notes = notes.String
	return &r, nil
}

// RebuildProjection recomputes each order's projection status, fill, and fee
// columns strictly from the append-only event tables. The placement columns
// (symbol, side, quantity, price) are left as written at placement; only the
// stream-derived state is corrected. Used at startup after a crash.
func (s *Store) RebuildProjection() (int, error) {
	fixed := 0
	for _, venue := range []model.Venue{model.VenueBybit, model.VenueCoinDCX} {
		table, _ := eventTable(venue)
		// Latest event per order by received_at.
		res, err := s.db.Exec(`
			UPDATE orders SET
				status = (
					SELECT e.event_type FROM `+table+` e
					WHERE e.order_id = orders.order_id
					ORDER BY e.received_at DESC LIMIT 1
				),
				filled_qty = (
					SELECT e.cum_filled_qty FROM `+table+` e
					WHERE e.order_id = orders.order_id
					ORDER BY e.received_at DESC LIMIT 1
				),
				avg_price = (
					SELECT e.avg_price FROM `+table+` e
					WHERE e.order_id = orders.order_id
					ORDER BY e.received_at DESC LIMIT 1
				),
				fee_paid = (
					SELECT e.cum_fee FROM `+table+` e
					WHERE e.order_id = orders.order_id
					ORDER BY e.received_at DESC LIMIT 1
				)
			WHERE venue = ?
			  AND EXISTS (SELECT 1 FROM `+table+` e WHERE e.order_id = orders.order_id)
		`, string(venue))
		if err != nil {
			return fixed, fmt.Errorf("sqlite rebuild %s projection: %w", venue, err)
		}
		n, _ := res.RowsAffected()
		fixed += int(n)
	}
	if fixed > 0 {
		log.Printf("[sqlite] projection rebuilt from event tables, %d rows refreshed", fixed)
	}
	return fixed, nil
}
