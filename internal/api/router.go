// Package api exposes the operator HTTP surface: submitting trades,
// inspecting their order rows and reconciliation, and stopping a running
// trade at the next chunk boundary.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"hedge-systemv1/internal/coordinator"
	"hedge-systemv1/internal/model"
	"hedge-systemv1/internal/oracle"
	"hedge-systemv1/pkg/fixedpoint"
)

// TradeReader is the read surface of the SQLite store used by the API.
type TradeReader interface {
	GetTrade(tradeID string) (*model.Trade, error)
	GetOrderRows(tradeID string) ([]model.OrderRow, error)
	GetOrderEvents(venue model.Venue, orderID string) ([]model.OrderEvent, error)
	GetReconciliation(tradeID string) (*model.FeeReconciliationRecord, error)
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	SetCORS(w)
	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// tradeRequest is the POST /api/v1/trades body. Quantity is a decimal
// string in the base asset ("0.008"); the spread limit is in basis points.
type tradeRequest struct {
	Symbol       string `json:"symbol"`
	Quantity     string `json:"quantity"`
	MaxSpreadBps int64  `json:"max_spread_bps"`
	TOTP         string `json:"totp"`
}

// RegisterRoutes registers all HTTP routes on the provided mux. A trade
// request without max_spread_bps falls back to defaultMaxSpreadBps.
func RegisterRoutes(mux *http.ServeMux, coord *coordinator.Coordinator, reader TradeReader, orc *oracle.Oracle, defaultMaxSpreadBps int64, processStart time.Time) {
	// POST: submit a trade. The trade runs in the background; the handler
	// returns 202 with the trade ID once the coordinator has claimed it,
	// or the validation error if the request is rejected up front.
	mux.HandleFunc("/api/v1/trades", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "OPTIONS" {
			SetCORS(w)
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != "POST" {
			writeError(w, http.StatusMethodNotAllowed, "POST only")
			return
		}

		var req tradeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		qty, err := fixedpoint.ParseSats(req.Quantity)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid quantity: "+err.Error())
			return
		}
		if req.MaxSpreadBps == 0 {
			req.MaxSpreadBps = defaultMaxSpreadBps
		}
		if req.MaxSpreadBps <= 0 {
			writeError(w, http.StatusBadRequest, "max_spread_bps must be positive")
			return
		}

		submittedAt := time.Now()
		type execResult struct {
			trade *model.Trade
			err   error
		}
		resCh := make(chan execResult, 1)
		go func() {
			// The trade outlives this HTTP request on purpose.
			tr, err := coord.Execute(context.Background(), coordinator.Request{
				Symbol:       strings.ToUpper(req.Symbol),
				TotalQty:     qty,
				MaxSpreadBps: req.MaxSpreadBps,
				TOTP:         req.TOTP,
			})
			resCh <- execResult{tr, err}
		}()

		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		deadline := time.After(3 * time.Second)
		for {
			select {
			case res := <-resCh:
				if res.err != nil {
					code := http.StatusInternalServerError
					switch {
					case errors.Is(res.err, coordinator.ErrTradeInProgress):
						code = http.StatusConflict
					case errors.Is(res.err, coordinator.ErrBadTOTP):
						code = http.StatusUnauthorized
					case errors.Is(res.err, coordinator.ErrSpreadTooWide):
						code = http.StatusUnprocessableEntity
					case res.trade == nil:
						// Rejected before anything was placed.
						code = http.StatusBadRequest
					}
					log.Printf("[api] trade request rejected: %v", res.err)
					writeError(w, code, res.err.Error())
					return
				}
				// Finished before the handler deadline (paper mode).
				writeJSON(w, http.StatusOK, res.trade)
				return
			case <-ticker.C:
				if tr, _ := coord.Active(); tr != nil && !tr.CreatedAt.Before(submittedAt) {
					log.Printf("[api] trade %s accepted: %s qty=%s", tr.TradeID, tr.Symbol, fixedpoint.FormatSats(tr.TotalQty))
					writeJSON(w, http.StatusAccepted, tr)
					return
				}
			case <-deadline:
				writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
				return
			}
		}
	})

	// GET: the currently running trade with its live chunk states.
	mux.HandleFunc("/api/v1/trades/active", func(w http.ResponseWriter, r *http.Request) {
		tr, chunks := coord.Active()
		if tr == nil {
			writeError(w, http.StatusNotFound, "no trade in progress")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"trade":  tr,
			"chunks": chunks,
		})
	})

	// GET: a trade by ID, with its order rows and fee reconciliation.
	mux.HandleFunc("/api/v1/trades/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/api/v1/trades/")
		if id == "" || strings.Contains(id, "/") {
			writeError(w, http.StatusNotFound, "unknown path")
			return
		}
		tr, err := reader.GetTrade(id)
		if err != nil {
			writeError(w, http.StatusNotFound, "trade not found")
			return
		}
		orders, err := reader.GetOrderRows(id)
		if err != nil {
			log.Printf("[api] order rows for %s: %v", id, err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		recon, err := reader.GetReconciliation(id)
		if err != nil {
			// A trade that never reached finalization has no record.
			recon = nil
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"trade":          tr,
			"orders":         orders,
			"reconciliation": recon,
		})
	})

	// GET: raw event history for one order, oldest first.
	mux.HandleFunc("/api/v1/orders/events", func(w http.ResponseWriter, r *http.Request) {
		venue := model.Venue(r.URL.Query().Get("venue"))
		orderID := r.URL.Query().Get("order_id")
		if orderID == "" || (venue != model.VenueBybit && venue != model.VenueCoinDCX) {
			writeError(w, http.StatusBadRequest, "venue and order_id are required")
			return
		}
		events, err := reader.GetOrderEvents(venue, orderID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, events)
	})

	// POST: stop the running trade at the next chunk boundary. Chunks in
	// flight always run to a terminal state first.
	mux.HandleFunc("/api/v1/stop", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			writeError(w, http.StatusMethodNotAllowed, "POST only")
			return
		}
		stopping := coord.RequestStop()
		if stopping {
			log.Printf("[api] stop requested, trade will halt at next chunk boundary")
		}
		writeJSON(w, http.StatusOK, map[string]bool{"stopping": stopping})
	})

	// GET: live cross-venue quote and spread for a symbol.
	mux.HandleFunc("/api/v1/spread", func(w http.ResponseWriter, r *http.Request) {
		symbol := strings.ToUpper(r.URL.Query().Get("symbol"))
		if symbol == "" {
			symbol = "BTC"
		}
		quote, err := orc.GetPrice(r.Context(), symbol)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, quote)
	})

	// Health endpoint (the metrics server carries the full healthz).
	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		active := "idle"
		if tr, _ := coord.Active(); tr != nil {
			active = tr.TradeID
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":     "ok",
			"trade":      active,
			"uptime_sec": int64(time.Since(processStart).Seconds()),
			"ts":         time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}
